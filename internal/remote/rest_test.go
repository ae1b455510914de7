package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/roach88/crmsync/internal/soql"
	"github.com/roach88/crmsync/internal/syncerr"
)

func newTestRESTClient(t *testing.T, handler http.Handler) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewRESTClient(RESTOptions{
		BaseURL:     srv.URL,
		APIVersion:  "v59.0",
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok", TokenType: "Bearer"}),
		MaxRetries:  2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestRESTClient_Create(t *testing.T) {
	c := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/services/data/v59.0/sobjects/Contact/", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"LastName":"Acme"}`, string(body))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"003000000000001AAA","success":true}`))
	}))

	id, err := c.Create(context.Background(), "Contact", map[string]any{"LastName": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "003000000000001AAA", id)
}

func TestRESTClient_UpsertCreatedVersusUpdated(t *testing.T) {
	var calls atomic.Int32
	c := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/services/data/v59.0/sobjects/Contact/External__c/k-1", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasKey := body["External__c"]
		assert.False(t, hasKey, "key field travels in the path only")

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"003000000000001AAA","success":true,"created":true}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	fields := map[string]any{"LastName": "Acme", "External__c": "k-1"}
	id, err := c.Upsert(context.Background(), "Contact", "External__c", "k-1", fields)
	require.NoError(t, err)
	assert.Equal(t, "003000000000001AAA", id)

	id, err = c.Upsert(context.Background(), "Contact", "External__c", "k-1", fields)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestRESTClient_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	err := c.Update(context.Background(), "Contact", "003000000000001AAA", map[string]any{"LastName": "B"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRESTClient_RetriesExhaustedIsTransient(t *testing.T) {
	c := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`[{"message":"limit","errorCode":"REQUEST_LIMIT_EXCEEDED"}]`))
	}))

	err := c.Delete(context.Background(), "Contact", "003000000000001AAA")
	require.Error(t, err)
	assert.True(t, syncerr.IsTransient(err))
	assert.Contains(t, err.Error(), "REQUEST_LIMIT_EXCEEDED")
}

func TestRESTClient_CreateNotRetriedOnServerError(t *testing.T) {
	var calls atomic.Int32
	c := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.Create(context.Background(), "Contact", map[string]any{"LastName": "Acme"})
	require.Error(t, err)
	assert.True(t, syncerr.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRESTClient_CreateRetriedOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"003000000000001AAA","success":true}`))
	}))

	id, err := c.Create(context.Background(), "Contact", map[string]any{"LastName": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "003000000000001AAA", id)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRESTClient_NotFound(t *testing.T) {
	c := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`[{"message":"gone","errorCode":"NOT_FOUND"}]`))
	}))

	_, err := c.Read(context.Background(), "Contact", "003000000000001AAA")
	assert.True(t, syncerr.IsNotFound(err))
	assert.False(t, syncerr.IsTransient(err))
}

func TestRESTClient_BadRequestIsPlain(t *testing.T) {
	c := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`[{"message":"bad value","errorCode":"STRING_TOO_LONG"}]`))
	}))

	_, err := c.Create(context.Background(), "Contact", map[string]any{"LastName": "x"})
	require.Error(t, err)
	assert.Equal(t, syncerr.Code(""), syncerr.CodeOf(err))
	assert.Contains(t, err.Error(), "STRING_TOO_LONG")
}

func TestRESTClient_QueryAndRecords(t *testing.T) {
	c := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/services/data/v59.0/query":
			assert.Equal(t, "SELECT Id, LastName FROM Contact ORDER BY Id ASC", r.URL.Query().Get("q"))
			_, _ = w.Write([]byte(`{"totalSize":2,"done":false,"nextRecordsUrl":"/services/data/v59.0/query/01g-2000",
				"records":[{"attributes":{"type":"Contact"},"Id":"003000000000001AAA","LastName":"A"}]}`))
		case "/services/data/v59.0/query/01g-2000":
			_, _ = w.Write([]byte(`{"totalSize":2,"done":true,
				"records":[{"attributes":{"type":"Contact"},"Id":"003000000000002AAA","LastName":"B"}]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	res, err := c.Query(context.Background(), soql.NewSelect("Contact").AddField("LastName"))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "Contact", res.Records[0].Type)
	assert.Equal(t, "A", res.Records[0].String("LastName"))

	more, err := c.QueryMore(context.Background(), res.NextRecordsURL)
	require.NoError(t, err)
	assert.True(t, more.Done)
	assert.Equal(t, "003000000000002AAA", more.Records[0].ID)
}

func TestRESTClient_GetDeleted(t *testing.T) {
	c := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/data/v59.0/sobjects/Contact/deleted/", r.URL.Path)
		assert.Equal(t, "2024-01-01T00:00:00+00:00", r.URL.Query().Get("start"))
		_, _ = w.Write([]byte(`{"deletedRecords":[{"id":"003000000000001AAA","deletedDate":"2024-01-01T05:00:00.000+0000"}]}`))
	}))

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := c.GetDeleted(context.Background(), "Contact", since, since.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, res.DeletedRecords, 1)
	assert.Equal(t, "003000000000001AAA", res.DeletedRecords[0].ID)
}

func TestRetryDelay(t *testing.T) {
	c := &RESTClient{baseDelay: 100 * time.Millisecond, maxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, c.retryDelay(1, ""))
	assert.Equal(t, 400*time.Millisecond, c.retryDelay(3, ""))
	assert.Equal(t, time.Second, c.retryDelay(10, ""))
	assert.Equal(t, time.Second, c.retryDelay(1, "30"))
	assert.Equal(t, 100*time.Millisecond, c.retryDelay(1, "soon"))
}
