package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/soql"
	"github.com/roach88/crmsync/internal/syncerr"
)

// RESTOptions configures a RESTClient. Zero values take defaults.
type RESTOptions struct {
	BaseURL     string
	APIVersion  string
	TokenSource oauth2.TokenSource
	HTTPClient  *http.Client
	UserAgent   string
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RESTClient talks to the CRM's REST API.
//
// Requests that fail with a network error, 429 or 5xx are retried with
// exponential backoff (honoring Retry-After) up to MaxRetries; the final
// failure is returned as a syncerr Transient error. POST is not
// idempotent, so creates are retried on 429 only. 401 and 403 are also
// Transient since a refreshed token usually fixes them. 404 is NotFound.
type RESTClient struct {
	baseURL     string
	apiVersion  string
	tokenSource oauth2.TokenSource
	httpClient  *http.Client
	userAgent   string
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRESTClient creates a client with defaults applied.
func NewRESTClient(opts RESTOptions) (*RESTClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("remote base url is required")
	}
	if opts.TokenSource == nil {
		return nil, fmt.Errorf("remote token source is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "v59.0"
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &RESTClient{
		baseURL:     baseURL,
		apiVersion:  apiVersion,
		tokenSource: opts.TokenSource,
		httpClient:  httpClient,
		userAgent:   strings.TrimSpace(opts.UserAgent),
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}, nil
}

type createResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Created bool   `json:"created"`
}

type apiError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

func (c *RESTClient) sobjectPath(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return "/services/data/" + c.apiVersion + "/sobjects/" + strings.Join(escaped, "/")
}

func (c *RESTClient) Create(ctx context.Context, objectType string, fields map[string]any) (string, error) {
	var resp createResponse
	if _, err := c.do(ctx, http.MethodPost, c.sobjectPath(objectType)+"/", fields, &resp); err != nil {
		return "", fmt.Errorf("create %s: %w", objectType, err)
	}
	return resp.ID, nil
}

func (c *RESTClient) Update(ctx context.Context, objectType, id string, fields map[string]any) error {
	if _, err := c.do(ctx, http.MethodPatch, c.sobjectPath(objectType, id), fields, nil); err != nil {
		return fmt.Errorf("update %s %s: %w", objectType, id, err)
	}
	return nil
}

func (c *RESTClient) Upsert(ctx context.Context, objectType, keyField, keyValue string, fields map[string]any) (string, error) {
	body := make(map[string]any, len(fields))
	for k, v := range fields {
		if k != keyField {
			body[k] = v
		}
	}
	var resp createResponse
	status, err := c.do(ctx, http.MethodPatch, c.sobjectPath(objectType, keyField, keyValue), body, &resp)
	if err != nil {
		return "", fmt.Errorf("upsert %s %s=%s: %w", objectType, keyField, keyValue, err)
	}
	if status == http.StatusCreated || resp.Created {
		return resp.ID, nil
	}
	return "", nil
}

func (c *RESTClient) Read(ctx context.Context, objectType, id string) (record.Record, error) {
	var r record.Record
	if _, err := c.do(ctx, http.MethodGet, c.sobjectPath(objectType, id), nil, &r); err != nil {
		return record.Record{}, fmt.Errorf("read %s %s: %w", objectType, id, err)
	}
	if r.Type == "" {
		r.Type = objectType
	}
	return r, nil
}

func (c *RESTClient) ReadByExternalID(ctx context.Context, objectType, keyField, keyValue string) (record.Record, error) {
	var r record.Record
	if _, err := c.do(ctx, http.MethodGet, c.sobjectPath(objectType, keyField, keyValue), nil, &r); err != nil {
		return record.Record{}, fmt.Errorf("read %s %s=%s: %w", objectType, keyField, keyValue, err)
	}
	if r.Type == "" {
		r.Type = objectType
	}
	return r, nil
}

func (c *RESTClient) Delete(ctx context.Context, objectType, id string) error {
	if _, err := c.do(ctx, http.MethodDelete, c.sobjectPath(objectType, id), nil, nil); err != nil {
		return fmt.Errorf("delete %s %s: %w", objectType, id, err)
	}
	return nil
}

func (c *RESTClient) Describe(ctx context.Context, objectType string) (Schema, error) {
	var s Schema
	if _, err := c.do(ctx, http.MethodGet, c.sobjectPath(objectType, "describe"), nil, &s); err != nil {
		return Schema{}, fmt.Errorf("describe %s: %w", objectType, err)
	}
	return s, nil
}

func (c *RESTClient) Query(ctx context.Context, q *soql.Select) (QueryResult, error) {
	text, err := soql.Compile(q)
	if err != nil {
		return QueryResult{}, err
	}
	path := "/services/data/" + c.apiVersion + "/query?q=" + url.QueryEscape(text)
	var result QueryResult
	if _, err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return QueryResult{}, fmt.Errorf("query %s: %w", q.From, err)
	}
	return result, nil
}

func (c *RESTClient) QueryMore(ctx context.Context, nextRecordsURL string) (QueryResult, error) {
	var result QueryResult
	if _, err := c.do(ctx, http.MethodGet, nextRecordsURL, nil, &result); err != nil {
		return QueryResult{}, fmt.Errorf("query more: %w", err)
	}
	return result, nil
}

func (c *RESTClient) GetDeleted(ctx context.Context, objectType string, since, until time.Time) (DeletedResult, error) {
	params := url.Values{}
	params.Set("start", since.UTC().Format("2006-01-02T15:04:05+00:00"))
	params.Set("end", until.UTC().Format("2006-01-02T15:04:05+00:00"))
	path := c.sobjectPath(objectType, "deleted") + "/?" + params.Encode()
	var result DeletedResult
	if _, err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return DeletedResult{}, fmt.Errorf("get deleted %s: %w", objectType, err)
	}
	return result, nil
}

// do performs one API call with retries and decodes a JSON response into
// out when out is non-nil and the response has a body.
func (c *RESTClient) do(ctx context.Context, method, path string, payload any, out any) (int, error) {
	var bodyBytes []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		bodyBytes = b
	}
	correlationID := uuid.NewString()
	idempotent := method != http.MethodPost

	for attempt := 0; ; attempt++ {
		token, err := c.tokenSource.Token()
		if err != nil {
			return 0, syncerr.Transient(err, "obtain access token")
		}

		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return 0, err
		}
		token.SetAuthHeader(req)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-Id", correlationID)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if idempotent && attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return 0, waitErr
				}
				continue
			}
			return 0, syncerr.Transient(err, "%s %s", method, path)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return resp.StatusCode, syncerr.Transient(readErr, "read response")
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return resp.StatusCode, fmt.Errorf("decode response: %w", err)
				}
			}
			return resp.StatusCode, nil
		}

		retry := retryable(resp.StatusCode) && (idempotent || resp.StatusCode == http.StatusTooManyRequests)
		if retry && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return resp.StatusCode, waitErr
			}
			continue
		}

		return resp.StatusCode, statusError(resp.StatusCode, respBody)
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func statusError(status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var errs []apiError
	if json.Unmarshal(body, &errs) == nil && len(errs) > 0 {
		message = errs[0].ErrorCode + ": " + errs[0].Message
	}
	base := fmt.Errorf("status=%d message=%s", status, message)
	switch {
	case status == http.StatusNotFound:
		return &syncerr.Error{Code: syncerr.CodeNotFound, Message: "remote record not found", Err: base}
	case status == http.StatusUnauthorized || status == http.StatusForbidden || retryable(status):
		return syncerr.Transient(base, "remote unavailable")
	}
	return base
}

func (c *RESTClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

