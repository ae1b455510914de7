package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/mapping"
	"github.com/roach88/crmsync/internal/model"
)

func TestPushAllowedStopsAtFirstVeto(t *testing.T) {
	d := New(nil)
	var called []string
	d.OnPushAllowed(func(_ context.Context, ev *PushAllowedEvent) error {
		called = append(called, "first")
		return nil
	})
	d.OnPushAllowed(func(_ context.Context, ev *PushAllowedEvent) error {
		called = append(called, "second")
		if ev.Op == model.OpDelete {
			return errors.New("deletes are not pushed")
		}
		return nil
	})
	d.OnPushAllowed(func(_ context.Context, ev *PushAllowedEvent) error {
		called = append(called, "third")
		return nil
	})

	require.NoError(t, d.PushAllowed(context.Background(), &PushAllowedEvent{Op: model.OpUpdate}))
	assert.Equal(t, []string{"first", "second", "third"}, called)

	called = nil
	err := d.PushAllowed(context.Background(), &PushAllowedEvent{Op: model.OpDelete})
	assert.EqualError(t, err, "deletes are not pushed")
	assert.Equal(t, []string{"first", "second"}, called)
}

func TestPushParamsAlterMutatesInOrder(t *testing.T) {
	d := New(nil)
	d.OnPushParamsAlter(func(_ context.Context, ev *PushParamsEvent) {
		ev.Params["LeadSource"] = "Web"
	})
	d.OnPushParamsAlter(func(_ context.Context, ev *PushParamsEvent) {
		ev.Params["LeadSource"] = ev.Params["LeadSource"].(string) + "/API"
		delete(ev.Params, "Secret__c")
	})

	params := map[string]any{"LastName": "Acme", "Secret__c": "x"}
	d.PushParamsAlter(context.Background(), &PushParamsEvent{Params: params})
	assert.Equal(t, map[string]any{"LastName": "Acme", "LeadSource": "Web/API"}, params)
}

func TestPullEntityValueReplacement(t *testing.T) {
	d := New(nil)
	d.OnPullEntityValue(func(_ context.Context, ev *PullValueEvent) {
		if ev.Rule.RemoteField == "LastName" {
			ev.Value = "Mr " + ev.Value.(string)
		}
	})
	got := d.PullEntityValue(context.Background(), &PullValueEvent{
		Rule:  mapping.Rule{RemoteField: "LastName"},
		Value: "Smith",
	})
	assert.Equal(t, "Mr Smith", got)
}

func TestPullPrepullCanForcePull(t *testing.T) {
	d := New(nil)
	d.OnPullPrepull(func(_ context.Context, ev *PullEvent) {
		ev.MappedObject.ForcePull = true
	})
	mo := &model.MappedObject{}
	d.PullPrepull(context.Background(), &PullEvent{MappedObject: mo})
	assert.True(t, mo.ForcePull)
}

func TestNoticeAndWarningAreLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	d := New(logger)

	var seen []string
	d.OnWarning(func(_ context.Context, msg string, _ ...any) { seen = append(seen, msg) })

	d.Notice(context.Background(), "field skipped", "field", "Email")
	d.Warning(context.Background(), "could not set value", "field", "LastName")

	out := buf.String()
	assert.Contains(t, out, `level=INFO msg="field skipped" field=Email`)
	assert.Contains(t, out, `level=WARN msg="could not set value" field=LastName`)
	assert.Equal(t, []string{"could not set value"}, seen)
}

func TestNilDispatcherIsNoop(t *testing.T) {
	var d *Dispatcher
	ctx := context.Background()
	assert.NoError(t, d.PushAllowed(ctx, &PushAllowedEvent{}))
	d.PushParamsAlter(ctx, &PushParamsEvent{})
	d.PushSuccess(ctx, &PushResultEvent{})
	d.PushFail(ctx, &PushResultEvent{})
	d.PullPresave(ctx, &PullEvent{})
	d.Notice(ctx, "x")
	d.Warning(ctx, "y")
	assert.Equal(t, 3, d.PullEntityValue(ctx, &PullValueEvent{Value: 3}))
}
