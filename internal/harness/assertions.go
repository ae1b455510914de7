package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/syncerr"
)

func (r *runner) check(ctx context.Context, index int, a Assertion) *AssertionError {
	var err error
	switch a.Type {
	case AssertRemoteCalls:
		err = r.checkRemoteCalls(a)
	case AssertMappedObject:
		err = r.checkMappedObject(ctx, a)
	case AssertEntityField:
		err = r.checkEntityField(ctx, a)
	case AssertQueueCount:
		err = r.checkQueueCount(ctx, a)
	default:
		err = fmt.Errorf("unknown assertion type %q", a.Type)
	}
	if err == nil {
		return nil
	}
	failure, ok := err.(*AssertionError)
	if !ok {
		failure = &AssertionError{Message: err.Error()}
	}
	failure.Index = index
	failure.Type = a.Type
	return failure
}

func mismatch(message string, expected, actual any) *AssertionError {
	return &AssertionError{Message: message, Expected: expected, Actual: actual}
}

func (r *runner) checkRemoteCalls(a Assertion) error {
	var id string
	if a.Record != "" {
		target, ok := r.refs[a.Record]
		if !ok || target.object == "" {
			return fmt.Errorf("unknown record %q", a.Record)
		}
		id = target.id
	}

	n := 0
	for _, c := range r.client.Calls() {
		if a.Op != "" && c.Op != a.Op {
			continue
		}
		if a.Object != "" && c.Object != a.Object {
			continue
		}
		if id != "" && c.ID != id {
			continue
		}
		if !fieldsContain(c.Fields, a.Fields) {
			continue
		}
		n++
	}

	if a.Count != nil {
		if n != *a.Count {
			return mismatch(describeCalls(a), *a.Count, n)
		}
		return nil
	}
	if n == 0 {
		return mismatch(describeCalls(a), "at least 1", 0)
	}
	return nil
}

func describeCalls(a Assertion) string {
	parts := []string{"matching remote calls"}
	if a.Op != "" {
		parts = append(parts, "op="+a.Op)
	}
	if a.Object != "" {
		parts = append(parts, "object="+a.Object)
	}
	if a.Record != "" {
		parts = append(parts, "record="+a.Record)
	}
	return strings.Join(parts, " ")
}

func fieldsContain(got, want map[string]any) bool {
	for k, v := range want {
		actual, ok := got[k]
		if !ok || !valuesEqual(v, actual) {
			return false
		}
	}
	return true
}

func (r *runner) loadMappedObject(ctx context.Context, a Assertion) (*model.MappedObject, error) {
	if a.Entity != "" {
		target, ok := r.refs[a.Entity]
		if !ok || target.entityType == "" {
			return nil, fmt.Errorf("unknown entity %q", a.Entity)
		}
		return r.store.LoadMappedObjectByEntity(ctx, a.Mapping, target.entityType, target.id)
	}
	target, ok := r.refs[a.Record]
	if !ok || target.object == "" {
		return nil, fmt.Errorf("unknown record %q", a.Record)
	}
	return r.store.LoadMappedObjectByRemote(ctx, a.Mapping, target.id)
}

func (r *runner) checkMappedObject(ctx context.Context, a Assertion) error {
	mo, err := r.loadMappedObject(ctx, a)
	wantExists := a.Exists == nil || *a.Exists
	switch {
	case syncerr.IsNotFound(err):
		if wantExists {
			return mismatch("mapped object exists", true, false)
		}
		return nil
	case err != nil:
		return err
	case !wantExists:
		return mismatch("mapped object exists", false, true)
	}

	actual := map[string]any{
		"remote_id":        mo.RemoteID,
		"entity_id":        mo.EntityID,
		"last_sync_action": string(mo.LastSyncAction),
		"last_sync_status": string(mo.LastSyncStatus),
		"force_pull":       mo.ForcePull,
	}
	for _, key := range slices.Sorted(maps.Keys(a.Expect)) {
		got, ok := actual[key]
		if !ok {
			return fmt.Errorf("unknown mapped object key %q", key)
		}
		want, err := r.substitute(a.Expect[key])
		if err != nil {
			return err
		}
		if !valuesEqual(want, got) {
			return mismatch(key, want, got)
		}
	}
	return nil
}

// substitute resolves "@ref" strings to the id of ref.
func (r *runner) substitute(v any) (any, error) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "@") {
		return v, nil
	}
	target, ok := r.refs[s[1:]]
	if !ok {
		return nil, fmt.Errorf("unknown ref %q", s)
	}
	return target.id, nil
}

func (r *runner) checkEntityField(ctx context.Context, a Assertion) error {
	entityType, entityID, err := r.entityFor(ctx, a)
	wantExists := a.Exists == nil || *a.Exists
	if err == nil {
		var ent entity.Entity
		ent, err = r.entities.Load(ctx, entityType, entityID)
		if err == nil {
			if !wantExists {
				return mismatch("entity exists", false, true)
			}
			got, err := entity.GetPath(ent, a.Field)
			if err != nil {
				return err
			}
			if !valuesEqual(a.Value, got) {
				return mismatch(a.Field, a.Value, got)
			}
			return nil
		}
	}
	if syncerr.IsNotFound(err) {
		if wantExists {
			return mismatch("entity exists", true, false)
		}
		return nil
	}
	return err
}

func (r *runner) entityFor(ctx context.Context, a Assertion) (string, string, error) {
	if a.Entity != "" {
		target, ok := r.refs[a.Entity]
		if !ok || target.entityType == "" {
			return "", "", fmt.Errorf("unknown entity %q", a.Entity)
		}
		return target.entityType, target.id, nil
	}
	mo, err := r.loadMappedObject(ctx, Assertion{Mapping: a.Mapping, Record: a.Record})
	if err != nil {
		return "", "", err
	}
	return mo.EntityType, mo.EntityID, nil
}

func (r *runner) checkQueueCount(ctx context.Context, a Assertion) error {
	var n int
	var err error
	if a.Queue == "pull" {
		n, err = r.store.CountPull(ctx)
	} else {
		n, err = r.engine.PushQueue().Count(ctx, a.Mapping)
	}
	if err != nil {
		return err
	}
	if n != *a.Count {
		queue := a.Queue
		if queue == "" {
			queue = "push"
		}
		return mismatch(queue+" queue size", *a.Count, n)
	}
	return nil
}

// valuesEqual compares scenario values with stored ones. Numbers compare
// by value whatever their Go type.
func valuesEqual(want, got any) bool {
	if w, ok := toNumber(want); ok {
		g, ok := toNumber(got)
		return ok && w == g
	}
	return reflect.DeepEqual(want, got)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
