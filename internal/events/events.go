// Package events is the listener registry for the extension points of the
// push and pull pipelines.
//
// A Dispatcher holds an ordered list of listeners per event kind. It is
// built once at startup and injected into the components that fire events;
// there is no package-level bus. Listeners run synchronously in
// registration order on the dispatching goroutine.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/mapping"
	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/record"
)

// PushAllowedEvent asks whether an entity may be pushed at all.
type PushAllowedEvent struct {
	Mapping      mapping.Definition
	MappedObject *model.MappedObject
	Entity       entity.Entity
	Op           model.Op
}

// PushParamsEvent carries the payload about to be written. Listeners may
// mutate Params in place.
type PushParamsEvent struct {
	Mapping      mapping.Definition
	MappedObject *model.MappedObject
	Entity       entity.Entity
	Params       map[string]any
}

// PushResultEvent reports the outcome of a remote write.
type PushResultEvent struct {
	Mapping      mapping.Definition
	MappedObject *model.MappedObject
	Entity       entity.Entity
	Params       map[string]any
	Op           model.SyncAction

	// Err is set for PushFail.
	Err error
}

// PullEvent is fired around a pull. Listeners may set
// MappedObject.ForcePull during PullPrepull.
type PullEvent struct {
	Mapping      mapping.Definition
	MappedObject *model.MappedObject
	Entity       entity.Entity
	Record       record.Record

	// Trigger is TriggerRemoteCreate or TriggerRemoteUpdate.
	Trigger mapping.Trigger
}

// PullValueEvent lets listeners replace a pulled value before it is
// written onto the entity.
type PullValueEvent struct {
	Mapping mapping.Definition
	Rule    mapping.Rule
	Entity  entity.Entity
	Record  record.Record
	Value   any
}

// Listener function types, one per event kind.
type (
	PushAllowedFunc     func(ctx context.Context, ev *PushAllowedEvent) error
	PushParamsAlterFunc func(ctx context.Context, ev *PushParamsEvent)
	PushResultFunc      func(ctx context.Context, ev *PushResultEvent)
	PullFunc            func(ctx context.Context, ev *PullEvent)
	PullValueFunc       func(ctx context.Context, ev *PullValueEvent)
	MessageFunc         func(ctx context.Context, msg string, attrs ...any)
)

// Dispatcher is the listener registry. The zero value is usable and
// discards notices and warnings.
type Dispatcher struct {
	mu     sync.RWMutex
	logger *slog.Logger

	pushAllowed     []PushAllowedFunc
	pushParamsAlter []PushParamsAlterFunc
	pushSuccess     []PushResultFunc
	pushFail        []PushResultFunc
	pullPrepull     []PullFunc
	pullPresave     []PullFunc
	pullEntityValue []PullValueFunc
	notice          []MessageFunc
	warning         []MessageFunc
}

// New creates a Dispatcher that logs notices at Info and warnings at Warn
// on logger. A nil logger disables logging.
func New(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger}
}

func (d *Dispatcher) OnPushAllowed(f PushAllowedFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pushAllowed = append(d.pushAllowed, f)
}

func (d *Dispatcher) OnPushParamsAlter(f PushParamsAlterFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pushParamsAlter = append(d.pushParamsAlter, f)
}

func (d *Dispatcher) OnPushSuccess(f PushResultFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pushSuccess = append(d.pushSuccess, f)
}

func (d *Dispatcher) OnPushFail(f PushResultFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pushFail = append(d.pushFail, f)
}

func (d *Dispatcher) OnPullPrepull(f PullFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pullPrepull = append(d.pullPrepull, f)
}

func (d *Dispatcher) OnPullPresave(f PullFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pullPresave = append(d.pullPresave, f)
}

func (d *Dispatcher) OnPullEntityValue(f PullValueFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pullEntityValue = append(d.pullEntityValue, f)
}

func (d *Dispatcher) OnNotice(f MessageFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notice = append(d.notice, f)
}

func (d *Dispatcher) OnWarning(f MessageFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.warning = append(d.warning, f)
}

// PushAllowed returns the first veto, or nil when every listener allows
// the push. Listeners after a veto are not called.
func (d *Dispatcher) PushAllowed(ctx context.Context, ev *PushAllowedEvent) error {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	ls := d.pushAllowed
	d.mu.RUnlock()
	for _, f := range ls {
		if err := f(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) PushParamsAlter(ctx context.Context, ev *PushParamsEvent) {
	if d == nil {
		return
	}
	d.mu.RLock()
	ls := d.pushParamsAlter
	d.mu.RUnlock()
	for _, f := range ls {
		f(ctx, ev)
	}
}

func (d *Dispatcher) PushSuccess(ctx context.Context, ev *PushResultEvent) {
	if d == nil {
		return
	}
	d.mu.RLock()
	ls := d.pushSuccess
	d.mu.RUnlock()
	for _, f := range ls {
		f(ctx, ev)
	}
}

func (d *Dispatcher) PushFail(ctx context.Context, ev *PushResultEvent) {
	if d == nil {
		return
	}
	d.mu.RLock()
	ls := d.pushFail
	d.mu.RUnlock()
	for _, f := range ls {
		f(ctx, ev)
	}
}

func (d *Dispatcher) PullPrepull(ctx context.Context, ev *PullEvent) {
	if d == nil {
		return
	}
	d.mu.RLock()
	ls := d.pullPrepull
	d.mu.RUnlock()
	for _, f := range ls {
		f(ctx, ev)
	}
}

func (d *Dispatcher) PullPresave(ctx context.Context, ev *PullEvent) {
	if d == nil {
		return
	}
	d.mu.RLock()
	ls := d.pullPresave
	d.mu.RUnlock()
	for _, f := range ls {
		f(ctx, ev)
	}
}

// PullEntityValue runs the listeners and returns the final value.
func (d *Dispatcher) PullEntityValue(ctx context.Context, ev *PullValueEvent) any {
	if d == nil {
		return ev.Value
	}
	d.mu.RLock()
	ls := d.pullEntityValue
	d.mu.RUnlock()
	for _, f := range ls {
		f(ctx, ev)
	}
	return ev.Value
}

// Notice reports a recoverable condition, such as a field skipped during
// a push or pull.
func (d *Dispatcher) Notice(ctx context.Context, msg string, attrs ...any) {
	if d == nil {
		return
	}
	if d.logger != nil {
		d.logger.InfoContext(ctx, msg, attrs...)
	}
	d.mu.RLock()
	ls := d.notice
	d.mu.RUnlock()
	for _, f := range ls {
		f(ctx, msg, attrs...)
	}
}

// Warning reports a condition an operator should look at.
func (d *Dispatcher) Warning(ctx context.Context, msg string, attrs ...any) {
	if d == nil {
		return
	}
	if d.logger != nil {
		d.logger.WarnContext(ctx, msg, attrs...)
	}
	d.mu.RLock()
	ls := d.warning
	d.mu.RUnlock()
	for _, f := range ls {
		f(ctx, msg, attrs...)
	}
}
