// Package mapping describes how local entities correspond to remote
// records: which object types pair up, which fields map in which
// direction, which events trigger a sync, and how values are coerced on
// the way through.
//
// Definitions are authored in CUE (see Compile and LoadDir) and handed to
// the push and pull pipelines through a Registry, which is read-only for
// the duration of a cycle.
package mapping

import (
	"fmt"
	"slices"
	"strings"
)

// Trigger is a bitset of the events that cause a sync for a mapping.
type Trigger uint8

const (
	TriggerLocalCreate Trigger = 1 << iota
	TriggerLocalUpdate
	TriggerLocalDelete
	TriggerRemoteCreate
	TriggerRemoteUpdate
	TriggerRemoteDelete

	// TriggerLocal is any local trigger.
	TriggerLocal = TriggerLocalCreate | TriggerLocalUpdate | TriggerLocalDelete
	// TriggerRemote is any remote trigger.
	TriggerRemote = TriggerRemoteCreate | TriggerRemoteUpdate | TriggerRemoteDelete
)

var triggerNames = []struct {
	name string
	t    Trigger
}{
	{"local_create", TriggerLocalCreate},
	{"local_update", TriggerLocalUpdate},
	{"local_delete", TriggerLocalDelete},
	{"remote_create", TriggerRemoteCreate},
	{"remote_update", TriggerRemoteUpdate},
	{"remote_delete", TriggerRemoteDelete},
}

// ParseTrigger parses one trigger name such as "local_update".
func ParseTrigger(name string) (Trigger, error) {
	for _, tn := range triggerNames {
		if tn.name == name {
			return tn.t, nil
		}
	}
	return 0, fmt.Errorf("unknown trigger %q", name)
}

// Names returns the trigger names set in t, in declaration order.
func (t Trigger) Names() []string {
	names := []string{}
	for _, tn := range triggerNames {
		if t&tn.t != 0 {
			names = append(names, tn.name)
		}
	}
	return names
}

func (t Trigger) String() string {
	return strings.Join(t.Names(), "|")
}

// Direction says which way a field flows.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
	DirectionSync Direction = "sync"
)

// Kind selects the FieldMapper variant of a rule.
type Kind string

const (
	// KindProperties maps a dotted path on the entity itself.
	KindProperties Kind = "properties"
	// KindRelatedProperties maps through a reference field: the first path
	// segment names the reference, the rest is read on the referenced entity.
	KindRelatedProperties Kind = "related_properties"
	// KindConstant pushes a fixed value and never pulls.
	KindConstant Kind = "constant"
)

// Rule maps one local value to one remote field.
type Rule struct {
	Kind        Kind      `json:"kind"`
	LocalPath   string    `json:"local,omitempty"`
	Value       string    `json:"value,omitempty"`
	RemoteField string    `json:"remote"`
	Direction   Direction `json:"direction"`
}

// Pushes reports whether the rule contributes to push payloads.
func (r Rule) Pushes() bool {
	return r.Direction == DirectionPush || r.Direction == DirectionSync
}

// Pulls reports whether the rule writes remote values onto the entity.
func (r Rule) Pulls() bool {
	return (r.Direction == DirectionPull || r.Direction == DirectionSync) && r.Kind != KindConstant
}

// PullTarget is the entity path a pulled value is written to.
// Related rules write the resolved reference onto the reference field.
func (r Rule) PullTarget() string {
	if r.Kind == KindRelatedProperties {
		head, _, _ := strings.Cut(r.LocalPath, ".")
		return head
	}
	return r.LocalPath
}

// Definition is one mapping between a local entity type/bundle and a remote
// object type.
type Definition struct {
	ID               string
	Label            string
	LocalEntityType  string
	LocalBundle      string
	RemoteObjectType string
	Rules            []Rule
	Triggers         Trigger

	// KeyField is the remote upsert key field; empty when the mapping has
	// no upsert key.
	KeyField string

	// Async mappings enqueue local changes; others push immediately.
	Async bool

	// PullTriggerDate is the remote timestamp field polled for changes.
	PullTriggerDate string

	// PullWhere is an extra SOQL condition for pull queries.
	PullWhere string

	Weight int
}

// DefaultPullTriggerDate is used when a definition names none.
const DefaultPullTriggerDate = "LastModifiedDate"

// DoesPush reports whether any local trigger is enabled.
func (d Definition) DoesPush() bool {
	return d.Triggers&TriggerLocal != 0
}

// DoesPull reports whether remote create or update is enabled.
func (d Definition) DoesPull() bool {
	return d.Triggers&(TriggerRemoteCreate|TriggerRemoteUpdate) != 0
}

// HasKey reports whether the mapping upserts on a key field.
func (d Definition) HasKey() bool {
	return d.KeyField != ""
}

// CheckTriggers reports whether any of ts is enabled.
func (d Definition) CheckTriggers(ts ...Trigger) bool {
	for _, t := range ts {
		if d.Triggers&t != 0 {
			return true
		}
	}
	return false
}

// PushRules returns the rules that contribute to push payloads.
func (d Definition) PushRules() []Rule {
	return slices.DeleteFunc(slices.Clone(d.Rules), func(r Rule) bool { return !r.Pushes() })
}

// PullRules returns the rules that write onto the entity.
func (d Definition) PullRules() []Rule {
	return slices.DeleteFunc(slices.Clone(d.Rules), func(r Rule) bool { return !r.Pulls() })
}

// KeyRule returns the push rule that feeds the upsert key field.
func (d Definition) KeyRule() (Rule, bool) {
	if !d.HasKey() {
		return Rule{}, false
	}
	for _, r := range d.Rules {
		if r.RemoteField == d.KeyField && r.Pushes() {
			return r, true
		}
	}
	return Rule{}, false
}

// TriggerDateField returns PullTriggerDate or the default.
func (d Definition) TriggerDateField() string {
	if d.PullTriggerDate == "" {
		return DefaultPullTriggerDate
	}
	return d.PullTriggerDate
}

// AppliesTo reports whether the mapping covers an entity type and bundle.
func (d Definition) AppliesTo(entityType, bundle string) bool {
	return d.LocalEntityType == entityType && (d.LocalBundle == "" || d.LocalBundle == bundle)
}

// Bundle returns the bundle used for entities created by pulls.
func (d Definition) Bundle() string {
	if d.LocalBundle == "" {
		return d.LocalEntityType
	}
	return d.LocalBundle
}
