package entity

import (
	"fmt"
	"time"
)

// Document is a map-backed Entity. Both the in-memory store and the SQLite
// entity store hand out Documents.
type Document struct {
	EntityType string
	BundleName string
	EntityID   string
	Values     map[string]any
	ChangedAt  time.Time

	// Defs optionally declares field types by dotted path.
	Defs map[string]FieldDef

	pulling bool
}

// NewDocument creates an unsaved document with a copy of values.
func NewDocument(entityType, bundle string, values map[string]any) *Document {
	return &Document{
		EntityType: entityType,
		BundleName: bundle,
		Values:     cloneMap(values),
	}
}

func (d *Document) Type() string       { return d.EntityType }
func (d *Document) Bundle() string     { return d.BundleName }
func (d *Document) ID() string         { return d.EntityID }
func (d *Document) Changed() time.Time { return d.ChangedAt }
func (d *Document) IsNew() bool        { return d.EntityID == "" }
func (d *Document) Pulling() bool      { return d.pulling }

// SetPulling sets the ephemeral pull flag.
func (d *Document) SetPulling(pulling bool) { d.pulling = pulling }

// Label returns the first of title, name or label, else type:id.
func (d *Document) Label() string {
	for _, key := range []string{"title", "name", "label"} {
		if s, ok := d.Values[key].(string); ok && s != "" {
			return s
		}
	}
	return fmt.Sprintf("%s:%s", d.EntityType, d.EntityID)
}

// Field returns a top-level value.
func (d *Document) Field(name string) (any, bool) {
	if name == "id" {
		if d.EntityID == "" {
			return nil, false
		}
		return d.EntityID, true
	}
	v, ok := d.Values[name]
	return v, ok
}

// SetField sets a top-level value. The id is read-only.
func (d *Document) SetField(name string, value any) error {
	if name == "id" {
		return fmt.Errorf("field id is read-only")
	}
	if d.Values == nil {
		d.Values = map[string]any{}
	}
	d.Values[name] = value
	return nil
}

// DescribeField returns the declared definition of path, if any.
func (d *Document) DescribeField(path string) (FieldDef, bool) {
	def, ok := d.Defs[path]
	return def, ok
}

// Clone returns a deep copy; the pulling flag is not copied.
func (d *Document) Clone() *Document {
	c := *d
	c.Values = cloneMap(d.Values)
	c.pulling = false
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	}
	return v
}
