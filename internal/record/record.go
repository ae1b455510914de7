// Package record models remote CRM records: a typed field bag with an id,
// plus remote id normalization and canonical serialization.
package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// IDField is the remote field name that carries the record id.
const IDField = "Id"

// Record is a remote record as returned by the CRM: the object type, the
// record id and the raw field values.
//
// Field values keep the types produced by JSON decoding (string, float64,
// bool, nil, []any, map[string]any); FieldMappers coerce them.
type Record struct {
	ID     string
	Type   string
	Fields map[string]any
}

// New creates a record with a copy of fields.
func New(objectType, id string, fields map[string]any) Record {
	r := Record{ID: id, Type: objectType, Fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		r.Fields[k] = v
	}
	return r
}

// Field returns the raw value of name. "Id" resolves to the record id.
func (r Record) Field(name string) (any, bool) {
	if name == IDField {
		if r.ID == "" {
			return nil, false
		}
		return r.ID, true
	}
	v, ok := r.Fields[name]
	return v, ok
}

// Has reports whether name is present with a non-empty value.
func (r Record) Has(name string) bool {
	v, ok := r.Field(name)
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return s != ""
	}
	return true
}

// String returns the value of name formatted as a string, or "".
func (r Record) String(name string) string {
	v, ok := r.Field(name)
	if !ok || v == nil {
		return ""
	}
	if s, isStr := v.(string); isStr {
		return s
	}
	return fmt.Sprint(v)
}

// Time parses the value of name as a remote timestamp.
// The second result is false when the field is absent or empty.
func (r Record) Time(name string) (time.Time, bool, error) {
	s := r.String(name)
	if s == "" {
		return time.Time{}, false, nil
	}
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("field %s: %w", name, err)
	}
	return t, true, nil
}

var timeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime parses the timestamp formats the CRM emits.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FormatTime renders t the way the CRM expects in queries and payloads.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

type attributes struct {
	Type string `json:"type"`
}

// toMap returns the wire form: fields plus "Id" and "attributes".
func (r Record) toMap() map[string]any {
	m := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		m[k] = v
	}
	if r.ID != "" {
		m[IDField] = r.ID
	}
	if r.Type != "" {
		m["attributes"] = map[string]any{"type": r.Type}
	}
	return m
}

// MarshalJSON encodes the record in the CRM's REST wire format.
func (r Record) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(r.toMap())
}

// UnmarshalJSON decodes the CRM's REST wire format.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Fields = make(map[string]any, len(raw))
	for k, v := range raw {
		switch k {
		case "attributes":
			if attrs, ok := v.(map[string]any); ok {
				if t, ok := attrs["type"].(string); ok {
					r.Type = t
				}
			}
		case IDField:
			if id, ok := v.(string); ok {
				r.ID = id
			}
		default:
			r.Fields[k] = v
		}
	}
	return nil
}
