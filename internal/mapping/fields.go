package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/remote"
	"github.com/roach88/crmsync/internal/syncerr"
)

// RelatedResolver translates a remote id to the local entity mapped to it.
type RelatedResolver interface {
	ResolveRemoteID(ctx context.Context, remoteID string) (entity.Reference, bool, error)
}

// Env carries what a FieldMapper needs to compute a value.
type Env struct {
	Ctx    context.Context
	Entity entity.Entity
	Schema remote.Schema

	// Entities loads referenced entities for related rules.
	Entities entity.Store

	// Related resolves remote references for related rules.
	Related RelatedResolver
}

func (e *Env) context() context.Context {
	if e.Ctx == nil {
		return context.Background()
	}
	return e.Ctx
}

// remoteField returns the described field, defaulting to a string field.
func (e *Env) remoteField(name string) remote.Field {
	if f, ok := e.Schema.Field(name); ok {
		return f
	}
	return remote.Field{Name: name, Type: remote.TypeString}
}

func (e *Env) localField(path string) entity.FieldDef {
	if d, ok := e.Entity.(entity.FieldDescriber); ok {
		if def, ok := d.DescribeField(path); ok {
			return def
		}
	}
	return entity.FieldDef{}
}

// FieldMapper computes push and pull values for one rule kind.
type FieldMapper interface {
	// PushValue returns the value to send for the rule's remote field.
	PushValue(env *Env, rule Rule) (any, error)

	// PullValue returns the coerced value to write onto the entity.
	// A nil value with a nil error means there is nothing to write.
	PullValue(env *Env, rule Rule, rec record.Record) (any, error)

	// Validate checks kind-specific configuration.
	Validate(rule Rule) error
}

// MapperFor returns the FieldMapper of a rule kind.
func MapperFor(kind Kind) (FieldMapper, error) {
	switch kind {
	case KindProperties:
		return propertiesMapper{}, nil
	case KindRelatedProperties:
		return relatedMapper{}, nil
	case KindConstant:
		return constantMapper{}, nil
	}
	return nil, fmt.Errorf("unknown field kind %q", kind)
}

// PushValue dispatches to the rule's FieldMapper.
func (r Rule) PushValue(env *Env) (any, error) {
	m, err := MapperFor(r.Kind)
	if err != nil {
		return nil, syncerr.Configuration("", "%v", err)
	}
	return m.PushValue(env, r)
}

// PullValue dispatches to the rule's FieldMapper.
func (r Rule) PullValue(env *Env, rec record.Record) (any, error) {
	m, err := MapperFor(r.Kind)
	if err != nil {
		return nil, syncerr.Configuration("", "%v", err)
	}
	return m.PullValue(env, r, rec)
}

type propertiesMapper struct{}

func (propertiesMapper) Validate(rule Rule) error {
	if rule.LocalPath == "" {
		return fmt.Errorf("properties rule for %s needs a local path", rule.RemoteField)
	}
	return nil
}

func (propertiesMapper) PushValue(env *Env, rule Rule) (any, error) {
	v, err := entity.GetPath(env.Entity, rule.LocalPath)
	if err != nil {
		return nil, syncerr.Field(rule.RemoteField, err, "read %s", rule.LocalPath)
	}
	return pushCoerce(env.remoteField(rule.RemoteField), v), nil
}

func (propertiesMapper) PullValue(env *Env, rule Rule, rec record.Record) (any, error) {
	if err := checkPull(rule); err != nil {
		return nil, err
	}
	raw, ok := rec.Field(rule.RemoteField)
	if !ok {
		return nil, nil
	}
	return pullCoerce(env.remoteField(rule.RemoteField), env.localField(rule.LocalPath), raw)
}

type relatedMapper struct{}

func (relatedMapper) Validate(rule Rule) error {
	head, rest, _ := strings.Cut(rule.LocalPath, ".")
	if head == "" || rest == "" {
		return fmt.Errorf("related_properties rule for %s needs a path of the form reference.property", rule.RemoteField)
	}
	return nil
}

func (relatedMapper) PushValue(env *Env, rule Rule) (any, error) {
	head, rest, _ := strings.Cut(rule.LocalPath, ".")
	refValue, err := entity.GetPath(env.Entity, head)
	if err != nil {
		return nil, syncerr.Field(rule.RemoteField, err, "read %s", head)
	}
	ref, ok := asReference(refValue, env.localField(head))
	if !ok {
		return nil, nil
	}
	if env.Entities == nil {
		return nil, syncerr.Configuration("", "related rule %s needs an entity store", rule.RemoteField)
	}
	related, err := env.Entities.Load(env.context(), ref.Type, ref.ID)
	if err != nil {
		return nil, syncerr.Field(rule.RemoteField, err, "load %s %s", ref.Type, ref.ID)
	}
	v, err := entity.GetPath(related, rest)
	if err != nil {
		return nil, syncerr.Field(rule.RemoteField, err, "read %s on %s %s", rest, ref.Type, ref.ID)
	}
	return pushCoerce(env.remoteField(rule.RemoteField), v), nil
}

func (relatedMapper) PullValue(env *Env, rule Rule, rec record.Record) (any, error) {
	if err := checkPull(rule); err != nil {
		return nil, err
	}
	raw, ok := rec.Field(rule.RemoteField)
	if !ok || isEmpty(raw) {
		return nil, nil
	}
	id, err := record.NormalizeID(fmt.Sprint(raw))
	if err != nil {
		return nil, syncerr.Field(rule.RemoteField, err, "invalid reference")
	}
	if env.Related == nil {
		return nil, syncerr.Configuration("", "related rule %s needs a reference resolver", rule.RemoteField)
	}
	ref, found, err := env.Related.ResolveRemoteID(env.context(), id)
	if err != nil {
		return nil, syncerr.Field(rule.RemoteField, err, "resolve %s", id)
	}
	if !found {
		return nil, syncerr.Field(rule.RemoteField, nil, "no local entity mapped to %s", id)
	}
	return ref, nil
}

type constantMapper struct{}

func (constantMapper) Validate(rule Rule) error {
	if rule.Direction == DirectionPull {
		return fmt.Errorf("constant rule for %s cannot pull", rule.RemoteField)
	}
	return nil
}

func (constantMapper) PushValue(env *Env, rule Rule) (any, error) {
	f := env.remoteField(rule.RemoteField)
	switch {
	case f.Type == remote.TypeBoolean:
		return truthy(rule.Value), nil
	case f.Type == remote.TypeInt:
		n, err := strconv.ParseInt(strings.TrimSpace(rule.Value), 10, 64)
		if err != nil {
			return nil, syncerr.Field(rule.RemoteField, err, "invalid integer constant")
		}
		return n, nil
	case f.Type.Numeric():
		n, err := strconv.ParseFloat(strings.TrimSpace(rule.Value), 64)
		if err != nil {
			return nil, syncerr.Field(rule.RemoteField, err, "invalid numeric constant")
		}
		return n, nil
	}
	return rule.Value, nil
}

func (constantMapper) PullValue(_ *Env, rule Rule, _ record.Record) (any, error) {
	return nil, syncerr.Configuration("", "constant rule for %s does not pull", rule.RemoteField)
}

func checkPull(rule Rule) error {
	if !rule.Pulls() {
		return syncerr.Configuration("", "rule for %s is not enabled for pull", rule.RemoteField)
	}
	if rule.RemoteField == "" {
		return syncerr.Configuration("", "rule for %s has no remote field", rule.LocalPath)
	}
	return nil
}

// pushCoerce shapes a local value for the remote field.
func pushCoerce(f remote.Field, v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		if f.Type == remote.TypeDate {
			return val.UTC().Format("2006-01-02")
		}
		return record.FormatTime(val)
	case []string:
		if f.Type == remote.TypeMultipicklist {
			return strings.Join(val, ";")
		}
		return val
	case []any:
		if f.Type == remote.TypeMultipicklist {
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			return strings.Join(parts, ";")
		}
		return val
	case entity.Reference:
		return val.ID
	case int:
		if f.Type == remote.TypeBoolean {
			return val != 0
		}
		return val
	}
	return v
}

// pullCoerce converts a raw remote value by the remote field's declared
// type, using the local field definition for datetime and length rules.
func pullCoerce(f remote.Field, local entity.FieldDef, raw any) (any, error) {
	switch f.Type {
	case remote.TypeBoolean:
		return truthy(raw), nil

	case remote.TypeDatetime:
		s, ok := raw.(string)
		if !ok || s == "" {
			return raw, nil
		}
		switch local.Type {
		case entity.TypeDatetimeISO8601:
			if len(s) > 19 {
				s = s[:19]
			}
			return s, nil
		case entity.TypeTimestamp:
			t, err := record.ParseTime(s)
			if err != nil {
				return nil, syncerr.Field(f.Name, err, "invalid datetime")
			}
			return t.Unix(), nil
		}
		return s, nil

	case remote.TypeDouble, remote.TypeCurrency, remote.TypePercent:
		if isEmpty(raw) {
			return nil, nil
		}
		n, err := toFloat(raw)
		if err != nil {
			return nil, syncerr.Field(f.Name, err, "invalid number")
		}
		return n, nil

	case remote.TypeInt:
		if isEmpty(raw) {
			return nil, nil
		}
		n, err := toFloat(raw)
		if err != nil {
			return nil, syncerr.Field(f.Name, err, "invalid integer")
		}
		return int64(math.Trunc(n)), nil

	case remote.TypeMultipicklist:
		return splitMulti(raw), nil

	case remote.TypeID, remote.TypeReference:
		if isEmpty(raw) {
			return raw, nil
		}
		id, err := record.NormalizeID(fmt.Sprint(raw))
		if err != nil {
			return nil, syncerr.Field(f.Name, err, "invalid id")
		}
		return id, nil
	}

	s, ok := raw.(string)
	if ok && local.MaxLength > 0 && utf8.RuneCountInString(s) > local.MaxLength {
		return truncateRunes(s, local.MaxLength), nil
	}
	return raw, nil
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		s := strings.TrimSpace(val)
		return s != "" && s != "0" && !strings.EqualFold(s, "false")
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case json.Number:
		f, err := val.Float64()
		return err == nil && f != 0
	}
	return true
}

func toFloat(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case json.Number:
		return val.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(val), 64)
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot convert %T to a number", v)
}

func splitMulti(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		out := []any{}
		for _, part := range strings.Split(val, ";") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	}
	return v
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// asReference interprets a reference field value.
func asReference(v any, def entity.FieldDef) (entity.Reference, bool) {
	switch val := v.(type) {
	case entity.Reference:
		return val, val.ID != ""
	case *entity.Reference:
		if val == nil {
			return entity.Reference{}, false
		}
		return *val, val.ID != ""
	case map[string]any:
		t, _ := val["type"].(string)
		id := fmt.Sprint(val["id"])
		if t == "" {
			t = def.Target
		}
		return entity.Reference{Type: t, ID: id}, t != "" && val["id"] != nil && id != ""
	case string:
		return entity.Reference{Type: def.Target, ID: val}, def.Target != "" && val != ""
	case float64:
		return entity.Reference{Type: def.Target, ID: strconv.FormatInt(int64(val), 10)}, def.Target != ""
	}
	return entity.Reference{}, false
}
