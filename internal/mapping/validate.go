package mapping

import (
	"fmt"
	"strings"

	"github.com/roach88/crmsync/internal/remote"
)

// Validation error codes (E100-E199)
const (
	ErrMissingID          = "E101" // mapping id is required
	ErrMissingObjectType  = "E102" // remote object type is required
	ErrMissingEntityType  = "E103" // local entity type is required
	ErrNoTriggers         = "E104" // at least one trigger required
	ErrInvalidRule        = "E105" // rule configuration is invalid
	ErrDuplicateRemote    = "E106" // two push rules write the same remote field
	ErrKeyWithoutRule     = "E107" // upsert key has no push rule
	ErrUnknownRemoteField = "E110" // pull rule names a field missing from the schema
	ErrKeyNotExternal     = "E111" // upsert key is not an external id field
	ErrDuplicateMapping   = "E120" // two definitions share an id
)

// ValidationError represents a mapping validation error.
type ValidationError struct {
	Mapping string `json:"mapping"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s: %s", e.Code, e.Mapping, e.Field, e.Message)
}

// Validate checks a definition on its own. Returns all errors found.
func Validate(def Definition) []ValidationError {
	var errs []ValidationError
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{
			Mapping: def.ID,
			Field:   field,
			Message: fmt.Sprintf(format, args...),
			Code:    code,
		})
	}

	if strings.TrimSpace(def.ID) == "" {
		add("id", ErrMissingID, "mapping id is required")
	}
	if strings.TrimSpace(def.RemoteObjectType) == "" {
		add("remote_object_type", ErrMissingObjectType, "remote object type is required")
	}
	if strings.TrimSpace(def.LocalEntityType) == "" {
		add("local_entity_type", ErrMissingEntityType, "local entity type is required")
	}
	if def.Triggers == 0 {
		add("triggers", ErrNoTriggers, "at least one trigger is required")
	}

	seen := make(map[string]bool)
	for i, rule := range def.Rules {
		field := fmt.Sprintf("fields[%d]", i)
		if rule.RemoteField == "" {
			add(field, ErrInvalidRule, "remote field is required")
		}
		switch rule.Direction {
		case DirectionPush, DirectionPull, DirectionSync:
		default:
			add(field, ErrInvalidRule, "invalid direction %q", rule.Direction)
		}
		m, err := MapperFor(rule.Kind)
		if err != nil {
			add(field, ErrInvalidRule, "%v", err)
			continue
		}
		if err := m.Validate(rule); err != nil {
			add(field, ErrInvalidRule, "%v", err)
		}
		if rule.Pushes() && rule.RemoteField != "" {
			if seen[rule.RemoteField] {
				add(field, ErrDuplicateRemote, "remote field %s is pushed by more than one rule", rule.RemoteField)
			}
			seen[rule.RemoteField] = true
		}
	}

	if def.HasKey() && def.DoesPush() {
		if _, ok := def.KeyRule(); !ok {
			add("key", ErrKeyWithoutRule, "key field %s has no push rule", def.KeyField)
		}
	}
	return errs
}

// ValidateSchema checks def against the describe result of its remote
// object type.
func ValidateSchema(def Definition, s remote.Schema) []ValidationError {
	var errs []ValidationError
	for i, rule := range def.PullRules() {
		if _, ok := s.Field(rule.RemoteField); !ok {
			errs = append(errs, ValidationError{
				Mapping: def.ID,
				Field:   fmt.Sprintf("fields[%d]", i),
				Message: fmt.Sprintf("pull rule names unknown %s field %s", s.Name, rule.RemoteField),
				Code:    ErrUnknownRemoteField,
			})
		}
	}
	if def.HasKey() {
		f, ok := s.Field(def.KeyField)
		if !ok || !f.ExternalID {
			errs = append(errs, ValidationError{
				Mapping: def.ID,
				Field:   "key",
				Message: fmt.Sprintf("%s is not an external id field of %s", def.KeyField, s.Name),
				Code:    ErrKeyNotExternal,
			})
		}
	}
	return errs
}
