package mapping

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

// Compile parses a CUE value into a Definition.
//
// The CUE value should be the mapping struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`mapping: contact: { ... }`)
//	def, err := Compile(v.LookupPath(cue.ParsePath("mapping.contact")))
func Compile(v cue.Value) (*Definition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &Definition{}

	labels := v.Path().Selectors()
	if len(labels) > 0 {
		def.ID = labels[len(labels)-1].String()
	}

	var err error
	if def.RemoteObjectType, err = requiredString(v, "remote_object_type"); err != nil {
		return nil, err
	}
	if def.LocalEntityType, err = requiredString(v, "local_entity_type"); err != nil {
		return nil, err
	}
	if def.Label, err = optionalString(v, "label"); err != nil {
		return nil, err
	}
	if def.Label == "" {
		def.Label = def.ID
	}
	if def.LocalBundle, err = optionalString(v, "local_bundle"); err != nil {
		return nil, err
	}
	if def.KeyField, err = optionalString(v, "key"); err != nil {
		return nil, err
	}
	if def.PullTriggerDate, err = optionalString(v, "pull_trigger_date"); err != nil {
		return nil, err
	}
	if def.PullWhere, err = optionalString(v, "pull_where"); err != nil {
		return nil, err
	}

	if asyncVal := v.LookupPath(cue.ParsePath("async")); asyncVal.Exists() {
		if def.Async, err = asyncVal.Bool(); err != nil {
			return nil, formatCUEError(err)
		}
	}
	if weightVal := v.LookupPath(cue.ParsePath("weight")); weightVal.Exists() {
		w, err := weightVal.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		def.Weight = int(w)
	}

	def.Triggers, err = parseTriggers(v)
	if err != nil {
		return nil, err
	}

	def.Rules, err = parseRules(v)
	if err != nil {
		return nil, err
	}
	if len(def.Rules) == 0 {
		return nil, &CompileError{
			Field:   "fields",
			Message: "at least one field rule is required",
			Pos:     v.Pos(),
		}
	}

	return def, nil
}

// parseTriggers reads the triggers list.
func parseTriggers(v cue.Value) (Trigger, error) {
	trigVal := v.LookupPath(cue.ParsePath("triggers"))
	if !trigVal.Exists() {
		return 0, &CompileError{
			Field:   "triggers",
			Message: "triggers are required",
			Pos:     v.Pos(),
		}
	}
	iter, err := trigVal.List()
	if err != nil {
		return 0, formatCUEError(err)
	}
	var t Trigger
	for iter.Next() {
		name, err := iter.Value().String()
		if err != nil {
			return 0, formatCUEError(err)
		}
		parsed, err := ParseTrigger(name)
		if err != nil {
			return 0, &CompileError{Field: "triggers", Message: err.Error(), Pos: iter.Value().Pos()}
		}
		t |= parsed
	}
	return t, nil
}

// parseRules reads the fields list. kind defaults to properties and
// direction to sync.
func parseRules(v cue.Value) ([]Rule, error) {
	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, nil
	}
	iter, err := fieldsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var rules []Rule
	for iter.Next() {
		rv := iter.Value()
		rule := Rule{Kind: KindProperties, Direction: DirectionSync}

		if s, err := optionalString(rv, "kind"); err != nil {
			return nil, err
		} else if s != "" {
			rule.Kind = Kind(s)
		}
		if s, err := optionalString(rv, "direction"); err != nil {
			return nil, err
		} else if s != "" {
			rule.Direction = Direction(s)
		}
		if rule.RemoteField, err = requiredString(rv, "remote"); err != nil {
			return nil, err
		}
		if rule.LocalPath, err = optionalString(rv, "local"); err != nil {
			return nil, err
		}
		if valueVal := rv.LookupPath(cue.ParsePath("value")); valueVal.Exists() {
			rule.Value, err = scalarString(valueVal)
			if err != nil {
				return nil, err
			}
		}

		if _, err := MapperFor(rule.Kind); err != nil {
			return nil, &CompileError{Field: "kind", Message: err.Error(), Pos: rv.Pos()}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{
			Field:   field,
			Message: field + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// scalarString renders a constant value. Constants may be written as CUE
// strings, numbers or booleans.
func scalarString(v cue.Value) (string, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return "", formatCUEError(err)
		}
		return s, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return "", formatCUEError(err)
		}
		return fmt.Sprint(b), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return "", formatCUEError(err)
		}
		return fmt.Sprint(n), nil
	case cue.FloatKind, cue.NumberKind:
		f, err := v.Float64()
		if err != nil {
			return "", formatCUEError(err)
		}
		return fmt.Sprint(f), nil
	}
	return "", &CompileError{
		Field:   "value",
		Message: fmt.Sprintf("unsupported constant kind: %v", v.IncompleteKind()),
		Pos:     v.Pos(),
	}
}

// LoadString compiles every definition under mapping: in src.
func LoadString(src string) ([]Definition, error) {
	ctx := cuecontext.New()
	value := ctx.CompileString(src, cue.Filename("mapping.cue"))
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return compileAll(value)
}

// LoadDir loads the CUE package in dir and compiles every definition
// under mapping:.
func LoadDir(dir string) ([]Definition, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("mappings directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}
	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return compileAll(value)
}

// FindCUEFiles returns the .cue files directly in dir, sorted.
func FindCUEFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func compileAll(value cue.Value) ([]Definition, error) {
	mappingsVal := value.LookupPath(cue.ParsePath("mapping"))
	if !mappingsVal.Exists() {
		return nil, fmt.Errorf("no mapping definitions found")
	}
	iter, err := mappingsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var defs []Definition
	for iter.Next() {
		def, err := Compile(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("mapping.%s: %w", iter.Selector().String(), err)
		}
		defs = append(defs, *def)
	}
	return defs, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
