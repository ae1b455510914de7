package soql

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/crmsync/internal/record"
)

// Match evaluates p against r. Raw predicates always match.
func Match(p Predicate, r record.Record) (bool, error) {
	switch pred := p.(type) {
	case nil:
		return true, nil
	case Compare:
		got, _ := r.Field(pred.Field)
		c, err := compare(got, pred.Value)
		if err != nil {
			return false, fmt.Errorf("field %s: %w", pred.Field, err)
		}
		switch pred.Op {
		case OpEq:
			return c == 0, nil
		case OpNe:
			return c != 0, nil
		case OpGt:
			return c > 0, nil
		case OpGte:
			return c >= 0, nil
		case OpLt:
			return c < 0, nil
		case OpLte:
			return c <= 0, nil
		}
		return false, fmt.Errorf("unsupported operator %q", pred.Op)
	case And:
		for _, child := range pred.Predicates {
			ok, err := Match(child, r)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case Raw:
		return true, nil
	default:
		return false, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// Sort orders records by the selector's ORDER BY, then by Id.
func Sort(records []record.Record, orders []Order) {
	slices.SortStableFunc(records, func(a, b record.Record) int {
		for _, o := range orders {
			av, _ := a.Field(o.Field)
			bv, _ := b.Field(o.Field)
			c, err := compare(av, bv)
			if err != nil || c == 0 {
				continue
			}
			if o.Desc {
				return -c
			}
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// compare orders a record value against a literal. Nil sorts first.
// Strings that parse as timestamps compare chronologically against times.
func compare(got, want any) (int, error) {
	if got == nil || want == nil {
		switch {
		case got == nil && want == nil:
			return 0, nil
		case got == nil:
			return -1, nil
		default:
			return 1, nil
		}
	}

	if wt, ok := want.(time.Time); ok {
		gt, err := asTime(got)
		if err != nil {
			return 0, err
		}
		return gt.Compare(wt), nil
	}
	if gt, ok := got.(time.Time); ok {
		wt, err := asTime(want)
		if err != nil {
			return 0, err
		}
		return gt.Compare(wt), nil
	}

	gf, gNum := asFloat(got)
	wf, wNum := asFloat(want)
	if gNum && wNum {
		switch {
		case gf < wf:
			return -1, nil
		case gf > wf:
			return 1, nil
		}
		return 0, nil
	}

	if gb, ok := got.(bool); ok {
		wb, ok := want.(bool)
		if !ok {
			return 0, fmt.Errorf("cannot compare bool with %T", want)
		}
		switch {
		case gb == wb:
			return 0, nil
		case !gb:
			return -1, nil
		}
		return 1, nil
	}

	return strings.Compare(fmt.Sprint(got), fmt.Sprint(want)), nil
}

func asTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case string:
		return record.ParseTime(val)
	}
	return time.Time{}, fmt.Errorf("cannot compare %T with a datetime", v)
}

func asFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	}
	return 0, false
}
