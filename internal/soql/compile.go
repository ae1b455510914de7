package soql

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/crmsync/internal/record"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)*$`)

// Compile renders s as SOQL text.
//
// Every compiled query selects Id and ends with an ORDER BY; when the
// selector has no order, "Id ASC" keeps paging deterministic.
func Compile(s *Select) (string, error) {
	if s == nil {
		return "", fmt.Errorf("cannot compile nil selector")
	}
	if !identifierPattern.MatchString(s.From) {
		return "", fmt.Errorf("invalid object type %q", s.From)
	}

	fields := []string{record.IDField}
	for _, f := range s.Fields {
		if f == record.IDField {
			continue
		}
		if !identifierPattern.MatchString(f) {
			return "", fmt.Errorf("invalid field %q", f)
		}
		fields = append(fields, f)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(fields, ", "), s.From)

	if s.Filter != nil {
		where, err := compilePredicate(s.Filter)
		if err != nil {
			return "", fmt.Errorf("compile filter: %w", err)
		}
		if where != "" {
			b.WriteString(" WHERE ")
			b.WriteString(where)
		}
	}

	b.WriteString(" ORDER BY ")
	b.WriteString(stableOrderKey(s))

	if s.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", s.Limit)
	}
	return b.String(), nil
}

func stableOrderKey(s *Select) string {
	if len(s.OrderBy) == 0 {
		return "Id ASC"
	}
	parts := make([]string, 0, len(s.OrderBy)+1)
	hasID := false
	for _, o := range s.OrderBy {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		parts = append(parts, o.Field+" "+dir)
		hasID = hasID || o.Field == record.IDField
	}
	if !hasID {
		parts = append(parts, "Id ASC")
	}
	return strings.Join(parts, ", ")
}

func compilePredicate(p Predicate) (string, error) {
	switch pred := p.(type) {
	case Compare:
		if !identifierPattern.MatchString(pred.Field) {
			return "", fmt.Errorf("invalid field %q", pred.Field)
		}
		lit, err := literal(pred.Value)
		if err != nil {
			return "", fmt.Errorf("field %s: %w", pred.Field, err)
		}
		return fmt.Sprintf("%s %s %s", pred.Field, pred.Op, lit), nil
	case And:
		parts := make([]string, 0, len(pred.Predicates))
		for _, child := range pred.Predicates {
			s, err := compilePredicate(child)
			if err != nil {
				return "", err
			}
			if s == "" {
				continue
			}
			if _, nested := child.(And); nested {
				s = "(" + s + ")"
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, " AND "), nil
	case Raw:
		text := strings.TrimSpace(pred.Text)
		if text == "" {
			return "", nil
		}
		return "(" + text + ")", nil
	default:
		return "", fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// literal renders a SOQL literal. Datetimes are unquoted ISO-8601 UTC.
func literal(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "null", nil
	case string:
		r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
		return "'" + r.Replace(val) + "'", nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case time.Time:
		return record.FormatTime(val), nil
	default:
		return "", fmt.Errorf("unsupported literal type %T", v)
	}
}
