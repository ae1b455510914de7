package entity

import (
	"fmt"
	"strings"
)

// Map adapts a plain map to the Accessor interface.
type Map map[string]any

// Field returns m[name].
func (m Map) Field(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// SetField sets m[name].
func (m Map) SetField(name string, value any) error {
	m[name] = value
	return nil
}

// GetPath reads a dotted property path such as "address.city".
// A missing leaf yields (nil, nil); a missing or non-traversable
// intermediate segment is an error.
func GetPath(a Accessor, path string) (any, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	cur := a
	for i, seg := range segments {
		v, ok := cur.Field(seg)
		if i == len(segments)-1 {
			if !ok {
				return nil, nil
			}
			return v, nil
		}
		if !ok || v == nil {
			return nil, fmt.Errorf("path %q: %q is not set", path, strings.Join(segments[:i+1], "."))
		}
		next, ok := asAccessor(v)
		if !ok {
			return nil, fmt.Errorf("path %q: %q (%T) has no properties", path, strings.Join(segments[:i+1], "."), v)
		}
		cur = next
	}
	return nil, nil
}

// SetPath writes value at a dotted property path, creating intermediate
// maps when they are missing.
func SetPath(a Accessor, path string, value any) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	cur := a
	for i, seg := range segments {
		if i == len(segments)-1 {
			if err := cur.SetField(seg, value); err != nil {
				return fmt.Errorf("path %q: %w", path, err)
			}
			return nil
		}
		v, ok := cur.Field(seg)
		if !ok || v == nil {
			child := map[string]any{}
			if err := cur.SetField(seg, child); err != nil {
				return fmt.Errorf("path %q: %w", path, err)
			}
			cur = Map(child)
			continue
		}
		next, ok := asAccessor(v)
		if !ok {
			return fmt.Errorf("path %q: %q (%T) has no properties", path, strings.Join(segments[:i+1], "."), v)
		}
		cur = next
	}
	return nil
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("empty property path")
	}
	segments := strings.Split(path, ".")
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("invalid property path %q", path)
		}
	}
	return segments, nil
}

func asAccessor(v any) (Accessor, bool) {
	switch val := v.(type) {
	case Accessor:
		return val, true
	case map[string]any:
		return Map(val), true
	}
	return nil, false
}
