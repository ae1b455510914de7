package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/crmsync/internal/record"
)

// unixOrZero stores the zero time as 0.
func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// fromUnix is the inverse of unixOrZero.
func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// marshalRecord converts a record to canonical JSON TEXT for storage.
func marshalRecord(r record.Record) (string, error) {
	data, err := record.MarshalCanonical(r)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return string(data), nil
}

// unmarshalRecord parses a stored record.
func unmarshalRecord(data string) (record.Record, error) {
	var r record.Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return record.Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return r, nil
}

// marshalDoc converts entity values to JSON TEXT.
func marshalDoc(values map[string]any) (string, error) {
	if values == nil {
		return "{}", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal entity: %w", err)
	}
	return string(data), nil
}

// unmarshalDoc parses stored entity values.
func unmarshalDoc(data string) (map[string]any, error) {
	values := map[string]any{}
	if data == "" || data == "{}" {
		return values, nil
	}
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, fmt.Errorf("unmarshal entity: %w", err)
	}
	return values, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
