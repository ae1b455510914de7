package harness

import (
	"fmt"
	"strings"
)

// TraceEvent is one remote write performed while a scenario ran.
type TraceEvent struct {
	Seq      int            `json:"seq"`
	Step     int            `json:"step"`
	Action   string         `json:"action"`
	Op       string         `json:"op"`
	Object   string         `json:"object"`
	ID       string         `json:"id,omitempty"`
	KeyField string         `json:"key_field,omitempty"`
	KeyValue string         `json:"key_value,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// canonical returns the event as a plain map for canonical JSON.
func (e TraceEvent) canonical() map[string]any {
	m := map[string]any{
		"seq":    e.Seq,
		"step":   e.Step,
		"action": e.Action,
		"op":     e.Op,
		"object": e.Object,
	}
	if e.ID != "" {
		m["id"] = e.ID
	}
	if e.KeyField != "" {
		m["key_field"] = e.KeyField
	}
	if e.KeyValue != "" {
		m["key_value"] = e.KeyValue
	}
	if len(e.Fields) > 0 {
		m["fields"] = e.Fields
	}
	return m
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists the remote writes in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds the failed assertions.
	Errors []AssertionError `json:"errors,omitempty"`
}

// AddError records a failed assertion and marks the result failed.
func (r *Result) AddError(err AssertionError) {
	r.Pass = false
	r.Errors = append(r.Errors, err)
}

// AssertionError describes one failed assertion.
type AssertionError struct {
	Index    int    `json:"index"`
	Type     string `json:"type"`
	Message  string `json:"message"`
	Expected any    `json:"expected,omitempty"`
	Actual   any    `json:"actual,omitempty"`
}

func (e AssertionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "assertions[%d] %s: %s", e.Index, e.Type, e.Message)
	if e.Expected != nil || e.Actual != nil {
		fmt.Fprintf(&b, " (expected %v, got %v)", e.Expected, e.Actual)
	}
	return b.String()
}
