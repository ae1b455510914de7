// Package clock provides the wall clock used for leases, checkpoints and
// mapped object timestamps.
package clock

import "time"

// Clock returns the current time.
// Production code uses System; tests use testutil.FakeClock.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock, truncated to whole seconds in UTC.
// Queue leases and checkpoints are stored with second precision.
type System struct{}

// Now returns the current UTC time truncated to the second.
func (System) Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// Func adapts a plain function to the Clock interface.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time {
	return f()
}
