// Package internal provides shared utilities for the rbe package.
package internal

import "time"

// Clock supplies the current time. The abstraction exists so that every
// time-dependent component can be driven deterministically in tests.
type Clock interface {
	// Now returns the current time. Implementations must return
	// monotonically non-decreasing values.
	Now() time.Time
}

// MonotonicClock reads the system clock. Go's time.Now carries a monotonic
// reading, so elapsed-time arithmetic is immune to wall-clock adjustments.
type MonotonicClock struct{}

// Now returns the current system time.
func (MonotonicClock) Now() time.Time {
	return time.Now()
}

// MockClock is a manually advanced Clock for tests.
// It is not safe for concurrent use.
type MockClock struct {
	current time.Time
}

// NewMockClock returns a MockClock starting at t, or at a fixed non-zero
// default when t is the zero time.
func NewMockClock(t time.Time) *MockClock {
	if t.IsZero() {
		t = time.Unix(1_000_000_000, 0)
	}
	return &MockClock{current: t}
}

// Now returns the mock clock's current time.
func (m *MockClock) Now() time.Time {
	return m.current
}

// Advance moves the clock forward by d. Panics on negative d to preserve
// monotonicity.
func (m *MockClock) Advance(d time.Duration) {
	if d < 0 {
		panic("MockClock.Advance: negative duration")
	}
	m.current = m.current.Add(d)
}

// Set jumps the clock to t. Intended for initialization; prefer Advance.
func (m *MockClock) Set(t time.Time) {
	m.current = t
}
