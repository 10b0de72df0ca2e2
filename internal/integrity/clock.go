// Package integrity timestamps per-question activity and scores the
// resulting logs for tampering, impossible timing and automation.
package integrity

import (
	"sync"
	"time"
)

// Clock is the time source for marks and brackets. Elapsed time is
// measured with Time.Sub, which uses the monotonic reading when present.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a settable Clock for tests and replays. It carries no
// monotonic reading, so Set can move it backwards.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock starts a ManualClock at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t.Round(0)}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d (or backwards for negative d).
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set jumps the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.Round(0)
	c.mu.Unlock()
}

// toMs converts a duration to fractional milliseconds.
func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
