package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/stemsi/exstem-offline/internal/integrity"
)

// Level is the urgency of the remaining exam time.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

const (
	DefaultWarningThreshold  = 5 * time.Minute
	DefaultCriticalThreshold = time.Minute
	countdownTick            = time.Second
)

// CountdownHooks are invoked outside the countdown lock. Each threshold
// hook fires once per crossing; OnExpire fires at most once.
type CountdownHooks struct {
	OnTick     func(remaining time.Duration)
	OnWarning  func()
	OnCritical func()
	OnExpire   func()
}

// CountdownStatus is a point-in-time view of the countdown.
type CountdownStatus struct {
	Total     time.Duration `json:"total"`
	Remaining time.Duration `json:"remaining"`
	Seconds   int           `json:"seconds"`
	Formatted string        `json:"formatted"`
	Progress  float64       `json:"progress"`
	Level     Level         `json:"level"`
	Running   bool          `json:"running"`
	Paused    bool          `json:"paused"`
	Expired   bool          `json:"expired"`
}

// Countdown tracks the exam time limit against a Clock. The deadline is
// kept as an instant while running so late ticks never drift.
type Countdown struct {
	clock    integrity.Clock
	warnAt   time.Duration
	critAt   time.Duration
	interval time.Duration

	mu        sync.Mutex
	hooks     CountdownHooks
	total     time.Duration
	remaining time.Duration
	deadline  time.Time
	started   bool
	running   bool
	warned    bool
	critical  bool
	expired   bool
	stopped   bool
}

// NewCountdown creates a stopped countdown of the given length.
func NewCountdown(total time.Duration, clock integrity.Clock) *Countdown {
	if clock == nil {
		clock = integrity.SystemClock{}
	}
	if total < 0 {
		total = 0
	}
	return &Countdown{
		clock:     clock,
		warnAt:    DefaultWarningThreshold,
		critAt:    DefaultCriticalThreshold,
		interval:  countdownTick,
		total:     total,
		remaining: total,
	}
}

// SetThresholds overrides the warning and critical levels.
func (c *Countdown) SetThresholds(warning, critical time.Duration) {
	c.mu.Lock()
	c.warnAt, c.critAt = warning, critical
	c.mu.Unlock()
}

// SetHooks replaces the callbacks.
func (c *Countdown) SetHooks(h CountdownHooks) {
	c.mu.Lock()
	c.hooks = h
	c.mu.Unlock()
}

// Start begins counting down from the current remaining time.
func (c *Countdown) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.stopped || c.expired {
		return
	}
	c.started = true
	c.running = true
	c.deadline = c.clock.Now().Add(c.remaining)
}

// Pause freezes the remaining time.
func (c *Countdown) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.remaining = c.remainingLocked(c.clock.Now())
	c.running = false
}

// Resume continues a paused countdown.
func (c *Countdown) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || !c.started || c.stopped || c.expired {
		return
	}
	c.running = true
	c.deadline = c.clock.Now().Add(c.remaining)
}

// AddTime extends both the limit and the remaining time. Thresholds that
// are no longer crossed are re-armed.
func (c *Countdown) AddTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired || d <= 0 {
		return
	}
	c.total += d
	if c.running {
		c.deadline = c.deadline.Add(d)
	} else {
		c.remaining += d
	}
	rem := c.remainingLocked(c.clock.Now())
	if rem > c.warnAt {
		c.warned = false
	}
	if rem > c.critAt {
		c.critical = false
	}
}

// SubtractTime shortens both the limit and the remaining time, never below
// zero. Expiry is reported on the next Tick.
func (c *Countdown) SubtractTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired || d <= 0 {
		return
	}
	c.total = max(0, c.total-d)
	now := c.clock.Now()
	rem := max(0, c.remainingLocked(now)-d)
	if c.running {
		c.deadline = now.Add(rem)
	} else {
		c.remaining = rem
	}
}

// Remaining returns the time left.
func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked(c.clock.Now())
}

// Status returns the current state without firing hooks.
func (c *Countdown) Status() CountdownStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked(c.clock.Now())
}

// Tick evaluates the countdown and fires any due hooks.
func (c *Countdown) Tick() CountdownStatus {
	c.mu.Lock()
	now := c.clock.Now()
	if !c.running || c.stopped || c.expired {
		st := c.statusLocked(now)
		c.mu.Unlock()
		return st
	}

	rem := c.remainingLocked(now)
	var fire []func()
	if fn := c.hooks.OnTick; fn != nil {
		fire = append(fire, func() { fn(rem) })
	}
	if rem <= c.warnAt && !c.warned {
		c.warned = true
		if fn := c.hooks.OnWarning; fn != nil {
			fire = append(fire, fn)
		}
	}
	if rem <= c.critAt && !c.critical {
		c.critical = true
		if fn := c.hooks.OnCritical; fn != nil {
			fire = append(fire, fn)
		}
	}
	if rem <= 0 {
		c.expired = true
		c.running = false
		c.remaining = 0
		if fn := c.hooks.OnExpire; fn != nil {
			fire = append(fire, fn)
		}
	}
	st := c.statusLocked(now)
	c.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
	return st
}

// Run starts the countdown and ticks it every second until it expires,
// Stop is called, or ctx is done. Call in a goroutine.
func (c *Countdown) Run(ctx context.Context) {
	c.Start()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := c.Tick()
			if st.Expired || c.isStopped() {
				return
			}
		}
	}
}

// Stop halts the countdown for good. No hook fires after Stop returns.
func (c *Countdown) Stop() {
	c.mu.Lock()
	if c.running {
		c.remaining = c.remainingLocked(c.clock.Now())
	}
	c.running = false
	c.stopped = true
	c.hooks = CountdownHooks{}
	c.mu.Unlock()
}

func (c *Countdown) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Countdown) remainingLocked(now time.Time) time.Duration {
	if c.expired {
		return 0
	}
	if !c.running {
		return c.remaining
	}
	return max(0, c.deadline.Sub(now))
}

func (c *Countdown) statusLocked(now time.Time) CountdownStatus {
	rem := c.remainingLocked(now)
	st := CountdownStatus{
		Total:     c.total,
		Remaining: rem,
		Seconds:   int(math.Ceil(rem.Seconds())),
		Formatted: FormatClock(rem),
		Level:     LevelNormal,
		Running:   c.running,
		Paused:    c.started && !c.running && !c.expired && !c.stopped && rem > 0,
		Expired:   c.expired,
	}
	if c.total > 0 {
		st.Progress = float64(c.total-rem) / float64(c.total) * 100
	}
	switch {
	case rem <= c.critAt:
		st.Level = LevelCritical
	case rem <= c.warnAt:
		st.Level = LevelWarning
	}
	return st
}

// FormatClock renders d as h:mm:ss, or m:ss under an hour. Partial
// seconds round up so the display reaches 0:00 only at expiry.
func FormatClock(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 0 {
		secs = 0
	}
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
