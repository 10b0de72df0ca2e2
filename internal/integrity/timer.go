package integrity

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"
)

// Monotonicity thresholds, in milliseconds.
const (
	FastEventGapMs  = 1.0
	LargeEventGapMs = 5 * 60 * 1000.0
)

// Issue labels reported by ValidateMonotonicity.
const (
	IssueNonMonotonic = "Non-monotonic time detected"
	IssueFastEvent    = "Unrealistically fast event"
	IssueLargeGap     = "Suspiciously large time gap"
)

// ErrInvalidLogs is returned by Import for input that is not a JSON array of marks.
var ErrInvalidLogs = errors.New("invalid logs format")

// Mark is one recorded event. Timestamp is wall-clock ms since the Unix
// epoch; Monotonic is ms elapsed since the timer started.
type Mark struct {
	ID        string  `json:"id"`
	Event     string  `json:"event"`
	Timestamp int64   `json:"timestamp"`
	Monotonic float64 `json:"monotonic"`
	Data      any     `json:"data,omitempty"`
}

// MonotonicIssue describes one suspicious step between consecutive marks.
type MonotonicIssue struct {
	Index    int     `json:"index"`
	Issue    string  `json:"issue"`
	Current  float64 `json:"current"`
	Previous float64 `json:"previous"`
}

// MonotonicityResult is the outcome of ValidateMonotonicity.
type MonotonicityResult struct {
	Valid  bool             `json:"valid"`
	Issues []MonotonicIssue `json:"issues"`
}

// GapStats summarises the spacing between consecutive marks.
type GapStats struct {
	AverageGap     float64 `json:"averageGap"`
	MinGap         float64 `json:"minGap"`
	MaxGap         float64 `json:"maxGap"`
	EventFrequency float64 `json:"eventFrequency"` // events per second
}

// TimerReport is a full dump of a timer.
type TimerReport struct {
	StartedAt   time.Time          `json:"startedAt"`
	ElapsedMs   float64            `json:"elapsedMs"`
	TotalEvents int                `json:"totalEvents"`
	Validation  MonotonicityResult `json:"validation"`
	Events      []Mark             `json:"events"`
	Statistics  GapStats           `json:"statistics"`
}

// MonotonicTimer records named events against a session-start anchor.
type MonotonicTimer struct {
	mu    sync.Mutex
	clock Clock
	start time.Time
	marks []Mark
}

// NewMonotonicTimer starts a timer now.
func NewMonotonicTimer(clock Clock) *MonotonicTimer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MonotonicTimer{clock: clock, start: clock.Now()}
}

// Mark records event and returns its id. An empty id is replaced with
// "event_<n>". The clock is read under the lock so marks stay in time
// order across goroutines.
func (t *MonotonicTimer) Mark(event, id string, data any) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	if id == "" {
		id = "event_" + strconv.Itoa(len(t.marks)+1)
	}
	t.marks = append(t.marks, Mark{
		ID:        id,
		Event:     event,
		Timestamp: now.UnixMilli(),
		Monotonic: toMs(now.Sub(t.start)),
		Data:      data,
	})
	return id
}

// Event returns the first mark with id.
func (t *MonotonicTimer) Event(id string) (Mark, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.marks {
		if m.ID == id {
			return m, true
		}
	}
	return Mark{}, false
}

// Events returns every mark named event, in record order.
func (t *MonotonicTimer) Events(event string) []Mark {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Mark
	for _, m := range t.marks {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// Marks returns a copy of all marks.
func (t *MonotonicTimer) Marks() []Mark {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Mark(nil), t.marks...)
}

// Elapsed is the time since the timer started (or was last reset).
func (t *MonotonicTimer) Elapsed() time.Duration {
	t.mu.Lock()
	start := t.start
	t.mu.Unlock()
	return t.clock.Now().Sub(start)
}

// ValidateMonotonicity flags steps that go backwards, are under 1ms, or
// exceed five minutes.
func (t *MonotonicTimer) ValidateMonotonicity() MonotonicityResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return validateMarks(t.marks)
}

func validateMarks(marks []Mark) MonotonicityResult {
	issues := []MonotonicIssue{}
	for i := 1; i < len(marks); i++ {
		cur, prev := marks[i].Monotonic, marks[i-1].Monotonic
		gap := cur - prev

		switch {
		case gap < 0:
			issues = append(issues, MonotonicIssue{Index: i, Issue: IssueNonMonotonic, Current: cur, Previous: prev})
		case gap < FastEventGapMs:
			issues = append(issues, MonotonicIssue{Index: i, Issue: IssueFastEvent, Current: cur, Previous: prev})
		case gap > LargeEventGapMs:
			issues = append(issues, MonotonicIssue{Index: i, Issue: IssueLargeGap, Current: cur, Previous: prev})
		}
	}
	return MonotonicityResult{Valid: len(issues) == 0, Issues: issues}
}

// Report returns validation, statistics and a copy of all marks.
func (t *MonotonicTimer) Report() TimerReport {
	elapsed := t.Elapsed()

	t.mu.Lock()
	defer t.mu.Unlock()
	return TimerReport{
		StartedAt:   t.start,
		ElapsedMs:   toMs(elapsed),
		TotalEvents: len(t.marks),
		Validation:  validateMarks(t.marks),
		Events:      append([]Mark(nil), t.marks...),
		Statistics:  gapStats(t.marks, elapsed),
	}
}

func gapStats(marks []Mark, elapsed time.Duration) GapStats {
	if len(marks) < 2 {
		return GapStats{}
	}
	var (
		total  float64
		lo, hi = math.Inf(1), math.Inf(-1)
	)
	for i := 1; i < len(marks); i++ {
		gap := marks[i].Monotonic - marks[i-1].Monotonic
		total += gap
		lo = math.Min(lo, gap)
		hi = math.Max(hi, gap)
	}
	stats := GapStats{
		AverageGap: total / float64(len(marks)-1),
		MinGap:     lo,
		MaxGap:     hi,
	}
	if elapsed > 0 {
		stats.EventFrequency = float64(len(marks)) / elapsed.Seconds()
	}
	return stats
}

// Export serialises all marks as indented JSON.
func (t *MonotonicTimer) Export() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	marks := t.marks
	if marks == nil {
		marks = []Mark{}
	}
	return json.MarshalIndent(marks, "", "  ")
}

// Import replaces the recorded marks with a previously exported log.
func (t *MonotonicTimer) Import(data []byte) error {
	var marks []Mark
	if err := json.Unmarshal(data, &marks); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLogs, err)
	}
	if marks == nil {
		return fmt.Errorf("%w: not an array", ErrInvalidLogs)
	}
	t.mu.Lock()
	t.marks = marks
	t.mu.Unlock()
	return nil
}

// Reset clears all marks and restarts the timer.
func (t *MonotonicTimer) Reset() {
	now := t.clock.Now()
	t.mu.Lock()
	t.marks = nil
	t.start = now
	t.mu.Unlock()
}
