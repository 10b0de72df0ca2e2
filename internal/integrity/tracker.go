package integrity

import (
	"sync"
	"time"

	"github.com/stemsi/exstem-offline/internal/model"
)

// QuestionTracker builds the per-question visit brackets. Timestamps are
// the wall-clock ms at tracker start plus monotonic elapsed time, so a
// wall-clock change during the session does not move them.
type QuestionTracker struct {
	mu       sync.Mutex
	clock    Clock
	anchor   time.Time
	anchorMs float64

	logs    []model.TimeLog
	current string
	open    int // index of the open bracket in logs, -1 if none
	hidden  bool
}

// NewQuestionTracker starts an empty tracker.
func NewQuestionTracker(clock Clock) *QuestionTracker {
	if clock == nil {
		clock = SystemClock{}
	}
	now := clock.Now()
	return &QuestionTracker{
		clock:    clock,
		anchor:   now,
		anchorMs: float64(now.UnixMilli()),
		open:     -1,
	}
}

func (t *QuestionTracker) nowMs() float64 {
	return t.anchorMs + toMs(t.clock.Now().Sub(t.anchor))
}

// StartQuestion makes id the current question and opens a bracket for it,
// closing whatever bracket was open. While hidden, the bracket is
// deferred until Show.
func (t *QuestionTracker) StartQuestion(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open >= 0 && t.current == id {
		return
	}
	now := t.nowMs()
	t.closeOpen(now)
	t.current = id
	if !t.hidden {
		t.openBracket(now)
	}
}

// EndQuestion closes the bracket for id if it is open. The tracker has no
// current question afterwards.
func (t *QuestionTracker) EndQuestion(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != id {
		return
	}
	t.closeOpen(t.nowMs())
	t.current = ""
}

// EndCurrent closes the open bracket, if any.
func (t *QuestionTracker) EndCurrent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeOpen(t.nowMs())
	t.current = ""
}

// Hide closes the open bracket but keeps the current question.
func (t *QuestionTracker) Hide() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hidden {
		return
	}
	t.hidden = true
	t.closeOpen(t.nowMs())
}

// Show opens a new bracket for the current question.
func (t *QuestionTracker) Show() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hidden {
		return
	}
	t.hidden = false
	if t.current != "" && t.open < 0 {
		t.openBracket(t.nowMs())
	}
}

// Current returns the current question id, or "".
func (t *QuestionTracker) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Logs returns a deep copy of all brackets in visit order.
func (t *QuestionTracker) Logs() []model.TimeLog {
	t.mu.Lock()
	defer t.mu.Unlock()
	return model.CloneTimeLogs(t.logs)
}

// Restore replaces the recorded brackets with previously saved logs. Any
// bracket left open by an earlier run stays open; new brackets are
// appended after it.
func (t *QuestionTracker) Restore(logs []model.TimeLog) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logs = model.CloneTimeLogs(logs)
	t.current = ""
	t.open = -1
}

func (t *QuestionTracker) openBracket(now float64) {
	t.logs = append(t.logs, model.TimeLog{QuestionID: t.current, Entry: now})
	t.open = len(t.logs) - 1
}

// closeOpen records the exit of the open bracket. A bracket that would
// end at or before its entry is dropped, since exit must exceed entry.
func (t *QuestionTracker) closeOpen(now float64) {
	if t.open < 0 {
		return
	}
	if now <= t.logs[t.open].Entry {
		t.logs = append(t.logs[:t.open], t.logs[t.open+1:]...)
	} else {
		exit := now
		t.logs[t.open].Exit = &exit
	}
	t.open = -1
}
