package integrity

import (
	"time"

	"github.com/stemsi/exstem-offline/internal/model"
)

// Event names recorded by Engine. The timer's own anchor is the session
// start; the first question_start follows it immediately and is the first
// mark.
const (
	EventQuestionStart = "question_start"
	EventQuestionEnd   = "question_end"
	EventAnswer        = "answer"
	EventHidden        = "hidden"
	EventVisible       = "visible"
	EventSubmit        = "submit"
)

// Engine couples the event timer and the question tracker of one session.
type Engine struct {
	clock   Clock
	start   time.Time
	origin  Fingerprint
	Timer   *MonotonicTimer
	Tracker *QuestionTracker
	checker *AntiCheatValidator
}

// NewEngine starts timing a session.
func NewEngine(clock Clock) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	start := clock.Now()
	return &Engine{
		clock:   clock,
		start:   start,
		origin:  TakeFingerprint(clock, start),
		Timer:   NewMonotonicTimer(clock),
		Tracker: NewQuestionTracker(clock),
		checker: NewAntiCheatValidator(),
	}
}

// StartQuestion records a visit to question id.
func (e *Engine) StartQuestion(id string) {
	e.Tracker.StartQuestion(id)
	e.Timer.Mark(EventQuestionStart, "", id)
}

// EndQuestion closes the visit to question id.
func (e *Engine) EndQuestion(id string) {
	e.Tracker.EndQuestion(id)
	e.Timer.Mark(EventQuestionEnd, "", id)
}

// Answer records an answer selection.
func (e *Engine) Answer(questionID string, option int) {
	e.Timer.Mark(EventAnswer, "", map[string]any{"questionId": questionID, "option": option})
}

// Hide records the exam leaving the foreground.
func (e *Engine) Hide() {
	e.Tracker.Hide()
	e.Timer.Mark(EventHidden, "", nil)
}

// Show records the exam returning to the foreground.
func (e *Engine) Show() {
	e.Tracker.Show()
	e.Timer.Mark(EventVisible, "", nil)
}

// Finish closes the open bracket and marks submission.
func (e *Engine) Finish() {
	e.Tracker.EndCurrent()
	e.Timer.Mark(EventSubmit, "", nil)
}

// Logs returns the current time logs.
func (e *Engine) Logs() []model.TimeLog {
	return e.Tracker.Logs()
}

// Restore seeds the tracker with saved logs.
func (e *Engine) Restore(logs []model.TimeLog) {
	e.Tracker.Restore(logs)
}

// SessionReport combines every integrity signal for one session. The
// validator verdict and the manipulation verdict are kept apart.
type SessionReport struct {
	FullReport
	Monotonicity MonotonicityResult    `json:"monotonicity"`
	Manipulation Manipulation          `json:"manipulation"`
	Fingerprint  FingerprintComparison `json:"fingerprint"`
}

// Report computes all signals from the current logs and marks.
func (e *Engine) Report() SessionReport {
	logs := e.Tracker.Logs()
	marks := e.Timer.Marks()

	wall := make([]float64, len(marks))
	for i, m := range marks {
		wall[i] = float64(m.Timestamp)
	}

	r := e.checker.Validate(logs)
	rec := RecommendationsClean
	if r.IsSuspicious {
		rec = RecommendationsSuspicious
	}
	return SessionReport{
		FullReport: FullReport{
			Report:          r,
			Patterns:        AnalyzeTimePattern(logs),
			Recommendations: append([]string(nil), rec...),
		},
		Monotonicity: validateMarks(marks),
		Manipulation: DetectTimeManipulation(wall),
		Fingerprint:  CompareFingerprints(e.origin, TakeFingerprint(e.clock, e.start)),
	}
}

// Integrity condenses the report into the advisory summary sent with a
// submission.
func (r SessionReport) Integrity() *model.Integrity {
	return &model.Integrity{
		IsSuspicious: r.IsSuspicious,
		Score:        r.Score,
		Manipulated:  r.Manipulation.Manipulated,
		Activities:   len(r.Activities),
	}
}
