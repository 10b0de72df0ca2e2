package integrity

import (
	"sync"
	"testing"
	"time"

	"github.com/stemsi/exstem-offline/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func TestMonotonicTimer_MarksAndLookups(t *testing.T) {
	clock := NewManualClock(t0)
	timer := NewMonotonicTimer(clock)

	clock.Advance(10 * time.Millisecond)
	id1 := timer.Mark("question_start", "", "q1")
	clock.Advance(2 * time.Second)
	id2 := timer.Mark("answer", "custom", nil)
	clock.Advance(time.Second)
	timer.Mark("question_start", "", "q2")

	assert.Equal(t, "event_1", id1)
	assert.Equal(t, "custom", id2)

	m, ok := timer.Event("custom")
	require.True(t, ok)
	assert.Equal(t, "answer", m.Event)
	assert.InDelta(t, 2010.0, m.Monotonic, 1e-9)
	assert.Equal(t, t0.UnixMilli()+2010, m.Timestamp)

	_, ok = timer.Event("missing")
	assert.False(t, ok)

	starts := timer.Events("question_start")
	require.Len(t, starts, 2)
	assert.Equal(t, "q2", starts[1].Data)
	assert.Equal(t, "event_3", starts[1].ID)

	assert.Equal(t, 3010*time.Millisecond, timer.Elapsed())
}

func TestMonotonicTimer_OffsetsNeverDecreaseOnRealClock(t *testing.T) {
	timer := NewMonotonicTimer(SystemClock{})
	for i := 0; i < 200; i++ {
		timer.Mark("tick", "", i)
	}
	marks := timer.Marks()
	for i := 1; i < len(marks); i++ {
		require.GreaterOrEqual(t, marks[i].Monotonic, marks[i-1].Monotonic)
	}
	for _, issue := range timer.ValidateMonotonicity().Issues {
		assert.NotEqual(t, IssueNonMonotonic, issue.Issue)
	}
}

func TestMonotonicTimer_ValidateMonotonicity(t *testing.T) {
	clock := NewManualClock(t0)
	timer := NewMonotonicTimer(clock)

	timer.Mark("a", "", nil)
	clock.Advance(5 * time.Second)
	timer.Mark("b", "", nil)
	assert.True(t, timer.ValidateMonotonicity().Valid)

	clock.Advance(500 * time.Microsecond)
	timer.Mark("fast", "", nil)
	clock.Advance(6 * time.Minute)
	timer.Mark("late", "", nil)
	clock.Advance(-10 * time.Second)
	timer.Mark("backwards", "", nil)

	res := timer.ValidateMonotonicity()
	assert.False(t, res.Valid)
	require.Len(t, res.Issues, 3)
	assert.Equal(t, MonotonicIssue{Index: 2, Issue: IssueFastEvent, Current: 5000.5, Previous: 5000}, res.Issues[0])
	assert.Equal(t, 3, res.Issues[1].Index)
	assert.Equal(t, IssueLargeGap, res.Issues[1].Issue)
	assert.Equal(t, 4, res.Issues[2].Index)
	assert.Equal(t, IssueNonMonotonic, res.Issues[2].Issue)
}

func TestMonotonicTimer_SameInstantIsFast(t *testing.T) {
	clock := NewManualClock(t0)
	timer := NewMonotonicTimer(clock)
	timer.Mark("a", "", nil)
	timer.Mark("b", "", nil)

	res := timer.ValidateMonotonicity()
	require.Len(t, res.Issues, 1)
	assert.Equal(t, IssueFastEvent, res.Issues[0].Issue)
}

func TestMonotonicTimer_Report(t *testing.T) {
	clock := NewManualClock(t0)
	timer := NewMonotonicTimer(clock)

	empty := timer.Report()
	assert.Zero(t, empty.TotalEvents)
	assert.Equal(t, GapStats{}, empty.Statistics)

	for _, step := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		clock.Advance(step)
		timer.Mark("e", "", nil)
	}
	clock.Advance(4 * time.Second)

	r := timer.Report()
	assert.Equal(t, 3, r.TotalEvents)
	assert.InDelta(t, 10_000.0, r.ElapsedMs, 1e-9)
	assert.True(t, r.Validation.Valid)
	assert.InDelta(t, 2500.0, r.Statistics.AverageGap, 1e-9)
	assert.InDelta(t, 2000.0, r.Statistics.MinGap, 1e-9)
	assert.InDelta(t, 3000.0, r.Statistics.MaxGap, 1e-9)
	assert.InDelta(t, 0.3, r.Statistics.EventFrequency, 1e-9)
	assert.Len(t, r.Events, 3)
}

func TestMonotonicTimer_ExportImportReset(t *testing.T) {
	clock := NewManualClock(t0)
	timer := NewMonotonicTimer(clock)
	clock.Advance(time.Second)
	timer.Mark("a", "first", map[string]any{"k": "v"})
	clock.Advance(time.Second)
	timer.Mark("b", "", nil)

	data, err := timer.Export()
	require.NoError(t, err)

	other := NewMonotonicTimer(clock)
	require.NoError(t, other.Import(data))
	assert.Equal(t, len(timer.Marks()), len(other.Marks()))
	m, ok := other.Event("first")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"k": "v"}, m.Data)

	assert.ErrorIs(t, other.Import([]byte(`{"not":"array"}`)), ErrInvalidLogs)
	assert.ErrorIs(t, other.Import([]byte(`null`)), ErrInvalidLogs)
	assert.ErrorIs(t, other.Import([]byte(`garbage`)), ErrInvalidLogs)
	assert.Len(t, other.Marks(), 2, "failed import keeps existing marks")

	timer.Reset()
	assert.Empty(t, timer.Marks())
	assert.Zero(t, timer.Elapsed())

	empty, err := timer.Export()
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(empty))
}

func TestQuestionTracker_VisitsHideShowAndRevisits(t *testing.T) {
	clock := NewManualClock(t0)
	tr := NewQuestionTracker(clock)
	base := float64(t0.UnixMilli())

	tr.StartQuestion("q1")
	clock.Advance(5 * time.Second)
	tr.Hide()
	assert.Equal(t, "q1", tr.Current())
	clock.Advance(2 * time.Second)
	tr.Show()
	clock.Advance(3 * time.Second)
	tr.StartQuestion("q2")
	clock.Advance(time.Second)
	tr.StartQuestion("q2") // already open
	clock.Advance(3 * time.Second)
	tr.StartQuestion("q1")

	want := []model.TimeLog{
		{QuestionID: "q1", Entry: base, Exit: model.Ms(base + 5000)},
		{QuestionID: "q1", Entry: base + 7000, Exit: model.Ms(base + 10_000)},
		{QuestionID: "q2", Entry: base + 10_000, Exit: model.Ms(base + 14_000)},
		{QuestionID: "q1", Entry: base + 14_000},
	}
	assert.Equal(t, want, tr.Logs())

	clock.Advance(time.Second)
	tr.EndQuestion("q2") // not current
	assert.Nil(t, tr.Logs()[3].Exit)
	tr.EndQuestion("q1")
	require.NotNil(t, tr.Logs()[3].Exit)
	assert.Equal(t, base+15_000, *tr.Logs()[3].Exit)
	assert.Empty(t, tr.Current())
}

func TestQuestionTracker_NavigateWhileHidden(t *testing.T) {
	clock := NewManualClock(t0)
	tr := NewQuestionTracker(clock)
	base := float64(t0.UnixMilli())

	tr.StartQuestion("q1")
	clock.Advance(2 * time.Second)
	tr.Hide()
	tr.Hide()
	clock.Advance(time.Second)
	tr.StartQuestion("q3")
	assert.Len(t, tr.Logs(), 1)

	clock.Advance(time.Second)
	tr.Show()
	tr.Show()
	logs := tr.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, model.TimeLog{QuestionID: "q3", Entry: base + 4000}, logs[1])
}

func TestQuestionTracker_DropsZeroLengthBrackets(t *testing.T) {
	clock := NewManualClock(t0)
	tr := NewQuestionTracker(clock)
	base := float64(t0.UnixMilli())

	tr.StartQuestion("q1")
	tr.StartQuestion("q2")
	clock.Advance(2 * time.Second)
	tr.Hide()
	tr.Show()
	tr.EndCurrent()

	logs := tr.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, model.TimeLog{QuestionID: "q2", Entry: base, Exit: model.Ms(base + 2000)}, logs[0])
	assert.False(t, Validate(logs).Has(KindMissingLogs, SeverityMedium))
}

func TestQuestionTracker_LogsAreCopies(t *testing.T) {
	clock := NewManualClock(t0)
	tr := NewQuestionTracker(clock)
	tr.StartQuestion("q1")
	clock.Advance(time.Second)
	tr.EndCurrent()

	logs := tr.Logs()
	*logs[0].Exit = 0
	logs[0].QuestionID = "changed"

	fresh := tr.Logs()
	assert.Equal(t, "q1", fresh[0].QuestionID)
	assert.NotZero(t, *fresh[0].Exit)
}

func TestQuestionTracker_RestoreAppends(t *testing.T) {
	clock := NewManualClock(t0)
	tr := NewQuestionTracker(clock)
	saved := []model.TimeLog{
		{QuestionID: "q1", Entry: 100, Exit: model.Ms(4100)},
		{QuestionID: "q2", Entry: 5000},
	}
	tr.Restore(saved)
	saved[0].QuestionID = "mutated"

	tr.StartQuestion("q2")
	logs := tr.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, "q1", logs[0].QuestionID)
	assert.Nil(t, logs[1].Exit)
	assert.Equal(t, "q2", logs[2].QuestionID)
}

func TestCompareFingerprints(t *testing.T) {
	start := Fingerprint{MonotonicMs: 0, WallMs: 1_000_000, Timezone: "WIB", TimezoneOffset: 7 * 3600, Locale: "id_ID.UTF-8", Host: "lab-01"}

	same := start
	same.MonotonicMs = 60_000
	same.WallMs = 1_060_400
	assert.True(t, CompareFingerprints(start, same).Consistent)

	drifted := same
	drifted.WallMs = 1_000_000 + 60_000 - 90_000 // wall clock set back 90s
	cmp := CompareFingerprints(start, drifted)
	assert.False(t, cmp.Consistent)
	assert.Equal(t, []string{"Time discrepancy detected: 90000ms"}, cmp.Differences)

	moved := same
	moved.Timezone = "WITA"
	moved.TimezoneOffset = 8 * 3600
	moved.Locale = "en_US.UTF-8"
	moved.Host = "lab-02"
	cmp = CompareFingerprints(start, moved)
	assert.Len(t, cmp.Differences, 3)
	assert.Contains(t, cmp.Differences, "Timezone changed: WIB -> WITA")
}

func TestEngine_ReportKeepsSignalsSeparate(t *testing.T) {
	clock := NewManualClock(t0)
	e := NewEngine(clock)

	clock.Advance(100 * time.Millisecond)
	e.StartQuestion("q1")
	clock.Advance(300 * time.Millisecond)
	e.Answer("q1", 2)
	clock.Advance(200 * time.Millisecond)
	e.StartQuestion("q2")
	clock.Advance(7 * time.Second)
	e.Hide()
	clock.Advance(3 * time.Second)
	e.Show()
	clock.Advance(4 * time.Second)
	e.Finish()

	r := e.Report()

	// q1 was visited for half a second
	assert.True(t, r.Has(KindUnrealisticGap, SeverityHigh))
	assert.True(t, r.IsSuspicious)
	assert.True(t, r.Monotonicity.Valid)
	assert.True(t, r.Fingerprint.Consistent)
	assert.Equal(t, RecommendationsSuspicious, r.Recommendations)
	assert.Len(t, e.Logs(), 3)

	in := r.Integrity()
	assert.True(t, in.IsSuspicious)
	assert.Equal(t, r.Score, in.Score)
	assert.Equal(t, r.Manipulation.Manipulated, in.Manipulated)
	assert.Equal(t, len(r.Activities), in.Activities)
}

func TestEngine_FirstQuestionIsNotAFastEvent(t *testing.T) {
	e := NewEngine(SystemClock{})
	e.StartQuestion("q1")
	assert.True(t, e.Report().Monotonicity.Valid)

	clock := NewManualClock(t0)
	e = NewEngine(clock)
	e.StartQuestion("q1")
	clock.Advance(4 * time.Second)
	e.Answer("q1", 0)
	r := e.Report()
	assert.True(t, r.Monotonicity.Valid, "issues: %v", r.Monotonicity.Issues)
	assert.Len(t, e.Timer.Marks(), 2)
}

func TestMonotonicTimer_ConcurrentMarksStayOrdered(t *testing.T) {
	timer := NewMonotonicTimer(SystemClock{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				timer.Mark("tick", "", nil)
			}
		}()
	}
	wg.Wait()

	for _, issue := range timer.ValidateMonotonicity().Issues {
		assert.NotEqual(t, IssueNonMonotonic, issue.Issue)
	}
}

func TestEngine_RestoreContinuesLogs(t *testing.T) {
	clock := NewManualClock(t0)
	e := NewEngine(clock)
	e.Restore([]model.TimeLog{{QuestionID: "q1", Entry: 0, Exit: model.Ms(5000)}})
	clock.Advance(time.Second)
	e.StartQuestion("q1")

	logs := e.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, float64(t0.UnixMilli()+1000), logs[1].Entry)
}
