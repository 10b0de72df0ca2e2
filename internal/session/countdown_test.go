package session

import (
	"testing"
	"time"

	"github.com/stemsi/exstem-offline/internal/integrity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hookLog struct {
	fired []string
	ticks int
}

func (h *hookLog) hooks() CountdownHooks {
	return CountdownHooks{
		OnTick:     func(time.Duration) { h.ticks++ },
		OnWarning:  func() { h.fired = append(h.fired, "warning") },
		OnCritical: func() { h.fired = append(h.fired, "critical") },
		OnExpire:   func() { h.fired = append(h.fired, "expire") },
	}
}

func newTestCountdown(total time.Duration) (*Countdown, *integrity.ManualClock, *hookLog) {
	clock := integrity.NewManualClock(time.UnixMilli(1_700_000_000_000))
	c := NewCountdown(total, clock)
	h := &hookLog{}
	c.SetHooks(h.hooks())
	return c, clock, h
}

func TestCountdown_ThresholdsFireOnceInOrder(t *testing.T) {
	c, clock, h := newTestCountdown(6 * time.Minute)
	c.Start()

	clock.Advance(30 * time.Second)
	st := c.Tick()
	assert.Equal(t, LevelNormal, st.Level)
	assert.Empty(t, h.fired)

	clock.Advance(31 * time.Second)
	st = c.Tick()
	assert.Equal(t, LevelWarning, st.Level)
	assert.Equal(t, 299, st.Seconds)

	clock.Advance(4 * time.Minute)
	c.Tick()
	st = c.Tick()
	assert.Equal(t, LevelCritical, st.Level)
	assert.Equal(t, []string{"warning", "critical"}, h.fired)

	clock.Advance(time.Hour)
	st = c.Tick()
	assert.True(t, st.Expired)
	assert.False(t, st.Running)
	assert.Zero(t, st.Remaining)
	assert.Equal(t, "0:00", st.Formatted)
	assert.InDelta(t, 100, st.Progress, 0.001)

	c.Tick()
	assert.Equal(t, []string{"warning", "critical", "expire"}, h.fired)
	assert.Equal(t, 5, h.ticks)
}

func TestCountdown_PauseFreezesRemaining(t *testing.T) {
	c, clock, _ := newTestCountdown(10 * time.Minute)
	c.Start()
	clock.Advance(time.Minute)
	c.Pause()

	clock.Advance(time.Hour)
	st := c.Tick()
	assert.Equal(t, 9*time.Minute, st.Remaining)
	assert.True(t, st.Paused)
	assert.False(t, st.Expired)

	c.Resume()
	clock.Advance(30 * time.Second)
	assert.Equal(t, 8*time.Minute+30*time.Second, c.Remaining())
	assert.False(t, c.Status().Paused)
}

func TestCountdown_AddTimeRearmsWarning(t *testing.T) {
	c, clock, h := newTestCountdown(4 * time.Minute)
	c.Start()
	c.Tick()
	require.Equal(t, []string{"warning"}, h.fired)

	c.AddTime(10 * time.Minute)
	assert.Equal(t, 14*time.Minute, c.Status().Total)
	assert.Equal(t, 14*time.Minute, c.Remaining())

	clock.Advance(10 * time.Minute)
	c.Tick()
	assert.Equal(t, []string{"warning", "warning"}, h.fired)
}

func TestCountdown_SubtractTimeClampsAndExpires(t *testing.T) {
	c, _, h := newTestCountdown(2 * time.Minute)
	c.Start()
	c.SubtractTime(time.Hour)
	assert.Zero(t, c.Remaining())
	assert.Zero(t, c.Status().Total)

	st := c.Tick()
	assert.True(t, st.Expired)
	assert.Contains(t, h.fired, "expire")
}

func TestCountdown_StopSilencesHooks(t *testing.T) {
	c, clock, h := newTestCountdown(time.Minute)
	c.Start()
	c.Stop()
	clock.Advance(time.Hour)

	st := c.Tick()
	assert.False(t, st.Expired)
	assert.Empty(t, h.fired)
	assert.Zero(t, h.ticks)

	c.Start()
	c.Resume()
	assert.False(t, c.Status().Running)
}

func TestFormatClock(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00"},
		{-time.Second, "0:00"},
		{59*time.Second + 200*time.Millisecond, "1:00"},
		{125 * time.Second, "2:05"},
		{time.Hour + 61*time.Second, "1:01:01"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatClock(tc.d), tc.d.String())
	}
}
