package integrity

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"time"
)

// MaxClockDiscrepancyMs is the allowed difference between monotonic and
// wall-clock elapsed time across two fingerprints.
const MaxClockDiscrepancyMs = 1000

// Fingerprint captures the environment and both clocks at one instant.
type Fingerprint struct {
	MonotonicMs    float64 `json:"monotonicMs"`
	WallMs         int64   `json:"wallMs"`
	TimezoneOffset int     `json:"timezoneOffset"` // seconds east of UTC
	Timezone       string  `json:"timezone"`
	Locale         string  `json:"locale"`
	Host           string  `json:"host"`
}

// FingerprintComparison lists what changed between two fingerprints.
type FingerprintComparison struct {
	Consistent  bool     `json:"consistent"`
	Differences []string `json:"differences"`
}

// TakeFingerprint samples clock relative to anchor. With the system clock,
// MonotonicMs follows the monotonic reading and WallMs the wall clock, so
// a wall-clock change between two samples shows up as a discrepancy.
func TakeFingerprint(clock Clock, anchor time.Time) Fingerprint {
	now := clock.Now()
	zone, offset := now.Zone()
	return Fingerprint{
		MonotonicMs:    toMs(now.Sub(anchor)),
		WallMs:         now.UnixMilli(),
		TimezoneOffset: offset,
		Timezone:       zone,
		Locale:         locale(),
		Host:           host(),
	}
}

func locale() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func host() string {
	name, _ := os.Hostname()
	return fmt.Sprintf("%s (%s/%s)", name, runtime.GOOS, runtime.GOARCH)
}

// CompareFingerprints flags environment changes and a drift between
// monotonic and wall elapsed time of more than MaxClockDiscrepancyMs.
func CompareFingerprints(start, end Fingerprint) FingerprintComparison {
	diffs := []string{}

	if start.Timezone != end.Timezone || start.TimezoneOffset != end.TimezoneOffset {
		diffs = append(diffs, fmt.Sprintf("Timezone changed: %s -> %s", start.Timezone, end.Timezone))
	}
	if start.Locale != end.Locale {
		diffs = append(diffs, fmt.Sprintf("Locale changed: %s -> %s", start.Locale, end.Locale))
	}
	if start.Host != end.Host {
		diffs = append(diffs, "Host changed")
	}

	expected := end.MonotonicMs - start.MonotonicMs
	actual := float64(end.WallMs - start.WallMs)
	if d := math.Abs(expected - actual); d > MaxClockDiscrepancyMs {
		diffs = append(diffs, fmt.Sprintf("Time discrepancy detected: %.0fms", d))
	}

	return FingerprintComparison{Consistent: len(diffs) == 0, Differences: diffs}
}
