package integrity

import (
	"fmt"
	"math"

	"github.com/stemsi/exstem-offline/internal/model"
	"github.com/stemsi/exstem-offline/internal/validator"
)

// ActivityKind classifies a suspicious activity.
type ActivityKind string

const (
	KindTimeTravel      ActivityKind = "time_travel"
	KindUnrealisticGap  ActivityKind = "unrealistic_gap"
	KindMissingLogs     ActivityKind = "missing_logs"
	KindPatternDetected ActivityKind = "pattern_detected"
)

// Severity of a suspicious activity.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var severityWeight = map[Severity]int{
	SeverityHigh:   10,
	SeverityMedium: 5,
	SeverityLow:    2,
}

// Activity is one finding of the validator.
type Activity struct {
	Kind     ActivityKind   `json:"type"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Evidence map[string]any `json:"evidence,omitempty"`
}

// Report is the validator result. Score is 0-100, higher is more suspicious.
type Report struct {
	IsSuspicious bool       `json:"isSuspicious"`
	Activities   []Activity `json:"activities"`
	Score        int        `json:"score"`
}

// Has reports whether any activity of kind and severity is present.
func (r Report) Has(kind ActivityKind, sev Severity) bool {
	for _, a := range r.Activities {
		if a.Kind == kind && a.Severity == sev {
			return true
		}
	}
	return false
}

// Thresholds configures the validator, in seconds. A bracket lasting
// longer than MaxQuestionTime counts as excessive.
type Thresholds struct {
	MinQuestionTime float64
	MaxQuestionTime float64
	MinGap          float64
	MaxGap          float64
	// PatternMinCount is the number of closed brackets needed before the
	// variance check applies.
	PatternMinCount int
	// PatternMaxVariance is the population variance (s²) under which
	// durations count as automated.
	PatternMaxVariance float64
}

// DefaultThresholds are the production limits.
var DefaultThresholds = Thresholds{
	MinQuestionTime:    1,
	MaxQuestionTime:    600,
	MinGap:             0.5,
	MaxGap:             300,
	PatternMinCount:    3,
	PatternMaxVariance: 0.5,
}

// AntiCheatValidator scores a time-log sequence. Findings never fail the
// call; they only accumulate into the report.
type AntiCheatValidator struct {
	cfg Thresholds
}

// NewAntiCheatValidator uses DefaultThresholds.
func NewAntiCheatValidator() *AntiCheatValidator {
	return &AntiCheatValidator{cfg: DefaultThresholds}
}

// NewAntiCheatValidatorWith uses custom thresholds.
func NewAntiCheatValidatorWith(cfg Thresholds) *AntiCheatValidator {
	return &AntiCheatValidator{cfg: cfg}
}

// Validate runs the validator with DefaultThresholds.
func Validate(logs []model.TimeLog) Report {
	return NewAntiCheatValidator().Validate(logs)
}

// Validate checks each bracket, each transition between consecutive
// brackets, and the overall duration pattern.
func (v *AntiCheatValidator) Validate(logs []model.TimeLog) Report {
	var acts []Activity
	acts = v.checkBrackets(acts, logs)
	acts = v.checkTransitions(acts, logs)
	acts = v.checkPatterns(acts, logs)

	if acts == nil {
		acts = []Activity{}
	}
	return Report{
		IsSuspicious: len(acts) > 0,
		Activities:   acts,
		Score:        score(acts),
	}
}

func (v *AntiCheatValidator) checkBrackets(acts []Activity, logs []model.TimeLog) []Activity {
	for i, log := range logs {
		if err := validator.Struct(log); err != nil {
			acts = append(acts, Activity{
				Kind:     KindMissingLogs,
				Severity: SeverityMedium,
				Message:  fmt.Sprintf("Invalid time log for question %d", i+1),
				Evidence: map[string]any{"log": log, "errors": validator.TranslateErrors(err)},
			})
		}

		ms, ok := log.DurationMs()
		if !ok {
			continue
		}
		duration := ms / 1000
		if duration < v.cfg.MinQuestionTime {
			acts = append(acts, Activity{
				Kind:     KindUnrealisticGap,
				Severity: SeverityHigh,
				Message:  fmt.Sprintf("Question %d answered too quickly (%.2fs)", i+1, duration),
				Evidence: map[string]any{"duration": duration, "threshold": v.cfg.MinQuestionTime},
			})
		}
		if duration > v.cfg.MaxQuestionTime {
			acts = append(acts, Activity{
				Kind:     KindUnrealisticGap,
				Severity: SeverityMedium,
				Message:  fmt.Sprintf("Question %d took too long (%.1fmin)", i+1, duration/60),
				Evidence: map[string]any{"duration": duration, "threshold": v.cfg.MaxQuestionTime},
			})
		}
	}
	return acts
}

func (v *AntiCheatValidator) checkTransitions(acts []Activity, logs []model.TimeLog) []Activity {
	for i := 1; i < len(logs); i++ {
		prev := logs[i-1]
		if prev.Exit == nil {
			continue
		}
		gap := (logs[i].Entry - *prev.Exit) / 1000

		if gap < 0 {
			acts = append(acts, Activity{
				Kind:     KindTimeTravel,
				Severity: SeverityHigh,
				Message:  fmt.Sprintf("Time travel detected between questions %d and %d", i, i+1),
				Evidence: map[string]any{"gap": gap},
			})
		}
		if gap < v.cfg.MinGap {
			acts = append(acts, Activity{
				Kind:     KindUnrealisticGap,
				Severity: SeverityMedium,
				Message:  fmt.Sprintf("Unrealistically fast transition between questions %d and %d (%.2fs)", i, i+1, gap),
				Evidence: map[string]any{"gap": gap, "threshold": v.cfg.MinGap},
			})
		}
		if gap > v.cfg.MaxGap {
			acts = append(acts, Activity{
				Kind:     KindUnrealisticGap,
				Severity: SeverityLow,
				Message:  fmt.Sprintf("Suspiciously long gap between questions %d and %d (%.1fmin)", i, i+1, gap/60),
				Evidence: map[string]any{"gap": gap, "threshold": v.cfg.MaxGap},
			})
		}
	}
	return acts
}

func (v *AntiCheatValidator) checkPatterns(acts []Activity, logs []model.TimeLog) []Activity {
	durations := closedDurations(logs)
	if len(durations) >= v.cfg.PatternMinCount {
		mean, variance := meanVariance(durations)
		if variance < v.cfg.PatternMaxVariance {
			acts = append(acts, Activity{
				Kind:     KindPatternDetected,
				Severity: SeverityMedium,
				Message:  "Consistent answer times detected (possible automation)",
				Evidence: map[string]any{"variance": variance, "avgDuration": mean},
			})
		}
	}

	missing := 0
	for _, log := range logs {
		if !log.Closed() {
			missing++
		}
	}
	if missing > 0 {
		acts = append(acts, Activity{
			Kind:     KindMissingLogs,
			Severity: SeverityLow,
			Message:  fmt.Sprintf("Missing time logs for %d questions", missing),
			Evidence: map[string]any{"missingCount": missing},
		})
	}
	return acts
}

func score(acts []Activity) int {
	total := 0
	for _, a := range acts {
		total += severityWeight[a.Severity]
	}
	if total*2 > 100 {
		return 100
	}
	return total * 2
}

// closedDurations returns bracket durations in seconds.
func closedDurations(logs []model.TimeLog) []float64 {
	var out []float64
	for _, log := range logs {
		if ms, ok := log.DurationMs(); ok {
			out = append(out, ms/1000)
		}
	}
	return out
}

// meanVariance returns the mean and population variance of xs.
func meanVariance(xs []float64) (mean, variance float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		variance += math.Pow(x-mean, 2)
	}
	variance /= float64(len(xs))
	return mean, variance
}

// Pattern summarises how time was spent.
type Pattern struct {
	TotalTime      float64   `json:"totalTime"`
	AvgPerQuestion float64   `json:"avgPerQuestion"`
	Consistency    float64   `json:"consistency"` // 0-100, higher is more uniform
	Gaps           []float64 `json:"gaps"`
}

// AnalyzeTimePattern computes totals, the per-bracket average, the gaps
// between brackets and a consistency score (100 minus the coefficient of
// variation in percent, floored at 0).
func AnalyzeTimePattern(logs []model.TimeLog) Pattern {
	durations := closedDurations(logs)

	gaps := []float64{}
	for i := 1; i < len(logs); i++ {
		if logs[i-1].Exit != nil {
			gaps = append(gaps, (logs[i].Entry-*logs[i-1].Exit)/1000)
		}
	}

	var total float64
	for _, d := range durations {
		total += d
	}
	mean, variance := meanVariance(durations)

	consistency := 100.0
	if mean > 0 {
		consistency = math.Max(0, 100-(math.Sqrt(variance)/mean)*100)
	}
	return Pattern{
		TotalTime:      total,
		AvgPerQuestion: mean,
		Consistency:    consistency,
		Gaps:           gaps,
	}
}

// Review recommendations attached to GenerateReport output.
var (
	RecommendationsSuspicious = []string{
		"Review time logs for inconsistencies",
		"Check for potential tab switching",
		"Verify answer patterns",
	}
	RecommendationsClean = []string{"Time logs appear normal"}
)

// FullReport is the validator report plus time pattern and reviewer
// recommendations.
type FullReport struct {
	Report
	Patterns        Pattern  `json:"patterns"`
	Recommendations []string `json:"recommendations"`
}

// GenerateReport validates logs and adds pattern analysis.
func GenerateReport(logs []model.TimeLog) FullReport {
	r := Validate(logs)
	rec := RecommendationsClean
	if r.IsSuspicious {
		rec = RecommendationsSuspicious
	}
	return FullReport{
		Report:          r,
		Patterns:        AnalyzeTimePattern(logs),
		Recommendations: append([]string(nil), rec...),
	}
}
