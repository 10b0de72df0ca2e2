package integrity

import "fmt"

// Manipulation is the clock-tampering verdict for a timestamp sequence.
// It is independent of Report.IsSuspicious.
type Manipulation struct {
	Manipulated bool     `json:"manipulated"`
	Confidence  int      `json:"confidence"`
	Evidence    []string `json:"evidence"`
}

// ManipulationThreshold is the confidence above which a sequence counts
// as manipulated.
const ManipulationThreshold = 50

// DetectTimeManipulation looks for backwards steps (+30 each), uniform
// spacing over three or more timestamps (+40), and jumps longer than three
// times the mean interval (+25 each). Confidence is capped at 100.
func DetectTimeManipulation(timestamps []float64) Manipulation {
	evidence := []string{}
	confidence := 0

	for i := 1; i < len(timestamps); i++ {
		if timestamps[i] < timestamps[i-1] {
			evidence = append(evidence, fmt.Sprintf("Non-monotonic time at position %d", i))
			confidence += 30
		}
	}

	if len(timestamps) >= 3 {
		intervals := make([]float64, 0, len(timestamps)-1)
		for i := 1; i < len(timestamps); i++ {
			intervals = append(intervals, timestamps[i]-timestamps[i-1])
		}
		if _, variance := meanVariance(intervals); variance < 10 {
			evidence = append(evidence, "Highly consistent time intervals detected")
			confidence += 40
		}
	}

	if len(timestamps) >= 2 {
		total := timestamps[len(timestamps)-1] - timestamps[0]
		expected := total / float64(len(timestamps)-1)
		for i := 1; i < len(timestamps); i++ {
			actual := timestamps[i] - timestamps[i-1]
			if actual > expected*3 {
				evidence = append(evidence, fmt.Sprintf("Suspicious jump at position %d (%.0fms)", i, actual))
				confidence += 25
			}
		}
	}

	if confidence > 100 {
		confidence = 100
	}
	return Manipulation{
		Manipulated: confidence > ManipulationThreshold,
		Confidence:  confidence,
		Evidence:    evidence,
	}
}
