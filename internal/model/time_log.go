package model

// TimeLog is one visit bracket for a question. Entry and Exit are
// milliseconds; when Exit is present it must be greater than Entry.
// A question visited several times has several brackets, in visit order.
type TimeLog struct {
	QuestionID string   `json:"questionId"`
	Entry      float64  `json:"entry"`
	Exit       *float64 `json:"exit,omitempty"`
}

// Closed reports whether the bracket has an exit timestamp.
func (l TimeLog) Closed() bool {
	return l.Exit != nil
}

// DurationMs returns exit-entry, or false for an open bracket.
func (l TimeLog) DurationMs() (float64, bool) {
	if l.Exit == nil {
		return 0, false
	}
	return *l.Exit - l.Entry, true
}

// CloneTimeLogs deep-copies logs so callers never share Exit pointers.
func CloneTimeLogs(logs []TimeLog) []TimeLog {
	if logs == nil {
		return nil
	}
	out := make([]TimeLog, len(logs))
	for i, l := range logs {
		out[i] = l
		if l.Exit != nil {
			exit := *l.Exit
			out[i].Exit = &exit
		}
	}
	return out
}

// Ms is a small helper for building Exit pointers.
func Ms(v float64) *float64 {
	return &v
}
