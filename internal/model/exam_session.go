package model

import (
	"time"
)

// SessionStatus enumerates exam session states.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "ACTIVE"
	SessionStatusSubmitted SessionStatus = "SUBMITTED"
	SessionStatusQueued    SessionStatus = "QUEUED"
	SessionStatusExpired   SessionStatus = "EXPIRED"
	SessionStatusAbandoned SessionStatus = "ABANDONED"
)

// ExamProgress is the autosaved snapshot of a running session. It is
// overwritten wholesale on each save.
type ExamProgress struct {
	SessionID       string    `json:"sessionId"`
	Answers         []int     `json:"answers"`
	CurrentQuestion int       `json:"currentQuestion"`
	TimeLogs        []TimeLog `json:"timeLogs"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// Clone returns a deep copy.
func (p *ExamProgress) Clone() *ExamProgress {
	if p == nil {
		return nil
	}
	out := *p
	if p.Answers != nil {
		out.Answers = append([]int(nil), p.Answers...)
	}
	out.TimeLogs = CloneTimeLogs(p.TimeLogs)
	return &out
}

// PendingSubmission is an encrypted result waiting for delivery. It is
// created when delivery fails and removed only after the remote accepts it.
// A record the worker gives up on keeps its ciphertext and is stamped with
// AbandonedAt until an operator drops it.
type PendingSubmission struct {
	ID            int64      `json:"id"`
	SessionID     string     `json:"sessionId"`
	Ciphertext    string     `json:"ciphertext"`
	TimeLogs      []TimeLog  `json:"timeLogs"`
	StudentName   string     `json:"studentName"`
	Integrity     *Integrity `json:"integrity,omitempty"`
	EnqueuedAt    time.Time  `json:"enqueuedAt"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"nextAttemptAt"`
	LastError     string     `json:"lastError,omitempty"`
	AbandonedAt   time.Time  `json:"abandonedAt"`
}

// Abandoned reports whether redelivery was given up.
func (p *PendingSubmission) Abandoned() bool {
	return !p.AbandonedAt.IsZero()
}

// Envelope rebuilds the wire request for redelivery.
func (p *PendingSubmission) Envelope() SubmitRequest {
	return SubmitRequest{
		TestCode:                p.SessionID,
		EncryptedSubmissionData: p.Ciphertext,
		TimeLogs:                CloneTimeLogs(p.TimeLogs),
		StudentName:             p.StudentName,
		Integrity:               p.Integrity,
	}
}
