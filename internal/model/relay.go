package model

import (
	"time"

	"github.com/google/uuid"
)

// PublishedTest is a relay-side test: an opaque encrypted definition
// addressable by its six-digit code until ExpiresAt.
type PublishedTest struct {
	ID                uuid.UUID `json:"id"`
	TestCode          string    `json:"test_code"`
	EncryptedTestData string    `json:"-"`
	DurationMinutes   int       `json:"duration_minutes"`
	AllowCorrections  bool      `json:"allow_corrections"`
	ExpiresAt         time.Time `json:"expires_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// StoredSubmission is an accepted submission as persisted by the relay.
// The ciphertext is never decrypted server-side.
type StoredSubmission struct {
	ID                      uuid.UUID  `json:"id"`
	TestCode                string     `json:"test_code"`
	Digest                  string     `json:"digest"`
	EncryptedSubmissionData string     `json:"encrypted_submission_data"`
	TimeLogs                []TimeLog  `json:"time_logs"`
	StudentName             string     `json:"student_name"`
	Integrity               *Integrity `json:"integrity,omitempty"`
	SubmittedAt             time.Time  `json:"submitted_at"`
	ExpiresAt               time.Time  `json:"expires_at"`
}

// FlushResult reports how many expired rows the relay removed.
type FlushResult struct {
	DeletedTests       int64 `json:"deleted_tests"`
	DeletedSubmissions int64 `json:"deleted_submissions"`
}
