package model

import (
	"encoding/json"
	"time"
)

// Unanswered marks a question with no selected option.
const Unanswered = -1

// QuestionType enumerates how question text is rendered.
type QuestionType string

const (
	QuestionTypeText QuestionType = "text"
	QuestionTypeMath QuestionType = "math"
)

// Question is one multiple-choice item of a test definition.
type Question struct {
	ID            string       `json:"id" validate:"required"`
	Text          string       `json:"text" validate:"required"`
	Options       []string     `json:"options" validate:"min=2"`
	CorrectAnswer *int         `json:"correctAnswer,omitempty" validate:"omitempty,min=0"`
	Type          QuestionType `json:"type,omitempty" validate:"omitempty,oneof=text math"`
}

// ExamDefinition is the decrypted test payload a session works from.
type ExamDefinition struct {
	Questions        []Question      `json:"questions" validate:"required,min=1,max=100,dive"`
	Duration         int             `json:"duration" validate:"min=1,max=240"`
	CreatedAt        string          `json:"createdAt,omitempty"`
	AllowCorrections bool            `json:"allowCorrections"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

// DurationTime returns the exam length as a time.Duration.
func (e *ExamDefinition) DurationTime() time.Duration {
	return time.Duration(e.Duration) * time.Minute
}

// CachedExam is a read-only snapshot of a fetched test, kept so a session
// can start while offline. Payload is the still-encrypted blob; it is
// never served once ExpiresAt has passed.
type CachedExam struct {
	SessionID string    `json:"sessionId"`
	Payload   string    `json:"payload"`
	ExpiresAt time.Time `json:"expiresAt"`
	CachedAt  time.Time `json:"cachedAt"`
}

// Expired reports whether the entry must no longer be served at now.
func (c *CachedExam) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
