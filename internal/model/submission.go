package model

// Submission is the plaintext sealed with the session key on submit.
type Submission struct {
	Answers     []int     `json:"answers" validate:"dive,min=-1"`
	TimeLogs    []TimeLog `json:"timeLogs"`
	SubmittedAt string    `json:"submittedAt" validate:"required"`
	StudentName string    `json:"studentName" validate:"required"`
}

// Integrity is the client-computed temporal integrity summary attached to
// a submission for teacher-side review. It is advisory.
type Integrity struct {
	IsSuspicious bool `json:"isSuspicious"`
	Score        int  `json:"score"`
	Manipulated  bool `json:"manipulated"`
	Activities   int  `json:"activities"`
}

// SubmitRequest is the envelope sent to the remote collaborator.
type SubmitRequest struct {
	TestCode                string     `json:"testCode" binding:"required,len=6,numeric"`
	EncryptedSubmissionData string     `json:"encryptedSubmissionData" binding:"required,base64"`
	TimeLogs                []TimeLog  `json:"timeLogs"`
	StudentName             string     `json:"student_name" binding:"required,max=255"`
	Integrity               *Integrity `json:"integrity,omitempty"`
}

// SubmitResponse is returned by the remote on accepted submissions.
type SubmitResponse struct {
	Success      bool   `json:"success"`
	SubmissionID string `json:"submissionId,omitempty"`
	Duplicate    bool   `json:"duplicate,omitempty"`
	Message      string `json:"message,omitempty"`
}

// FetchResponse is the envelope received when fetching a test.
type FetchResponse struct {
	Success           bool   `json:"success"`
	EncryptedTestData string `json:"encrypted_test_data,omitempty"`
	DurationMinutes   *int   `json:"duration_minutes,omitempty"`
	AllowCorrections  *bool  `json:"allow_corrections,omitempty"`
	Message           string `json:"message,omitempty"`
}

// CreateTestRequest publishes an already encrypted test definition.
type CreateTestRequest struct {
	TestCode          string `json:"testCode" binding:"required,len=6,numeric"`
	EncryptedTestData string `json:"encryptedTestData" binding:"required,base64"`
	DurationMinutes   int    `json:"durationMinutes" binding:"required,min=1,max=240"`
	AllowCorrections  bool   `json:"allowCorrections"`
}

// CreateTestResponse acknowledges a published test.
type CreateTestResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ExpiresAt string `json:"expiresAt"`
	TestCode  string `json:"testCode"`
}
