package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-offline/internal/model"
	"github.com/stemsi/exstem-offline/internal/remote"
	"github.com/stemsi/exstem-offline/internal/response"
	"github.com/stemsi/exstem-offline/internal/service"
	"github.com/stemsi/exstem-offline/internal/validator"
)

// TestService is the relay behaviour the handlers need.
type TestService interface {
	Create(ctx context.Context, req model.CreateTestRequest) (*model.PublishedTest, error)
	Fetch(ctx context.Context, code string) (*model.PublishedTest, error)
	Submit(ctx context.Context, req model.SubmitRequest) (*model.StoredSubmission, bool, error)
	ListSubmissions(ctx context.Context, code string) ([]model.StoredSubmission, error)
	Flush(ctx context.Context) (*model.FlushResult, error)
}

// TestHandler handles test publishing, delivery, and submission endpoints.
type TestHandler struct {
	testService TestService
	log         zerolog.Logger
}

// NewTestHandler creates a new TestHandler.
func NewTestHandler(testService TestService, log zerolog.Logger) *TestHandler {
	return &TestHandler{
		testService: testService,
		log:         log.With().Str("component", "test_handler").Logger(),
	}
}

// CreateTest godoc
// POST /api/test/create
// Publishes an encrypted test under a six-digit code.
func (h *TestHandler) CreateTest(c *gin.Context) {
	var req model.CreateTestRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	t, err := h.testService.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusCreated, model.CreateTestResponse{
		Success:   true,
		Message:   "Test created successfully",
		ExpiresAt: t.ExpiresAt.UTC().Format(time.RFC3339),
		TestCode:  t.TestCode,
	})
}

// FetchTest godoc
// GET /api/test/fetch?code=123456
// Returns the encrypted test while it is active.
func (h *TestHandler) FetchTest(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidTestCode)
		return
	}

	t, err := h.testService.Fetch(c.Request.Context(), code)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, model.FetchResponse{
		Success:           true,
		EncryptedTestData: t.EncryptedTestData,
		DurationMinutes:   &t.DurationMinutes,
		AllowCorrections:  &t.AllowCorrections,
		Message:           "Test fetched successfully",
	})
}

// SubmitTest godoc
// POST /api/test/submit
// Stores an encrypted submission. Replays of the same ciphertext are
// acknowledged with the original submission id.
func (h *TestHandler) SubmitTest(c *gin.Context) {
	var req model.SubmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if key := c.GetHeader(remote.HeaderIdempotencyKey); key != "" &&
		key != remote.IdempotencyKey(req.EncryptedSubmissionData) {
		h.log.Warn().
			Str("request_id", response.RequestID(c)).
			Str("test_code", req.TestCode).
			Msg("Idempotency key does not match payload")
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
		return
	}

	sub, dup, err := h.testService.Submit(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	status, msg := http.StatusCreated, "Submission received"
	if dup {
		status, msg = http.StatusOK, "Submission already received"
	}
	response.Success(c, status, model.SubmitResponse{
		Success:      true,
		SubmissionID: sub.ID.String(),
		Duplicate:    dup,
		Message:      msg,
	})
}

// ListSubmissions godoc
// GET /api/admin/tests/:code/submissions
// Lists the stored (still encrypted) submissions of a test.
func (h *TestHandler) ListSubmissions(c *gin.Context) {
	subs, err := h.testService.ListSubmissions(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"success":     true,
		"count":       len(subs),
		"submissions": subs,
	})
}

// Flush godoc
// POST /api/admin/flush
// Deletes expired tests and submissions.
func (h *TestHandler) Flush(c *gin.Context) {
	res, err := h.testService.Flush(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"success":             true,
		"message":             "Expired data flushed",
		"deleted_tests":       res.DeletedTests,
		"deleted_submissions": res.DeletedSubmissions,
	})
}

func (h *TestHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidTestCode):
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidTestCode)
	case errors.Is(err, service.ErrTestNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrTestNotFound)
	case errors.Is(err, service.ErrTestExists):
		response.Fail(c, http.StatusConflict, response.ErrTestExists)
	default:
		h.log.Error().
			Err(err).
			Str("request_id", response.RequestID(c)).
			Str("path", c.FullPath()).
			Msg("Request failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
