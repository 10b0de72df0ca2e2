package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-offline/internal/config"
	"github.com/stemsi/exstem-offline/internal/handler"
	"github.com/stemsi/exstem-offline/internal/middleware"
	"github.com/stemsi/exstem-offline/internal/model"
	"github.com/stemsi/exstem-offline/internal/service"
	"github.com/stretchr/testify/assert"
)

type stubService struct{ flushed int }

func (s *stubService) Create(context.Context, model.CreateTestRequest) (*model.PublishedTest, error) {
	return nil, service.ErrTestExists
}

func (s *stubService) Fetch(context.Context, string) (*model.PublishedTest, error) {
	return &model.PublishedTest{TestCode: "123456", EncryptedTestData: "YQ==", DurationMinutes: 30}, nil
}

func (s *stubService) Submit(context.Context, model.SubmitRequest) (*model.StoredSubmission, bool, error) {
	return nil, false, service.ErrTestNotFound
}

func (s *stubService) ListSubmissions(context.Context, string) ([]model.StoredSubmission, error) {
	return []model.StoredSubmission{}, nil
}

func (s *stubService) Flush(context.Context) (*model.FlushResult, error) {
	s.flushed++
	return &model.FlushResult{}, nil
}

func newRouter(svc *stubService, limiter *middleware.RateLimiter) *gin.Engine {
	cfg := &config.Config{GinMode: gin.TestMode, AdminToken: "admin-token"}
	return SetupRouter(&Handlers{
		Test:   handler.NewTestHandler(svc, zerolog.Nop()),
		System: handler.NewSystemHandler(func(context.Context) error { return nil }, nil, zerolog.Nop()),
	}, limiter, cfg)
}

func request(r *gin.Engine, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter_AdminRoutesRequireToken(t *testing.T) {
	svc := &stubService{}
	r := newRouter(svc, nil)

	w := request(r, http.MethodPost, "/api/admin/flush", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Zero(t, svc.flushed)

	w = request(r, http.MethodPost, "/api/admin/flush", http.Header{"Authorization": {"Bearer admin-token"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, svc.flushed)
}

func TestRouter_PublicRoutes(t *testing.T) {
	r := newRouter(&stubService{}, nil)

	w := request(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = request(r, http.MethodGet, "/api/test/fetch?code=123456", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "private, max-age=300", w.Header().Get("Cache-Control"))
}

func TestRouter_CORSAllowsIdempotencyKey(t *testing.T) {
	r := newRouter(&stubService{}, nil)
	w := request(r, http.MethodOptions, "/api/test/submit", http.Header{
		"Origin":                         {"http://lab.local"},
		"Access-Control-Request-Method":  {"POST"},
		"Access-Control-Request-Headers": {"Content-Type, Idempotency-Key"},
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
}

func TestRouter_RateLimitsTestGroupOnly(t *testing.T) {
	r := newRouter(&stubService{}, middleware.NewRateLimiter(1, time.Hour))

	assert.Equal(t, http.StatusOK, request(r, http.MethodGet, "/api/test/fetch?code=123456", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, request(r, http.MethodGet, "/api/test/fetch?code=123456", nil).Code)
	assert.Equal(t, http.StatusOK, request(r, http.MethodGet, "/health", nil).Code)
}
