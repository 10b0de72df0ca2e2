package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-offline/internal/config"
	"github.com/stemsi/exstem-offline/internal/cryptobox"
	"github.com/stemsi/exstem-offline/internal/model"
	"github.com/stemsi/exstem-offline/internal/remote"
	"github.com/stemsi/exstem-offline/internal/repository"
)

// Domain Errors
var (
	ErrTestNotFound    = errors.New("test not found or expired")
	ErrTestExists      = errors.New("test code already in use")
	ErrInvalidTestCode = errors.New("test code must be 6 digits")
)

// TestStore persists published tests.
type TestStore interface {
	Create(ctx context.Context, t *model.PublishedTest) error
	GetActiveByCode(ctx context.Context, code string) (*model.PublishedTest, error)
	GetByCode(ctx context.Context, code string) (*model.PublishedTest, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// SubmissionStore persists accepted submissions.
type SubmissionStore interface {
	Create(ctx context.Context, s *model.StoredSubmission) error
	ListByTest(ctx context.Context, code string) ([]model.StoredSubmission, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// TestService handles publishing, fetching, and submitting tests. The relay
// only ever sees ciphertext; it never holds a session code.
type TestService struct {
	tests     TestStore
	subs      SubmissionStore
	rdb       *redis.Client
	grace     time.Duration
	retention time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewTestService creates a new TestService. rdb may be nil, in which case
// every fetch and duplicate check goes to the database.
func NewTestService(tests TestStore, subs SubmissionStore, rdb *redis.Client, cfg *config.Config, log zerolog.Logger) *TestService {
	return &TestService{
		tests:     tests,
		subs:      subs,
		rdb:       rdb,
		grace:     cfg.TestGrace,
		retention: cfg.SubmissionRetention,
		now:       time.Now,
		log:       log.With().Str("component", "test_service").Logger(),
	}
}

// cachedMeta is stored next to the payload so a cache hit needs no query.
type cachedMeta struct {
	DurationMinutes  int       `json:"duration_minutes"`
	AllowCorrections bool      `json:"allow_corrections"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// ────────────────────────────────────────────────────────────────────────────
// Publish / fetch
// ────────────────────────────────────────────────────────────────────────────

// Create publishes an encrypted test. It expires duration + grace from now.
func (s *TestService) Create(ctx context.Context, req model.CreateTestRequest) (*model.PublishedTest, error) {
	if err := cryptobox.ValidateCode(req.TestCode); err != nil {
		return nil, ErrInvalidTestCode
	}

	t := &model.PublishedTest{
		TestCode:          req.TestCode,
		EncryptedTestData: req.EncryptedTestData,
		DurationMinutes:   req.DurationMinutes,
		AllowCorrections:  req.AllowCorrections,
		ExpiresAt:         s.now().UTC().Add(time.Duration(req.DurationMinutes)*time.Minute + s.grace),
	}
	if err := s.tests.Create(ctx, t); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrTestExists
		}
		return nil, fmt.Errorf("create test: %w", err)
	}

	if err := s.warm(ctx, t); err != nil {
		s.log.Warn().Err(err).Str("test_code", t.TestCode).Msg("Failed to warm test cache")
	}

	s.log.Info().
		Str("test_code", t.TestCode).
		Int("duration_minutes", t.DurationMinutes).
		Time("expires_at", t.ExpiresAt).
		Msg("Test published")
	return t, nil
}

// Fetch returns an active test, from cache when possible.
func (s *TestService) Fetch(ctx context.Context, code string) (*model.PublishedTest, error) {
	if err := cryptobox.ValidateCode(code); err != nil {
		return nil, ErrInvalidTestCode
	}

	if t, err := s.cached(ctx, code); err != nil {
		s.log.Warn().Err(err).Str("test_code", code).Msg("Test cache read failed")
	} else if t != nil {
		return t, nil
	}

	t, err := s.tests.GetActiveByCode(ctx, code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("get test: %w", err)
	}

	if err := s.warm(ctx, t); err != nil {
		s.log.Warn().Err(err).Str("test_code", code).Msg("Failed to warm test cache")
	}
	return t, nil
}

// warm caches the payload and its metadata until the test expires.
func (s *TestService) warm(ctx context.Context, t *model.PublishedTest) error {
	if s.rdb == nil {
		return nil
	}
	ttl := t.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	meta, err := json.Marshal(cachedMeta{
		DurationMinutes:  t.DurationMinutes,
		AllowCorrections: t.AllowCorrections,
		ExpiresAt:        t.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, config.CacheKey.TestPayloadKey(t.TestCode), t.EncryptedTestData, ttl)
	pipe.Set(ctx, config.CacheKey.TestMetaKey(t.TestCode), meta, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache to redis: %w", err)
	}
	return nil
}

// cached returns (nil, nil) on a miss.
func (s *TestService) cached(ctx context.Context, code string) (*model.PublishedTest, error) {
	if s.rdb == nil {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	payloadCmd := pipe.Get(ctx, config.CacheKey.TestPayloadKey(code))
	metaCmd := pipe.Get(ctx, config.CacheKey.TestMetaKey(code))
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache: %w", err)
	}

	var meta cachedMeta
	if err := json.Unmarshal([]byte(metaCmd.Val()), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	if !meta.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	return &model.PublishedTest{
		TestCode:          code,
		EncryptedTestData: payloadCmd.Val(),
		DurationMinutes:   meta.DurationMinutes,
		AllowCorrections:  meta.AllowCorrections,
		ExpiresAt:         meta.ExpiresAt,
	}, nil
}

// ────────────────────────────────────────────────────────────────────────────
// Submissions
// ────────────────────────────────────────────────────────────────────────────

// Submit stores an encrypted submission once per ciphertext. Replays of the
// same ciphertext report the original submission as a duplicate. A test
// that has expired but not yet been flushed still accepts submissions, so
// offline students can deliver late.
func (s *TestService) Submit(ctx context.Context, req model.SubmitRequest) (*model.StoredSubmission, bool, error) {
	if err := cryptobox.ValidateCode(req.TestCode); err != nil {
		return nil, false, ErrInvalidTestCode
	}
	digest := remote.IdempotencyKey(req.EncryptedSubmissionData)
	key := config.CacheKey.SubmissionDigestKey(req.TestCode, digest)

	if s.rdb != nil {
		id, err := s.rdb.Get(ctx, key).Result()
		switch {
		case err == nil:
			s.log.Debug().Str("test_code", req.TestCode).Str("submission_id", id).Msg("Duplicate submission (cache)")
			return s.duplicate(id, req, digest), true, nil
		case !errors.Is(err, redis.Nil):
			s.log.Warn().Err(err).Msg("Submission digest lookup failed")
		}
	}

	t, err := s.tests.GetByCode(ctx, req.TestCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrTestNotFound
		}
		return nil, false, fmt.Errorf("get test: %w", err)
	}

	sub := &model.StoredSubmission{
		TestCode:                req.TestCode,
		Digest:                  digest,
		EncryptedSubmissionData: req.EncryptedSubmissionData,
		TimeLogs:                req.TimeLogs,
		StudentName:             req.StudentName,
		Integrity:               req.Integrity,
		ExpiresAt:               later(t.ExpiresAt, s.now().UTC()).Add(s.retention),
	}
	dup := false
	if err := s.subs.Create(ctx, sub); err != nil {
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, false, fmt.Errorf("store submission: %w", err)
		}
		dup = true
	}

	if s.rdb != nil {
		ttl := sub.ExpiresAt.Sub(s.now())
		if err := s.rdb.Set(ctx, key, sub.ID.String(), ttl).Err(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to cache submission digest")
		}
	}

	s.log.Info().
		Str("test_code", sub.TestCode).
		Str("submission_id", sub.ID.String()).
		Bool("duplicate", dup).
		Bool("suspicious", sub.Integrity != nil && sub.Integrity.IsSuspicious).
		Msg("Submission accepted")
	return sub, dup, nil
}

func (s *TestService) duplicate(id string, req model.SubmitRequest, digest string) *model.StoredSubmission {
	sub := &model.StoredSubmission{TestCode: req.TestCode, Digest: digest, StudentName: req.StudentName}
	if parsed, err := uuid.Parse(id); err == nil {
		sub.ID = parsed
	}
	return sub
}

// ListSubmissions returns every stored submission of a test.
func (s *TestService) ListSubmissions(ctx context.Context, code string) ([]model.StoredSubmission, error) {
	if err := cryptobox.ValidateCode(code); err != nil {
		return nil, ErrInvalidTestCode
	}
	subs, err := s.subs.ListByTest(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	if subs == nil {
		subs = []model.StoredSubmission{}
	}
	return subs, nil
}

// Flush deletes expired tests and submissions.
func (s *TestService) Flush(ctx context.Context) (*model.FlushResult, error) {
	tests, err := s.tests.DeleteExpired(ctx)
	if err != nil {
		return nil, fmt.Errorf("delete expired tests: %w", err)
	}
	subs, err := s.subs.DeleteExpired(ctx)
	if err != nil {
		return nil, fmt.Errorf("delete expired submissions: %w", err)
	}

	s.log.Info().
		Int64("tests", tests).
		Int64("submissions", subs).
		Msg("Expired data flushed")
	return &model.FlushResult{DeletedTests: tests, DeletedSubmissions: subs}, nil
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
