package service

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-offline/internal/config"
	"github.com/stemsi/exstem-offline/internal/model"
	"github.com/stemsi/exstem-offline/internal/remote"
	"github.com/stemsi/exstem-offline/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTests and memSubs mirror the SQL semantics of the pgx repositories.
type memTests struct {
	mu    sync.Mutex
	now   func() time.Time
	byKey map[string]model.PublishedTest
}

func (m *memTests) Create(_ context.Context, t *model.PublishedTest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[t.TestCode]; ok {
		return repository.ErrDuplicate
	}
	t.ID = uuid.New()
	t.CreatedAt = m.now()
	m.byKey[t.TestCode] = *t
	return nil
}

func (m *memTests) GetActiveByCode(ctx context.Context, code string) (*model.PublishedTest, error) {
	t, err := m.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !t.ExpiresAt.After(m.now()) {
		return nil, pgx.ErrNoRows
	}
	return t, nil
}

func (m *memTests) GetByCode(_ context.Context, code string) (*model.PublishedTest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byKey[code]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &t, nil
}

func (m *memTests) DeleteExpired(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, t := range m.byKey {
		if t.ExpiresAt.Before(m.now()) {
			delete(m.byKey, k)
			n++
		}
	}
	return n, nil
}

type memSubs struct {
	mu   sync.Mutex
	now  func() time.Time
	rows []model.StoredSubmission
}

func (m *memSubs) Create(_ context.Context, s *model.StoredSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.TestCode == s.TestCode && r.Digest == s.Digest {
			s.ID, s.SubmittedAt = r.ID, r.SubmittedAt
			return repository.ErrDuplicate
		}
	}
	s.ID = uuid.New()
	s.SubmittedAt = m.now()
	m.rows = append(m.rows, *s)
	return nil
}

func (m *memSubs) ListByTest(_ context.Context, code string) ([]model.StoredSubmission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.StoredSubmission
	for _, r := range m.rows {
		if r.TestCode == code {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memSubs) DeleteExpired(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	var n int64
	for _, r := range m.rows {
		if r.ExpiresAt.Before(m.now()) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.rows = kept
	return n, nil
}

type serviceFixture struct {
	now   time.Time
	tests *memTests
	subs  *memSubs
	svc   *TestService
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.tests = &memTests{now: clock, byKey: map[string]model.PublishedTest{}}
	f.subs = &memSubs{now: clock}
	cfg := &config.Config{TestGrace: 10 * time.Minute, SubmissionRetention: 24 * time.Hour}
	f.svc = NewTestService(f.tests, f.subs, nil, cfg, zerolog.Nop())
	f.svc.now = clock
	return f
}

func blob(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestService_CreateSetsExpiryAndRejectsDuplicate(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	created, err := f.svc.Create(ctx, model.CreateTestRequest{
		TestCode: "123456", EncryptedTestData: blob("exam"), DurationMinutes: 60, AllowCorrections: true,
	})
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(70*time.Minute), created.ExpiresAt)
	assert.NotEqual(t, uuid.Nil, created.ID)

	_, err = f.svc.Create(ctx, model.CreateTestRequest{
		TestCode: "123456", EncryptedTestData: blob("other"), DurationMinutes: 30,
	})
	assert.ErrorIs(t, err, ErrTestExists)

	got, err := f.svc.Fetch(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, blob("exam"), got.EncryptedTestData)
	assert.Equal(t, 60, got.DurationMinutes)
	assert.True(t, got.AllowCorrections)
}

func TestService_FetchExpiredIsNotFound(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	_, err := f.svc.Create(ctx, model.CreateTestRequest{TestCode: "654321", EncryptedTestData: blob("x"), DurationMinutes: 5})
	require.NoError(t, err)

	f.now = f.now.Add(15 * time.Minute)
	_, err = f.svc.Fetch(ctx, "654321")
	assert.ErrorIs(t, err, ErrTestNotFound)

	_, err = f.svc.Fetch(ctx, "000000")
	assert.ErrorIs(t, err, ErrTestNotFound)

	_, err = f.svc.Fetch(ctx, "12ab56")
	assert.ErrorIs(t, err, ErrInvalidTestCode)
}

func TestService_SubmitIsIdempotentPerCiphertext(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	_, err := f.svc.Create(ctx, model.CreateTestRequest{TestCode: "111111", EncryptedTestData: blob("x"), DurationMinutes: 30})
	require.NoError(t, err)

	req := model.SubmitRequest{
		TestCode:                "111111",
		EncryptedSubmissionData: blob("answers"),
		StudentName:             "Sari",
		Integrity:               &model.Integrity{IsSuspicious: true, Score: 4},
	}
	first, dup, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, remote.IdempotencyKey(req.EncryptedSubmissionData), first.Digest)
	assert.Equal(t, f.now.Add(40*time.Minute+24*time.Hour), first.ExpiresAt)

	again, dup, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, again.ID)

	req.EncryptedSubmissionData = blob("different answers")
	_, dup, err = f.svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.False(t, dup)

	subs, err := f.svc.ListSubmissions(ctx, "111111")
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestService_LateSubmissionAcceptedUntilFlush(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	_, err := f.svc.Create(ctx, model.CreateTestRequest{TestCode: "222222", EncryptedTestData: blob("x"), DurationMinutes: 10})
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	req := model.SubmitRequest{TestCode: "222222", EncryptedSubmissionData: blob("late"), StudentName: "Budi"}
	sub, _, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(24*time.Hour), sub.ExpiresAt)

	res, err := f.svc.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.DeletedTests)
	assert.Zero(t, res.DeletedSubmissions)

	req.EncryptedSubmissionData = blob("later still")
	_, _, err = f.svc.Submit(ctx, req)
	assert.ErrorIs(t, err, ErrTestNotFound)

	f.now = f.now.Add(25 * time.Hour)
	res, err = f.svc.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.DeletedSubmissions)

	subs, err := f.svc.ListSubmissions(ctx, "222222")
	require.NoError(t, err)
	assert.Empty(t, subs)
	assert.NotNil(t, subs)
}
