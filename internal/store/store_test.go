package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stemsi/exstem-offline/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type factory struct {
	name string
	open func(t *testing.T) Store
}

func factories() []factory {
	return []factory{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func sampleProgress(id string) *model.ExamProgress {
	return &model.ExamProgress{
		SessionID:       id,
		Answers:         []int{2, -1, 0},
		CurrentQuestion: 1,
		TimeLogs: []model.TimeLog{
			{QuestionID: "q1", Entry: 1000, Exit: model.Ms(4000)},
			{QuestionID: "q2", Entry: 4100},
		},
		LastUpdated: time.UnixMilli(1_700_000_000_123),
	}
}

func TestProgress_PutGetOverwriteDelete(t *testing.T) {
	ctx := context.Background()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)

			_, err := s.Progress().Get(ctx, "482913")
			assert.ErrorIs(t, err, ErrNotFound)

			p := sampleProgress("482913")
			require.NoError(t, s.Progress().Put(ctx, p))

			got, err := s.Progress().Get(ctx, "482913")
			require.NoError(t, err)
			assert.Equal(t, p.Answers, got.Answers)
			assert.Equal(t, p.CurrentQuestion, got.CurrentQuestion)
			assert.Equal(t, p.TimeLogs, got.TimeLogs)
			assert.Equal(t, p.LastUpdated.UnixMilli(), got.LastUpdated.UnixMilli())

			// last write wins
			p.Answers[1] = 3
			p.CurrentQuestion = 2
			require.NoError(t, s.Progress().Put(ctx, p))
			got, err = s.Progress().Get(ctx, "482913")
			require.NoError(t, err)
			assert.Equal(t, []int{2, 3, 0}, got.Answers)
			assert.Equal(t, 2, got.CurrentQuestion)

			require.NoError(t, s.Progress().Delete(ctx, "482913"))
			_, err = s.Progress().Get(ctx, "482913")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestProgress_ReturnedCopyIsIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	p := sampleProgress("111111")
	require.NoError(t, s.Progress().Put(ctx, p))

	p.Answers[0] = 9
	*p.TimeLogs[0].Exit = 1

	got, err := s.Progress().Get(ctx, "111111")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Answers[0])
	assert.Equal(t, 4000.0, *got.TimeLogs[0].Exit)
}

func TestPending_FIFOAndUpdate(t *testing.T) {
	ctx := context.Background()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			now := time.UnixMilli(1_700_000_000_000)

			var ids []int64
			for i, code := range []string{"100001", "100002", "100003"} {
				rec := &model.PendingSubmission{
					SessionID:   code,
					Ciphertext:  "blob-" + code,
					TimeLogs:    []model.TimeLog{{QuestionID: "q1", Entry: 0, Exit: model.Ms(2500)}},
					StudentName: "Budi",
					EnqueuedAt:  now.Add(time.Duration(i) * time.Second),
				}
				if i == 1 {
					rec.Integrity = &model.Integrity{IsSuspicious: true, Score: 20, Activities: 2}
				}
				id, err := s.Pending().Enqueue(ctx, rec)
				require.NoError(t, err)
				assert.Equal(t, id, rec.ID)
				ids = append(ids, id)
			}
			assert.Less(t, ids[0], ids[1])
			assert.Less(t, ids[1], ids[2])

			n, err := s.Pending().Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			list, err := s.Pending().List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, "100001", list[0].SessionID)
			assert.Equal(t, "100003", list[2].SessionID)
			assert.Nil(t, list[0].Integrity)
			require.NotNil(t, list[1].Integrity)
			assert.Equal(t, 20, list[1].Integrity.Score)

			rec := list[0]
			rec.Attempts = 2
			rec.LastError = "connection refused"
			rec.NextAttemptAt = now.Add(4 * time.Second)
			require.NoError(t, s.Pending().Update(ctx, rec))

			got, err := s.Pending().Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, got.Attempts)
			assert.Equal(t, "connection refused", got.LastError)
			assert.Equal(t, rec.NextAttemptAt.UnixMilli(), got.NextAttemptAt.UnixMilli())
			assert.Equal(t, "blob-100001", got.Ciphertext)
			assert.False(t, got.Abandoned())

			got.AbandonedAt = now.Add(time.Minute)
			require.NoError(t, s.Pending().Update(ctx, got))
			got, err = s.Pending().Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.True(t, got.Abandoned())
			assert.Equal(t, now.Add(time.Minute).UnixMilli(), got.AbandonedAt.UnixMilli())
			n, err = s.Pending().Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n, "abandoned records are not counted")

			require.NoError(t, s.Pending().Delete(ctx, ids[1]))
			list, err = s.Pending().List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, []string{"100001", "100003"}, []string{list[0].SessionID, list[1].SessionID})

			_, err = s.Pending().Get(ctx, ids[1])
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.Pending().Update(ctx, &model.PendingSubmission{ID: ids[1]}), ErrNotFound)
		})
	}
}

func TestCache_NeverServesExpired(t *testing.T) {
	ctx := context.Background()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			now := time.UnixMilli(1_700_000_000_000)

			require.NoError(t, s.Cache().Put(ctx, &model.CachedExam{
				SessionID: "482913",
				Payload:   "opaque",
				ExpiresAt: now.Add(time.Hour),
				CachedAt:  now,
			}))

			got, err := s.Cache().Get(ctx, "482913", now)
			require.NoError(t, err)
			assert.Equal(t, "opaque", got.Payload)

			_, err = s.Cache().Get(ctx, "482913", now.Add(time.Hour))
			assert.ErrorIs(t, err, ErrNotFound, "expiry instant is already expired")

			_, err = s.Cache().Get(ctx, "482913", now.Add(2*time.Hour))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCache_PurgeExpiredRange(t *testing.T) {
	ctx := context.Background()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			now := time.UnixMilli(1_700_000_000_000)

			for i, code := range []string{"100001", "100002", "100003", "100004"} {
				require.NoError(t, s.Cache().Put(ctx, &model.CachedExam{
					SessionID: code,
					Payload:   "p",
					ExpiresAt: now.Add(time.Duration(i-2) * time.Minute),
					CachedAt:  now.Add(-time.Hour),
				}))
			}

			n, err := s.Cache().PurgeExpired(ctx, now)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			_, err = s.Cache().Get(ctx, "100004", now)
			assert.NoError(t, err)

			n, err = s.Cache().PurgeExpired(ctx, now)
			require.NoError(t, err)
			assert.Zero(t, n)

			require.NoError(t, s.Cache().Delete(ctx, "100004"))
			_, err = s.Cache().Get(ctx, "100004", now)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Progress().Put(ctx, sampleProgress("482913")))
	_, err = s.Pending().Enqueue(ctx, &model.PendingSubmission{
		SessionID:   "482913",
		Ciphertext:  "blob",
		StudentName: "Sari",
		EnqueuedAt:  time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Progress().Get(ctx, "482913")
	require.NoError(t, err)
	assert.Equal(t, []int{2, -1, 0}, got.Answers)

	list, err := s.Pending().List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "blob", list[0].Ciphertext)
}

func TestOpenOrDegrade(t *testing.T) {
	ctx := context.Background()

	s, err := OpenOrDegrade(ctx, filepath.Join(t.TempDir(), "ok.db"))
	require.NoError(t, err)
	_, durable := s.(*SQLite)
	assert.True(t, durable)
	s.Close()

	// A regular file where a directory is expected makes the path unusable.
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	s, err = OpenOrDegrade(ctx, filepath.Join(blocker, "state.db"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorageUnavailable))
	require.NotNil(t, s)
	_, inMemory := s.(*Memory)
	assert.True(t, inMemory)

	require.NoError(t, s.Progress().Put(ctx, sampleProgress("482913")))
	_, err = s.Progress().Get(ctx, "482913")
	assert.NoError(t, err)
}
