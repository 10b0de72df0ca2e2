package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-offline/internal/model"
	"github.com/stemsi/exstem-offline/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheSweep_PurgesOnlyExpired(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	cache := store.NewMemory().Cache()

	put := func(id string, expires time.Time) {
		require.NoError(t, cache.Put(ctx, &model.CachedExam{
			SessionID: id,
			Payload:   "blob-" + id,
			CachedAt:  now.Add(-time.Hour),
			ExpiresAt: expires,
		}))
	}
	put("100001", now.Add(-time.Minute))
	put("100002", now)
	put("100003", now.Add(time.Minute))

	w := NewCacheSweepWorker(cache, time.Hour, zerolog.Nop())
	w.now = func() time.Time { return now }

	n, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := cache.Get(ctx, "100003", now)
	require.NoError(t, err)
	assert.Equal(t, "blob-100003", got.Payload)

	n, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type countingCache struct {
	store.CacheTable
	sweeps atomic.Int32
}

func (c *countingCache) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	c.sweeps.Add(1)
	return c.CacheTable.PurgeExpired(ctx, now)
}

func TestCacheSweep_StartSweepsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cache := &countingCache{CacheTable: store.NewMemory().Cache()}
	require.NoError(t, cache.Put(ctx, &model.CachedExam{SessionID: "100001", ExpiresAt: time.Now().Add(-time.Second)}))

	w := NewCacheSweepWorker(cache, time.Hour, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return cache.sweeps.Load() == 1 }, time.Second, time.Millisecond)
	_, err := cache.Get(context.Background(), "100001", time.Now().Add(-time.Hour))
	assert.ErrorIs(t, err, store.ErrNotFound, "entry was removed, not just hidden")

	cancel()
	<-done
}
