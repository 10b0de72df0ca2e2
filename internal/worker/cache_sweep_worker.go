package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-offline/internal/store"
)

// CacheSweepWorker purges expired test-cache entries on a fixed interval.
// Reads already ignore expired entries; the sweep reclaims the space.
type CacheSweepWorker struct {
	cache    store.CacheTable
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewCacheSweepWorker creates a new CacheSweepWorker.
func NewCacheSweepWorker(cache store.CacheTable, interval time.Duration, log zerolog.Logger) *CacheSweepWorker {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &CacheSweepWorker{
		cache:    cache,
		interval: interval,
		now:      time.Now,
		log:      log.With().Str("component", "cache_sweep_worker").Logger(),
	}
}

// Start sweeps once immediately, then every interval. Call in a goroutine.
func (w *CacheSweepWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Worker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sweepLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.sweepLogged(ctx)
		}
	}
}

// Sweep deletes every entry whose expiry is at or before now.
func (w *CacheSweepWorker) Sweep(ctx context.Context) (int, error) {
	return w.cache.PurgeExpired(ctx, w.now())
}

func (w *CacheSweepWorker) sweepLogged(ctx context.Context) {
	n, err := w.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Cache sweep failed")
		}
		return
	}
	if n > 0 {
		w.log.Info().Int("count", n).Msg("Purged expired cached tests")
	}
}
