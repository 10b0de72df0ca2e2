package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-offline/internal/model"
)

// Flusher deletes expired relay data.
type Flusher interface {
	Flush(ctx context.Context) (*model.FlushResult, error)
}

// FlushWorker runs the relay's expiry flush on a fixed interval, so
// ciphertext does not outlive its test even when no operator calls the
// admin flush endpoint.
type FlushWorker struct {
	flusher  Flusher
	interval time.Duration
	log      zerolog.Logger
}

// NewFlushWorker creates a new FlushWorker.
func NewFlushWorker(flusher Flusher, interval time.Duration, log zerolog.Logger) *FlushWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &FlushWorker{
		flusher:  flusher,
		interval: interval,
		log:      log.With().Str("component", "flush_worker").Logger(),
	}
}

// Start flushes every interval until ctx is done. Call in a goroutine.
func (w *FlushWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Worker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.flushSafe(ctx)
		}
	}
}

func (w *FlushWorker) flushSafe(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("Recovered from panic during flush")
		}
	}()

	if _, err := w.flusher.Flush(ctx); err != nil && ctx.Err() == nil {
		w.log.Error().Err(err).Msg("Scheduled flush failed")
	}
}
