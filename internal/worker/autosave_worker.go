package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-offline/internal/model"
	"github.com/stemsi/exstem-offline/internal/store"
)

// AutosaveWorker periodically persists the session's progress, writing
// only when the content differs from the last persisted snapshot.
type AutosaveWorker struct {
	table    store.ProgressTable
	snapshot func() *model.ExamProgress
	interval time.Duration
	now      func() time.Time
	onError  func(error)
	log      zerolog.Logger

	saveMu   sync.Mutex
	baseline string

	lifeMu   sync.Mutex
	cancel   context.CancelFunc
	running  bool
	stopped  bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewAutosaveWorker creates a new AutosaveWorker. snapshot must return a
// private copy of the current progress, taken under the session lock.
func NewAutosaveWorker(table store.ProgressTable, snapshot func() *model.ExamProgress, interval time.Duration, log zerolog.Logger) *AutosaveWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &AutosaveWorker{
		table:    table,
		snapshot: snapshot,
		interval: interval,
		now:      time.Now,
		log:      log.With().Str("component", "autosave_worker").Logger(),
		done:     make(chan struct{}),
	}
}

// OnError registers a hook called for every failed save.
func (w *AutosaveWorker) OnError(fn func(error)) {
	w.onError = fn
}

// SetBaseline marks p as already persisted, e.g. after restoring it.
func (w *AutosaveWorker) SetBaseline(p *model.ExamProgress) {
	h, err := contentHash(p)
	if err != nil {
		return
	}
	w.saveMu.Lock()
	w.baseline = h
	w.saveMu.Unlock()
}

// Start runs the save loop until ctx is cancelled or Stop is called. Call
// in a goroutine, at most once.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.lifeMu.Lock()
	if w.stopped || w.running {
		w.lifeMu.Unlock()
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	w.lifeMu.Unlock()
	defer close(w.done)

	w.log.Debug().Dur("interval", w.interval).Msg("Worker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug().Msg("Worker stopped")
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if _, err := w.Tick(ctx); err != nil {
				w.log.Warn().Err(err).Msg("Autosave failed, retrying next tick")
			}
		}
	}
}

// Stop cancels the loop and waits for it and any in-flight Flush to
// finish. No save happens after Stop returns. Safe to call more than once
// and before Start.
func (w *AutosaveWorker) Stop() {
	w.stopOnce.Do(func() {
		w.lifeMu.Lock()
		w.stopped = true
		cancel, running := w.cancel, w.running
		w.lifeMu.Unlock()

		if cancel != nil {
			cancel()
		}
		if running {
			<-w.done
		}
		w.saveMu.Lock()
		w.saveMu.Unlock()
	})
}

// Tick performs one diff-save. It reports whether a write happened. On a
// failed write the baseline is kept, so the next tick retries. After Stop
// it does nothing.
func (w *AutosaveWorker) Tick(ctx context.Context) (bool, error) {
	w.saveMu.Lock()
	defer w.saveMu.Unlock()

	w.lifeMu.Lock()
	stopped := w.stopped
	w.lifeMu.Unlock()
	if stopped {
		return false, nil
	}

	p := w.snapshot()
	if p == nil {
		return false, nil
	}
	h, err := contentHash(p)
	if err != nil {
		return false, err
	}
	if h == w.baseline {
		return false, nil
	}

	p.LastUpdated = w.now()
	if err := w.table.Put(ctx, p); err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return false, err
	}
	w.baseline = h
	return true, nil
}

// Flush forces a diff-save outside the cadence.
func (w *AutosaveWorker) Flush(ctx context.Context) error {
	_, err := w.Tick(ctx)
	return err
}

// contentHash covers answers, current question and time logs; the save
// timestamp is excluded so an unchanged session never rewrites.
func contentHash(p *model.ExamProgress) (string, error) {
	raw, err := json.Marshal(struct {
		Answers         []int           `json:"answers"`
		CurrentQuestion int             `json:"currentQuestion"`
		TimeLogs        []model.TimeLog `json:"timeLogs"`
	}{p.Answers, p.CurrentQuestion, p.TimeLogs})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
