package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-offline/internal/events"
	"github.com/stemsi/exstem-offline/internal/model"
	"github.com/stemsi/exstem-offline/internal/remote"
	"github.com/stemsi/exstem-offline/internal/store"
)

// ErrSubmissionAbandoned is reported when a queued submission is given up
// on. The student must be told; the record is no longer retried.
var ErrSubmissionAbandoned = errors.New("submission abandoned")

// Submitter delivers an encrypted submission.
type Submitter interface {
	SubmitExam(ctx context.Context, sub model.SubmitRequest) (*model.SubmitResponse, error)
}

// SyncPolicy bounds redelivery.
type SyncPolicy struct {
	Interval    time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	MaxAge      time.Duration
}

// DefaultSyncPolicy matches the config defaults.
var DefaultSyncPolicy = SyncPolicy{
	Interval:    30 * time.Second,
	BaseDelay:   2 * time.Second,
	MaxDelay:    10 * time.Minute,
	MaxAttempts: 20,
	MaxAge:      7 * 24 * time.Hour,
}

// Backoff returns the wait after the given number of failed attempts:
// BaseDelay·2^(attempts-1), capped at MaxDelay.
func (p SyncPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// SyncResult summarises one reconciliation pass.
type SyncResult struct {
	Delivered int
	Failed    int
	Abandoned int
	// Deferred is set when the pass stopped at a record still in backoff.
	Deferred  bool
	Remaining int
}

// SyncWorker drains the pending-submission queue in FIFO order whenever
// connectivity returns and on a fixed interval.
type SyncWorker struct {
	st        store.Store
	remote    Submitter
	policy    SyncPolicy
	now       func() time.Time
	onAbandon func(*model.PendingSubmission, error)
	log       zerolog.Logger

	passMu  sync.Mutex
	trigger chan struct{}
}

// NewSyncWorker creates a new SyncWorker.
func NewSyncWorker(st store.Store, rmt Submitter, policy SyncPolicy, log zerolog.Logger) *SyncWorker {
	return &SyncWorker{
		st:      st,
		remote:  rmt,
		policy:  policy,
		now:     time.Now,
		log:     log.With().Str("component", "sync_worker").Logger(),
		trigger: make(chan struct{}, 1),
	}
}

// OnAbandon registers a hook receiving every abandoned record and the
// reason, which wraps ErrSubmissionAbandoned.
func (w *SyncWorker) OnAbandon(fn func(*model.PendingSubmission, error)) {
	w.onAbandon = fn
}

// Trigger requests a pass from the running loop without blocking.
func (w *SyncWorker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Start begins the reconcile loop. Online events from src trigger a pass.
// Call in a goroutine.
func (w *SyncWorker) Start(ctx context.Context, src events.Source) {
	w.log.Info().Msg("Worker started")

	if src != nil {
		unsubscribe := src.Subscribe(func(e events.Event) {
			if e.Kind == events.KindOnline {
				w.Trigger()
			}
		})
		defer unsubscribe()
	}

	interval := w.policy.Interval
	if interval <= 0 {
		interval = DefaultSyncPolicy.Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.runPass(ctx)
		case <-w.trigger:
			w.runPass(ctx)
		}
	}
}

func (w *SyncWorker) runPass(ctx context.Context) {
	res, err := w.Reconcile(ctx)
	if err != nil && ctx.Err() == nil {
		w.log.Error().Err(err).Msg("Reconcile error")
	}
	if res.Delivered > 0 || res.Failed > 0 || res.Abandoned > 0 {
		w.log.Info().
			Int("delivered", res.Delivered).
			Int("failed", res.Failed).
			Int("abandoned", res.Abandoned).
			Int("remaining", res.Remaining).
			Msg("Reconcile pass finished")
	}
}

// Reconcile runs one pass over the queue. It stops at the first failed
// delivery or at the first record still waiting out its backoff, so
// records are always delivered in enqueue order. The returned error wraps
// ErrSubmissionAbandoned if any record was given up on.
func (w *SyncWorker) Reconcile(ctx context.Context) (SyncResult, error) {
	w.passMu.Lock()
	defer w.passMu.Unlock()

	var (
		res       SyncResult
		abandoned []error
	)
	pending, err := w.st.Pending().List(ctx)
	if err != nil {
		return res, fmt.Errorf("list pending: %w", err)
	}

	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}
		if rec.Abandoned() {
			continue
		}
		now := w.now()

		if w.policy.MaxAge > 0 && now.Sub(rec.EnqueuedAt) > w.policy.MaxAge {
			reason := fmt.Errorf("%w: session %s queued since %s", ErrSubmissionAbandoned, rec.SessionID, rec.EnqueuedAt.Format(time.RFC3339))
			if err := w.abandon(ctx, rec, reason); err != nil {
				return res, err
			}
			abandoned = append(abandoned, reason)
			res.Abandoned++
			continue
		}
		if rec.NextAttemptAt.After(now) {
			res.Deferred = true
			break
		}

		_, sendErr := w.remote.SubmitExam(ctx, rec.Envelope())
		if sendErr == nil {
			if err := w.st.Pending().Delete(ctx, rec.ID); err != nil {
				return res, fmt.Errorf("delete delivered: %w", err)
			}
			if err := w.st.Progress().Delete(ctx, rec.SessionID); err != nil {
				w.log.Warn().Err(err).Str("session", rec.SessionID).Msg("Progress cleanup failed")
			}
			res.Delivered++
			continue
		}
		if ctx.Err() != nil {
			break
		}

		if errors.Is(sendErr, remote.ErrRejected) || errors.Is(sendErr, remote.ErrNotFound) {
			reason := fmt.Errorf("%w: session %s rejected: %v", ErrSubmissionAbandoned, rec.SessionID, sendErr)
			if err := w.abandon(ctx, rec, reason); err != nil {
				return res, err
			}
			abandoned = append(abandoned, reason)
			res.Abandoned++
			continue
		}

		rec.Attempts++
		rec.LastError = sendErr.Error()
		if w.policy.MaxAttempts > 0 && rec.Attempts >= w.policy.MaxAttempts {
			reason := fmt.Errorf("%w: session %s failed %d attempts: %v", ErrSubmissionAbandoned, rec.SessionID, rec.Attempts, sendErr)
			if err := w.abandon(ctx, rec, reason); err != nil {
				return res, err
			}
			abandoned = append(abandoned, reason)
			res.Abandoned++
			continue
		}

		rec.NextAttemptAt = now.Add(w.policy.Backoff(rec.Attempts))
		if err := w.st.Pending().Update(ctx, rec); err != nil {
			return res, fmt.Errorf("record attempt: %w", err)
		}
		w.log.Warn().Err(sendErr).
			Int64("id", rec.ID).
			Int("attempts", rec.Attempts).
			Time("next_attempt_at", rec.NextAttemptAt).
			Msg("Redelivery failed")
		res.Failed++
		break
	}

	if n, err := w.st.Pending().Count(ctx); err == nil {
		res.Remaining = n
	}
	return res, errors.Join(abandoned...)
}

// abandon stops redelivery of rec. The ciphertext stays in the queue
// until an operator drops it.
func (w *SyncWorker) abandon(ctx context.Context, rec *model.PendingSubmission, reason error) error {
	rec.AbandonedAt = w.now()
	rec.LastError = reason.Error()
	if err := w.st.Pending().Update(ctx, rec); err != nil {
		return fmt.Errorf("mark abandoned: %w", err)
	}
	w.log.Error().Err(reason).Int64("id", rec.ID).Int("attempts", rec.Attempts).Msg("Submission abandoned")
	if w.onAbandon != nil {
		w.onAbandon(rec, reason)
	}
	return nil
}
