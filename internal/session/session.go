// Package session runs one student's exam: it fetches and decrypts the
// test, tracks answers and question timing, autosaves progress, and seals
// and delivers the submission, queueing it locally when offline.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-offline/internal/cryptobox"
	"github.com/stemsi/exstem-offline/internal/events"
	"github.com/stemsi/exstem-offline/internal/integrity"
	"github.com/stemsi/exstem-offline/internal/model"
	"github.com/stemsi/exstem-offline/internal/remote"
	"github.com/stemsi/exstem-offline/internal/store"
	"github.com/stemsi/exstem-offline/internal/validator"
	"github.com/stemsi/exstem-offline/internal/worker"
)

var (
	// ErrExamUnavailable means the test could not be fetched and no valid
	// cached copy exists.
	ErrExamUnavailable = errors.New("exam unavailable")
	// ErrInvalidExam means the decrypted payload is not a usable test.
	ErrInvalidExam = errors.New("invalid exam definition")
	// ErrSessionClosed is returned by every mutation after submit, expiry
	// or Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrQuestionRange is returned for an out-of-range question index.
	ErrQuestionRange = errors.New("question index out of range")
	// ErrOptionRange is returned for an option the question does not have.
	ErrOptionRange = errors.New("option index out of range")
)

const (
	DefaultCacheTTL      = 24 * time.Hour
	DefaultSubmitTimeout = 30 * time.Second
	DefaultStudentName   = "Anonymous"
)

// Remote is the network collaborator a session talks to.
type Remote interface {
	FetchTest(ctx context.Context, code string) (*model.FetchResponse, error)
	SubmitExam(ctx context.Context, sub model.SubmitRequest) (*model.SubmitResponse, error)
}

// Deps wires a session to its collaborators.
type Deps struct {
	Remote Remote
	Store  store.Store
	// Visibility delivers hidden/visible events; other kinds are ignored.
	Visibility events.Source
	Clock      integrity.Clock
	Log        zerolog.Logger

	StudentName      string
	CacheTTL         time.Duration
	AutosaveInterval time.Duration
	SubmitTimeout    time.Duration

	// OnWarning receives non-fatal failures such as autosave errors.
	OnWarning func(error)
	// OnQueued is called after a submission lands in the pending queue,
	// typically to trigger the sync worker.
	OnQueued func(*model.PendingSubmission)
	// OnAutoSubmit receives the outcome of the submit fired by expiry.
	OnAutoSubmit func(*Result, error)
	Countdown    CountdownHooks
}

// Result describes how a submission ended.
type Result struct {
	Status       model.SessionStatus `json:"status"`
	Queued       bool                `json:"queued"`
	PendingID    int64               `json:"pendingId,omitempty"`
	SubmissionID string              `json:"submissionId,omitempty"`
	SubmittedAt  time.Time           `json:"submittedAt"`
	Integrity    *model.Integrity    `json:"integrity"`
}

// Session is one running exam. All mutations are serialized by mu, so
// every change applies to the current in-memory state.
type Session struct {
	code      string
	box       *cryptobox.Box
	def       model.ExamDefinition
	fromCache bool
	restored  bool
	deps      Deps
	log       zerolog.Logger

	mu      sync.Mutex
	answers []int
	current int
	engine  *integrity.Engine
	status  model.SessionStatus
	closed  bool

	autosave    *worker.AutosaveWorker
	countdown   *Countdown
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

// Open validates code, loads the test (from the remote, or from the local
// cache when the remote is unreachable), restores saved progress and
// starts autosave, the countdown and visibility tracking.
func Open(ctx context.Context, code string, deps Deps) (*Session, error) {
	if err := cryptobox.ValidateCode(code); err != nil {
		return nil, err
	}
	if deps.Remote == nil || deps.Store == nil {
		return nil, errors.New("session: remote and store are required")
	}
	deps = withDefaults(deps)

	box, err := cryptobox.New(code)
	if err != nil {
		return nil, err
	}

	s := &Session{
		code:   code,
		box:    box,
		deps:   deps,
		log:    deps.Log.With().Str("component", "session").Str("code", code).Logger(),
		status: model.SessionStatusActive,
	}

	if err := s.load(ctx); err != nil {
		return nil, err
	}
	s.restore(ctx)
	s.start()
	return s, nil
}

func withDefaults(d Deps) Deps {
	if d.Clock == nil {
		d.Clock = integrity.SystemClock{}
	}
	if d.StudentName == "" {
		d.StudentName = DefaultStudentName
	}
	if d.CacheTTL <= 0 {
		d.CacheTTL = DefaultCacheTTL
	}
	if d.SubmitTimeout <= 0 {
		d.SubmitTimeout = DefaultSubmitTimeout
	}
	return d
}

// load fetches and decrypts the definition. Only a delivery failure falls
// back to the cache; a relay that answers "not found" is authoritative.
func (s *Session) load(ctx context.Context) error {
	now := s.deps.Clock.Now()

	resp, err := s.deps.Remote.FetchTest(ctx, s.code)
	switch {
	case err == nil:
		if err := s.decode(resp.EncryptedTestData); err != nil {
			return err
		}
		entry := &model.CachedExam{
			SessionID: s.code,
			Payload:   resp.EncryptedTestData,
			CachedAt:  now,
			ExpiresAt: now.Add(s.deps.CacheTTL),
		}
		if err := s.deps.Store.Cache().Put(ctx, entry); err != nil {
			s.warn(fmt.Errorf("cache test: %w", err))
		}
		return nil

	case errors.Is(err, remote.ErrDelivery):
		cached, cerr := s.deps.Store.Cache().Get(ctx, s.code, now)
		if cerr != nil {
			return fmt.Errorf("%w: %w (cache: %v)", ErrExamUnavailable, err, cerr)
		}
		if err := s.decode(cached.Payload); err != nil {
			return err
		}
		s.fromCache = true
		s.log.Warn().Err(err).Time("expires_at", cached.ExpiresAt).Msg("Relay unreachable, using cached test")
		return nil

	default:
		return fmt.Errorf("%w: %w", ErrExamUnavailable, err)
	}
}

func (s *Session) decode(blob string) error {
	var def model.ExamDefinition
	if err := s.box.Open(blob, &def); err != nil {
		return err
	}
	if err := validator.Struct(&def); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExam, err)
	}
	s.def = def
	return nil
}

func (s *Session) restore(ctx context.Context) {
	s.answers = make([]int, len(s.def.Questions))
	for i := range s.answers {
		s.answers[i] = model.Unanswered
	}
	s.engine = integrity.NewEngine(s.deps.Clock)

	saved, err := s.deps.Store.Progress().Get(ctx, s.code)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		s.warn(fmt.Errorf("load progress: %w", err))
	case len(saved.Answers) != len(s.answers):
		s.log.Warn().Int("saved", len(saved.Answers)).Int("questions", len(s.answers)).Msg("Saved progress does not match test, starting fresh")
	default:
		copy(s.answers, saved.Answers)
		if saved.CurrentQuestion >= 0 && saved.CurrentQuestion < len(s.answers) {
			s.current = saved.CurrentQuestion
		}
		s.engine.Restore(saved.TimeLogs)
		s.restored = true
	}

	s.engine.StartQuestion(s.def.Questions[s.current].ID)
}

// remaining is the exam length minus the time already spent, measured
// from the first recorded entry of a restored session.
func (s *Session) remaining() time.Duration {
	total := s.def.DurationTime()
	if !s.restored {
		return total
	}
	logs := s.engine.Logs()
	if len(logs) == 0 {
		return total
	}
	first := logs[0].Entry
	for _, l := range logs[1:] {
		first = min(first, l.Entry)
	}
	spent := s.deps.Clock.Now().Sub(time.UnixMilli(int64(first)))
	return max(0, total-spent)
}

func (s *Session) start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.autosave = worker.NewAutosaveWorker(s.deps.Store.Progress(), s.Snapshot, s.deps.AutosaveInterval, s.log)
	s.autosave.OnError(s.warn)

	s.countdown = NewCountdown(s.def.DurationTime(), s.deps.Clock)
	s.countdown.remaining = s.remaining()
	hooks := s.deps.Countdown
	userExpire := hooks.OnExpire
	hooks.OnExpire = func() {
		if userExpire != nil {
			userExpire()
		}
		// the countdown goroutine must not wait on its own teardown
		go s.expire()
	}
	s.countdown.SetHooks(hooks)

	if s.deps.Visibility != nil {
		s.unsubscribe = events.Filter(s.deps.Visibility, events.KindHidden, events.KindVisible).
			Subscribe(s.onVisibility)
	}

	s.countdown.Start()
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.autosave.Start(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.countdown.Run(s.ctx)
	}()

	s.log.Info().
		Int("questions", len(s.def.Questions)).
		Int("duration_minutes", s.def.Duration).
		Bool("from_cache", s.fromCache).
		Bool("restored", s.restored).
		Msg("Exam session started")
}

func (s *Session) onVisibility(e events.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if e.Kind == events.KindHidden {
		s.engine.Hide()
	} else {
		s.engine.Show()
	}
	s.mu.Unlock()

	if e.Kind == events.KindHidden {
		if err := s.autosave.Flush(s.ctx); err != nil && s.ctx.Err() == nil {
			s.warn(fmt.Errorf("flush on hide: %w", err))
		}
	}
}

// Code returns the session code.
func (s *Session) Code() string { return s.code }

// Definition returns the decrypted test.
func (s *Session) Definition() model.ExamDefinition {
	def := s.def
	def.Questions = append([]model.Question(nil), s.def.Questions...)
	return def
}

// FromCache reports whether the test was loaded from the local cache.
func (s *Session) FromCache() bool { return s.fromCache }

// Restored reports whether saved progress was resumed.
func (s *Session) Restored() bool { return s.restored }

// Status returns the lifecycle state.
func (s *Session) Status() model.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Countdown returns the time-limit view.
func (s *Session) Countdown() CountdownStatus {
	return s.countdown.Status()
}

// Timer exposes the countdown for pause/resume and time adjustments.
func (s *Session) Timer() *Countdown {
	return s.countdown
}

// SelectAnswer records option for question index. Model.Unanswered clears it.
func (s *Session) SelectAnswer(index, option int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if index < 0 || index >= len(s.answers) {
		return fmt.Errorf("%w: %d", ErrQuestionRange, index)
	}
	q := s.def.Questions[index]
	if option != model.Unanswered && (option < 0 || option >= len(q.Options)) {
		return fmt.Errorf("%w: %d", ErrOptionRange, option)
	}
	s.answers[index] = option
	s.engine.Answer(q.ID, option)
	return nil
}

// Navigate makes question index current, closing the open visit bracket
// and opening one for the new question.
func (s *Session) Navigate(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if index < 0 || index >= len(s.answers) {
		return fmt.Errorf("%w: %d", ErrQuestionRange, index)
	}
	if index == s.current {
		return nil
	}
	s.current = index
	s.engine.StartQuestion(s.def.Questions[index].ID)
	return nil
}

// Current returns the current question index.
func (s *Session) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Snapshot copies the in-memory progress.
func (s *Session) Snapshot() *model.ExamProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() *model.ExamProgress {
	return &model.ExamProgress{
		SessionID:       s.code,
		Answers:         append([]int(nil), s.answers...),
		CurrentQuestion: s.current,
		TimeLogs:        s.engine.Logs(),
		LastUpdated:     s.deps.Clock.Now(),
	}
}

// Report computes the integrity report from the current logs.
func (s *Session) Report() integrity.SessionReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Report()
}

// Submit seals the answers and time logs and delivers them. When the
// relay is unreachable the same ciphertext is queued for the sync worker
// and the result reports Queued. The session is closed either way.
func (s *Session) Submit(ctx context.Context) (*Result, error) {
	return s.submit(ctx, model.SessionStatusSubmitted)
}

func (s *Session) expire() {
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.SubmitTimeout)
	defer cancel()

	res, err := s.submit(ctx, model.SessionStatusExpired)
	if errors.Is(err, ErrSessionClosed) {
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Auto-submit on expiry failed")
	} else {
		s.log.Info().Str("status", string(res.Status)).Bool("queued", res.Queued).Msg("Time expired, exam auto-submitted")
	}
	if s.deps.OnAutoSubmit != nil {
		s.deps.OnAutoSubmit(res, err)
	}
}

func (s *Session) submit(ctx context.Context, final model.SessionStatus) (*Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.closed = true
	s.engine.Finish()
	progress := s.snapshotLocked()
	report := s.engine.Report()
	s.mu.Unlock()

	s.teardown()

	// keep a resumable copy until delivery is confirmed
	if err := s.deps.Store.Progress().Put(ctx, progress); err != nil {
		s.warn(fmt.Errorf("save final progress: %w", err))
	}

	submittedAt := s.deps.Clock.Now()
	ciphertext, err := s.box.Seal(model.Submission{
		Answers:     progress.Answers,
		TimeLogs:    progress.TimeLogs,
		SubmittedAt: submittedAt.UTC().Format(time.RFC3339Nano),
		StudentName: s.deps.StudentName,
	})
	if err != nil {
		s.setStatus(model.SessionStatusAbandoned)
		return nil, err
	}

	res := &Result{
		Status:      final,
		SubmittedAt: submittedAt,
		Integrity:   report.Integrity(),
	}
	req := model.SubmitRequest{
		TestCode:                s.code,
		EncryptedSubmissionData: ciphertext,
		TimeLogs:                progress.TimeLogs,
		StudentName:             s.deps.StudentName,
		Integrity:               res.Integrity,
	}

	resp, err := s.deps.Remote.SubmitExam(ctx, req)
	switch {
	case err == nil:
		res.SubmissionID = resp.SubmissionID
		if err := s.deps.Store.Progress().Delete(ctx, s.code); err != nil {
			s.warn(fmt.Errorf("clear progress: %w", err))
		}
		s.setStatus(final)
		s.log.Info().Str("submission_id", resp.SubmissionID).Bool("duplicate", resp.Duplicate).Msg("Exam submitted")
		return res, nil

	case errors.Is(err, remote.ErrDelivery) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		pending := &model.PendingSubmission{
			SessionID:   s.code,
			Ciphertext:  ciphertext,
			TimeLogs:    progress.TimeLogs,
			StudentName: s.deps.StudentName,
			Integrity:   res.Integrity,
			EnqueuedAt:  submittedAt,
		}
		// the caller's context may be the one that just failed
		qctx, cancel := context.WithTimeout(context.Background(), s.deps.SubmitTimeout)
		defer cancel()
		id, qerr := s.deps.Store.Pending().Enqueue(qctx, pending)
		if qerr != nil {
			s.setStatus(model.SessionStatusAbandoned)
			return nil, fmt.Errorf("queue submission after %v: %w", err, qerr)
		}
		res.Queued = true
		res.PendingID = id
		res.Status = model.SessionStatusQueued
		s.setStatus(model.SessionStatusQueued)
		s.log.Warn().Err(err).Int64("pending_id", id).Msg("Submission saved offline, will sync when online")
		if s.deps.OnQueued != nil {
			s.deps.OnQueued(pending)
		}
		return res, nil

	default:
		s.setStatus(model.SessionStatusAbandoned)
		return nil, fmt.Errorf("submit exam: %w", err)
	}
}

// Close abandons the session without submitting. Progress stays saved so
// the exam can be resumed with the same code.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.status = model.SessionStatusAbandoned
	s.engine.Tracker.EndCurrent()
	progress := s.snapshotLocked()
	s.mu.Unlock()

	s.teardown()

	ctx, cancel := context.WithTimeout(context.Background(), s.deps.SubmitTimeout)
	defer cancel()
	if err := s.deps.Store.Progress().Put(ctx, progress); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// teardown stops every timer and subscription exactly once.
func (s *Session) teardown() {
	s.stopOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.countdown.Stop()
		s.autosave.Stop()
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Session) setStatus(st model.SessionStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Session) warn(err error) {
	s.log.Warn().Err(err).Msg("Session warning")
	if s.deps.OnWarning != nil {
		s.deps.OnWarning(err)
	}
}
