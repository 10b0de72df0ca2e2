package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-offline/internal/events"
	"github.com/stemsi/exstem-offline/internal/model"
	"github.com/stemsi/exstem-offline/internal/session"
	"github.com/stemsi/exstem-offline/internal/worker"
)

const takeHelp = `Commands:
  a <n>      choose option n for the current question (0 clears)
  n, p       next / previous question
  g <n>      go to question n
  hide, show simulate leaving and returning to the exam window
  status     time left and answered count
  submit     submit and finish
  quit       save progress and leave; run take again to resume
`

// lockedWriter serialises output from the prompt loop and session hooks.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func newTakeCmd(a *app) *cobra.Command {
	var codeFlag, name string
	cmd := &cobra.Command{
		Use:   "take",
		Short: "Sit an exam from the terminal",
		Long: `Take runs a complete exam session: the test is fetched (or read from the
offline cache), progress is autosaved locally, and the submission is queued
for redelivery when the relay cannot be reached.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			code, err := a.sessionCode(cmd, codeFlag)
			if err != nil {
				return err
			}
			if name == "" {
				name = a.cfg.StudentName
			}
			return a.take(ctx, cmd, code, name)
		},
	}
	cmd.Flags().StringVar(&codeFlag, "code", "", "session code (prompted when omitted)")
	cmd.Flags().StringVar(&name, "name", "", "student name (default $STUDENT_NAME)")
	return cmd
}

func (a *app) take(ctx context.Context, cmd *cobra.Command, code, name string) error {
	out := &lockedWriter{w: cmd.OutOrStdout()}
	st := a.openStore(ctx)
	client := a.client()
	bus := events.NewBus()

	// ─── Background workers ───────────────────────────────────────────
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	var workers sync.WaitGroup
	defer func() {
		cancelWorkers()
		workers.Wait()
	}()

	conn := worker.NewConnectivityWorker(client, bus, a.cfg.ProbeInterval, a.log)
	syncer := worker.NewSyncWorker(st, client, a.syncPolicy(), a.log)
	syncer.OnAbandon(func(p *model.PendingSubmission, reason error) {
		printf(out, "! Submission for test %s could not be delivered: %v\n", p.SessionID, reason)
	})
	sweeper := worker.NewCacheSweepWorker(st.Cache(), a.cfg.CacheSweepInterval, a.log)

	workers.Add(3)
	go func() { defer workers.Done(); conn.Start(workerCtx) }()
	go func() { defer workers.Done(); syncer.Start(workerCtx, bus) }()
	go func() { defer workers.Done(); sweeper.Start(workerCtx) }()

	// ─── Session ──────────────────────────────────────────────────────
	finished := make(chan struct{}, 1)
	s, err := session.Open(ctx, code, session.Deps{
		Remote:           client,
		Store:            st,
		Visibility:       bus,
		Log:              a.log,
		StudentName:      name,
		CacheTTL:         a.cfg.CacheTTL,
		AutosaveInterval: a.cfg.AutosaveInterval,
		OnWarning: func(err error) {
			printf(out, "! %v\n", err)
		},
		OnQueued: func(p *model.PendingSubmission) {
			syncer.Trigger()
		},
		OnAutoSubmit: func(res *session.Result, err error) {
			printf(out, "\nTime is up.\n")
			printResult(out, res, err)
			finished <- struct{}{}
		},
		Countdown: session.CountdownHooks{
			OnWarning:  func() { printf(out, "\n! 5 minutes left\n") },
			OnCritical: func() { printf(out, "\n! 1 minute left\n") },
		},
	})
	if err != nil {
		return err
	}
	defer s.Close()

	def := s.Definition()
	printf(out, "Test %s: %d questions, %d minutes", s.Code(), len(def.Questions), def.Duration)
	switch {
	case s.Restored():
		printf(out, " (resumed, %s left)", s.Countdown().Formatted)
	case s.FromCache():
		printf(out, " (offline copy)")
	}
	printf(out, "\n%s\n", takeHelp)
	showQuestion(out, s)

	stopped := make(chan struct{})
	defer close(stopped)
	lines := make(chan string)
	go func() {
		defer close(lines)
		r := a.input(cmd)
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				select {
				case lines <- strings.TrimSpace(line):
				case <-stopped:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			printf(out, "\nInterrupted, progress saved.\n")
			return nil
		case <-finished:
			return nil
		case line, ok := <-lines:
			if !ok {
				printf(out, "Input closed, progress saved.\n")
				return nil
			}
			done, err := runTakeCommand(ctx, out, bus, s, line)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// runTakeCommand executes one prompt line. It reports whether the session
// is over.
func runTakeCommand(ctx context.Context, out io.Writer, bus *events.Bus, s *session.Session, line string) (bool, error) {
	verb, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch strings.ToLower(verb) {
	case "":
		return false, nil
	case "a", "answer":
		var n int
		if n, err = strconv.Atoi(arg); err == nil {
			err = s.SelectAnswer(s.Current(), n-1)
		}
	case "n", "next":
		err = s.Navigate(s.Current() + 1)
	case "p", "prev":
		err = s.Navigate(s.Current() - 1)
	case "g", "goto":
		var n int
		if n, err = strconv.Atoi(arg); err == nil {
			err = s.Navigate(n - 1)
		}
	case "hide":
		bus.Emit(events.KindHidden)
		return false, nil
	case "show":
		bus.Emit(events.KindVisible)
		return false, nil
	case "status":
		printStatus(out, s)
		return false, nil
	case "submit":
		res, err := s.Submit(ctx)
		printResult(out, res, err)
		return true, nil
	case "quit", "exit":
		if err := s.Close(); err != nil {
			return true, err
		}
		printf(out, "Progress saved. Run take again with the same code to resume.\n")
		return true, nil
	case "help", "?":
		printf(out, "%s", takeHelp)
		return false, nil
	default:
		printf(out, "Unknown command %q, type help\n", verb)
		return false, nil
	}

	switch {
	case errors.Is(err, session.ErrSessionClosed):
		return true, nil
	case err != nil:
		printf(out, "! %v\n", err)
	default:
		showQuestion(out, s)
	}
	return false, nil
}

func showQuestion(out io.Writer, s *session.Session) {
	def := s.Definition()
	i := s.Current()
	q := def.Questions[i]
	chosen := s.Snapshot().Answers[i]

	printf(out, "\n[%d/%d] %s\n", i+1, len(def.Questions), q.Text)
	for j, opt := range q.Options {
		mark := " "
		if j == chosen {
			mark = "*"
		}
		printf(out, " %s %d. %s\n", mark, j+1, opt)
	}
}

func printStatus(out io.Writer, s *session.Session) {
	answered := 0
	for _, ans := range s.Snapshot().Answers {
		if ans != model.Unanswered {
			answered++
		}
	}
	cd := s.Countdown()
	printf(out, "%s left (%s), %d/%d answered\n", cd.Formatted, cd.Level, answered, len(s.Definition().Questions))
}

func printResult(out io.Writer, res *session.Result, err error) {
	if err != nil {
		printf(out, "Submission failed: %v\n", err)
		return
	}
	if res.Queued {
		printf(out, "Relay unreachable, submission %d queued. It is retried automatically; see `examctl pending list`.\n", res.PendingID)
		return
	}
	printf(out, "Submitted (%s), id %s\n", res.Status, res.SubmissionID)
	if res.Integrity != nil && res.Integrity.IsSuspicious {
		printf(out, "Note: integrity review flagged %d activities.\n", res.Integrity.Activities)
	}
}
