// examctl is the exam operator and student-side command line: it generates
// session codes, encrypts and publishes tests, runs headless exam sessions,
// and inspects the local queue of undelivered submissions.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-offline/internal/config"
	"github.com/stemsi/exstem-offline/internal/logger"
	"github.com/stemsi/exstem-offline/internal/remote"
	"github.com/stemsi/exstem-offline/internal/store"
	"github.com/stemsi/exstem-offline/internal/worker"
)

var version = "dev" // set by the linker

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Cobra has already printed the error.
		os.Exit(1)
	}
}

// app carries state shared by every subcommand of one invocation.
type app struct {
	cfg   *config.Config
	log   zerolog.Logger
	st    store.Store
	lines *bufio.Reader
}

// newRootCmd builds a fresh command tree, so tests never share flag state.
func newRootCmd() *cobra.Command {
	a := &app{}
	var relayURL, stateDB, logLevel string

	cmd := &cobra.Command{
		Use:           "examctl",
		Short:         "Offline-first exam client and operator tool",
		SilenceUsage:  true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.cfg = config.Load()
			if relayURL != "" {
				a.cfg.RelayURL = relayURL
			}
			if stateDB != "" {
				a.cfg.StateDBPath = stateDB
			}
			if logLevel != "" {
				a.cfg.LogLevel = logLevel
			}
			a.log = logger.New(cmd.ErrOrStderr(), a.cfg.LogLevel, a.cfg.LogFormat)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.st == nil {
				return nil
			}
			err := a.st.Close()
			a.st = nil
			return err
		},
	}

	cmd.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL (default $RELAY_URL)")
	cmd.PersistentFlags().StringVar(&stateDB, "state-db", "", "local state database (default $STATE_DB_PATH)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (default $LOG_LEVEL)")

	cmd.AddCommand(
		newCodeCmd(a),
		newEncryptCmd(a),
		newDecryptCmd(a),
		newPublishCmd(a),
		newPendingCmd(a),
		newCacheCmd(a),
		newAnalyzeCmd(a),
		newTakeCmd(a),
	)
	return cmd
}

// openStore opens the local state database once per invocation. A store that
// cannot be opened degrades to memory with a warning.
func (a *app) openStore(ctx context.Context) store.Store {
	if a.st != nil {
		return a.st
	}
	st, err := store.OpenOrDegrade(ctx, a.cfg.StateDBPath)
	if err != nil {
		a.log.Warn().Err(err).Str("path", a.cfg.StateDBPath).Msg("Progress will not survive a restart")
	}
	a.st = st
	return st
}

func (a *app) client() *remote.Client {
	return remote.New(a.cfg.RelayURL, a.cfg.HTTPTimeout, a.log)
}

func (a *app) syncPolicy() worker.SyncPolicy {
	return worker.SyncPolicy{
		Interval:    a.cfg.SyncInterval,
		BaseDelay:   a.cfg.SyncBaseDelay,
		MaxDelay:    a.cfg.SyncMaxDelay,
		MaxAttempts: a.cfg.SyncMaxAttempts,
		MaxAge:      a.cfg.SyncMaxAge,
	}
}

// input returns the shared line reader over the command's stdin.
func (a *app) input(cmd *cobra.Command) *bufio.Reader {
	if a.lines == nil {
		a.lines = bufio.NewReader(cmd.InOrStdin())
	}
	return a.lines
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
