package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-offline/internal/model"
	"github.com/stemsi/exstem-offline/internal/worker"
)

func newPendingCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect and deliver submissions that could not be sent",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued submissions in delivery order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := a.openStore(cmd.Context()).Pending().List(cmd.Context())
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				printf(cmd.OutOrStdout(), "No pending submissions.\n")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			printf(tw, "ID\tTEST\tSTUDENT\tQUEUED\tATTEMPTS\tNEXT\tLAST ERROR\n")
			for _, r := range recs {
				printf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ID, r.SessionID, r.StudentName,
					r.EnqueuedAt.Local().Format(time.DateTime), r.Attempts,
					nextAttempt(r), r.LastError)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "drop <id>",
		Short: "Discard a queued submission and its ciphertext",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			pending := a.openStore(cmd.Context()).Pending()
			rec, err := pending.Get(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("submission %d: %w", id, err)
			}
			if err := pending.Delete(cmd.Context(), id); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Dropped submission %d for test %s\n", rec.ID, rec.SessionID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Run one delivery pass over the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := worker.NewSyncWorker(a.openStore(cmd.Context()), a.client(), a.syncPolicy(), a.log)
			w.OnAbandon(func(p *model.PendingSubmission, reason error) {
				printf(cmd.ErrOrStderr(), "Abandoned submission %d for test %s: %v\n", p.ID, p.SessionID, reason)
			})

			res, err := w.Reconcile(cmd.Context())
			printf(cmd.OutOrStdout(), "Delivered %d, failed %d, abandoned %d, remaining %d\n",
				res.Delivered, res.Failed, res.Abandoned, res.Remaining)
			if res.Deferred {
				printf(cmd.OutOrStdout(), "Next record is still backing off.\n")
			}
			// A pass that abandoned records exits non-zero.
			return err
		},
	})
	return cmd
}

func nextAttempt(r *model.PendingSubmission) string {
	if r.Abandoned() {
		return "abandoned"
	}
	if r.NextAttemptAt.IsZero() || !r.NextAttemptAt.After(time.Now()) {
		return "now"
	}
	return time.Until(r.NextAttemptAt).Round(time.Second).String()
}

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the offline test cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete expired cached tests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := worker.NewCacheSweepWorker(a.openStore(cmd.Context()).Cache(), a.cfg.CacheSweepInterval, a.log)
			n, err := w.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Purged %d expired cached test(s)\n", n)
			return nil
		},
	})
	return cmd
}
