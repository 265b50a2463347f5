package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ignite/email-validator/internal/app"
	"github.com/ignite/email-validator/internal/worker"
)

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Show queue depths, slot assignments and credentials",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			ov, err := a.Control.Overview(ctx, a.Telemetry)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), ov)
			}
			formatOverview(cmd.OutOrStdout(), ov)
			return nil
		})
	},
}

var resetCoordinationCmd = &cobra.Command{
	Use:   "reset-coordination",
	Short: "Wipe slot and activation state",
	Long:  "Deletes every slot assignment and the activation marker. The reconciler rebuilds assignments from the store on its next pass.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Control.ResetCoordination(ctx, actorName)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d coordination keys\n", n)
			return nil
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciler sweep now",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			act, err := worker.NewReconciler(a.Pipeline).RunOnce(ctx)
			if err != nil {
				return err
			}
			if act == nil {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "another reconciler holds the lock; nothing done")
				return nil
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), act)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(),
				"requeued dedupe=%d filter=%d validation=%d split=%d, recovered leases=%d, completed=%d, batches=%v\n",
				act.StuckDedupe, act.StuckFilter, act.StuckValidation, act.StuckSplit,
				act.RecoveredLeases, act.Completed, act.BatchesAffected)
			return nil
		})
	},
}

var seenCmd = &cobra.Command{
	Use:   "seen <address>",
	Short: "Check whether an address may already be deduplicated",
	Long:  "Normalizes the address and checks the master address filter. \"no\" is definite; \"maybe\" can be a false positive.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Control.Seen(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			answer := "no"
			if res.Seen {
				answer = "maybe"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s\n", res.Address, res.Normalized, answer)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(overviewCmd, resetCoordinationCmd, reconcileCmd, seenCmd)
}

func formatOverview(out io.Writer, ov *worker.Overview) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "QUEUE\tREADY\tPROCESSING\tDELAYED\tDEAD")
	_, _ = fmt.Fprintln(w, "-----\t-----\t----------\t-------\t----")
	for _, q := range ov.Queues {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", q.Name, q.Ready, q.Processing, q.Delayed, q.Dead)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintln(out)
	if ov.ActiveBatch != nil {
		_, _ = fmt.Fprintf(out, "active batch: %d\n", *ov.ActiveBatch)
	} else {
		_, _ = fmt.Fprintln(out, "active batch: none")
	}
	for _, s := range ov.Slots {
		_, _ = fmt.Fprintf(out, "slot %d -> batch %d\n", s.Slot, s.BatchID)
	}
}
