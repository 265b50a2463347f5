package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ignite/email-validator/internal/app"
	"github.com/ignite/email-validator/internal/domain"
	"github.com/ignite/email-validator/internal/worker"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Batch lifecycle commands",
}

// batchAction builds a subcommand taking a single batch id.
func batchAction(use, short string, run func(ctx context.Context, c *worker.Control, id int64) (interface{}, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <batch-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := run(ctx, a.Control, id)
				if err != nil {
					return fmt.Errorf("%s batch %d: %w", use, id, err)
				}
				return printResult(cmd.OutOrStdout(), res)
			})
		},
	}
}

func printResult(out io.Writer, res interface{}) error {
	if jsonOutput {
		return writeJSON(out, res)
	}
	switch v := res.(type) {
	case *worker.BatchProgress:
		formatProgress(out, v)
	case map[string]interface{}:
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, k := range sortedKeys(v) {
			_, _ = fmt.Fprintf(w, "%s\t%v\n", k, v[k])
		}
		_ = w.Flush()
	default:
		_, _ = fmt.Fprintf(out, "%+v\n", v)
	}
	return nil
}

var pauseStage string

func init() {
	pause := batchAction("pause", "Pause one stage of a batch", func(ctx context.Context, c *worker.Control, id int64) (interface{}, error) {
		stage, ok := domain.ParseStage(pauseStage)
		if !ok {
			return nil, fmt.Errorf("%w: %q", worker.ErrInvalidStage, pauseStage)
		}
		if err := c.Pause(ctx, id, stage, actorName); err != nil {
			return nil, err
		}
		return map[string]interface{}{"batch_id": id, "paused_stage": stage}, nil
	})
	pause.Flags().StringVar(&pauseStage, "stage", "", "stage to pause: dedupe, filter, validation or personal")
	_ = pause.MarkFlagRequired("stage")

	batchCmd.AddCommand(
		batchAction("submit", "Schedule dedupe for a staged batch", func(ctx context.Context, c *worker.Control, id int64) (interface{}, error) {
			queued, err := c.Submit(ctx, id, actorName)
			return map[string]interface{}{"batch_id": id, "queued": queued}, err
		}),
		batchAction("status", "Show a batch and its per-stage counts", func(ctx context.Context, c *worker.Control, id int64) (interface{}, error) {
			return c.Status(ctx, id)
		}),
		pause,
		batchAction("resume", "Resume a paused batch", func(ctx context.Context, c *worker.Control, id int64) (interface{}, error) {
			stage, n, err := c.Resume(ctx, id, actorName)
			return map[string]interface{}{"batch_id": id, "stage": stage, "enqueued": n}, err
		}),
		batchAction("rerun", "Discard downstream rows and restart from the filter stage", func(ctx context.Context, c *worker.Control, id int64) (interface{}, error) {
			n, err := c.Rerun(ctx, id, actorName)
			return map[string]interface{}{"batch_id": id, "enqueued": n}, err
		}),
		batchAction("unstick", "Clear coordination state and re-enqueue stuck work", func(ctx context.Context, c *worker.Control, id int64) (interface{}, error) {
			res, err := c.Unstick(ctx, id, actorName)
			return map[string]interface{}{
				"batch_id":            id,
				"filter_requeued":     res.FilterRequeued,
				"validation_requeued": res.ValidationRequeued,
			}, err
		}),
		batchAction("delete", "Cancel a batch and purge its pipeline rows", func(ctx context.Context, c *worker.Control, id int64) (interface{}, error) {
			n, err := c.Delete(ctx, id, actorName)
			return map[string]interface{}{"batch_id": id, "jobs_removed": n}, err
		}),
		batchAction("force-complete", "Mark a batch completed regardless of progress", func(ctx context.Context, c *worker.Control, id int64) (interface{}, error) {
			err := c.ForceComplete(ctx, id, actorName)
			return map[string]interface{}{"batch_id": id, "status": domain.BatchCompleted}, err
		}),
	)
	rootCmd.AddCommand(batchCmd)
}

func formatProgress(out io.Writer, p *worker.BatchProgress) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	status := string(p.Batch.Status)
	if p.Batch.PausedStage != nil {
		status += " (" + string(*p.Batch.PausedStage) + ")"
	}
	_, _ = fmt.Fprintf(w, "BATCH\t%d\n", p.Batch.ID)
	_, _ = fmt.Fprintf(w, "STATUS\t%s\n", status)
	_, _ = fmt.Fprintf(w, "TOTAL\t%d\n", p.Batch.TotalCount)
	_, _ = fmt.Fprintln(w, "--\t--")
	_, _ = fmt.Fprintf(w, "staged\t%d\n", p.Staged)
	_, _ = fmt.Fprintf(w, "masters\t%d\n", p.Masters)
	_, _ = fmt.Fprintf(w, "filtered\t%d\n", p.Filtered)
	_, _ = fmt.Fprintf(w, "eligible\t%d\n", p.Eligible)
	_, _ = fmt.Fprintf(w, "verified\t%d\n", p.Verified)
	_, _ = fmt.Fprintf(w, "split\t%d\n", p.Split)
	_ = w.Flush()
}
