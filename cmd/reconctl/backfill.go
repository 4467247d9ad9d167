package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/invoice-recon/backfill"
	"github.com/warp/invoice-recon/names"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Resolve manager names on every line that still needs it",
	Long: `Backfill normalizes the manager text of every unresolved line and links
it to the user whose name or alias matches. It is safe to re-run: a second
run over unchanged data assigns nothing.`,
	Example: `  # Default batch size from BACKFILL_BATCH_SIZE
  reconctl backfill

  # Smaller batches
  reconctl backfill --batch-size 50`,
	RunE: runBackfill,
}

func init() {
	rootCmd.AddCommand(backfillCmd)
	backfillCmd.Flags().Int("batch-size", 0, "Lines per batch (default from BACKFILL_BATCH_SIZE)")
}

func runBackfill(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	users, err := store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	engine := backfill.NewEngine(store, names.NewExactMatcher())
	engine.BatchSize = cfg.BackfillBatchSize
	if n, _ := cmd.Flags().GetInt("batch-size"); n > 0 {
		engine.BatchSize = n
	}

	out := cmd.OutOrStdout()
	res, err := engine.RunDetailed(ctx, names.ExpandCandidates(users), func(_ context.Context, p backfill.Progress) error {
		fmt.Fprintf(out, "processed %d/%d\n", p.Processed, p.Total)
		return nil
	})
	if err != nil {
		return fmt.Errorf("backfill stopped after %d assignments: %w", res.Assigned, err)
	}

	fmt.Fprintf(out, "assigned %d lines, renormalized %d, %d lines examined\n", res.Assigned, res.Renormalized, res.Total)
	return nil
}
