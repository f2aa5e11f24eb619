package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Veraticus/tally/internal/cli"
	"github.com/Veraticus/tally/internal/storage"
)

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Walk through transactions flagged for review",
		Long: `Show each transaction that needs review, newest first, and accept the
predicted category, pick another one, or skip it. Every answer is saved as
a human correction.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.storage.ListTransactions(cmd.Context(), storage.TransactionFilter{
				NeedsReviewOnly: true,
				Limit:           limit,
			})
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				_, err := fmt.Fprintln(out, cli.FormatSuccess("Nothing needs review"))
				return err
			}

			reviewer := cli.NewReviewer(os.Stdin, out, a.engine, a.engine.Categories())
			stats, err := reviewer.Review(cmd.Context(), records)
			if errors.Is(err, cli.ErrReviewQuit) || errors.Is(err, cli.ErrInputCancelled) {
				_, err = fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf(
					"Stopped after %d answers (%d skipped)", stats.Reviewed, stats.Skipped)))
			}
			return err
		},
	}
	cmd.Flags().Int("limit", 50, "maximum number of transactions to review")
	return cmd
}
