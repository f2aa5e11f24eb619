package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Veraticus/tally/internal/cli"
	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/engine"
	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/ofx"
)

func addBatchFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("workers", "w", engine.DefaultWorkers, "number of concurrent classifications")
	cmd.Flags().Bool("dry-run", false, "classify without saving transactions or learning merchants")
	cmd.Flags().Bool("no-progress", false, "hide the progress bar")
}

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <file.csv>",
		Short: "Classify every row of a CSV file",
		Long: `Classify every row of a CSV file. The file needs a description column
and may have amount and date (YYYY-MM-DD) columns.

Example:
  tally batch expenses.csv --workers 8`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return common.NewUserError("Cannot open "+args[0], err)
			}
			defer func() { _ = f.Close() }()

			reqs, err := parseRequests(f)
			if err != nil {
				return common.NewUserError("Cannot read "+filepath.Base(args[0]), err)
			}
			return runBatch(cmd, reqs)
		},
	}
	addBatchFlags(cmd)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import [files...]",
		Short: "Classify transactions from OFX/QFX files",
		Long: `Classify the debits in OFX or QFX (Quicken) files exported from your bank.

Examples:
  tally import ~/Downloads/chase_jan_2024.qfx
  tally import ~/Downloads/*.qfx --include-credits`,
		Args: cobra.MinimumNArgs(1),
		RunE: runImport,
	}
	addBatchFlags(cmd)
	cmd.Flags().Bool("include-credits", false, "also classify deposits and refunds")
	return cmd
}

func runImport(cmd *cobra.Command, args []string) error {
	files, err := expandFiles(args)
	if err != nil {
		return err
	}

	var opts []ofx.Option
	if credits, _ := cmd.Flags().GetBool("include-credits"); credits {
		opts = append(opts, ofx.WithCredits())
	}
	parser := ofx.NewParser(opts...)

	var reqs []model.ClassifyRequest
	for _, path := range files {
		entries, err := parseOFXFile(cmd.Context(), parser, path)
		if err != nil {
			slog.Error("Failed to parse OFX file", "file", path, "error", err)
			continue
		}
		if len(entries) == 0 {
			slog.Warn("No transactions found in file", "file", filepath.Base(path))
			continue
		}
		slog.Info("Parsed file", "file", filepath.Base(path), "transactions", len(entries))
		for _, e := range entries {
			reqs = append(reqs, e.Request())
		}
	}
	if len(reqs) == 0 {
		return common.NewUserError("No transactions to classify", nil)
	}
	return runBatch(cmd, reqs)
}

func parseOFXFile(ctx context.Context, parser *ofx.Parser, path string) ([]ofx.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return parser.ParseFile(ctx, f)
}

// expandFiles resolves glob patterns; plain paths that exist are kept as is.
func expandFiles(patterns []string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
		}
		if len(matches) > 0 {
			files = append(files, matches...)
			continue
		}
		if _, err := os.Stat(pattern); err == nil {
			files = append(files, pattern)
		} else {
			slog.Warn("No files found matching pattern", "pattern", pattern)
		}
	}
	if len(files) == 0 {
		return nil, common.NewUserError("No files found to import", nil)
	}
	return files, nil
}

func batchOptions(cmd *cobra.Command, total int) (engine.BatchOptions, bool) {
	workers, _ := cmd.Flags().GetInt("workers")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	noProgress, _ := cmd.Flags().GetBool("no-progress")

	opts := engine.BatchOptions{Workers: workers, DryRun: dryRun}
	if !noProgress && total > 0 {
		opts.Progress = cli.NewProgress(cmd.ErrOrStderr(), total, "Classifying").Update
	}
	return opts, !noProgress
}

func runBatch(cmd *cobra.Command, reqs []model.ClassifyRequest) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	opts, showProgress := batchOptions(cmd, len(reqs))
	interrupts := cli.NewInterruptHandler(cmd.ErrOrStderr())
	ctx := interrupts.HandleInterrupts(cmd.Context(), showProgress)

	summary := a.engine.ClassifyBatch(ctx, reqs, opts)

	out := cmd.OutOrStdout()
	printBatchFailures(out, summary)
	if _, err := fmt.Fprintln(out, cli.RenderBatchSummary(summary)); err != nil {
		return err
	}
	if interrupts.WasInterrupted() {
		return common.NewUserError("Batch interrupted", context.Canceled)
	}
	return nil
}

func printBatchFailures(w io.Writer, summary *engine.BatchSummary) {
	for _, r := range summary.Results {
		if r.Error == nil || errors.Is(r.Error, context.Canceled) {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s\n", cli.FormatError(fmt.Sprintf("Row %d: %v", r.Index+1, r.Error))); err != nil {
			slog.Warn("Failed to write batch output", "error", err)
			return
		}
	}
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <golden.csv>",
		Short: "Measure accuracy against a labeled CSV",
		Long: `Classify every row of a golden set (columns description,true_category)
without saving anything and report accuracy, review rate and mistakes.

Example:
  tally evaluate golden.csv --show 20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return common.NewUserError("Cannot open "+args[0], err)
			}
			defer func() { _ = f.Close() }()

			examples, err := parseGolden(f)
			if err != nil {
				return common.NewUserError("Cannot read "+filepath.Base(args[0]), err)
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			opts, _ := batchOptions(cmd, len(examples))
			report := a.engine.Evaluate(cmd.Context(), examples, opts)

			show, _ := cmd.Flags().GetInt("show")
			_, err = fmt.Fprintln(cmd.OutOrStdout(), cli.RenderEvaluation(report, show))
			return err
		},
	}
	cmd.Flags().IntP("workers", "w", engine.DefaultWorkers, "number of concurrent classifications")
	cmd.Flags().Bool("no-progress", false, "hide the progress bar")
	cmd.Flags().Int("show", 10, "number of mistakes to list (0 lists all)")
	return cmd
}
