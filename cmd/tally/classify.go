package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Veraticus/tally/internal/cli"
	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/engine"
	"github.com/Veraticus/tally/internal/model"
)

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify <description>",
		Short: "Classify one expense description",
		Long: `Classify one expense description and print the decision with its evidence.

Examples:
  tally classify "UBER *TRIP HELP.UBER.COM"
  tally classify "ACME CONSULTING INV 42" --amount 1200 --date 2024-03-01
  tally classify "Dinner at Nopa" --dry-run`,
		Args: cobra.MinimumNArgs(1),
		RunE: runClassify,
	}
	cmd.Flags().Float64("amount", 0, "transaction amount")
	cmd.Flags().String("date", "", "transaction date (YYYY-MM-DD)")
	cmd.Flags().Bool("dry-run", false, "classify without saving the transaction or learning the merchant")
	cmd.Flags().Bool("json", false, "print the decision as JSON")
	return cmd
}

func runClassify(cmd *cobra.Command, args []string) error {
	req := model.ClassifyRequest{Description: strings.Join(args, " ")}
	if cmd.Flags().Changed("amount") {
		amount, _ := cmd.Flags().GetFloat64("amount")
		req.Amount = &amount
	}
	if s, _ := cmd.Flags().GetString("date"); s != "" {
		date, err := model.ParseDate(s)
		if err != nil {
			return common.NewUserError("Date must look like 2024-03-01", err)
		}
		req.Date = date
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	asJSON, _ := cmd.Flags().GetBool("json")

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	var d model.Decision
	if dryRun {
		d, err = a.engine.Preview(cmd.Context(), req)
	} else {
		d, err = a.engine.Classify(cmd.Context(), req)
	}
	if errors.Is(err, engine.ErrEmptyDescription) {
		return common.NewUserError("Description is empty", err)
	}
	if err != nil && d.FinalCategory == "" && d.Source == "" {
		return err
	}
	if printErr := printDecision(cmd.OutOrStdout(), d, asJSON); printErr != nil {
		return printErr
	}
	if err != nil {
		return fmt.Errorf("decision was not saved: %w", err)
	}
	return nil
}

func printDecision(w io.Writer, d model.Decision, asJSON bool) error {
	if asJSON {
		return writeJSON(w, d)
	}
	_, err := fmt.Fprintln(w, cli.RenderDecision(d))
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func correctCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "correct <transaction-id> <category>",
		Short: "Correct the category of a stored transaction",
		Long: `Record a human correction. The merchant is remembered as human verified
and future transactions from it take this category.

Example:
  tally correct 6f1c2d0e-... "Meals & Entertainment"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.Correct(cmd.Context(), model.CorrectionRequest{
				TransactionID:     args[0],
				CorrectedCategory: strings.Join(args[1:], " "),
			})
			switch {
			case errors.Is(err, common.ErrNotFound):
				return notFound("transaction", args[0], err)
			case errors.Is(err, common.ErrAlreadyCorrected), errors.Is(err, common.ErrInvalidCategory):
				return common.NewUserError(res.Message, err)
			case err != nil:
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(res.Message))
			return err
		},
	}
}

func counterfactualCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counterfactual <description> <modifier>",
		Short: "Check whether extra context would change a classification",
		Long: `Classify a description twice, once as is and once with the modifier
appended, and report whether the category changed and which words caused it.
Nothing is saved.

Example:
  tally counterfactual "Dinner at Nopa" "client dinner"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.Counterfactual(cmd.Context(), model.CounterfactualRequest{
				Description: args[0],
				Modifier:    args[1],
			})
			if errors.Is(err, engine.ErrEmptyDescription) || errors.Is(err, engine.ErrEmptyModifier) {
				return common.NewUserError("Both a description and a modifier are required", err)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), cli.RenderCounterfactual(res))
			return err
		},
	}
	cmd.Flags().Bool("json", false, "print the result as JSON")
	return cmd
}

func evidenceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evidence <transaction-id>",
		Short: "Replay the evidence trail of a stored transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ev, err := a.engine.ReplayEvidence(cmd.Context(), args[0])
			if err != nil {
				return notFound("transaction", args[0], err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), cli.RenderEvidence(args[0], ev))
			return err
		},
	}
}

func categoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List the category whitelist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			for _, c := range cfg.Categories {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "  • %s\n", c); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
