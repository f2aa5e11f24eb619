package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
)

// ErrReviewQuit is returned when the user stops a review session early.
var ErrReviewQuit = errors.New("review stopped")

// Corrector applies review answers.
type Corrector interface {
	Correct(ctx context.Context, req model.CorrectionRequest) (model.CorrectionResult, error)
	GetDecision(ctx context.Context, transactionID string) (model.Decision, error)
}

// ReviewStats counts what happened during a review session.
type ReviewStats struct {
	Reviewed  int
	Accepted  int
	Corrected int
	Skipped   int
}

// Reviewer walks flagged transactions and asks a human for the category.
type Reviewer struct {
	reader     *LineReader
	writer     io.Writer
	corrector  Corrector
	categories []string
	stats      ReviewStats
}

// NewReviewer creates a reviewer. The Needs Review category is never offered.
func NewReviewer(reader io.Reader, writer io.Writer, corrector Corrector, categories []string) *Reviewer {
	offered := make([]string, 0, len(categories))
	for _, c := range categories {
		if c != model.NeedsReviewCategory {
			offered = append(offered, c)
		}
	}
	return &Reviewer{
		reader:     NewLineReader(reader),
		writer:     writer,
		corrector:  corrector,
		categories: offered,
	}
}

// Review asks about each record in turn. It returns ErrReviewQuit when the
// user quits; the stats cover everything answered until then.
func (r *Reviewer) Review(ctx context.Context, records []model.TransactionRecord) (ReviewStats, error) {
	for i := range records {
		if err := r.reviewOne(ctx, &records[i], i+1, len(records)); err != nil {
			return r.stats, err
		}
	}
	r.printf("\n%s\n", RenderBox("Review Complete", fmt.Sprintf(
		"  • Reviewed: %d\n  • Accepted: %d\n  • Corrected: %d\n  • Skipped: %d",
		r.stats.Reviewed, r.stats.Accepted, r.stats.Corrected, r.stats.Skipped)))
	return r.stats, nil
}

func (r *Reviewer) reviewOne(ctx context.Context, rec *model.TransactionRecord, n, total int) error {
	r.printf("\n%s\n", FormatTitle(fmt.Sprintf("%s Review %d/%d: %s", ReviewIcon, n, total, rec.CleanedDescription)))
	if rec.Amount != nil {
		r.printf("  Amount: %.2f\n", *rec.Amount)
	}
	if rec.Date != nil {
		r.printf("  Date: %s\n", rec.Date.Format("Jan 2, 2006"))
	}
	if d, err := r.corrector.GetDecision(ctx, rec.ID); err == nil {
		r.printf("%s\n", RenderDecision(d))
	} else {
		slog.Debug("no recorded decision for review", "transaction_id", rec.ID, "error", err)
	}

	canAccept := rec.PredictedCategory != "" && rec.PredictedCategory != model.NeedsReviewCategory
	prompt, choices := "[c]orrect, [s]kip, [q]uit", []string{"c", "s", "q"}
	if canAccept {
		prompt = fmt.Sprintf("[a]ccept %s, [c]orrect, [s]kip, [q]uit", rec.PredictedCategory)
		choices = append(choices, "a")
	}

	choice, err := r.promptChoice(ctx, prompt, choices)
	if err != nil {
		return err
	}

	switch choice {
	case "q":
		return ErrReviewQuit
	case "s":
		r.stats.Skipped++
		return nil
	case "a":
		if r.apply(ctx, rec.ID, rec.PredictedCategory) {
			r.stats.Accepted++
		}
		return nil
	default:
		category, err := r.promptCategory(ctx)
		if err != nil {
			return err
		}
		if r.apply(ctx, rec.ID, category) {
			r.stats.Corrected++
		}
		return nil
	}
}

// apply reports whether the correction went through. Failures are shown
// to the user and the session continues.
func (r *Reviewer) apply(ctx context.Context, id, category string) bool {
	r.stats.Reviewed++
	res, err := r.corrector.Correct(ctx, model.CorrectionRequest{TransactionID: id, CorrectedCategory: category})
	switch {
	case errors.Is(err, common.ErrAlreadyCorrected):
		r.printf("%s\n", FormatWarning("Already corrected elsewhere; skipping"))
		return false
	case err != nil:
		r.printf("%s\n", FormatError(res.Message))
		return false
	}
	r.printf("%s\n", FormatSuccess(res.Message))
	return true
}

func (r *Reviewer) promptChoice(ctx context.Context, prompt string, validChoices []string) (string, error) {
	for {
		r.printf("%s", FormatPrompt(prompt))
		input, err := r.reader.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", ErrReviewQuit
			}
			return "", err
		}

		choice := strings.ToLower(input)
		for _, valid := range validChoices {
			if choice == valid {
				return choice, nil
			}
		}
		r.printf("%s\n", FormatError("Invalid choice. Please try again."))
	}
}

// promptCategory accepts a list number or a category name.
func (r *Reviewer) promptCategory(ctx context.Context) (string, error) {
	for i, c := range r.categories {
		r.printf("  %2d. %s\n", i+1, c)
	}
	for {
		r.printf("%s", FormatPrompt("Category"))
		input, err := r.reader.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", ErrReviewQuit
			}
			return "", err
		}

		if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(r.categories) {
			return r.categories[n-1], nil
		}
		for _, c := range r.categories {
			if strings.EqualFold(c, input) {
				return c, nil
			}
		}
		r.printf("%s\n", FormatError("Unknown category. Please try again."))
	}
}

func (r *Reviewer) printf(format string, args ...any) {
	if _, err := fmt.Fprintf(r.writer, format, args...); err != nil {
		slog.Warn("Failed to write review output", "error", err)
	}
}
