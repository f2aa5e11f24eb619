package engine

import (
	"context"
	"strings"

	"github.com/Veraticus/tally/internal/model"
)

// Evaluate runs the pipeline without persistence over a golden set and
// reports accuracy, review rate and where decisions came from.
func (e *Engine) Evaluate(ctx context.Context, examples []model.LabeledExample, opts BatchOptions) model.EvaluationReport {
	decisions := make([]model.Decision, len(examples))
	failed := make([]bool, len(examples))

	e.runPool(ctx, len(examples), opts.Workers, opts.Progress, func(ctx context.Context, i int) {
		d, err := e.Preview(ctx, model.ClassifyRequest{Description: examples[i].Description})
		decisions[i] = d
		failed[i] = err != nil
	}, func(i int) {
		failed[i] = true
	})

	report := model.EvaluationReport{
		BySource: make(map[model.Source]int),
		Total:    len(examples),
	}
	for i, ex := range examples {
		d := decisions[i]
		if failed[i] || d.Undecidable() {
			report.Undecided++
		} else {
			report.BySource[d.Source]++
		}
		if d.NeedsReview || failed[i] {
			report.Reviewed++
		}
		if !failed[i] && strings.EqualFold(strings.TrimSpace(d.FinalCategory), strings.TrimSpace(ex.TrueCategory)) {
			report.Correct++
			continue
		}
		report.Mistakes = append(report.Mistakes, model.EvaluationMistake{
			Description: ex.Description,
			Expected:    ex.TrueCategory,
			Predicted:   d.FinalCategory,
			Source:      d.Source,
		})
	}
	if report.Total > 0 {
		report.Accuracy = float64(report.Correct) / float64(report.Total)
		report.ReviewRate = float64(report.Reviewed) / float64(report.Total)
	}

	e.logger.Info("evaluation complete",
		"total", report.Total,
		"correct", report.Correct,
		"accuracy", report.Accuracy,
		"review_rate", report.ReviewRate)
	return report
}
