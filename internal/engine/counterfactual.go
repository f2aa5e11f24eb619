package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/normalize"
	"github.com/Veraticus/tally/internal/pii"
)

// ErrEmptyModifier is returned by Counterfactual when there is nothing to add.
var ErrEmptyModifier = errors.New("modifier is empty")

// Counterfactual classifies the description with and without the modifier
// and reports whether the category changed. Nothing is persisted.
func (e *Engine) Counterfactual(ctx context.Context, req model.CounterfactualRequest) (model.CounterfactualResult, error) {
	base := strings.TrimSpace(req.Description)
	modifier := strings.TrimSpace(req.Modifier)
	if base == "" {
		return model.CounterfactualResult{}, ErrEmptyDescription
	}
	if modifier == "" {
		return model.CounterfactualResult{}, ErrEmptyModifier
	}

	original := e.decide(ctx, model.ClassifyRequest{Description: base}).decision
	modified := e.decide(ctx, model.ClassifyRequest{Description: Augment(base, modifier)}).decision

	triggers := TriggerWords(base, modifier)
	changed := original.FinalCategory != modified.FinalCategory

	res := model.CounterfactualResult{
		OriginalCategory: original.FinalCategory,
		NewCategory:      modified.FinalCategory,
		Changed:          changed,
		TriggerWords:     triggers,
		Original:         &original,
		Modified:         &modified,
	}
	res.AnalysisSummary = counterfactualSummary(res, modifier)

	e.logger.Debug("counterfactual evaluated",
		"merchant", original.Evidence.MerchantNormalized,
		"original_category", res.OriginalCategory,
		"new_category", res.NewCategory,
		"changed", changed)
	return res, nil
}

// Augment appends modifier to base the way counterfactuals are phrased.
func Augment(base, modifier string) string {
	return base + " (" + modifier + ")"
}

// TriggerWords returns the normalized modifier tokens missing from base.
// The result is never nil.
func TriggerWords(base, modifier string) []string {
	baseTokens := normalize.Tokens(pii.Redact(base).Text)
	modTokens := normalize.Tokens(pii.Redact(modifier).Text)
	out := normalize.Unique(modTokens, baseTokens)
	if out == nil {
		out = []string{}
	}
	return out
}

func counterfactualSummary(res model.CounterfactualResult, modifier string) string {
	label := func(c string) string {
		if c == "" {
			return "undecided"
		}
		return "'" + c + "'"
	}
	if !res.Changed {
		return fmt.Sprintf("Adding %q did not change the category (%s)", modifier, label(res.OriginalCategory))
	}
	summary := fmt.Sprintf("Adding %q changed the category from %s to %s",
		modifier, label(res.OriginalCategory), label(res.NewCategory))
	if len(res.TriggerWords) > 0 {
		summary += "; likely triggers: " + strings.Join(res.TriggerWords, ", ")
	}
	return summary
}
