// Package evidence renders the recorded signals of a decision as an ordered,
// human-readable trail.
package evidence

import (
	"fmt"
	"strings"

	"github.com/Veraticus/tally/internal/model"
)

var flagDescriptions = map[string]string{
	"model_disagreement":         "primary model calls returned different categories",
	"high_confidence_variance":   "primary model confidences differed by more than the allowed delta",
	"cross_model_disagreement":   "fallback model disagreed with the primary model",
	"weak_cross_model_agreement": "cross-model agreement score below 0.50",
	"fallback_unstable":          "fallback model calls disagreed with each other",
	"fallback_failed":            "fallback model produced no valid answer; primary best guess kept",
	"all_model_calls_failed":     "no model call produced a valid answer",
	"json_parse_error":           "a model response was not valid JSON",
	"empty_response":             "a model returned an empty response",
	"invalid_category":           "a model answered with a category outside the whitelist",
	"confidence_out_of_range":    "a model reported confidence outside [0, 1]",
	"provider_timeout":           "a model call timed out",
	"provider_rate_limited":      "a model call was rate limited",
	"provider_error":             "a model call failed",
	"unseen_merchant":            "merchant has not been seen before",
	"high_override_rate":         "merchant has been corrected by humans more than once",
	"embedding_drift_detected":   "description drifted from the merchant's history",
	"low_embedding_similarity":   "closest known merchant is below the similarity threshold",
	"embedding_unavailable":      "embedding provider unavailable; memory matched by exact key only",
	"ambiguous_rules_match":      "several rules with different categories matched",
	"pii_redacted":               "personal data was redacted from the description",
	"low_confidence":             "confidence below 0.50",
	"below_confidence_threshold": "confidence below the review threshold",
}

// Generate builds the evidence trail from signals alone: memory similarity,
// the source that fired, drift, then one line per risk flag.
func Generate(s model.Signals) model.Evidence {
	var statements []string

	if s.Similarity != nil && s.MatchedMerchant != "" {
		line := fmt.Sprintf("Embedding similarity %.2f to known merchant '%s'", *s.Similarity, s.MatchedMerchant)
		if s.MatchedHuman {
			line += " (human-verified)"
		}
		statements = append(statements, line)
		if s.MatchedOverrides > 0 {
			statements = append(statements, fmt.Sprintf("Merchant previously corrected %d time(s)", s.MatchedOverrides))
		}
	}

	statements = append(statements, sourceStatement(s))

	if s.DriftChecked {
		sim := 0.0
		if s.DriftSimilarity != nil {
			sim = *s.DriftSimilarity
		}
		if s.Drift {
			statements = append(statements, fmt.Sprintf("Embedding drift detected vs historical merchant patterns (similarity %.2f)", sim))
		} else {
			statements = append(statements, fmt.Sprintf("No embedding drift vs merchant history (similarity %.2f)", sim))
		}
	}

	for _, flag := range s.RiskFlags {
		statements = append(statements, "Risk flag "+flag+": "+describeFlag(flag))
	}

	return model.Evidence{
		MerchantNormalized: s.MerchantKey,
		Statements:         statements,
		Summary:            summary(s),
	}
}

func sourceStatement(s model.Signals) string {
	switch s.Source {
	case model.SourceHumanVerified:
		return fmt.Sprintf("Human-verified merchant memory assigned '%s'", s.Category)
	case model.SourceEmbedding:
		return fmt.Sprintf("Merchant memory match assigned '%s'", s.Category)
	case model.SourceRules:
		if s.RuleKeyword != "" {
			return fmt.Sprintf("Rule '%s' matched '%s' and assigned '%s'", s.RuleName, s.RuleKeyword, s.Category)
		}
		return fmt.Sprintf("Rule '%s' assigned '%s'", s.RuleName, s.Category)
	case model.SourceLLM:
		return llmStatement(s)
	default:
		return "No decision source recorded"
	}
}

func llmStatement(s model.Signals) string {
	if s.Category == "" {
		return fmt.Sprintf("No valid answer from %s or %s; category left undecided (state %s)",
			s.PrimaryProvider, s.FallbackProvider, s.LLMState)
	}

	var b strings.Builder
	switch s.LLMState {
	case "O1":
		fmt.Fprintf(&b, "Model %s answered '%s' consistently across two calls", s.PrimaryProvider, s.Category)
	case "G1":
		fmt.Fprintf(&b, "Fallback model %s answered '%s' consistently across two calls", s.FallbackProvider, s.Category)
	case "G2":
		fmt.Fprintf(&b, "Fallback model %s was unstable; kept higher-confidence answer '%s'", s.FallbackProvider, s.Category)
	case "G3":
		fmt.Fprintf(&b, "Only one fallback call to %s succeeded; it answered '%s'", s.FallbackProvider, s.Category)
	case "G4p":
		fmt.Fprintf(&b, "Fallback model %s failed; kept best guess '%s' from %s", s.FallbackProvider, s.Category, s.PrimaryProvider)
	default:
		fmt.Fprintf(&b, "Model answered '%s'", s.Category)
	}
	fmt.Fprintf(&b, " (state %s, confidence %.2f", s.LLMState, s.Confidence)
	if s.AgreementScore != nil {
		fmt.Fprintf(&b, ", agreement %.2f", *s.AgreementScore)
	}
	b.WriteString(")")
	return b.String()
}

func summary(s model.Signals) string {
	review := ""
	if s.NeedsReview {
		review = "; needs review"
	}
	if s.Category == "" {
		return fmt.Sprintf("Undecided; risk %s (%.2f)%s", s.RiskLevel, s.RiskScore, review)
	}
	return fmt.Sprintf("%s via %s, reliability %s, risk %s (%.2f)%s",
		s.Category, s.Source, s.Reliability, s.RiskLevel, s.RiskScore, review)
}

func describeFlag(flag string) string {
	if d, ok := flagDescriptions[flag]; ok {
		return d
	}
	if provider, ok := strings.CutPrefix(flag, "partial_"); ok {
		return "only one call to " + provider + " returned a valid answer"
	}
	return "raised upstream"
}

// CorrectionStatement describes a human correction for a replayed trail.
func CorrectionStatement(c model.CorrectionAudit) string {
	from := c.PreviousCategory
	if from == "" {
		from = "undecided"
	}
	return fmt.Sprintf("Corrected by a reviewer from '%s' to '%s'", from, c.CorrectedCategory)
}
