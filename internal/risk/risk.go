// Package risk fuses the signals gathered while classifying a transaction
// into a risk score, a risk level and a review recommendation.
package risk

import (
	"sort"
	"strings"

	"github.com/Veraticus/tally/internal/model"
)

// Flags derived by the scorer itself.
const (
	FlagLowConfidence          = "low_confidence"
	FlagBelowThreshold         = "below_confidence_threshold"
	FlagWeakAgreement          = "weak_cross_model_agreement"
	FlagUnseenMerchant         = "unseen_merchant"
	FlagHighOverrideRate       = "high_override_rate"
	FlagLowEmbeddingSimilarity = "low_embedding_similarity"
	FlagEmbeddingUnavailable   = "embedding_unavailable"
	FlagPIIRedacted            = "pii_redacted"
	FlagAmbiguousRules         = "ambiguous_rules_match"
	FlagDrift                  = "embedding_drift_detected"
)

// Weights for each contribution to the risk score.
const (
	WeightLowConfidence     = 0.40
	WeightBelowThreshold    = 0.15
	WeightWeakAgreement     = 0.20
	WeightValidationFailure = 0.10
	MaxValidationPenalty    = 0.30
	WeightPartial           = 0.15
)

// flagWeights maps upstream flags onto their risk contribution. Flags not
// listed are informational and add nothing.
var flagWeights = map[string]float64{
	"high_confidence_variance": 0.15,
	"model_disagreement":       0.25,
	"cross_model_disagreement": 0.25,
	"fallback_unstable":        0.25,
	"fallback_failed":          0.25,
	"all_model_calls_failed":   1.0,
	FlagUnseenMerchant:         0.20,
	FlagHighOverrideRate:       0.20,
	FlagDrift:                  0.20,
	FlagLowEmbeddingSimilarity: 0.20,
	FlagAmbiguousRules:         0.30,
	FlagEmbeddingUnavailable:   0.10,
	FlagPIIRedacted:            0.05,
}

// reviewFlags force a review regardless of the score.
var reviewFlags = map[string]bool{
	"fallback_unstable":        true,
	"cross_model_disagreement": true,
	"all_model_calls_failed":   true,
	FlagAmbiguousRules:         true,
}

// Inputs are the upstream signals for one decision.
type Inputs struct {
	// SelfConsistent is nil when no model was consulted.
	SelfConsistent *bool
	// AgreementScore is nil when undefined.
	AgreementScore     *float64
	Category           string
	Source             model.Source
	Reliability        model.Reliability
	Flags              []string
	Confidence         float64
	ValidationFailures int
	NumOverrides       int
	KnownMerchant      bool
}

// Contribution is one weighted reason the score increased.
type Contribution struct {
	Reason string  `json:"reason"`
	Weight float64 `json:"weight"`
}

// Assessment is the scorer's output.
type Assessment struct {
	Level         model.RiskLevel
	Flags         []string
	Contributions []Contribution
	Score         float64
	Confidence    float64
	NeedsReview   bool
}

// Scorer holds the thresholds used by Score.
type Scorer struct {
	ConfidenceThreshold float64
	MediumThreshold     float64
	HighThreshold       float64
}

// DefaultScorer uses the standard thresholds.
var DefaultScorer = Scorer{
	ConfidenceThreshold: 0.65,
	MediumThreshold:     0.33,
	HighThreshold:       0.66,
}

// Score assesses in with DefaultScorer.
func Score(in Inputs) Assessment {
	return DefaultScorer.Score(in)
}

// Score is a pure function of in.
func (s Scorer) Score(in Inputs) Assessment {
	var contributions []Contribution
	add := func(reason string, weight float64) {
		contributions = append(contributions, Contribution{Reason: reason, Weight: weight})
	}

	flags := make(map[string]struct{}, len(in.Flags)+4)
	for _, f := range in.Flags {
		if f != "" {
			flags[f] = struct{}{}
		}
	}
	if !in.KnownMerchant {
		flags[FlagUnseenMerchant] = struct{}{}
	}
	if in.NumOverrides > 1 {
		flags[FlagHighOverrideRate] = struct{}{}
	}

	confidence := clip(in.Confidence)
	if in.Category == "" {
		confidence = 0
	}
	switch {
	case confidence < 0.5:
		flags[FlagLowConfidence] = struct{}{}
		add(FlagLowConfidence, WeightLowConfidence)
	case confidence < s.ConfidenceThreshold:
		flags[FlagBelowThreshold] = struct{}{}
		add(FlagBelowThreshold, WeightBelowThreshold)
	}

	if in.AgreementScore != nil && *in.AgreementScore < 0.5 {
		flags[FlagWeakAgreement] = struct{}{}
		add(FlagWeakAgreement, WeightWeakAgreement)
	}

	if in.ValidationFailures > 0 {
		penalty := WeightValidationFailure * float64(in.ValidationFailures)
		if penalty > MaxValidationPenalty {
			penalty = MaxValidationPenalty
		}
		add("validation_failures", penalty)
	}

	sorted := make([]string, 0, len(flags))
	for f := range flags {
		sorted = append(sorted, f)
	}
	sort.Strings(sorted)

	for _, f := range sorted {
		if w, ok := flagWeights[f]; ok {
			add(f, w)
		} else if strings.HasPrefix(f, "partial_") {
			add(f, WeightPartial)
		}
	}

	total := 0.0
	for _, c := range contributions {
		total += c.Weight
	}
	score := clip(total)

	level := model.RiskLow
	switch {
	case score >= s.HighThreshold:
		level = model.RiskHigh
	case score >= s.MediumThreshold:
		level = model.RiskMedium
	}

	review := level == model.RiskHigh ||
		in.Reliability == model.ReliabilityLow ||
		(in.SelfConsistent != nil && !*in.SelfConsistent) ||
		in.Category == "" ||
		in.Category == model.NeedsReviewCategory
	for f := range flags {
		if reviewFlags[f] {
			review = true
		}
	}

	return Assessment{
		Score:         score,
		Level:         level,
		NeedsReview:   review,
		Confidence:    confidence,
		Flags:         sorted,
		Contributions: contributions,
	}
}

func clip(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
