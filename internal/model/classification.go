// Package model defines the core domain models used throughout the application.
package model

// Source names the pipeline stage that produced a decision.
type Source string

// Decision sources.
const (
	SourceRules         Source = "rules"
	SourceEmbedding     Source = "embedding"
	SourceHumanVerified Source = "human_verified"
	SourceLLM           Source = "llm"
)

// RiskLevel buckets a risk score.
type RiskLevel string

// Risk levels.
const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// Reliability grades how much the orchestration result can be trusted,
// independently of the risk score.
type Reliability string

// Reliability levels.
const (
	ReliabilityHigh   Reliability = "HIGH"
	ReliabilityMedium Reliability = "MEDIUM"
	ReliabilityLow    Reliability = "LOW"
)

// Lower returns the next reliability level down. LOW stays LOW.
func (r Reliability) Lower() Reliability {
	switch r {
	case ReliabilityHigh:
		return ReliabilityMedium
	default:
		return ReliabilityLow
	}
}

// NeedsReviewCategory is the whitelist entry reserved for explicit human review.
const NeedsReviewCategory = "Needs Review"

// TrustSignals summarizes how the category was reached.
type TrustSignals struct {
	// SelfConsistent is nil when no model was consulted.
	SelfConsistent *bool `json:"self_consistent"`
	// AgreementScore is nil when the fallback provider was not used or
	// there was no primary candidate to compare against.
	AgreementScore *float64 `json:"agreement_score"`
	RiskFlags      []string `json:"risk_flags"`
	CrossModelUsed bool     `json:"cross_model_used"`
}

// Evidence is the human-readable trail for a decision.
type Evidence struct {
	MerchantNormalized string   `json:"merchant_normalized"`
	Summary            string   `json:"summary"`
	Statements         []string `json:"statements"`
}

// Signals are the recorded inputs of a decision. Evidence is rebuilt from
// these alone, so they are what the audit log persists.
type Signals struct {
	Similarity       *float64    `json:"similarity,omitempty"`
	DriftSimilarity  *float64    `json:"drift_similarity,omitempty"`
	AgreementScore   *float64    `json:"agreement_score,omitempty"`
	MerchantKey      string      `json:"merchant_key"`
	Category         string      `json:"category"`
	Source           Source      `json:"source"`
	MatchedMerchant  string      `json:"matched_merchant,omitempty"`
	RuleName         string      `json:"rule_name,omitempty"`
	RuleKeyword      string      `json:"rule_keyword,omitempty"`
	LLMState         string      `json:"llm_state,omitempty"`
	PrimaryProvider  string      `json:"primary_provider,omitempty"`
	FallbackProvider string      `json:"fallback_provider,omitempty"`
	Explanation      string      `json:"explanation,omitempty"`
	Reliability      Reliability `json:"reliability"`
	RiskLevel        RiskLevel   `json:"risk_level"`
	RiskFlags        []string    `json:"risk_flags"`
	Confidence       float64     `json:"confidence"`
	RiskScore        float64     `json:"risk_score"`
	MatchedOverrides int         `json:"matched_overrides,omitempty"`
	ValidationFails  int         `json:"validation_failures,omitempty"`
	MatchedHuman     bool        `json:"matched_human_verified,omitempty"`
	CrossModelUsed   bool        `json:"cross_model_used"`
	DriftChecked     bool        `json:"drift_checked"`
	Drift            bool        `json:"drift"`
	NeedsReview      bool        `json:"needs_review"`
}

// Decision is the engine's output for one classification request.
// It is built once and never mutated afterwards.
type Decision struct {
	TransactionID string       `json:"transaction_id"`
	FinalCategory string       `json:"final_category"`
	Source        Source       `json:"source"`
	Reliability   Reliability  `json:"reliability"`
	RiskLevel     RiskLevel    `json:"risk_level"`
	Evidence      Evidence     `json:"evidence"`
	Trust         TrustSignals `json:"trust"`
	Signals       Signals      `json:"signals"`
	Confidence    float64      `json:"confidence"`
	RiskScore     float64      `json:"risk_score"`
	NeedsReview   bool         `json:"needs_review"`
	PIIRedacted   bool         `json:"pii_redacted"`
}

// Undecidable reports whether the engine could not produce any category.
func (d Decision) Undecidable() bool {
	return d.FinalCategory == ""
}
