package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/Veraticus/tally/internal/common"
)

// Call failure flags.
const (
	FlagJSONParseError       = "json_parse_error"
	FlagEmptyResponse        = "empty_response"
	FlagInvalidCategory      = "invalid_category"
	FlagConfidenceOutOfRange = "confidence_out_of_range"
	FlagProviderTimeout      = "provider_timeout"
	FlagProviderRateLimited  = "provider_rate_limited"
	FlagProviderError        = "provider_error"
)

// Orchestration flags.
const (
	FlagModelDisagreement      = "model_disagreement"
	FlagHighConfidenceVariance = "high_confidence_variance"
	FlagCrossModelDisagreement = "cross_model_disagreement"
	FlagFallbackUnstable       = "fallback_unstable"
	FlagFallbackFailed         = "fallback_failed"
	FlagAllModelCallsFailed    = "all_model_calls_failed"
	partialFlagPrefix          = "partial_"
)

// PartialFlag names the flag raised when only one call to provider succeeded.
func PartialFlag(provider string) string {
	return partialFlagPrefix + provider
}

// IsPartialFlag reports whether flag was produced by PartialFlag.
func IsPartialFlag(flag string) bool {
	return strings.HasPrefix(flag, partialFlagPrefix) && len(flag) > len(partialFlagPrefix)
}

// IsValidationFlag reports whether flag marks a response that arrived but
// failed validation.
func IsValidationFlag(flag string) bool {
	switch flag {
	case FlagJSONParseError, FlagEmptyResponse, FlagInvalidCategory, FlagConfidenceOutOfRange:
		return true
	}
	return false
}

// whitelist resolves model categories to their canonical spelling.
type whitelist map[string]string

func newWhitelist(categories []string) whitelist {
	w := make(whitelist, len(categories))
	for _, c := range categories {
		w[strings.ToLower(strings.TrimSpace(c))] = c
	}
	return w
}

func (w whitelist) canonical(category string) (string, bool) {
	c, ok := w[strings.ToLower(strings.TrimSpace(category))]
	return c, ok
}

// failureFlag maps a provider error onto a call failure flag.
func failureFlag(err error) string {
	switch {
	case errors.Is(err, ErrMalformedResponse):
		return FlagJSONParseError
	case errors.Is(err, ErrEmptyResponse):
		return FlagEmptyResponse
	case errors.Is(err, context.DeadlineExceeded):
		return FlagProviderTimeout
	case errors.Is(err, common.ErrRateLimit):
		return FlagProviderRateLimited
	default:
		return FlagProviderError
	}
}

// validate turns a parsed response into a candidate, or returns the flag
// describing why it cannot be one.
func (w whitelist) validate(resp ClassificationResponse) (ClassificationResponse, string) {
	category, ok := w.canonical(resp.Category)
	if !ok {
		return ClassificationResponse{}, FlagInvalidCategory
	}
	if resp.Confidence < 0 || resp.Confidence > 1 {
		return ClassificationResponse{}, FlagConfidenceOutOfRange
	}
	resp.Category = category
	return resp, ""
}
