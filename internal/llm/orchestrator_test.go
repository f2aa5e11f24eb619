package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/config"
	"github.com/Veraticus/tally/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, primary, fallback Client) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(primary, fallback, Options{
		Categories:   config.DefaultCategories,
		StageTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	return o
}

func TestOrchestrator_States(t *testing.T) {
	tests := []struct {
		name             string
		primary          []MockResponse
		fallback         []MockResponse
		wantState        State
		wantCategory     string
		wantReliability  model.Reliability
		wantFlags        []string
		wantAgreement    *float64
		wantSelfConsist  *bool
		wantFallbackUsed bool
	}{
		{
			name:            "O1 primary self-consistent",
			primary:         []MockResponse{Reply("Software / SaaS", 0.90), Reply("Software / SaaS", 0.80)},
			wantState:       StatePrimaryConsistent,
			wantCategory:    "Software / SaaS",
			wantReliability: model.ReliabilityHigh,
			wantFlags:       []string{},
			wantSelfConsist: boolPtr(true),
		},
		{
			name:            "O1 at exactly the consistency delta",
			primary:         []MockResponse{Reply("Travel", 0.90), Reply("Travel", 0.75)},
			wantState:       StatePrimaryConsistent,
			wantCategory:    "Travel",
			wantReliability: model.ReliabilityHigh,
			wantFlags:       []string{},
			wantSelfConsist: boolPtr(true),
		},
		{
			name:             "O2 category disagreement then G1 agreeing",
			primary:          []MockResponse{Reply("Travel", 0.9), Reply("Meals & Entertainment", 0.6)},
			fallback:         []MockResponse{Reply("Travel", 0.85), Reply("Travel", 0.8)},
			wantState:        StateFallbackConsistent,
			wantCategory:     "Travel",
			wantReliability:  model.ReliabilityMedium,
			wantFlags:        []string{FlagModelDisagreement},
			wantAgreement:    float64Ptr(0.95),
			wantSelfConsist:  boolPtr(false),
			wantFallbackUsed: true,
		},
		{
			name:             "O2 confidence variance then G1",
			primary:          []MockResponse{Reply("Travel", 0.95), Reply("Travel", 0.5)},
			fallback:         []MockResponse{Reply("Travel", 0.9), Reply("Travel", 0.9)},
			wantState:        StateFallbackConsistent,
			wantCategory:     "Travel",
			wantReliability:  model.ReliabilityMedium,
			wantFlags:        []string{FlagHighConfidenceVariance},
			wantAgreement:    float64Ptr(0.95),
			wantSelfConsist:  boolPtr(false),
			wantFallbackUsed: true,
		},
		{
			name:             "O3 partial then G1 derives reliability from agreement",
			primary:          []MockResponse{Reply("Utilities", 0.9), Fail(errors.New("boom"))},
			fallback:         []MockResponse{Reply("Utilities", 0.85), Reply("Utilities", 0.85)},
			wantState:        StateFallbackConsistent,
			wantCategory:     "Utilities",
			wantReliability:  model.ReliabilityHigh,
			wantFlags:        []string{"partial_primary", FlagProviderError},
			wantAgreement:    float64Ptr(0.95),
			wantSelfConsist:  boolPtr(true),
			wantFallbackUsed: true,
		},
		{
			name:             "O3 then G1 with a different category",
			primary:          []MockResponse{Reply("Utilities", 0.9), Fail(common.ErrRateLimit)},
			fallback:         []MockResponse{Reply("Rent", 0.8), Reply("Rent", 0.8)},
			wantState:        StateFallbackConsistent,
			wantCategory:     "Rent",
			wantReliability:  model.ReliabilityLow,
			wantFlags:        []string{FlagCrossModelDisagreement, "partial_primary", FlagProviderRateLimited},
			wantAgreement:    float64Ptr(0),
			wantSelfConsist:  boolPtr(true),
			wantFallbackUsed: true,
		},
		{
			name:             "O4 then G1 leaves agreement undefined",
			primary:          []MockResponse{Fail(fmt.Errorf("x: %w", ErrMalformedResponse))},
			fallback:         []MockResponse{Reply("Rent", 0.8), Reply("Rent", 0.7)},
			wantState:        StateFallbackConsistent,
			wantCategory:     "Rent",
			wantReliability:  model.ReliabilityMedium,
			wantFlags:        []string{FlagJSONParseError},
			wantSelfConsist:  boolPtr(true),
			wantFallbackUsed: true,
		},
		{
			name:             "G2 fallback disagreement",
			primary:          []MockResponse{Fail(ErrEmptyResponse)},
			fallback:         []MockResponse{Reply("Rent", 0.6), Reply("Utilities", 0.7)},
			wantState:        StateFallbackDisagreement,
			wantCategory:     "Utilities",
			wantReliability:  model.ReliabilityLow,
			wantFlags:        []string{FlagEmptyResponse, FlagFallbackUnstable},
			wantSelfConsist:  boolPtr(false),
			wantFallbackUsed: true,
		},
		{
			name:             "G3 fallback partial",
			primary:          []MockResponse{Reply("Not A Category", 0.9)},
			fallback:         []MockResponse{Reply("Rent", 0.6), Reply("Rent", 1.7)},
			wantState:        StateFallbackPartial,
			wantCategory:     "Rent",
			wantReliability:  model.ReliabilityLow,
			wantFlags:        []string{FlagConfidenceOutOfRange, FlagInvalidCategory, "partial_fallback"},
			wantFallbackUsed: true,
		},
		{
			name:             "G4 with provisional returns best effort",
			primary:          []MockResponse{Reply("Travel", 0.9), Reply("Rent", 0.4)},
			fallback:         []MockResponse{Fail(errors.New("down"))},
			wantState:        StateFallbackFailed,
			wantCategory:     "Travel",
			wantReliability:  model.ReliabilityLow,
			wantFlags:        []string{FlagFallbackFailed, FlagModelDisagreement, FlagProviderError},
			wantSelfConsist:  boolPtr(false),
			wantFallbackUsed: true,
		},
		{
			name:             "G4 all calls failed",
			primary:          []MockResponse{Fail(errors.New("down"))},
			fallback:         []MockResponse{Fail(errors.New("down"))},
			wantState:        StateExhausted,
			wantReliability:  model.ReliabilityLow,
			wantFlags:        []string{FlagAllModelCallsFailed, FlagProviderError},
			wantFallbackUsed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := NewMockClient("primary", tt.primary...)
			fallback := NewMockClient("fallback", tt.fallback...)
			o := newTestOrchestrator(t, primary, fallback)

			out := o.Classify(context.Background(), "some purchase")

			assert.Equal(t, tt.wantState, out.State)
			assert.Equal(t, tt.wantReliability, out.Reliability)
			assert.Equal(t, tt.wantFlags, out.RiskFlags)
			assert.Equal(t, tt.wantFallbackUsed, out.CrossModelUsed)
			assert.Equal(t, 2, primary.CallCount())

			if tt.wantFallbackUsed {
				assert.Equal(t, 2, fallback.CallCount())
				assert.Len(t, out.Calls, 4)
			} else {
				assert.Zero(t, fallback.CallCount())
				assert.Len(t, out.Calls, 2)
			}

			if tt.wantCategory == "" {
				assert.Nil(t, out.Candidate)
			} else {
				require.NotNil(t, out.Candidate)
				assert.Equal(t, tt.wantCategory, out.Candidate.Category)
			}

			if tt.wantAgreement == nil {
				assert.Nil(t, out.AgreementScore)
			} else {
				require.NotNil(t, out.AgreementScore)
				assert.InDelta(t, *tt.wantAgreement, *out.AgreementScore, 1e-9)
			}

			if tt.wantSelfConsist == nil {
				assert.Nil(t, out.SelfConsistent)
			} else {
				require.NotNil(t, out.SelfConsistent)
				assert.Equal(t, *tt.wantSelfConsist, *out.SelfConsistent)
			}
		})
	}
}

func TestOrchestrator_O1NeverInvokesFallback(t *testing.T) {
	primary := NewMockClient("openai", Reply("Software / SaaS", 0.9), Reply("software / saas", 0.85))
	fallback := NewMockClient("gemini", Reply("Travel", 0.9))
	o := newTestOrchestrator(t, primary, fallback)

	out := o.Classify(context.Background(), "ACME CLOUD SERVICES")

	assert.Equal(t, StatePrimaryConsistent, out.State)
	assert.False(t, out.CrossModelUsed)
	assert.Nil(t, out.AgreementScore)
	assert.Zero(t, fallback.CallCount())
	require.NotNil(t, out.Candidate)
	assert.Equal(t, "Software / SaaS", out.Candidate.Category)
	assert.InDelta(t, 0.9, out.Candidate.Confidence, 1e-9)
	assert.Equal(t, "openai", out.PrimaryProvider)
}

func TestOrchestrator_StageTimeoutIsCallFailure(t *testing.T) {
	primary := NewMockClient("openai", MockResponse{
		Response: ClassificationResponse{Category: "Travel", Confidence: 0.9},
		Delay:    5 * time.Second,
	})
	fallback := NewMockClient("gemini", Reply("Travel", 0.9), Reply("Travel", 0.88))

	o, err := NewOrchestrator(primary, fallback, Options{
		Categories:   config.DefaultCategories,
		StageTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	out := o.Classify(context.Background(), "uber trip")

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateFallbackConsistent, out.State)
	assert.Contains(t, out.RiskFlags, FlagProviderTimeout)
	for _, call := range out.Calls[:2] {
		assert.Equal(t, FlagProviderTimeout, call.Failure)
		assert.Equal(t, StagePrimary, call.Stage)
	}
}

func TestOrchestrator_BothCallsUseDistinctTemperatures(t *testing.T) {
	primary := NewMockClient("openai", Reply("Travel", 0.9))
	fallback := NewMockClient("gemini")
	o := newTestOrchestrator(t, primary, fallback)

	o.Classify(context.Background(), "delta air")

	temps := []float64{}
	for _, c := range primary.Calls() {
		temps = append(temps, c.Temperature)
		assert.Contains(t, c.Prompt, "Description: delta air")
	}
	assert.ElementsMatch(t, []float64{0.2, 0.3}, temps)
}

func TestOrchestrator_ValidationFailuresCounted(t *testing.T) {
	primary := NewMockClient("openai", Reply("Bogus", 0.5), Reply("Travel", -0.1))
	fallback := NewMockClient("gemini", Fail(errors.New("down")))
	o := newTestOrchestrator(t, primary, fallback)

	out := o.Classify(context.Background(), "mystery")

	assert.Equal(t, 2, out.ValidationFailures)
	assert.Equal(t, StateExhausted, out.State)
	assert.Nil(t, out.Candidate)
}

func TestNewOrchestrator_Validation(t *testing.T) {
	_, err := NewOrchestrator(nil, NewMockClient("b"), Options{Categories: []string{"A"}})
	require.Error(t, err)

	_, err = NewOrchestrator(NewMockClient("a"), NewMockClient("b"), Options{})
	require.Error(t, err)
}

func TestReliabilityFromAgreement(t *testing.T) {
	assert.Equal(t, model.ReliabilityHigh, reliabilityFromAgreement(0.8))
	assert.Equal(t, model.ReliabilityMedium, reliabilityFromAgreement(0.79))
	assert.Equal(t, model.ReliabilityMedium, reliabilityFromAgreement(0.5))
	assert.Equal(t, model.ReliabilityLow, reliabilityFromAgreement(0.49))
}

func float64Ptr(f float64) *float64 {
	return &f
}
