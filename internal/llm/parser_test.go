package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantErr    error
		category   string
		confidence float64
	}{
		{
			name:       "plain json",
			content:    `{"category": "Travel", "confidence": 0.92, "explanation": "ride"}`,
			category:   "Travel",
			confidence: 0.92,
		},
		{
			name:       "markdown fence",
			content:    "```json\n{\"category\": \"Rent\", \"confidence\": 0.7}\n```",
			category:   "Rent",
			confidence: 0.7,
		},
		{
			name:       "json prefix without fence",
			content:    "json {\"category\": \"Rent\", \"confidence\": 0.7}",
			category:   "Rent",
			confidence: 0.7,
		},
		{
			name:       "surrounding chatter",
			content:    "Sure! Here it is: {\"category\": \"Utilities\", \"confidence\": 0.5} Hope that helps.",
			category:   "Utilities",
			confidence: 0.5,
		},
		{
			name:       "string confidence",
			content:    `{"category": "Travel", "confidence": "0.8"}`,
			category:   "Travel",
			confidence: 0.8,
		},
		{
			name:       "out of range confidence is left for validation",
			content:    `{"category": "Travel", "confidence": 1.5}`,
			category:   "Travel",
			confidence: 1.5,
		},
		{name: "empty", content: "   ", wantErr: ErrEmptyResponse},
		{name: "not json", content: "I think it is travel", wantErr: ErrMalformedResponse},
		{name: "missing category", content: `{"confidence": 0.9}`, wantErr: ErrMalformedResponse},
		{name: "missing confidence", content: `{"category": "Travel"}`, wantErr: ErrMalformedResponse},
		{name: "word confidence", content: `{"category": "Travel", "confidence": "high"}`, wantErr: ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseClassification(tt.content)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.category, got.Category)
			assert.InDelta(t, tt.confidence, got.Confidence, 1e-9)
		})
	}
}

func TestWhitelistValidate(t *testing.T) {
	w := newWhitelist([]string{"Travel", "Software / SaaS"})

	got, flag := w.validate(ClassificationResponse{Category: " software / saas ", Confidence: 0.4})
	assert.Empty(t, flag)
	assert.Equal(t, "Software / SaaS", got.Category)

	_, flag = w.validate(ClassificationResponse{Category: "Groceries", Confidence: 0.4})
	assert.Equal(t, FlagInvalidCategory, flag)

	_, flag = w.validate(ClassificationResponse{Category: "Travel", Confidence: -0.01})
	assert.Equal(t, FlagConfidenceOutOfRange, flag)

	_, flag = w.validate(ClassificationResponse{Category: "Travel", Confidence: 1})
	assert.Empty(t, flag)
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt("UBER TRIP [REDACTED_CARD]", []string{"Travel", "Rent"})

	assert.Contains(t, prompt, "- Travel\n")
	assert.Contains(t, prompt, "- Rent\n")
	assert.Contains(t, prompt, "Description: UBER TRIP [REDACTED_CARD]")
	assert.Contains(t, prompt, `"confidence"`)
}

func TestFlagHelpers(t *testing.T) {
	assert.Equal(t, "partial_openai", PartialFlag("openai"))
	assert.True(t, IsPartialFlag("partial_gemini"))
	assert.False(t, IsPartialFlag("partial_"))
	assert.True(t, IsValidationFlag(FlagInvalidCategory))
	assert.False(t, IsValidationFlag(FlagProviderTimeout))
}
