package llm

import (
	"context"
	"errors"
	"time"
)

// Client is one LLM provider.
type Client interface {
	// Name identifies the provider in risk flags and evidence.
	Name() string
	Classify(ctx context.Context, prompt string, temperature float64) (ClassificationResponse, error)
}

// ClassificationResponse is a parsed, not yet validated, model answer.
type ClassificationResponse struct {
	Category    string
	Explanation string
	Confidence  float64
}

// Config configures a provider client.
type Config struct {
	Provider  string
	APIKey    string
	Model     string
	BaseURL   string
	Timeout   time.Duration
	RateLimit int
	MaxTokens int
}

// Response errors.
var (
	ErrMalformedResponse = errors.New("malformed model response")
	ErrEmptyResponse     = errors.New("empty model response")
)
