package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/Veraticus/tally/internal/common"
)

// NewClient creates a provider client from cfg.
func NewClient(cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return newOpenAIClient(cfg)
	case "anthropic":
		return newAnthropicClient(cfg)
	case "gemini":
		return newGeminiClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// NewClientOrUnavailable returns a working client, or one that fails every
// call when the provider cannot be built (typically a missing API key).
// The orchestrator then degrades exactly as it would for an outage.
func NewClientOrUnavailable(cfg Config) (Client, error) {
	c, err := NewClient(cfg)
	if err == nil {
		return c, nil
	}
	if cfg.APIKey == "" {
		return Unavailable(strings.ToLower(cfg.Provider), err), err
	}
	return nil, err
}

// Unavailable returns a client whose every call fails with reason.
func Unavailable(name string, reason error) Client {
	return &unavailableClient{name: name, reason: reason}
}

type unavailableClient struct {
	reason error
	name   string
}

func (u *unavailableClient) Name() string { return u.name }

func (u *unavailableClient) Classify(_ context.Context, _ string, _ float64) (ClassificationResponse, error) {
	return ClassificationResponse{}, fmt.Errorf("%s: %w: %v", u.name, common.ErrProviderUnavailable, u.reason)
}
