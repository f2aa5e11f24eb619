package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const defaultAnthropicBaseURL = "https://api.anthropic.com/v1"

// anthropicClient implements Client for the Anthropic messages API.
type anthropicClient struct {
	httpClient *http.Client
	limiter    *rateLimiter
	apiKey     string
	model      string
	baseURL    string
	maxTokens  int
}

func newAnthropicClient(cfg Config) (*anthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 200
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}

	return &anthropicClient{
		httpClient: newHTTPClient(cfg.Timeout),
		limiter:    newRateLimiter(cfg.RateLimit),
		apiKey:     cfg.APIKey,
		model:      model,
		baseURL:    baseURL,
		maxTokens:  maxTokens,
	}, nil
}

func (c *anthropicClient) Name() string { return "anthropic" }

// Classify sends one classification request.
func (c *anthropicClient) Classify(ctx context.Context, prompt string, temperature float64) (ClassificationResponse, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return ClassificationResponse{}, err
	}

	body := map[string]any{
		"model":       c.model,
		"max_tokens":  c.maxTokens,
		"temperature": temperature,
		"system":      systemPrompt,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}

	data, err := postJSON(ctx, c.httpClient, c.baseURL+"/messages", map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": "2023-06-01",
	}, body)
	if err != nil {
		return ClassificationResponse{}, fmt.Errorf("anthropic: %w", err)
	}

	var response anthropicResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return ClassificationResponse{}, fmt.Errorf("anthropic: %w: %v", ErrMalformedResponse, err)
	}
	for _, block := range response.Content {
		if block.Type == "text" || block.Type == "" {
			return parseClassification(block.Text)
		}
	}
	return ClassificationResponse{}, fmt.Errorf("anthropic: %w: no text content", ErrEmptyResponse)
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}
