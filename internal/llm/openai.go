package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openAIClient implements Client for the OpenAI chat completions API.
type openAIClient struct {
	httpClient *http.Client
	limiter    *rateLimiter
	apiKey     string
	model      string
	baseURL    string
	maxTokens  int
}

func newOpenAIClient(cfg Config) (*openAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 200
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	return &openAIClient{
		httpClient: newHTTPClient(cfg.Timeout),
		limiter:    newRateLimiter(cfg.RateLimit),
		apiKey:     cfg.APIKey,
		model:      model,
		baseURL:    baseURL,
		maxTokens:  maxTokens,
	}, nil
}

func (c *openAIClient) Name() string { return "openai" }

// Classify sends one classification request.
func (c *openAIClient) Classify(ctx context.Context, prompt string, temperature float64) (ClassificationResponse, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return ClassificationResponse{}, err
	}

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt},
		},
		"temperature":     temperature,
		"max_tokens":      c.maxTokens,
		"response_format": map[string]string{"type": "json_object"},
	}

	data, err := postJSON(ctx, c.httpClient, c.baseURL+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + c.apiKey,
	}, body)
	if err != nil {
		return ClassificationResponse{}, fmt.Errorf("openai: %w", err)
	}

	var response openAIResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return ClassificationResponse{}, fmt.Errorf("openai: %w: %v", ErrMalformedResponse, err)
	}
	if len(response.Choices) == 0 {
		return ClassificationResponse{}, fmt.Errorf("openai: %w: no choices", ErrEmptyResponse)
	}

	return parseClassification(response.Choices[0].Message.Content)
}

// openAIResponse is the subset of the chat completions response we read.
type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
		Index        int    `json:"index"`
	} `json:"choices"`
}
