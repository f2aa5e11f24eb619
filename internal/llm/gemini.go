package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// geminiClient implements Client for the Gemini generateContent API.
type geminiClient struct {
	httpClient *http.Client
	limiter    *rateLimiter
	apiKey     string
	model      string
	baseURL    string
	maxTokens  int
}

func newGeminiClient(cfg Config) (*geminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-1.5-flash"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 200
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}

	return &geminiClient{
		httpClient: newHTTPClient(cfg.Timeout),
		limiter:    newRateLimiter(cfg.RateLimit),
		apiKey:     cfg.APIKey,
		model:      model,
		baseURL:    baseURL,
		maxTokens:  maxTokens,
	}, nil
}

func (c *geminiClient) Name() string { return "gemini" }

// Classify sends one classification request.
func (c *geminiClient) Classify(ctx context.Context, prompt string, temperature float64) (ClassificationResponse, error) {
	if err := c.limiter.wait(ctx); err != nil {
		return ClassificationResponse{}, err
	}

	body := map[string]any{
		"systemInstruction": map[string]any{
			"parts": []map[string]string{{"text": systemPrompt}},
		},
		"contents": []map[string]any{
			{"role": "user", "parts": []map[string]string{{"text": prompt}}},
		},
		"generationConfig": map[string]any{
			"temperature":      temperature,
			"maxOutputTokens":  c.maxTokens,
			"responseMimeType": "application/json",
		},
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	data, err := postJSON(ctx, c.httpClient, url, map[string]string{
		"x-goog-api-key": c.apiKey,
	}, body)
	if err != nil {
		return ClassificationResponse{}, fmt.Errorf("gemini: %w", err)
	}

	var response geminiResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return ClassificationResponse{}, fmt.Errorf("gemini: %w: %v", ErrMalformedResponse, err)
	}
	if len(response.Candidates) == 0 || len(response.Candidates[0].Content.Parts) == 0 {
		return ClassificationResponse{}, fmt.Errorf("gemini: %w: no candidates", ErrEmptyResponse)
	}

	var text strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return parseClassification(text.String())
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
			Role string `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}
