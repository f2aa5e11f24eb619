package llm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// parseClassification decodes the JSON object a model returns. Markdown
// fences and a leading "json" tag are tolerated.
func parseClassification(content string) (ClassificationResponse, error) {
	content = cleanMarkdownWrapper(content)
	if content == "" {
		return ClassificationResponse{}, ErrEmptyResponse
	}

	var raw struct {
		Category    string          `json:"category"`
		Confidence  json.RawMessage `json:"confidence"`
		Explanation string          `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		start, end := strings.Index(content, "{"), strings.LastIndex(content, "}")
		if start < 0 || end <= start {
			return ClassificationResponse{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
			return ClassificationResponse{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}

	if strings.TrimSpace(raw.Category) == "" {
		return ClassificationResponse{}, fmt.Errorf("%w: no category", ErrMalformedResponse)
	}

	conf, err := parseConfidence(raw.Confidence)
	if err != nil {
		return ClassificationResponse{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return ClassificationResponse{
		Category:    strings.TrimSpace(raw.Category),
		Confidence:  conf,
		Explanation: raw.Explanation,
	}, nil
}

// parseConfidence accepts a number or a numeric string. Range checks happen
// later, during validation.
func parseConfidence(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("no confidence")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("confidence is not a number")
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("confidence %q is not a number", s)
	}
	return f, nil
}

// cleanMarkdownWrapper strips ```json fences some models add around JSON.
func cleanMarkdownWrapper(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}
	if len(content) >= 4 && strings.EqualFold(content[:4], "json") {
		content = strings.TrimSpace(content[4:])
	}
	return content
}
