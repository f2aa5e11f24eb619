package llm

import (
	"context"
	"sync"
	"time"
)

// MockClient is a scripted Client for tests. Responses are consumed in
// call order; the last one repeats once the script runs out.
type MockClient struct {
	// Respond, when set, overrides the script.
	Respond   func(prompt string, temperature float64) MockResponse
	name      string
	responses []MockResponse
	calls     []MockCall
	mu        sync.Mutex
}

// MockResponse is one scripted reply.
type MockResponse struct {
	Err      error
	Response ClassificationResponse
	Delay    time.Duration
}

// MockCall records a request made to a MockClient.
type MockCall struct {
	Prompt      string
	Temperature float64
}

// NewMockClient creates a mock provider.
func NewMockClient(name string, responses ...MockResponse) *MockClient {
	return &MockClient{name: name, responses: responses}
}

// Reply is shorthand for a successful scripted response.
func Reply(category string, confidence float64) MockResponse {
	return MockResponse{Response: ClassificationResponse{
		Category:    category,
		Confidence:  confidence,
		Explanation: "scripted",
	}}
}

// Fail is shorthand for a failing scripted response.
func Fail(err error) MockResponse {
	return MockResponse{Err: err}
}

// Name implements Client.
func (m *MockClient) Name() string { return m.name }

// Classify implements Client.
func (m *MockClient) Classify(ctx context.Context, prompt string, temperature float64) (ClassificationResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Prompt: prompt, Temperature: temperature})
	var next MockResponse
	switch {
	case m.Respond != nil:
		next = m.Respond(prompt, temperature)
	case len(m.responses) == 0:
		next = MockResponse{Err: ErrEmptyResponse}
	default:
		idx := len(m.calls) - 1
		if idx >= len(m.responses) {
			idx = len(m.responses) - 1
		}
		next = m.responses[idx]
	}
	m.mu.Unlock()

	if next.Delay > 0 {
		select {
		case <-time.After(next.Delay):
		case <-ctx.Done():
			return ClassificationResponse{}, ctx.Err()
		}
	}
	if next.Err != nil {
		return ClassificationResponse{}, next.Err
	}
	return next.Response, nil
}

// Calls returns the recorded calls.
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallCount returns how many times Classify was called.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
