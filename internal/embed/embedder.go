// Package embed turns merchant text into vectors for memory lookups.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/tally/internal/common"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// Embedder produces a vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config configures the provider-backed Service.
type Config struct {
	Model      string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	CacheTTL   time.Duration
	MaxRetries int
}

// Service wraps a langchaingo embedder with a TTL cache, retries, and a
// per-call timeout.
type Service struct {
	embedder embeddings.Embedder
	cache    *vectorCache
	logger   *slog.Logger
	timeout  time.Duration
	retries  int
}

// NewService builds a Service backed by an OpenAI-compatible endpoint.
func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: embedding API key", common.ErrMissingConfig)
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return NewServiceWithEmbedder(embedder, cfg, logger), nil
}

// NewServiceWithEmbedder wraps an existing langchaingo embedder.
func NewServiceWithEmbedder(embedder embeddings.Embedder, cfg Config, logger *slog.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Service{
		embedder: embedder,
		cache:    newVectorCache(cfg.CacheTTL),
		logger:   common.LoggerOrDefault(logger),
		timeout:  cfg.Timeout,
		retries:  cfg.MaxRetries,
	}
}

// Embed implements Embedder. Failures wrap common.ErrEmbeddingUnavailable.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", common.ErrEmbeddingUnavailable)
	}
	if vec, ok := s.cache.get(text); ok {
		return vec, nil
	}

	var vec []float32
	err := common.WithRetry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		v, err := s.embedder.EmbedQuery(callCtx, text)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return common.Permanent(err)
			}
			return err
		}
		if len(v) == 0 {
			return common.Permanent(errors.New("provider returned an empty vector"))
		}
		vec = v
		return nil
	}, common.RetryOptions{
		MaxAttempts:  s.retries,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	})
	if err != nil {
		s.logger.Warn("embedding failed", "error", err)
		return nil, fmt.Errorf("%w: %w", common.ErrEmbeddingUnavailable, err)
	}

	s.cache.set(text, vec)
	return vec, nil
}

// Close stops background cache maintenance.
func (s *Service) Close() {
	s.cache.Close()
}
