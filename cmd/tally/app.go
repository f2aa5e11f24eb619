package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/config"
	"github.com/Veraticus/tally/internal/drift"
	"github.com/Veraticus/tally/internal/embed"
	"github.com/Veraticus/tally/internal/engine"
	"github.com/Veraticus/tally/internal/llm"
	"github.com/Veraticus/tally/internal/memory"
	"github.com/Veraticus/tally/internal/risk"
	"github.com/Veraticus/tally/internal/rules"
	"github.com/Veraticus/tally/internal/storage"
	"github.com/Veraticus/tally/internal/vectorindex"
)

// app is everything a command needs, built from the loaded configuration.
type app struct {
	cfg     *config.Config
	storage *storage.SQLiteStorage
	engine  *engine.Engine
	closers []func()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, common.NewUserError("Configuration is invalid", err)
	}
	return cfg, nil
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage.SQLiteStorage, error) {
	store, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// newApp opens storage and wires the engine. Missing provider credentials
// are not fatal: the affected stage degrades and decisions say so.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := slog.Default()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, storage: store}
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			common.LogError(err, "Failed to close database", common.Fields{"path": store.Path()})
		}
	})

	var merchants memory.Store = store
	if cfg.Memory.Index == "chromem" {
		idx, err := vectorindex.New(ctx, store, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to build merchant index: %w", err)
		}
		merchants = idx
		slog.Debug("Using in-process vector index", "merchants", idx.Count())
	}

	embedder := a.newEmbedder(logger)

	orchestrator, err := newOrchestrator(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	ruleEngine, err := rules.NewEngine(rules.FromConfig(cfg.Rules))
	if err != nil {
		a.Close()
		return nil, common.NewUserError("Rules are invalid", err)
	}

	eng, err := engine.New(engine.Config{
		Repository:          store,
		Store:               merchants,
		LLM:                 orchestrator,
		Embedder:            embedder,
		Rules:               ruleEngine,
		Locker:              memory.NewKeyedLocker(),
		Logger:              logger,
		Categories:          cfg.Categories,
		Drift:               drift.NewDetector(cfg.Thresholds.DriftSimilarity, cfg.Memory.DriftMinHistory, cfg.Memory.HistoryWindow),
		Scorer:              scorerFromConfig(cfg.Thresholds),
		SimilarityThreshold: cfg.Thresholds.Similarity,
		Neighbors:           cfg.Memory.Neighbors,
		HistoryWindow:       cfg.Memory.HistoryWindow,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	a.engine = eng
	return a, nil
}

// newEmbedder returns nil when no provider can be built; the engine then
// flags every decision embedding_unavailable.
func (a *app) newEmbedder(logger *slog.Logger) embed.Embedder {
	ec := a.cfg.Embedding
	switch ec.Provider {
	case "hash":
		return embed.NewHashEmbedder(ec.Dimensions)
	case "none":
		return nil
	}

	svc, err := embed.NewService(embed.Config{
		Model:      ec.Model,
		BaseURL:    ec.BaseURL,
		APIKey:     ec.APIKey,
		Timeout:    ec.Timeout,
		CacheTTL:   ec.CacheTTL,
		MaxRetries: ec.MaxRetries,
	}, logger)
	if err != nil {
		slog.Warn("Embeddings unavailable; merchant memory matching is disabled", "error", err)
		return nil
	}
	a.closers = append(a.closers, svc.Close)
	return svc
}

func newOrchestrator(cfg *config.Config, logger *slog.Logger) (*llm.Orchestrator, error) {
	primary, err := newProvider(cfg.LLM.Primary)
	if err != nil {
		return nil, err
	}
	fallback, err := newProvider(cfg.LLM.Fallback)
	if err != nil {
		return nil, err
	}
	return llm.NewOrchestrator(primary, fallback, llm.Options{
		Logger:           logger,
		Categories:       cfg.Categories,
		StageTimeout:     cfg.LLM.StageTimeout,
		ConsistencyDelta: cfg.Thresholds.SelfConsistencyDelta,
	})
}

func newProvider(pc config.ProviderConfig) (llm.Client, error) {
	client, err := llm.NewClientOrUnavailable(llm.Config{
		Provider:  pc.Provider,
		APIKey:    pc.APIKey,
		Model:     pc.Model,
		BaseURL:   pc.BaseURL,
		Timeout:   pc.Timeout,
		RateLimit: pc.RateLimit,
		MaxTokens: pc.MaxTokens,
	})
	if client == nil {
		return nil, common.NewUserError(fmt.Sprintf("Cannot create %s provider", pc.Provider), err)
	}
	if err != nil {
		slog.Warn("LLM provider unavailable; its calls will fail", "provider", pc.Provider, "error", err)
	}
	return client, nil
}

func scorerFromConfig(t config.Thresholds) risk.Scorer {
	return risk.Scorer{
		ConfidenceThreshold: t.Confidence,
		MediumThreshold:     t.RiskMedium,
		HighThreshold:       t.RiskHigh,
	}
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// notFound turns storage misses into a short message for the terminal.
func notFound(what, id string, err error) error {
	if errors.Is(err, common.ErrNotFound) {
		return common.NewUserError(fmt.Sprintf("No %s with ID %s", what, id), err)
	}
	return err
}
