// Package config loads and validates tally's configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Veraticus/tally/internal/common"
	"github.com/spf13/viper"
)

// DefaultCategories is the category whitelist used when none is configured.
var DefaultCategories = []string{
	"Travel",
	"Meals & Entertainment",
	"Software / SaaS",
	"Office Supplies",
	"Utilities",
	"Subscriptions",
	"Income",
	"Rent",
	"Contractors",
	"Advertising & Marketing",
	"Other Expenses",
	"Needs Review",
}

// Config is the fully resolved application configuration.
type Config struct {
	Server     ServerConfig    `mapstructure:"server"`
	Logging    LoggingConfig   `mapstructure:"logging"`
	Database   DatabaseConfig  `mapstructure:"database"`
	Embedding  EmbeddingConfig `mapstructure:"embedding"`
	LLM        LLMConfig       `mapstructure:"llm"`
	Categories []string        `mapstructure:"categories"`
	Rules      []RuleConfig    `mapstructure:"rules"`
	Memory     MemoryConfig    `mapstructure:"memory"`
	Thresholds Thresholds      `mapstructure:"thresholds"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// Thresholds are the numeric cut-offs of the decision pipeline.
type Thresholds struct {
	Similarity           float64 `mapstructure:"similarity"`
	SelfConsistencyDelta float64 `mapstructure:"self_consistency_delta"`
	Confidence           float64 `mapstructure:"confidence"`
	DriftSimilarity      float64 `mapstructure:"drift_similarity"`
	RiskMedium           float64 `mapstructure:"risk_medium"`
	RiskHigh             float64 `mapstructure:"risk_high"`
}

// MemoryConfig shapes merchant memory lookups.
type MemoryConfig struct {
	// Index is "scan" for a linear scan over the store or "chromem" for an
	// in-process vector index.
	Index           string `mapstructure:"index"`
	Neighbors       int    `mapstructure:"neighbors"`
	HistoryWindow   int    `mapstructure:"history_window"`
	DriftMinHistory int    `mapstructure:"drift_min_history"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	Provider   string        `mapstructure:"provider"`
	Model      string        `mapstructure:"model"`
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Dimensions int           `mapstructure:"dimensions"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// ProviderConfig configures one LLM provider.
type ProviderConfig struct {
	Provider  string        `mapstructure:"provider"`
	Model     string        `mapstructure:"model"`
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit int           `mapstructure:"rate_limit"`
	MaxTokens int           `mapstructure:"max_tokens"`
}

// LLMConfig holds the primary and fallback providers.
type LLMConfig struct {
	Primary      ProviderConfig `mapstructure:"primary"`
	Fallback     ProviderConfig `mapstructure:"fallback"`
	StageTimeout time.Duration  `mapstructure:"stage_timeout"`
}

// RuleConfig is one configured rules-engine entry.
type RuleConfig struct {
	AmountValue     *float64 `mapstructure:"amount_value"`
	AmountMin       *float64 `mapstructure:"amount_min"`
	AmountMax       *float64 `mapstructure:"amount_max"`
	Name            string   `mapstructure:"name"`
	Pattern         string   `mapstructure:"pattern"`
	Category        string   `mapstructure:"category"`
	AmountCondition string   `mapstructure:"amount_condition"`
	Priority        int      `mapstructure:"priority"`
	Regex           bool     `mapstructure:"regex"`
}

var (
	knownProviders          = map[string]bool{"openai": true, "gemini": true, "anthropic": true}
	knownEmbeddingProviders = map[string]bool{"openai": true, "hash": true, "none": true}
)

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("database.path", "$HOME/.local/share/tally/tally.db")
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("categories", DefaultCategories)

	v.SetDefault("thresholds.similarity", 0.90)
	v.SetDefault("thresholds.self_consistency_delta", 0.15)
	v.SetDefault("thresholds.confidence", 0.65)
	v.SetDefault("thresholds.drift_similarity", 0.65)
	v.SetDefault("thresholds.risk_medium", 0.33)
	v.SetDefault("thresholds.risk_high", 0.66)

	v.SetDefault("memory.index", "scan")
	v.SetDefault("memory.neighbors", 5)
	v.SetDefault("memory.history_window", 10)
	v.SetDefault("memory.drift_min_history", 3)

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.dimensions", 256)
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.timeout", 10*time.Second)
	v.SetDefault("embedding.cache_ttl", time.Hour)

	v.SetDefault("llm.primary.provider", "openai")
	v.SetDefault("llm.primary.model", "gpt-4o-mini")
	v.SetDefault("llm.primary.rate_limit", 500)
	v.SetDefault("llm.primary.timeout", 30*time.Second)
	v.SetDefault("llm.fallback.provider", "gemini")
	v.SetDefault("llm.fallback.model", "gemini-1.5-flash")
	v.SetDefault("llm.fallback.rate_limit", 500)
	v.SetDefault("llm.fallback.timeout", 30*time.Second)
	v.SetDefault("llm.stage_timeout", 20*time.Second)
}

// Load resolves a Config from v, applying defaults, secrets from the
// environment, and validation.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.LLM.Primary.APIKey = resolveAPIKey(cfg.LLM.Primary)
	cfg.LLM.Fallback.APIKey = resolveAPIKey(cfg.LLM.Fallback)
	if cfg.Embedding.APIKey == "" && cfg.Embedding.Provider == "openai" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolveAPIKey(p ProviderConfig) string {
	if p.APIKey != "" {
		return p.APIKey
	}
	switch strings.ToLower(p.Provider) {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.Categories) == 0 {
		return fmt.Errorf("%w: category whitelist is empty", common.ErrInvalidConfig)
	}

	bounded := map[string]float64{
		"thresholds.similarity":             c.Thresholds.Similarity,
		"thresholds.self_consistency_delta": c.Thresholds.SelfConsistencyDelta,
		"thresholds.confidence":             c.Thresholds.Confidence,
		"thresholds.drift_similarity":       c.Thresholds.DriftSimilarity,
		"thresholds.risk_medium":            c.Thresholds.RiskMedium,
		"thresholds.risk_high":              c.Thresholds.RiskHigh,
	}
	for key, val := range bounded {
		if val < 0 || val > 1 {
			return fmt.Errorf("%w: %s must be within [0,1], got %v", common.ErrInvalidConfig, key, val)
		}
	}
	if c.Thresholds.RiskMedium >= c.Thresholds.RiskHigh {
		return fmt.Errorf("%w: thresholds.risk_medium must be below thresholds.risk_high", common.ErrInvalidConfig)
	}

	if c.Memory.Index != "scan" && c.Memory.Index != "chromem" {
		return fmt.Errorf("%w: unknown memory.index %q", common.ErrInvalidConfig, c.Memory.Index)
	}

	if !knownEmbeddingProviders[c.Embedding.Provider] {
		return fmt.Errorf("%w: unknown embedding.provider %q", common.ErrInvalidConfig, c.Embedding.Provider)
	}

	for _, p := range []ProviderConfig{c.LLM.Primary, c.LLM.Fallback} {
		if !knownProviders[strings.ToLower(p.Provider)] {
			return fmt.Errorf("%w: unknown llm provider %q", common.ErrInvalidConfig, p.Provider)
		}
	}

	for _, r := range c.Rules {
		if r.Pattern == "" {
			return fmt.Errorf("%w: rule %q has no pattern", common.ErrInvalidConfig, r.Name)
		}
		if !c.IsAllowedCategory(r.Category) {
			return fmt.Errorf("%w: rule %q maps to %q: %w", common.ErrInvalidConfig, r.Name, r.Category, common.ErrInvalidCategory)
		}
	}
	return nil
}

// IsAllowedCategory reports whether category is in the whitelist.
func (c *Config) IsAllowedCategory(category string) bool {
	for _, allowed := range c.Categories {
		if allowed == category {
			return true
		}
	}
	return false
}

// ExpandPath expands ~ and environment variables in a file path.
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home
		}
	}

	return os.ExpandEnv(path)
}
