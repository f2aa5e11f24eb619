// Package engine runs the classification pipeline and the entry points built
// on it: corrections, counterfactuals, batches and golden-set evaluation.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/config"
	"github.com/Veraticus/tally/internal/drift"
	"github.com/Veraticus/tally/internal/embed"
	"github.com/Veraticus/tally/internal/evidence"
	"github.com/Veraticus/tally/internal/llm"
	"github.com/Veraticus/tally/internal/memory"
	"github.com/Veraticus/tally/internal/metrics"
	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/normalize"
	"github.com/Veraticus/tally/internal/pii"
	"github.com/Veraticus/tally/internal/risk"
	"github.com/Veraticus/tally/internal/rules"
)

// DefaultSimilarityThreshold is the memory match cut-off used when none is set.
const DefaultSimilarityThreshold = 0.90

// ErrEmptyDescription is returned for requests without any description text.
var ErrEmptyDescription = errors.New("description is empty")

// Config wires an Engine. Repository, Store and LLM are required.
type Config struct {
	Repository Repository
	Store      memory.Store
	LLM        Classifier
	// Embedder may be nil; every request is then classified without an
	// embedding and flagged embedding_unavailable.
	Embedder embed.Embedder
	Rules    *rules.Engine
	Locker   *memory.KeyedLocker
	Logger   *slog.Logger
	// Categories defaults to config.DefaultCategories.
	Categories          []string
	Drift               drift.Detector
	Scorer              risk.Scorer
	SimilarityThreshold float64
	Neighbors           int
	HistoryWindow       int
}

// Engine is the classification decision engine.
type Engine struct {
	repo       Repository
	store      memory.Store
	llm        Classifier
	embedder   embed.Embedder
	rules      *rules.Engine
	matcher    *memory.Matcher
	recorder   *memory.Recorder
	logger     *slog.Logger
	categories map[string]string
	whitelist  []string
	now        func() time.Time
	newID      func() string
	drift      drift.Detector
	scorer     risk.Scorer
	threshold  float64
}

// New creates an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("%w: repository", common.ErrMissingConfig)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: merchant memory store", common.ErrMissingConfig)
	}
	if cfg.LLM == nil {
		return nil, fmt.Errorf("%w: llm classifier", common.ErrMissingConfig)
	}

	ruleEngine := cfg.Rules
	if ruleEngine == nil {
		var err error
		if ruleEngine, err = rules.NewEngine(rules.DefaultRules()); err != nil {
			return nil, fmt.Errorf("default rules: %w", err)
		}
	}

	categories := cfg.Categories
	if len(categories) == 0 {
		categories = config.DefaultCategories
	}
	canonical := make(map[string]string, len(categories))
	for _, c := range categories {
		canonical[strings.ToLower(strings.TrimSpace(c))] = c
	}

	threshold := cfg.SimilarityThreshold
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}

	detector := cfg.Drift
	if detector == (drift.Detector{}) {
		detector = drift.NewDetector(0, 0, cfg.HistoryWindow)
	}
	scorer := cfg.Scorer
	if scorer == (risk.Scorer{}) {
		scorer = risk.DefaultScorer
	}

	return &Engine{
		repo:       cfg.Repository,
		store:      cfg.Store,
		llm:        cfg.LLM,
		embedder:   cfg.Embedder,
		rules:      ruleEngine,
		matcher:    memory.NewMatcher(cfg.Store, threshold, cfg.Neighbors),
		recorder:   memory.NewRecorder(cfg.Store, cfg.Locker, cfg.HistoryWindow),
		logger:     common.LoggerOrDefault(cfg.Logger),
		categories: canonical,
		whitelist:  append([]string(nil), categories...),
		now:        time.Now,
		newID:      uuid.NewString,
		drift:      detector,
		scorer:     scorer,
		threshold:  threshold,
	}, nil
}

// Classify runs the pipeline, persists the transaction with its audit event
// and records the merchant sighting. Apart from ErrEmptyDescription, the
// decision is always returned and the error reports persistence failures.
func (e *Engine) Classify(ctx context.Context, req model.ClassifyRequest) (model.Decision, error) {
	if strings.TrimSpace(req.Description) == "" {
		return model.Decision{}, ErrEmptyDescription
	}

	start := e.now()
	run := e.decide(ctx, req)
	d := run.decision
	d.TransactionID = e.newID()

	defer func() {
		metrics.ObserveDecision(d, e.now().Sub(start))
	}()

	payload, err := json.Marshal(d)
	if err != nil {
		return d, fmt.Errorf("encode decision: %w", err)
	}
	now := e.now()
	record := &model.TransactionRecord{
		ID:                 d.TransactionID,
		CreatedAt:          now,
		Date:               req.Date,
		Amount:             req.Amount,
		RawDescription:     req.Description,
		CleanedDescription: run.text,
		MerchantKey:        run.key,
		PredictedCategory:  d.FinalCategory,
		Source:             d.Source,
		RiskLevel:          d.RiskLevel,
		Confidence:         d.Confidence,
		RiskScore:          d.RiskScore,
		NeedsReview:        d.NeedsReview,
		PIIRedacted:        d.PIIRedacted,
	}
	event := &model.AuditEvent{
		ID:            e.newID(),
		TransactionID: d.TransactionID,
		Kind:          model.AuditClassification,
		Payload:       payload,
		CreatedAt:     now,
	}
	if err := e.repo.SaveClassification(ctx, record, event); err != nil {
		e.logger.Error("failed to persist classification", "merchant", run.key, "error", err)
		return d, fmt.Errorf("persist classification: %w", err)
	}

	if _, err := e.recorder.RecordSighting(ctx, memory.Sighting{
		Key:        run.key,
		MatchedKey: run.matchedKey,
		Category:   d.FinalCategory,
		Embedding:  run.embedding,
		Uncertain:  d.NeedsReview || d.Undecidable(),
	}); err != nil {
		e.logger.Error("failed to record merchant sighting", "merchant", run.key, "error", err)
		return d, fmt.Errorf("record sighting: %w", err)
	}

	e.logger.Info("classified transaction",
		"transaction_id", d.TransactionID,
		"merchant", run.key,
		"category", d.FinalCategory,
		"source", d.Source,
		"risk_level", d.RiskLevel,
		"needs_review", d.NeedsReview)
	return d, nil
}

// Preview runs the pipeline without persisting anything or touching
// merchant memory. The returned decision has no transaction ID.
func (e *Engine) Preview(ctx context.Context, req model.ClassifyRequest) (model.Decision, error) {
	if strings.TrimSpace(req.Description) == "" {
		return model.Decision{}, ErrEmptyDescription
	}
	return e.decide(ctx, req).decision, nil
}

// Categories returns the category whitelist in configured order.
func (e *Engine) Categories() []string {
	return append([]string(nil), e.whitelist...)
}

// pipelineRun carries what Classify needs beyond the decision itself.
type pipelineRun struct {
	decision   model.Decision
	text       string
	key        string
	matchedKey string
	embedding  []float32
}

// decide is the read-only pipeline: redact, normalize, embed, match memory,
// rules, LLM, drift, risk, evidence.
func (e *Engine) decide(ctx context.Context, req model.ClassifyRequest) pipelineRun {
	redacted := pii.Redact(req.Description)
	run := pipelineRun{
		text: redacted.Text,
		key:  normalize.MerchantKey(redacted.Text),
	}

	var flags []string
	if redacted.Detected {
		flags = append(flags, risk.FlagPIIRedacted)
	}

	run.embedding = e.embed(ctx, run.key, run.text)
	if len(run.embedding) == 0 {
		flags = append(flags, risk.FlagEmbeddingUnavailable)
	}

	match, err := e.matcher.Match(ctx, run.key, run.embedding)
	if err != nil {
		e.logger.Warn("merchant memory lookup failed", "merchant", run.key, "error", err)
		match = memory.MatchResult{}
	}
	own := e.lookup(ctx, run.key)

	signals := model.Signals{MerchantKey: run.key}
	if match.Best != nil {
		sim := match.Best.Similarity
		signals.Similarity = &sim
		signals.MatchedMerchant = match.Best.Entry.Key
		signals.MatchedHuman = match.Best.Entry.HumanVerified
		signals.MatchedOverrides = match.Best.Entry.NumOverrides
	}
	if match.Matched {
		run.matchedKey = match.Match.Entry.Key
		signals.Similarity = floatPtr(match.Match.Similarity)
		signals.MatchedMerchant = match.Match.Entry.Key
		signals.MatchedHuman = match.Match.Entry.HumanVerified
		signals.MatchedOverrides = match.Match.Entry.NumOverrides
	}

	in := risk.Inputs{
		KnownMerchant: own != nil || match.Best != nil,
	}
	switch {
	case own != nil:
		in.NumOverrides = own.NumOverrides
	case match.Best != nil:
		in.NumOverrides = match.Best.Entry.NumOverrides
	}

	var selfConsistent *bool
	switch {
	case match.Matched:
		signals.Category = match.Category
		signals.Source = match.Source
		signals.Confidence = match.Confidence
		signals.Reliability = model.ReliabilityHigh

	default:
		if hit, ok := e.rules.Match(run.text, req.Amount); ok {
			signals.Category = hit.Category
			signals.Source = model.SourceRules
			signals.Confidence = hit.Confidence
			signals.Reliability = model.ReliabilityHigh
			signals.RuleName = hit.Rule.Name
			signals.RuleKeyword = hit.Keyword
			if hit.Ambiguous {
				flags = append(flags, risk.FlagAmbiguousRules)
				signals.Reliability = model.ReliabilityMedium
			}
			break
		}

		out := e.llm.Classify(ctx, run.text)
		metrics.ObserveOrchestration(out)
		signals.Source = model.SourceLLM
		signals.LLMState = string(out.State)
		signals.PrimaryProvider = out.PrimaryProvider
		signals.FallbackProvider = out.FallbackProvider
		signals.Reliability = out.Reliability
		signals.AgreementScore = out.AgreementScore
		signals.ValidationFails = out.ValidationFailures
		signals.CrossModelUsed = out.CrossModelUsed
		if out.Candidate != nil {
			signals.Category = out.Candidate.Category
			signals.Confidence = out.Candidate.Confidence
			signals.Explanation = out.Candidate.Explanation
		}
		selfConsistent = out.SelfConsistent
		flags = append(flags, out.RiskFlags...)

		if match.Best != nil && match.Best.Similarity < e.threshold {
			flags = append(flags, risk.FlagLowEmbeddingSimilarity)
		}
	}

	history := own
	if history == nil && match.Matched {
		history = match.Match.Entry
	}
	if history != nil {
		res := e.drift.Check(run.embedding, history.History)
		signals.DriftChecked = res.Checked
		signals.DriftSimilarity = res.Similarity
		signals.Drift = res.Drift
		if res.Drift {
			flags = append(flags, drift.FlagDriftDetected)
			if signals.Source == model.SourceEmbedding || signals.Source == model.SourceHumanVerified {
				signals.Reliability = signals.Reliability.Lower()
			}
		}
	}

	in.SelfConsistent = selfConsistent
	in.AgreementScore = signals.AgreementScore
	in.Category = signals.Category
	in.Source = signals.Source
	in.Reliability = signals.Reliability
	in.Flags = flags
	in.Confidence = signals.Confidence
	in.ValidationFailures = signals.ValidationFails
	assessment := e.scorer.Score(in)

	signals.Confidence = assessment.Confidence
	signals.RiskScore = assessment.Score
	signals.RiskLevel = assessment.Level
	signals.RiskFlags = assessment.Flags
	signals.NeedsReview = assessment.NeedsReview

	run.decision = model.Decision{
		FinalCategory: signals.Category,
		Confidence:    assessment.Confidence,
		RiskScore:     assessment.Score,
		RiskLevel:     assessment.Level,
		NeedsReview:   assessment.NeedsReview,
		Source:        signals.Source,
		Reliability:   signals.Reliability,
		PIIRedacted:   redacted.Detected,
		Trust: model.TrustSignals{
			SelfConsistent: selfConsistent,
			AgreementScore: signals.AgreementScore,
			RiskFlags:      assessment.Flags,
			CrossModelUsed: signals.CrossModelUsed,
		},
		Evidence: evidence.Generate(signals),
		Signals:  signals,
	}
	return run
}

// embed returns nil when no embedding could be produced.
func (e *Engine) embed(ctx context.Context, key, text string) []float32 {
	if e.embedder == nil {
		return nil
	}
	input := key
	if input == "" {
		input = strings.TrimSpace(text)
	}
	if input == "" {
		return nil
	}
	vec, err := e.embedder.Embed(ctx, input)
	if err != nil {
		metrics.EmbeddingFailuresTotal.Inc()
		e.logger.Warn("embedding unavailable", "merchant", key, "error", err)
		return nil
	}
	return vec
}

// lookup returns the entry stored under key, or nil.
func (e *Engine) lookup(ctx context.Context, key string) *model.MerchantEntry {
	if key == "" {
		return nil
	}
	entry, err := e.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			e.logger.Warn("merchant lookup failed", "merchant", key, "error", err)
		}
		return nil
	}
	return entry
}

// canonicalCategory maps category onto its whitelist spelling.
func (e *Engine) canonicalCategory(category string) (string, bool) {
	c, ok := e.categories[strings.ToLower(strings.TrimSpace(category))]
	return c, ok
}

func floatPtr(f float64) *float64 { return &f }

var _ Classifier = (*llm.Orchestrator)(nil)
