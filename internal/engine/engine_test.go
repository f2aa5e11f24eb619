package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/config"
	"github.com/Veraticus/tally/internal/embed"
	"github.com/Veraticus/tally/internal/llm"
	"github.com/Veraticus/tally/internal/memory"
	"github.com/Veraticus/tally/internal/model"
	"github.com/Veraticus/tally/internal/normalize"
	"github.com/Veraticus/tally/internal/risk"
	"github.com/Veraticus/tally/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	engine   *Engine
	store    *storage.SQLiteStorage
	primary  *llm.MockClient
	fallback *llm.MockClient
	embedder embed.Embedder
}

func newTestEnv(t *testing.T, primary, fallback *llm.MockClient) *testEnv {
	t.Helper()
	return newTestEnvWith(t, primary, fallback, embed.NewHashEmbedder(128), nil)
}

func newTestEnvWith(t *testing.T, primary, fallback *llm.MockClient, embedder embed.Embedder, repo Repository) *testEnv {
	t.Helper()
	return buildTestEnv(t, primary, fallback, embedder, repo, nil)
}

func buildTestEnv(t *testing.T, primary, fallback *llm.MockClient, embedder embed.Embedder, repo Repository, wrap func(*storage.SQLiteStorage) memory.Store) *testEnv {
	t.Helper()

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "tally.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	orch, err := llm.NewOrchestrator(primary, fallback, llm.Options{
		Categories:   config.DefaultCategories,
		StageTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	if repo == nil {
		repo = store
	}
	var memStore memory.Store = store
	if wrap != nil {
		memStore = wrap(store)
	}
	eng, err := New(Config{
		Repository: repo,
		Store:      memStore,
		LLM:        orch,
		Embedder:   embedder,
	})
	require.NoError(t, err)

	return &testEnv{engine: eng, store: store, primary: primary, fallback: fallback, embedder: embedder}
}

// replyFor answers category for prompts whose description mentions word.
func replyFor(word, category string, confidence float64) func(string, float64) llm.MockResponse {
	return func(prompt string, _ float64) llm.MockResponse {
		desc := prompt[strings.LastIndex(prompt, "Description:"):]
		if strings.Contains(strings.ToLower(desc), word) {
			return llm.Reply(category, confidence)
		}
		return llm.Reply(model.NeedsReviewCategory, 0.2)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, common.ErrMissingConfig)
}

func TestClassify_UberRule(t *testing.T) {
	env := newTestEnv(t, llm.NewMockClient("openai"), llm.NewMockClient("gemini"))
	ctx := context.Background()

	d, err := env.engine.Classify(ctx, model.ClassifyRequest{Description: "UBER *TRIP SAN FRANCISCO"})
	require.NoError(t, err)

	assert.Equal(t, "Travel", d.FinalCategory)
	assert.Equal(t, model.SourceRules, d.Source)
	assert.Equal(t, model.ReliabilityHigh, d.Reliability)
	assert.InDelta(t, 0.95, d.Confidence, 1e-9)
	assert.Equal(t, model.RiskLow, d.RiskLevel)
	assert.False(t, d.NeedsReview)
	assert.Nil(t, d.Trust.SelfConsistent)
	assert.Nil(t, d.Trust.AgreementScore)
	assert.Equal(t, []string{risk.FlagUnseenMerchant}, d.Trust.RiskFlags)
	assert.NotEmpty(t, d.TransactionID)
	assert.Zero(t, env.primary.CallCount(), "rules short-circuit the LLM")

	record, err := env.store.GetTransaction(ctx, d.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "Travel", record.PredictedCategory)
	assert.Equal(t, model.SourceRules, record.Source)

	entry, err := env.store.Get(ctx, normalize.MerchantKey("UBER *TRIP SAN FRANCISCO"))
	require.NoError(t, err)
	assert.Equal(t, 1, entry.NumSeen)
	assert.Equal(t, "Travel", entry.Category)
	assert.False(t, entry.HumanVerified)
}

func TestClassify_AcmePrimaryConsistent(t *testing.T) {
	primary := llm.NewMockClient("openai", llm.Reply("Contractors", 0.9), llm.Reply("Contractors", 0.85))
	fallback := llm.NewMockClient("gemini", llm.Reply("Rent", 0.9))
	env := newTestEnv(t, primary, fallback)

	d, err := env.engine.Classify(context.Background(), model.ClassifyRequest{Description: "ACME CONSULTING INVOICE 2024"})
	require.NoError(t, err)

	assert.Equal(t, "Contractors", d.FinalCategory)
	assert.Equal(t, model.SourceLLM, d.Source)
	assert.Equal(t, model.ReliabilityHigh, d.Reliability)
	require.NotNil(t, d.Trust.SelfConsistent)
	assert.True(t, *d.Trust.SelfConsistent)
	assert.Nil(t, d.Trust.AgreementScore)
	assert.False(t, d.Trust.CrossModelUsed)
	assert.False(t, d.NeedsReview)
	assert.Equal(t, string(llm.StatePrimaryConsistent), d.Signals.LLMState)
	assert.Equal(t, 2, primary.CallCount())
	assert.Zero(t, fallback.CallCount(), "O1 never consults the fallback")
}

func TestClassify_AllModelCallsFail(t *testing.T) {
	boom := errors.New("boom")
	env := newTestEnv(t, llm.NewMockClient("openai", llm.Fail(boom)), llm.NewMockClient("gemini", llm.Fail(boom)))

	d, err := env.engine.Classify(context.Background(), model.ClassifyRequest{Description: "MYSTERY VENDOR 77"})
	require.NoError(t, err)

	assert.True(t, d.Undecidable())
	assert.Equal(t, model.ReliabilityLow, d.Reliability)
	assert.True(t, d.NeedsReview)
	assert.Equal(t, model.RiskHigh, d.RiskLevel)
	assert.Zero(t, d.Confidence)
	assert.Contains(t, d.Trust.RiskFlags, llm.FlagAllModelCallsFailed)
	assert.Equal(t, 2, env.fallback.CallCount())

	entry, err := env.store.Get(context.Background(), normalize.MerchantKey("MYSTERY VENDOR 77"))
	require.NoError(t, err)
	assert.Empty(t, entry.Category, "undecided sightings teach no category")
	assert.Equal(t, 1, entry.NumSeen)
}

func TestClassify_HumanVerifiedPriority(t *testing.T) {
	primary := llm.NewMockClient("openai", llm.Reply("Contractors", 0.9))
	env := newTestEnv(t, primary, llm.NewMockClient("gemini"))
	ctx := context.Background()
	req := model.ClassifyRequest{Description: "ACME CONSULTING"}

	first, err := env.engine.Classify(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "Contractors", first.FinalCategory)

	res, err := env.engine.Correct(ctx, model.CorrectionRequest{
		TransactionID:     first.TransactionID,
		CorrectedCategory: "software / saas",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	calls := primary.CallCount()
	second, err := env.engine.Classify(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, "Software / SaaS", second.FinalCategory)
	assert.Equal(t, model.SourceHumanVerified, second.Source)
	assert.InDelta(t, 0.95, second.Confidence, 1e-9)
	assert.Equal(t, calls, primary.CallCount(), "memory short-circuits the LLM")
	assert.Contains(t, strings.Join(second.Evidence.Statements, "\n"), "(human-verified)")
}

func TestClassify_RulesLoseToHumanMemory(t *testing.T) {
	env := newTestEnv(t, llm.NewMockClient("openai"), llm.NewMockClient("gemini"))
	ctx := context.Background()

	key := normalize.MerchantKey("UBER EATS ORDER")
	vec, err := env.embedder.Embed(ctx, key)
	require.NoError(t, err)
	require.NoError(t, env.store.Upsert(ctx, &model.MerchantEntry{
		Key:           key,
		Category:      "Office Supplies",
		Embedding:     vec,
		HumanVerified: true,
		NumSeen:       1,
		NumOverrides:  1,
	}))

	d, err := env.engine.Classify(ctx, model.ClassifyRequest{Description: "UBER EATS ORDER"})
	require.NoError(t, err)
	assert.Equal(t, model.SourceHumanVerified, d.Source)
	assert.Equal(t, "Office Supplies", d.FinalCategory)

	entry, err := env.store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "Office Supplies", entry.Category)
	assert.True(t, entry.HumanVerified)
	assert.Equal(t, 2, entry.NumSeen)
}

func TestClassify_DriftLowersReliability(t *testing.T) {
	env := newTestEnv(t, llm.NewMockClient("openai"), llm.NewMockClient("gemini"))
	ctx := context.Background()

	key := normalize.MerchantKey("ACME CONSULTING")
	vec, err := env.embedder.Embed(ctx, key)
	require.NoError(t, err)

	var history [][]float32
	for _, text := range []string{"zebra quartz", "volcano harp", "glacier oboe"} {
		h, err := env.embedder.Embed(ctx, text)
		require.NoError(t, err)
		history = append(history, h)
	}
	require.NoError(t, env.store.Upsert(ctx, &model.MerchantEntry{
		Key:           key,
		Category:      "Contractors",
		Embedding:     vec,
		History:       history,
		HumanVerified: true,
		NumSeen:       3,
		NumOverrides:  1,
	}))

	d, err := env.engine.Classify(ctx, model.ClassifyRequest{Description: "ACME CONSULTING"})
	require.NoError(t, err)

	assert.Equal(t, model.SourceHumanVerified, d.Source)
	assert.Equal(t, model.ReliabilityMedium, d.Reliability)
	assert.True(t, d.Signals.DriftChecked)
	assert.True(t, d.Signals.Drift)
	assert.Contains(t, d.Trust.RiskFlags, risk.FlagDrift)
}

func TestClassify_RedactsPII(t *testing.T) {
	env := newTestEnv(t, llm.NewMockClient("openai"), llm.NewMockClient("gemini"))
	ctx := context.Background()

	d, err := env.engine.Classify(ctx, model.ClassifyRequest{Description: "UBER receipt to jane.doe@example.com"})
	require.NoError(t, err)

	assert.True(t, d.PIIRedacted)
	assert.Contains(t, d.Trust.RiskFlags, risk.FlagPIIRedacted)

	record, err := env.store.GetTransaction(ctx, d.TransactionID)
	require.NoError(t, err)
	assert.NotContains(t, record.CleanedDescription, "jane.doe@example.com")
	assert.NotContains(t, record.MerchantKey, "example")
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, common.ErrEmbeddingUnavailable
}

func TestClassify_EmbeddingUnavailable(t *testing.T) {
	env := newTestEnvWith(t, llm.NewMockClient("openai"), llm.NewMockClient("gemini"), failingEmbedder{}, nil)

	d, err := env.engine.Classify(context.Background(), model.ClassifyRequest{Description: "LYFT RIDE"})
	require.NoError(t, err)

	assert.Equal(t, "Travel", d.FinalCategory)
	assert.Contains(t, d.Trust.RiskFlags, risk.FlagEmbeddingUnavailable)
	assert.False(t, d.Signals.DriftChecked)
}

type failingRepo struct {
	Repository
}

func (failingRepo) SaveClassification(context.Context, *model.TransactionRecord, *model.AuditEvent) error {
	return errors.New("disk full")
}

func TestClassify_PersistenceFailureStillReturnsDecision(t *testing.T) {
	env := newTestEnvWith(t, llm.NewMockClient("openai"), llm.NewMockClient("gemini"), embed.NewHashEmbedder(64), failingRepo{})

	d, err := env.engine.Classify(context.Background(), model.ClassifyRequest{Description: "DELTA AIR LINES"})
	require.Error(t, err)
	assert.Equal(t, "Travel", d.FinalCategory)
	assert.NotEmpty(t, d.TransactionID)
}

func TestClassify_EmptyDescription(t *testing.T) {
	env := newTestEnv(t, llm.NewMockClient("openai"), llm.NewMockClient("gemini"))

	_, err := env.engine.Classify(context.Background(), model.ClassifyRequest{Description: "   "})
	assert.ErrorIs(t, err, ErrEmptyDescription)
	assert.Zero(t, env.primary.CallCount())
}

func TestPreview_IsIdempotentAndReadOnly(t *testing.T) {
	primary := llm.NewMockClient("openai", llm.Reply("Contractors", 0.9))
	env := newTestEnv(t, primary, llm.NewMockClient("gemini"))
	ctx := context.Background()
	req := model.ClassifyRequest{Description: "ACME CONSULTING"}

	first, err := env.engine.Preview(ctx, req)
	require.NoError(t, err)
	second, err := env.engine.Preview(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.FinalCategory, second.FinalCategory)
	assert.Equal(t, first.Source, second.Source)
	assert.Empty(t, first.TransactionID)

	_, err = env.store.Get(ctx, normalize.MerchantKey("ACME CONSULTING"))
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDecisionBounds(t *testing.T) {
	descriptions := []string{
		"UBER TRIP", "STARBUCKS 1234", "ACME CONSULTING", "PAYROLL DIRECT DEP",
		"call 555-123-4567 now", "card 4111 1111 1111 1111", "",
	}
	primary := llm.NewMockClient("openai", llm.Reply("Contractors", 0.7), llm.Reply("Rent", 0.4))
	fallback := llm.NewMockClient("gemini", llm.Reply("Rent", 0.6), llm.Fail(errors.New("down")))
	env := newTestEnv(t, primary, fallback)

	for _, desc := range descriptions {
		d, err := env.engine.Preview(context.Background(), model.ClassifyRequest{Description: desc})
		if desc == "" {
			assert.ErrorIs(t, err, ErrEmptyDescription)
			continue
		}
		require.NoError(t, err)
		assert.GreaterOrEqual(t, d.Confidence, 0.0, desc)
		assert.LessOrEqual(t, d.Confidence, 1.0, desc)
		assert.GreaterOrEqual(t, d.RiskScore, 0.0, desc)
		assert.LessOrEqual(t, d.RiskScore, 1.0, desc)
		assert.NotNil(t, d.Trust.RiskFlags, desc)
	}
}

func TestCorrect_Errors(t *testing.T) {
	env := newTestEnv(t, llm.NewMockClient("openai", llm.Reply("Contractors", 0.9)), llm.NewMockClient("gemini"))
	ctx := context.Background()

	d, err := env.engine.Classify(ctx, model.ClassifyRequest{Description: "ACME CONSULTING"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		req     model.CorrectionRequest
		wantErr error
	}{
		{
			name:    "unknown transaction",
			req:     model.CorrectionRequest{TransactionID: "missing", CorrectedCategory: "Travel"},
			wantErr: common.ErrNotFound,
		},
		{
			name:    "category outside whitelist",
			req:     model.CorrectionRequest{TransactionID: d.TransactionID, CorrectedCategory: "Yachts"},
			wantErr: common.ErrInvalidCategory,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.engine.Correct(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Message)
		})
	}
}

func TestCorrect_Twice(t *testing.T) {
	env := newTestEnv(t, llm.NewMockClient("openai", llm.Reply("Contractors", 0.9)), llm.NewMockClient("gemini"))
	ctx := context.Background()

	d, err := env.engine.Classify(ctx, model.ClassifyRequest{Description: "ACME CONSULTING"})
	require.NoError(t, err)

	req := model.CorrectionRequest{TransactionID: d.TransactionID, CorrectedCategory: "Travel"}
	res, err := env.engine.Correct(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = env.engine.Correct(ctx, req)
	assert.ErrorIs(t, err, common.ErrAlreadyCorrected)
	assert.False(t, res.Success)

	record, err := env.store.GetTransaction(ctx, d.TransactionID)
	require.NoError(t, err)
	assert.True(t, record.Overridden)
	assert.Equal(t, "Travel", record.FinalCategory())

	entry, err := env.store.Get(ctx, record.MerchantKey)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.NumOverrides)
	assert.True(t, entry.HumanVerified)
	assert.GreaterOrEqual(t, entry.NumSeen, entry.NumOverrides)
}

func TestCorrect_ConcurrentOnlyOneWins(t *testing.T) {
	env := newTestEnv(t, llm.NewMockClient("openai", llm.Reply("Contractors", 0.9)), llm.NewMockClient("gemini"))
	ctx := context.Background()

	d, err := env.engine.Classify(ctx, model.ClassifyRequest{Description: "ACME CONSULTING"})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.engine.Correct(ctx, model.CorrectionRequest{TransactionID: d.TransactionID, CorrectedCategory: "Rent"})
			if err == nil && res.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	entry, err := env.store.Get(ctx, normalize.MerchantKey("ACME CONSULTING"))
	require.NoError(t, err)
	assert.Equal(t, 1, entry.NumOverrides)
}

func TestReplayEvidence(t *testing.T) {
	env := newTestEnv(t, llm.NewMockClient("openai", llm.Reply("Contractors", 0.9)), llm.NewMockClient("gemini"))
	ctx := context.Background()

	d, err := env.engine.Classify(ctx, model.ClassifyRequest{Description: "ACME CONSULTING"})
	require.NoError(t, err)

	calls := env.primary.CallCount()
	ev, err := env.engine.ReplayEvidence(ctx, d.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, d.Evidence, ev)
	assert.Equal(t, calls, env.primary.CallCount(), "replay never calls a model")

	_, err = env.engine.Correct(ctx, model.CorrectionRequest{TransactionID: d.TransactionID, CorrectedCategory: "Rent"})
	require.NoError(t, err)

	ev, err = env.engine.ReplayEvidence(ctx, d.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "Corrected by a reviewer from 'Contractors' to 'Rent'", ev.Statements[len(ev.Statements)-1])

	trail, err := env.engine.AuditTrail(ctx, d.TransactionID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, model.AuditClassification, trail[0].Kind)
	assert.Equal(t, model.AuditCorrection, trail[1].Kind)

	_, err = env.engine.ReplayEvidence(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

type flakyMemory struct {
	*storage.SQLiteStorage
	fail bool
}

func (f *flakyMemory) Upsert(ctx context.Context, entry *model.MerchantEntry) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.SQLiteStorage.Upsert(ctx, entry)
}

func TestCorrect_MemoryFailureCanBeRetried(t *testing.T) {
	flaky := &flakyMemory{}
	env := buildTestEnv(t, llm.NewMockClient("openai", llm.Reply("Contractors", 0.9)), llm.NewMockClient("gemini"),
		embed.NewHashEmbedder(64), nil, func(s *storage.SQLiteStorage) memory.Store {
			flaky.SQLiteStorage = s
			return flaky
		})
	ctx := context.Background()

	d, err := env.engine.Classify(ctx, model.ClassifyRequest{Description: "ACME CONSULTING"})
	require.NoError(t, err)
	key := normalize.MerchantKey("ACME CONSULTING")
	req := model.CorrectionRequest{TransactionID: d.TransactionID, CorrectedCategory: "Rent"}

	flaky.fail = true
	res, err := env.engine.Correct(ctx, req)
	require.Error(t, err)
	assert.False(t, res.Success)

	record, err := env.store.GetTransaction(ctx, d.TransactionID)
	require.NoError(t, err)
	assert.False(t, record.Overridden)
	assert.Equal(t, "Contractors", record.PredictedCategory)

	trail, err := env.engine.AuditTrail(ctx, d.TransactionID)
	require.NoError(t, err)
	assert.Len(t, trail, 1)

	entry, err := env.store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, entry.HumanVerified)
	assert.Zero(t, entry.NumOverrides)

	flaky.fail = false
	res, err = env.engine.Correct(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Success)

	entry, err = env.store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, entry.HumanVerified)
	assert.Equal(t, 1, entry.NumOverrides)

	trail, err = env.engine.AuditTrail(ctx, d.TransactionID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, model.AuditCorrection, trail[1].Kind)
}
