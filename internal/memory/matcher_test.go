package memory

import (
	"context"
	"testing"

	"github.com/Veraticus/tally/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, entries ...*model.MerchantEntry) *InMemoryStore {
	t.Helper()
	store := NewInMemoryStore()
	for _, e := range entries {
		require.NoError(t, store.Upsert(context.Background(), e))
	}
	return store
}

func TestMatcher_Match(t *testing.T) {
	ctx := context.Background()
	query := []float32{1, 0, 0}

	tests := []struct {
		name       string
		entries    []*model.MerchantEntry
		wantSource model.Source
		wantCat    string
		wantConf   float64
		wantMatch  bool
	}{
		{
			name: "empty memory",
		},
		{
			name: "human verified wins over closer machine entry",
			entries: []*model.MerchantEntry{
				{Key: "acme", Embedding: []float32{1, 0, 0}, Category: "Office Supplies", NumSeen: 9},
				{Key: "acme co", Embedding: []float32{0.95, 0.2, 0}, Category: "Contractors", HumanVerified: true, NumSeen: 1, NumOverrides: 1},
			},
			wantMatch:  true,
			wantSource: model.SourceHumanVerified,
			wantCat:    "Contractors",
			wantConf:   HumanVerifiedConfidence,
		},
		{
			name: "machine entry above threshold",
			entries: []*model.MerchantEntry{
				{Key: "acme", Embedding: []float32{1, 0.1, 0}, Category: "Office Supplies", NumSeen: 2},
			},
			wantMatch:  true,
			wantSource: model.SourceEmbedding,
			wantCat:    "Office Supplies",
			wantConf:   EmbeddingConfidence,
		},
		{
			name: "below threshold falls through",
			entries: []*model.MerchantEntry{
				{Key: "other", Embedding: []float32{0.5, 0.5, 0.5}, Category: "Travel", NumSeen: 2},
			},
		},
		{
			name: "uncategorized entry never matches",
			entries: []*model.MerchantEntry{
				{Key: "acme", Embedding: []float32{1, 0, 0}, NumSeen: 1},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMatcher(seed(t, tt.entries...), 0.90, 5)
			res, err := m.Match(ctx, "acme", query)
			require.NoError(t, err)

			assert.Equal(t, tt.wantMatch, res.Matched)
			assert.Equal(t, tt.wantSource, res.Source)
			assert.Equal(t, tt.wantCat, res.Category)
			assert.InDelta(t, tt.wantConf, res.Confidence, 1e-9)
			if len(tt.entries) > 0 {
				require.NotNil(t, res.Best)
			}
		})
	}
}

func TestMatcher_TieBreaksOnNumSeen(t *testing.T) {
	store := seed(t,
		&model.MerchantEntry{Key: "b", Embedding: []float32{1, 0}, Category: "Travel", NumSeen: 3},
		&model.MerchantEntry{Key: "a", Embedding: []float32{1, 0}, Category: "Rent", NumSeen: 1},
		&model.MerchantEntry{Key: "c", Embedding: []float32{1, 0}, Category: "Utilities", NumSeen: 7},
	)

	res, err := NewMatcher(store, 0.9, 5).Match(context.Background(), "x", []float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, "Utilities", res.Category)
	assert.Equal(t, "c", res.Match.Entry.Key)
}

func TestMatcher_HumanVerifiedBeyondK(t *testing.T) {
	entries := []*model.MerchantEntry{
		{Key: "human", Embedding: []float32{0.96, 0.28}, Category: "Rent", HumanVerified: true, NumSeen: 1, NumOverrides: 1},
	}
	for _, k := range []string{"m1", "m2", "m3"} {
		entries = append(entries, &model.MerchantEntry{Key: k, Embedding: []float32{1, 0}, Category: "Travel", NumSeen: 1})
	}

	res, err := NewMatcher(seed(t, entries...), 0.9, 2).Match(context.Background(), "x", []float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, model.SourceHumanVerified, res.Source)
	assert.Equal(t, "Rent", res.Category)
}

func TestMatcher_NoEmbeddingUsesExactHumanKey(t *testing.T) {
	store := seed(t,
		&model.MerchantEntry{Key: "acme", Category: "Rent", HumanVerified: true, NumSeen: 1, NumOverrides: 1},
		&model.MerchantEntry{Key: "globex", Category: "Travel", NumSeen: 1},
	)
	m := NewMatcher(store, 0.9, 5)

	res, err := m.Match(context.Background(), "acme", nil)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, model.SourceHumanVerified, res.Source)
	assert.InDelta(t, 1.0, res.Match.Similarity, 1e-9)

	res, err = m.Match(context.Background(), "globex", nil)
	require.NoError(t, err)
	assert.False(t, res.Matched)
}
