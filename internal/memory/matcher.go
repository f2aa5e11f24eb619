package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
)

// Confidence assigned to memory-sourced decisions.
const (
	HumanVerifiedConfidence = 0.95
	EmbeddingConfidence     = 0.90
)

const maxNeighborWindow = 1024

// MatchResult is the outcome of a memory lookup.
type MatchResult struct {
	// Best is the closest neighbour found, matched or not. Nil when memory
	// is empty or no embedding was available.
	Best *Neighbor
	// Match is the neighbour that decided the category, nil when unmatched.
	Match      *Neighbor
	Source     model.Source
	Category   string
	Confidence float64
	Matched    bool
}

// Matcher applies the memory matching policy: a human-verified neighbour
// above the threshold wins, then any categorized neighbour above it.
type Matcher struct {
	store     Store
	threshold float64
	k         int
}

// NewMatcher creates a matcher over store.
func NewMatcher(store Store, threshold float64, k int) *Matcher {
	if k <= 0 {
		k = 5
	}
	return &Matcher{store: store, threshold: threshold, k: k}
}

// Threshold returns the similarity required for a match.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Match looks up key and embedding. A nil embedding means the embedding
// provider was unavailable; only an exact human-verified key can match then.
func (m *Matcher) Match(ctx context.Context, key string, embedding []float32) (MatchResult, error) {
	if len(embedding) == 0 {
		return m.matchExact(ctx, key)
	}

	hits, err := m.neighbors(ctx, embedding)
	if err != nil {
		return MatchResult{}, err
	}
	if len(hits) == 0 {
		return MatchResult{}, nil
	}

	res := MatchResult{Best: &hits[0]}

	for i := range hits {
		h := &hits[i]
		if h.Similarity < m.threshold {
			break
		}
		if h.Entry.HumanVerified && h.Entry.Category != "" {
			return matched(res, h, model.SourceHumanVerified, HumanVerifiedConfidence), nil
		}
	}
	for i := range hits {
		h := &hits[i]
		if h.Similarity < m.threshold {
			break
		}
		if h.Entry.Category != "" {
			return matched(res, h, model.SourceEmbedding, EmbeddingConfidence), nil
		}
	}
	return res, nil
}

// neighbors widens the search while every returned hit clears the
// threshold, so a human-verified entry is never hidden behind k other
// strong matches.
func (m *Matcher) neighbors(ctx context.Context, embedding []float32) ([]Neighbor, error) {
	k := m.k
	for {
		hits, err := m.store.NearestNeighbors(ctx, embedding, k)
		if err != nil {
			return nil, fmt.Errorf("nearest neighbours: %w", err)
		}
		saturated := len(hits) == k && hits[len(hits)-1].Similarity >= m.threshold
		if !saturated || k >= maxNeighborWindow || hasHumanAbove(hits, m.threshold) {
			return hits, nil
		}
		k *= 2
	}
}

func hasHumanAbove(hits []Neighbor, threshold float64) bool {
	for _, h := range hits {
		if h.Similarity >= threshold && h.Entry.HumanVerified {
			return true
		}
	}
	return false
}

func (m *Matcher) matchExact(ctx context.Context, key string) (MatchResult, error) {
	if key == "" {
		return MatchResult{}, nil
	}
	entry, err := m.store.Get(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return MatchResult{}, nil
	}
	if err != nil {
		return MatchResult{}, fmt.Errorf("lookup merchant: %w", err)
	}
	if !entry.HumanVerified || entry.Category == "" {
		return MatchResult{}, nil
	}
	hit := &Neighbor{Entry: entry, Similarity: 1.0}
	return matched(MatchResult{Best: hit}, hit, model.SourceHumanVerified, HumanVerifiedConfidence), nil
}

func matched(res MatchResult, hit *Neighbor, source model.Source, confidence float64) MatchResult {
	res.Match = hit
	res.Matched = true
	res.Source = source
	res.Category = hit.Entry.Category
	res.Confidence = confidence
	return res
}
