package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
)

// InMemoryStore is a process-local Store. It copies entries on the way in and
// out so callers never share mutable state with it.
type InMemoryStore struct {
	entries map[string]*model.MerchantEntry
	mu      sync.RWMutex
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]*model.MerchantEntry)}
}

// Get implements Store.
func (s *InMemoryStore) Get(_ context.Context, key string) (*model.MerchantEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("merchant %q: %w", key, common.ErrNotFound)
	}
	return e.Clone(), nil
}

// Upsert implements Store.
func (s *InMemoryStore) Upsert(_ context.Context, entry *model.MerchantEntry) error {
	if entry == nil || entry.Key == "" {
		return fmt.Errorf("merchant entry requires a key")
	}
	if entry.NumOverrides < 0 || entry.NumSeen < entry.NumOverrides {
		return fmt.Errorf("merchant %q: counters out of order (seen=%d overrides=%d)", entry.Key, entry.NumSeen, entry.NumOverrides)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry.Clone()
	return nil
}

// NearestNeighbors implements Store with a linear scan.
func (s *InMemoryStore) NearestNeighbors(_ context.Context, embedding []float32, k int) ([]Neighbor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*model.MerchantEntry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e.Clone())
	}
	return TopK(all, embedding, k), nil
}

// ListMerchants implements Lister.
func (s *InMemoryStore) ListMerchants(_ context.Context) ([]model.MerchantEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.MerchantEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
