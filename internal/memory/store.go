// Package memory holds the merchant memory contract, the similarity matching
// policy on top of it, and the per-merchant write serialization.
package memory

import (
	"context"
	"sort"

	"github.com/Veraticus/tally/internal/model"
)

// Store persists merchant entries and answers similarity queries.
// Get returns common.ErrNotFound for unknown keys.
type Store interface {
	Get(ctx context.Context, key string) (*model.MerchantEntry, error)
	Upsert(ctx context.Context, entry *model.MerchantEntry) error
	NearestNeighbors(ctx context.Context, embedding []float32, k int) ([]Neighbor, error)
}

// Lister is implemented by stores that can enumerate every entry.
type Lister interface {
	ListMerchants(ctx context.Context) ([]model.MerchantEntry, error)
}

// Neighbor is one similarity search hit.
type Neighbor struct {
	Entry      *model.MerchantEntry
	Similarity float64
}

// SortNeighbors orders hits by similarity, then by how often the merchant
// has been seen, then by key so the order is total.
func SortNeighbors(ns []Neighbor) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].Similarity != ns[j].Similarity {
			return ns[i].Similarity > ns[j].Similarity
		}
		if ns[i].Entry.NumSeen != ns[j].Entry.NumSeen {
			return ns[i].Entry.NumSeen > ns[j].Entry.NumSeen
		}
		return ns[i].Entry.Key < ns[j].Entry.Key
	})
}

// TopK scans entries and returns the k most similar to embedding.
// Entries without an embedding or with a different dimension are skipped.
func TopK(entries []*model.MerchantEntry, embedding []float32, k int) []Neighbor {
	if len(embedding) == 0 || k <= 0 {
		return nil
	}
	hits := make([]Neighbor, 0, len(entries))
	for _, e := range entries {
		if len(e.Embedding) != len(embedding) {
			continue
		}
		hits = append(hits, Neighbor{Entry: e, Similarity: Cosine(embedding, e.Embedding)})
	}
	SortNeighbors(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
