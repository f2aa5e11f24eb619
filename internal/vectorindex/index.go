// Package vectorindex layers a chromem-go nearest-neighbour index over a
// merchant memory store.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/memory"
	"github.com/Veraticus/tally/internal/model"
)

const collectionName = "merchants"

// Backing is the store the index mirrors.
type Backing interface {
	memory.Store
	memory.Lister
}

// Index implements memory.Store. Reads and writes of entries go to the
// backing store; similarity queries are answered by chromem.
type Index struct {
	backing    Backing
	db         *chromem.DB
	collection *chromem.Collection
	logger     *slog.Logger
	dim        int
	mu         sync.RWMutex
}

// New builds an index over backing and loads every stored embedding.
func New(ctx context.Context, backing Backing, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection(collectionName, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", collectionName, err)
	}

	idx := &Index{
		backing:    backing,
		db:         db,
		collection: collection,
		logger:     logger,
	}
	if err := idx.Rebuild(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// noEmbedding is the collection's embedding func. Vectors are always
// supplied by the caller, so chromem must never compute one itself.
func noEmbedding(_ context.Context, _ string) ([]float32, error) {
	return nil, errors.New("vectorindex: embeddings are supplied by the caller")
}

// Rebuild reloads the index from the backing store.
func (i *Index) Rebuild(ctx context.Context) error {
	entries, err := i.backing.ListMerchants(ctx)
	if err != nil {
		return fmt.Errorf("listing merchants: %w", err)
	}

	docs := make([]chromem.Document, 0, len(entries))
	dim := 0
	for _, e := range entries {
		if !indexable(e.Embedding) {
			continue
		}
		if dim == 0 {
			dim = len(e.Embedding)
		}
		if len(e.Embedding) != dim {
			i.logger.Warn("skipping merchant with mismatched embedding dimension",
				"merchant", e.Key, "dimensions", len(e.Embedding), "expected", dim)
			continue
		}
		docs = append(docs, document(e.Key, e.Embedding))
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.db.DeleteCollection(collectionName); err != nil {
		return fmt.Errorf("resetting collection: %w", err)
	}
	collection, err := i.db.GetOrCreateCollection(collectionName, nil, noEmbedding)
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", collectionName, err)
	}
	if len(docs) > 0 {
		if err := collection.AddDocuments(ctx, docs, 1); err != nil {
			return fmt.Errorf("adding documents: %w", err)
		}
	}
	i.collection = collection
	i.dim = dim

	i.logger.Debug("rebuilt merchant index", "documents", len(docs), "dimensions", dim)
	return nil
}

// Get implements memory.Store.
func (i *Index) Get(ctx context.Context, key string) (*model.MerchantEntry, error) {
	return i.backing.Get(ctx, key)
}

// ListMerchants implements memory.Lister.
func (i *Index) ListMerchants(ctx context.Context) ([]model.MerchantEntry, error) {
	return i.backing.ListMerchants(ctx)
}

// Upsert implements memory.Store, writing through to the backing store first.
func (i *Index) Upsert(ctx context.Context, entry *model.MerchantEntry) error {
	if err := i.backing.Upsert(ctx, entry); err != nil {
		return err
	}
	if !indexable(entry.Embedding) {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.dim != 0 && len(entry.Embedding) != i.dim {
		i.logger.Warn("not indexing merchant with mismatched embedding dimension",
			"merchant", entry.Key, "dimensions", len(entry.Embedding), "expected", i.dim)
		return nil
	}
	if err := i.collection.AddDocument(ctx, document(entry.Key, entry.Embedding)); err != nil {
		return fmt.Errorf("indexing merchant %q: %w", entry.Key, err)
	}
	i.dim = len(entry.Embedding)
	return nil
}

// NearestNeighbors implements memory.Store.
func (i *Index) NearestNeighbors(ctx context.Context, embedding []float32, k int) ([]memory.Neighbor, error) {
	if len(embedding) == 0 || k <= 0 {
		return nil, nil
	}

	i.mu.RLock()
	collection := i.collection
	dim := i.dim
	i.mu.RUnlock()

	if dim != len(embedding) {
		return nil, nil
	}
	// chromem requires nResults <= document count.
	n := collection.Count()
	if n == 0 {
		return nil, nil
	}
	if k < n {
		n = k
	}

	results, err := collection.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying merchant index: %w", err)
	}

	hits := make([]memory.Neighbor, 0, len(results))
	for _, r := range results {
		entry, err := i.backing.Get(ctx, r.ID)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// Similarity is recomputed so scan and index agree exactly.
		hits = append(hits, memory.Neighbor{Entry: entry, Similarity: memory.Cosine(embedding, entry.Embedding)})
	}
	memory.SortNeighbors(hits)
	return hits, nil
}

// Count returns the number of indexed merchants.
func (i *Index) Count() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.collection.Count()
}

func document(key string, embedding []float32) chromem.Document {
	vec := make([]float32, len(embedding))
	copy(vec, embedding)
	return chromem.Document{
		ID:        key,
		Content:   key,
		Embedding: vec,
		Metadata:  map[string]string{"key": key},
	}
}

// indexable rejects empty and zero vectors, which chromem cannot normalize.
func indexable(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return true
		}
	}
	return false
}
