package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/Veraticus/tally/internal/common"
)

// HashEmbedder is a deterministic feature-hashing embedder over word tokens
// and character trigrams. It needs no network and is used offline and in
// tests; similar spellings land close together, unrelated text does not.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates an embedder with dims dimensions.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

// Dimensions returns the vector length.
func (h *HashEmbedder) Dimensions() int { return h.dims }

// Embed implements Embedder.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty text", common.ErrEmbeddingUnavailable)
	}

	vec := make([]float64, h.dims)
	for _, tok := range tokens {
		h.add(vec, "w:"+tok, 1.0)
		padded := " " + tok + " "
		for i := 0; i+3 <= len(padded); i++ {
			h.add(vec, "c:"+padded[i:i+3], 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, h.dims)
	if norm == 0 {
		return out, nil
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (h *HashEmbedder) add(vec []float64, feature string, weight float64) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}
