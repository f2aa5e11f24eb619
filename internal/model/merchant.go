package model

import "time"

// MerchantEntry is the learned memory for one normalized merchant key.
type MerchantEntry struct {
	LastSeen  time.Time
	Key       string
	Category  string
	Embedding []float32
	// History holds the most recent sighting embeddings, oldest first.
	History       [][]float32
	NumSeen       int
	NumOverrides  int
	HumanVerified bool
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (e *MerchantEntry) Clone() *MerchantEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Embedding = cloneVector(e.Embedding)
	if e.History != nil {
		c.History = make([][]float32, len(e.History))
		for i, h := range e.History {
			c.History[i] = cloneVector(h)
		}
	}
	return &c
}

// AppendHistory records a sighting embedding, keeping at most window entries.
func (e *MerchantEntry) AppendHistory(vec []float32, window int) {
	if len(vec) == 0 {
		return
	}
	e.History = append(e.History, cloneVector(vec))
	if window > 0 && len(e.History) > window {
		e.History = e.History[len(e.History)-window:]
	}
}

func cloneVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
