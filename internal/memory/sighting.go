package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
)

// Recorder applies the two write paths to merchant memory: passive sightings
// from classifications and human corrections.
type Recorder struct {
	store  Store
	locker *KeyedLocker
	now    func() time.Time
	window int
}

// NewRecorder creates a recorder keeping window embeddings of history.
func NewRecorder(store Store, locker *KeyedLocker, window int) *Recorder {
	if locker == nil {
		locker = NewKeyedLocker()
	}
	if window <= 0 {
		window = 10
	}
	return &Recorder{store: store, locker: locker, window: window, now: time.Now}
}

// Sighting describes one classification of a merchant.
type Sighting struct {
	Key        string
	MatchedKey string
	Category   string
	Embedding  []float32
	// Uncertain decisions do not teach memory a category.
	Uncertain bool
}

// RecordSighting bumps num_seen exactly once: on the entry for the request's
// key when it exists, else on the strongly matched entry, else on a new
// entry for the key. Human-verified categories are never replaced here.
func (r *Recorder) RecordSighting(ctx context.Context, s Sighting) (*model.MerchantEntry, error) {
	if s.Key == "" && s.MatchedKey == "" {
		return nil, nil
	}

	unlock := r.locker.LockMany(s.Key, s.MatchedKey)
	defer unlock()

	target, err := r.lookup(ctx, s.Key)
	if err != nil {
		return nil, err
	}
	if target == nil && s.MatchedKey != "" {
		if target, err = r.lookup(ctx, s.MatchedKey); err != nil {
			return nil, err
		}
	}

	now := r.now()
	if target == nil {
		if s.Key == "" {
			return nil, nil
		}
		target = &model.MerchantEntry{
			Key:       s.Key,
			Embedding: s.Embedding,
		}
		if !s.Uncertain {
			target.Category = s.Category
		}
	} else if !target.HumanVerified && !s.Uncertain && s.Category != "" {
		target.Category = s.Category
	}

	if len(target.Embedding) == 0 && len(s.Embedding) > 0 {
		target.Embedding = s.Embedding
	}
	target.NumSeen++
	target.AppendHistory(s.Embedding, r.window)
	target.LastSeen = now

	if err := r.store.Upsert(ctx, target); err != nil {
		return nil, fmt.Errorf("record sighting for %q: %w", target.Key, err)
	}
	return target, nil
}

// CorrectionClaim runs while the merchant is locked, after the corrected
// entry is computed and before it is written. When the write fails the
// returned release func is called to undo the claim.
type CorrectionClaim func(ctx context.Context, entry *model.MerchantEntry) (release func(context.Context) error, err error)

// ApplyCorrection marks key as human verified with category and counts the
// override. The canonical embedding is replaced when one is given. A nil
// claim writes memory unconditionally.
func (r *Recorder) ApplyCorrection(ctx context.Context, key, category string, embedding []float32, claim CorrectionClaim) (*model.MerchantEntry, error) {
	if key == "" {
		return nil, fmt.Errorf("correction requires a merchant key")
	}

	unlock := r.locker.Lock(key)
	defer unlock()

	entry, err := r.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		entry = &model.MerchantEntry{Key: key}
	}

	entry.Category = category
	entry.HumanVerified = true
	entry.NumOverrides++
	if entry.NumSeen < entry.NumOverrides {
		entry.NumSeen = entry.NumOverrides
	}
	if len(embedding) > 0 {
		entry.Embedding = embedding
	}
	entry.LastSeen = r.now()

	var release func(context.Context) error
	if claim != nil {
		if release, err = claim(ctx, entry); err != nil {
			return nil, err
		}
	}

	if err := r.store.Upsert(ctx, entry); err != nil {
		err = fmt.Errorf("apply correction for %q: %w", key, err)
		if release != nil {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				return nil, errors.Join(err, fmt.Errorf("release correction claim: %w", rerr))
			}
		}
		return nil, err
	}
	return entry, nil
}

func (r *Recorder) lookup(ctx context.Context, key string) (*model.MerchantEntry, error) {
	if key == "" {
		return nil, nil
	}
	entry, err := r.store.Get(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup merchant %q: %w", key, err)
	}
	return entry, nil
}
