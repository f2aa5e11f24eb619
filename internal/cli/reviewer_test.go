package cli

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCorrector struct {
	corrected map[string]string
	failWith  error
}

func (f *fakeCorrector) Correct(_ context.Context, req model.CorrectionRequest) (model.CorrectionResult, error) {
	if f.failWith != nil {
		return model.CorrectionResult{Message: f.failWith.Error()}, f.failWith
	}
	if f.corrected == nil {
		f.corrected = make(map[string]string)
	}
	f.corrected[req.TransactionID] = req.CorrectedCategory
	return model.CorrectionResult{Success: true, Message: "Transaction " + req.TransactionID + " corrected to " + req.CorrectedCategory}, nil
}

func (f *fakeCorrector) GetDecision(_ context.Context, id string) (model.Decision, error) {
	return model.Decision{}, fmt.Errorf("%s: %w", id, common.ErrNotFound)
}

func reviewRecords() []model.TransactionRecord {
	return []model.TransactionRecord{
		{ID: "t1", CleanedDescription: "ACME CONSULTING", PredictedCategory: "Contractors"},
		{ID: "t2", CleanedDescription: "MYSTERY VENDOR"},
		{ID: "t3", CleanedDescription: "STAPLES", PredictedCategory: "Office Supplies"},
	}
}

var reviewCategories = []string{"Travel", "Contractors", "Office Supplies", model.NeedsReviewCategory}

func TestReviewer_Review(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		wantCorrected map[string]string
		wantStats     ReviewStats
		wantErr       error
	}{
		{
			name:          "accept, correct by number, skip",
			input:         "a\nc\n1\ns\n",
			wantCorrected: map[string]string{"t1": "Contractors", "t2": "Travel"},
			wantStats:     ReviewStats{Reviewed: 2, Accepted: 1, Corrected: 1, Skipped: 1},
		},
		{
			name:          "correct by name after invalid input",
			input:         "x\nc\nnope\noffice supplies\ns\ns\n",
			wantCorrected: map[string]string{"t1": "Office Supplies"},
			wantStats:     ReviewStats{Reviewed: 1, Corrected: 1, Skipped: 2},
		},
		{
			name:      "accept is not offered without a prediction",
			input:     "s\na\nq\n",
			wantStats: ReviewStats{Skipped: 1},
			wantErr:   ErrReviewQuit,
		},
		{
			name:      "end of input quits",
			input:     "s\n",
			wantStats: ReviewStats{Skipped: 1},
			wantErr:   ErrReviewQuit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			corrector := &fakeCorrector{}
			var out bytes.Buffer
			r := NewReviewer(strings.NewReader(tt.input), &out, corrector, reviewCategories)

			stats, err := r.Review(context.Background(), reviewRecords())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Contains(t, out.String(), "Review Complete")
			}
			assert.Equal(t, tt.wantStats, stats)
			if tt.wantCorrected != nil {
				assert.Equal(t, tt.wantCorrected, corrector.corrected)
			}
		})
	}
}

func TestReviewer_NeverOffersNeedsReview(t *testing.T) {
	r := NewReviewer(strings.NewReader(""), &bytes.Buffer{}, &fakeCorrector{}, reviewCategories)
	assert.NotContains(t, r.categories, model.NeedsReviewCategory)
}

func TestReviewer_AlreadyCorrected(t *testing.T) {
	var out bytes.Buffer
	r := NewReviewer(strings.NewReader("a\ns\ns\n"), &out, &fakeCorrector{failWith: common.ErrAlreadyCorrected}, reviewCategories)

	stats, err := r.Review(context.Background(), reviewRecords())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Accepted)
	assert.Contains(t, out.String(), "Already corrected")
}
