package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/metrics"
	"github.com/Veraticus/tally/internal/model"
)

// Correction results recorded in metrics.
const (
	correctionApplied          = "applied"
	correctionAlreadyCorrected = "already_corrected"
	correctionNotFound         = "not_found"
	correctionInvalidCategory  = "invalid_category"
	correctionError            = "error"
)

// Correct applies a human category to a stored transaction and teaches
// merchant memory. A transaction can be corrected exactly once.
func (e *Engine) Correct(ctx context.Context, req model.CorrectionRequest) (model.CorrectionResult, error) {
	result, err := e.correct(ctx, req)
	switch {
	case err == nil:
		metrics.ObserveCorrection(correctionApplied)
	case errors.Is(err, common.ErrNotFound):
		metrics.ObserveCorrection(correctionNotFound)
	case errors.Is(err, common.ErrAlreadyCorrected):
		metrics.ObserveCorrection(correctionAlreadyCorrected)
	case errors.Is(err, common.ErrInvalidCategory):
		metrics.ObserveCorrection(correctionInvalidCategory)
	default:
		metrics.ObserveCorrection(correctionError)
	}
	if err != nil {
		result.Success = false
		if result.Message == "" {
			result.Message = err.Error()
		}
	}
	return result, err
}

func (e *Engine) correct(ctx context.Context, req model.CorrectionRequest) (model.CorrectionResult, error) {
	current, err := e.repo.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return model.CorrectionResult{Message: fmt.Sprintf("Transaction %s not found", req.TransactionID)},
				fmt.Errorf("transaction %s: %w", req.TransactionID, common.ErrNotFound)
		}
		return model.CorrectionResult{}, fmt.Errorf("load transaction: %w", err)
	}
	if current.Overridden {
		return model.CorrectionResult{Message: fmt.Sprintf("Transaction %s was already corrected", req.TransactionID)},
			fmt.Errorf("transaction %s: %w", req.TransactionID, common.ErrAlreadyCorrected)
	}

	category, ok := e.canonicalCategory(req.CorrectedCategory)
	if !ok {
		return model.CorrectionResult{Message: fmt.Sprintf("Category %q is not allowed", req.CorrectedCategory)},
			fmt.Errorf("%q: %w", req.CorrectedCategory, common.ErrInvalidCategory)
	}

	at := e.now()
	var previous *model.TransactionRecord
	audit := model.CorrectionAudit{
		MerchantKey:       current.MerchantKey,
		PreviousCategory:  current.PredictedCategory,
		CorrectedCategory: category,
	}

	// The transaction update and its audit event commit together. A failed
	// memory write releases both.
	claim := func(ctx context.Context, entry *model.MerchantEntry) (func(context.Context) error, error) {
		if entry != nil {
			audit.NumOverrides = entry.NumOverrides
		}
		event, err := e.correctionEvent(req.TransactionID, audit, at)
		if err != nil {
			return nil, err
		}
		prev, err := e.repo.MarkCorrected(ctx, req.TransactionID, category, at, event)
		if err != nil {
			return nil, err
		}
		previous = prev
		return func(ctx context.Context) error {
			return e.repo.RevertCorrection(ctx, prev, event.ID)
		}, nil
	}

	if current.MerchantKey != "" {
		embedding := e.embed(ctx, current.MerchantKey, current.CleanedDescription)
		_, err = e.recorder.ApplyCorrection(ctx, current.MerchantKey, category, embedding, claim)
	} else {
		e.logger.Warn("correction has no merchant key; memory not updated", "transaction_id", req.TransactionID)
		_, err = claim(ctx, nil)
	}
	switch {
	case errors.Is(err, common.ErrAlreadyCorrected):
		return model.CorrectionResult{Message: fmt.Sprintf("Transaction %s was already corrected", req.TransactionID)}, err
	case err != nil && previous == nil:
		return model.CorrectionResult{}, fmt.Errorf("mark corrected: %w", err)
	case err != nil:
		e.logger.Error("failed to update merchant memory", "transaction_id", req.TransactionID, "merchant", current.MerchantKey, "error", err)
		return model.CorrectionResult{}, fmt.Errorf("update merchant memory: %w", err)
	}

	e.logger.Info("applied correction",
		"transaction_id", req.TransactionID,
		"merchant", previous.MerchantKey,
		"previous_category", audit.PreviousCategory,
		"category", category,
		"num_overrides", audit.NumOverrides)

	return model.CorrectionResult{
		Success: true,
		Message: fmt.Sprintf("Transaction %s corrected to %s", req.TransactionID, category),
	}, nil
}

func (e *Engine) correctionEvent(transactionID string, audit model.CorrectionAudit, at time.Time) (*model.AuditEvent, error) {
	payload, err := json.Marshal(audit)
	if err != nil {
		return nil, fmt.Errorf("encode correction: %w", err)
	}
	return &model.AuditEvent{
		ID:            e.newID(),
		TransactionID: transactionID,
		Kind:          model.AuditCorrection,
		Payload:       payload,
		CreatedAt:     at,
	}, nil
}
