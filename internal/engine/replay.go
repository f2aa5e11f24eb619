package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/evidence"
	"github.com/Veraticus/tally/internal/model"
)

// GetDecision returns the decision recorded when the transaction was classified.
func (e *Engine) GetDecision(ctx context.Context, transactionID string) (model.Decision, error) {
	event, err := e.repo.LatestAudit(ctx, transactionID, model.AuditClassification)
	if err != nil {
		return model.Decision{}, err
	}
	var d model.Decision
	if err := json.Unmarshal(event.Payload, &d); err != nil {
		return model.Decision{}, fmt.Errorf("decode decision for %s: %w", transactionID, err)
	}
	return d, nil
}

// ReplayEvidence rebuilds the evidence trail of a transaction from the
// audit log without calling any model. A later correction is appended.
func (e *Engine) ReplayEvidence(ctx context.Context, transactionID string) (model.Evidence, error) {
	d, err := e.GetDecision(ctx, transactionID)
	if err != nil {
		return model.Evidence{}, err
	}
	ev := evidence.Generate(d.Signals)

	event, err := e.repo.LatestAudit(ctx, transactionID, model.AuditCorrection)
	switch {
	case errors.Is(err, common.ErrNotFound):
		return ev, nil
	case err != nil:
		return model.Evidence{}, err
	}
	var c model.CorrectionAudit
	if err := json.Unmarshal(event.Payload, &c); err != nil {
		return model.Evidence{}, fmt.Errorf("decode correction for %s: %w", transactionID, err)
	}
	ev.Statements = append(ev.Statements, evidence.CorrectionStatement(c))
	return ev, nil
}

// AuditTrail returns every audit event of a transaction, oldest first.
func (e *Engine) AuditTrail(ctx context.Context, transactionID string) ([]model.AuditEvent, error) {
	return e.repo.ListAudit(ctx, transactionID)
}
