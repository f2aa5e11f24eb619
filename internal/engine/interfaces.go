package engine

import (
	"context"
	"time"

	"github.com/Veraticus/tally/internal/llm"
	"github.com/Veraticus/tally/internal/model"
)

// Repository persists classified transactions and their audit trail.
type Repository interface {
	SaveClassification(ctx context.Context, txn *model.TransactionRecord, event *model.AuditEvent) error
	GetTransaction(ctx context.Context, id string) (*model.TransactionRecord, error)
	MarkCorrected(ctx context.Context, id, category string, at time.Time, event *model.AuditEvent) (*model.TransactionRecord, error)
	RevertCorrection(ctx context.Context, previous *model.TransactionRecord, eventID string) error
	AppendAudit(ctx context.Context, event *model.AuditEvent) error
	LatestAudit(ctx context.Context, transactionID string, kind model.AuditKind) (*model.AuditEvent, error)
	ListAudit(ctx context.Context, transactionID string) ([]model.AuditEvent, error)
}

// Classifier is the LLM stage of the pipeline.
type Classifier interface {
	Classify(ctx context.Context, description string) llm.Outcome
}
