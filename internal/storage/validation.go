package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/tally/internal/model"
)

// Validation errors.
var (
	ErrNilContext         = errors.New("context cannot be nil")
	ErrEmptyString        = errors.New("string parameter cannot be empty")
	ErrNilParameter       = errors.New("parameter cannot be nil")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidEntry       = errors.New("invalid merchant entry")
	ErrInvalidAuditEvent  = errors.New("invalid audit event")
	ErrEmbeddingDimension = errors.New("embedding dimension mismatch")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateTransaction(txn *model.TransactionRecord) error {
	if txn == nil {
		return fmt.Errorf("%w: transaction", ErrNilParameter)
	}
	if txn.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidTransaction)
	}
	if txn.CreatedAt.IsZero() {
		return fmt.Errorf("%w: missing creation time", ErrInvalidTransaction)
	}
	if txn.Source == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidTransaction)
	}
	if txn.Confidence < 0 || txn.Confidence > 1 || txn.RiskScore < 0 || txn.RiskScore > 1 {
		return fmt.Errorf("%w: confidence and risk score must be within [0, 1]", ErrInvalidTransaction)
	}
	return nil
}

func validateEntry(entry *model.MerchantEntry) error {
	if entry == nil {
		return fmt.Errorf("%w: merchant entry", ErrNilParameter)
	}
	if entry.Key == "" {
		return fmt.Errorf("%w: missing key", ErrInvalidEntry)
	}
	if entry.NumOverrides < 0 || entry.NumSeen < entry.NumOverrides {
		return fmt.Errorf("%w: %q counters out of order (seen=%d overrides=%d)",
			ErrInvalidEntry, entry.Key, entry.NumSeen, entry.NumOverrides)
	}
	for _, h := range entry.History {
		if len(entry.Embedding) > 0 && len(h) != len(entry.Embedding) {
			return fmt.Errorf("%w: %q history vector has %d dimensions, embedding has %d",
				ErrEmbeddingDimension, entry.Key, len(h), len(entry.Embedding))
		}
	}
	return nil
}

func validateAuditEvent(event *model.AuditEvent) error {
	if event == nil {
		return fmt.Errorf("%w: audit event", ErrNilParameter)
	}
	if event.ID == "" || event.TransactionID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidAuditEvent)
	}
	if event.Kind != model.AuditClassification && event.Kind != model.AuditCorrection {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAuditEvent, event.Kind)
	}
	if len(event.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidAuditEvent)
	}
	return nil
}
