package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
)

// AppendAudit writes one audit event.
func (s *SQLiteStorage) AppendAudit(ctx context.Context, event *model.AuditEvent) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateAuditEvent(event); err != nil {
		return err
	}
	return insertAuditEvent(ctx, s.db, event)
}

func insertAuditEvent(ctx context.Context, q queryable, event *model.AuditEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_events (id, transaction_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, event.ID, event.TransactionID, string(event.Kind), string(event.Payload), event.CreatedAt)
	if isConstraintViolation(err) {
		return fmt.Errorf("audit event %s: %w", event.ID, common.ErrDuplicateEntry)
	}
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListAudit returns a transaction's audit events, oldest first.
func (s *SQLiteStorage) ListAudit(ctx context.Context, transactionID string) ([]model.AuditEvent, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, kind, payload, created_at
		FROM audit_events
		WHERE transaction_id = ?
		ORDER BY created_at, rowid
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.AuditEvent
	for rows.Next() {
		var (
			event   model.AuditEvent
			kind    string
			payload string
		)
		if err := rows.Scan(&event.ID, &event.TransactionID, &kind, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.Kind = model.AuditKind(kind)
		event.Payload = []byte(payload)
		out = append(out, event)
	}
	return out, rows.Err()
}

// LatestAudit returns the newest event of kind for a transaction, or
// common.ErrNotFound.
func (s *SQLiteStorage) LatestAudit(ctx context.Context, transactionID string, kind model.AuditKind) (*model.AuditEvent, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return nil, err
	}

	var (
		event   model.AuditEvent
		k       string
		payload string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, kind, payload, created_at
		FROM audit_events
		WHERE transaction_id = ? AND kind = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, transactionID, string(kind)).Scan(&event.ID, &event.TransactionID, &k, &payload, &event.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s audit for %s: %w", kind, transactionID, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}
	event.Kind = model.AuditKind(k)
	event.Payload = []byte(payload)
	return &event, nil
}
