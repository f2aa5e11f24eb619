package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
)

const transactionColumns = `id, cleaned_description, merchant_key, amount, date,
	predicted_category, corrected_category, confidence, risk_score, risk_level,
	source, needs_review, overridden, pii_redacted, created_at, corrected_at`

// SaveClassification stores a new transaction together with its audit event.
func (s *SQLiteStorage) SaveClassification(ctx context.Context, txn *model.TransactionRecord, event *model.AuditEvent) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateTransaction(txn); err != nil {
		return err
	}
	if event != nil {
		if err := validateAuditEvent(event); err != nil {
			return err
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		if event != nil {
			return insertAuditEvent(ctx, tx, event)
		}
		return nil
	})
}

func insertTransaction(ctx context.Context, q queryable, txn *model.TransactionRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		txn.ID,
		txn.CleanedDescription,
		txn.MerchantKey,
		nullFloat(txn.Amount),
		nullTime(txn.Date),
		txn.PredictedCategory,
		nullString(txn.CorrectedCategory),
		txn.Confidence,
		txn.RiskScore,
		string(txn.RiskLevel),
		string(txn.Source),
		txn.NeedsReview,
		txn.Overridden,
		txn.PIIRedacted,
		txn.CreatedAt,
		nullTime(txn.CorrectedAt),
	)
	if isConstraintViolation(err) {
		return fmt.Errorf("transaction %s: %w", txn.ID, common.ErrDuplicateEntry)
	}
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// GetTransaction loads a transaction. Unknown IDs return common.ErrNotFound.
func (s *SQLiteStorage) GetTransaction(ctx context.Context, id string) (*model.TransactionRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return getTransaction(ctx, s.db, id)
}

func getTransaction(ctx context.Context, q queryable, id string) (*model.TransactionRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

// MarkCorrected records a human correction and its audit event in one
// transaction. The update only applies while the transaction is not yet
// overridden, so concurrent corrections of the same transaction cannot both
// succeed. The record as it was before the correction is returned.
func (s *SQLiteStorage) MarkCorrected(ctx context.Context, id, category string, at time.Time, event *model.AuditEvent) (*model.TransactionRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	if err := validateString(category, "category"); err != nil {
		return nil, err
	}
	if event != nil {
		if err := validateAuditEvent(event); err != nil {
			return nil, err
		}
	}

	var previous *model.TransactionRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Overridden {
			return fmt.Errorf("transaction %s: %w", id, common.ErrAlreadyCorrected)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE transactions
			SET overridden = 1,
				corrected_category = ?,
				predicted_category = ?,
				corrected_at = ?
			WHERE id = ? AND overridden = 0
		`, category, category, at, id)
		if err != nil {
			return fmt.Errorf("failed to mark transaction corrected: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check correction: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("transaction %s: %w", id, common.ErrAlreadyCorrected)
		}
		if event != nil {
			if err := insertAuditEvent(ctx, tx, event); err != nil {
				return err
			}
		}
		previous = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// RevertCorrection restores a transaction to its state before MarkCorrected
// and removes the correction's audit event.
func (s *SQLiteStorage) RevertCorrection(ctx context.Context, previous *model.TransactionRecord, eventID string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if previous == nil {
		return fmt.Errorf("%w: previous transaction", ErrNilParameter)
	}
	if err := validateString(previous.ID, "id"); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE transactions
			SET overridden = ?,
				corrected_category = ?,
				predicted_category = ?,
				corrected_at = ?
			WHERE id = ? AND overridden = 1
		`, previous.Overridden, nullString(previous.CorrectedCategory), previous.PredictedCategory,
			nullTime(previous.CorrectedAt), previous.ID)
		if err != nil {
			return fmt.Errorf("failed to revert correction: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check revert: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("transaction %s: %w", previous.ID, common.ErrNotFound)
		}
		if eventID == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM audit_events WHERE id = ?`, eventID); err != nil {
			return fmt.Errorf("failed to remove correction audit: %w", err)
		}
		return nil
	})
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	MerchantKey     string
	Limit           int
	NeedsReviewOnly bool
}

// ListTransactions returns transactions, newest first.
func (s *SQLiteStorage) ListTransactions(ctx context.Context, filter TransactionFilter) ([]model.TransactionRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE 1 = 1`
	var args []any
	if filter.NeedsReviewOnly {
		query += ` AND needs_review = 1 AND overridden = 0`
	}
	if filter.MerchantKey != "" {
		query += ` AND merchant_key = ?`
		args = append(args, filter.MerchantKey)
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.TransactionRecord
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *txn)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*model.TransactionRecord, error) {
	var (
		txn         model.TransactionRecord
		amount      sql.NullFloat64
		date        sql.NullTime
		corrected   sql.NullString
		correctedAt sql.NullTime
		riskLevel   string
		source      string
	)
	err := row.Scan(
		&txn.ID,
		&txn.CleanedDescription,
		&txn.MerchantKey,
		&amount,
		&date,
		&txn.PredictedCategory,
		&corrected,
		&txn.Confidence,
		&txn.RiskScore,
		&riskLevel,
		&source,
		&txn.NeedsReview,
		&txn.Overridden,
		&txn.PIIRedacted,
		&txn.CreatedAt,
		&correctedAt,
	)
	if err != nil {
		return nil, err
	}

	if amount.Valid {
		v := amount.Float64
		txn.Amount = &v
	}
	if date.Valid {
		d := date.Time
		txn.Date = &d
	}
	if correctedAt.Valid {
		c := correctedAt.Time
		txn.CorrectedAt = &c
	}
	txn.CorrectedCategory = corrected.String
	txn.RiskLevel = model.RiskLevel(riskLevel)
	txn.Source = model.Source(source)
	return &txn, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
