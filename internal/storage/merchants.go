package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/memory"
	"github.com/Veraticus/tally/internal/model"
)

const merchantColumns = `key, category, embedding, history, human_verified, num_seen, num_overrides, last_seen`

// Get implements memory.Store.
func (s *SQLiteStorage) Get(ctx context.Context, key string) (*model.MerchantEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(key, "key"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE key = ?`, key)
	entry, err := scanMerchant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("merchant %q: %w", key, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get merchant: %w", err)
	}
	return entry, nil
}

// Upsert implements memory.Store. All stored embeddings share one
// dimensionality; the first stored embedding fixes it.
func (s *SQLiteStorage) Upsert(ctx context.Context, entry *model.MerchantEntry) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateEntry(entry); err != nil {
		return err
	}

	embedding, err := encodeVector(entry.Embedding)
	if err != nil {
		return err
	}
	history, err := encodeHistory(entry.History)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if dim := len(entry.Embedding); dim > 0 {
			var existing int
			err := tx.QueryRowContext(ctx, `
				SELECT embedding_dim FROM merchants
				WHERE embedding_dim > 0 AND key != ?
				LIMIT 1
			`, entry.Key).Scan(&existing)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to check embedding dimension: %w", err)
			}
			if err == nil && existing != dim {
				return fmt.Errorf("%w: merchant %q has %d dimensions, store uses %d",
					ErrEmbeddingDimension, entry.Key, dim, existing)
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO merchants (`+merchantColumns+`, embedding_dim)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				category = excluded.category,
				embedding = excluded.embedding,
				history = excluded.history,
				human_verified = excluded.human_verified,
				num_seen = excluded.num_seen,
				num_overrides = excluded.num_overrides,
				last_seen = excluded.last_seen,
				embedding_dim = excluded.embedding_dim
		`,
			entry.Key,
			entry.Category,
			embedding,
			history,
			entry.HumanVerified,
			entry.NumSeen,
			entry.NumOverrides,
			nullTime(nonZero(entry.LastSeen)),
			len(entry.Embedding),
		)
		if err != nil {
			return fmt.Errorf("failed to save merchant: %w", err)
		}
		return nil
	})
}

// NearestNeighbors implements memory.Store with a linear scan.
func (s *SQLiteStorage) NearestNeighbors(ctx context.Context, embedding []float32, k int) ([]memory.Neighbor, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if len(embedding) == 0 || k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+merchantColumns+` FROM merchants WHERE embedding_dim = ?
	`, len(embedding))
	if err != nil {
		return nil, fmt.Errorf("failed to query merchants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*model.MerchantEntry
	for rows.Next() {
		entry, err := scanMerchant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan merchant: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return memory.TopK(entries, embedding, k), nil
}

// ListMerchants implements memory.Lister, ordered by key.
func (s *SQLiteStorage) ListMerchants(ctx context.Context) ([]model.MerchantEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+merchantColumns+` FROM merchants ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query merchants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.MerchantEntry
	for rows.Next() {
		entry, err := scanMerchant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan merchant: %w", err)
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

func scanMerchant(row rowScanner) (*model.MerchantEntry, error) {
	var (
		entry     model.MerchantEntry
		embedding sql.NullString
		history   sql.NullString
		lastSeen  sql.NullTime
	)
	err := row.Scan(
		&entry.Key,
		&entry.Category,
		&embedding,
		&history,
		&entry.HumanVerified,
		&entry.NumSeen,
		&entry.NumOverrides,
		&lastSeen,
	)
	if err != nil {
		return nil, err
	}

	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &entry.Embedding); err != nil {
			return nil, fmt.Errorf("merchant %q embedding: %w", entry.Key, common.ErrDatabaseCorrupted)
		}
	}
	if history.Valid && history.String != "" {
		if err := json.Unmarshal([]byte(history.String), &entry.History); err != nil {
			return nil, fmt.Errorf("merchant %q history: %w", entry.Key, common.ErrDatabaseCorrupted)
		}
	}
	if lastSeen.Valid {
		entry.LastSeen = lastSeen.Time
	}
	return &entry, nil
}

func encodeVector(v []float32) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode embedding: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func encodeHistory(h [][]float32) (sql.NullString, error) {
	if len(h) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode history: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
