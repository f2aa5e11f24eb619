package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 3

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS transactions (
					id TEXT PRIMARY KEY,
					cleaned_description TEXT NOT NULL,
					merchant_key TEXT NOT NULL,
					amount REAL,
					date DATETIME,
					predicted_category TEXT NOT NULL DEFAULT '',
					corrected_category TEXT,
					confidence REAL NOT NULL DEFAULT 0,
					risk_score REAL NOT NULL DEFAULT 0,
					risk_level TEXT NOT NULL,
					source TEXT NOT NULL,
					needs_review INTEGER NOT NULL DEFAULT 0,
					overridden INTEGER NOT NULL DEFAULT 0,
					pii_redacted INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					corrected_at DATETIME
				)`,
				`CREATE INDEX idx_transactions_merchant ON transactions(merchant_key)`,
				`CREATE TABLE IF NOT EXISTS merchants (
					key TEXT PRIMARY KEY,
					category TEXT NOT NULL DEFAULT '',
					embedding TEXT,
					embedding_dim INTEGER NOT NULL DEFAULT 0,
					history TEXT,
					human_verified INTEGER NOT NULL DEFAULT 0,
					num_seen INTEGER NOT NULL DEFAULT 0,
					num_overrides INTEGER NOT NULL DEFAULT 0 CHECK (num_overrides >= 0),
					last_seen DATETIME,
					CHECK (num_seen >= num_overrides)
				)`,
			)
		},
	},
	{
		Version:     2,
		Description: "Add audit log",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS audit_events (
					id TEXT PRIMARY KEY,
					transaction_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					payload TEXT NOT NULL,
					created_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_audit_events_transaction ON audit_events(transaction_id, created_at)`,
			)
		},
	},
	{
		Version:     3,
		Description: "Index review queue",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE INDEX IF NOT EXISTS idx_transactions_review ON transactions(needs_review, overridden)`,
				`CREATE INDEX IF NOT EXISTS idx_merchants_verified ON merchants(human_verified)`,
			)
		},
	},
}

func execAll(tx *sql.Tx, queries ...string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}
	return nil
}

// Migrate applies all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	currentVersion, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	finalVersion, err := s.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}
	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}

// SchemaVersion reports the applied schema version.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
