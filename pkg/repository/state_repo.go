package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tendant/keyclaim/pkg/domain"
)

// StateRepository stores account documents in Postgres.
type StateRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStateRepository creates a new state repository.
func NewStateRepository(db *sql.DB, logger *slog.Logger) *StateRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateRepository{db: db, logger: logger}
}

// EnsureSchema creates the state table when missing.
func (r *StateRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS keyclaim_state (
			account    TEXT PRIMARY KEY,
			document   JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create state table: %w", err)
	}
	return nil
}

// Load retrieves the account document. No row is an empty state.
func (r *StateRepository) Load(ctx context.Context, account string) (*domain.State, error) {
	query := `
		SELECT document
		FROM keyclaim_state
		WHERE account = $1
	`
	var data []byte
	err := r.db.QueryRowContext(ctx, query, account).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return decodeState(r.logger, account, data), nil
}

// Save upserts the account document.
func (r *StateRepository) Save(ctx context.Context, account string, st *domain.State) error {
	data, err := encodeState(st)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	query := `
		INSERT INTO keyclaim_state (account, document, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account) DO UPDATE
		SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, account, string(data)); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}
