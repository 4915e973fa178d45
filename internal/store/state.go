package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveState stores the latest binary CRDT state of a document, replacing
// any previous one.
func (s *Store) SaveState(ctx context.Context, documentID string, state []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_states (document_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`, documentID, state, toMicros(at))
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// LoadState returns the stored CRDT state, or nil when none was saved.
func (s *Store) LoadState(ctx context.Context, documentID string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM document_states WHERE document_id = ?
	`, documentID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return state, nil
}
