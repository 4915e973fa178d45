package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/notepulse/internal/errs"
	"github.com/roach88/notepulse/internal/model"
)

// InsertSnapshot appends a history entry. History rows are never updated.
func (s *Store) InsertSnapshot(ctx context.Context, snap model.Snapshot) error {
	data, _, err := marshalContent(snap.Content)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents_history
		(id, document_id, user_id, content, snapshot_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		snap.ID,
		snap.DocumentID,
		snap.UserID,
		data,
		string(snap.Type),
		toMicros(snap.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns up to limit snapshots of a document, newest first,
// skipping offset rows. Ties on created_at are broken by insertion order.
//
// Returns an empty slice (not nil) past the last page.
func (s *Store) ListSnapshots(ctx context.Context, documentID string, limit, offset int) ([]model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, user_id, content, snapshot_type, created_at
		FROM documents_history
		WHERE document_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?
	`, documentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []model.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}

// GetSnapshot returns one snapshot, or a NOT_FOUND error.
func (s *Store) GetSnapshot(ctx context.Context, id string) (model.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, user_id, content, snapshot_type, created_at
		FROM documents_history
		WHERE id = ?
	`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Snapshot{}, errs.Newf(errs.CodeNotFound, "get snapshot", "no snapshot %q", id)
	}
	return snap, err
}

func scanSnapshot(row rowScanner) (model.Snapshot, error) {
	var (
		snap      model.Snapshot
		data      string
		typ       string
		createdAt int64
	)
	err := row.Scan(&snap.ID, &snap.DocumentID, &snap.UserID, &data, &typ, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Snapshot{}, err
	}
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	if snap.Content, err = unmarshalContent(data); err != nil {
		return model.Snapshot{}, fmt.Errorf("scan snapshot %s: %w", snap.ID, err)
	}
	if snap.Type, err = model.ParseSnapshotType(typ); err != nil {
		return model.Snapshot{}, fmt.Errorf("scan snapshot %s: %w", snap.ID, err)
	}
	snap.CreatedAt = fromMicros(createdAt)
	return snap, nil
}
