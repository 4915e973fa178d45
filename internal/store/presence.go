package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/notepulse/internal/model"
)

// TouchPresence upserts a presence row.
func (s *Store) TouchPresence(ctx context.Context, p model.Presence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (user_id, document_id, status, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, document_id) DO UPDATE SET status = excluded.status, last_seen = excluded.last_seen
	`, p.UserID, p.DocumentID, p.Status, toMicros(p.LastSeen))
	if err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

// ListPresence returns presence rows for a document seen at or after since,
// most recent first.
func (s *Store) ListPresence(ctx context.Context, documentID string, since time.Time) ([]model.Presence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, document_id, status, last_seen
		FROM presence
		WHERE document_id = ? AND last_seen >= ?
		ORDER BY last_seen DESC, user_id ASC
	`, documentID, toMicros(since))
	if err != nil {
		return nil, fmt.Errorf("query presence: %w", err)
	}
	defer rows.Close()

	out := []model.Presence{}
	for rows.Next() {
		var p model.Presence
		var seen int64
		if err := rows.Scan(&p.UserID, &p.DocumentID, &p.Status, &seen); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		p.LastSeen = fromMicros(seen)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence: %w", err)
	}
	return out, nil
}

// AddCollaborator records an access grant, replacing the role of an
// existing grant.
func (s *Store) AddCollaborator(ctx context.Context, c model.Collaborator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_collaborators (document_id, user_id, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(document_id, user_id) DO UPDATE SET role = excluded.role
	`, c.DocumentID, c.UserID, string(c.Role), toMicros(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

// ListCollaborators returns a document's grants in the order they were made.
func (s *Store) ListCollaborators(ctx context.Context, documentID string) ([]model.Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, user_id, role, created_at
		FROM document_collaborators
		WHERE document_id = ?
		ORDER BY created_at ASC, user_id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query collaborators: %w", err)
	}
	defer rows.Close()

	out := []model.Collaborator{}
	for rows.Next() {
		var c model.Collaborator
		var role string
		var created int64
		if err := rows.Scan(&c.DocumentID, &c.UserID, &role, &created); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		c.Role = model.Role(role)
		c.CreatedAt = fromMicros(created)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return out, nil
}
