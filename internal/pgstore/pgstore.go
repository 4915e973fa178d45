// Package pgstore implements the durable store on PostgreSQL through a
// pgx connection pool.
//
// It mirrors internal/store table for table. Access control lives in the
// database (row-level security or grants); a rejected statement surfaces
// as errs AUTHORIZATION and is never retried.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/notepulse/internal/content"
	"github.com/roach88/notepulse/internal/errs"
	"github.com/roach88/notepulse/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// sqlstateInsufficientPrivilege is raised when a grant or policy rejects
// a statement.
const sqlstateInsufficientPrivilege = "42501"

// Store is a PostgreSQL-backed bridge.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and applies the schema. The schema statements are
// idempotent.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// No arguments: pgx uses the simple protocol, which accepts several
	// statements at once.
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", classify("apply schema", err))
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// classify maps driver errors onto the error taxonomy.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlstateInsufficientPrivilege {
		return errs.New(errs.CodeAuthorization, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func marshalContent(doc content.Doc) (string, string, error) {
	data, err := content.Canonical(doc)
	if err != nil {
		return "", "", err
	}
	hash, err := content.Hash(doc)
	if err != nil {
		return "", "", err
	}
	return string(data), hash, nil
}

const documentColumns = `id, user_id, title, content::text, created_at, updated_at, last_edited_by`

// ListDocumentsByOwner returns a user's documents in insertion order.
func (s *Store) ListDocumentsByOwner(ctx context.Context, userID string) ([]model.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE user_id = $1
		ORDER BY seq ASC
	`, userID)
	if err != nil {
		return nil, classify("query documents", err)
	}
	defer rows.Close()

	docs := []model.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate documents", err)
	}
	return docs, nil
}

// InsertDocument creates a document row.
func (s *Store) InsertDocument(ctx context.Context, doc model.Document) error {
	data, hash, err := marshalContent(doc.Content)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents
		(id, user_id, title, content, content_hash, created_at, updated_at, last_edited_by)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)
	`, doc.ID, doc.UserID, doc.Title, data, hash, doc.CreatedAt, doc.UpdatedAt, doc.LastEditedBy)
	if err != nil {
		return classify("insert document", err)
	}
	return nil
}

// GetDocument returns a document, or NOT_FOUND.
func (s *Store) GetDocument(ctx context.Context, id string) (model.Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Document{}, errs.Newf(errs.CodeNotFound, "get document", "no document %q", id).ForDocument(id)
	}
	return doc, err
}

// UpdateContent replaces content unless the stored hash already matches.
func (s *Store) UpdateContent(ctx context.Context, id string, doc content.Doc, editorID string, at time.Time) (bool, error) {
	data, hash, err := marshalContent(doc)
	if err != nil {
		return false, fmt.Errorf("update content: %w", err)
	}

	var changed, exists bool
	err = s.pool.QueryRow(ctx, `
		WITH updated AS (
			UPDATE documents
			SET content = $2::jsonb, content_hash = $3, updated_at = $4, last_edited_by = $5
			WHERE id = $1 AND content_hash <> $3
			RETURNING 1
		)
		SELECT EXISTS (SELECT 1 FROM updated), EXISTS (SELECT 1 FROM documents WHERE id = $1)
	`, id, data, hash, at, editorID).Scan(&changed, &exists)
	if err != nil {
		return false, classify("update content", err)
	}
	if !exists {
		return false, errs.Newf(errs.CodeNotFound, "update content", "no document %q", id).ForDocument(id)
	}
	return changed, nil
}

// InsertSnapshot appends a history entry.
func (s *Store) InsertSnapshot(ctx context.Context, snap model.Snapshot) error {
	data, _, err := marshalContent(snap.Content)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents_history (id, document_id, user_id, content, snapshot_type, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
	`, snap.ID, snap.DocumentID, snap.UserID, data, string(snap.Type), snap.CreatedAt)
	if err != nil {
		return classify("insert snapshot", err)
	}
	return nil
}

const snapshotColumns = `id, document_id, user_id, content::text, snapshot_type, created_at`

// ListSnapshots returns snapshots newest first.
func (s *Store) ListSnapshots(ctx context.Context, documentID string, limit, offset int) ([]model.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+snapshotColumns+`
		FROM documents_history
		WHERE document_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2 OFFSET $3
	`, documentID, limit, offset)
	if err != nil {
		return nil, classify("query snapshots", err)
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
		return nil, classify("iterate snapshots", err)
	}
	return snaps, nil
}

// GetSnapshot returns one snapshot, or NOT_FOUND.
func (s *Store) GetSnapshot(ctx context.Context, id string) (model.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM documents_history WHERE id = $1`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Snapshot{}, errs.Newf(errs.CodeNotFound, "get snapshot", "no snapshot %q", id)
	}
	return snap, err
}

// SaveState upserts the binary CRDT state.
func (s *Store) SaveState(ctx context.Context, documentID string, state []byte, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_states (document_id, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`, documentID, state, at)
	if err != nil {
		return classify("save state", err)
	}
	return nil
}

// LoadState returns the stored state, or nil.
func (s *Store) LoadState(ctx context.Context, documentID string) ([]byte, error) {
	var state []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM document_states WHERE document_id = $1`, documentID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("load state", err)
	}
	return state, nil
}

// TouchPresence upserts a presence row.
func (s *Store) TouchPresence(ctx context.Context, p model.Presence) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO presence (user_id, document_id, status, last_seen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, document_id) DO UPDATE SET status = EXCLUDED.status, last_seen = EXCLUDED.last_seen
	`, p.UserID, p.DocumentID, p.Status, p.LastSeen)
	if err != nil {
		return classify("touch presence", err)
	}
	return nil
}

// ListPresence returns rows seen at or after since, most recent first.
func (s *Store) ListPresence(ctx context.Context, documentID string, since time.Time) ([]model.Presence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, document_id, status, last_seen
		FROM presence
		WHERE document_id = $1 AND last_seen >= $2
		ORDER BY last_seen DESC, user_id ASC
	`, documentID, since)
	if err != nil {
		return nil, classify("query presence", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Presence, error) {
		var p model.Presence
		err := row.Scan(&p.UserID, &p.DocumentID, &p.Status, &p.LastSeen)
		p.LastSeen = p.LastSeen.UTC()
		return p, err
	})
	if err != nil {
		return nil, classify("scan presence", err)
	}
	return out, nil
}

// AddCollaborator upserts an access grant.
func (s *Store) AddCollaborator(ctx context.Context, c model.Collaborator) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_collaborators (document_id, user_id, role, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, c.DocumentID, c.UserID, string(c.Role), c.CreatedAt)
	if err != nil {
		return classify("add collaborator", err)
	}
	return nil
}

// ListCollaborators returns grants in the order they were made.
func (s *Store) ListCollaborators(ctx context.Context, documentID string) ([]model.Collaborator, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id, user_id, role, created_at
		FROM document_collaborators
		WHERE document_id = $1
		ORDER BY created_at ASC, user_id ASC
	`, documentID)
	if err != nil {
		return nil, classify("query collaborators", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Collaborator, error) {
		var c model.Collaborator
		var role string
		err := row.Scan(&c.DocumentID, &c.UserID, &role, &c.CreatedAt)
		c.Role = model.Role(role)
		c.CreatedAt = c.CreatedAt.UTC()
		return c, err
	})
	if err != nil {
		return nil, classify("scan collaborators", err)
	}
	return out, nil
}

func scanDocument(row pgx.Row) (model.Document, error) {
	var doc model.Document
	var data string
	err := row.Scan(&doc.ID, &doc.UserID, &doc.Title, &data, &doc.CreatedAt, &doc.UpdatedAt, &doc.LastEditedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Document{}, err
	}
	if err != nil {
		return model.Document{}, classify("scan document", err)
	}
	if doc.Content, err = content.Parse([]byte(data)); err != nil {
		return model.Document{}, fmt.Errorf("scan document %s: %w", doc.ID, err)
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

func scanSnapshot(row pgx.Row) (model.Snapshot, error) {
	var snap model.Snapshot
	var data, typ string
	err := row.Scan(&snap.ID, &snap.DocumentID, &snap.UserID, &data, &typ, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Snapshot{}, err
	}
	if err != nil {
		return model.Snapshot{}, classify("scan snapshot", err)
	}
	if snap.Content, err = content.Parse([]byte(data)); err != nil {
		return model.Snapshot{}, fmt.Errorf("scan snapshot %s: %w", snap.ID, err)
	}
	if snap.Type, err = model.ParseSnapshotType(typ); err != nil {
		return model.Snapshot{}, fmt.Errorf("scan snapshot %s: %w", snap.ID, err)
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	return snap, nil
}
