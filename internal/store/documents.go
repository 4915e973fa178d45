package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/notepulse/internal/content"
	"github.com/roach88/notepulse/internal/errs"
	"github.com/roach88/notepulse/internal/model"
)

const documentColumns = `id, user_id, title, content, created_at, updated_at, last_edited_by`

// ListDocumentsByOwner returns every document owned by userID in creation
// order (insertion sequence).
//
// Returns an empty slice (not nil) if the user owns nothing.
func (s *Store) ListDocumentsByOwner(ctx context.Context, userID string) ([]model.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE user_id = ?
		ORDER BY seq ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
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
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// InsertDocument creates a document row. Content is stored canonically.
func (s *Store) InsertDocument(ctx context.Context, doc model.Document) error {
	data, hash, err := marshalContent(doc.Content)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents
		(id, user_id, title, content, content_hash, created_at, updated_at, last_edited_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		doc.ID,
		doc.UserID,
		doc.Title,
		data,
		hash,
		toMicros(doc.CreatedAt),
		toMicros(doc.UpdatedAt),
		doc.LastEditedBy,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument returns the document with the given id, or a NOT_FOUND error.
func (s *Store) GetDocument(ctx context.Context, id string) (model.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id = ?
	`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Document{}, errs.Newf(errs.CodeNotFound, "get document", "no document %q", id).ForDocument(id)
	}
	return doc, err
}

// UpdateContent replaces a document's content, updated_at and
// last_edited_by. The write is skipped when the stored content hash already
// matches; changed reports whether a row was written.
func (s *Store) UpdateContent(ctx context.Context, id string, doc content.Doc, editorID string, at time.Time) (changed bool, err error) {
	data, hash, err := marshalContent(doc)
	if err != nil {
		return false, fmt.Errorf("update content: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("update content: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET content = ?, content_hash = ?, updated_at = ?, last_edited_by = ?
		WHERE id = ? AND content_hash <> ?
	`, data, hash, toMicros(at), editorID, id, hash)
	if err != nil {
		return false, fmt.Errorf("update content: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update content: rows affected: %w", err)
	}

	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return false, errs.Newf(errs.CodeNotFound, "update content", "no document %q", id).ForDocument(id)
		}
		if err != nil {
			return false, fmt.Errorf("update content: check exists: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("update content: commit: %w", err)
	}
	return n > 0, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (model.Document, error) {
	var (
		doc                  model.Document
		data                 string
		createdAt, updatedAt int64
	)
	err := row.Scan(&doc.ID, &doc.UserID, &doc.Title, &data, &createdAt, &updatedAt, &doc.LastEditedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Document{}, err
	}
	if err != nil {
		return model.Document{}, fmt.Errorf("scan document: %w", err)
	}
	if doc.Content, err = unmarshalContent(data); err != nil {
		return model.Document{}, fmt.Errorf("scan document %s: %w", doc.ID, err)
	}
	doc.CreatedAt = fromMicros(createdAt)
	doc.UpdatedAt = fromMicros(updatedAt)
	return doc, nil
}
