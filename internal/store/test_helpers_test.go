package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/notepulse/internal/content"
	"github.com/roach88/notepulse/internal/model"
)

var testEpoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestDocument builds a document with minimal required fields.
func createTestDocument(id, userID string, createdAt time.Time) model.Document {
	return model.Document{
		ID:        id,
		UserID:    userID,
		Title:     model.DefaultTitle,
		Content:   content.Empty(),
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

// insertRawDocument stores a document or fails the test.
func insertRawDocument(t *testing.T, s *Store, id, userID string) {
	t.Helper()
	if err := s.InsertDocument(context.Background(), createTestDocument(id, userID, testEpoch)); err != nil {
		t.Fatalf("InsertDocument(%s) failed: %v", id, err)
	}
}

// paragraphDoc builds a one-paragraph document.
func paragraphDoc(text string) content.Doc {
	return content.Doc{Type: content.TypeDoc, Content: []content.Node{
		content.Paragraph(content.Text(text)),
	}}
}
