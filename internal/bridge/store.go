package bridge

import (
	"context"
	"time"

	"github.com/roach88/notepulse/internal/content"
	"github.com/roach88/notepulse/internal/model"
)

// Store is the durable store the bridge reconciles with. Implemented by
// internal/store (SQLite) and internal/pgstore (PostgreSQL).
//
// Implementations return errs NOT_FOUND for missing documents and
// snapshots, and errs AUTHORIZATION when the store itself rejects a write.
// Any other error is reported by the bridge as PERSISTENCE.
type Store interface {
	// ListDocumentsByOwner returns a user's documents in creation order,
	// earliest first.
	ListDocumentsByOwner(ctx context.Context, userID string) ([]model.Document, error)
	InsertDocument(ctx context.Context, doc model.Document) error
	GetDocument(ctx context.Context, id string) (model.Document, error)
	// UpdateContent reports whether the stored content changed.
	UpdateContent(ctx context.Context, id string, doc content.Doc, editorID string, at time.Time) (bool, error)

	InsertSnapshot(ctx context.Context, snap model.Snapshot) error
	// ListSnapshots returns snapshots newest first.
	ListSnapshots(ctx context.Context, documentID string, limit, offset int) ([]model.Snapshot, error)
	GetSnapshot(ctx context.Context, id string) (model.Snapshot, error)

	SaveState(ctx context.Context, documentID string, state []byte, at time.Time) error
	// LoadState returns nil when no state was saved.
	LoadState(ctx context.Context, documentID string) ([]byte, error)

	TouchPresence(ctx context.Context, p model.Presence) error
	ListPresence(ctx context.Context, documentID string, since time.Time) ([]model.Presence, error)

	AddCollaborator(ctx context.Context, c model.Collaborator) error
	ListCollaborators(ctx context.Context, documentID string) ([]model.Collaborator, error)

	Ping(ctx context.Context) error
	Close() error
}

// IDGenerator produces record identifiers.
// Implemented by UUIDv7Generator (production) and testutil.SequentialIDs (tests).
type IDGenerator interface {
	Generate() string
}
