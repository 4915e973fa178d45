// Package bridge reconciles live document replicas with the durable store.
//
// The bridge never merges content. It validates the materialized projection
// at the boundary, persists it, and reads it back. Every call runs under an
// explicit timeout so a hung store degrades to a retryable PERSISTENCE
// error instead of stalling collaboration.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/notepulse/internal/content"
	"github.com/roach88/notepulse/internal/errs"
	"github.com/roach88/notepulse/internal/model"
)

// DefaultTimeout bounds each store call.
const DefaultTimeout = 10 * time.Second

// History paging bounds.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// Bridge is the persistence seam between live collaboration and storage.
//
// Thread-safety: safe for concurrent use if the Store is.
type Bridge struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
	ids     IDGenerator
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// WithIDGenerator replaces the UUIDv7 generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(b *Bridge) { b.ids = g }
}

// New creates a bridge over store.
func New(store Store, opts ...Option) *Bridge {
	b := &Bridge{
		store:   store,
		timeout: DefaultTimeout,
		now:     time.Now,
		ids:     UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Store returns the underlying store.
func (b *Bridge) Store() Store {
	return b.store
}

// Timeout returns the per-call timeout.
func (b *Bridge) Timeout() time.Duration {
	return b.timeout
}

func (b *Bridge) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

// fail classifies a store error. Errors already carrying a code pass
// through; timeouts and everything else become PERSISTENCE.
func (b *Bridge) fail(op, documentID string, err error) error {
	var coded *errs.Error
	if errors.As(err, &coded) {
		if coded.DocumentID == "" && documentID != "" {
			return coded.ForDocument(documentID)
		}
		return coded
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("store did not answer within %s: %w", b.timeout, err)
	}
	return errs.New(errs.CodePersistence, op, err).ForDocument(documentID)
}

// GetOrCreateDefaultDocument returns the user's canonical document, creating
// one if the user has none.
//
// Race-safe: after inserting, the owner's documents are listed again and the
// earliest is returned, so concurrent callers converge on the same record.
// A losing duplicate is left in place but never returned.
//
// hint is the client's last-opened document id. It is advisory: it is
// returned only when it names the canonical document, so a stale or
// foreign hint cannot divert the caller.
func (b *Bridge) GetOrCreateDefaultDocument(ctx context.Context, userID, hint string) (model.Document, error) {
	const op = "get or create default document"
	if userID == "" {
		return model.Document{}, errs.Newf(errs.CodeAuthorization, op, "no user")
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	docs, err := b.store.ListDocumentsByOwner(ctx, userID)
	if err != nil {
		return model.Document{}, b.fail(op, "", err)
	}

	if len(docs) == 0 {
		now := b.now().UTC()
		doc := model.Document{
			ID:        b.ids.Generate(),
			UserID:    userID,
			Title:     model.DefaultTitle,
			Content:   content.Empty(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := b.store.InsertDocument(ctx, doc); err != nil {
			return model.Document{}, b.fail(op, doc.ID, err)
		}
		slog.Info("default document created", "user", userID, "document", doc.ID)

		if docs, err = b.store.ListDocumentsByOwner(ctx, userID); err != nil {
			return model.Document{}, b.fail(op, "", err)
		}
		if len(docs) == 0 {
			return model.Document{}, errs.Newf(errs.CodePersistence, op, "document %s not visible after insert", doc.ID)
		}
		if docs[0].ID != doc.ID {
			slog.Warn("concurrent default document creation, using earliest",
				"user", userID, "canonical", docs[0].ID, "orphan", doc.ID)
		}
	}

	canonical := docs[0]
	if hint != "" && hint != canonical.ID {
		slog.Debug("ignoring stale document hint", "user", userID, "hint", hint, "canonical", canonical.ID)
	}
	return canonical, nil
}

// LoadDocument returns a document by id; NOT_FOUND when absent.
func (b *Bridge) LoadDocument(ctx context.Context, id string) (model.Document, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	doc, err := b.store.GetDocument(ctx, id)
	if err != nil {
		return model.Document{}, b.fail("load document", id, err)
	}
	return doc, nil
}

// SaveSnapshot appends a history entry. Failures are returned to the
// caller and never retried here.
func (b *Bridge) SaveSnapshot(ctx context.Context, documentID string, doc content.Doc, typ model.SnapshotType, authorID string) (model.Snapshot, error) {
	const op = "save snapshot"
	if _, err := model.ParseSnapshotType(string(typ)); err != nil {
		return model.Snapshot{}, errs.New(errs.CodeInvalidContent, op, err).ForDocument(documentID)
	}
	doc, err := validate(op, documentID, doc)
	if err != nil {
		return model.Snapshot{}, err
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	snap := model.Snapshot{
		ID:         b.ids.Generate(),
		DocumentID: documentID,
		UserID:     authorID,
		Content:    doc,
		Type:       typ,
		CreatedAt:  b.now().UTC(),
	}
	if err := b.store.InsertSnapshot(ctx, snap); err != nil {
		return model.Snapshot{}, b.fail(op, documentID, err)
	}
	return snap, nil
}

// SaveLatestContent updates a document's current content, updated_at and
// last_edited_by. An unchanged document (same content hash) is not written;
// changed reports whether it was. Safe for the caller to retry on timeout.
func (b *Bridge) SaveLatestContent(ctx context.Context, documentID string, doc content.Doc, editorID string) (changed bool, err error) {
	const op = "save latest content"
	doc, err = validate(op, documentID, doc)
	if err != nil {
		return false, err
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	changed, err = b.store.UpdateContent(ctx, documentID, doc, editorID, b.now().UTC())
	if err != nil {
		return false, b.fail(op, documentID, err)
	}
	return changed, nil
}

// ListHistory returns one page of snapshots, newest first. limit is
// clamped to [1, MaxHistoryLimit]; a non-positive limit means
// DefaultHistoryLimit. The page's NextOffset continues the listing.
func (b *Bridge) ListHistory(ctx context.Context, documentID string, limit, offset int) (model.HistoryPage, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	// One extra row tells whether another page exists.
	snaps, err := b.store.ListSnapshots(ctx, documentID, limit+1, offset)
	if err != nil {
		return model.HistoryPage{}, b.fail("list history", documentID, err)
	}
	page := model.HistoryPage{Snapshots: snaps}
	if len(snaps) > limit {
		page.Snapshots = snaps[:limit]
		page.NextOffset = offset + limit
	}
	return page, nil
}

// SaveState stores the binary CRDT state of a document.
func (b *Bridge) SaveState(ctx context.Context, documentID string, state []byte) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	if err := b.store.SaveState(ctx, documentID, state, b.now().UTC()); err != nil {
		return b.fail("save state", documentID, err)
	}
	return nil
}

// LoadState returns the stored CRDT state, or nil when none was saved.
func (b *Bridge) LoadState(ctx context.Context, documentID string) ([]byte, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	state, err := b.store.LoadState(ctx, documentID)
	if err != nil {
		return nil, b.fail("load state", documentID, err)
	}
	return state, nil
}

// TouchPresence marks userID online on a document now.
func (b *Bridge) TouchPresence(ctx context.Context, documentID, userID string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	p := model.Presence{UserID: userID, DocumentID: documentID, Status: model.PresenceOnline, LastSeen: b.now().UTC()}
	if err := b.store.TouchPresence(ctx, p); err != nil {
		return b.fail("touch presence", documentID, err)
	}
	return nil
}

// ListPresence returns presence rows seen since the given time. It
// satisfies awareness.PresenceLister.
func (b *Bridge) ListPresence(ctx context.Context, documentID string, since time.Time) ([]model.Presence, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	rows, err := b.store.ListPresence(ctx, documentID, since)
	if err != nil {
		return nil, b.fail("list presence", documentID, err)
	}
	return rows, nil
}

// AddCollaborator records an access grant. Whether the caller may grant it
// is decided by the store.
func (b *Bridge) AddCollaborator(ctx context.Context, documentID, userID string, role model.Role) error {
	const op = "add collaborator"
	if _, err := model.ParseRole(string(role)); err != nil {
		return errs.New(errs.CodeInvalidContent, op, err).ForDocument(documentID)
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	c := model.Collaborator{DocumentID: documentID, UserID: userID, Role: role, CreatedAt: b.now().UTC()}
	if err := b.store.AddCollaborator(ctx, c); err != nil {
		return b.fail(op, documentID, err)
	}
	return nil
}

// ListCollaborators returns a document's access grants.
func (b *Bridge) ListCollaborators(ctx context.Context, documentID string) ([]model.Collaborator, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	out, err := b.store.ListCollaborators(ctx, documentID)
	if err != nil {
		return nil, b.fail("list collaborators", documentID, err)
	}
	return out, nil
}

// validate normalizes doc and checks it against the content schema.
func validate(op, documentID string, doc content.Doc) (content.Doc, error) {
	doc = content.Normalize(doc)
	if err := content.Validate(doc); err != nil {
		return content.Doc{}, errs.New(errs.CodeInvalidContent, op, err).ForDocument(documentID)
	}
	return doc, nil
}
