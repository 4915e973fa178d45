package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/notepulse/internal/errs"
	"github.com/roach88/notepulse/internal/model"
)

func TestDocuments_InsertAndGet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	doc := createTestDocument("doc-1", "user-1", testEpoch)
	doc.Content = paragraphDoc("hello")
	require.NoError(t, s.InsertDocument(ctx, doc))

	got, err := s.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, model.DefaultTitle, got.Title)
	assert.Equal(t, testEpoch, got.CreatedAt)
	assert.Equal(t, doc.Content, got.Content)

	_, err = s.GetDocument(ctx, "missing")
	assert.True(t, errs.IsNotFound(err))
}

func TestDocuments_DuplicateIDRejected(t *testing.T) {
	s := createTestStore(t)
	insertRawDocument(t, s, "doc-1", "user-1")

	err := s.InsertDocument(context.Background(), createTestDocument("doc-1", "user-2", testEpoch))
	assert.Error(t, err)
}

func TestListDocumentsByOwner_InsertionOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// created_at deliberately disagrees with insertion order.
	require.NoError(t, s.InsertDocument(ctx, createTestDocument("b", "user-1", testEpoch.Add(time.Second))))
	require.NoError(t, s.InsertDocument(ctx, createTestDocument("a", "user-1", testEpoch)))
	require.NoError(t, s.InsertDocument(ctx, createTestDocument("c", "user-2", testEpoch)))

	docs, err := s.ListDocumentsByOwner(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[0].ID)
	assert.Equal(t, "a", docs[1].ID)

	none, err := s.ListDocumentsByOwner(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestUpdateContent_SkipsUnchanged(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertRawDocument(t, s, "doc-1", "user-1")

	later := testEpoch.Add(time.Minute)
	changed, err := s.UpdateContent(ctx, "doc-1", paragraphDoc("v2"), "editor-1", later)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.UpdateContent(ctx, "doc-1", paragraphDoc("v2"), "editor-2", later.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "editor-1", got.LastEditedBy)
	assert.Equal(t, later, got.UpdatedAt)
	assert.Equal(t, paragraphDoc("v2"), got.Content)

	_, err = s.UpdateContent(ctx, "missing", paragraphDoc("x"), "e", later)
	assert.True(t, errs.IsNotFound(err))
}

func TestSnapshots_NewestFirstWithPaging(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertRawDocument(t, s, "doc-1", "user-1")

	for i := 0; i < 5; i++ {
		typ := model.SnapshotAuto
		if i%2 == 0 {
			typ = model.SnapshotManual
		}
		require.NoError(t, s.InsertSnapshot(ctx, model.Snapshot{
			ID:         fmt.Sprintf("snap-%d", i),
			DocumentID: "doc-1",
			UserID:     "user-1",
			Content:    paragraphDoc(fmt.Sprintf("v%d", i)),
			Type:       typ,
			// Two snapshots share each instant; insertion order breaks ties.
			CreatedAt: testEpoch.Add(time.Duration(i/2) * time.Second),
		}))
	}

	page, err := s.ListSnapshots(ctx, "doc-1", 3, 0)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, []string{"snap-4", "snap-3", "snap-2"}, []string{page[0].ID, page[1].ID, page[2].ID})
	assert.Equal(t, model.SnapshotManual, page[0].Type)

	rest, err := s.ListSnapshots(ctx, "doc-1", 3, 3)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "snap-1", rest[0].ID)
	assert.Equal(t, "snap-0", rest[1].ID)

	empty, err := s.ListSnapshots(ctx, "doc-1", 3, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	snap, err := s.GetSnapshot(ctx, "snap-2")
	require.NoError(t, err)
	assert.Equal(t, paragraphDoc("v2"), snap.Content)

	_, err = s.GetSnapshot(ctx, "missing")
	assert.True(t, errs.IsNotFound(err))
}

func TestState_SaveAndLoad(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertRawDocument(t, s, "doc-1", "user-1")

	state, err := s.LoadState(ctx, "doc-1")
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, s.SaveState(ctx, "doc-1", []byte{1, 2, 3}, testEpoch))
	require.NoError(t, s.SaveState(ctx, "doc-1", []byte{4, 5}, testEpoch.Add(time.Second)))

	state, err = s.LoadState(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, state)
}

func TestPresence_TouchAndList(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	touch := func(user string, at time.Time) {
		require.NoError(t, s.TouchPresence(ctx, model.Presence{
			UserID: user, DocumentID: "doc-1", Status: model.PresenceOnline, LastSeen: at,
		}))
	}
	touch("alice", testEpoch)
	touch("bob", testEpoch.Add(10*time.Second))
	touch("alice", testEpoch.Add(20*time.Second))
	touch("carol", testEpoch.Add(-time.Hour))

	rows, err := s.ListPresence(ctx, "doc-1", testEpoch)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", rows[0].UserID)
	assert.Equal(t, testEpoch.Add(20*time.Second), rows[0].LastSeen)
	assert.Equal(t, "bob", rows[1].UserID)
}

func TestCollaborators_AddAndList(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertRawDocument(t, s, "doc-1", "owner")

	require.NoError(t, s.AddCollaborator(ctx, model.Collaborator{DocumentID: "doc-1", UserID: "ed", Role: model.RoleViewer, CreatedAt: testEpoch}))
	require.NoError(t, s.AddCollaborator(ctx, model.Collaborator{DocumentID: "doc-1", UserID: "ed", Role: model.RoleEditor, CreatedAt: testEpoch.Add(time.Hour)}))
	require.NoError(t, s.AddCollaborator(ctx, model.Collaborator{DocumentID: "doc-1", UserID: "vi", Role: model.RoleViewer, CreatedAt: testEpoch.Add(time.Second)}))

	got, err := s.ListCollaborators(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ed", got[0].UserID)
	assert.Equal(t, model.RoleEditor, got[0].Role)
	assert.Equal(t, testEpoch, got[0].CreatedAt)
	assert.Equal(t, "vi", got[1].UserID)

	err = s.AddCollaborator(ctx, model.Collaborator{DocumentID: "doc-1", UserID: "x", Role: "admin", CreatedAt: testEpoch})
	assert.Error(t, err)
}
