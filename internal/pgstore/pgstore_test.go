package pgstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/notepulse/internal/content"
	"github.com/roach88/notepulse/internal/errs"
	"github.com/roach88/notepulse/internal/model"
	"github.com/roach88/notepulse/internal/testutil"
)

func TestClassify_InsufficientPrivilege(t *testing.T) {
	err := classify("insert document", &pgconn.PgError{Code: "42501", Message: "permission denied"})
	assert.Equal(t, errs.CodeAuthorization, errs.CodeOf(err))
	assert.False(t, errs.Retryable(err))
}

func TestClassify_OtherErrorsWrapped(t *testing.T) {
	cause := &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	err := classify("insert document", cause)
	assert.Equal(t, errs.Code(""), errs.CodeOf(err))

	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "23505", pgErr.Code)
}

// openTestStore connects to NOTEPULSE_TEST_DATABASE_URL and gives each test
// fresh ids; tests skip when no database is configured.
func openTestStore(t *testing.T) (*Store, *testutil.SequentialIDs) {
	t.Helper()
	dsn := os.Getenv("NOTEPULSE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("NOTEPULSE_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	prefix := t.Name() + "-" + time.Now().UTC().Format("150405.000000")
	return s, testutil.NewSequentialIDs(prefix)
}

func TestPostgres_DocumentLifecycle(t *testing.T) {
	s, ids := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	user := ids.Generate()
	first := model.Document{
		ID: ids.Generate(), UserID: user, Title: model.DefaultTitle,
		Content: content.Empty(), CreatedAt: at.Add(time.Second), UpdatedAt: at,
	}
	second := first
	second.ID = ids.Generate()
	second.CreatedAt = at
	require.NoError(t, s.InsertDocument(ctx, first))
	require.NoError(t, s.InsertDocument(ctx, second))

	docs, err := s.ListDocumentsByOwner(ctx, user)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, first.ID, docs[0].ID)

	body := content.Doc{Type: content.TypeDoc, Content: []content.Node{content.Paragraph(content.Text("hi"))}}
	changed, err := s.UpdateContent(ctx, first.ID, body, "editor", at.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.UpdateContent(ctx, first.ID, body, "editor", at.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetDocument(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", content.PlainText(got.Content))
	assert.Equal(t, at.Add(time.Minute), got.UpdatedAt)

	_, err = s.UpdateContent(ctx, ids.Generate(), body, "editor", at)
	assert.True(t, errs.IsNotFound(err))
	_, err = s.GetDocument(ctx, ids.Generate())
	assert.True(t, errs.IsNotFound(err))
}

func TestPostgres_HistoryAndState(t *testing.T) {
	s, ids := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	doc := model.Document{ID: ids.Generate(), UserID: ids.Generate(), Title: "t", Content: content.Empty(), CreatedAt: at, UpdatedAt: at}
	require.NoError(t, s.InsertDocument(ctx, doc))

	var snapIDs []string
	for i := 0; i < 3; i++ {
		id := ids.Generate()
		snapIDs = append(snapIDs, id)
		require.NoError(t, s.InsertSnapshot(ctx, model.Snapshot{
			ID: id, DocumentID: doc.ID, UserID: doc.UserID, Content: content.Empty(),
			Type: model.SnapshotManual, CreatedAt: at,
		}))
	}
	page, err := s.ListSnapshots(ctx, doc.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, snapIDs[2], page[0].ID)
	assert.Equal(t, snapIDs[1], page[1].ID)

	state, err := s.LoadState(ctx, doc.ID)
	require.NoError(t, err)
	assert.Nil(t, state)
	require.NoError(t, s.SaveState(ctx, doc.ID, []byte{7, 8}, at))
	state, err = s.LoadState(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 8}, state)
}
