package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"documents", "documents_history", "document_states", "presence", "document_collaborators"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestPing(t *testing.T) {
	s := createTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() failed: %v", err)
	}
}

func TestOpen_InMemoryIsPrivate(t *testing.T) {
	a, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer a.Close()
	b, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer b.Close()

	insertRawDocument(t, a, "doc-1", "user-1")
	docs, err := b.ListDocumentsByOwner(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ListDocumentsByOwner() failed: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("second in-memory store sees %d documents, want 0", len(docs))
	}
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	want := map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1", // NORMAL
		"busy_timeout": "5000",
		"foreign_keys": "1",
	}
	for name, value := range want {
		got, err := s.pragma(name)
		if err != nil {
			t.Error(err)
			continue
		}
		if got != value {
			t.Errorf("%s = %q, want %q", name, got, value)
		}
	}
}

func TestSchema_DocumentsTable(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "documents")
	for _, col := range []string{"seq", "id", "user_id", "title", "content", "content_hash", "created_at", "updated_at", "last_edited_by"} {
		if !slices.Contains(columns, col) {
			t.Errorf("documents table missing column %q", col)
		}
	}
}

func TestSchema_HistoryTable(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "documents_history")
	for _, col := range []string{"seq", "id", "document_id", "user_id", "content", "snapshot_type", "created_at"} {
		if !slices.Contains(columns, col) {
			t.Errorf("documents_history table missing column %q", col)
		}
	}
}

func TestConstraint_SnapshotTypeChecked(t *testing.T) {
	s := createTestStore(t)
	insertRawDocument(t, s, "doc-1", "user-1")

	_, err := s.db.Exec(`
		INSERT INTO documents_history (id, document_id, user_id, content, snapshot_type, created_at)
		VALUES ('h1', 'doc-1', 'user-1', '{}', 'daily', 0)
	`)
	if err == nil {
		t.Error("expected CHECK constraint to reject snapshot_type 'daily'")
	}
}

func TestConstraint_ForeignKeyHistoryToDocument(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`
		INSERT INTO documents_history (id, document_id, user_id, content, snapshot_type, created_at)
		VALUES ('h1', 'missing', 'user-1', '{}', 'manual', 0)
	`)
	if err == nil {
		t.Error("expected foreign key violation for unknown document")
	}
}

func TestMigrations_Ordered(t *testing.T) {
	for i, m := range migrations {
		if m.version != i+1 {
			t.Errorf("migrations[%d].version = %d, want %d", i, m.version, i+1)
		}
	}
}

func TestMigration_FreshStoreIsCurrent(t *testing.T) {
	s := createTestStore(t)
	if got := userVersion(t, s.db); got != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", got, currentSchemaVersion)
	}
}

func TestMigration_Upgrade(t *testing.T) {
	for from := 0; from < currentSchemaVersion; from++ {
		t.Run(fmt.Sprintf("from v%d", from), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "test.db")

			// Base schema plus the migrations a file at this version had.
			db, err := sql.Open("sqlite3", path)
			if err != nil {
				t.Fatalf("failed to open database: %v", err)
			}
			if _, err := db.Exec(schemaSQL); err != nil {
				t.Fatalf("failed to apply schema: %v", err)
			}
			for _, m := range migrations[:from] {
				if _, err := db.Exec(m.stmt); err != nil {
					t.Fatalf("failed to apply v%d: %v", m.version, err)
				}
			}
			if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", from)); err != nil {
				t.Fatalf("failed to set user_version: %v", err)
			}
			db.Close()

			s, err := Open(path)
			if err != nil {
				t.Fatalf("Open() failed: %v", err)
			}
			defer s.Close()

			if got := userVersion(t, s.db); got != currentSchemaVersion {
				t.Errorf("user_version = %d, want %d after migration", got, currentSchemaVersion)
			}
			if idx := getTableIndexes(t, s.db, "documents_history"); !slices.Contains(idx, "idx_history_document_created") {
				t.Errorf("history index missing, got %v", idx)
			}
			if idx := getTableIndexes(t, s.db, "presence"); !slices.Contains(idx, "idx_presence_document_seen") {
				t.Errorf("presence index missing, got %v", idx)
			}
		})
	}
}

// Helper functions

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %q: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}

func userVersion(t *testing.T, db *sql.DB) int {
	t.Helper()
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("failed to get user_version: %v", err)
	}
	return version
}
