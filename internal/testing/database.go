package testing

import (
	"context"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3" // Required for SQLite database driver in tests.

	"github.com/koalacloud/koalacloud/internal/store"
)

// NewTestDB opens a migrated SQLite store in a temporary directory.
// The database is automatically closed when the test completes.
func NewTestDB(t *testing.T) *store.Store {
	t.Helper()

	db, err := store.Open(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}
