package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/canonhq/canon/internal/db"
)

// OpenTestDB opens a throwaway sqlite database with the full schema
// applied. The file lives in the test's temp dir and is cleaned up with
// it.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "canon-test.db")
	conn, err := db.OpenPath(path)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.EnsureSchema(conn); err != nil {
		conn.Close()
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
