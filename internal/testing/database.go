package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/cratemine/db"
)

// CreateTestDB creates a migrated SQLite test database in a temp directory.
// A file is used instead of :memory: so every pooled connection sees the
// same database. Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cratemine-test.db")
	database, err := db.OpenWithMigrations(path, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}
