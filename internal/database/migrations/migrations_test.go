package migrations

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestMigrateUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	tables := []string{"sessions", "file_records", "schema_migrations"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s was not created: %v", table, err)
		}
	}
}

func TestMigrateUp_CreatesChecksumIndex(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name='idx_file_records_checksum'").Scan(&name)
	if err != nil {
		t.Fatalf("checksum index missing: %v", err)
	}

	rows, err := db.Query("EXPLAIN QUERY PLAN SELECT id FROM file_records WHERE checksum = 'abc'")
	if err != nil {
		t.Fatalf("EXPLAIN QUERY PLAN error = %v", err)
	}
	defer rows.Close()

	usesIndex := false
	for rows.Next() {
		var id, parent, notused int
		var detail string
		if err := rows.Scan(&id, &parent, &notused, &detail); err != nil {
			t.Fatalf("scan plan: %v", err)
		}
		if containsString(detail, "idx_file_records_checksum") {
			usesIndex = true
		}
	}
	if !usesIndex {
		t.Error("checksum lookup does not use idx_file_records_checksum")
	}
}

func TestCheckDBMigrationStatus_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	err := CheckDBMigrationStatus(db)
	if !errors.Is(err, ErrNoVersion) {
		t.Errorf("CheckDBMigrationStatus() error = %v, want ErrNoVersion", err)
	}
}

func TestCheckDBMigrationStatus_AfterMigration(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	if err := CheckDBMigrationStatus(db); err != nil {
		t.Errorf("CheckDBMigrationStatus() after migration returned error: %v", err)
	}

	st, err := Status(db)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.Current() {
		t.Errorf("Status() = %+v, want current", st)
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("First MigrateUp() failed: %v", err)
	}
	if err := MigrateUp(db); err != nil {
		t.Errorf("Second MigrateUp() failed: %v (should be idempotent)", err)
	}
	if err := CheckDBMigrationStatus(db); err != nil {
		t.Errorf("CheckDBMigrationStatus() after double migration returned error: %v", err)
	}
}

func TestForeignKeyConstraints(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO file_records (id, session_id, path, source_root, checksum, checksum_algorithm, size, modified_at, backed_up_at)
		VALUES ('rec-1', 'missing-session', 'a.txt', '/src', 'abc', 'sha256', 1, datetime('now'), datetime('now'))
	`)
	if err == nil {
		t.Error("Expected foreign key constraint violation, but insert succeeded")
	}
}

func TestSchema_SessionPathUnique(t *testing.T) {
	db := openTestDB(t)

	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO sessions (id, snapshot_id, started_at, source_paths, destination_path, status)
		VALUES ('s-1', '20240115-103000', datetime('now'), '[]', '/dest', 'running')
	`)
	if err != nil {
		t.Fatalf("Failed to insert session: %v", err)
	}

	insert := `
		INSERT INTO file_records (id, session_id, path, source_root, checksum, checksum_algorithm, size, modified_at, backed_up_at)
		VALUES (?, 's-1', 'a.txt', '/src', 'abc', 'sha256', 1, datetime('now'), datetime('now'))
	`
	if _, err := db.Exec(insert, "rec-1"); err != nil {
		t.Fatalf("Failed to insert first record: %v", err)
	}
	if _, err := db.Exec(insert, "rec-2"); err == nil {
		t.Error("Expected unique constraint violation for duplicate path in a session, but insert succeeded")
	}
}

// openTestDB opens an in-memory SQLite database for testing. A single
// connection keeps every statement on the same in-memory database.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}
	return db
}

func containsString(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
