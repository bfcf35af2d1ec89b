package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// ErrNoVersion is returned by CheckDBMigrationStatus for a database that has
// never been migrated.
var ErrNoVersion = errors.New("database has no schema version (needs migration)")

// SchemaStatus describes where a database stands relative to the embedded
// migrations.
type SchemaStatus struct {
	Version uint
	Latest  uint
	Dirty   bool
}

// Current reports whether the database is clean and at the latest version.
func (s SchemaStatus) Current() bool {
	return !s.Dirty && s.Version == s.Latest
}

// Status returns the schema version of db and the latest embedded version.
// A database without a version returns ErrNoVersion.
func Status(db *sql.DB) (SchemaStatus, error) {
	latest, err := LatestVersion()
	if err != nil {
		return SchemaStatus{}, err
	}

	m, err := newMigrate(db)
	if err != nil {
		return SchemaStatus{}, err
	}
	// m is not closed: closing it would close db, which the caller owns.

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return SchemaStatus{Latest: latest}, ErrNoVersion
		}
		return SchemaStatus{}, fmt.Errorf("failed to get database version: %w", err)
	}
	return SchemaStatus{Version: version, Latest: latest, Dirty: dirty}, nil
}

// CheckDBMigrationStatus returns nil when db is at the latest version and an
// error describing the mismatch otherwise.
func CheckDBMigrationStatus(db *sql.DB) error {
	st, err := Status(db)
	if err != nil {
		return err
	}
	switch {
	case st.Dirty:
		return fmt.Errorf("database is in dirty state at version %d (migration failed previously)", st.Version)
	case st.Version < st.Latest:
		return fmt.Errorf("database is at version %d but latest is %d (%d migrations behind)",
			st.Version, st.Latest, st.Latest-st.Version)
	case st.Version > st.Latest:
		return fmt.Errorf("database version %d is ahead of binary version %d (binary needs update)",
			st.Version, st.Latest)
	}
	return nil
}

// MigrateUp applies all pending migrations. It is a no-op on a current database.
func MigrateUp(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// LatestVersion returns the highest embedded migration version.
func LatestVersion() (uint, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return 0, fmt.Errorf("failed to read migration files: %w", err)
	}
	defer src.Close()
	return lastVersion(src)
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// lastVersion walks the source from the first migration to the last.
func lastVersion(src source.Driver) (uint, error) {
	v, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(v)
		if err != nil {
			// Next fails once there are no more migrations.
			return v, nil
		}
		v = next
	}
}
