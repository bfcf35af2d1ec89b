package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"tm-go/internal/database/migrations"
	"tm-go/internal/model"
	"tm-go/internal/tm"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrTransactionActive is returned by Begin while another transaction is open.
var ErrTransactionActive = errors.New("a transaction is already active")

// ErrNoTransaction is returned by Commit on a transaction that already ended.
var ErrNoTransaction = errors.New("no active transaction")

// SQLiteDatabase implements the tm.Database interface using SQLite.
//
// The connection pool is limited to one connection, so an in-memory database
// stays a single database and an open transaction owns the connection.
// Operations outside the transaction block on the pool until it ends.
type SQLiteDatabase struct {
	mu      sync.Mutex // guards tx
	db      *sql.DB
	tx      *sqliteTx
	queries *Queries
	path    string
}

// Open opens the database at path and applies pending migrations.
// path can be a file path or ":memory:".
func Open(path string) (*SQLiteDatabase, error) {
	s, err := NewSQLiteDatabase(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(s.db); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return s, nil
}

// NewSQLiteDatabase creates a new SQLite database connection without
// touching the schema.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteDatabase{
		db:      db,
		queries: NewQueries(db),
		path:    path,
	}, nil
}

// OpenConnection opens and configures a SQLite database connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// SQLite defaults foreign keys to OFF.
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return db, nil
}

// Transactions

// Begin starts the single active transaction. Only the returned Tx writes
// inside it.
func (s *SQLiteDatabase) Begin() (tm.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		return nil, ErrTransactionActive
	}
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	s.tx = &sqliteTx{owner: s, tx: tx, queries: s.queries.WithTx(tx)}
	return s.tx, nil
}

// active reports whether a transaction is open.
func (s *SQLiteDatabase) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

// release clears t as the active transaction.
func (s *SQLiteDatabase) release(t *sqliteTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == t {
		s.tx = nil
	}
}

// Session operations

func (s *SQLiteDatabase) CreateSession(session *model.Session) (string, error) {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if err := s.queries.InsertSession(context.Background(), session); err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	return session.ID, nil
}

func (s *SQLiteDatabase) UpdateSession(session *model.Session) (bool, error) {
	n, err := s.queries.UpdateSession(context.Background(), session)
	if err != nil {
		return false, fmt.Errorf("updating session %s: %w", session.ID, err)
	}
	return n > 0, nil
}

func (s *SQLiteDatabase) GetSession(id string) (*model.Session, error) {
	session, err := s.queries.GetSession(context.Background(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return session, nil
}

func (s *SQLiteDatabase) ListSessions() ([]*model.Session, error) {
	sessions, err := s.queries.ListSessions(context.Background())
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteDatabase) FindSessionsBySnapshot(destination, snapshotID string) ([]*model.Session, error) {
	sessions, err := s.queries.GetSessionsBySnapshot(context.Background(), destination, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("finding sessions for snapshot %s: %w", snapshotID, err)
	}
	return sessions, nil
}

// DeleteSession removes the session and its file records in a transaction of
// its own.
func (s *SQLiteDatabase) DeleteSession(id string) (bool, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	deleted, err := deleteSessionTx(ctx, s.queries.WithTx(tx), id)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}
	return deleted, nil
}

func deleteSessionTx(ctx context.Context, q *Queries, id string) (bool, error) {
	if err := q.DeleteFileRecordsBySession(ctx, id); err != nil {
		return false, fmt.Errorf("deleting file records of session %s: %w", id, err)
	}
	n, err := q.DeleteSession(ctx, id)
	if err != nil {
		return false, fmt.Errorf("deleting session %s: %w", id, err)
	}
	return n > 0, nil
}

// File record operations

func (s *SQLiteDatabase) AddFileRecord(record *model.FileRecord, sessionID string) (string, error) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	record.SessionID = sessionID
	if err := s.queries.InsertFileRecord(context.Background(), record); err != nil {
		return "", fmt.Errorf("adding file record %s: %w", record.Path, err)
	}
	return record.ID, nil
}

func (s *SQLiteDatabase) GetFileRecord(path, sessionID string) (*model.FileRecord, error) {
	record, err := s.queries.GetFileRecord(context.Background(), sessionID, path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting file record %s: %w", path, err)
	}
	return record, nil
}

func (s *SQLiteDatabase) FindFilesByChecksum(checksum string) ([]*model.FileRecord, error) {
	records, err := s.queries.GetFileRecordsByChecksum(context.Background(), checksum)
	if err != nil {
		return nil, fmt.Errorf("finding files by checksum: %w", err)
	}
	return records, nil
}

func (s *SQLiteDatabase) GetSessionFiles(sessionID string) ([]*model.FileRecord, error) {
	records, err := s.queries.GetFileRecordsBySession(context.Background(), sessionID)
	if err != nil {
		return nil, fmt.Errorf("getting files of session %s: %w", sessionID, err)
	}
	return records, nil
}

func (s *SQLiteDatabase) GetFileHistory(path string) ([]*model.FileRecord, error) {
	records, err := s.queries.GetFileRecordsByPath(context.Background(), path)
	if err != nil {
		return nil, fmt.Errorf("getting history of %s: %w", path, err)
	}
	return records, nil
}

// Maintenance

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	if s.active() {
		return ErrTransactionActive
	}
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if s.active() {
		return ErrTransactionActive
	}
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close rolls back any open transaction and closes the connection.
func (s *SQLiteDatabase) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		if s.tx.end() {
			s.tx.tx.Rollback()
		}
		s.tx = nil
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// sqliteTx is the transaction handed out by Begin.
type sqliteTx struct {
	mu      sync.Mutex // guards done
	owner   *SQLiteDatabase
	tx      *sql.Tx
	queries *Queries
	done    bool
}

func (t *sqliteTx) CreateSession(session *model.Session) (string, error) {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if err := t.queries.InsertSession(context.Background(), session); err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	return session.ID, nil
}

func (t *sqliteTx) UpdateSession(session *model.Session) (bool, error) {
	n, err := t.queries.UpdateSession(context.Background(), session)
	if err != nil {
		return false, fmt.Errorf("updating session %s: %w", session.ID, err)
	}
	return n > 0, nil
}

func (t *sqliteTx) GetSession(id string) (*model.Session, error) {
	session, err := t.queries.GetSession(context.Background(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return session, nil
}

func (t *sqliteTx) DeleteSession(id string) (bool, error) {
	return deleteSessionTx(context.Background(), t.queries, id)
}

func (t *sqliteTx) AddFileRecord(record *model.FileRecord, sessionID string) (string, error) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	record.SessionID = sessionID
	if err := t.queries.InsertFileRecord(context.Background(), record); err != nil {
		return "", fmt.Errorf("adding file record %s: %w", record.Path, err)
	}
	return record.ID, nil
}

func (t *sqliteTx) GetFileRecord(path, sessionID string) (*model.FileRecord, error) {
	record, err := t.queries.GetFileRecord(context.Background(), sessionID, path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting file record %s: %w", path, err)
	}
	return record, nil
}

// end marks the transaction finished. It reports false if it already was.
func (t *sqliteTx) end() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (t *sqliteTx) Commit() error {
	if !t.end() {
		return ErrNoTransaction
	}
	defer t.owner.release(t)
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if !t.end() {
		return nil
	}
	defer t.owner.release(t)
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}

// Compile-time check that SQLiteDatabase implements tm.Database interface
var (
	_ tm.Database = (*SQLiteDatabase)(nil)
	_ tm.Tx       = (*sqliteTx)(nil)
)
