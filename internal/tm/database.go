package tm

import "tm-go/internal/model"

// Database is the metadata store indexing sessions and file records.
//
// At most one transaction is active at a time. Writes through the returned
// Tx belong to it alone; operations on the Database itself wait until the
// transaction ends.
type Database interface {
	// Transactions

	// Begin starts the single active transaction. Fails if one is open.
	Begin() (Tx, error)

	// Session operations

	// CreateSession persists a new session and returns its id. An empty
	// session.ID is filled in.
	CreateSession(session *model.Session) (string, error)

	// UpdateSession overwrites a session. Returns false if it does not exist.
	UpdateSession(session *model.Session) (bool, error)

	// GetSession returns a session by id, or nil if absent.
	GetSession(id string) (*model.Session, error)

	// ListSessions returns all sessions ordered by start time.
	ListSessions() ([]*model.Session, error)

	// FindSessionsBySnapshot returns the sessions that produced a snapshot.
	FindSessionsBySnapshot(destination, snapshotID string) ([]*model.Session, error)

	// DeleteSession removes a session and its file records atomically.
	// Returns false if it does not exist.
	DeleteSession(id string) (bool, error)

	// File record operations

	// AddFileRecord persists a record under sessionID and returns its id.
	AddFileRecord(record *model.FileRecord, sessionID string) (string, error)

	// GetFileRecord returns the record for a relative path in a session, or nil.
	GetFileRecord(path, sessionID string) (*model.FileRecord, error)

	// FindFilesByChecksum returns every record with the given checksum.
	FindFilesByChecksum(checksum string) ([]*model.FileRecord, error)

	// GetSessionFiles returns a session's records ordered by path.
	GetSessionFiles(sessionID string) ([]*model.FileRecord, error)

	// GetFileHistory returns every record of a relative path ordered by
	// backup time ascending.
	GetFileHistory(path string) ([]*model.FileRecord, error)

	// Maintenance

	// BackupTo writes a consistent copy of the database to destPath.
	BackupTo(destPath string) error

	// CheckMigrations verifies the schema is at the latest version.
	CheckMigrations() error

	// Close closes the database connection.
	Close() error
}

// Tx is the active transaction of a Database. Only its owner writes
// through it.
type Tx interface {
	CreateSession(session *model.Session) (string, error)
	UpdateSession(session *model.Session) (bool, error)
	GetSession(id string) (*model.Session, error)
	DeleteSession(id string) (bool, error)
	AddFileRecord(record *model.FileRecord, sessionID string) (string, error)
	GetFileRecord(path, sessionID string) (*model.FileRecord, error)

	// Commit commits the transaction. Fails if it already ended.
	Commit() error

	// Rollback discards the transaction. It is a no-op once it has ended.
	Rollback() error
}
