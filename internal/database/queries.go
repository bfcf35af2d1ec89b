package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tm-go/internal/model"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Queries holds the SQL for the sessions and file_records tables.
type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a copy of q that runs against tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const sessionColumns = `id, snapshot_id, started_at, finished_at, source_paths, destination_path,
	complete, verified, status, total_files, total_size`

const insertSession = `INSERT INTO sessions (` + sessionColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertSession(ctx context.Context, s *model.Session) error {
	sources, err := json.Marshal(s.SourcePaths)
	if err != nil {
		return fmt.Errorf("encoding source paths: %w", err)
	}
	_, err = q.db.ExecContext(ctx, insertSession,
		s.ID, s.SnapshotID, s.StartedAt.UTC(), nullTime(s.FinishedAt), string(sources), s.DestinationPath,
		s.Complete, s.Verified, s.Status, s.TotalFiles, s.TotalSize,
	)
	return err
}

const updateSession = `UPDATE sessions SET
	snapshot_id = ?, started_at = ?, finished_at = ?, source_paths = ?, destination_path = ?,
	complete = ?, verified = ?, status = ?, total_files = ?, total_size = ?
WHERE id = ?`

// UpdateSession returns the number of rows changed.
func (q *Queries) UpdateSession(ctx context.Context, s *model.Session) (int64, error) {
	sources, err := json.Marshal(s.SourcePaths)
	if err != nil {
		return 0, fmt.Errorf("encoding source paths: %w", err)
	}
	res, err := q.db.ExecContext(ctx, updateSession,
		s.SnapshotID, s.StartedAt.UTC(), nullTime(s.FinishedAt), string(sources), s.DestinationPath,
		s.Complete, s.Verified, s.Status, s.TotalFiles, s.TotalSize,
		s.ID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const getSession = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

func (q *Queries) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return scanSession(q.db.QueryRowContext(ctx, getSession, id))
}

const listSessions = `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at, rowid`

func (q *Queries) ListSessions(ctx context.Context) ([]*model.Session, error) {
	return q.querySessions(ctx, listSessions)
}

const getSessionsBySnapshot = `SELECT ` + sessionColumns + ` FROM sessions
WHERE destination_path = ? AND snapshot_id = ?
ORDER BY started_at, rowid`

func (q *Queries) GetSessionsBySnapshot(ctx context.Context, destination, snapshotID string) ([]*model.Session, error) {
	return q.querySessions(ctx, getSessionsBySnapshot, destination, snapshotID)
}

const deleteSession = `DELETE FROM sessions WHERE id = ?`

// DeleteSession returns the number of rows removed.
func (q *Queries) DeleteSession(ctx context.Context, id string) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteSession, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const deleteFileRecordsBySession = `DELETE FROM file_records WHERE session_id = ?`

func (q *Queries) DeleteFileRecordsBySession(ctx context.Context, sessionID string) error {
	_, err := q.db.ExecContext(ctx, deleteFileRecordsBySession, sessionID)
	return err
}

const fileRecordColumns = `id, session_id, path, source_root, checksum, checksum_algorithm, size,
	modified_at, backed_up_at, link_target, is_symlink, symlink_target, compressed, encrypted`

const insertFileRecord = `INSERT INTO file_records (` + fileRecordColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertFileRecord(ctx context.Context, r *model.FileRecord) error {
	_, err := q.db.ExecContext(ctx, insertFileRecord,
		r.ID, r.SessionID, r.Path, r.SourceRoot, r.Checksum, r.ChecksumAlgorithm, r.Size,
		r.ModifiedAt.UTC(), r.BackedUpAt.UTC(), r.LinkTarget, r.IsSymlink, r.SymlinkTarget,
		r.Compressed, r.Encrypted,
	)
	return err
}

const getFileRecord = `SELECT ` + fileRecordColumns + ` FROM file_records
WHERE session_id = ? AND path = ?`

func (q *Queries) GetFileRecord(ctx context.Context, sessionID, path string) (*model.FileRecord, error) {
	return scanFileRecord(q.db.QueryRowContext(ctx, getFileRecord, sessionID, path))
}

const getFileRecordsByChecksum = `SELECT ` + fileRecordColumns + ` FROM file_records
WHERE checksum = ?
ORDER BY backed_up_at, rowid`

func (q *Queries) GetFileRecordsByChecksum(ctx context.Context, checksum string) ([]*model.FileRecord, error) {
	return q.queryFileRecords(ctx, getFileRecordsByChecksum, checksum)
}

const getFileRecordsBySession = `SELECT ` + fileRecordColumns + ` FROM file_records
WHERE session_id = ?
ORDER BY path`

func (q *Queries) GetFileRecordsBySession(ctx context.Context, sessionID string) ([]*model.FileRecord, error) {
	return q.queryFileRecords(ctx, getFileRecordsBySession, sessionID)
}

const getFileRecordsByPath = `SELECT ` + fileRecordColumns + ` FROM file_records
WHERE path = ?
ORDER BY backed_up_at, rowid`

func (q *Queries) GetFileRecordsByPath(ctx context.Context, path string) ([]*model.FileRecord, error) {
	return q.queryFileRecords(ctx, getFileRecordsByPath, path)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (q *Queries) querySessions(ctx context.Context, query string, args ...interface{}) ([]*model.Session, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (q *Queries) queryFileRecords(ctx context.Context, query string, args ...interface{}) ([]*model.FileRecord, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*model.FileRecord
	for rows.Next() {
		r, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func scanSession(row rowScanner) (*model.Session, error) {
	var (
		s        model.Session
		finished sql.NullTime
		sources  string
	)
	err := row.Scan(
		&s.ID, &s.SnapshotID, &s.StartedAt, &finished, &sources, &s.DestinationPath,
		&s.Complete, &s.Verified, &s.Status, &s.TotalFiles, &s.TotalSize,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sources), &s.SourcePaths); err != nil {
		return nil, fmt.Errorf("decoding source paths of session %s: %w", s.ID, err)
	}
	s.StartedAt = s.StartedAt.Local()
	if finished.Valid {
		s.FinishedAt = finished.Time.Local()
	}
	return &s, nil
}

func scanFileRecord(row rowScanner) (*model.FileRecord, error) {
	var r model.FileRecord
	err := row.Scan(
		&r.ID, &r.SessionID, &r.Path, &r.SourceRoot, &r.Checksum, &r.ChecksumAlgorithm, &r.Size,
		&r.ModifiedAt, &r.BackedUpAt, &r.LinkTarget, &r.IsSymlink, &r.SymlinkTarget,
		&r.Compressed, &r.Encrypted,
	)
	if err != nil {
		return nil, err
	}
	r.ModifiedAt = r.ModifiedAt.Local()
	r.BackedUpAt = r.BackedUpAt.Local()
	return &r, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
