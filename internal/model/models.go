package model

import "time"

// Session status values persisted with each backup run.
const (
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
)

// Session represents one backup run against a destination.
type Session struct {
	ID              string    // UUID
	SnapshotID      string    // YYYYMMDD-HHMMSS directory name under <destination>/backups
	StartedAt       time.Time // When the run started
	FinishedAt      time.Time // Zero until the run reaches a terminal state
	SourcePaths     []string  // Source roots in configuration order
	DestinationPath string    // Destination root
	Complete        bool      // Snapshot finalized (sidecar written, records committed)
	Verified        bool      // Verification pass ran and succeeded
	Status          string    // One of the Session* constants
	TotalFiles      int64     // Files counted by the scan
	TotalSize       int64     // Bytes counted by the scan
}

// FileRecord represents one file captured in a session's snapshot.
type FileRecord struct {
	ID                string    // UUID
	SessionID         string    // Foreign key to Session
	Path              string    // Relative to the source root and the snapshot root
	SourceRoot        string    // Absolute source root the file was read from
	Checksum          string    // Hex digest of the file content
	ChecksumAlgorithm string    // "sha256", "xxh3" or "blake3"
	Size              int64     // File size in bytes
	ModifiedAt        time.Time // Source mtime
	BackedUpAt        time.Time // When the file was captured
	LinkTarget        string    // Baseline file this entry was hard-linked from, empty when copied
	IsSymlink         bool      // Entry is a symbolic link
	SymlinkTarget     string    // Link target when IsSymlink
	Compressed        bool      // Stored content is compressed
	Encrypted         bool      // Stored content is encrypted
}

// Linked reports whether the record shares storage with a previous snapshot.
func (r *FileRecord) Linked() bool {
	return r.LinkTarget != ""
}
