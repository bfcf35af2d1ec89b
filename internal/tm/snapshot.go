package tm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"
)

const (
	// SnapshotIDLayout is the time layout of snapshot directory names.
	SnapshotIDLayout = "20060102-150405"

	// BackupsDir is the directory under a destination holding snapshots.
	BackupsDir = "backups"

	// InfoFileName is the sidecar that marks a snapshot complete.
	InfoFileName = "backup-info.json"
)

// SnapshotID formats t, truncated to seconds, as a snapshot directory name.
func SnapshotID(t time.Time) string {
	return t.Truncate(time.Second).Format(SnapshotIDLayout)
}

// ParseSnapshotID parses a snapshot directory name in local time.
func ParseSnapshotID(id string) (time.Time, error) {
	t, err := time.ParseInLocation(SnapshotIDLayout, id, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing snapshot id %q: %w", id, err)
	}
	return t, nil
}

// BackupsRoot returns <destination>/backups.
func BackupsRoot(destination string) string {
	return filepath.Join(destination, BackupsDir)
}

// Snapshot is a complete snapshot found under a destination.
type Snapshot struct {
	ID   string
	Time time.Time
	Path string
}

// BackupInfo is the sidecar written into each complete snapshot.
type BackupInfo struct {
	Timestamp          time.Time `json:"timestamp"`
	EndTime            time.Time `json:"endTime"`
	TotalFiles         int64     `json:"totalFiles"`
	TotalDirectories   int64     `json:"totalDirectories"`
	TotalSize          int64     `json:"totalSize"`
	NewFiles           int64     `json:"newFiles"`
	ModifiedFiles      int64     `json:"modifiedFiles"`
	UnchangedFiles     int64     `json:"unchangedFiles"`
	SkippedFiles       int64     `json:"skippedFiles"`
	HardwareIdentifier string    `json:"hardwareIdentifier"`
	CompressionEnabled bool      `json:"compressionEnabled"`
	CompressionLevel   int       `json:"compressionLevel"`
	EncryptionEnabled  bool      `json:"encryptionEnabled"`
}

func writeBackupInfo(fsys FileSystem, snapshotPath string, info *BackupInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding backup info: %w", err)
	}
	return fsys.WriteFile(filepath.Join(snapshotPath, InfoFileName), append(data, '\n'), 0644)
}

// ReadBackupInfo reads the sidecar of the snapshot at snapshotPath.
func ReadBackupInfo(fsys FileSystem, snapshotPath string) (*BackupInfo, error) {
	f, err := fsys.Open(filepath.Join(snapshotPath, InfoFileName))
	if err != nil {
		return nil, fmt.Errorf("opening backup info: %w", err)
	}
	defer f.Close()

	var info BackupInfo
	if err := json.NewDecoder(f).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding backup info: %w", err)
	}
	return &info, nil
}

// catalog is the classified content of <destination>/backups.
type catalog struct {
	complete   []Snapshot // oldest first
	incomplete []string   // parsable names without a sidecar
	unparsable []string
}

func readCatalog(fsys FileSystem, destination string) (*catalog, error) {
	root := BackupsRoot(destination)
	entries, err := fsys.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &catalog{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", root, err)
	}

	c := &catalog{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := ParseSnapshotID(e.Name())
		if err != nil {
			c.unparsable = append(c.unparsable, e.Name())
			continue
		}
		path := filepath.Join(root, e.Name())
		if !Exists(fsys, filepath.Join(path, InfoFileName)) {
			c.incomplete = append(c.incomplete, e.Name())
			continue
		}
		c.complete = append(c.complete, Snapshot{ID: e.Name(), Time: t, Path: path})
	}
	sort.Slice(c.complete, func(i, j int) bool {
		return c.complete[i].ID < c.complete[j].ID
	})
	return c, nil
}

// ListSnapshots returns the complete snapshots under destination, newest first.
// Directories without a sidecar are in progress or abandoned and are omitted.
func ListSnapshots(fsys FileSystem, destination string) ([]Snapshot, error) {
	c, err := readCatalog(fsys, destination)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(c.complete))
	for i := len(c.complete) - 1; i >= 0; i-- {
		out = append(out, c.complete[i])
	}
	return out, nil
}

// LatestSnapshot returns the newest complete snapshot, or nil when none exists.
func LatestSnapshot(fsys FileSystem, destination string) (*Snapshot, error) {
	snaps, err := ListSnapshots(fsys, destination)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return &snaps[0], nil
}

// FindSnapshot returns the complete snapshot with the given id.
func FindSnapshot(fsys FileSystem, destination, id string) (*Snapshot, error) {
	t, err := ParseSnapshotID(id)
	if err != nil {
		return nil, validationError("find snapshot", id, err)
	}
	path := filepath.Join(BackupsRoot(destination), id)
	if !Exists(fsys, filepath.Join(path, InfoFileName)) {
		return nil, validationError("find snapshot", id, ErrSnapshotMissing)
	}
	return &Snapshot{ID: id, Time: t, Path: path}, nil
}
