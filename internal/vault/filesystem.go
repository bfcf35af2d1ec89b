package vault

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"tm-go/internal/tm"
)

// DirName is the directory under a destination that holds catalog exports.
const DirName = "metadata"

// ErrNotFound is returned when a metadata item does not exist.
var ErrNotFound = errors.New("metadata not found")

// FileSystemVault stores metadata items as files in one directory:
//
//	<root>/
//	  <hostID>.<name>          (item bytes)
//	  <hostID>.<name>.version  (decimal version)
type FileSystemVault struct {
	root string
}

// NewFileSystemVault creates a vault rooted at root, creating it if needed.
func NewFileSystemVault(root string) (*FileSystemVault, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	return &FileSystemVault{root: root}, nil
}

// ForDestination returns the vault kept alongside the snapshots of a
// backup destination.
func ForDestination(destination string) (*FileSystemVault, error) {
	return NewFileSystemVault(filepath.Join(destination, DirName))
}

// Root returns the vault directory.
func (v *FileSystemVault) Root() string {
	return v.root
}

func (v *FileSystemVault) itemPath(hostID, name string) string {
	return filepath.Join(v.root, hostID+"."+name)
}

// PutMetadata stores the item, then its version marker.
func (v *FileSystemVault) PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error {
	path := v.itemPath(hostID, name)
	if err := writeFile(path, r, size); err != nil {
		return err
	}
	versionData := strconv.FormatInt(version, 10)
	return writeFile(path+".version", strings.NewReader(versionData), int64(len(versionData)))
}

// GetMetadataVersion returns 0 if the item has never been stored.
func (v *FileSystemVault) GetMetadataVersion(hostID string, name string) (int64, error) {
	data, err := os.ReadFile(v.itemPath(hostID, name) + ".version")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version file: %w", err)
	}

	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

func (v *FileSystemVault) GetMetadata(hostID string, name string, w io.Writer) error {
	f, err := os.Open(v.itemPath(hostID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s for host %s", ErrNotFound, name, hostID)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return nil
}

// ValidateSetup verifies that the vault directory exists and is writable.
func (v *FileSystemVault) ValidateSetup() error {
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("vault root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root is not a directory: %s", v.root)
	}

	probe, err := os.CreateTemp(v.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("vault root not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

// writeFile copies r to path using atomic write (temp file + rename).
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	// Same directory so the rename is atomic.
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

// Compile-time check that FileSystemVault implements tm.Vault interface
var _ tm.Vault = (*FileSystemVault)(nil)
