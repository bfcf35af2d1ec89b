package fs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"tm-go/internal/tm"
)

// OSFileSystem is the real filesystem implementation of tm.FileSystem.
// It performs actual filesystem operations using the os package.
type OSFileSystem struct{}

// NewOSFileSystem creates a filesystem that operates on the real filesystem.
func NewOSFileSystem() *OSFileSystem {
	return &OSFileSystem{}
}

func (OSFileSystem) Lstat(path string) (fs.FileInfo, error) { return os.Lstat(path) }

func (OSFileSystem) Stat(path string) (fs.FileInfo, error) { return os.Stat(path) }

func (OSFileSystem) ReadDir(path string) ([]fs.DirEntry, error) { return os.ReadDir(path) }

func (OSFileSystem) Open(path string) (io.ReadCloser, error) { return os.Open(path) }

// Create creates or truncates path. Truncating a hard link truncates every
// name sharing the inode.
func (OSFileSystem) Create(path string, perm fs.FileMode) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
}

func (OSFileSystem) Mkdir(path string, perm fs.FileMode) error { return os.Mkdir(path, perm) }

func (OSFileSystem) MkdirAll(path string, perm fs.FileMode) error { return os.MkdirAll(path, perm) }

func (OSFileSystem) Link(oldname, newname string) error { return os.Link(oldname, newname) }

func (OSFileSystem) Symlink(target, newname string) error { return os.Symlink(target, newname) }

func (OSFileSystem) Readlink(path string) (string, error) { return os.Readlink(path) }

func (OSFileSystem) Chtimes(path string, atime, mtime time.Time) error {
	return os.Chtimes(path, atime, mtime)
}

func (OSFileSystem) Remove(path string) error { return os.Remove(path) }

func (OSFileSystem) RemoveAll(path string) error { return os.RemoveAll(path) }

// WriteFile writes data to path using atomic write (temp file + rename).
func (OSFileSystem) WriteFile(path string, data []byte, perm fs.FileMode) error {
	// Temp file in the same directory so the rename stays on one filesystem.
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
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

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Chmod(perm); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check that OSFileSystem implements tm.FileSystem interface
var _ tm.FileSystem = OSFileSystem{}
