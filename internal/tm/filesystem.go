package tm

import (
	"io"
	"io/fs"
	"time"
)

// FileSystem abstracts the filesystem operations the engine performs on
// sources and destinations so tests can inject failures.
type FileSystem interface {
	// Lstat returns file info without following symlinks.
	Lstat(path string) (fs.FileInfo, error)

	// Stat returns file info, following symlinks.
	Stat(path string) (fs.FileInfo, error)

	// ReadDir returns directory entries sorted by name.
	ReadDir(path string) ([]fs.DirEntry, error)

	// Open opens a file for reading.
	Open(path string) (io.ReadCloser, error)

	// Create creates or truncates a file for writing.
	Create(path string, perm fs.FileMode) (io.WriteCloser, error)

	// Mkdir creates a single directory. It fails if the path already exists.
	Mkdir(path string, perm fs.FileMode) error

	// MkdirAll creates a directory and any missing parents.
	MkdirAll(path string, perm fs.FileMode) error

	// Link creates newname as a hard link to oldname.
	Link(oldname, newname string) error

	// Symlink creates newname as a symbolic link to target.
	Symlink(target, newname string) error

	// Readlink returns the target of a symbolic link.
	Readlink(path string) (string, error)

	// Chtimes sets access and modification times.
	Chtimes(path string, atime, mtime time.Time) error

	// Remove removes a single file or empty directory.
	Remove(path string) error

	// RemoveAll removes a path and everything below it.
	RemoveAll(path string) error

	// WriteFile atomically replaces path with data.
	WriteFile(path string, data []byte, perm fs.FileMode) error

	// FreeSpace returns the bytes available to unprivileged users on the
	// filesystem holding path.
	FreeSpace(path string) (uint64, error)
}

// Exists reports whether path can be lstat'ed.
func Exists(fsys FileSystem, path string) bool {
	_, err := fsys.Lstat(path)
	return err == nil
}
