// Package lock serializes backup runs and pruning on a destination across
// processes with an advisory file lock.
package lock

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"tm-go/internal/tm"
)

// FileName is the lock file created in each destination root.
const FileName = ".tm.lock"

// FileLocker implements tm.Locker with flock(2) on <destination>/.tm.lock.
type FileLocker struct{}

var _ tm.Locker = FileLocker{}

func NewFileLocker() FileLocker {
	return FileLocker{}
}

// Path returns the lock file for a destination.
func Path(destination string) string {
	return filepath.Join(destination, FileName)
}

// Acquire takes the lock without blocking. The lock file is left in place
// on release.
func (FileLocker) Acquire(destination string) (func() error, error) {
	fl := flock.New(Path(destination))

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", tm.ErrDestinationBusy, destination)
	}
	return fl.Unlock, nil
}
