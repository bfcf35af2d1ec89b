package tm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"

	"tm-go/internal/model"
)

// ErrVerificationFailed is wrapped in the IO error returned when snapshot
// content does not match its records.
var ErrVerificationFailed = errors.New("snapshot verification failed")

// Mismatch describes one record that failed verification.
type Mismatch struct {
	Path   string
	Reason string
}

// Verifier re-reads a finished snapshot and checks every file against the
// checksum recorded when it was written.
type Verifier struct {
	fsys    FileSystem
	hasher  Hasher
	logger  Logger
	workers int
}

// NewVerifier creates a Verifier hashing with up to workers goroutines.
// workers <= 0 uses one per CPU.
func NewVerifier(fsys FileSystem, hasher Hasher, logger Logger, workers int) *Verifier {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Verifier{fsys: fsys, hasher: hasher, logger: logger, workers: workers}
}

// Verify checks records against the snapshot at snapshotPath. Cancellation is
// observed before each file. tick, when set, is called after each file.
func (v *Verifier) Verify(ctx context.Context, snapshotPath string, records []*model.FileRecord, tick func()) ([]Mismatch, error) {
	jobs := make(chan *model.FileRecord)
	var (
		mu         sync.Mutex
		mismatches []Mismatch
		wg         sync.WaitGroup
	)

	for i := 0; i < v.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range jobs {
				if reason := v.check(snapshotPath, r); reason != "" {
					mu.Lock()
					mismatches = append(mismatches, Mismatch{Path: r.Path, Reason: reason})
					mu.Unlock()
				}
				if tick != nil {
					tick()
				}
			}
		}()
	}

	var cancelErr error
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			cancelErr = err
			break
		}
		select {
		case jobs <- r:
		case <-ctx.Done():
			cancelErr = ctx.Err()
		}
		if cancelErr != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	if cancelErr != nil {
		return nil, cancelledError("verify", cancelErr)
	}
	if len(mismatches) > 0 {
		for _, m := range mismatches {
			v.logger.Error("verification mismatch", "path", m.Path, "reason", m.Reason)
		}
		return mismatches, ioError("verify", snapshotPath,
			fmt.Errorf("%w: %d of %d files", ErrVerificationFailed, len(mismatches), len(records)))
	}
	v.logger.Info("snapshot verified", "path", snapshotPath, "files", len(records))
	return nil, nil
}

func (v *Verifier) check(snapshotPath string, r *model.FileRecord) string {
	path := filepath.Join(snapshotPath, filepath.FromSlash(r.Path))
	if r.IsSymlink {
		target, err := v.fsys.Readlink(path)
		if err != nil {
			return err.Error()
		}
		if target != r.SymlinkTarget {
			return fmt.Sprintf("symlink target %q, want %q", target, r.SymlinkTarget)
		}
		return ""
	}

	info, err := v.fsys.Lstat(path)
	if err != nil {
		return err.Error()
	}
	if info.Size() != r.Size {
		return fmt.Sprintf("size %d, want %d", info.Size(), r.Size)
	}
	sum, err := HashFile(v.fsys, v.hasher, path)
	if err != nil {
		return err.Error()
	}
	if sum != r.Checksum {
		return fmt.Sprintf("checksum %s, want %s", sum, r.Checksum)
	}
	return ""
}
