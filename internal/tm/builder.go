package tm

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"path/filepath"
	"time"

	"tm-go/internal/model"
)

// compareChunkSize is the buffer size used when comparing a source file
// against its baseline counterpart.
const compareChunkSize = 4096

// BuildOptions describes one snapshot build.
type BuildOptions struct {
	Spec         SourceSpec
	Destination  string
	UseHardLinks bool

	// SnapshotID names the new snapshot directory.
	SnapshotID string
	// StartTime is recorded as the sidecar timestamp.
	StartTime time.Time
	// Session is marked complete in the same transaction as the records.
	Session *model.Session

	HardwareID         string
	CompressionEnabled bool
	CompressionLevel   int
	EncryptionEnabled  bool
}

// BuildResult describes a finalized snapshot.
type BuildResult struct {
	Snapshot Snapshot
	Baseline *Snapshot
	Records  []*model.FileRecord
}

// Builder mirrors the sources into a new snapshot, hard-linking files that
// are byte-identical to the baseline snapshot and copying everything else.
type Builder struct {
	fsys   FileSystem
	db     Database
	hasher Hasher
	clock  Clock
	idgen  IDGenerator
	logger Logger
}

func NewBuilder(fsys FileSystem, db Database, hasher Hasher, clock Clock, idgen IDGenerator, logger Logger) *Builder {
	return &Builder{
		fsys:   fsys,
		db:     db,
		hasher: hasher,
		clock:  clock,
		idgen:  idgen,
		logger: logger,
	}
}

// buildState is the per-build working set.
type buildState struct {
	opts     BuildOptions
	root     string // snapshot directory
	baseline *Snapshot
	tracker  *Tracker
	progress func(Stats)

	records []*model.FileRecord
	byPath  map[string]int
}

// Build creates the snapshot directory, mirrors every source root into it,
// and finalizes it. Any filesystem error aborts the build; whatever was
// written stays on disk without a sidecar, so it is never listed as complete.
// progress is called after every processed file.
func (b *Builder) Build(ctx context.Context, opts BuildOptions, tracker *Tracker, progress func(Stats)) (*BuildResult, error) {
	if opts.Session == nil {
		return nil, validationError("build", opts.Destination, errors.New("a session is required"))
	}

	var baseline *Snapshot
	if opts.UseHardLinks {
		var err error
		baseline, err = LatestSnapshot(b.fsys, opts.Destination)
		if err != nil {
			return nil, ioError("finding baseline", opts.Destination, err)
		}
	}

	backups := BackupsRoot(opts.Destination)
	if err := b.fsys.MkdirAll(backups, 0755); err != nil {
		return nil, ioError("creating backups directory", backups, err)
	}

	snapshotPath := filepath.Join(backups, opts.SnapshotID)
	if err := b.fsys.Mkdir(snapshotPath, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, concurrencyError("creating snapshot", fmt.Errorf("%w: %s", ErrSnapshotExists, opts.SnapshotID))
		}
		return nil, ioError("creating snapshot", snapshotPath, err)
	}

	if baseline != nil {
		b.logger.Info("using baseline snapshot", "baseline", baseline.ID, "snapshot", opts.SnapshotID)
	} else {
		b.logger.Info("no baseline snapshot, copying all files", "snapshot", opts.SnapshotID)
	}

	st := &buildState{
		opts:     opts,
		root:     snapshotPath,
		baseline: baseline,
		tracker:  tracker,
		progress: progress,
		byPath:   make(map[string]int),
	}

	for _, root := range opts.Spec.Roots {
		if err := b.mirrorDir(ctx, st, root, root); err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, cancelledError("build", err)
	}

	snap := Snapshot{ID: opts.SnapshotID, Time: opts.StartTime, Path: snapshotPath}
	if err := b.finalize(st); err != nil {
		return nil, err
	}

	return &BuildResult{Snapshot: snap, Baseline: baseline, Records: st.records}, nil
}

func (b *Builder) mirrorDir(ctx context.Context, st *buildState, root, dir string) error {
	entries, err := b.fsys.ReadDir(dir)
	if err != nil {
		return ioError("reading directory", dir, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return cancelledError("build", err)
		}

		path := filepath.Join(dir, entry.Name())
		if st.opts.Spec.Excluded(path) {
			st.tracker.Update(func(s *Stats) { s.SkippedFiles++ })
			b.logger.Trace("skipped excluded path", "path", path)
			continue
		}

		rel, err := relativeTo(root, path)
		if err != nil {
			return ioError("resolving relative path", path, err)
		}

		switch {
		case entry.IsDir():
			dst := filepath.Join(st.root, filepath.FromSlash(rel))
			if fi, err := b.fsys.Lstat(dst); err == nil && !fi.IsDir() {
				return b.collision(st, root, rel, dst)
			}
			if err := b.fsys.MkdirAll(dst, 0755); err != nil {
				return ioError("creating directory", dst, err)
			}
			if err := b.mirrorDir(ctx, st, root, path); err != nil {
				return err
			}
		case entry.Type().IsRegular():
			if err := b.backupFile(st, root, path, rel); err != nil {
				return err
			}
		case entry.Type()&fs.ModeSymlink != 0:
			if err := b.backupSymlink(st, root, path, rel); err != nil {
				return err
			}
		default:
			b.logger.Debug("ignoring special file", "path", path, "mode", entry.Type().String())
		}
	}
	return nil
}

// backupFile applies the dedup decision to one regular file: hard link when
// the baseline holds the same path with the same size and identical bytes,
// copy otherwise.
func (b *Builder) backupFile(st *buildState, root, src, rel string) error {
	info, err := b.fsys.Lstat(src)
	if err != nil {
		return ioError("stat", src, err)
	}
	dst := filepath.Join(st.root, filepath.FromSlash(rel))
	size := info.Size()

	record := &model.FileRecord{
		ID:                b.idgen.New(),
		SessionID:         st.opts.Session.ID,
		Path:              rel,
		SourceRoot:        root,
		ChecksumAlgorithm: b.hasher.Algorithm(),
		Size:              size,
		ModifiedAt:        info.ModTime(),
	}

	counterpart := false
	linked := false
	if st.baseline != nil {
		basePath := filepath.Join(st.baseline.Path, filepath.FromSlash(rel))
		if bi, err := b.fsys.Lstat(basePath); err == nil && !bi.IsDir() {
			counterpart = true
			if bi.Mode().IsRegular() && bi.Size() == size {
				equal, sum, err := b.compareFiles(src, basePath)
				if err != nil {
					return ioError("comparing with baseline", src, err)
				}
				if equal {
					if err := b.clearTarget(st, root, rel, dst); err != nil {
						return err
					}
					if err := b.fsys.Link(basePath, dst); err != nil {
						return ioError("hard linking", dst, err)
					}
					record.Checksum = sum
					record.LinkTarget = basePath
					linked = true
				}
			}
		}
	}

	if !linked {
		if err := b.clearTarget(st, root, rel, dst); err != nil {
			return err
		}
		sum, err := b.copyFile(src, dst, info)
		if err != nil {
			return err
		}
		record.Checksum = sum
	}
	record.BackedUpAt = b.clock.Now()
	b.addRecord(st, record)

	stats := st.tracker.Update(func(s *Stats) {
		switch {
		case linked:
			s.UnchangedFiles++
			s.DedupSavings += size
		case counterpart:
			s.ModifiedFiles++
		default:
			s.NewFiles++
		}
		s.ProcessedFiles++
		s.ProcessedSize += size
	})
	b.logger.Trace("file processed", "path", rel, "linked", linked, "counterpart", counterpart)
	if st.progress != nil {
		st.progress(stats)
	}
	return nil
}

// backupSymlink recreates a symbolic link with the same target. It counts as
// unchanged when the baseline holds a link with the same target.
func (b *Builder) backupSymlink(st *buildState, root, src, rel string) error {
	target, err := b.fsys.Readlink(src)
	if err != nil {
		return ioError("reading symlink", src, err)
	}
	info, err := b.fsys.Lstat(src)
	if err != nil {
		return ioError("stat", src, err)
	}
	dst := filepath.Join(st.root, filepath.FromSlash(rel))

	counterpart := false
	unchanged := false
	if st.baseline != nil {
		basePath := filepath.Join(st.baseline.Path, filepath.FromSlash(rel))
		if bi, err := b.fsys.Lstat(basePath); err == nil && !bi.IsDir() {
			counterpart = true
			if bi.Mode()&fs.ModeSymlink != 0 {
				if baseTarget, err := b.fsys.Readlink(basePath); err == nil && baseTarget == target {
					unchanged = true
				}
			}
		}
	}

	if err := b.clearTarget(st, root, rel, dst); err != nil {
		return err
	}
	if err := b.fsys.Symlink(target, dst); err != nil {
		return ioError("creating symlink", dst, err)
	}

	b.addRecord(st, &model.FileRecord{
		ID:                b.idgen.New(),
		SessionID:         st.opts.Session.ID,
		Path:              rel,
		SourceRoot:        root,
		ChecksumAlgorithm: b.hasher.Algorithm(),
		ModifiedAt:        info.ModTime(),
		BackedUpAt:        b.clock.Now(),
		IsSymlink:         true,
		SymlinkTarget:     target,
	})

	stats := st.tracker.Update(func(s *Stats) {
		switch {
		case unchanged:
			s.UnchangedFiles++
		case counterpart:
			s.ModifiedFiles++
		default:
			s.NewFiles++
		}
		s.ProcessedFiles++
	})
	if st.progress != nil {
		st.progress(stats)
	}
	return nil
}

// compareFiles reports whether a and b hold identical bytes, reading both in
// fixed-size chunks and stopping at the first difference. When they are
// equal it also returns the checksum of a, computed in the same pass.
func (b *Builder) compareFiles(a, bPath string) (bool, string, error) {
	fa, err := b.fsys.Open(a)
	if err != nil {
		return false, "", err
	}
	defer fa.Close()
	fb, err := b.fsys.Open(bPath)
	if err != nil {
		return false, "", err
	}
	defer fb.Close()

	digest := b.hasher.New()
	bufA := make([]byte, compareChunkSize)
	bufB := make([]byte, compareChunkSize)
	for {
		na, errA := readChunk(fa, bufA)
		nb, errB := readChunk(fb, bufB)
		if errA != nil {
			return false, "", errA
		}
		if errB != nil {
			return false, "", errB
		}
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, "", nil
		}
		if na == 0 {
			return true, hexSum(digest), nil
		}
		digest.Write(bufA[:na])
	}
}

// readChunk fills buf as far as the reader allows. A short or empty final
// chunk is not an error.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return n, nil
	}
	return n, err
}

// copyFile writes the current bytes of src to dst and returns their checksum.
func (b *Builder) copyFile(src, dst string, info fs.FileInfo) (string, error) {
	in, err := b.fsys.Open(src)
	if err != nil {
		return "", ioError("opening source", src, err)
	}
	defer in.Close()

	out, err := b.fsys.Create(dst, info.Mode().Perm())
	if err != nil {
		return "", ioError("creating file", dst, err)
	}

	digest := b.hasher.New()
	if _, err := io.Copy(io.MultiWriter(out, digest), in); err != nil {
		out.Close()
		return "", ioError("copying", src, err)
	}
	if err := out.Close(); err != nil {
		return "", ioError("closing", dst, err)
	}
	if err := b.fsys.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return "", ioError("setting times", dst, err)
	}
	return hexSum(digest), nil
}

// clearTarget removes an entry left at dst by an earlier source root so that
// writing never goes through a hard link into a baseline file. A directory at
// dst is a collision between roots and fails the build.
func (b *Builder) clearTarget(st *buildState, root, rel, dst string) error {
	fi, err := b.fsys.Lstat(dst)
	if err != nil {
		return nil
	}
	if fi.IsDir() {
		return b.collision(st, root, rel, dst)
	}
	b.logger.Warn("replacing entry from an earlier source root", "path", dst, "root", root)
	if err := b.fsys.Remove(dst); err != nil {
		return ioError("replacing", dst, err)
	}
	return nil
}

// collision reports rel being a file under one source root and a directory
// under another.
func (b *Builder) collision(st *buildState, root, rel, dst string) error {
	earlier := ""
	for _, r := range st.opts.Spec.Roots {
		if r == root {
			break
		}
		if Exists(b.fsys, filepath.Join(r, filepath.FromSlash(rel))) {
			earlier = r
		}
	}
	b.logger.Error("source roots collide", "path", rel, "root", root, "earlier_root", earlier)
	return ioError("mirroring", dst, fmt.Errorf("%w: %s in %s and %s", ErrRootCollision, rel, earlier, root))
}

// addRecord stores a record, replacing one from an earlier source root that
// mapped onto the same relative path.
func (b *Builder) addRecord(st *buildState, r *model.FileRecord) {
	if i, ok := st.byPath[r.Path]; ok {
		st.records[i] = r
		return
	}
	st.byPath[r.Path] = len(st.records)
	st.records = append(st.records, r)
}

// finalize records the snapshot in the metadata store and writes the
// sidecar. Records and the session's completion commit together; the
// sidecar is only left behind when the commit succeeds.
func (b *Builder) finalize(st *buildState) error {
	tx, err := b.db.Begin()
	if err != nil {
		return ioError("starting transaction", "", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				b.logger.Error("rolling back snapshot records", "error", err)
			}
		}
	}()

	for _, r := range st.records {
		if _, err := tx.AddFileRecord(r, r.SessionID); err != nil {
			return ioError("recording file", r.Path, err)
		}
	}

	session := st.opts.Session
	session.Complete = true
	if _, err := tx.UpdateSession(session); err != nil {
		session.Complete = false
		return ioError("updating session", session.ID, err)
	}

	stats := st.tracker.Snapshot()
	info := &BackupInfo{
		Timestamp:          st.opts.StartTime,
		EndTime:            b.clock.Now(),
		TotalFiles:         stats.TotalFiles,
		TotalDirectories:   stats.TotalDirectories,
		TotalSize:          stats.TotalSize,
		NewFiles:           stats.NewFiles,
		ModifiedFiles:      stats.ModifiedFiles,
		UnchangedFiles:     stats.UnchangedFiles,
		SkippedFiles:       stats.SkippedFiles,
		HardwareIdentifier: st.opts.HardwareID,
		CompressionEnabled: st.opts.CompressionEnabled,
		CompressionLevel:   st.opts.CompressionLevel,
		EncryptionEnabled:  st.opts.EncryptionEnabled,
	}
	if err := writeBackupInfo(b.fsys, st.root, info); err != nil {
		session.Complete = false
		return ioError("writing backup info", st.root, err)
	}

	if err := tx.Commit(); err != nil {
		session.Complete = false
		if rmErr := b.fsys.Remove(filepath.Join(st.root, InfoFileName)); rmErr != nil {
			b.logger.Error("removing backup info after failed commit", "error", rmErr)
		}
		return ioError("committing snapshot records", "", err)
	}
	committed = true
	return nil
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
