package tm

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"time"
)

// RestoreOptions selects what to restore and where.
type RestoreOptions struct {
	// Paths are relative to the snapshot root. Empty restores everything.
	Paths []string
	// Target is the directory restored entries are written under.
	Target string
	// Overwrite replaces existing files in Target; otherwise they are skipped.
	Overwrite bool
}

// RestoreResult counts what a restore wrote.
type RestoreResult struct {
	Files   int
	Bytes   int64
	Skipped int
}

// FileEntry is one entry of a snapshot listing.
type FileEntry struct {
	Path      string
	Size      int64
	ModTime   time.Time
	IsDir     bool
	IsSymlink bool
}

// Restorer copies files out of complete snapshots.
type Restorer struct {
	fsys   FileSystem
	logger Logger
}

func NewRestorer(fsys FileSystem, logger Logger) *Restorer {
	return &Restorer{fsys: fsys, logger: logger}
}

// Restore copies the selected paths of a snapshot into opts.Target,
// preserving their position relative to the snapshot root.
func (r *Restorer) Restore(ctx context.Context, destination, snapshotID string, opts RestoreOptions) (RestoreResult, error) {
	var res RestoreResult
	if opts.Target == "" {
		return res, validationError("restore", "", fmt.Errorf("no restore target"))
	}
	snap, err := FindSnapshot(r.fsys, destination, snapshotID)
	if err != nil {
		return res, err
	}

	paths := opts.Paths
	if len(paths) == 0 {
		paths = []string{"."}
	}

	r.logger.Info("restore started", "snapshot", snapshotID, "target", opts.Target)
	for _, p := range paths {
		rel, err := cleanRelative(p)
		if err != nil {
			return res, validationError("restore", p, err)
		}
		src := filepath.Join(snap.Path, filepath.FromSlash(rel))
		dst := filepath.Join(opts.Target, filepath.FromSlash(rel))
		info, err := r.fsys.Lstat(src)
		if err != nil {
			return res, validationError("restore", p, fmt.Errorf("not in snapshot %s: %w", snapshotID, err))
		}
		if err := r.restoreEntry(ctx, src, dst, info, opts, &res, rel == "."); err != nil {
			return res, err
		}
	}
	r.logger.Info("restore finished", "snapshot", snapshotID, "files", res.Files, "bytes", res.Bytes, "skipped", res.Skipped)
	return res, nil
}

func (r *Restorer) restoreEntry(ctx context.Context, src, dst string, info fs.FileInfo, opts RestoreOptions, res *RestoreResult, atRoot bool) error {
	if err := ctx.Err(); err != nil {
		return cancelledError("restore", err)
	}

	switch {
	case info.IsDir():
		if err := r.fsys.MkdirAll(dst, 0755); err != nil {
			return ioError("creating directory", dst, err)
		}
		entries, err := r.fsys.ReadDir(src)
		if err != nil {
			return ioError("reading directory", src, err)
		}
		for _, e := range entries {
			if atRoot && e.Name() == InfoFileName {
				continue
			}
			childInfo, err := e.Info()
			if err != nil {
				return ioError("stat", filepath.Join(src, e.Name()), err)
			}
			if err := r.restoreEntry(ctx, filepath.Join(src, e.Name()), filepath.Join(dst, e.Name()), childInfo, opts, res, false); err != nil {
				return err
			}
		}
		return nil

	case info.Mode()&fs.ModeSymlink != 0:
		if skip, err := r.prepareTarget(dst, opts.Overwrite); err != nil || skip {
			if skip {
				res.Skipped++
			}
			return err
		}
		target, err := r.fsys.Readlink(src)
		if err != nil {
			return ioError("reading symlink", src, err)
		}
		if err := r.fsys.Symlink(target, dst); err != nil {
			return ioError("creating symlink", dst, err)
		}
		res.Files++
		return nil

	case info.Mode().IsRegular():
		if skip, err := r.prepareTarget(dst, opts.Overwrite); err != nil || skip {
			if skip {
				res.Skipped++
			}
			return err
		}
		n, err := r.copyOut(src, dst, info)
		if err != nil {
			return err
		}
		res.Files++
		res.Bytes += n
		return nil
	}
	return nil
}

// prepareTarget clears dst when overwriting and reports whether to skip it.
func (r *Restorer) prepareTarget(dst string, overwrite bool) (bool, error) {
	if !Exists(r.fsys, dst) {
		if err := r.fsys.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return false, ioError("creating directory", filepath.Dir(dst), err)
		}
		return false, nil
	}
	if !overwrite {
		r.logger.Debug("not overwriting existing file", "path", dst)
		return true, nil
	}
	if err := r.fsys.Remove(dst); err != nil {
		return false, ioError("removing existing file", dst, err)
	}
	return false, nil
}

func (r *Restorer) copyOut(src, dst string, info fs.FileInfo) (int64, error) {
	in, err := r.fsys.Open(src)
	if err != nil {
		return 0, ioError("opening", src, err)
	}
	defer in.Close()

	out, err := r.fsys.Create(dst, info.Mode().Perm())
	if err != nil {
		return 0, ioError("creating", dst, err)
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, ioError("copying", src, err)
	}
	if err := out.Close(); err != nil {
		return n, ioError("closing", dst, err)
	}
	if err := r.fsys.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return n, ioError("setting times", dst, err)
	}
	return n, nil
}

// ListFiles lists the entries directly below path in a snapshot.
func (r *Restorer) ListFiles(destination, snapshotID, path string) ([]FileEntry, error) {
	snap, err := FindSnapshot(r.fsys, destination, snapshotID)
	if err != nil {
		return nil, err
	}
	rel, err := cleanRelative(path)
	if err != nil {
		return nil, validationError("list files", path, err)
	}
	dir := filepath.Join(snap.Path, filepath.FromSlash(rel))
	entries, err := r.fsys.ReadDir(dir)
	if err != nil {
		return nil, ioError("listing", dir, err)
	}

	var out []FileEntry
	for _, e := range entries {
		if rel == "." && e.Name() == InfoFileName {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, ioError("stat", filepath.Join(dir, e.Name()), err)
		}
		out = append(out, FileEntry{
			Path:      filepath.ToSlash(filepath.Join(rel, e.Name())),
			Size:      info.Size(),
			ModTime:   info.ModTime(),
			IsDir:     info.IsDir(),
			IsSymlink: info.Mode()&fs.ModeSymlink != 0,
		})
	}
	return out, nil
}

// cleanRelative normalizes a snapshot-relative path and rejects paths that
// escape the snapshot root.
func cleanRelative(p string) (string, error) {
	if p == "" {
		return ".", nil
	}
	clean := filepath.ToSlash(filepath.Clean(strings.TrimPrefix(filepath.ToSlash(p), "/")))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path escapes snapshot root")
	}
	return clean, nil
}
