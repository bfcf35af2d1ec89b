package tm

import (
	"context"
	"io/fs"
	"path/filepath"
)

// ScanResult holds the totals counted by a scan.
type ScanResult struct {
	Files       int64
	Directories int64
	Size        int64
}

// Scanner counts the entries a run will visit. It does not build a file
// list; the builder walks the sources again on its own.
type Scanner struct {
	fsys   FileSystem
	logger Logger
}

func NewScanner(fsys FileSystem, logger Logger) *Scanner {
	return &Scanner{fsys: fsys, logger: logger}
}

// Scan walks every source root depth-first. Excluded entries and their
// subtrees are never counted. When ctx is cancelled the walk stops and the
// partial counts are returned; the caller decides what cancellation means.
func (s *Scanner) Scan(ctx context.Context, spec SourceSpec) ScanResult {
	var res ScanResult
	for _, root := range spec.Roots {
		if ctx.Err() != nil {
			break
		}
		s.scanDir(ctx, spec, root, &res)
	}
	s.logger.Debug("scan finished",
		"files", res.Files,
		"directories", res.Directories,
		"size", res.Size,
		"cancelled", ctx.Err() != nil,
	)
	return res
}

func (s *Scanner) scanDir(ctx context.Context, spec SourceSpec, dir string, res *ScanResult) {
	entries, err := s.fsys.ReadDir(dir)
	if err != nil {
		s.logger.Warn("skipping unreadable directory", "path", dir, "error", err)
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		path := filepath.Join(dir, entry.Name())
		if spec.Excluded(path) {
			s.logger.Trace("excluded", "path", path)
			continue
		}

		switch {
		case entry.IsDir():
			res.Directories++
			s.scanDir(ctx, spec, path, res)
		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				s.logger.Warn("skipping unreadable file", "path", path, "error", err)
				continue
			}
			res.Files++
			res.Size += info.Size()
		case entry.Type()&fs.ModeSymlink != 0:
			res.Files++
		}
	}
}
