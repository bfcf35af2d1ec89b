package tm_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"tm-go/internal/checksum"
	"tm-go/internal/fs"
	"tm-go/internal/lock"
	"tm-go/internal/model"
	"tm-go/internal/testutil"
	"tm-go/internal/tm"
	"tm-go/internal/vault"
)

const waitTimeout = 10 * time.Second

// harness holds an engine wired to real directories under t.TempDir.
type harness struct {
	engine *tm.Engine
	db     tm.Database
	fsys   tm.FileSystem
	clock  *testutil.StubClock
	logger *testutil.RecordingLogger
	src    string
	dest   string
}

func newHarness(t *testing.T, fsys tm.FileSystem, opts ...tm.Option) *harness {
	t.Helper()
	if fsys == nil {
		fsys = fs.NewOSFileSystem()
	}
	base := t.TempDir()
	h := &harness{
		db:     testutil.NewTestDatabase(t),
		fsys:   fsys,
		clock:  testutil.FixedClock(),
		logger: testutil.NewRecordingLogger(),
		src:    filepath.Join(base, "src"),
		dest:   filepath.Join(base, "dest"),
	}
	if err := os.MkdirAll(h.src, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	all := append([]tm.Option{
		tm.WithClock(h.clock),
		tm.WithIDGenerator(testutil.NewStubIDGenerator()),
		tm.WithHardwareID(tm.StaticHardwareID("hw-test")),
		tm.WithLocker(lock.NewFileLocker()),
	}, opts...)
	h.engine = tm.NewEngine(h.db, fsys, mustHasher(t), h.logger, all...)
	return h
}

func (h *harness) config() tm.RunConfig {
	return tm.RunConfig{
		SourcePaths:     []string{h.src},
		DestinationPath: h.dest,
		VerifyBackup:    true,
		UseHardLinks:    true,
	}
}

// run starts a backup and waits for it to finish.
func (h *harness) run(t *testing.T, cfg tm.RunConfig, progress tm.ProgressFunc) error {
	t.Helper()
	if err := h.engine.Start(cfg, progress); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return h.engine.Wait(waitTimeout)
}

// mustRun runs a backup that must complete and advances the clock an hour.
func (h *harness) mustRun(t *testing.T) tm.Stats {
	t.Helper()
	if err := h.run(t, h.config(), nil); err != nil {
		t.Fatalf("backup error = %v\nlog:\n%s", err, h.logger)
	}
	if got := h.engine.Status(); got != tm.StatusCompleted {
		t.Fatalf("Status() = %v, want %v", got, tm.StatusCompleted)
	}
	stats := h.engine.Stats()
	h.clock.Advance(time.Hour)
	return stats
}

func (h *harness) snapshotPath(id string, rel string) string {
	return filepath.Join(tm.BackupsRoot(h.dest), id, filepath.FromSlash(rel))
}

func TestEngine_dedupScenario(t *testing.T) {
	h := newHarness(t, nil)
	testutil.WriteTree(t, h.src, map[string]string{
		"a.txt":     "alpha",
		"docs/b.md": "bravo",
		"c.bin":     "charlie",
	})

	s1 := h.mustRun(t)
	if s1.NewFiles != 3 || s1.ModifiedFiles != 0 || s1.UnchangedFiles != 0 {
		t.Errorf("first run stats = %+v, want 3 new", s1)
	}
	id1 := tm.SnapshotID(testutil.FixedClock().Now())

	// Same size, different bytes: only the chunk compare can tell them apart.
	testutil.WriteTree(t, h.src, map[string]string{
		"docs/b.md": "BRAVO",
		"d.txt":     "delta",
	})
	if err := os.Remove(filepath.Join(h.src, "c.bin")); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	s2 := h.mustRun(t)
	if s2.NewFiles != 1 || s2.ModifiedFiles != 1 || s2.UnchangedFiles != 1 {
		t.Errorf("second run stats = new %d modified %d unchanged %d, want 1/1/1",
			s2.NewFiles, s2.ModifiedFiles, s2.UnchangedFiles)
	}
	if s2.DedupSavings != int64(len("alpha")) {
		t.Errorf("DedupSavings = %d, want %d", s2.DedupSavings, len("alpha"))
	}

	snaps, err := h.engine.ListBackups(h.dest)
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("ListBackups() = %d snapshots, want 2", len(snaps))
	}
	id2 := snaps[0].ID
	if snaps[1].ID != id1 || id2 <= id1 {
		t.Fatalf("ListBackups() = [%s %s], want newest first with %s last", snaps[0].ID, snaps[1].ID, id1)
	}

	t.Run("unchanged file is hard linked", func(t *testing.T) {
		if testutil.Inode(t, h.snapshotPath(id1, "a.txt")) != testutil.Inode(t, h.snapshotPath(id2, "a.txt")) {
			t.Error("a.txt does not share an inode across snapshots")
		}
	})

	t.Run("modified file is copied", func(t *testing.T) {
		if testutil.Inode(t, h.snapshotPath(id1, "docs/b.md")) == testutil.Inode(t, h.snapshotPath(id2, "docs/b.md")) {
			t.Error("docs/b.md shares an inode despite different content")
		}
		if got := testutil.ReadFile(t, h.snapshotPath(id1, "docs/b.md")); got != "bravo" {
			t.Errorf("old snapshot content = %q, want bravo", got)
		}
		if got := testutil.ReadFile(t, h.snapshotPath(id2, "docs/b.md")); got != "BRAVO" {
			t.Errorf("new snapshot content = %q, want BRAVO", got)
		}
	})

	t.Run("snapshot mirrors the source", func(t *testing.T) {
		got := strings.Join(testutil.ListTree(t, filepath.Join(tm.BackupsRoot(h.dest), id2)), ",")
		want := "a.txt,backup-info.json,d.txt,docs/b.md"
		if got != want {
			t.Errorf("snapshot tree = %s, want %s", got, want)
		}
		if _, err := os.Lstat(h.snapshotPath(id1, "c.bin")); err != nil {
			t.Errorf("deleted source file missing from old snapshot: %v", err)
		}
	})

	t.Run("records", func(t *testing.T) {
		sessions, err := h.db.FindSessionsBySnapshot(h.dest, id2)
		if err != nil || len(sessions) != 1 {
			t.Fatalf("FindSessionsBySnapshot() = %v, %v", sessions, err)
		}
		s := sessions[0]
		if !s.Complete || !s.Verified || s.Status != model.SessionCompleted {
			t.Errorf("session = %+v, want complete, verified and completed", s)
		}
		files, err := h.db.GetSessionFiles(s.ID)
		if err != nil {
			t.Fatalf("GetSessionFiles() error = %v", err)
		}
		if len(files) != 3 {
			t.Fatalf("GetSessionFiles() = %d records, want 3", len(files))
		}
		for _, f := range files {
			switch f.Path {
			case "a.txt":
				if !f.Linked() {
					t.Errorf("a.txt record not linked")
				}
				if f.Checksum != testutil.SHA256Hex([]byte("alpha")) {
					t.Errorf("a.txt checksum = %s", f.Checksum)
				}
			case "docs/b.md", "d.txt":
				if f.Linked() {
					t.Errorf("%s record linked to %s", f.Path, f.LinkTarget)
				}
			default:
				t.Errorf("unexpected record %s", f.Path)
			}
		}
	})
}

func TestEngine_sidecar(t *testing.T) {
	h := newHarness(t, nil)
	testutil.WriteTree(t, h.src, map[string]string{"a.txt": "alpha", "sub/b.txt": "bravo"})

	cfg := h.config()
	cfg.UseCompression = true
	cfg.CompressionLevel = 3
	if err := h.run(t, cfg, nil); err != nil {
		t.Fatalf("backup error = %v", err)
	}

	id := tm.SnapshotID(h.clock.Now())
	info, err := tm.ReadBackupInfo(h.fsys, filepath.Join(tm.BackupsRoot(h.dest), id))
	if err != nil {
		t.Fatalf("ReadBackupInfo() error = %v", err)
	}
	if info.HardwareIdentifier != "hw-test" {
		t.Errorf("HardwareIdentifier = %q, want hw-test", info.HardwareIdentifier)
	}
	if info.TotalFiles != 2 || info.TotalDirectories != 1 || info.NewFiles != 2 {
		t.Errorf("info = %+v, want 2 files, 1 directory, 2 new", info)
	}
	if !info.CompressionEnabled || info.CompressionLevel != 3 || info.EncryptionEnabled {
		t.Errorf("info flags = %+v", info)
	}
	if !info.Timestamp.Equal(h.clock.Now()) {
		t.Errorf("Timestamp = %v, want %v", info.Timestamp, h.clock.Now())
	}
}

func TestEngine_exclusion(t *testing.T) {
	h := newHarness(t, nil)
	testutil.WriteTree(t, h.src, map[string]string{
		"keep.txt":                "k",
		"node_modules/pkg/x.js":   "x",
		"node_modules/pkg/y.js":   "y",
		"project/node_modules/z":  "z",
		"project/main.go":         "package main",
		"project/build/out.cache": "o",
	})

	cfg := h.config()
	cfg.ExcludePatterns = []string{"node_modules", ".cache"}
	if err := h.run(t, cfg, nil); err != nil {
		t.Fatalf("backup error = %v", err)
	}
	stats := h.engine.Stats()

	if stats.SkippedFiles != 3 {
		t.Errorf("SkippedFiles = %d, want 3 (one per excluded entry)", stats.SkippedFiles)
	}
	if stats.TotalFiles != 2 {
		t.Errorf("TotalFiles = %d, want 2", stats.TotalFiles)
	}

	tree := testutil.ListTree(t, filepath.Join(tm.BackupsRoot(h.dest), tm.SnapshotID(h.clock.Now())))
	for _, p := range tree {
		if strings.Contains(p, "node_modules") || strings.Contains(p, ".cache") {
			t.Errorf("excluded path %s in snapshot", p)
		}
	}
	if got := strings.Join(tree, ","); got != "backup-info.json,keep.txt,project/main.go" {
		t.Errorf("snapshot tree = %s", got)
	}
}

func TestEngine_withoutHardLinks(t *testing.T) {
	h := newHarness(t, nil)
	testutil.WriteTree(t, h.src, map[string]string{"a.txt": "alpha"})
	cfg := h.config()
	cfg.UseHardLinks = false

	if err := h.run(t, cfg, nil); err != nil {
		t.Fatalf("first backup error = %v", err)
	}
	first := tm.SnapshotID(h.clock.Now())
	h.clock.Advance(time.Minute)
	if err := h.run(t, cfg, nil); err != nil {
		t.Fatalf("second backup error = %v", err)
	}
	second := tm.SnapshotID(h.clock.Now())

	if stats := h.engine.Stats(); stats.NewFiles != 1 || stats.UnchangedFiles != 0 {
		t.Errorf("second run stats = %+v, want 1 new file", stats)
	}
	if testutil.Inode(t, h.snapshotPath(first, "a.txt")) == testutil.Inode(t, h.snapshotPath(second, "a.txt")) {
		t.Error("a.txt hard linked with hard links disabled")
	}
}

func TestEngine_symlinks(t *testing.T) {
	h := newHarness(t, nil)
	testutil.WriteTree(t, h.src, map[string]string{"target.txt": "t"})
	if err := os.Symlink("target.txt", filepath.Join(h.src, "link")); err != nil {
		t.Fatalf("Symlink() error = %v", err)
	}

	h.mustRun(t)
	stats := h.mustRun(t)
	if stats.UnchangedFiles != 2 {
		t.Errorf("UnchangedFiles = %d, want 2 (file and symlink)", stats.UnchangedFiles)
	}

	snaps, err := h.engine.ListBackups(h.dest)
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	target, err := os.Readlink(h.snapshotPath(snaps[0].ID, "link"))
	if err != nil {
		t.Fatalf("Readlink() error = %v", err)
	}
	if target != "target.txt" {
		t.Errorf("symlink target = %q, want target.txt", target)
	}
}

func TestEngine_cancelDuringBackup(t *testing.T) {
	h := newHarness(t, nil)
	files := make(map[string]string)
	for i := 0; i < 20; i++ {
		files[filepath.Join("dir", string(rune('a'+i))+".txt")] = strings.Repeat("x", i+1)
	}
	testutil.WriteTree(t, h.src, files)

	var statuses []tm.Status
	err := h.run(t, h.config(), func(s tm.Status, stats tm.Stats) {
		statuses = append(statuses, s)
		if s == tm.StatusBackingUp && stats.ProcessedFiles == 1 {
			if err := h.engine.Cancel(); err != nil {
				t.Errorf("Cancel() error = %v", err)
			}
		}
	})

	if !tm.IsCancelled(err) {
		t.Fatalf("Wait() error = %v, want cancelled", err)
	}
	if got := h.engine.Status(); got != tm.StatusCancelled {
		t.Errorf("Status() = %v, want %v", got, tm.StatusCancelled)
	}
	if last := statuses[len(statuses)-1]; last != tm.StatusCancelled {
		t.Errorf("last progress status = %v, want %v", last, tm.StatusCancelled)
	}
	if got := h.engine.Stats().ProcessedFiles; got >= 20 {
		t.Errorf("ProcessedFiles = %d, run was not interrupted", got)
	}

	snaps, err := h.engine.ListBackups(h.dest)
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("ListBackups() = %v, cancelled snapshot listed as complete", snaps)
	}

	s, err := h.db.GetSession(h.engine.SessionID())
	if err != nil || s == nil {
		t.Fatalf("GetSession() = %v, %v", s, err)
	}
	if s.Status != model.SessionCancelled || s.Complete || s.FinishedAt.IsZero() {
		t.Errorf("session = %+v, want cancelled, incomplete, finished", s)
	}
}

func TestEngine_cancelAfterScan(t *testing.T) {
	h := newHarness(t, nil)
	testutil.WriteTree(t, h.src, map[string]string{"a.txt": "alpha", "sub/b.txt": "beta"})

	var statuses []tm.Status
	err := h.run(t, h.config(), func(s tm.Status, _ tm.Stats) {
		statuses = append(statuses, s)
		if s == tm.StatusScanning {
			if err := h.engine.Cancel(); err != nil {
				t.Errorf("Cancel() error = %v", err)
			}
		}
	})

	if !tm.IsCancelled(err) {
		t.Fatalf("Wait() error = %v, want cancelled", err)
	}
	if got := h.engine.Status(); got != tm.StatusCancelled {
		t.Errorf("Status() = %v, want %v", got, tm.StatusCancelled)
	}
	want := []tm.Status{tm.StatusScanning, tm.StatusCancelled}
	if len(statuses) != len(want) || statuses[0] != want[0] || statuses[1] != want[1] {
		t.Errorf("progress statuses = %v, want %v", statuses, want)
	}

	stats := h.engine.Stats()
	if stats.ProcessedFiles != 0 {
		t.Errorf("ProcessedFiles = %d, want 0", stats.ProcessedFiles)
	}
	if stats.TotalFiles != 2 {
		t.Errorf("TotalFiles = %d, want the scan totals kept", stats.TotalFiles)
	}

	entries, err := os.ReadDir(tm.BackupsRoot(h.dest))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("backups root holds %d entries, want no snapshot directory", len(entries))
	}

	s, err := h.db.GetSession(h.engine.SessionID())
	if err != nil || s == nil {
		t.Fatalf("GetSession() = %v, %v", s, err)
	}
	if s.Status != model.SessionCancelled || s.Complete {
		t.Errorf("session = %+v, want cancelled and incomplete", s)
	}
}

func TestEngine_cancelDuringVerify(t *testing.T) {
	h := newHarness(t, nil)
	testutil.WriteTree(t, h.src, map[string]string{"a.txt": "alpha", "b.txt": "beta"})

	var statuses []tm.Status
	err := h.run(t, h.config(), func(s tm.Status, _ tm.Stats) {
		statuses = append(statuses, s)
		if s == tm.StatusVerifying {
			if err := h.engine.Cancel(); err != nil {
				t.Errorf("Cancel() error = %v", err)
			}
		}
	})

	if !tm.IsCancelled(err) {
		t.Fatalf("Wait() error = %v, want cancelled", err)
	}
	if got := h.engine.Status(); got != tm.StatusCancelled {
		t.Errorf("Status() = %v, want %v", got, tm.StatusCancelled)
	}
	if n := len(statuses); n < 2 || statuses[n-2] != tm.StatusVerifying || statuses[n-1] != tm.StatusCancelled {
		t.Errorf("progress statuses = %v, want verifying then cancelled last", statuses)
	}

	s, err := h.db.GetSession(h.engine.SessionID())
	if err != nil || s == nil {
		t.Fatalf("GetSession() = %v, %v", s, err)
	}
	if s.Status != model.SessionCancelled || s.Verified {
		t.Errorf("session = %+v, want cancelled and unverified", s)
	}
}

func TestEngine_overlappingRoots(t *testing.T) {
	tests := []struct {
		name      string
		first     map[string]string
		second    map[string]string
		collision bool
	}{
		{
			name:   "later root replaces file",
			first:  map[string]string{"shared.txt": "first"},
			second: map[string]string{"shared.txt": "second"},
		},
		{
			name:      "file over directory",
			first:     map[string]string{"x/inner.txt": "inner"},
			second:    map[string]string{"x": "flat"},
			collision: true,
		},
		{
			name:      "directory over file",
			first:     map[string]string{"x": "flat"},
			second:    map[string]string{"x/inner.txt": "inner"},
			collision: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			other := filepath.Join(filepath.Dir(h.src), "other")
			testutil.WriteTree(t, h.src, tt.first)
			testutil.WriteTree(t, other, tt.second)

			cfg := h.config()
			cfg.SourcePaths = []string{h.src, other}
			err := h.run(t, cfg, nil)

			if !tt.collision {
				if err != nil {
					t.Fatalf("backup error = %v", err)
				}
				id := tm.SnapshotID(testutil.FixedClock().Now())
				if got := testutil.ReadFile(t, h.snapshotPath(id, "shared.txt")); got != "second" {
					t.Errorf("shared.txt = %q, want the later root's content", got)
				}
				if !h.logger.Has("warn", "earlier source root") {
					t.Error("no warning logged for the replaced entry")
				}
				return
			}

			if !errors.Is(err, tm.ErrRootCollision) || tm.KindOf(err) != tm.KindIO {
				t.Fatalf("backup error = %v, want io error wrapping ErrRootCollision", err)
			}
			if got := h.engine.Status(); got != tm.StatusFailed {
				t.Errorf("Status() = %v, want %v", got, tm.StatusFailed)
			}
			if !h.logger.Has("error", "source roots collide") {
				t.Errorf("no collision logged:\n%s", h.logger)
			}
		})
	}
}

func TestEngine_startExclusivity(t *testing.T) {
	h := newHarness(t, nil)
	testutil.WriteTree(t, h.src, map[string]string{"a.txt": "alpha"})

	entered := make(chan struct{})
	release := make(chan struct{})
	progress := func(s tm.Status, _ tm.Stats) {
		if s == tm.StatusScanning {
			close(entered)
			<-release
		}
	}
	if err := h.engine.Start(h.config(), progress); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-entered

	err := h.engine.Start(h.config(), nil)
	if !errors.Is(err, tm.ErrConcurrency) || !errors.Is(err, tm.ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want concurrency error", err)
	}
	if got := h.engine.Status(); got != tm.StatusScanning {
		t.Errorf("Status() = %v after rejected Start, want %v", got, tm.StatusScanning)
	}

	if _, err := h.engine.Prune(t.Context(), h.dest, tm.DefaultRetentionPolicy()); !errors.Is(err, tm.ErrConcurrency) {
		t.Errorf("Prune() during run error = %v, want concurrency error", err)
	}

	if err := h.engine.Wait(10 * time.Millisecond); !errors.Is(err, tm.ErrWaitTimeout) {
		t.Errorf("Wait() error = %v, want %v", err, tm.ErrWaitTimeout)
	}

	close(release)
	if err := h.engine.Wait(waitTimeout); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if err := h.engine.Cancel(); !errors.Is(err, tm.ErrNotRunning) {
		t.Errorf("Cancel() after completion error = %v, want %v", err, tm.ErrNotRunning)
	}
}

func TestEngine_validation(t *testing.T) {
	h := newHarness(t, nil)
	file := filepath.Join(h.src, "file.txt")
	testutil.WriteTree(t, h.src, map[string]string{"file.txt": "x"})

	tests := []struct {
		name   string
		mutate func(c *tm.RunConfig)
	}{
		{name: "no sources", mutate: func(c *tm.RunConfig) { c.SourcePaths = nil }},
		{name: "no destination", mutate: func(c *tm.RunConfig) { c.DestinationPath = " " }},
		{name: "relative destination", mutate: func(c *tm.RunConfig) { c.DestinationPath = "backups" }},
		{name: "missing source", mutate: func(c *tm.RunConfig) { c.SourcePaths = []string{filepath.Join(h.src, "nope")} }},
		{name: "source is a file", mutate: func(c *tm.RunConfig) { c.SourcePaths = []string{file} }},
		{name: "destination inside source", mutate: func(c *tm.RunConfig) { c.DestinationPath = filepath.Join(h.src, "backup") }},
		{name: "destination is a file", mutate: func(c *tm.RunConfig) { c.DestinationPath = file }},
		{name: "compression level", mutate: func(c *tm.RunConfig) { c.CompressionLevel = 10 }},
		{name: "thread count", mutate: func(c *tm.RunConfig) { c.ThreadCount = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := h.config()
			tt.mutate(&cfg)
			err := h.engine.Start(cfg, nil)
			if tm.KindOf(err) != tm.KindValidation {
				t.Fatalf("Start() error = %v, want validation error", err)
			}
			if got := h.engine.Status(); got != tm.StatusIdle {
				t.Errorf("Status() = %v, want %v", got, tm.StatusIdle)
			}
		})
	}

	t.Run("excluded destination inside source", func(t *testing.T) {
		cfg := h.config()
		cfg.DestinationPath = filepath.Join(h.src, "backup")
		cfg.ExcludePatterns = []string{"/backup"}
		if err := cfg.Validate(h.fsys); err != nil {
			t.Errorf("Validate() error = %v, want nil", err)
		}
	})
}

func TestEngine_destinationBusy(t *testing.T) {
	h := newHarness(t, nil)
	testutil.WriteTree(t, h.src, map[string]string{"a.txt": "alpha"})
	if err := os.MkdirAll(h.dest, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	release, err := lock.NewFileLocker().Acquire(h.dest)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	err = h.run(t, h.config(), nil)
	if !errors.Is(err, tm.ErrDestinationBusy) || tm.KindOf(err) != tm.KindConcurrency {
		t.Fatalf("backup error = %v, want destination busy", err)
	}
	if got := h.engine.Status(); got != tm.StatusFailed {
		t.Errorf("Status() = %v, want %v", got, tm.StatusFailed)
	}
	if id := h.engine.SessionID(); id != "" {
		t.Errorf("SessionID() = %q, want none before the lock is held", id)
	}
}

func TestEngine_snapshotCollision(t *testing.T) {
	h := newHarness(t, nil)
	testutil.WriteTree(t, h.src, map[string]string{"a.txt": "alpha"})

	if err := h.run(t, h.config(), nil); err != nil {
		t.Fatalf("first backup error = %v", err)
	}
	err := h.run(t, h.config(), nil)
	if !errors.Is(err, tm.ErrSnapshotExists) || tm.KindOf(err) != tm.KindConcurrency {
		t.Fatalf("second backup error = %v, want snapshot exists", err)
	}

	snaps, err := h.engine.ListBackups(h.dest)
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(snaps) != 1 {
		t.Errorf("ListBackups() = %d snapshots, want 1", len(snaps))
	}
}

func TestEngine_ioFailure(t *testing.T) {
	faulty := testutil.NewFaultyFileSystem(fs.NewOSFileSystem())
	h := newHarness(t, faulty)
	testutil.WriteTree(t, h.src, map[string]string{"a.txt": "alpha", "b.txt": "bravo"})
	faulty.FailOn("create", "b.txt", syscall.EIO)

	err := h.run(t, h.config(), nil)
	if tm.KindOf(err) != tm.KindIO || !errors.Is(err, syscall.EIO) {
		t.Fatalf("backup error = %v, want IO error wrapping EIO", err)
	}
	if got := h.engine.Status(); got != tm.StatusFailed {
		t.Errorf("Status() = %v, want %v", got, tm.StatusFailed)
	}

	snaps, err := h.engine.ListBackups(h.dest)
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("failed snapshot listed as complete")
	}

	s, err := h.db.GetSession(h.engine.SessionID())
	if err != nil || s == nil {
		t.Fatalf("GetSession() = %v, %v", s, err)
	}
	if s.Status != model.SessionFailed || s.Complete {
		t.Errorf("session = %+v, want failed and incomplete", s)
	}
	files, err := h.db.GetSessionFiles(s.ID)
	if err != nil {
		t.Fatalf("GetSessionFiles() error = %v", err)
	}
	if len(files) != 0 {
		t.Errorf("failed run left %d file records", len(files))
	}
}

func TestEngine_sidecarFailureRollsBack(t *testing.T) {
	faulty := testutil.NewFaultyFileSystem(fs.NewOSFileSystem())
	h := newHarness(t, faulty)
	testutil.WriteTree(t, h.src, map[string]string{"a.txt": "alpha"})
	faulty.FailOn("writefile", tm.InfoFileName, syscall.ENOSPC)

	if err := h.run(t, h.config(), nil); !errors.Is(err, syscall.ENOSPC) {
		t.Fatalf("backup error = %v, want ENOSPC", err)
	}
	files, err := h.db.GetSessionFiles(h.engine.SessionID())
	if err != nil {
		t.Fatalf("GetSessionFiles() error = %v", err)
	}
	if len(files) != 0 {
		t.Errorf("GetSessionFiles() = %d records after rollback, want 0", len(files))
	}
}

func TestEngine_noVerify(t *testing.T) {
	h := newHarness(t, nil)
	testutil.WriteTree(t, h.src, map[string]string{"a.txt": "alpha"})

	var saw []tm.Status
	cfg := h.config()
	cfg.VerifyBackup = false
	if err := h.run(t, cfg, func(s tm.Status, _ tm.Stats) { saw = append(saw, s) }); err != nil {
		t.Fatalf("backup error = %v", err)
	}
	for _, s := range saw {
		if s == tm.StatusVerifying {
			t.Error("progress reported verifying with verification disabled")
		}
	}
	s, err := h.db.GetSession(h.engine.SessionID())
	if err != nil || s == nil {
		t.Fatalf("GetSession() = %v, %v", s, err)
	}
	if s.Verified {
		t.Error("session marked verified without a verification pass")
	}
}

func TestEngine_catalogExport(t *testing.T) {
	v := vault.NewMemoryVault()
	h := newHarness(t, nil)
	exporter := tm.NewCatalogExporter(h.db, v, nil, nil, "host-1", h.logger)
	h.engine = tm.NewEngine(h.db, h.fsys, mustHasher(t), h.logger,
		tm.WithClock(h.clock),
		tm.WithCatalogExporter(exporter),
	)
	testutil.WriteTree(t, h.src, map[string]string{"a.txt": "alpha"})

	h.mustRun(t)

	version, err := v.GetMetadataVersion("host-1", tm.CatalogName)
	if err != nil {
		t.Fatalf("GetMetadataVersion() error = %v", err)
	}
	if want := testutil.FixedClock().Now().Unix(); version != want {
		t.Errorf("catalog version = %d, want %d", version, want)
	}

	var buf bytes.Buffer
	if err := exporter.Fetch(&buf, nil); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("SQLite format 3\x00")) {
		t.Error("exported catalog is not a SQLite database")
	}
}

func TestEngine_waitWithoutRun(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.engine.Wait(time.Millisecond); err != nil {
		t.Errorf("Wait() before any run = %v, want nil", err)
	}
	select {
	case <-h.engine.Done():
	default:
		t.Error("Done() not closed before any run")
	}
	if got := h.engine.Status(); got != tm.StatusIdle {
		t.Errorf("Status() = %v, want %v", got, tm.StatusIdle)
	}
}

func mustHasher(t *testing.T) tm.Hasher {
	t.Helper()
	h, err := checksum.New(checksum.SHA256)
	if err != nil {
		t.Fatalf("checksum.New() error = %v", err)
	}
	return h
}
