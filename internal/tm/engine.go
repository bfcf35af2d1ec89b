package tm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tm-go/internal/model"
)

// RunConfig is the configuration of one backup run.
type RunConfig struct {
	SourcePaths      []string
	DestinationPath  string
	ExcludePatterns  []string
	UseCompression   bool
	CompressionLevel int
	EncryptionKey    string
	VerifyBackup     bool
	UseHardLinks     bool
	// ThreadCount bounds verification workers. 0 uses one per CPU.
	ThreadCount int
}

// Validate checks that sources and destination are usable.
func (c RunConfig) Validate(fsys FileSystem) error {
	if len(c.SourcePaths) == 0 {
		return validationError("validate", "", ErrNoSources)
	}
	if strings.TrimSpace(c.DestinationPath) == "" {
		return validationError("validate", "", ErrNoDestination)
	}
	if !filepath.IsAbs(c.DestinationPath) {
		return validationError("validate", c.DestinationPath, errors.New("destination must be an absolute path"))
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 9 {
		return validationError("validate", "", fmt.Errorf("compression level %d out of range 0-9", c.CompressionLevel))
	}
	if c.ThreadCount < 0 {
		return validationError("validate", "", fmt.Errorf("thread count %d must not be negative", c.ThreadCount))
	}

	spec := c.Spec()
	dest := filepath.Clean(c.DestinationPath)
	for _, src := range spec.Roots {
		if !filepath.IsAbs(src) {
			return validationError("validate", src, errors.New("source must be an absolute path"))
		}
		info, err := fsys.Stat(src)
		if err != nil {
			return validationError("validate", src, err)
		}
		if !info.IsDir() {
			return validationError("validate", src, errors.New("source is not a directory"))
		}
		if within(src, dest) && !spec.Excluded(dest) {
			return validationError("validate", dest, fmt.Errorf("destination is inside source %s", src))
		}
	}

	if info, err := fsys.Lstat(dest); err == nil && !info.IsDir() {
		return validationError("validate", dest, errors.New("destination is not a directory"))
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return validationError("validate", dest, err)
	}
	return nil
}

// Spec returns the SourceSpec described by the configuration.
func (c RunConfig) Spec() SourceSpec {
	return NewSourceSpec(c.SourcePaths, c.ExcludePatterns)
}

// within reports whether path is root or below it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// ProgressFunc receives status and a copy of the stats. It is called on the
// worker goroutine at scan completion, after every processed file, and once
// at the terminal state. A slow callback stalls the run.
type ProgressFunc func(status Status, stats Stats)

// Locker serializes runs and pruning on a destination across processes.
type Locker interface {
	// Acquire takes the destination lock without blocking. It returns an
	// error wrapping ErrDestinationBusy when another holder has it.
	Acquire(destination string) (release func() error, err error)
}

// Engine runs backups one at a time on a dedicated goroutine and exposes
// their status. It is safe for concurrent use.
type Engine struct {
	db       Database
	fsys     FileSystem
	hasher   Hasher
	logger   Logger
	clock    Clock
	idgen    IDGenerator
	hwid     HardwareIdentifier
	locker   Locker
	metrics  Metrics
	exporter *CatalogExporter

	scanner  *Scanner
	pruner   *Pruner
	restorer *Restorer

	tracker Tracker

	mu      sync.Mutex
	status  Status
	cfg     RunConfig
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	session *model.Session
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

func WithClock(c Clock) Option                      { return func(e *Engine) { e.clock = c } }
func WithIDGenerator(g IDGenerator) Option          { return func(e *Engine) { e.idgen = g } }
func WithHardwareID(h HardwareIdentifier) Option    { return func(e *Engine) { e.hwid = h } }
func WithLocker(l Locker) Option                    { return func(e *Engine) { e.locker = l } }
func WithMetrics(m Metrics) Option                  { return func(e *Engine) { e.metrics = m } }
func WithCatalogExporter(x *CatalogExporter) Option { return func(e *Engine) { e.exporter = x } }

// NewEngine creates an idle Engine.
func NewEngine(db Database, fsys FileSystem, hasher Hasher, logger Logger, opts ...Option) *Engine {
	e := &Engine{
		db:      db,
		fsys:    fsys,
		hasher:  hasher,
		logger:  logger,
		clock:   RealClock{},
		idgen:   UUIDGenerator{},
		hwid:    StaticHardwareID("unknown-hardware"),
		metrics: NopMetrics{},
		status:  StatusIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.scanner = NewScanner(fsys, logger)
	e.pruner = NewPruner(fsys, db, logger)
	e.restorer = NewRestorer(fsys, logger)
	return e
}

// Start validates cfg and launches a run. It returns once the worker is
// spawned. A run already in progress yields a concurrency error and is left
// untouched.
func (e *Engine) Start(cfg RunConfig, progress ProgressFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status.Active() {
		return concurrencyError("start", ErrAlreadyRunning)
	}
	if err := cfg.Validate(e.fsys); err != nil {
		return err
	}

	start := e.clock.Now()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	e.tracker.Reset(start)
	e.status = StatusScanning
	e.cfg = cfg
	e.cancel = cancel
	e.done = done
	e.err = nil
	e.session = nil

	e.logger.Info("backup started", "destination", cfg.DestinationPath, "sources", strings.Join(cfg.SourcePaths, ","))
	e.metrics.RunStarted(cfg.DestinationPath)

	go e.run(ctx, cfg, start, progress, done)
	return nil
}

// Cancel requests cancellation of the active run and returns immediately.
func (e *Engine) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.status.Active() {
		return concurrencyError("cancel", ErrNotRunning)
	}
	e.logger.Info("cancellation requested", "status", e.status.String())
	e.cancel()
	return nil
}

// Wait blocks until the current run finishes or timeout elapses. A timeout
// <= 0 waits indefinitely. It returns the run's error: nil when completed, a
// cancelled-kind error when cancelled.
func (e *Engine) Wait(timeout time.Duration) error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}

	if timeout <= 0 {
		<-done
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			return ErrWaitTimeout
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Done returns a channel closed when the current run finishes.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return e.done
}

// Status returns the current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Stats returns a copy of the current run's counters.
func (e *Engine) Stats() Stats {
	return e.tracker.Snapshot()
}

// LastError returns the error of the most recent finished run.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// SessionID returns the id of the current or last run's session, or "" if
// the run failed before one was created.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ""
	}
	return e.session.ID
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = s
}

func (e *Engine) run(ctx context.Context, cfg RunConfig, start time.Time, progress ProgressFunc, done chan struct{}) {
	defer close(done)
	err := e.execute(ctx, cfg, start, progress)
	e.finish(cfg, err, progress)
}

func (e *Engine) execute(ctx context.Context, cfg RunConfig, start time.Time, progress ProgressFunc) error {
	dest := filepath.Clean(cfg.DestinationPath)
	if err := e.fsys.MkdirAll(dest, 0755); err != nil {
		return ioError("creating destination", dest, err)
	}

	release, err := e.acquire(dest)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			e.logger.Warn("releasing destination lock", "error", err)
		}
	}()

	session := &model.Session{
		ID:              e.idgen.New(),
		SnapshotID:      SnapshotID(start),
		StartedAt:       start,
		SourcePaths:     cfg.Spec().Roots,
		DestinationPath: dest,
		Status:          model.SessionRunning,
	}
	if _, err := e.db.CreateSession(session); err != nil {
		return ioError("creating session", "", err)
	}
	e.mu.Lock()
	e.session = session
	e.mu.Unlock()

	// Scan
	spec := cfg.Spec()
	scan := e.scanner.Scan(ctx, spec)
	stats := e.tracker.Update(func(s *Stats) {
		s.TotalFiles = scan.Files
		s.TotalDirectories = scan.Directories
		s.TotalSize = scan.Size
	})
	session.TotalFiles = scan.Files
	session.TotalSize = scan.Size
	notify(progress, StatusScanning, stats)
	if err := ctx.Err(); err != nil {
		return cancelledError("scan", err)
	}
	e.checkFreeSpace(dest, scan.Size)

	// Back up
	e.setStatus(StatusBackingUp)
	builder := NewBuilder(e.fsys, e.db, e.hasher, e.clock, e.idgen, e.logger)
	result, err := builder.Build(ctx, BuildOptions{
		Spec:               spec,
		Destination:        dest,
		UseHardLinks:       cfg.UseHardLinks,
		SnapshotID:         session.SnapshotID,
		StartTime:          start,
		Session:            session,
		HardwareID:         e.hwid.HardwareID(),
		CompressionEnabled: cfg.UseCompression,
		CompressionLevel:   cfg.CompressionLevel,
		EncryptionEnabled:  cfg.EncryptionKey != "",
	}, &e.tracker, func(s Stats) {
		e.metrics.RunProgress(dest, s)
		notify(progress, StatusBackingUp, s)
	})
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return cancelledError("backup", err)
	}

	// Verify
	if cfg.VerifyBackup {
		e.setStatus(StatusVerifying)
		notify(progress, StatusVerifying, e.tracker.Snapshot())
		if err := ctx.Err(); err != nil {
			return cancelledError("verify", err)
		}
		verifier := NewVerifier(e.fsys, e.hasher, e.logger, cfg.ThreadCount)
		if _, err := verifier.Verify(ctx, result.Snapshot.Path, result.Records, nil); err != nil {
			return err
		}
		session.Verified = true
		if err := ctx.Err(); err != nil {
			return cancelledError("verify", err)
		}
	}
	return nil
}

// finish moves the engine to its terminal state, persists the session, and
// reports the outcome.
func (e *Engine) finish(cfg RunConfig, runErr error, progress ProgressFunc) {
	end := e.clock.Now()
	stats := e.tracker.Update(func(s *Stats) { s.EndTime = end })

	status := StatusCompleted
	sessionStatus := model.SessionCompleted
	switch {
	case runErr == nil:
	case IsCancelled(runErr):
		status = StatusCancelled
		sessionStatus = model.SessionCancelled
	default:
		status = StatusFailed
		sessionStatus = model.SessionFailed
	}

	e.mu.Lock()
	session := e.session
	e.mu.Unlock()
	if session != nil {
		session.FinishedAt = end
		session.Status = sessionStatus
		if status != StatusCompleted {
			session.Verified = false
		}
		if _, err := e.db.UpdateSession(session); err != nil {
			e.logger.Error("updating session", "session", session.ID, "error", err)
		}
	}

	if status == StatusCompleted && e.exporter != nil {
		if err := e.exporter.Export(end.Unix()); err != nil {
			e.logger.Error("exporting catalog", "error", err)
		}
	}

	e.mu.Lock()
	e.status = status
	e.err = runErr
	e.cancel()
	e.mu.Unlock()

	e.metrics.RunFinished(cfg.DestinationPath, status, stats)
	switch status {
	case StatusCompleted:
		e.logger.Info("backup completed",
			"new", stats.NewFiles,
			"modified", stats.ModifiedFiles,
			"unchanged", stats.UnchangedFiles,
			"skipped", stats.SkippedFiles,
			"duration", stats.Duration(end).String(),
		)
	case StatusCancelled:
		e.logger.Warn("backup cancelled", "processed", stats.ProcessedFiles)
	default:
		e.logger.Error("backup failed", "error", runErr, "processed", stats.ProcessedFiles)
	}
	notify(progress, status, stats)
}

func notify(progress ProgressFunc, status Status, stats Stats) {
	if progress != nil {
		progress(status, stats)
	}
}

func (e *Engine) acquire(destination string) (func() error, error) {
	if e.locker == nil {
		return func() error { return nil }, nil
	}
	release, err := e.locker.Acquire(destination)
	if err != nil {
		if errors.Is(err, ErrDestinationBusy) {
			return nil, concurrencyError("lock destination", err)
		}
		return nil, ioError("lock destination", destination, err)
	}
	return release, nil
}

// checkFreeSpace warns when the destination cannot hold a full copy of the
// scanned data. Hard links usually need far less, so this never fails a run.
func (e *Engine) checkFreeSpace(destination string, needed int64) {
	free, err := e.fsys.FreeSpace(destination)
	if err != nil {
		e.logger.Debug("free space check unavailable", "error", err)
		return
	}
	if needed > 0 && free < uint64(needed) {
		e.logger.Warn("destination may not have enough free space",
			"free", free, "scanned", needed)
	}
}

// ListBackups returns the complete snapshots under destination, newest first.
func (e *Engine) ListBackups(destination string) ([]Snapshot, error) {
	snaps, err := ListSnapshots(e.fsys, destination)
	if err != nil {
		return nil, ioError("listing backups", destination, err)
	}
	return snaps, nil
}

// Prune applies policy to destination. It refuses while this engine is
// writing to the same destination, and takes the destination lock so other
// processes are excluded too.
func (e *Engine) Prune(ctx context.Context, destination string, policy RetentionPolicy) (PruneResult, error) {
	dest := filepath.Clean(destination)

	e.mu.Lock()
	busy := e.status.Active() && filepath.Clean(e.cfg.DestinationPath) == dest
	e.mu.Unlock()
	if busy {
		return PruneResult{}, concurrencyError("prune", ErrAlreadyRunning)
	}

	release, err := e.acquire(dest)
	if err != nil {
		return PruneResult{}, err
	}
	defer func() {
		if err := release(); err != nil {
			e.logger.Warn("releasing destination lock", "error", err)
		}
	}()

	res, err := e.pruner.Prune(ctx, dest, policy)
	e.metrics.PruneFinished(dest, res)
	return res, err
}

// Restore copies files out of a snapshot.
func (e *Engine) Restore(ctx context.Context, destination, snapshotID string, opts RestoreOptions) (RestoreResult, error) {
	return e.restorer.Restore(ctx, destination, snapshotID, opts)
}

// ListFiles lists a directory of a snapshot.
func (e *Engine) ListFiles(destination, snapshotID, path string) ([]FileEntry, error) {
	return e.restorer.ListFiles(destination, snapshotID, path)
}
