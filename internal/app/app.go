package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"tm-go/internal/checksum"
	"tm-go/internal/compression"
	"tm-go/internal/config"
	"tm-go/internal/database"
	"tm-go/internal/encryption"
	"tm-go/internal/fs"
	"tm-go/internal/lock"
	"tm-go/internal/metrics"
	"tm-go/internal/model"
	"tm-go/internal/sysinfo"
	"tm-go/internal/tm"
	"tm-go/internal/vault"
)

// ErrNoProfile is returned by profile-bound operations when no profile was
// selected.
var ErrNoProfile = errors.New("no backup profile selected")

// ErrCatalogBehind is returned by NewTMApp when the exported catalog is newer
// than the local metadata store.
var ErrCatalogBehind = errors.New("local catalog is behind the exported catalog")

// TMApp is the application layer between the CLI and the tm engine.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw string paths, and releases resources on Close.
type TMApp struct {
	cfg       *config.Config
	profile   *config.ProfileConfig
	db        tm.Database
	fsys      tm.FileSystem
	metrics   *metrics.Recorder
	exporter  *tm.CatalogExporter
	encryptor tm.Encryptor
	engine    *tm.Engine
	op        *Operation
	logger    *zerologAdapter
	logFile   io.Closer
}

// NewTMApp creates a fully wired TMApp from the given config. profileName
// selects the backup profile; it may be empty when exactly one profile is
// configured, or when none is and only history queries are run.
// The caller must call Close when done.
func NewTMApp(cfg *config.Config, profileName string, op *Operation) (*TMApp, error) {
	return newTMApp(cfg, profileName, op, os.Stderr)
}

func newTMApp(cfg *config.Config, profileName string, op *Operation, console io.Writer) (*TMApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var profile *config.ProfileConfig
	if profileName != "" || len(cfg.Profiles) > 0 {
		p, err := cfg.Profile(profileName)
		if err != nil {
			return nil, err
		}
		profile = p
	}

	hasherName := ""
	if profile != nil {
		hasherName = profile.Checksum
	}
	hasher, err := checksum.New(hasherName)
	if err != nil {
		return nil, fmt.Errorf("creating hasher: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}

	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	logger, logFile, err := newLogger(cfg.LogDir, cfg.LogLevel, op.ID, console)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a := &TMApp{
		cfg:     cfg,
		profile: profile,
		db:      db,
		fsys:    fs.NewOSFileSystem(),
		metrics: metrics.NewRecorder(cfg.Metrics.Textfile, logger),
		op:      op,
		logger:  logger,
		logFile: logFile,
	}

	if profile != nil && profile.ExportCatalog {
		if err := a.setupExport(); err != nil {
			a.closeResources()
			return nil, err
		}
	}

	opts := []tm.Option{
		tm.WithHardwareID(sysinfo.NewIdentifier()),
		tm.WithLocker(lock.NewFileLocker()),
		tm.WithMetrics(a.metrics),
	}
	if a.exporter != nil {
		opts = append(opts, tm.WithCatalogExporter(a.exporter))
	}
	a.engine = tm.NewEngine(db, a.fsys, hasher, logger, opts...)

	logger.Debug("operation started", "operation", op.Name, "parameters", op.Parameters)
	return a, nil
}

// setupExport wires the catalog exporter for the selected profile and
// refuses to continue when the exported catalog is newer than the local one.
func (a *TMApp) setupExport() error {
	p := a.profile
	v, err := vault.ForDestination(p.DestinationPath)
	if err != nil {
		return fmt.Errorf("creating vault: %w", err)
	}

	var compressor tm.Compressor
	if p.UseCompression {
		z, err := compression.NewZstd(p.CompressionLevel)
		if err != nil {
			return fmt.Errorf("creating compressor: %w", err)
		}
		compressor = z
	}

	var encryptor tm.Encryptor
	if p.EncryptionKey != "" {
		encryptor, err = encryption.NewEncryptorFromConfig(a.cfg.Encryption, p.EncryptionKey)
		if err != nil {
			return fmt.Errorf("creating encryptor: %w", err)
		}
	}
	a.encryptor = encryptor
	a.exporter = tm.NewCatalogExporter(a.db, v, compressor, encryptor, a.cfg.HostID, a.logger)

	// An in-memory store is always empty, so it is never compared.
	if a.cfg.Database.Type != "sqlite" {
		return nil
	}
	remote, err := v.GetMetadataVersion(a.cfg.HostID, tm.CatalogName)
	if err != nil {
		return fmt.Errorf("checking exported catalog version: %w", err)
	}
	local, err := a.localCatalogVersion()
	if err != nil {
		return fmt.Errorf("checking local catalog version: %w", err)
	}
	if remote > local {
		return fmt.Errorf("%w (local=%d, exported=%d): fetch the catalog or remove %s",
			ErrCatalogBehind, local, remote, v.Root())
	}
	return nil
}

// localCatalogVersion is the end time of the newest completed session on the
// profile destination, matching the version written by the exporter.
func (a *TMApp) localCatalogVersion() (int64, error) {
	sessions, err := a.db.ListSessions()
	if err != nil {
		return 0, err
	}
	dest := filepath.Clean(a.profile.DestinationPath)
	var version int64
	for _, s := range sessions {
		if s.Status != model.SessionCompleted || filepath.Clean(s.DestinationPath) != dest {
			continue
		}
		if v := s.FinishedAt.Unix(); v > version {
			version = v
		}
	}
	return version, nil
}

func (a *TMApp) requireProfile() (*config.ProfileConfig, error) {
	if a.profile == nil {
		return nil, ErrNoProfile
	}
	return a.profile, nil
}

// Profile returns the selected profile, or nil.
func (a *TMApp) Profile() *config.ProfileConfig {
	return a.profile
}

// Engine exposes the underlying engine for status queries.
func (a *TMApp) Engine() *tm.Engine {
	return a.engine
}

// RunConfig converts a profile into the engine's run configuration. The
// exclude file, when set, is merged into the profile's patterns.
func RunConfig(p *config.ProfileConfig) (tm.RunConfig, error) {
	patterns := fs.MergePatterns(p.ExcludePatterns)
	if p.ExcludeFile != "" {
		extra, err := fs.ParseExcludeFile(p.ExcludeFile)
		if err != nil {
			return tm.RunConfig{}, fmt.Errorf("reading exclude file: %w", err)
		}
		patterns = fs.MergePatterns(patterns, extra)
	}
	return tm.RunConfig{
		SourcePaths:      p.SourcePaths,
		DestinationPath:  p.DestinationPath,
		ExcludePatterns:  patterns,
		UseCompression:   p.UseCompression,
		CompressionLevel: p.CompressionLevel,
		EncryptionKey:    p.EncryptionKey,
		VerifyBackup:     p.VerifyBackup,
		UseHardLinks:     p.UseHardLinks,
		ThreadCount:      p.ThreadCount,
	}, nil
}

// RetentionPolicy converts a profile's retention settings.
func RetentionPolicy(r config.RetentionConfig) tm.RetentionPolicy {
	order := tm.BucketOrder(r.BucketOrder)
	if order == "" {
		order = tm.BucketOrderOldest
	}
	return tm.RetentionPolicy{
		KeepDaily:   r.KeepDaily,
		KeepWeekly:  r.KeepWeekly,
		KeepMonthly: r.KeepMonthly,
		KeepYearly:  r.KeepYearly,
		AutoDelete:  r.AutoDelete,
		BucketOrder: order,
	}
}

// Backup runs the selected profile and blocks until the run finishes.
// Cancelling ctx cancels the run; the returned error is then a
// cancelled-kind error.
func (a *TMApp) Backup(ctx context.Context, progress tm.ProgressFunc) (tm.Stats, error) {
	p, err := a.requireProfile()
	if err != nil {
		return tm.Stats{}, err
	}
	rc, err := RunConfig(p)
	if err != nil {
		return tm.Stats{}, a.op.Fail(err)
	}
	if err := a.engine.Start(rc, progress); err != nil {
		return tm.Stats{}, a.op.Fail(err)
	}

	select {
	case <-a.engine.Done():
	case <-ctx.Done():
		if err := a.engine.Cancel(); err != nil && !errors.Is(err, tm.ErrNotRunning) {
			a.logger.Warn("cancelling backup", "error", err)
		}
	}
	err = a.engine.Wait(0)
	return a.engine.Stats(), a.op.Fail(err)
}

// ListBackups returns the complete snapshots of the selected profile, newest first.
func (a *TMApp) ListBackups() ([]tm.Snapshot, error) {
	p, err := a.requireProfile()
	if err != nil {
		return nil, err
	}
	return a.engine.ListBackups(p.DestinationPath)
}

// Prune applies the profile's retention policy. dryRun forces a plan-only
// pass regardless of auto_delete.
func (a *TMApp) Prune(ctx context.Context, dryRun bool) (tm.PruneResult, error) {
	p, err := a.requireProfile()
	if err != nil {
		return tm.PruneResult{}, err
	}
	policy := RetentionPolicy(p.Retention)
	if dryRun {
		policy.AutoDelete = false
	}
	res, err := a.engine.Prune(ctx, p.DestinationPath, policy)
	return res, a.op.Fail(err)
}

// History returns the most recent sessions, newest first.
func (a *TMApp) History(limit int) ([]*model.Session, error) {
	return a.engine.History(limit)
}

// FileHistory returns every recorded version of a path relative to its
// source root.
func (a *TMApp) FileHistory(path string) ([]*model.FileRecord, error) {
	return a.engine.FileHistory(path)
}

// Where returns every snapshot copy of the given content checksum.
func (a *TMApp) Where(sum string) ([]tm.Location, error) {
	return a.engine.Where(sum)
}

// WhereFile hashes a local file with the profile's algorithm and returns
// every snapshot copy of its content.
func (a *TMApp) WhereFile(rawPath string) (string, []tm.Location, error) {
	p, err := filepath.Abs(rawPath)
	if err != nil {
		return "", nil, fmt.Errorf("resolving path: %w", err)
	}
	name := ""
	if a.profile != nil {
		name = a.profile.Checksum
	}
	hasher, err := checksum.New(name)
	if err != nil {
		return "", nil, err
	}
	sum, err := tm.HashFile(a.fsys, hasher, p)
	if err != nil {
		return "", nil, err
	}
	locs, err := a.engine.Where(sum)
	return sum, locs, err
}

// ResolveSnapshot maps "" or "latest" to the newest complete snapshot id.
func (a *TMApp) ResolveSnapshot(id string) (string, error) {
	p, err := a.requireProfile()
	if err != nil {
		return "", err
	}
	if id != "" && id != "latest" {
		return id, nil
	}
	snap, err := tm.LatestSnapshot(a.fsys, p.DestinationPath)
	if err != nil {
		return "", fmt.Errorf("finding latest snapshot: %w", err)
	}
	if snap == nil {
		return "", fmt.Errorf("no complete snapshots in %s", p.DestinationPath)
	}
	return snap.ID, nil
}

// Restore copies paths of a snapshot into target. An empty snapshot id
// restores from the newest snapshot.
func (a *TMApp) Restore(ctx context.Context, snapshotID string, paths []string, target string, overwrite bool) (tm.RestoreResult, error) {
	id, err := a.ResolveSnapshot(snapshotID)
	if err != nil {
		return tm.RestoreResult{}, a.op.Fail(err)
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return tm.RestoreResult{}, a.op.Fail(fmt.Errorf("resolving target: %w", err))
	}
	res, err := a.engine.Restore(ctx, a.profile.DestinationPath, id, tm.RestoreOptions{
		Paths:     paths,
		Target:    absTarget,
		Overwrite: overwrite,
	})
	return res, a.op.Fail(err)
}

// ListFiles lists a directory of a snapshot.
func (a *TMApp) ListFiles(snapshotID, path string) ([]tm.FileEntry, error) {
	id, err := a.ResolveSnapshot(snapshotID)
	if err != nil {
		return nil, err
	}
	return a.engine.ListFiles(a.profile.DestinationPath, id, path)
}

// FetchCatalog writes the exported catalog of the selected profile to w as
// a plain SQLite database. passphrase unlocks the private key when the
// catalog is encrypted.
func (a *TMApp) FetchCatalog(w io.Writer, passphrase string) error {
	if _, err := a.requireProfile(); err != nil {
		return err
	}
	if a.exporter == nil {
		return fmt.Errorf("catalog export is not enabled for profile %q", a.profile.Name)
	}
	var dec tm.DecryptionContext
	if a.encryptor != nil {
		d, err := a.encryptor.Unlock(passphrase)
		if err != nil {
			return fmt.Errorf("unlocking private key: %w", err)
		}
		dec = d
	}
	return a.op.Fail(a.exporter.Fetch(w, dec))
}

// SetupKeys generates the catalog key pair named in cfg, sealing the
// private key with passphrase. Existing keys are never overwritten.
func SetupKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption, "")
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if err := enc.Setup(passphrase); err != nil {
		return fmt.Errorf("setting up keys: %w", err)
	}
	return nil
}

// CatalogEncrypted reports whether FetchCatalog needs a passphrase.
func (a *TMApp) CatalogEncrypted() bool {
	return a.encryptor != nil
}

// Close cancels any run still in progress and releases all resources.
func (a *TMApp) Close() error {
	if a.engine.Status().Active() {
		a.engine.Cancel()
		a.engine.Wait(30 * time.Second)
	}
	a.logger.Debug("operation finished",
		"operation", a.op.Name,
		"status", a.op.Status,
		"duration", time.Since(a.op.StartedAt),
	)
	return a.closeResources()
}

func (a *TMApp) closeResources() error {
	var firstErr error
	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing log file: %w", err)
		}
	}
	return firstErr
}
