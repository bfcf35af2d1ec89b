package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for tm.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level"`
	Encryption EncryptionConfig `toml:"encryption"`
	Database   DatabaseConfig   `toml:"database"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Profiles   []ProfileConfig  `toml:"profiles"`
}

// LogLevels lists the accepted log_level values from most to least verbose.
var LogLevels = []string{"trace", "debug", "info", "warning", "error", "critical", "off"}

// EncryptionConfig holds paths to the age key pair used for catalog exports.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// DatabaseConfig represents configuration for the metadata database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// MetricsConfig controls the prometheus textfile written after runs.
type MetricsConfig struct {
	Textfile string `toml:"textfile,omitempty"` // empty disables output
}

// ProfileConfig is one named backup job.
type ProfileConfig struct {
	Name            string   `toml:"name"`
	SourcePaths     []string `toml:"source_paths"`
	DestinationPath string   `toml:"destination_path"`
	ExcludePatterns []string `toml:"exclude_patterns"`
	// ExcludeFile names a file with one pattern per line, merged with ExcludePatterns.
	ExcludeFile      string `toml:"exclude_file,omitempty"`
	UseCompression   bool   `toml:"use_compression"`
	CompressionLevel int    `toml:"compression_level"`
	// EncryptionKey is the age public key file catalog exports are encrypted
	// to. Empty disables encryption.
	EncryptionKey string          `toml:"encryption_key,omitempty"`
	VerifyBackup  bool            `toml:"verify_backup"`
	UseHardLinks  bool            `toml:"use_hard_links"`
	ThreadCount   int             `toml:"thread_count"`
	Checksum      string          `toml:"checksum"` // "sha256" (default), "xxh3" or "blake3"
	ExportCatalog bool            `toml:"export_catalog"`
	Retention     RetentionConfig `toml:"retention"`
}

// RetentionConfig mirrors the pruning policy of a profile.
type RetentionConfig struct {
	KeepDaily   int    `toml:"keep_daily"`
	KeepWeekly  int    `toml:"keep_weekly"`
	KeepMonthly int    `toml:"keep_monthly"`
	KeepYearly  int    `toml:"keep_yearly"`
	AutoDelete  bool   `toml:"auto_delete"`
	BucketOrder string `toml:"bucket_order"` // "oldest" (default) or "newest"
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:   hostID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "tm.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "tm.key"),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
	}
}

// NewProfile returns a profile with the default run and retention settings.
func NewProfile(name string, sources []string, destination string) ProfileConfig {
	return ProfileConfig{
		Name:             name,
		SourcePaths:      sources,
		DestinationPath:  destination,
		CompressionLevel: 6,
		VerifyBackup:     true,
		UseHardLinks:     true,
		Checksum:         "sha256",
		Retention: RetentionConfig{
			KeepDaily:   7,
			KeepWeekly:  4,
			KeepMonthly: 12,
			KeepYearly:  5,
			AutoDelete:  true,
			BucketOrder: "oldest",
		},
	}
}

// ErrProfileNotFound is returned by Profile for an unknown name.
var ErrProfileNotFound = errors.New("profile not found")

// Profile returns the named profile. An empty name selects the only
// profile when exactly one is configured.
func (c *Config) Profile(name string) (*ProfileConfig, error) {
	if name == "" {
		if len(c.Profiles) == 1 {
			return &c.Profiles[0], nil
		}
		return nil, fmt.Errorf("%d profiles configured, a profile name is required", len(c.Profiles))
	}
	for i := range c.Profiles {
		if c.Profiles[i].Name == name {
			return &c.Profiles[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
}

// Validate checks enumerated values and ranges. Paths are checked when
// they are used.
func (c *Config) Validate() error {
	if c.HostID == "" {
		return errors.New("host_id is required")
	}
	if c.LogLevel != "" && !validLogLevel(c.LogLevel) {
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	switch c.Database.Type {
	case "sqlite":
		if c.Database.DataDir == "" {
			return errors.New("database.data_dir required for sqlite database")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database type: %q", c.Database.Type)
	}
	switch c.Encryption.Type {
	case "", "age", "test":
	default:
		return fmt.Errorf("unknown encryption type: %q", c.Encryption.Type)
	}

	seen := make(map[string]bool)
	for i := range c.Profiles {
		p := &c.Profiles[i]
		if p.Name == "" {
			return fmt.Errorf("profile %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("profile %q: duplicate name", p.Name)
		}
		seen[p.Name] = true
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile %q: %w", p.Name, err)
		}
	}
	return nil
}

// Validate checks a profile's ranges and enumerated values.
func (p *ProfileConfig) Validate() error {
	if len(p.SourcePaths) == 0 {
		return errors.New("source_paths is required")
	}
	if p.DestinationPath == "" {
		return errors.New("destination_path is required")
	}
	if p.CompressionLevel < 0 || p.CompressionLevel > 9 {
		return fmt.Errorf("compression_level %d out of range 0-9", p.CompressionLevel)
	}
	if p.ThreadCount < 0 {
		return fmt.Errorf("thread_count %d must not be negative", p.ThreadCount)
	}
	switch p.Checksum {
	case "", "sha256", "xxh3", "blake3":
	default:
		return fmt.Errorf("unknown checksum %q", p.Checksum)
	}
	r := p.Retention
	if r.KeepDaily < 0 || r.KeepWeekly < 0 || r.KeepMonthly < 0 || r.KeepYearly < 0 {
		return errors.New("retention keep counts must not be negative")
	}
	switch r.BucketOrder {
	case "", "oldest", "newest":
	default:
		return fmt.Errorf("unknown retention bucket_order %q", r.BucketOrder)
	}
	return nil
}

func validLogLevel(level string) bool {
	for _, l := range LogLevels {
		if l == level {
			return true
		}
	}
	return false
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// WriteToFile replaces the config at path.
func WriteToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing config file: %w", err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := WriteToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
