package database

import (
	"fmt"
	"os"
	"path/filepath"

	"tm-go/internal/config"
	"tm-go/internal/tm"
)

// NewDatabaseFromConfig opens the metadata store described by cfg and
// migrates it to the latest schema.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, hostID string) (tm.Database, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data_dir: %w", err)
		}
		return open(filepath.Join(cfg.DataDir, hostID+".db"))
	case "memory":
		return open(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}

// open keeps a failed Open from becoming a non-nil interface.
func open(path string) (tm.Database, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return db, nil
}
