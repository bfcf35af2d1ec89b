package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths are the locations tm falls back to before a config file exists.
type Paths struct {
	// ConfigPath is the TOML config file.
	ConfigPath string

	// BaseDir holds the age keys, the metadata database and the logs.
	BaseDir string
}

// DefaultPaths resolves Paths from the environment.
//
// TM_CONFIG_PATH and TM_HOME win. Otherwise the config lives in
// $XDG_CONFIG_HOME/tm/config.toml and data in $XDG_DATA_HOME/tm, with the
// usual ~/.config and ~/.local/share fallbacks.
func DefaultPaths() (Paths, error) {
	var p Paths

	p.ConfigPath = os.Getenv("TM_CONFIG_PATH")
	if p.ConfigPath == "" {
		dir, err := xdgDir("XDG_CONFIG_HOME", ".config")
		if err != nil {
			return Paths{}, err
		}
		p.ConfigPath = filepath.Join(dir, "tm", "config.toml")
	}

	p.BaseDir = os.Getenv("TM_HOME")
	if p.BaseDir == "" {
		dir, err := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
		if err != nil {
			return Paths{}, err
		}
		p.BaseDir = filepath.Join(dir, "tm")
	}
	return p, nil
}

func xdgDir(env, fallback string) (string, error) {
	if dir := os.Getenv(env); filepath.IsAbs(dir) {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, fallback), nil
}
