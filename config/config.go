// Package config loads the node's TOML configuration, writing defaults back
// on first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the node configuration.
type Config struct {
	DataDir     string `toml:"DataDir"`
	GenesisFile string `toml:"GenesisFile"`
	// ProducerKey is the hex-encoded block signing key; empty for
	// non-producing nodes.
	ProducerKey string `toml:"ProducerKey"`
	// ChargeFreeMode skips the implicit paycharge at finalize.
	ChargeFreeMode bool `toml:"ChargeFreeMode"`
	// LoadtestMode skips EVT-Link timestamp expiry checks.
	LoadtestMode bool `toml:"LoadtestMode"`
	// MaxSavepoints caps the token database undo stack; 0 keeps the default.
	MaxSavepoints int `toml:"MaxSavepoints"`
	// LogFile enables rotated file logging when set.
	LogFile string `toml:"LogFile"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{DataDir: defaultDataDir()}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".jmzkchain")
}
