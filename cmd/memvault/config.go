package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the CLI's YAML configuration, loaded from --config or the
// default location under the user's home directory.
type Config struct {
	DataDir      string  `yaml:"data_dir"`
	LogLevel     string  `yaml:"log_level,omitempty"`
	MaxElements  int     `yaml:"max_elements,omitempty"`
	StorageQuota int64   `yaml:"storage_quota_bytes,omitempty"`
	Diversity    float64 `yaml:"diversity,omitempty"`

	Sync SyncConfig `yaml:"sync,omitempty"`
}

// SyncConfig holds the optional multi-device sync settings.
type SyncConfig struct {
	Enabled   bool   `yaml:"enabled"`
	UserID    string `yaml:"user_id,omitempty"`
	Table     string `yaml:"table,omitempty"`
	AWSRegion string `yaml:"aws_region,omitempty"`
}

func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir:   filepath.Join(home, ".memvault"),
		LogLevel:  "warn",
		Diversity: 0.7,
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".memvault.yaml"
	}
	return filepath.Join(home, ".memvault.yaml")
}

// LoadConfig reads path, falling back to defaults when the file is absent.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = defaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
