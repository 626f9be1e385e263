package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const MiB = int64(1024 * 1024)

// Config holds all tunables for a relocation run.
type Config struct {
	Recovery struct {
		// ExtendedSize is the requested recovery partition size in bytes.
		// Magnitudes below 1 MiB are treated as a count of megabytes.
		ExtendedSize    int64  `yaml:"extended_size"`
		Letter          string `yaml:"letter"`
		BackupDir       string `yaml:"backup_dir"`
		DeleteBackup    bool   `yaml:"delete_backup"`
		MediaPath       string `yaml:"media_path"`
		MediaImageIndex int    `yaml:"media_image_index"`
	} `yaml:"recovery"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`

	Reporting struct {
		Enabled   bool   `yaml:"enabled"`
		LocalPath string `yaml:"local_path"`
		Format    string `yaml:"format"`
	} `yaml:"reporting"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}

	cfg.Recovery.ExtendedSize = 0
	cfg.Recovery.Letter = "R"
	cfg.Recovery.BackupDir = filepath.Join(os.TempDir(), "relocare")
	cfg.Recovery.DeleteBackup = false
	cfg.Recovery.MediaPath = ""
	cfg.Recovery.MediaImageIndex = 1

	cfg.Logging.Level = "INFO"
	cfg.Logging.File = ""

	cfg.Reporting.Enabled = true
	cfg.Reporting.LocalPath = "./reports"
	cfg.Reporting.Format = "json"

	return cfg
}

// Load reads a configuration file, falling back to defaults when the path
// is empty or the file does not exist.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks the configuration for consistency.
func Validate(config *Config) error {
	if config.Recovery.ExtendedSize < 0 {
		return fmt.Errorf("extended_size cannot be negative, got %d", config.Recovery.ExtendedSize)
	}

	letter := config.Recovery.Letter
	if len(letter) != 1 || letter[0] < 'A' || letter[0] > 'Z' {
		return fmt.Errorf("letter must be a single uppercase drive letter, got %q", letter)
	}
	switch letter {
	case "A", "B", "C":
		return fmt.Errorf("letter %s cannot be used as a transient recovery letter", letter)
	}

	if config.Recovery.MediaImageIndex < 1 {
		return fmt.Errorf("media_image_index must be at least 1, got %d", config.Recovery.MediaImageIndex)
	}

	validLevels := map[string]bool{
		"DEBUG": true,
		"INFO":  true,
		"WARN":  true,
		"ERROR": true,
	}
	if !validLevels[config.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	if config.Reporting.Enabled && config.Reporting.Format != "json" {
		return fmt.Errorf("unsupported report format: %s", config.Reporting.Format)
	}

	return nil
}

// Save writes the configuration to a file.
func Save(config *Config, path string) error {
	if err := Validate(config); err != nil {
		return fmt.Errorf("cannot save invalid config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
