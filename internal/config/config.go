// Package config handles configuration loading, validation, and management
// for filesentry.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version"`

	// Monitor configuration for the directory monitoring loop.
	Monitor MonitorConfig `toml:"monitor"`

	// Scan configuration for the scoring pipeline.
	Scan ScanConfig `toml:"scan"`

	// Reputation configuration for hash-verdict lookups.
	Reputation ReputationConfig `toml:"reputation"`

	// Quarantine configuration for threat isolation.
	Quarantine QuarantineConfig `toml:"quarantine"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging"`
}

// MonitorConfig holds the directory monitoring options.
type MonitorConfig struct {
	// AutoScanEnabled starts the monitoring loop at daemon startup.
	// Toggling it at runtime starts or stops monitoring.
	AutoScanEnabled bool `toml:"auto_scan_enabled"`

	// Paths is the list of watched roots.
	Paths []string `toml:"paths"`

	// PollIntervalMs is the baseline diff interval in milliseconds.
	PollIntervalMs int `toml:"poll_interval_ms"`

	// MaxPendingScans bounds the scan queue; the oldest pending
	// candidate is dropped when the queue is full.
	MaxPendingScans int `toml:"max_pending_scans"`

	// Workers is the number of scan workers consuming the queue.
	Workers int `toml:"workers"`

	// RulesPath optionally overrides the embedded heuristic ruleset.
	RulesPath string `toml:"rules_path"`
}

// ScanConfig holds pipeline options.
type ScanConfig struct {
	// FileTimeoutSec is the per-file scan timeout in seconds.
	FileTimeoutSec int `toml:"file_timeout_sec"`

	// BatchParallelism bounds concurrent scans in a batch.
	BatchParallelism int `toml:"batch_parallelism"`

	// HistoryLimit caps the persisted scan history (newest first).
	HistoryLimit int `toml:"history_limit"`
}

// ReputationConfig holds remote lookup options.
type ReputationConfig struct {
	// Enabled turns remote reputation lookups on. The engine is fully
	// functional offline; lookups are advisory.
	Enabled bool `toml:"enabled"`

	// Endpoint is the threat-intelligence API URL.
	Endpoint string `toml:"endpoint"`

	// APIKey authenticates lookups when the endpoint requires it.
	APIKey string `toml:"api_key"`
}

// QuarantineConfig holds threat isolation options.
type QuarantineConfig struct {
	// Enabled allows automatic quarantine of escalated files.
	Enabled bool `toml:"enabled"`

	// Dir is the vault directory for neutralized files.
	Dir string `toml:"dir"`

	// NotificationsEnabled turns user notifications on.
	NotificationsEnabled bool `toml:"notifications_enabled"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is the storage backend: "sqlite" or "memory".
	Type string `toml:"type"`

	// Path is the database file path (for sqlite).
	Path string `toml:"path"`
}

// LoggingConfig holds logging options.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
	File   string `toml:"file"`
}

// Default returns the default configuration for this platform.
func Default() *Config {
	dataDir := PlatformDataDir()
	return &Config{
		Version: Version,
		Monitor: MonitorConfig{
			AutoScanEnabled: true,
			Paths:           defaultWatchPaths(),
			PollIntervalMs:  5000,
			MaxPendingScans: 64,
			Workers:         2,
		},
		Scan: ScanConfig{
			FileTimeoutSec:   30,
			BatchParallelism: 4,
			HistoryLimit:     200,
		},
		Reputation: ReputationConfig{
			Enabled: false,
		},
		Quarantine: QuarantineConfig{
			Enabled:              true,
			Dir:                  filepath.Join(dataDir, "quarantine"),
			NotificationsEnabled: true,
		},
		Storage: StorageConfig{
			Type: "sqlite",
			Path: filepath.Join(dataDir, "filesentry.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads a TOML config file, filling unset fields with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads the config file when it exists, otherwise returns
// the platform defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Save writes the config as TOML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Version < 1 {
		return errors.New("version must be >= 1")
	}
	if c.Monitor.PollIntervalMs <= 0 {
		return errors.New("monitor.poll_interval_ms must be positive")
	}
	if c.Monitor.MaxPendingScans <= 0 {
		return errors.New("monitor.max_pending_scans must be positive")
	}
	if c.Monitor.Workers <= 0 {
		return errors.New("monitor.workers must be positive")
	}
	if c.Scan.FileTimeoutSec <= 0 {
		return errors.New("scan.file_timeout_sec must be positive")
	}
	if c.Scan.BatchParallelism <= 0 {
		return errors.New("scan.batch_parallelism must be positive")
	}
	if c.Scan.HistoryLimit <= 0 {
		return errors.New("scan.history_limit must be positive")
	}
	switch c.Storage.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.type must be sqlite or memory, got %q", c.Storage.Type)
	}
	if c.Reputation.Enabled && c.Reputation.Endpoint == "" {
		return errors.New("reputation.endpoint required when reputation is enabled")
	}
	return nil
}
