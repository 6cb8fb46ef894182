// Package config handles configuration loading, validation, and saving for
// eventfold participants.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/daviddao/eventfold/pkg/conn"
)

// Version is the current configuration schema version.
const Version = 1

// DefaultDir holds local state when no path is configured.
const DefaultDir = ".eventfold"

// Transport types.
const (
	TransportMemory = "memory"
	TransportSQLite = "sqlite"
	TransportDir    = "dir"
)

// Config holds the complete participant configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Owner is the id of the owner space to read from or write to.
	Owner string `toml:"owner" json:"owner" yaml:"owner"`

	Transport  TransportConfig  `toml:"transport" json:"transport" yaml:"transport"`
	Retry      RetryConfig      `toml:"retry" json:"retry" yaml:"retry"`
	Checkpoint CheckpointConfig `toml:"checkpoint" json:"checkpoint" yaml:"checkpoint"`
	Watcher    WatcherConfig    `toml:"watcher" json:"watcher" yaml:"watcher"`
	Daemon     DaemonConfig     `toml:"daemon" json:"daemon" yaml:"daemon"`
	Logging    LoggingConfig    `toml:"logging" json:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// TransportConfig selects the shared medium.
type TransportConfig struct {
	// Type is "memory", "sqlite" or "dir".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the database file (sqlite) or root directory (dir).
	Path string `toml:"path" json:"path" yaml:"path"`
}

// RetryConfig mirrors conn.RetryPolicy in config-file units.
type RetryConfig struct {
	MaxRetries  int `toml:"max_retries" json:"max_retries" yaml:"max_retries"`
	BaseDelayMs int `toml:"base_delay_ms" json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs  int `toml:"max_delay_ms" json:"max_delay_ms" yaml:"max_delay_ms"`

	// TimeoutMs bounds each transport call. 0 disables the timeout.
	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
}

// CheckpointConfig controls checkpointing on the owner.
type CheckpointConfig struct {
	// Threshold is how many buffered events trigger an incremental
	// checkpoint after a sync. 0 disables automatic checkpoints.
	Threshold int `toml:"threshold" json:"threshold" yaml:"threshold"`

	// CompactAfter folds incrementals into a new full checkpoint once this
	// many have accumulated. 0 disables automatic compaction.
	CompactAfter int `toml:"compact_after" json:"compact_after" yaml:"compact_after"`
}

// WatcherConfig controls submitter-side refresh.
type WatcherConfig struct {
	// StalenessSec is how old the watcher view may get before a proposal
	// triggers a refresh.
	StalenessSec int `toml:"staleness_sec" json:"staleness_sec" yaml:"staleness_sec"`
}

// DaemonConfig controls the owner daemon loop.
type DaemonConfig struct {
	// IntervalSec is the inbox poll interval.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`

	// WatchInbox wakes the daemon on inbox file events (dir transport only).
	WatchInbox bool `toml:"watch_inbox" json:"watch_inbox" yaml:"watch_inbox"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stderr", "stdout" or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is used when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// MetricsConfig controls the Prometheus endpoint of the daemon.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Transport: TransportConfig{
			Type: TransportSQLite,
			Path: filepath.Join(DefaultDir, "eventfold.db"),
		},
		Retry: RetryConfig{
			MaxRetries:  conn.DefaultRetryPolicy.MaxRetries,
			BaseDelayMs: int(conn.DefaultRetryPolicy.BaseDelay / time.Millisecond),
			MaxDelayMs:  int(conn.DefaultRetryPolicy.MaxDelay / time.Millisecond),
			TimeoutMs:   int(conn.DefaultRetryPolicy.Timeout / time.Millisecond),
		},
		Checkpoint: CheckpointConfig{Threshold: 100, CompactAfter: 10},
		Watcher:    WatcherConfig{StalenessSec: 3600},
		Daemon:     DaemonConfig{IntervalSec: 5, WatchInbox: true},
		Logging:    LoggingConfig{Level: "info", Format: "text", Output: "stderr"},
		Metrics:    MetricsConfig{Enabled: false, Listen: "127.0.0.1:9464"},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DefaultDir, "config.toml")
}

// Load reads configuration from path. A missing file yields the defaults.
// TOML, JSON and YAML are chosen by extension; anything else is read as
// TOML. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Save writes c to path in the format implied by its extension.
func (c *Config) Save(path string) error {
	var data []byte
	var err error
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. Variables are prefixed with EFOLD_.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("EFOLD_OWNER"); v != "" {
		c.Owner = v
	}
	if v := os.Getenv("EFOLD_TRANSPORT"); v != "" {
		c.Transport.Type = v
	}
	if v := os.Getenv("EFOLD_TRANSPORT_PATH"); v != "" {
		c.Transport.Path = v
	}
	if v := os.Getenv("EFOLD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("EFOLD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("EFOLD_CHECKPOINT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Checkpoint.Threshold = n
		}
	}
	if v := os.Getenv("EFOLD_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
		c.Metrics.Enabled = true
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// RetryPolicy converts the retry section into a router policy.
func (c *Config) RetryPolicy() conn.RetryPolicy {
	return conn.RetryPolicy{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
		Timeout:    time.Duration(c.Retry.TimeoutMs) * time.Millisecond,
	}
}

// Staleness returns the watcher staleness window.
func (c *Config) Staleness() time.Duration {
	return time.Duration(c.Watcher.StalenessSec) * time.Second
}

// Interval returns the daemon poll interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Daemon.IntervalSec) * time.Second
}
