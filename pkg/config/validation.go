package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig reports every problem in c at once.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Version < 1 || c.Version > Version {
		add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}
	if c.Owner == "" {
		add("owner", "required (set it in the config file or EFOLD_OWNER)")
	} else if strings.ContainsAny(c.Owner, `/\`) || strings.HasPrefix(c.Owner, ".") {
		add("owner", "%q cannot be used as a directory name", c.Owner)
	}

	switch c.Transport.Type {
	case TransportMemory:
	case TransportSQLite, TransportDir:
		if c.Transport.Path == "" {
			add("transport.path", "required for %s transport", c.Transport.Type)
		}
	default:
		add("transport.type", "unknown transport %q (want memory, sqlite or dir)", c.Transport.Type)
	}

	if c.Retry.MaxRetries < 0 {
		add("retry.max_retries", "must be >= 0")
	}
	if c.Retry.BaseDelayMs < 0 {
		add("retry.base_delay_ms", "must be >= 0")
	}
	if c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		add("retry.max_delay_ms", "must be >= base_delay_ms")
	}
	if c.Retry.TimeoutMs < 0 {
		add("retry.timeout_ms", "must be >= 0")
	}

	if c.Checkpoint.Threshold < 0 {
		add("checkpoint.threshold", "must be >= 0")
	}
	if c.Checkpoint.CompactAfter < 0 {
		add("checkpoint.compact_after", "must be >= 0")
	}
	if c.Watcher.StalenessSec < 0 {
		add("watcher.staleness_sec", "must be >= 0")
	}
	if c.Daemon.IntervalSec < 1 {
		add("daemon.interval_sec", "must be >= 1")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		add("logging.format", "unknown format %q (want text or json)", c.Logging.Format)
	}
	switch c.Logging.Output {
	case "stderr", "stdout", "":
	case "file":
		if c.Logging.FilePath == "" {
			add("logging.file_path", "required when output is file")
		}
	default:
		add("logging.output", "unknown output %q", c.Logging.Output)
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		add("metrics.listen", "required when metrics are enabled")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
