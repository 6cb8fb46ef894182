package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/daviddao/eventfold/pkg/config"
	"github.com/daviddao/eventfold/pkg/logging"
	"github.com/daviddao/eventfold/pkg/metrics"
	"github.com/daviddao/eventfold/pkg/owner"
	"github.com/daviddao/eventfold/pkg/submitter"
	"github.com/daviddao/eventfold/pkg/transport"
	"github.com/daviddao/eventfold/pkg/watcher"
)

// app holds shared state for all CLI subcommands.
type app struct {
	cfgPath string
	cfg     *config.Config
	logger  *logging.Logger

	// Opened on first use so init can run before any medium exists.
	metrics *metrics.Metrics
	tr      *transport.Transport
}

// newApp loads the configuration and sets up logging.
func newApp() (*app, error) {
	path := envOr("EFOLD_CONFIG", config.ConfigPath())
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("cannot load config %q: %w", path, err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return &app{cfgPath: path, cfg: cfg, logger: logger}, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:     level,
		Format:    format,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		Component: "efold",
	})
}

// Close releases the transport and the log file.
func (a *app) Close() {
	if a.tr != nil {
		a.tr.Close()
	}
	if a.logger != nil {
		a.logger.Close()
	}
}

// resolveOwner applies a --owner flag on top of the configuration.
func (a *app) resolveOwner(flagVal string) (string, error) {
	if flagVal != "" {
		a.cfg.Owner = flagVal
	}
	if a.cfg.Owner == "" {
		return "", fmt.Errorf("no owner: pass --owner, set EFOLD_OWNER or run 'efold init'")
	}
	return a.cfg.Owner, nil
}

// transport opens the configured medium once.
func (a *app) transport() (*transport.Transport, error) {
	if a.tr != nil {
		return a.tr, nil
	}
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	a.metrics = metrics.New(a.cfg.Owner)
	tr, err := transport.Open(a.cfg, transport.Options{Logger: a.logger.Logger, Metrics: a.metrics})
	if err != nil {
		return nil, err
	}
	a.tr = tr
	return tr, nil
}

// openOwner restores the owner from the medium.
func (a *app) openOwner(ctx context.Context) (*owner.Owner, error) {
	tr, err := a.transport()
	if err != nil {
		return nil, err
	}
	return owner.Open(ctx, tr, owner.Options{
		Owner:        a.cfg.Owner,
		Logger:       a.logger.Logger,
		Metrics:      a.metrics,
		Threshold:    a.cfg.Checkpoint.Threshold,
		CompactAfter: a.cfg.Checkpoint.CompactAfter,
	})
}

// newSubmitter returns a submitter reading the owner's outbox.
func (a *app) newSubmitter() (*submitter.Submitter, error) {
	tr, err := a.transport()
	if err != nil {
		return nil, err
	}
	return submitter.New(tr, submitter.Options{
		Logger:  a.logger.Logger,
		Watcher: watcher.Options{Staleness: a.cfg.Staleness()},
	}), nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
