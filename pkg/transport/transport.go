// Package transport opens the configured shared medium and wraps it in a
// retrying conn.Router.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/daviddao/eventfold/pkg/config"
	"github.com/daviddao/eventfold/pkg/conn"
	"github.com/daviddao/eventfold/pkg/conn/dirconn"
	"github.com/daviddao/eventfold/pkg/conn/memconn"
	"github.com/daviddao/eventfold/pkg/metrics"
	"github.com/daviddao/eventfold/pkg/store"
)

// Transport is a routed connection plus the medium-specific extras the
// daemon and CLI use.
type Transport struct {
	*conn.Router

	kind string
	hub  *memconn.Hub
	db   store.StoreInterface
	dir  *dirconn.Conn
	root string
}

// Options carries the optional collaborators of Open.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Hub is the shared medium for the memory transport. nil creates a
	// private one.
	Hub *memconn.Hub
}

// Open connects to cfg.Owner's space on the configured medium.
func Open(cfg *config.Config, opts Options) (*Transport, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := &Transport{kind: cfg.Transport.Type}
	var next conn.Connection
	switch cfg.Transport.Type {
	case config.TransportMemory:
		t.hub = opts.Hub
		if t.hub == nil {
			t.hub = memconn.NewHub()
		}
		next = t.hub.Open(cfg.Owner)
	case config.TransportSQLite:
		if dir := filepath.Dir(cfg.Transport.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create %s: %w", dir, err)
			}
		}
		s, err := store.New(cfg.Transport.Path, cfg.Owner)
		if err != nil {
			return nil, fmt.Errorf("open sqlite transport %q: %w", cfg.Transport.Path, err)
		}
		t.db = s
		next = s
	case config.TransportDir:
		d, err := dirconn.Open(cfg.Transport.Path, cfg.Owner)
		if err != nil {
			return nil, fmt.Errorf("open dir transport %q: %w", cfg.Transport.Path, err)
		}
		t.dir = d
		t.root = cfg.Transport.Path
		next = d
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", conn.ErrMalformed, cfg.Transport.Type)
	}

	t.Router = conn.NewRouter(next,
		conn.WithPolicy(cfg.RetryPolicy()),
		conn.WithLogger(opts.Logger),
		conn.WithMetrics(opts.Metrics),
	)
	opts.Logger.Debug("transport opened", "component", "transport", "type", t.kind, "owner", cfg.Owner)
	return t, nil
}

// Kind returns the configured transport type.
func (t *Transport) Kind() string { return t.kind }

// Wake returns a channel signalled when new inbox entries may be waiting,
// or nil when the medium cannot notify. A nil channel blocks forever in a
// select, so callers can use it unconditionally.
func (t *Transport) Wake(ctx context.Context) (<-chan struct{}, error) {
	if t.dir == nil {
		return nil, nil
	}
	return t.dir.Watch(ctx)
}

// Owners lists the owner spaces present on the medium.
func (t *Transport) Owners(ctx context.Context) ([]string, error) {
	switch {
	case t.hub != nil:
		return t.hub.Owners(), nil
	case t.db != nil:
		return t.db.Owners(ctx)
	case t.dir != nil:
		return dirconn.Owners(t.root)
	}
	return nil, nil
}

// Stats returns row counts when the medium is a database.
func (t *Transport) Stats(ctx context.Context) (*store.Stats, error) {
	if t.db == nil {
		return nil, nil
	}
	st, err := t.db.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
