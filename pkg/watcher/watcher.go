// Package watcher keeps a submitter's read-only view of an owner's history.
//
// The watcher follows the owner's outbox with a timestamp cursor, like a
// mail reader polling for new messages. It is the submitter's source for
// the parent id and old hash of the next proposal.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/daviddao/eventfold/pkg/conn"
	"github.com/daviddao/eventfold/pkg/model"
)

// ErrNeverSynced is returned before the first successful SyncDown.
var ErrNeverSynced = errors.New("watcher: never synced")

// DefaultStaleness is how old a sync may get before SyncDownIfNeeded
// refreshes.
const DefaultStaleness = time.Hour

// Options configures a Cache.
type Options struct {
	Staleness time.Duration    // zero uses DefaultStaleness
	Now       func() time.Time // nil uses time.Now
	Logger    *slog.Logger
}

// Cache is the watcher's event list. Safe for concurrent use.
type Cache struct {
	conn      conn.Connection
	staleness time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.RWMutex
	events   []model.Event
	seen     map[string]struct{}
	lastSync time.Time
}

// New returns an empty watcher reading from c.
func New(c conn.Connection, opts Options) *Cache {
	if opts.Staleness <= 0 {
		opts.Staleness = DefaultStaleness
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		conn:      c,
		staleness: opts.Staleness,
		now:       opts.Now,
		logger:    opts.Logger.With("component", "watcher"),
		seen:      map[string]struct{}{},
	}
}

// SyncDown fetches outbox events the watcher has not seen. The cursor is
// the latest known timestamp, inclusive, so events sharing it are not
// missed. It returns how many new events arrived.
func (w *Cache) SyncDown(ctx context.Context) (int, error) {
	w.mu.RLock()
	var since time.Time
	if n := len(w.events); n > 0 {
		since = w.events[n-1].EventTimestamp
	}
	w.mu.RUnlock()

	fetched, err := w.conn.GetOutboxEventsSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("watcher sync: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	added := 0
	for _, e := range fetched {
		if _, dup := w.seen[e.ID]; dup {
			continue
		}
		w.seen[e.ID] = struct{}{}
		w.events = append(w.events, e.Clone())
		added++
	}
	if added > 0 {
		conn.SortEvents(w.events)
	}
	w.lastSync = w.now()
	w.logger.Debug("synced", "new", added, "events", len(w.events))
	return added, nil
}

// SyncDownIfNeeded syncs when the watcher never synced or its last sync is
// older than the staleness window. It reports whether a sync ran.
func (w *Cache) SyncDownIfNeeded(ctx context.Context) (bool, error) {
	if !w.Stale() {
		return false, nil
	}
	if _, err := w.SyncDown(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Stale reports whether SyncDownIfNeeded would sync now.
func (w *Cache) Stale() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastSync.IsZero() || w.now().Sub(w.lastSync) > w.staleness
}

// HeadForNewEvent returns the most recent known event, the parent a new
// proposal should anchor on.
func (w *Cache) HeadForNewEvent() (model.Event, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.lastSync.IsZero() {
		return model.Event{}, ErrNeverSynced
	}
	if len(w.events) == 0 {
		return model.Event{}, fmt.Errorf("%w: outbox is empty", ErrNeverSynced)
	}
	return w.events[len(w.events)-1].Clone(), nil
}

// FileHash returns the hash of path as of the watcher head, or "" when the
// path does not exist there. The owner converges after every acceptance,
// so the newest event touching path carries its current content.
func (w *Cache) FileHash(path string) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for i := len(w.events) - 1; i >= 0; i-- {
		if w.events[i].Path == path {
			return w.events[i].NewHash
		}
	}
	return ""
}

// Events returns a copy of the known events in (timestamp, id) order.
func (w *Cache) Events() []model.Event {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]model.Event, len(w.events))
	for i, e := range w.events {
		out[i] = e.Clone()
	}
	return out
}

// LastSync returns the time of the last successful sync; zero if none.
func (w *Cache) LastSync() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastSync
}

// Latest returns the newest known event timestamp.
func (w *Cache) Latest() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.events) == 0 {
		return time.Time{}
	}
	return w.events[len(w.events)-1].EventTimestamp
}
