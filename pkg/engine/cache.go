// Package engine implements the owner's event cache: the authoritative DAG
// of accepted events, optimistic-concurrency validation of proposals, and
// synthesis of merge events that bring the DAG back to a single head.
//
// The materialized state of a node is the anchor's snapshot plus every
// ancestor event folded in timestamp order. Because event timestamps are a
// topological order, the cache keeps the state at the current head by
// applying each inserted event only when it is newer than the path's
// current writer.
//
// Cache is not goroutine-safe; the owner serializes all calls.
package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/daviddao/eventfold/pkg/clock"
	"github.com/daviddao/eventfold/pkg/dag"
	"github.com/daviddao/eventfold/pkg/model"
)

// Options configures a Cache. Zero values pick sensible defaults.
type Options struct {
	Owner  string
	Clock  *clock.Clock
	NewID  func() string
	Logger *slog.Logger
}

// Cache is the owner event cache.
type Cache struct {
	owner  string
	graph  *dag.Graph
	clock  *clock.Clock
	newID  func() string
	logger *slog.Logger

	// base is the snapshot the root stands for: empty for a genesis root,
	// the restored checkpoint files for an anchor.
	base    map[string]model.FileState
	files   map[string]writer
	writers map[string][]string // path -> event ids in timestamp order
}

// writer records which event produced a path's materialized state.
type writer struct {
	state model.FileState
	ts    time.Time
	id    string
}

func newCache(opts Options) *Cache {
	c := &Cache{
		owner:   opts.Owner,
		graph:   dag.New(),
		clock:   opts.Clock,
		newID:   opts.NewID,
		logger:  opts.Logger,
		base:    map[string]model.FileState{},
		files:   map[string]writer{},
		writers: map[string][]string{},
	}
	if c.clock == nil {
		c.clock = clock.New(nil)
	}
	if c.newID == nil {
		c.newID = func() string { return ulid.Make().String() }
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "engine")
	return c
}

// NewCache returns a cache holding a fresh genesis root.
func NewCache(opts Options) *Cache {
	c := newCache(opts)
	root := model.Event{ID: c.newID(), IsRoot: true}
	root.EventTimestamp = c.clock.Tick()
	root.SubmittedTimestamp = root.EventTimestamp
	if err := c.graph.Insert(root); err != nil {
		// An empty graph accepts any parentless event.
		panic(err)
	}
	return c
}

// NewEmptyCache returns a cache without a root. The first Insert must be
// the root of the replayed log.
func NewEmptyCache(opts Options) *Cache {
	return newCache(opts)
}

// NewCacheFromSnapshot returns a cache anchored at a checkpoint: headID
// becomes the root and stands for files as of ts.
func NewCacheFromSnapshot(opts Options, headID string, ts time.Time, files map[string]model.FileState) (*Cache, error) {
	if headID == "" {
		return nil, fmt.Errorf("%w: snapshot without head id", ErrMalformed)
	}
	c := newCache(opts)
	anchor := model.Event{ID: headID, IsRoot: true, EventTimestamp: ts, SubmittedTimestamp: ts}
	if err := c.graph.Insert(anchor); err != nil {
		return nil, err
	}
	if c.clock.Value().Before(ts) {
		c.clock.Set(ts)
	}
	for path, f := range files {
		if !f.Valid() {
			return nil, fmt.Errorf("%w: snapshot hash mismatch for %s", ErrMalformed, path)
		}
		c.base[path] = model.FileState{Content: append([]byte(nil), f.Content...), Hash: f.Hash}
		c.files[path] = writer{state: c.base[path], ts: ts, id: headID}
	}
	return c, nil
}

// ProcessProposedEvent validates p against the DAG and, if accepted, inserts
// it together with any merge events needed to restore a single head. The
// merge events are returned in insertion order.
func (c *Cache) ProcessProposedEvent(p model.ProposedChange) (model.Event, []model.Event, error) {
	if err := validateProposal(p); err != nil {
		return model.Event{}, nil, err
	}
	if _, dup := c.graph.Locate(p.ID); dup {
		return model.Event{}, nil, fmt.Errorf("%w: %s", ErrDuplicate, p.ID)
	}
	if _, ok := c.graph.Locate(p.ParentID); !ok {
		return model.Event{}, nil, fmt.Errorf("%w: %s", ErrUnknownParent, p.ParentID)
	}
	if actual := c.hashAt(p.ParentID, p.Path); actual != p.OldHash {
		return model.Event{}, nil, &OutdatedError{Path: p.Path, Expected: p.OldHash, Actual: actual}
	}

	e := model.EventFromProposal(p, c.clock.Tick(), p.ParentID)
	fastForward := c.graph.IsHead(p.ParentID)
	prev, hadPrev := c.files[p.Path]
	if err := c.insert(e); err != nil {
		return model.Event{}, nil, err
	}
	if fastForward {
		c.logger.Debug("accepted", "event_id", e.ID, "parent_id", p.ParentID, "path", p.Path)
		return e.Clone(), nil, nil
	}

	merges, err := c.createMergeHeadEvents()
	if err != nil {
		c.rollback(e, prev, hadPrev)
		return model.Event{}, nil, err
	}
	for _, m := range merges {
		if err := c.insert(m); err != nil {
			return model.Event{}, nil, fmt.Errorf("insert merge %s: %w", m.ID, err)
		}
	}
	c.logger.Info("merged concurrent branch",
		"event_id", e.ID, "parent_id", p.ParentID, "path", p.Path,
		"merge_events", len(merges), "head", c.Head().ID)

	out := make([]model.Event, len(merges))
	for i, m := range merges {
		out[i] = m.Clone()
	}
	return e.Clone(), out, nil
}

// Insert adds an already-accepted event during replay. Parents must be
// present; no validation or merging happens.
func (c *Cache) Insert(e model.Event) error {
	if err := c.insert(e); err != nil {
		return err
	}
	c.clock.Receive(e.EventTimestamp)
	return nil
}

func (c *Cache) insert(e model.Event) error {
	if err := c.graph.Insert(e); err != nil {
		return err
	}
	c.apply(e)
	return nil
}

func (c *Cache) apply(e model.Event) {
	if e.NoOp() {
		return
	}
	ids := c.writers[e.Path]
	i := sort.Search(len(ids), func(i int) bool {
		n, _ := c.graph.Locate(ids[i])
		return clock.TotalOrderLess(e.EventTimestamp, e.ID, n.Event.EventTimestamp, n.Event.ID)
	})
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = e.ID
	c.writers[e.Path] = ids

	cur, ok := c.files[e.Path]
	if ok && !clock.TotalOrderLess(cur.ts, cur.id, e.EventTimestamp, e.ID) {
		return
	}
	c.files[e.Path] = writer{
		state: model.FileState{Content: append([]byte(nil), e.Content...), Hash: e.NewHash},
		ts:    e.EventTimestamp,
		id:    e.ID,
	}
}

func (c *Cache) rollback(e model.Event, prev writer, hadPrev bool) {
	if err := c.graph.Detach(e.ID); err != nil {
		c.logger.Error("rollback failed", "event_id", e.ID, "err", err)
		return
	}
	ids := c.writers[e.Path]
	for i, id := range ids {
		if id == e.ID {
			c.writers[e.Path] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if hadPrev {
		c.files[e.Path] = prev
	} else {
		delete(c.files, e.Path)
	}
}

// hashAt returns the hash of path as materialized at node id.
func (c *Cache) hashAt(id, path string) string {
	heads := c.graph.Heads()
	if len(heads) == 1 && heads[0] == id {
		return c.files[path].state.Hash
	}
	at, _ := c.graph.Locate(id)
	ids := c.writers[path]
	for i := len(ids) - 1; i >= 0; i-- {
		w, _ := c.graph.Locate(ids[i])
		if w.Event.EventTimestamp.After(at.Event.EventTimestamp) {
			continue
		}
		if c.graph.IsAncestor(ids[i], id) {
			return w.Event.NewHash
		}
	}
	return c.base[path].Hash
}

func validateProposal(p model.ProposedChange) error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: empty id", ErrMalformed)
	case p.Path == "":
		return fmt.Errorf("%w: %s: empty path", ErrMalformed, p.ID)
	case p.ParentID == "":
		return fmt.Errorf("%w: %s: empty parent id", ErrMalformed, p.ID)
	case p.NewHash != model.HashContent(p.Content):
		return fmt.Errorf("%w: %s: new_hash does not match content", ErrMalformed, p.ID)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Accessors
// ----------------------------------------------------------------------------

// Owner returns the owner id the cache was built for.
func (c *Cache) Owner() string { return c.owner }

// Head returns the latest head. After ProcessProposedEvent returns there is
// exactly one.
func (c *Cache) Head() model.Event {
	heads := c.graph.Heads()
	if len(heads) == 0 {
		return model.Event{}
	}
	e, _ := c.graph.Event(heads[len(heads)-1])
	return e
}

// Heads returns all head ids in (timestamp, id) order.
func (c *Cache) Heads() []string { return c.graph.Heads() }

// Root returns the root (genesis or anchor) id.
func (c *Cache) Root() string { return c.graph.Root() }

// Files returns a copy of the materialized state at the head.
func (c *Cache) Files() map[string]model.FileState {
	out := make(map[string]model.FileState, len(c.files))
	for path, w := range c.files {
		out[path] = model.FileState{Content: append([]byte(nil), w.state.Content...), Hash: w.state.Hash}
	}
	return out
}

// File returns the materialized state of one path at the head.
func (c *Cache) File(path string) (model.FileState, bool) {
	w, ok := c.files[path]
	if !ok {
		return model.FileState{}, false
	}
	return model.FileState{Content: append([]byte(nil), w.state.Content...), Hash: w.state.Hash}, true
}

// FileHash returns the hash of path at the head, "" if absent.
func (c *Cache) FileHash(path string) string { return c.files[path].state.Hash }

// FileHashAt returns the hash of path as materialized at event id.
func (c *Cache) FileHashAt(id, path string) (string, error) {
	if _, ok := c.graph.Locate(id); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownParent, id)
	}
	return c.hashAt(id, path), nil
}

// Lookup returns a copy of an accepted event.
func (c *Cache) Lookup(id string) (model.Event, bool) { return c.graph.Event(id) }

// Events returns every event in insertion order, root first.
func (c *Cache) Events() []model.Event {
	ids := c.graph.Order()
	out := make([]model.Event, 0, len(ids))
	for _, id := range ids {
		e, _ := c.graph.Event(id)
		out = append(out, e)
	}
	return out
}

// Len returns the number of events including the root.
func (c *Cache) Len() int { return c.graph.Len() }

// Verify checks causal integrity and convergence.
func (c *Cache) Verify() error {
	if err := c.graph.Verify(); err != nil {
		return err
	}
	if heads := c.graph.Heads(); len(heads) != 1 {
		return fmt.Errorf("%w: %d heads", dag.ErrIntegrity, len(heads))
	}
	return nil
}
