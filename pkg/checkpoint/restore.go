package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/daviddao/eventfold/pkg/conn"
	"github.com/daviddao/eventfold/pkg/engine"
	"github.com/daviddao/eventfold/pkg/model"
)

// Source says where a restored cache came from.
type Source string

const (
	SourceCheckpoint Source = "checkpoint"
	SourceLog        Source = "log"
	SourceFresh      Source = "fresh"
)

// Restored is the outcome of Restore.
type Restored struct {
	Cache    *engine.Cache
	Source   Source
	Replayed int // events inserted on top of the anchor or root
}

// Fresh reports whether the cache holds a brand-new genesis root that has
// not been persisted yet.
func (r Restored) Fresh() bool { return r.Source == SourceFresh }

// Restore rebuilds the owner cache. With a usable full checkpoint the cache
// is anchored at the latest checkpoint head and the rolling events and log
// tail are replayed on top. A missing or corrupt checkpoint falls back to
// replaying the whole log; no checkpoint and no log yields a fresh cache.
func (m *Manager) Restore(ctx context.Context, opts engine.Options) (Restored, error) {
	r, err := m.restoreFromCheckpoint(ctx, opts)
	if err == nil {
		return r, nil
	}
	missing := errors.Is(err, conn.ErrNotFound)
	if !missing && !errors.Is(err, conn.ErrCorrupt) && !errors.Is(err, engine.ErrMalformed) {
		return Restored{}, err
	}
	if !missing {
		m.logger.Warn("checkpoint unusable, replaying full log", "err", err)
	}

	events, err := m.conn.GetAllEvents(ctx)
	if err != nil {
		return Restored{}, fmt.Errorf("get all events: %w", err)
	}
	if len(events) == 0 {
		if !missing {
			return Restored{}, ErrNoHistory
		}
		m.hasFull, m.nextSeq, m.rolling = false, 1, nil
		c := engine.NewCache(opts)
		m.logger.Info("starting fresh history", "root", c.Root())
		return Restored{Cache: c, Source: SourceFresh}, nil
	}
	return m.restoreFromLog(events, opts)
}

func (m *Manager) restoreFromLog(events []model.Event, opts engine.Options) (Restored, error) {
	conn.SortEvents(events)
	c := engine.NewEmptyCache(opts)
	for _, e := range events {
		if err := c.Insert(e); err != nil {
			return Restored{}, fmt.Errorf("replay %s: %w", e.ID, err)
		}
	}
	if err := c.Verify(); err != nil {
		return Restored{}, fmt.Errorf("replayed log: %w", err)
	}

	// Without a usable checkpoint nothing is covered yet; buffer everything
	// after the root so the next checkpoint run writes a full one.
	m.hasFull, m.nextSeq = false, 1
	m.rolling = nil
	for _, e := range c.Events()[1:] {
		m.rolling = append(m.rolling, e)
	}
	m.logger.Info("restored from log", "events", c.Len(), "head", c.Head().ID)
	return Restored{Cache: c, Source: SourceLog, Replayed: c.Len() - 1}, nil
}

func (m *Manager) restoreFromCheckpoint(ctx context.Context, opts engine.Options) (Restored, error) {
	full, err := m.conn.DownloadFullCheckpoint(ctx)
	if err != nil {
		return Restored{}, err
	}
	incs, err := m.conn.ListIncrementalCheckpoints(ctx)
	if err != nil {
		return Restored{}, err
	}
	incs = current(full, incs)
	for i, inc := range incs {
		if inc.SequenceNo != int64(i+1) {
			return Restored{}, fmt.Errorf("%w: incremental sequence %d at position %d", conn.ErrCorrupt, inc.SequenceNo, i+1)
		}
	}
	snap := Fold(full, incs)

	c, err := engine.NewCacheFromSnapshot(opts, snap.HeadID, snap.LastEventTimestamp, snap.Files)
	if err != nil {
		return Restored{}, err
	}

	var rollingEvents []model.Event
	rs, err := m.conn.DownloadRollingState(ctx)
	switch {
	case err == nil:
		rollingEvents = rs.Events
	case errors.Is(err, conn.ErrNotFound):
	case errors.Is(err, conn.ErrCorrupt):
		m.logger.Warn("rolling state unusable, relying on log tail", "err", err)
	default:
		return Restored{}, err
	}
	tail, err := m.conn.GetEventsSince(ctx, snap.LastEventTimestamp)
	if err != nil {
		return Restored{}, err
	}

	replay := append(append([]model.Event(nil), rollingEvents...), tail...)
	conn.SortEvents(replay)
	m.rolling = nil
	replayed := 0
	for _, e := range replay {
		if _, dup := c.Lookup(e.ID); dup {
			continue
		}
		if e.EventTimestamp.Before(snap.LastEventTimestamp) {
			continue
		}
		e = reparent(c, e)
		if err := c.Insert(e); err != nil {
			return Restored{}, fmt.Errorf("replay %s: %w", e.ID, err)
		}
		m.rolling = append(m.rolling, e)
		replayed++
	}
	m.hasFull = true
	m.nextSeq = int64(len(incs)) + 1
	m.logger.Info("restored from checkpoint",
		"head", c.Head().ID, "anchor", snap.HeadID, "incrementals", len(incs), "replayed", replayed)
	return Restored{Cache: c, Source: SourceCheckpoint, Replayed: replayed}, nil
}

// current drops incrementals left over from before full was written, e.g.
// when a full checkpoint commit failed after its upload.
func current(full model.FullCheckpoint, incs []model.IncrementalCheckpoint) []model.IncrementalCheckpoint {
	out := make([]model.IncrementalCheckpoint, 0, len(incs))
	for _, inc := range incs {
		if inc.LastEventTimestamp.After(full.LastEventTimestamp) {
			out = append(out, inc)
		}
	}
	return out
}

// reparent points parents that predate the anchor at the anchor itself;
// their effect is already part of the anchor's snapshot.
func reparent(c *engine.Cache, e model.Event) model.Event {
	parents := make([]string, 0, len(e.ParentIDs))
	anchored := false
	for _, p := range e.ParentIDs {
		if _, ok := c.Lookup(p); ok {
			parents = append(parents, p)
			continue
		}
		if !anchored {
			parents = append(parents, c.Root())
			anchored = true
		}
	}
	seen := make(map[string]struct{}, len(parents))
	out := parents[:0]
	for _, p := range parents {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	e.ParentIDs = out
	e.IsRoot = false
	return e
}
