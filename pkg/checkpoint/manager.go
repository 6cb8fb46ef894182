// Package checkpoint bounds restart cost for an owner.
//
// Accepted events are buffered in a rolling state. Periodically the buffer
// is folded into an incremental checkpoint holding only the paths it
// touched; a full checkpoint supersedes everything before it. Restore
// rebuilds the owner cache from full → incrementals → rolling events → log
// tail, in time proportional to checkpoint size plus recent history.
//
// Checkpoint writes are split so the owner can keep transport I/O outside
// its single-writer lock:
//
//	plan := m.BeginFull(cache)       // under the owner lock
//	err := m.Commit(ctx, plan, snap) // I/O, lock released
//	m.Abort(plan)                    // under the owner lock, if Commit failed
//
// Manager is not goroutine-safe. The rolling buffer is guarded by the owner
// lock; Begin/Commit/Abort/Compact must also be serialized against each
// other.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/daviddao/eventfold/pkg/conn"
	"github.com/daviddao/eventfold/pkg/engine"
	"github.com/daviddao/eventfold/pkg/model"
)

// ErrNoHistory means the checkpoint state is unusable and there is no
// event log to rebuild from.
var ErrNoHistory = errors.New("checkpoint: no usable checkpoint and empty event log")

// Kind names a checkpoint flavor.
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
)

// Manager tracks the rolling buffer and checkpoint sequencing for one owner.
type Manager struct {
	conn   conn.Connection
	owner  string
	logger *slog.Logger
	now    func() time.Time

	rolling []model.Event
	hasFull bool
	nextSeq int64
}

// New returns a manager writing through c.
func New(c conn.Connection, owner string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conn:    c,
		owner:   owner,
		logger:  logger.With("component", "checkpoint"),
		now:     func() time.Time { return time.Now().UTC() },
		nextSeq: 1,
	}
}

// Record appends accepted events to the rolling buffer.
func (m *Manager) Record(events ...model.Event) {
	for _, e := range events {
		m.rolling = append(m.rolling, e.Clone())
	}
}

// Pending returns the number of buffered events.
func (m *Manager) Pending() int { return len(m.rolling) }

// HasFull reports whether a full checkpoint is known to exist.
func (m *Manager) HasFull() bool { return m.hasFull }

// NextSequence returns the sequence number the next incremental will get.
func (m *Manager) NextSequence() int64 { return m.nextSeq }

// RollingState snapshots the buffer as a persistable document.
func (m *Manager) RollingState() model.RollingState {
	events := make([]model.Event, len(m.rolling))
	for i, e := range m.rolling {
		events[i] = e.Clone()
	}
	return model.RollingState{
		Owner:      m.owner,
		Events:     events,
		EventCount: len(events),
		UpdatedAt:  m.now(),
	}
}

// UploadRolling persists rs.
func (m *Manager) UploadRolling(ctx context.Context, rs model.RollingState) error {
	return m.conn.UploadRollingState(ctx, rs)
}

// ---------------------------------------------------------------------------
// Two-phase checkpoint writes
// ---------------------------------------------------------------------------

// Plan is a checkpoint materialized in memory and not yet persisted.
type Plan struct {
	Kind        Kind
	Full        model.FullCheckpoint
	Incremental model.IncrementalCheckpoint
	detached    []model.Event
}

// BeginFull snapshots the cache and detaches the rolling buffer.
func (m *Manager) BeginFull(c *engine.Cache) *Plan {
	head := c.Head()
	p := &Plan{
		Kind: KindFull,
		Full: model.FullCheckpoint{
			Owner:              m.owner,
			Files:              c.Files(),
			HeadID:             head.ID,
			LastEventTimestamp: head.EventTimestamp,
			CreatedAt:          m.now(),
		},
		detached: m.rolling,
	}
	m.rolling = nil
	return p
}

// BeginIncremental plans an incremental checkpoint of the buffered events
// once at least threshold are pending. Without a prior full checkpoint it
// plans a full one instead. It returns nil when nothing is due.
func (m *Manager) BeginIncremental(c *engine.Cache, threshold int) *Plan {
	if threshold < 1 {
		threshold = 1
	}
	if len(m.rolling) < threshold {
		return nil
	}
	if !m.hasFull {
		return m.BeginFull(c)
	}
	files := map[string]model.FileState{}
	for _, e := range m.rolling {
		if e.NoOp() {
			continue
		}
		if f, ok := c.File(e.Path); ok {
			files[e.Path] = f
		}
	}
	head := c.Head()
	p := &Plan{
		Kind: KindIncremental,
		Incremental: model.IncrementalCheckpoint{
			Owner:              m.owner,
			Files:              files,
			HeadID:             head.ID,
			LastEventTimestamp: head.EventTimestamp,
			CreatedAt:          m.now(),
			SequenceNo:         m.nextSeq,
		},
		detached: m.rolling,
	}
	m.rolling = nil
	return p
}

// Commit persists p. snapshot is called for the rolling state to upload
// last; it must take whatever lock guards the buffer.
func (m *Manager) Commit(ctx context.Context, p *Plan, snapshot func() model.RollingState) error {
	switch p.Kind {
	case KindFull:
		if err := m.conn.UploadFullCheckpoint(ctx, p.Full); err != nil {
			return fmt.Errorf("upload full checkpoint: %w", err)
		}
		m.hasFull = true
		m.nextSeq = 1
		if err := m.conn.DeleteIncrementalCheckpoints(ctx); err != nil {
			return fmt.Errorf("delete incrementals: %w", err)
		}
	case KindIncremental:
		if err := m.conn.UploadIncrementalCheckpoint(ctx, p.Incremental); err != nil {
			return fmt.Errorf("upload incremental checkpoint: %w", err)
		}
		m.nextSeq = p.Incremental.SequenceNo + 1
	default:
		return fmt.Errorf("checkpoint: unknown plan kind %q", p.Kind)
	}
	if err := m.conn.UploadRollingState(ctx, snapshot()); err != nil {
		return fmt.Errorf("upload rolling state: %w", err)
	}
	m.logger.Info("checkpoint written", "kind", string(p.Kind), "head", p.head(), "events", p.Events())
	p.detached = nil
	return nil
}

// Abort re-attaches the events a failed Commit detached. A checkpoint that
// did reach the transport stays valid; the events are simply checkpointed
// again next time.
func (m *Manager) Abort(p *Plan) {
	if len(p.detached) == 0 {
		return
	}
	m.rolling = append(append([]model.Event(nil), p.detached...), m.rolling...)
	p.detached = nil
}

// Events returns how many buffered events the plan folds in.
func (p *Plan) Events() int { return len(p.detached) }

func (p *Plan) head() string {
	if p.Kind == KindFull {
		return p.Full.HeadID
	}
	return p.Incremental.HeadID
}

// ---------------------------------------------------------------------------
// Compaction
// ---------------------------------------------------------------------------

// CompactCheckpoints folds the incrementals into a new full checkpoint and
// deletes them. Incrementals the full checkpoint already covers, left over
// from a full commit whose cleanup failed, are deleted without being folded.
// The rolling state is left as is. It reports whether a new full checkpoint
// was written.
func (m *Manager) CompactCheckpoints(ctx context.Context) (bool, error) {
	full, err := m.conn.DownloadFullCheckpoint(ctx)
	if err != nil {
		return false, fmt.Errorf("download full checkpoint: %w", err)
	}
	listed, err := m.conn.ListIncrementalCheckpoints(ctx)
	if err != nil {
		return false, fmt.Errorf("list incrementals: %w", err)
	}
	if len(listed) == 0 {
		return false, nil
	}
	incs := current(full, listed)
	compacted := Fold(full, incs)
	compacted.CreatedAt = m.now()
	if err := m.conn.UploadFullCheckpoint(ctx, compacted); err != nil {
		return false, fmt.Errorf("upload compacted checkpoint: %w", err)
	}
	if err := m.conn.DeleteIncrementalCheckpoints(ctx); err != nil {
		return false, fmt.Errorf("delete incrementals: %w", err)
	}
	m.hasFull = true
	m.nextSeq = 1
	m.logger.Info("checkpoints compacted", "incrementals", len(incs), "stale", len(listed)-len(incs), "head", compacted.HeadID)
	return true, nil
}

// Fold applies incrementals in sequence order on top of full.
func Fold(full model.FullCheckpoint, incs []model.IncrementalCheckpoint) model.FullCheckpoint {
	sorted := append([]model.IncrementalCheckpoint(nil), incs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SequenceNo < sorted[j].SequenceNo })

	out := full
	out.Files = model.CopyFiles(full.Files)
	for _, inc := range sorted {
		for path, f := range inc.Files {
			out.Files[path] = model.FileState{Content: append([]byte(nil), f.Content...), Hash: f.Hash}
		}
		out.HeadID = inc.HeadID
		out.LastEventTimestamp = inc.LastEventTimestamp
	}
	return out
}
