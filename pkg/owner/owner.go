// Package owner runs the authoritative side of one owner's history.
//
// An Owner drains proposals from its inbox, accepts them into the event
// cache under a single-writer lock, and publishes the resulting events to
// the log and outbox in acceptance order with the lock released. Checkpoints
// are taken between syncs to bound restart cost.
package owner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/daviddao/eventfold/pkg/checkpoint"
	"github.com/daviddao/eventfold/pkg/clock"
	"github.com/daviddao/eventfold/pkg/conn"
	"github.com/daviddao/eventfold/pkg/engine"
	"github.com/daviddao/eventfold/pkg/metrics"
	"github.com/daviddao/eventfold/pkg/model"
)

// Options configures an Owner.
type Options struct {
	Owner   string
	Clock   *clock.Clock
	NewID   func() string
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Threshold is the rolling-state size at which Sync writes an
	// incremental checkpoint. Zero disables checkpoints during Sync.
	Threshold int

	// CompactAfter folds incrementals into a new full checkpoint once this
	// many exist. Zero disables compaction during Sync.
	CompactAfter int
}

// Owner is safe for concurrent use.
type Owner struct {
	id           string
	conn         conn.Connection
	newID        func() string
	now          func() time.Time
	logger       *slog.Logger
	metrics      *metrics.Metrics
	threshold    int
	compactAfter int

	// mu is the single-writer lock around the cache and the rolling
	// buffer of ckpt.
	mu    sync.Mutex
	cache *engine.Cache
	ckpt  *checkpoint.Manager

	pub *publisher
}

// Rejection describes a proposal the owner refused.
type Rejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// SyncReport summarizes one Sync.
type SyncReport struct {
	Accepted   int             `json:"accepted"`
	Merges     int             `json:"merges"`
	Duplicates int             `json:"duplicates"`
	Rejected   []Rejection     `json:"rejected,omitempty"`
	Checkpoint checkpoint.Kind `json:"checkpoint,omitempty"`
	Compacted  bool            `json:"compacted,omitempty"`
	Head       string          `json:"head"`
}

// Status is a point-in-time view of the owner.
type Status struct {
	Owner        string   `json:"owner"`
	Head         string   `json:"head"`
	Heads        []string `json:"heads"`
	Root         string   `json:"root"`
	Events       int      `json:"events"`
	Files        int      `json:"files"`
	Rolling      int      `json:"rolling"`
	Backlog      int      `json:"backlog"`
	HasFull      bool     `json:"has_full_checkpoint"`
	Incrementals int64    `json:"incrementals"`
}

// Open restores the owner's cache from c. A brand-new history gets its
// genesis root persisted before Open returns.
func Open(ctx context.Context, c conn.Connection, opts Options) (*Owner, error) {
	if opts.Owner == "" {
		return nil, fmt.Errorf("%w: empty owner", conn.ErrMalformed)
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return ulid.Make().String() }
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	o := &Owner{
		id:           opts.Owner,
		conn:         c,
		newID:        opts.NewID,
		now:          opts.Now,
		logger:       opts.Logger.With("component", "owner", "owner", opts.Owner),
		metrics:      opts.Metrics,
		threshold:    opts.Threshold,
		compactAfter: opts.CompactAfter,
		ckpt:         checkpoint.New(c, opts.Owner, opts.Logger),
		pub:          &publisher{conn: c},
	}

	r, err := o.ckpt.Restore(ctx, engine.Options{
		Owner:  opts.Owner,
		Clock:  opts.Clock,
		NewID:  opts.NewID,
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", opts.Owner, err)
	}
	o.cache = r.Cache
	if r.Fresh() {
		o.pub.enqueue(o.cache.Head())
		if err := o.publish(ctx); err != nil {
			return nil, fmt.Errorf("persist genesis root: %w", err)
		}
	}
	o.metrics.SetDAGSize(o.cache.Len())
	o.logger.Info("owner opened", "source", string(r.Source), "replayed", r.Replayed, "head", o.cache.Head().ID)
	return o, nil
}

// ID returns the owner id.
func (o *Owner) ID() string { return o.id }

// ---------------------------------------------------------------------------
// Proposals
// ---------------------------------------------------------------------------

// accept runs p through the cache. On success the new events are buffered
// for checkpointing and queued for publication.
func (o *Owner) accept(p model.ProposedChange) (model.Event, []model.Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, merges, err := o.cache.ProcessProposedEvent(p)
	if err != nil {
		return model.Event{}, nil, err
	}
	o.ckpt.Record(e)
	o.ckpt.Record(merges...)
	o.pub.enqueue(e)
	o.pub.enqueue(merges...)
	o.metrics.Accepted(len(merges))
	o.metrics.SetDAGSize(o.cache.Len())
	return e, merges, nil
}

// ProposeChange accepts a change from an in-process submitter. The event
// is returned even when publication fails; it stays queued and is written
// by the next Sync or proposal.
func (o *Owner) ProposeChange(ctx context.Context, path string, content []byte, parentID, oldHash string) (model.Event, error) {
	p := model.ProposedChange{
		ID:                 o.newID(),
		Path:               path,
		Content:            append([]byte(nil), content...),
		OldHash:            oldHash,
		NewHash:            model.HashContent(content),
		ParentID:           parentID,
		SubmittedTimestamp: o.now(),
	}
	e, _, err := o.accept(p)
	if err != nil {
		if reason, ok := rejectReason(err); ok {
			o.metrics.Rejected(reason)
		}
		return model.Event{}, err
	}
	if err := o.publish(ctx); err != nil {
		return e, err
	}
	return e, nil
}

// GetCurrentHead returns the head a new proposal should anchor on.
func (o *Owner) GetCurrentHead() model.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cache.Head()
}

// FileHash returns the hash of path at the head, "" if absent.
func (o *Owner) FileHash(path string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cache.FileHash(path)
}

// Files returns a copy of the materialized state at the head.
func (o *Owner) Files() map[string]model.FileState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cache.Files()
}

// Events returns every accepted event, root first.
func (o *Owner) Events() []model.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cache.Events()
}

// Verify checks causal integrity and convergence of the cache.
func (o *Owner) Verify() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cache.Verify()
}

// Status reports the owner's current state.
func (o *Owner) Status() Status {
	o.pub.mu.Lock()
	defer o.pub.mu.Unlock()
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Owner:        o.id,
		Head:         o.cache.Head().ID,
		Heads:        o.cache.Heads(),
		Root:         o.cache.Root(),
		Events:       o.cache.Len(),
		Files:        len(o.cache.Files()),
		Rolling:      o.ckpt.Pending(),
		Backlog:      o.pub.pending(),
		HasFull:      o.ckpt.HasFull(),
		Incrementals: o.ckpt.NextSequence() - 1,
	}
}

// rejectReason maps a cache error to the label a rejected proposal is
// counted under. ok is false for errors that are not the proposal's fault.
func rejectReason(err error) (reason string, ok bool) {
	switch {
	case errors.Is(err, engine.ErrUnknownParent):
		return "unknown_parent", true
	case errors.Is(err, engine.ErrFileOutdated):
		return "outdated", true
	case errors.Is(err, engine.ErrMalformed):
		return "malformed", true
	case errors.Is(err, engine.ErrMergeEliminationExhausted):
		return "merge_exhausted", true
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Sync
// ---------------------------------------------------------------------------

// Sync drains the inbox. Each proposal is removed from the inbox only after
// its events are published, so a failure leaves it to be retried; a retried
// proposal that was already accepted is recognized as a duplicate.
func (o *Owner) Sync(ctx context.Context) (SyncReport, error) {
	start := time.Now()
	defer func() { o.metrics.ObserveSync(time.Since(start)) }()

	var rep SyncReport
	if err := o.publish(ctx); err != nil {
		return rep, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		p, ok, err := o.conn.GetNextProposedChange(ctx)
		if err != nil {
			return rep, fmt.Errorf("next proposal: %w", err)
		}
		if !ok {
			break
		}

		e, merges, err := o.accept(p)
		switch {
		case err == nil:
			if err := o.publish(ctx); err != nil {
				return rep, err
			}
			rep.Accepted++
			rep.Merges += len(merges)
			o.logger.Info("proposal accepted", "event_id", e.ID, "parent_id", p.ParentID, "path", p.Path, "merges", len(merges))
		case errors.Is(err, engine.ErrDuplicate):
			rep.Duplicates++
			o.logger.Debug("duplicate proposal", "event_id", p.ID)
		default:
			reason, ok := rejectReason(err)
			if !ok {
				return rep, fmt.Errorf("process %s: %w", p.ID, err)
			}
			o.metrics.Rejected(reason)
			rep.Rejected = append(rep.Rejected, Rejection{ID: p.ID, Reason: reason, Error: err.Error()})
			o.logger.Warn("proposal rejected", "event_id", p.ID, "parent_id", p.ParentID, "path", p.Path, "reason", reason, "err", err)
		}

		if err := o.conn.RemoveProposedChangeFromInbox(ctx, p.ID); err != nil {
			return rep, fmt.Errorf("remove %s from inbox: %w", p.ID, err)
		}
	}

	if o.threshold > 0 {
		kind, err := o.tryCheckpoint(ctx, o.threshold)
		if err != nil {
			return rep, err
		}
		rep.Checkpoint = kind
	}
	if o.compactAfter > 0 {
		compacted, err := o.compactIfDue(ctx)
		if err != nil {
			return rep, err
		}
		rep.Compacted = compacted
	}
	rep.Head = o.GetCurrentHead().ID
	return rep, nil
}

// Run syncs every interval and whenever wake fires until ctx is done.
// Failed syncs are logged and retried on the next tick. wake may be nil.
func (o *Owner) Run(ctx context.Context, interval time.Duration, wake <-chan struct{}) error {
	if interval <= 0 {
		return fmt.Errorf("owner: non-positive sync interval %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
		}
		o.runOnce(ctx)
	}
}

func (o *Owner) runOnce(ctx context.Context) {
	rep, err := o.Sync(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.logger.Warn("sync failed", "err", err, "transient", conn.IsTransient(err))
		return
	}
	if rep.Accepted > 0 || len(rep.Rejected) > 0 || rep.Checkpoint != "" {
		o.logger.Info("synced",
			"accepted", rep.Accepted, "merges", rep.Merges, "rejected", len(rep.Rejected),
			"checkpoint", string(rep.Checkpoint), "head", rep.Head)
	}
}

// ---------------------------------------------------------------------------
// Publication
// ---------------------------------------------------------------------------

func (o *Owner) rollingSnapshot() model.RollingState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ckpt.RollingState()
}

func (o *Owner) publish(ctx context.Context) error {
	o.pub.mu.Lock()
	defer o.pub.mu.Unlock()
	return o.flushLocked(ctx)
}

func (o *Owner) flushLocked(ctx context.Context) error {
	n, err := o.pub.flushLocked(ctx, o.rollingSnapshot)
	o.metrics.SetBacklog(o.pub.pending())
	if err != nil {
		o.logger.Warn("publish failed", "written", n, "backlog", o.pub.pending(), "err", err)
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Checkpoints
// ---------------------------------------------------------------------------

// CreateCheckpoint writes a full checkpoint of the current head and resets
// the incrementals and rolling state.
func (o *Owner) CreateCheckpoint(ctx context.Context) error {
	o.pub.mu.Lock()
	defer o.pub.mu.Unlock()
	if err := o.flushLocked(ctx); err != nil {
		return err
	}
	o.mu.Lock()
	plan := o.ckpt.BeginFull(o.cache)
	o.mu.Unlock()
	return o.commitLocked(ctx, plan)
}

// TryCreateCheckpoint writes an incremental checkpoint once at least
// threshold events are buffered, or a full one if none exists yet. It
// reports whether a checkpoint was written.
func (o *Owner) TryCreateCheckpoint(ctx context.Context, threshold int) (bool, error) {
	kind, err := o.tryCheckpoint(ctx, threshold)
	return kind != "", err
}

func (o *Owner) tryCheckpoint(ctx context.Context, threshold int) (checkpoint.Kind, error) {
	o.pub.mu.Lock()
	defer o.pub.mu.Unlock()
	if err := o.flushLocked(ctx); err != nil {
		return "", err
	}
	o.mu.Lock()
	plan := o.ckpt.BeginIncremental(o.cache, threshold)
	o.mu.Unlock()
	if plan == nil {
		return "", nil
	}
	if err := o.commitLocked(ctx, plan); err != nil {
		return "", err
	}
	return plan.Kind, nil
}

// commitLocked persists plan. o.pub.mu must be held.
func (o *Owner) commitLocked(ctx context.Context, plan *checkpoint.Plan) error {
	if err := o.ckpt.Commit(ctx, plan, o.rollingSnapshot); err != nil {
		o.mu.Lock()
		o.ckpt.Abort(plan)
		o.mu.Unlock()
		o.pub.markDirty()
		return fmt.Errorf("%s checkpoint: %w", plan.Kind, err)
	}
	o.metrics.CheckpointWritten(string(plan.Kind))
	return nil
}

// CompactCheckpoints folds the incrementals into the full checkpoint. It
// reports whether anything was compacted.
func (o *Owner) CompactCheckpoints(ctx context.Context) (bool, error) {
	o.pub.mu.Lock()
	defer o.pub.mu.Unlock()
	return o.compactLocked(ctx)
}

func (o *Owner) compactIfDue(ctx context.Context) (bool, error) {
	o.pub.mu.Lock()
	defer o.pub.mu.Unlock()
	if !o.ckpt.HasFull() || o.ckpt.NextSequence()-1 < int64(o.compactAfter) {
		return false, nil
	}
	return o.compactLocked(ctx)
}

func (o *Owner) compactLocked(ctx context.Context) (bool, error) {
	compacted, err := o.ckpt.CompactCheckpoints(ctx)
	if err != nil {
		return false, fmt.Errorf("compact: %w", err)
	}
	if compacted {
		o.metrics.CheckpointWritten("compaction")
	}
	return compacted, nil
}
