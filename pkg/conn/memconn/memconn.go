// Package memconn is an in-process transport. A Hub stands in for the shared
// medium; each owner gets an isolated space and every participant opens its
// own Conn onto it. Faults can be injected per operation to exercise retry
// and backlog paths.
package memconn

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/daviddao/eventfold/pkg/conn"
	"github.com/daviddao/eventfold/pkg/model"
)

// Fault is consulted before every operation. A non-nil return fails it.
type Fault func(owner, op string) error

// Hub holds every owner's space.
type Hub struct {
	spaces *xsync.MapOf[string, *space]

	mu    sync.RWMutex
	fault Fault
}

type space struct {
	mu           sync.Mutex
	log          map[string]model.Event
	outbox       map[string]model.Event
	inbox        []model.ProposedChange
	full         *model.FullCheckpoint
	incrementals map[int64]model.IncrementalCheckpoint
	rolling      *model.RollingState
}

func NewHub() *Hub {
	return &Hub{spaces: xsync.NewMapOf[string, *space]()}
}

// SetFault installs f for all connections on the hub. nil clears it.
func (h *Hub) SetFault(f Fault) {
	h.mu.Lock()
	h.fault = f
	h.mu.Unlock()
}

// Owners lists owners that have a space on the hub.
func (h *Hub) Owners() []string {
	var out []string
	h.spaces.Range(func(owner string, _ *space) bool {
		out = append(out, owner)
		return true
	})
	sort.Strings(out)
	return out
}

// Open returns a connection onto owner's space.
func (h *Hub) Open(owner string) *Conn {
	s, _ := h.spaces.LoadOrCompute(owner, func() *space {
		return &space{
			log:          map[string]model.Event{},
			outbox:       map[string]model.Event{},
			incrementals: map[int64]model.IncrementalCheckpoint{},
		}
	})
	return &Conn{hub: h, owner: owner, space: s}
}

// FailOp returns a Fault that fails the first n calls of op with err.
func FailOp(op string, err error, n int) Fault {
	var left atomic.Int64
	left.Store(int64(n))
	return func(_, got string) error {
		if got != op {
			return nil
		}
		if left.Add(-1) >= 0 {
			return err
		}
		return nil
	}
}

// Conn is one participant's connection to an owner space.
type Conn struct {
	hub    *Hub
	owner  string
	space  *space
	closed atomic.Bool
}

func (c *Conn) enter(ctx context.Context, op string) error {
	if c.closed.Load() {
		return conn.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.hub.mu.RLock()
	f := c.hub.fault
	c.hub.mu.RUnlock()
	if f != nil {
		if err := f(c.owner, op); err != nil {
			return fmt.Errorf("memconn %s: %w", op, err)
		}
	}
	c.space.mu.Lock()
	return nil
}

func (c *Conn) leave() { c.space.mu.Unlock() }

func (c *Conn) SendProposedChange(ctx context.Context, p model.ProposedChange) error {
	if p.ID == "" {
		return fmt.Errorf("%w: proposal without id", conn.ErrMalformed)
	}
	if err := c.enter(ctx, "send_proposed_change"); err != nil {
		return err
	}
	defer c.leave()
	for _, q := range c.space.inbox {
		if q.ID == p.ID {
			return nil
		}
	}
	p.Content = append([]byte(nil), p.Content...)
	c.space.inbox = append(c.space.inbox, p)
	return nil
}

func (c *Conn) GetOutboxEventsSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	if err := c.enter(ctx, "get_outbox_events_since"); err != nil {
		return nil, err
	}
	defer c.leave()
	return listSince(c.space.outbox, since), nil
}

func (c *Conn) WriteEventToLog(ctx context.Context, e model.Event) error {
	if err := c.enter(ctx, "write_event_to_log"); err != nil {
		return err
	}
	defer c.leave()
	c.space.log[e.ID] = e.Clone()
	return nil
}

func (c *Conn) WriteEventToOutbox(ctx context.Context, e model.Event) error {
	if err := c.enter(ctx, "write_event_to_outbox"); err != nil {
		return err
	}
	defer c.leave()
	c.space.outbox[e.ID] = e.Clone()
	return nil
}

func (c *Conn) GetAllEvents(ctx context.Context) ([]model.Event, error) {
	return c.GetEventsSince(ctx, time.Time{})
}

func (c *Conn) GetEventsSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	if err := c.enter(ctx, "get_events_since"); err != nil {
		return nil, err
	}
	defer c.leave()
	return listSince(c.space.log, since), nil
}

func listSince(m map[string]model.Event, since time.Time) []model.Event {
	out := make([]model.Event, 0, len(m))
	for _, e := range m {
		out = append(out, e.Clone())
	}
	out = conn.FilterSince(out, since)
	conn.SortEvents(out)
	return out
}

func (c *Conn) GetNextProposedChange(ctx context.Context) (model.ProposedChange, bool, error) {
	if err := c.enter(ctx, "get_next_proposed_change"); err != nil {
		return model.ProposedChange{}, false, err
	}
	defer c.leave()
	if len(c.space.inbox) == 0 {
		return model.ProposedChange{}, false, nil
	}
	p := c.space.inbox[0]
	p.Content = append([]byte(nil), p.Content...)
	return p, true, nil
}

func (c *Conn) RemoveProposedChangeFromInbox(ctx context.Context, id string) error {
	if err := c.enter(ctx, "remove_proposed_change"); err != nil {
		return err
	}
	defer c.leave()
	for i, p := range c.space.inbox {
		if p.ID == id {
			c.space.inbox = append(c.space.inbox[:i], c.space.inbox[i+1:]...)
			break
		}
	}
	return nil
}

func (c *Conn) UploadFullCheckpoint(ctx context.Context, cp model.FullCheckpoint) error {
	if err := c.enter(ctx, "upload_full_checkpoint"); err != nil {
		return err
	}
	defer c.leave()
	cp.Files = model.CopyFiles(cp.Files)
	c.space.full = &cp
	return nil
}

func (c *Conn) DownloadFullCheckpoint(ctx context.Context) (model.FullCheckpoint, error) {
	if err := c.enter(ctx, "download_full_checkpoint"); err != nil {
		return model.FullCheckpoint{}, err
	}
	defer c.leave()
	if c.space.full == nil {
		return model.FullCheckpoint{}, fmt.Errorf("full checkpoint for %s: %w", c.owner, conn.ErrNotFound)
	}
	cp := *c.space.full
	cp.Files = model.CopyFiles(cp.Files)
	return cp, nil
}

func (c *Conn) UploadIncrementalCheckpoint(ctx context.Context, cp model.IncrementalCheckpoint) error {
	if cp.SequenceNo < 1 {
		return fmt.Errorf("%w: incremental sequence %d", conn.ErrMalformed, cp.SequenceNo)
	}
	if err := c.enter(ctx, "upload_incremental_checkpoint"); err != nil {
		return err
	}
	defer c.leave()
	cp.Files = model.CopyFiles(cp.Files)
	c.space.incrementals[cp.SequenceNo] = cp
	return nil
}

func (c *Conn) ListIncrementalCheckpoints(ctx context.Context) ([]model.IncrementalCheckpoint, error) {
	if err := c.enter(ctx, "list_incremental_checkpoints"); err != nil {
		return nil, err
	}
	defer c.leave()
	out := make([]model.IncrementalCheckpoint, 0, len(c.space.incrementals))
	for _, cp := range c.space.incrementals {
		cp.Files = model.CopyFiles(cp.Files)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNo < out[j].SequenceNo })
	return out, nil
}

func (c *Conn) DeleteIncrementalCheckpoints(ctx context.Context) error {
	if err := c.enter(ctx, "delete_incremental_checkpoints"); err != nil {
		return err
	}
	defer c.leave()
	c.space.incrementals = map[int64]model.IncrementalCheckpoint{}
	return nil
}

func (c *Conn) UploadRollingState(ctx context.Context, rs model.RollingState) error {
	if err := c.enter(ctx, "upload_rolling_state"); err != nil {
		return err
	}
	defer c.leave()
	rs.Events = cloneEvents(rs.Events)
	c.space.rolling = &rs
	return nil
}

func (c *Conn) DownloadRollingState(ctx context.Context) (model.RollingState, error) {
	if err := c.enter(ctx, "download_rolling_state"); err != nil {
		return model.RollingState{}, err
	}
	defer c.leave()
	if c.space.rolling == nil {
		return model.RollingState{}, fmt.Errorf("rolling state for %s: %w", c.owner, conn.ErrNotFound)
	}
	rs := *c.space.rolling
	rs.Events = cloneEvents(rs.Events)
	return rs, nil
}

func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

func cloneEvents(events []model.Event) []model.Event {
	out := make([]model.Event, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}

// Compile-time check that *Conn implements conn.Connection.
var _ conn.Connection = (*Conn)(nil)
