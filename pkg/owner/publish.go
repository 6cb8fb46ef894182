package owner

import (
	"context"
	"fmt"
	"sync"

	"github.com/daviddao/eventfold/pkg/conn"
	"github.com/daviddao/eventfold/pkg/model"
)

// publisher writes accepted events to the log and outbox in acceptance
// order. Events are queued under the owner lock and written outside it;
// anything not yet written stays queued and goes out first on the next
// flush.
//
// Lock order: publisher.mu, then Owner.mu, then publisher.qmu.
type publisher struct {
	conn conn.Connection

	// mu is held for the duration of a flush and of every checkpoint
	// operation, so transport writes never interleave.
	mu sync.Mutex

	qmu   sync.Mutex
	queue []model.Event
	dirty bool // rolling state changed since the last upload
}

func (p *publisher) enqueue(events ...model.Event) {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	p.queue = append(p.queue, events...)
	p.dirty = true
}

// markDirty forces the next flush to upload the rolling state.
func (p *publisher) markDirty() {
	p.qmu.Lock()
	p.dirty = true
	p.qmu.Unlock()
}

func (p *publisher) pending() int {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	return len(p.queue)
}

func (p *publisher) front() (model.Event, bool) {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	if len(p.queue) == 0 {
		return model.Event{}, false
	}
	return p.queue[0], true
}

func (p *publisher) pop() {
	p.qmu.Lock()
	p.queue = p.queue[1:]
	p.qmu.Unlock()
}

func (p *publisher) takeDirty() bool {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	d := p.dirty
	p.dirty = false
	return d
}

// flushLocked writes the queue. p.mu must be held. snapshot is called for
// the rolling state once the events are out.
func (p *publisher) flushLocked(ctx context.Context, snapshot func() model.RollingState) (int, error) {
	written := 0
	for {
		e, ok := p.front()
		if !ok {
			break
		}
		if err := p.conn.WriteEventToLog(ctx, e); err != nil {
			return written, fmt.Errorf("write %s to log: %w", e.ID, err)
		}
		if err := p.conn.WriteEventToOutbox(ctx, e); err != nil {
			return written, fmt.Errorf("write %s to outbox: %w", e.ID, err)
		}
		p.pop()
		written++
	}
	if !p.takeDirty() {
		return written, nil
	}
	if err := p.conn.UploadRollingState(ctx, snapshot()); err != nil {
		p.markDirty()
		return written, fmt.Errorf("upload rolling state: %w", err)
	}
	return written, nil
}
