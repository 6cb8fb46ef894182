// Package submitter is the remote side of eventfold: it anchors changes on
// the newest head its watcher knows of and drops them in the owner's inbox.
package submitter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/daviddao/eventfold/pkg/conn"
	"github.com/daviddao/eventfold/pkg/model"
	"github.com/daviddao/eventfold/pkg/watcher"
)

// Options configures a Submitter.
type Options struct {
	Watcher watcher.Options
	NewID   func() string
	Now     func() time.Time
	Logger  *slog.Logger
}

// Submitter is safe for concurrent use.
type Submitter struct {
	conn   conn.Connection
	watch  *watcher.Cache
	newID  func() string
	now    func() time.Time
	logger *slog.Logger
}

// New returns a submitter talking to one owner through c.
func New(c conn.Connection, opts Options) *Submitter {
	if opts.NewID == nil {
		opts.NewID = func() string { return ulid.Make().String() }
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Watcher.Logger == nil {
		opts.Watcher.Logger = opts.Logger
	}
	return &Submitter{
		conn:   c,
		watch:  watcher.New(c, opts.Watcher),
		newID:  opts.NewID,
		now:    opts.Now,
		logger: opts.Logger.With("component", "submitter"),
	}
}

// Watcher returns the submitter's view of the owner history.
func (s *Submitter) Watcher() *watcher.Cache { return s.watch }

// Refresh syncs the watcher unconditionally.
func (s *Submitter) Refresh(ctx context.Context) (int, error) {
	return s.watch.SyncDown(ctx)
}

// GetCurrentHead returns the newest head known to the watcher, syncing
// first when it is stale.
func (s *Submitter) GetCurrentHead(ctx context.Context) (model.Event, error) {
	if _, err := s.watch.SyncDownIfNeeded(ctx); err != nil {
		return model.Event{}, err
	}
	return s.watch.HeadForNewEvent()
}

// Propose sends a change of path to content, anchored on the watcher head.
func (s *Submitter) Propose(ctx context.Context, path string, content []byte) (model.ProposedChange, error) {
	head, err := s.GetCurrentHead(ctx)
	if err != nil {
		return model.ProposedChange{}, err
	}
	return s.ProposeAt(ctx, path, content, head.ID, s.watch.FileHash(path))
}

// ProposeAt sends a change anchored explicitly on parentID. oldHash is the
// hash path has at parentID, "" if it does not exist there.
func (s *Submitter) ProposeAt(ctx context.Context, path string, content []byte, parentID, oldHash string) (model.ProposedChange, error) {
	if path == "" || parentID == "" {
		return model.ProposedChange{}, fmt.Errorf("%w: proposal needs a path and a parent", conn.ErrMalformed)
	}
	p := model.ProposedChange{
		ID:                 s.newID(),
		Path:               path,
		Content:            append([]byte(nil), content...),
		OldHash:            oldHash,
		NewHash:            model.HashContent(content),
		ParentID:           parentID,
		SubmittedTimestamp: s.now(),
	}
	if err := s.conn.SendProposedChange(ctx, p); err != nil {
		return model.ProposedChange{}, fmt.Errorf("send %s: %w", p.ID, err)
	}
	s.logger.Info("proposal sent", "event_id", p.ID, "parent_id", parentID, "path", path)
	return p, nil
}
