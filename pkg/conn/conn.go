// Package conn defines the transport contract between participants.
//
// A Connection is scoped to one owner's space on some shared medium: a
// cloud folder, a shared SQLite file, or an in-process hub. The medium is
// untrusted, high latency and eventually consistent, so every write is
// idempotent by id and every read tolerates seeing an older view.
//
// Router wraps a concrete Connection with per-call timeouts and bounded
// retries for transient failures.
package conn

import (
	"context"
	"errors"
	"time"

	"github.com/daviddao/eventfold/pkg/model"
)

// Connection is one owner's view of the shared medium. Event listings are
// sorted by (event_timestamp, id). "Since" bounds are inclusive.
type Connection interface {
	// --- Submitter side ---

	// SendProposedChange drops p into the owner's inbox.
	SendProposedChange(ctx context.Context, p model.ProposedChange) error

	// GetOutboxEventsSince lists published events for watchers. A zero
	// since returns everything.
	GetOutboxEventsSince(ctx context.Context, since time.Time) ([]model.Event, error)

	// --- Owner side ---

	WriteEventToLog(ctx context.Context, e model.Event) error
	WriteEventToOutbox(ctx context.Context, e model.Event) error
	GetAllEvents(ctx context.Context) ([]model.Event, error)
	GetEventsSince(ctx context.Context, since time.Time) ([]model.Event, error)

	// GetNextProposedChange returns the oldest inbox entry. ok is false
	// when the inbox is empty.
	GetNextProposedChange(ctx context.Context) (p model.ProposedChange, ok bool, err error)
	RemoveProposedChangeFromInbox(ctx context.Context, id string) error

	// --- Checkpoints ---

	UploadFullCheckpoint(ctx context.Context, cp model.FullCheckpoint) error

	// DownloadFullCheckpoint returns ErrNotFound when none was uploaded
	// and ErrCorrupt when the stored document does not validate.
	DownloadFullCheckpoint(ctx context.Context) (model.FullCheckpoint, error)

	UploadIncrementalCheckpoint(ctx context.Context, cp model.IncrementalCheckpoint) error

	// ListIncrementalCheckpoints returns incrementals by sequence number.
	ListIncrementalCheckpoints(ctx context.Context) ([]model.IncrementalCheckpoint, error)
	DeleteIncrementalCheckpoints(ctx context.Context) error

	UploadRollingState(ctx context.Context, rs model.RollingState) error
	DownloadRollingState(ctx context.Context) (model.RollingState, error)

	Close() error
}

var (
	ErrTransient    = errors.New("conn: transient failure")
	ErrUnauthorized = errors.New("conn: unauthorized")
	ErrMalformed    = errors.New("conn: malformed payload")
	ErrNotFound     = errors.New("conn: not found")
	ErrCorrupt      = errors.New("conn: corrupt document")
	ErrClosed       = errors.New("conn: closed")
)

// IsTransient reports whether err is worth retrying: transport-signalled
// transient failures and per-call deadlines.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
