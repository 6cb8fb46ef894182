package conn

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/daviddao/eventfold/pkg/metrics"
	"github.com/daviddao/eventfold/pkg/model"
)

// RetryPolicy controls timeouts and retries for transport calls.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Timeout    time.Duration // per attempt; zero disables
}

// DefaultRetryPolicy suits a cloud folder: a handful of retries spread over
// several seconds.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 4,
	BaseDelay:  100 * time.Millisecond,
	MaxDelay:   5 * time.Second,
	Timeout:    30 * time.Second,
}

// Router is a Connection that retries transient failures of the
// Connection it wraps.
type Router struct {
	next    Connection
	policy  RetryPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// RouterOption configures a Router.
type RouterOption func(*Router)

func WithPolicy(p RetryPolicy) RouterOption { return func(r *Router) { r.policy = p } }
func WithLogger(l *slog.Logger) RouterOption { return func(r *Router) { r.logger = l } }
func WithMetrics(m *metrics.Metrics) RouterOption { return func(r *Router) { r.metrics = m } }

// NewRouter wraps next.
func NewRouter(next Connection, opts ...RouterOption) *Router {
	r := &Router{
		next:   next,
		policy: DefaultRetryPolicy,
		logger: slog.Default(),
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "router")
	return r
}

// Unwrap returns the wrapped connection.
func (r *Router) Unwrap() Connection { return r.next }

// do runs fn until it succeeds, fails permanently, or retries run out.
func (r *Router) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.policy.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		}
		lastErr = fn(callCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		if !IsTransient(lastErr) {
			r.metrics.Failure(op)
			return fmt.Errorf("%s: %w", op, lastErr)
		}
		if attempt < r.policy.MaxRetries {
			delay := backoffDelay(r.policy, attempt)
			r.metrics.Retry(op)
			r.logger.Debug("retrying transport call", "op", op, "attempt", attempt+1, "delay", delay, "err", lastErr)
			if err := r.sleep(ctx, delay); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
	}
	r.metrics.Failure(op)
	r.logger.Warn("transport call failed", "op", op, "attempts", r.policy.MaxRetries+1, "err", lastErr)
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, r.policy.MaxRetries+1, lastErr)
}

// backoffDelay is baseDelay * 2^attempt capped at maxDelay, plus jitter in
// [0, baseDelay).
func backoffDelay(p RetryPolicy, attempt int) time.Duration {
	delay := p.BaseDelay << uint(attempt)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	if p.BaseDelay > 0 {
		delay += time.Duration(rand.Int63n(int64(p.BaseDelay)))
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

func (r *Router) SendProposedChange(ctx context.Context, p model.ProposedChange) error {
	return r.do(ctx, "send_proposed_change", func(ctx context.Context) error {
		return r.next.SendProposedChange(ctx, p)
	})
}

func (r *Router) GetOutboxEventsSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	var out []model.Event
	err := r.do(ctx, "get_outbox_events_since", func(ctx context.Context) error {
		var err error
		out, err = r.next.GetOutboxEventsSince(ctx, since)
		return err
	})
	return out, err
}

func (r *Router) WriteEventToLog(ctx context.Context, e model.Event) error {
	return r.do(ctx, "write_event_to_log", func(ctx context.Context) error {
		return r.next.WriteEventToLog(ctx, e)
	})
}

func (r *Router) WriteEventToOutbox(ctx context.Context, e model.Event) error {
	return r.do(ctx, "write_event_to_outbox", func(ctx context.Context) error {
		return r.next.WriteEventToOutbox(ctx, e)
	})
}

func (r *Router) GetAllEvents(ctx context.Context) ([]model.Event, error) {
	var out []model.Event
	err := r.do(ctx, "get_all_events", func(ctx context.Context) error {
		var err error
		out, err = r.next.GetAllEvents(ctx)
		return err
	})
	return out, err
}

func (r *Router) GetEventsSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	var out []model.Event
	err := r.do(ctx, "get_events_since", func(ctx context.Context) error {
		var err error
		out, err = r.next.GetEventsSince(ctx, since)
		return err
	})
	return out, err
}

func (r *Router) GetNextProposedChange(ctx context.Context) (model.ProposedChange, bool, error) {
	var (
		p  model.ProposedChange
		ok bool
	)
	err := r.do(ctx, "get_next_proposed_change", func(ctx context.Context) error {
		var err error
		p, ok, err = r.next.GetNextProposedChange(ctx)
		return err
	})
	return p, ok, err
}

func (r *Router) RemoveProposedChangeFromInbox(ctx context.Context, id string) error {
	return r.do(ctx, "remove_proposed_change", func(ctx context.Context) error {
		return r.next.RemoveProposedChangeFromInbox(ctx, id)
	})
}

func (r *Router) UploadFullCheckpoint(ctx context.Context, cp model.FullCheckpoint) error {
	return r.do(ctx, "upload_full_checkpoint", func(ctx context.Context) error {
		return r.next.UploadFullCheckpoint(ctx, cp)
	})
}

func (r *Router) DownloadFullCheckpoint(ctx context.Context) (model.FullCheckpoint, error) {
	var cp model.FullCheckpoint
	err := r.do(ctx, "download_full_checkpoint", func(ctx context.Context) error {
		var err error
		cp, err = r.next.DownloadFullCheckpoint(ctx)
		return err
	})
	return cp, err
}

func (r *Router) UploadIncrementalCheckpoint(ctx context.Context, cp model.IncrementalCheckpoint) error {
	return r.do(ctx, "upload_incremental_checkpoint", func(ctx context.Context) error {
		return r.next.UploadIncrementalCheckpoint(ctx, cp)
	})
}

func (r *Router) ListIncrementalCheckpoints(ctx context.Context) ([]model.IncrementalCheckpoint, error) {
	var out []model.IncrementalCheckpoint
	err := r.do(ctx, "list_incremental_checkpoints", func(ctx context.Context) error {
		var err error
		out, err = r.next.ListIncrementalCheckpoints(ctx)
		return err
	})
	return out, err
}

func (r *Router) DeleteIncrementalCheckpoints(ctx context.Context) error {
	return r.do(ctx, "delete_incremental_checkpoints", func(ctx context.Context) error {
		return r.next.DeleteIncrementalCheckpoints(ctx)
	})
}

func (r *Router) UploadRollingState(ctx context.Context, rs model.RollingState) error {
	return r.do(ctx, "upload_rolling_state", func(ctx context.Context) error {
		return r.next.UploadRollingState(ctx, rs)
	})
}

func (r *Router) DownloadRollingState(ctx context.Context) (model.RollingState, error) {
	var rs model.RollingState
	err := r.do(ctx, "download_rolling_state", func(ctx context.Context) error {
		var err error
		rs, err = r.next.DownloadRollingState(ctx)
		return err
	})
	return rs, err
}

func (r *Router) Close() error { return r.next.Close() }

// Compile-time check that *Router implements Connection.
var _ Connection = (*Router)(nil)
