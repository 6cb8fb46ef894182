package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/daviddao/eventfold/pkg/metrics"
	"github.com/daviddao/eventfold/pkg/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// flaky fails SendProposedChange with errs in order, then succeeds. Every
// other method panics through the nil embedded interface.
type flaky struct {
	Connection
	errs  []error
	calls int
}

func (f *flaky) SendProposedChange(ctx context.Context, p model.ProposedChange) error {
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *flaky) DownloadFullCheckpoint(ctx context.Context) (model.FullCheckpoint, error) {
	f.calls++
	<-ctx.Done()
	return model.FullCheckpoint{}, ctx.Err()
}

func (f *flaky) Close() error { return nil }

func fastRouter(next Connection, maxRetries int, m *metrics.Metrics) *Router {
	r := NewRouter(next,
		WithPolicy(RetryPolicy{MaxRetries: maxRetries, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(m),
	)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"transient", ErrTransient, true},
		{"wrapped transient", fmt.Errorf("sqlite: %w", ErrTransient), true},
		{"deadline", context.DeadlineExceeded, true},
		{"unauthorized", ErrUnauthorized, false},
		{"malformed", ErrMalformed, false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRouterSucceedsImmediately(t *testing.T) {
	f := &flaky{}
	if err := fastRouter(f, 3, nil).SendProposedChange(context.Background(), model.ProposedChange{}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if f.calls != 1 {
		t.Errorf("expected 1 call, got %d", f.calls)
	}
}

func TestRouterRetriesTransient(t *testing.T) {
	m := metrics.New("test")
	f := &flaky{errs: []error{ErrTransient, ErrTransient}}
	if err := fastRouter(f, 3, m).SendProposedChange(context.Background(), model.ProposedChange{}); err != nil {
		t.Fatalf("expected nil after retries, got %v", err)
	}
	if f.calls != 3 {
		t.Errorf("expected 3 calls, got %d", f.calls)
	}
	if got := testutil.ToFloat64(m.TransportRetries.WithLabelValues("send_proposed_change")); got != 2 {
		t.Errorf("retry counter = %v, want 2", got)
	}
}

func TestRouterDoesNotRetryPermanent(t *testing.T) {
	f := &flaky{errs: []error{ErrUnauthorized}}
	err := fastRouter(f, 3, nil).SendProposedChange(context.Background(), model.ProposedChange{})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if f.calls != 1 {
		t.Errorf("expected 1 call (no retry for permanent), got %d", f.calls)
	}
}

func TestRouterExhaustsRetries(t *testing.T) {
	f := &flaky{errs: []error{ErrTransient, ErrTransient, ErrTransient, ErrTransient}}
	err := fastRouter(f, 2, nil).SendProposedChange(context.Background(), model.ProposedChange{})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected wrapped ErrTransient, got %v", err)
	}
	// maxRetries=2 means initial attempt + 2 retries = 3 total calls.
	if f.calls != 3 {
		t.Errorf("expected 3 calls (1 initial + 2 retries), got %d", f.calls)
	}
}

func TestRouterPerCallTimeoutIsRetried(t *testing.T) {
	f := &flaky{}
	r := fastRouter(f, 1, nil)
	r.policy.Timeout = 5 * time.Millisecond
	_, err := r.DownloadFullCheckpoint(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if f.calls != 2 {
		t.Errorf("expected 2 calls, got %d", f.calls)
	}
}

func TestRouterStopsOnCanceledContext(t *testing.T) {
	f := &flaky{errs: []error{ErrTransient, ErrTransient}}
	r := fastRouter(f, 5, nil)
	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	err := r.SendProposedChange(ctx, model.ProposedChange{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", f.calls)
	}
}

func TestBackoffDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

	for attempt, lo := range []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond} {
		d := backoffDelay(p, attempt)
		if d < lo || d >= lo+50*time.Millisecond {
			t.Errorf("attempt %d delay %v not in [%v, %v)", attempt, d, lo, lo+50*time.Millisecond)
		}
	}
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 200 * time.Millisecond}

	// Attempt 5: 100ms * 2^5 = 3200ms, should cap at 200ms + jitter
	if d := backoffDelay(p, 5); d >= 300*time.Millisecond {
		t.Errorf("attempt 5 delay %v should be capped near 200ms", d)
	}
}
