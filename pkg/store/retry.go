package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/daviddao/eventfold/pkg/conn"
)

// backoff retries statements that lost a race for the database lock. The
// busy_timeout pragma absorbs most SQLITE_BUSY waits inside the driver;
// what leaks through (LOCKED, WAL short reads, busy after the timeout) is
// retried here a few times before the Router takes over as conn.ErrTransient.
type backoff struct {
	attempts int // retries after the first try
	base     time.Duration
	ceiling  time.Duration
}

var storeBackoff = backoff{attempts: 3, base: 50 * time.Millisecond, ceiling: 500 * time.Millisecond}

// Text forms of the contention codes, for errors that lost the typed value
// on the way up (wrapped with %v, or surfaced by database/sql itself).
var contentionMarkers = []string{
	"SQLITE_BUSY", "SQLITE_LOCKED", "IOERR_SHORT_READ",
	"database is locked", "database table is locked",
	"(5)", "(6)", "(522)",
}

// contended reports whether err means another connection held the lock.
func contended(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		switch {
		case code == sqlitelib.SQLITE_IOERR_SHORT_READ:
			return true
		case code&0xff == sqlitelib.SQLITE_BUSY, code&0xff == sqlitelib.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	for _, m := range contentionMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// do runs fn until it succeeds, fails for a reason other than contention,
// or the retries run out.
func (b backoff) do(ctx context.Context, fn func() error) error {
	err := fn()
	for attempt := 0; attempt < b.attempts && contended(err); attempt++ {
		t := time.NewTimer(b.delay(attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		err = fn()
	}
	if contended(err) {
		return fmt.Errorf("%w: %v", conn.ErrTransient, err)
	}
	return err
}

// delay doubles from base up to ceiling, plus up to base of jitter so
// racing writers spread out.
func (b backoff) delay(attempt int) time.Duration {
	d := b.base << uint(attempt)
	if d > b.ceiling {
		d = b.ceiling
	}
	return d + time.Duration(rand.Int63n(int64(b.base)))
}
