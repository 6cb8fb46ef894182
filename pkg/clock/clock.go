// Package clock issues event timestamps for the owner.
//
// Event timestamps are wall-clock times bent by the two Lamport (1978)
// implementation rules so that they never run backwards:
//
//	IR1 (internal event): a new timestamp is max(now, last + 1ns).
//	IR2 (message receipt): on observing a timestamp t (replayed events,
//	     restored checkpoints), set last to max(last, t) + 1ns.
//
// Because every accepted event is stamped after its parents were inserted,
// timestamp order is a topological order of the event DAG. The merge
// algorithm and checkpoint replay both rely on that.
//
// TotalOrderLess breaks timestamp ties by event id, giving every participant
// the same ordering without coordination.
//
// Note: Clock is not goroutine-safe. The owner accesses it only while
// holding its single-writer lock.
package clock

import "time"

// Clock is a monotonic timestamp source. Not goroutine-safe; see package doc.
type Clock struct {
	last time.Time
	now  func() time.Time
}

// New returns a clock reading now. A nil now uses time.Now in UTC.
func New(now func() time.Time) *Clock {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Clock{now: now}
}

// Tick implements IR1 and returns the new timestamp.
func (c *Clock) Tick() time.Time {
	t := c.read()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// Receive implements IR2: it advances the clock past received and returns
// the new value.
func (c *Clock) Receive(received time.Time) time.Time {
	if received.After(c.last) {
		c.last = received
	}
	c.last = c.last.Add(time.Nanosecond)
	return c.last
}

// Value returns the last issued or observed timestamp without advancing.
func (c *Clock) Value() time.Time { return c.last }

// Set seeds the clock, e.g. from a restored checkpoint.
func (c *Clock) Set(t time.Time) { c.last = t }

func (c *Clock) read() time.Time {
	if c.now == nil {
		return time.Now().UTC()
	}
	return c.now()
}

// TotalOrderLess defines a deterministic total order over events.
// Event A is "less" if:
//
//	tsA < tsB, or
//	tsA == tsB and idA < idB (lexicographic)
func TotalOrderLess(tsA time.Time, idA string, tsB time.Time, idB string) bool {
	if !tsA.Equal(tsB) {
		return tsA.Before(tsB)
	}
	return idA < idB
}
