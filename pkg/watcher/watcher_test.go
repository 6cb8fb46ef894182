package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/eventfold/pkg/clock"
	"github.com/daviddao/eventfold/pkg/conn"
	"github.com/daviddao/eventfold/pkg/conn/memconn"
	"github.com/daviddao/eventfold/pkg/model"
)

func ts(n int64) time.Time { return time.Unix(1700000000, n).UTC() }

func publish(t *testing.T, c conn.Connection, events ...model.Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, c.WriteEventToOutbox(context.Background(), e))
	}
}

func change(id string, n int64, path, content string) model.Event {
	return model.Event{
		ID: id, Path: path, Content: []byte(content),
		NewHash: model.HashContent([]byte(content)), EventTimestamp: ts(n),
	}
}

func inOrder(events []model.Event) bool {
	for i := 1; i < len(events); i++ {
		a, b := events[i-1], events[i]
		if !clock.TotalOrderLess(a.EventTimestamp, a.ID, b.EventTimestamp, b.ID) {
			return false
		}
	}
	return true
}

func TestHeadBeforeSync(t *testing.T) {
	w := New(memconn.NewHub().Open("alice"), Options{})
	_, err := w.HeadForNewEvent()
	assert.ErrorIs(t, err, ErrNeverSynced)
	assert.True(t, w.LastSync().IsZero())
}

func TestSyncDownIncremental(t *testing.T) {
	ctx := context.Background()
	c := memconn.NewHub().Open("alice")
	w := New(c, Options{})

	publish(t, c, model.Event{ID: "root", EventTimestamp: ts(1), IsRoot: true}, change("e2", 2, "a", "1"))
	n, err := w.SyncDown(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// e3 shares the cursor timestamp and must still be picked up.
	publish(t, c, change("e3", 2, "b", "1"), change("e4", 4, "a", "2"), change("e0", 3, "c", "1"))
	n, err = w.SyncDown(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = w.SyncDown(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "re-sync adds nothing")

	events := w.Events()
	require.Len(t, events, 5)
	assert.True(t, inOrder(events))

	head, err := w.HeadForNewEvent()
	require.NoError(t, err)
	assert.Equal(t, "e4", head.ID)
	assert.Equal(t, ts(4), w.Latest())

	assert.Equal(t, model.HashContent([]byte("2")), w.FileHash("a"))
	assert.Equal(t, model.HashContent([]byte("1")), w.FileHash("c"))
	assert.Equal(t, "", w.FileHash("missing"))
}

func TestSyncDownIfNeeded(t *testing.T) {
	ctx := context.Background()
	c := memconn.NewHub().Open("alice")
	now := ts(0)
	w := New(c, Options{Staleness: time.Minute, Now: func() time.Time { return now }})

	ran, err := w.SyncDownIfNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, ran, "never synced")

	publish(t, c, change("e1", 1, "a", "1"))
	now = now.Add(30 * time.Second)
	ran, err = w.SyncDownIfNeeded(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, w.Events())

	now = now.Add(31 * time.Second)
	ran, err = w.SyncDownIfNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Len(t, w.Events(), 1)
	assert.Equal(t, now, w.LastSync())
}

func TestSyncDownError(t *testing.T) {
	hub := memconn.NewHub()
	w := New(hub.Open("alice"), Options{})
	boom := errors.New("offline")
	hub.SetFault(memconn.FailOp("get_outbox_events_since", boom, 1))

	_, err := w.SyncDown(context.Background())
	require.ErrorIs(t, err, boom)
	assert.True(t, w.LastSync().IsZero(), "failed sync does not count")
	assert.True(t, w.Stale())
}
