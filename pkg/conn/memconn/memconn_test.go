package memconn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/eventfold/pkg/conn"
	"github.com/daviddao/eventfold/pkg/model"
)

func TestInboxFIFOAndIdempotent(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	submitter, owner := hub.Open("alice"), hub.Open("alice")

	require.NoError(t, submitter.SendProposedChange(ctx, model.ProposedChange{ID: "p1", Path: "a"}))
	require.NoError(t, submitter.SendProposedChange(ctx, model.ProposedChange{ID: "p2", Path: "b"}))
	require.NoError(t, submitter.SendProposedChange(ctx, model.ProposedChange{ID: "p1", Path: "a"}))

	p, ok, err := owner.GetNextProposedChange(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "p1", p.ID)

	require.NoError(t, owner.RemoveProposedChangeFromInbox(ctx, "p1"))
	require.NoError(t, owner.RemoveProposedChangeFromInbox(ctx, "p1"))
	p, ok, _ = owner.GetNextProposedChange(ctx)
	require.True(t, ok)
	assert.Equal(t, "p2", p.ID)

	require.NoError(t, owner.RemoveProposedChangeFromInbox(ctx, "p2"))
	_, ok, err = owner.GetNextProposedChange(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOwnersAreIsolated(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	require.NoError(t, hub.Open("alice").WriteEventToLog(ctx, model.Event{ID: "e1"}))

	events, err := hub.Open("bob").GetAllEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, []string{"alice", "bob"}, hub.Owners())
}

func TestEventsSortedAndSinceInclusive(t *testing.T) {
	ctx := context.Background()
	c := NewHub().Open("alice")
	ts := func(n int64) time.Time { return time.Unix(0, n) }
	for _, e := range []model.Event{
		{ID: "c", EventTimestamp: ts(3)},
		{ID: "a", EventTimestamp: ts(1)},
		{ID: "b", EventTimestamp: ts(2)},
	} {
		require.NoError(t, c.WriteEventToOutbox(ctx, e))
		require.NoError(t, c.WriteEventToOutbox(ctx, e))
	}

	all, err := c.GetOutboxEventsSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)

	since, err := c.GetOutboxEventsSince(ctx, ts(2))
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "b", since[0].ID)
}

func TestCheckpointsRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewHub().Open("alice")

	_, err := c.DownloadFullCheckpoint(ctx)
	assert.ErrorIs(t, err, conn.ErrNotFound)
	_, err = c.DownloadRollingState(ctx)
	assert.ErrorIs(t, err, conn.ErrNotFound)

	files := map[string]model.FileState{"a": model.NewFileState([]byte("A"))}
	require.NoError(t, c.UploadFullCheckpoint(ctx, model.FullCheckpoint{Owner: "alice", Files: files, HeadID: "h"}))
	files["a"] = model.NewFileState([]byte("mutated"))
	cp, err := c.DownloadFullCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", string(cp.Files["a"].Content), "uploaded checkpoint must not alias caller memory")

	require.NoError(t, c.UploadIncrementalCheckpoint(ctx, model.IncrementalCheckpoint{SequenceNo: 2, HeadID: "h2"}))
	require.NoError(t, c.UploadIncrementalCheckpoint(ctx, model.IncrementalCheckpoint{SequenceNo: 1, HeadID: "h1"}))
	assert.ErrorIs(t, c.UploadIncrementalCheckpoint(ctx, model.IncrementalCheckpoint{SequenceNo: 0}), conn.ErrMalformed)
	incs, err := c.ListIncrementalCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, incs, 2)
	assert.Equal(t, "h1", incs[0].HeadID)

	require.NoError(t, c.DeleteIncrementalCheckpoints(ctx))
	incs, _ = c.ListIncrementalCheckpoints(ctx)
	assert.Empty(t, incs)
}

func TestFailOp(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	c := hub.Open("alice")
	hub.SetFault(FailOp("write_event_to_log", conn.ErrTransient, 2))

	assert.ErrorIs(t, c.WriteEventToLog(ctx, model.Event{ID: "e"}), conn.ErrTransient)
	assert.NoError(t, c.WriteEventToOutbox(ctx, model.Event{ID: "e"}), "other ops are unaffected")
	assert.ErrorIs(t, c.WriteEventToLog(ctx, model.Event{ID: "e"}), conn.ErrTransient)
	assert.NoError(t, c.WriteEventToLog(ctx, model.Event{ID: "e"}))
}

func TestClosedConn(t *testing.T) {
	c := NewHub().Open("alice")
	require.NoError(t, c.Close())
	_, err := c.GetAllEvents(context.Background())
	assert.ErrorIs(t, err, conn.ErrClosed)
}
