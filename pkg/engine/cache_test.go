package engine

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/eventfold/pkg/clock"
	"github.com/daviddao/eventfold/pkg/model"
)

// newTestCache returns a cache with a frozen wall clock and sequential ids
// so every run produces the same DAG.
func newTestCache(t *testing.T) *Cache {
	t.Helper()
	return NewCache(testOptions())
}

func testOptions() Options {
	n := 0
	return Options{
		Owner: "owner",
		Clock: clock.New(func() time.Time { return time.Unix(1700000000, 0).UTC() }),
		NewID: func() string {
			n++
			return fmt.Sprintf("ev-%04d", n)
		},
	}
}

func proposal(id, path, content, oldHash, parent string) model.ProposedChange {
	return model.ProposedChange{
		ID:       id,
		Path:     path,
		Content:  []byte(content),
		OldHash:  oldHash,
		NewHash:  model.HashContent([]byte(content)),
		ParentID: parent,
	}
}

func TestProcess_FastForward(t *testing.T) {
	c := newTestCache(t)
	root := c.Head().ID

	e, merges, err := c.ProcessProposedEvent(proposal("p1", "file1.txt", "A", "", root))
	require.NoError(t, err)
	assert.Empty(t, merges)
	assert.Equal(t, []string{root}, e.ParentIDs)
	assert.Equal(t, "p1", c.Head().ID)
	assert.Equal(t, model.HashContent([]byte("A")), c.FileHash("file1.txt"))
	require.NoError(t, c.Verify())
}

// Two submitters both write file1.txt from the root. The later one wins.
func TestProcess_ConcurrentWritesConvergeToLatest(t *testing.T) {
	c := newTestCache(t)
	root := c.Head().ID

	_, _, err := c.ProcessProposedEvent(proposal("pA", "file1.txt", "A", "", root))
	require.NoError(t, err)
	e, merges, err := c.ProcessProposedEvent(proposal("pB", "file1.txt", "B", "", root))
	require.NoError(t, err)
	assert.Equal(t, "pB", e.ID)

	require.Len(t, merges, 1)
	m := merges[0]
	assert.True(t, m.IsMerge)
	assert.Equal(t, "file1.txt", m.Path)
	assert.Equal(t, "B", string(m.Content))
	assert.Equal(t, model.HashContent([]byte("A")), m.OldHash)
	assert.ElementsMatch(t, []string{"pA", "pB"}, m.ParentIDs)

	assert.Equal(t, []string{m.ID}, c.Heads())
	f, ok := c.File("file1.txt")
	require.True(t, ok)
	assert.Equal(t, "B", string(f.Content))
	require.NoError(t, c.Verify())

	// Stale content against the merge head is rejected.
	_, _, err = c.ProcessProposedEvent(proposal("pC", "file1.txt", "C", model.HashContent([]byte("A")), m.ID))
	var outdated *OutdatedError
	require.ErrorAs(t, err, &outdated)
	assert.ErrorIs(t, err, ErrFileOutdated)
	assert.Equal(t, model.HashContent([]byte("B")), outdated.Actual)

	// Unknown parent is rejected.
	_, _, err = c.ProcessProposedEvent(proposal("pD", "file1.txt", "D", "", "nope"))
	assert.ErrorIs(t, err, ErrUnknownParent)

	assert.Equal(t, []string{m.ID}, c.Heads(), "rejections must not change heads")
}

func TestProcess_DisjointPathsMergeWithNoOp(t *testing.T) {
	c := newTestCache(t)
	root := c.Head().ID

	_, _, err := c.ProcessProposedEvent(proposal("pA", "a.txt", "A", "", root))
	require.NoError(t, err)
	_, merges, err := c.ProcessProposedEvent(proposal("pB", "b.txt", "B", "", root))
	require.NoError(t, err)

	require.Len(t, merges, 1)
	assert.True(t, merges[0].NoOp())
	assert.True(t, merges[0].IsMerge)
	assert.Len(t, merges[0].ParentIDs, 2)

	files := c.Files()
	assert.Equal(t, "A", string(files["a.txt"].Content))
	assert.Equal(t, "B", string(files["b.txt"].Content))
}

func TestProcess_MergeFromOlderView(t *testing.T) {
	c := newTestCache(t)
	root := c.Head().ID
	_, _, err := c.ProcessProposedEvent(proposal("x1", "x.txt", "x-left", "", root))
	require.NoError(t, err)
	_, _, err = c.ProcessProposedEvent(proposal("y1", "y.txt", "y-left", "", "x1"))
	require.NoError(t, err)
	_, _, err = c.ProcessProposedEvent(proposal("x2", "x.txt", "x-right", "", root))
	require.NoError(t, err)
	_, _, err = c.ProcessProposedEvent(proposal("z1", "y.txt", "y-mid", model.HashContent([]byte("y-left")), c.Head().ID))
	require.NoError(t, err)

	// y1 predates the first merge, so it still sees x.txt as x-left.
	_, merges, err := c.ProcessProposedEvent(proposal("z2", "x.txt", "x-late", model.HashContent([]byte("x-left")), "y1"))
	require.NoError(t, err)
	require.Len(t, merges, 1, "only x.txt is touched on both sides")
	assert.Equal(t, "x.txt", merges[0].Path)
	assert.Equal(t, "x-late", string(merges[0].Content))
	assert.Equal(t, model.HashContent([]byte("x-right")), merges[0].OldHash)
	require.NoError(t, c.Verify())
	assert.Equal(t, "y-mid", string(c.Files()["y.txt"].Content))
}

func TestCreateMergeHeadEvents_SortedAndChained(t *testing.T) {
	c := NewEmptyCache(testOptions())
	at := func(n int64) time.Time { return time.Unix(1700000000, n).UTC() }
	write := func(id, path, content string, ts int64, parent string) model.Event {
		return model.Event{
			ID: id, Path: path, Content: []byte(content),
			NewHash: model.HashContent([]byte(content)), EventTimestamp: at(ts), ParentIDs: []string{parent},
		}
	}
	for _, e := range []model.Event{
		{ID: "r", EventTimestamp: at(1)},
		write("b1", "b.txt", "b-left", 2, "r"),
		write("a1", "a.txt", "a-left", 3, "b1"),
		write("a2", "a.txt", "a-right", 4, "r"),
		write("b2", "b.txt", "b-right", 5, "a2"),
	} {
		require.NoError(t, c.Insert(e))
	}
	require.Equal(t, []string{"a1", "b2"}, c.Heads())

	merges, err := c.createMergeHeadEvents()
	require.NoError(t, err)
	require.Len(t, merges, 2)
	assert.Equal(t, "a.txt", merges[0].Path)
	assert.Equal(t, "a-right", string(merges[0].Content))
	assert.Equal(t, []string{"a1", "b2"}, merges[0].ParentIDs)
	assert.Equal(t, "b.txt", merges[1].Path)
	assert.Equal(t, "b-right", string(merges[1].Content))
	assert.Equal(t, []string{merges[0].ID}, merges[1].ParentIDs)
	assert.True(t, merges[0].EventTimestamp.Before(merges[1].EventTimestamp))

	for _, m := range merges {
		require.NoError(t, c.Insert(m))
	}
	require.NoError(t, c.Verify())
}

func TestProcess_Malformed(t *testing.T) {
	c := newTestCache(t)
	root := c.Head().ID

	cases := []struct {
		name string
		p    model.ProposedChange
	}{
		{"empty id", proposal("", "f", "x", "", root)},
		{"empty path", proposal("p", "", "x", "", root)},
		{"empty parent", proposal("p", "f", "x", "", "")},
		{"hash mismatch", func() model.ProposedChange {
			p := proposal("p", "f", "x", "", root)
			p.NewHash = model.HashContent([]byte("y"))
			return p
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := c.ProcessProposedEvent(tc.p)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
	assert.Equal(t, 1, c.Len())
}

func TestProcess_Duplicate(t *testing.T) {
	c := newTestCache(t)
	root := c.Head().ID
	_, _, err := c.ProcessProposedEvent(proposal("p1", "f", "x", "", root))
	require.NoError(t, err)
	_, _, err = c.ProcessProposedEvent(proposal("p1", "f", "x", "", root))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 2, c.Len())
}

// Two proposals built against the same parent and the same old hash: the
// first wins the race, the second becomes a concurrent branch that merges.
// A third with a stale old hash against the new head is refused.
func TestProcess_OptimisticRace(t *testing.T) {
	c := newTestCache(t)
	root := c.Head().ID
	_, _, err := c.ProcessProposedEvent(proposal("p0", "f", "v0", "", root))
	require.NoError(t, err)
	base := model.HashContent([]byte("v0"))

	_, _, err = c.ProcessProposedEvent(proposal("p1", "f", "v1", base, "p0"))
	require.NoError(t, err)
	_, _, err = c.ProcessProposedEvent(proposal("p2", "f", "v2", base, c.Head().ID))
	assert.ErrorIs(t, err, ErrFileOutdated)

	_, merges, err := c.ProcessProposedEvent(proposal("p3", "f", "v3", base, "p0"))
	require.NoError(t, err)
	require.Len(t, merges, 1)
	assert.Equal(t, "v3", string(c.Files()["f"].Content))
}

func TestFileHashAt(t *testing.T) {
	c := newTestCache(t)
	root := c.Head().ID
	_, _, err := c.ProcessProposedEvent(proposal("p1", "f", "one", "", root))
	require.NoError(t, err)
	_, _, err = c.ProcessProposedEvent(proposal("p2", "f", "two", model.HashContent([]byte("one")), "p1"))
	require.NoError(t, err)

	h, err := c.FileHashAt("p1", "f")
	require.NoError(t, err)
	assert.Equal(t, model.HashContent([]byte("one")), h)

	h, err = c.FileHashAt(root, "f")
	require.NoError(t, err)
	assert.Equal(t, "", h)

	_, err = c.FileHashAt("missing", "f")
	assert.ErrorIs(t, err, ErrUnknownParent)
}

func TestNewCacheFromSnapshot(t *testing.T) {
	files := map[string]model.FileState{"a.txt": model.NewFileState([]byte("A"))}
	ts := time.Unix(1700000000, 500).UTC()
	c, err := NewCacheFromSnapshot(testOptions(), "anchor", ts, files)
	require.NoError(t, err)
	assert.Equal(t, "anchor", c.Head().ID)
	assert.Equal(t, "anchor", c.Root())

	e, _, err := c.ProcessProposedEvent(proposal("p1", "a.txt", "A2", model.HashContent([]byte("A")), "anchor"))
	require.NoError(t, err)
	assert.True(t, e.EventTimestamp.After(ts))
	assert.Equal(t, "A2", string(c.Files()["a.txt"].Content))

	bad := map[string]model.FileState{"a.txt": {Content: []byte("A"), Hash: "00"}}
	_, err = NewCacheFromSnapshot(testOptions(), "anchor", ts, bad)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNewCacheFromSnapshot_SeedsClock(t *testing.T) {
	opts := testOptions()
	ts := time.Unix(1800000000, 0).UTC()
	c, err := NewCacheFromSnapshot(opts, "anchor", ts, nil)
	require.NoError(t, err)
	assert.True(t, opts.Clock.Value().Equal(ts))

	e, _, err := c.ProcessProposedEvent(proposal("p1", "a.txt", "A", "", "anchor"))
	require.NoError(t, err)
	assert.True(t, e.EventTimestamp.After(ts), "wall clock is behind the anchor")

	// An older anchor never winds a shared clock back.
	last := opts.Clock.Value()
	_, err = NewCacheFromSnapshot(opts, "older", time.Unix(1600000000, 0).UTC(), nil)
	require.NoError(t, err)
	assert.True(t, opts.Clock.Value().Equal(last))
}

func TestResolveWinner_EqualTimestampsExhaust(t *testing.T) {
	ts := time.Unix(10, 0)
	events := []model.Event{
		{ID: "l", Path: "f", EventTimestamp: ts},
		{ID: "r", Path: "f", EventTimestamp: ts},
	}
	branches := []map[string]struct{}{{"l": {}}, {"r": {}}}
	_, err := resolveWinner("f", events, branches)
	assert.ErrorIs(t, err, ErrMergeEliminationExhausted)
}

func TestResolveWinner_NewestBranchWins(t *testing.T) {
	events := []model.Event{
		{ID: "l1", Path: "f", NewHash: "h-l1", EventTimestamp: time.Unix(1, 0)},
		{ID: "r1", Path: "f", NewHash: "h-r1", EventTimestamp: time.Unix(2, 0)},
		{ID: "l2", Path: "f", NewHash: "h-l2", EventTimestamp: time.Unix(3, 0)},
	}
	branches := []map[string]struct{}{{"l1": {}, "l2": {}}, {"r1": {}}}
	r, err := resolveWinner("f", events, branches)
	require.NoError(t, err)
	assert.Equal(t, "l2", r.winner.ID)
	assert.Equal(t, "h-r1", r.oldHash)
}

// Random proposals against random ancestors. Every step must converge to
// one head, keep causal integrity, and match an independent replay.
func TestProcess_RandomHistoriesConverge(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			c := newTestCache(t)
			paths := []string{"a", "b", "c", "d"}

			for i := 0; i < 60; i++ {
				events := c.Events()
				parent := events[rng.Intn(len(events))].ID
				if rng.Intn(3) == 0 {
					parent = c.Head().ID
				}
				path := paths[rng.Intn(len(paths))]
				old, err := c.FileHashAt(parent, path)
				require.NoError(t, err)
				p := proposal(fmt.Sprintf("s%d-%d", seed, i), path, fmt.Sprintf("v%d", i), old, parent)

				_, _, err = c.ProcessProposedEvent(p)
				require.NoError(t, err)
				require.Len(t, c.Heads(), 1)
			}
			require.NoError(t, c.Verify())

			assert.Equal(t, foldByTime(c.Events()), contents(c.Files()))

			replay := NewEmptyCache(testOptions())
			for _, e := range c.Events() {
				require.NoError(t, replay.Insert(e))
			}
			assert.Equal(t, contents(c.Files()), contents(replay.Files()))
			assert.Equal(t, c.Head().ID, replay.Head().ID)
		})
	}
}

func foldByTime(events []model.Event) map[string]string {
	sorted := append([]model.Event(nil), events...)
	sort.Slice(sorted, func(i, j int) bool {
		return clock.TotalOrderLess(sorted[i].EventTimestamp, sorted[i].ID, sorted[j].EventTimestamp, sorted[j].ID)
	})
	out := map[string]string{}
	for _, e := range sorted {
		if !e.NoOp() {
			out[e.Path] = string(e.Content)
		}
	}
	return out
}

func contents(files map[string]model.FileState) map[string]string {
	out := make(map[string]string, len(files))
	for p, f := range files {
		out[p] = string(f.Content)
	}
	return out
}

func TestOutdatedError(t *testing.T) {
	var err error = &OutdatedError{Path: "f", Expected: "", Actual: model.HashContent([]byte("x"))}
	assert.True(t, errors.Is(err, ErrFileOutdated))
	assert.Contains(t, err.Error(), "<absent>")
}
