package engine

import (
	"fmt"
	"sort"

	"github.com/daviddao/eventfold/pkg/clock"
	"github.com/daviddao/eventfold/pkg/model"
)

// resolution is the outcome for one conflicting path.
type resolution struct {
	path    string
	winner  model.Event // latest event touching path on the winning branch
	oldHash string      // latest hash on the losing branches
}

// createMergeHeadEvents builds the merge events that reconcile the current
// heads. Nothing is inserted. One event is produced per conflicting path,
// sorted by path and chained; the first is parented by every head. When no
// path conflicts a single no-op merge joins the heads.
func (c *Cache) createMergeHeadEvents() ([]model.Event, error) {
	heads := c.graph.Heads()
	if len(heads) < 2 {
		return nil, nil
	}
	ancestor, err := c.graph.CommonAncestor(heads)
	if err != nil {
		return nil, err
	}
	branches := c.graph.BranchSets(heads, ancestor)

	touched := map[string][]model.Event{}
	seen := map[string]struct{}{}
	for _, b := range branches {
		for id := range b {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			e, _ := c.graph.Event(id)
			if e.NoOp() {
				continue
			}
			touched[e.Path] = append(touched[e.Path], e)
		}
	}
	paths := make([]string, 0, len(touched))
	for p := range touched {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var conflicts []resolution
	for _, path := range paths {
		events := touched[path]
		if !conflicting(events, branches) {
			continue
		}
		r, err := resolveWinner(path, events, branches)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, r)
	}

	c.logger.Debug("merging heads", "heads", heads, "ancestor", ancestor, "conflicts", len(conflicts))

	if len(conflicts) == 0 {
		ts := c.clock.Tick()
		return []model.Event{{
			ID:                 c.newID(),
			SubmittedTimestamp: ts,
			EventTimestamp:     ts,
			ParentIDs:          append([]string(nil), heads...),
			IsMerge:            true,
		}}, nil
	}

	merges := make([]model.Event, 0, len(conflicts))
	parents := append([]string(nil), heads...)
	for _, r := range conflicts {
		ts := c.clock.Tick()
		m := model.Event{
			ID:                 c.newID(),
			Path:               r.path,
			Content:            append([]byte(nil), r.winner.Content...),
			OldHash:            r.oldHash,
			NewHash:            r.winner.NewHash,
			SubmittedTimestamp: ts,
			EventTimestamp:     ts,
			ParentIDs:          parents,
			IsMerge:            true,
		}
		merges = append(merges, m)
		parents = []string{m.ID}
	}
	return merges, nil
}

// conflicting reports whether no single branch holds every event touching
// the path. A path changed on one branch only merges without a decision.
func conflicting(events []model.Event, branches []map[string]struct{}) bool {
	for _, b := range branches {
		all := true
		for _, e := range events {
			if _, ok := b[e.ID]; !ok {
				all = false
				break
			}
		}
		if all {
			return false
		}
	}
	return true
}

// resolveWinner eliminates candidate branches for one path. Events are
// visited newest first; each group of equal timestamps narrows the
// candidates to the branches containing it, until one remains.
func resolveWinner(path string, events []model.Event, branches []map[string]struct{}) (resolution, error) {
	sorted := append([]model.Event(nil), events...)
	sort.Slice(sorted, func(i, j int) bool {
		return clock.TotalOrderLess(sorted[j].EventTimestamp, sorted[j].ID, sorted[i].EventTimestamp, sorted[i].ID)
	})

	candidates := make(map[int]struct{}, len(branches))
	for i := range branches {
		candidates[i] = struct{}{}
	}
	winner := -1
	for i := 0; i < len(sorted) && winner < 0; {
		j := i
		holders := map[int]struct{}{}
		for ; j < len(sorted) && sorted[j].EventTimestamp.Equal(sorted[i].EventTimestamp); j++ {
			for b, set := range branches {
				if _, ok := set[sorted[j].ID]; ok {
					holders[b] = struct{}{}
				}
			}
		}
		next := map[int]struct{}{}
		for b := range candidates {
			if _, ok := holders[b]; ok {
				next[b] = struct{}{}
			}
		}
		if len(next) > 0 {
			candidates = next
		}
		if len(candidates) == 1 {
			for b := range candidates {
				winner = b
			}
		}
		i = j
	}
	if winner < 0 {
		return resolution{}, fmt.Errorf("%w: %s has %d candidate branches", ErrMergeEliminationExhausted, path, len(candidates))
	}

	r := resolution{path: path}
	foundWinner, foundLoser := false, false
	for _, e := range sorted {
		_, onWinner := branches[winner][e.ID]
		switch {
		case onWinner && !foundWinner:
			r.winner, foundWinner = e, true
		case !onWinner && !foundLoser:
			r.oldHash, foundLoser = e.NewHash, true
		}
	}
	return r, nil
}
