// Package dag stores accepted events as a directed acyclic graph.
//
// Nodes live in an arena keyed by event id and reference their parents by
// id, never by pointer. The graph has exactly one root (the genesis event,
// or the checkpoint anchor after a restore) and every other node has at
// least one parent already present.
//
// The heads are the antichain of nodes without children. One head means the
// log is converged; more than one is a transient conflict window that the
// owner closes by inserting merge events.
//
// Graph is not goroutine-safe; the owner serializes all access.
package dag

import (
	"errors"
	"fmt"
	"sort"

	"github.com/daviddao/eventfold/pkg/clock"
	"github.com/daviddao/eventfold/pkg/model"
)

var (
	ErrDuplicate        = errors.New("dag: duplicate event id")
	ErrMissingParent    = errors.New("dag: parent not present")
	ErrSecondRoot       = errors.New("dag: graph already has a root")
	ErrNotRoot          = errors.New("dag: first event must be a root")
	ErrNoCommonAncestor = errors.New("dag: heads share no ancestor")
	ErrIntegrity        = errors.New("dag: causal integrity violated")
)

// Node is one event plus the ids of the nodes that list it as a parent.
type Node struct {
	Event    model.Event
	Children []string
	seq      int
}

// Graph is the arena of event nodes.
type Graph struct {
	nodes map[string]*Node
	order []string
	heads map[string]struct{}
	root  string
}

// New returns an empty graph. The first inserted event becomes the root.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		heads: make(map[string]struct{}),
	}
}

// Insert adds e. Parents must already be present; e must not be.
func (g *Graph) Insert(e model.Event) error {
	if _, dup := g.nodes[e.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicate, e.ID)
	}
	if g.root == "" {
		if len(e.ParentIDs) != 0 {
			return fmt.Errorf("%w: %s has parents", ErrNotRoot, e.ID)
		}
		e.IsRoot = true
	} else {
		if e.IsRoot || len(e.ParentIDs) == 0 {
			return fmt.Errorf("%w: %s", ErrSecondRoot, e.ID)
		}
		for _, p := range e.ParentIDs {
			if _, ok := g.nodes[p]; !ok {
				return fmt.Errorf("%w: %s (parent of %s)", ErrMissingParent, p, e.ID)
			}
		}
	}

	n := &Node{Event: e.Clone(), seq: len(g.order)}
	g.nodes[e.ID] = n
	g.order = append(g.order, e.ID)
	if g.root == "" {
		g.root = e.ID
	}
	for _, p := range e.ParentIDs {
		parent := g.nodes[p]
		parent.Children = append(parent.Children, e.ID)
		delete(g.heads, p)
	}
	g.heads[e.ID] = struct{}{}
	return nil
}

// Detach removes id, which must be the most recently inserted node and a
// head. Parents left without children become heads again.
func (g *Graph) Detach(id string) error {
	if len(g.order) == 0 || g.order[len(g.order)-1] != id || !g.IsHead(id) {
		return fmt.Errorf("dag: cannot detach %s", id)
	}
	n := g.nodes[id]
	for _, p := range n.Event.ParentIDs {
		parent := g.nodes[p]
		kept := parent.Children[:0]
		for _, c := range parent.Children {
			if c != id {
				kept = append(kept, c)
			}
		}
		parent.Children = kept
		if len(kept) == 0 {
			g.heads[p] = struct{}{}
		}
	}
	delete(g.nodes, id)
	delete(g.heads, id)
	g.order = g.order[:len(g.order)-1]
	if g.root == id {
		g.root = ""
	}
	return nil
}

// Locate returns the node for id. Every node is an ancestor of some head,
// so membership in the arena is the same as being reachable from the heads
// by walking parent edges.
func (g *Graph) Locate(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Event returns a copy of the event stored under id.
func (g *Graph) Event(id string) (model.Event, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return model.Event{}, false
	}
	return n.Event.Clone(), true
}

// IsHead reports whether id currently has no children.
func (g *Graph) IsHead(id string) bool {
	_, ok := g.heads[id]
	return ok
}

// Heads returns the head ids in (timestamp, id) order.
func (g *Graph) Heads() []string {
	out := make([]string, 0, len(g.heads))
	for id := range g.heads {
		out = append(out, id)
	}
	g.sortIDs(out)
	return out
}

// Root returns the root id, or "" for an empty graph.
func (g *Graph) Root() string { return g.root }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// Order returns node ids in insertion order.
func (g *Graph) Order() []string { return append([]string(nil), g.order...) }

// Ancestors returns id and every node reachable from it through parents.
func (g *Graph) Ancestors(id string) map[string]struct{} {
	seen := map[string]struct{}{}
	if _, ok := g.nodes[id]; !ok {
		return seen
	}
	seen[id] = struct{}{}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range g.nodes[cur].Event.ParentIDs {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				queue = append(queue, p)
			}
		}
	}
	return seen
}

// IsAncestor reports whether anc is id or reachable from id. The walk does
// not descend below anc's timestamp since no older node can lead back to it.
func (g *Graph) IsAncestor(anc, id string) bool {
	target, ok := g.nodes[anc]
	if !ok {
		return false
	}
	if _, ok := g.nodes[id]; !ok {
		return false
	}
	floor := target.Event.EventTimestamp
	seen := map[string]struct{}{id: {}}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == anc {
			return true
		}
		for _, p := range g.nodes[cur].Event.ParentIDs {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			if g.nodes[p].Event.EventTimestamp.Before(floor) {
				continue
			}
			queue = append(queue, p)
		}
	}
	return false
}

// CommonAncestor walks every head's ancestor chain one hop at a time in
// lockstep and returns the first node visited from all of them. When several
// nodes become common in the same hop the latest one wins.
func (g *Graph) CommonAncestor(heads []string) (string, error) {
	if len(heads) == 0 {
		return "", ErrNoCommonAncestor
	}
	visited := make([]map[string]struct{}, len(heads))
	frontier := make([][]string, len(heads))
	for i, h := range heads {
		if _, ok := g.nodes[h]; !ok {
			return "", fmt.Errorf("%w: head %s", ErrMissingParent, h)
		}
		visited[i] = map[string]struct{}{h: {}}
		frontier[i] = []string{h}
	}

	var fresh []string
	for _, h := range heads {
		fresh = append(fresh, h)
	}
	for {
		if c, ok := g.latestCommon(fresh, visited); ok {
			return c, nil
		}
		fresh = fresh[:0]
		advanced := false
		for i := range heads {
			var next []string
			for _, id := range frontier[i] {
				for _, p := range g.nodes[id].Event.ParentIDs {
					if _, ok := visited[i][p]; ok {
						continue
					}
					visited[i][p] = struct{}{}
					next = append(next, p)
					fresh = append(fresh, p)
				}
			}
			frontier[i] = next
			if len(next) > 0 {
				advanced = true
			}
		}
		if !advanced {
			if c, ok := g.latestCommon(fresh, visited); ok {
				return c, nil
			}
			return "", ErrNoCommonAncestor
		}
	}
}

func (g *Graph) latestCommon(candidates []string, visited []map[string]struct{}) (string, bool) {
	best := ""
	for _, id := range candidates {
		common := true
		for _, v := range visited {
			if _, ok := v[id]; !ok {
				common = false
				break
			}
		}
		if !common {
			continue
		}
		if best == "" || g.less(best, id) {
			best = id
		}
	}
	return best, best != ""
}

// BranchSets returns, for each head, the nodes reachable from it that are
// neither ancestor nor one of ancestor's ancestors.
func (g *Graph) BranchSets(heads []string, ancestor string) []map[string]struct{} {
	stop := g.Ancestors(ancestor)
	out := make([]map[string]struct{}, len(heads))
	for i, h := range heads {
		set := map[string]struct{}{}
		if _, excluded := stop[h]; !excluded {
			set[h] = struct{}{}
			queue := []string{h}
			for len(queue) > 0 {
				cur := queue[0]
				queue = queue[1:]
				for _, p := range g.nodes[cur].Event.ParentIDs {
					if _, excluded := stop[p]; excluded {
						continue
					}
					if _, ok := set[p]; ok {
						continue
					}
					set[p] = struct{}{}
					queue = append(queue, p)
				}
			}
		}
		out[i] = set
	}
	return out
}

// Verify checks causal integrity: one root without parents, and every
// parent inserted before its child with a strictly earlier timestamp.
func (g *Graph) Verify() error {
	roots := 0
	for _, id := range g.order {
		n := g.nodes[id]
		if len(n.Event.ParentIDs) == 0 {
			roots++
			if id != g.root {
				return fmt.Errorf("%w: extra root %s", ErrIntegrity, id)
			}
			continue
		}
		for _, p := range n.Event.ParentIDs {
			pn, ok := g.nodes[p]
			if !ok {
				return fmt.Errorf("%w: %s missing parent %s", ErrIntegrity, id, p)
			}
			if pn.seq >= n.seq {
				return fmt.Errorf("%w: parent %s inserted after %s", ErrIntegrity, p, id)
			}
			if !pn.Event.EventTimestamp.Before(n.Event.EventTimestamp) {
				return fmt.Errorf("%w: parent %s not older than %s", ErrIntegrity, p, id)
			}
		}
	}
	if len(g.order) > 0 && roots != 1 {
		return fmt.Errorf("%w: %d roots", ErrIntegrity, roots)
	}
	if len(g.order) > 0 && len(g.heads) == 0 {
		return fmt.Errorf("%w: no heads", ErrIntegrity)
	}
	return nil
}

func (g *Graph) less(a, b string) bool {
	ea, eb := g.nodes[a].Event, g.nodes[b].Event
	return clock.TotalOrderLess(ea.EventTimestamp, ea.ID, eb.EventTimestamp, eb.ID)
}

func (g *Graph) sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return g.less(ids[i], ids[j]) })
}

// SortByTime orders ids by (timestamp, id). Unknown ids sort last.
func (g *Graph) SortByTime(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		_, okI := g.nodes[ids[i]]
		_, okJ := g.nodes[ids[j]]
		if !okI || !okJ {
			return okI && !okJ
		}
		return g.less(ids[i], ids[j])
	})
}
