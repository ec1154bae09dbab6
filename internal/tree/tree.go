package tree

import (
	"errors"
	"fmt"
	"sort"
)

// DisplayDepth bounds the rendered tree. Traversals used for mutation are unbounded.
const DisplayDepth = 5

var (
	ErrSelfMove = errors.New("node cannot be moved under itself")
	ErrCycle    = errors.New("move would create a cycle")
)

// NodeRef is the subset of a node the index needs.
type NodeRef struct {
	ID           string
	ParentID     string
	SiblingOrder int
	CreatedAt    string
}

// Link is an explicit parent to child edge.
type Link struct {
	ParentID string
	ChildID  string
}

// Index is a parent/child adjacency built from edges, with parent pointers as fallback.
type Index struct {
	nodes    map[string]NodeRef
	parents  map[string][]string
	children map[string][]string
}

// Build derives the adjacency for the given nodes. Edges are authoritative: a node's
// parent pointer is only used when no edge names it as a child. Links and pointers
// referring to nodes outside the set are ignored.
func Build(nodes []NodeRef, links []Link) *Index {
	ix := &Index{
		nodes:    make(map[string]NodeRef, len(nodes)),
		parents:  map[string][]string{},
		children: map[string][]string{},
	}
	for _, n := range nodes {
		ix.nodes[n.ID] = n
	}
	seen := map[Link]bool{}
	for _, l := range links {
		if seen[l] || !ix.has(l.ParentID) || !ix.has(l.ChildID) {
			continue
		}
		seen[l] = true
		ix.parents[l.ChildID] = append(ix.parents[l.ChildID], l.ParentID)
		ix.children[l.ParentID] = append(ix.children[l.ParentID], l.ChildID)
	}
	for _, n := range nodes {
		if n.ParentID == "" || len(ix.parents[n.ID]) > 0 || !ix.has(n.ParentID) {
			continue
		}
		ix.parents[n.ID] = []string{n.ParentID}
		ix.children[n.ParentID] = append(ix.children[n.ParentID], n.ID)
	}
	for id := range ix.children {
		ix.sortSiblings(ix.children[id])
	}
	return ix
}

func (ix *Index) has(id string) bool {
	_, ok := ix.nodes[id]
	return ok
}

func (ix *Index) sortSiblings(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := ix.nodes[ids[i]], ix.nodes[ids[j]]
		if a.SiblingOrder != b.SiblingOrder {
			return a.SiblingOrder < b.SiblingOrder
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
}

// Has reports whether id is in scope.
func (ix *Index) Has(id string) bool { return ix.has(id) }

// Parent returns the effective parent of id.
func (ix *Index) Parent(id string) (string, bool) {
	p := ix.parents[id]
	if len(p) == 0 {
		return "", false
	}
	return p[0], true
}

// Children returns the direct children of id in sibling order.
func (ix *Index) Children(id string) []string {
	out := make([]string, len(ix.children[id]))
	copy(out, ix.children[id])
	return out
}

// Roots returns the nodes without a parent, in sibling order.
func (ix *Index) Roots() []string {
	var out []string
	for id := range ix.nodes {
		if len(ix.parents[id]) == 0 {
			out = append(out, id)
		}
	}
	ix.sortSiblings(out)
	return out
}

// Siblings returns the ordered child list of parentID, or the roots when parentID is empty.
func (ix *Index) Siblings(parentID string) []string {
	if parentID == "" {
		return ix.Roots()
	}
	return ix.Children(parentID)
}

// IsDescendant reports whether node is reachable from ancestor through child links.
// A node is never its own descendant.
func (ix *Index) IsDescendant(ancestor, node string) bool {
	if ancestor == node {
		return false
	}
	found := false
	ix.walk(ancestor, func(id string) bool {
		if id == node {
			found = true
			return false
		}
		return true
	})
	return found
}

// DescendantsOf returns every node reachable from id in breadth-first order.
func (ix *Index) DescendantsOf(id string) []string {
	var out []string
	ix.walk(id, func(d string) bool {
		out = append(out, d)
		return true
	})
	return out
}

// walk visits descendants of root breadth-first; visit returning false stops the walk.
func (ix *Index) walk(root string, visit func(string) bool) {
	visited := map[string]bool{root: true}
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range ix.children[cur] {
			if visited[c] {
				continue
			}
			visited[c] = true
			if !visit(c) {
				return
			}
			queue = append(queue, c)
		}
	}
}

// CheckMove rejects moving moved under newParent when that would break the forest.
// An empty newParent means the root level and is always allowed.
func (ix *Index) CheckMove(moved, newParent string) error {
	if newParent == "" {
		return nil
	}
	if moved == newParent {
		return ErrSelfMove
	}
	if ix.IsDescendant(moved, newParent) {
		return fmt.Errorf("%w: %s is a descendant of %s", ErrCycle, newParent, moved)
	}
	return nil
}

// FindCycle returns one cycle in the adjacency, if any exists.
func (ix *Index) FindCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	var stack []string
	var cycle []string
	var visit func(string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, c := range ix.children[id] {
			switch color[c] {
			case grey:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == c {
						cycle = append([]string(nil), stack[i:]...)
						break
					}
				}
				return true
			case white:
				if visit(c) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}
	ids := make([]string, 0, len(ix.nodes))
	for id := range ix.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
