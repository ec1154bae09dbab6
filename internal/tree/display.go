package tree

import "fmt"

// DisplayNode is one entry of a rendered forest.
type DisplayNode struct {
	ID        string         `json:"id"`
	Depth     int            `json:"depth"`
	Truncated bool           `json:"truncated,omitempty"`
	Children  []*DisplayNode `json:"children,omitempty"`
}

// Display renders the forest from its roots, stopping at maxDepth levels.
// Nodes whose children were cut off are marked Truncated.
func (ix *Index) Display(maxDepth int) []*DisplayNode {
	if maxDepth <= 0 {
		maxDepth = DisplayDepth
	}
	visited := map[string]bool{}
	var build func(id string, depth int) *DisplayNode
	build = func(id string, depth int) *DisplayNode {
		visited[id] = true
		dn := &DisplayNode{ID: id, Depth: depth}
		kids := ix.children[id]
		if depth+1 >= maxDepth {
			dn.Truncated = len(kids) > 0
			return dn
		}
		for _, c := range kids {
			if visited[c] {
				continue
			}
			dn.Children = append(dn.Children, build(c, depth+1))
		}
		return dn
	}
	var out []*DisplayNode
	for _, r := range ix.Roots() {
		out = append(out, build(r, 0))
	}
	return out
}

// Renumber produces the final sibling order. Ids named in ordered come first in that
// order; remaining current siblings keep their relative order after them. Every id in
// ordered must be a member of current.
func Renumber(current, ordered []string) ([]string, error) {
	member := make(map[string]bool, len(current))
	for _, id := range current {
		member[id] = true
	}
	placed := map[string]bool{}
	out := make([]string, 0, len(current))
	for _, id := range ordered {
		if !member[id] {
			return nil, fmt.Errorf("%s is not a sibling in the target list", id)
		}
		if placed[id] {
			return nil, fmt.Errorf("%s listed more than once", id)
		}
		placed[id] = true
		out = append(out, id)
	}
	for _, id := range current {
		if !placed[id] {
			out = append(out, id)
		}
	}
	return out, nil
}
