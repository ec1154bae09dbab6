package tree

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// a
// ├── b
// │   └── d
// └── c
// e
func sample() *Index {
	return Build([]NodeRef{
		{ID: "a"},
		{ID: "b", ParentID: "a", SiblingOrder: 0},
		{ID: "c", ParentID: "a", SiblingOrder: 1},
		{ID: "d", SiblingOrder: 0},
		{ID: "e", SiblingOrder: 1},
	}, []Link{{ParentID: "b", ChildID: "d"}})
}

func TestIsDescendant(t *testing.T) {
	ix := sample()
	assert.True(t, ix.IsDescendant("a", "d"))
	assert.True(t, ix.IsDescendant("b", "d"))
	assert.False(t, ix.IsDescendant("d", "a"))
	assert.False(t, ix.IsDescendant("c", "d"))
	for _, id := range []string{"a", "b", "c", "d", "e", "missing"} {
		assert.False(t, ix.IsDescendant(id, id))
	}
}

func TestDescendantsBreadthFirst(t *testing.T) {
	ix := sample()
	assert.Equal(t, []string{"b", "c", "d"}, ix.DescendantsOf("a"))
	assert.Empty(t, ix.DescendantsOf("e"))
}

func TestEdgesOverridePointers(t *testing.T) {
	ix := Build([]NodeRef{{ID: "p1"}, {ID: "p2"}, {ID: "x", ParentID: "p1"}},
		[]Link{{ParentID: "p2", ChildID: "x"}})
	parent, ok := ix.Parent("x")
	require.True(t, ok)
	assert.Equal(t, "p2", parent)
	assert.Empty(t, ix.Children("p1"))
}

func TestOutOfScopeLinksIgnored(t *testing.T) {
	ix := Build([]NodeRef{{ID: "x", ParentID: "gone"}}, []Link{{ParentID: "other", ChildID: "x"}})
	assert.Equal(t, []string{"x"}, ix.Roots())
}

func TestCheckMove(t *testing.T) {
	ix := sample()
	assert.ErrorIs(t, ix.CheckMove("a", "a"), ErrSelfMove)
	assert.ErrorIs(t, ix.CheckMove("a", "d"), ErrCycle)
	assert.NoError(t, ix.CheckMove("d", "c"))
	assert.NoError(t, ix.CheckMove("a", ""))
}

func TestDescendantImpliesCycleOnReverseMove(t *testing.T) {
	ix := sample()
	ids := []string{"a", "b", "c", "d", "e"}
	for _, x := range ids {
		for _, y := range ids {
			if ix.IsDescendant(x, y) {
				err := ix.CheckMove(x, y)
				assert.True(t, errors.Is(err, ErrCycle), "moving %s under %s", x, y)
			}
		}
	}
}

func TestCyclicEdgesTerminate(t *testing.T) {
	ix := Build([]NodeRef{{ID: "a"}, {ID: "b"}, {ID: "c"}}, []Link{
		{ParentID: "a", ChildID: "b"},
		{ParentID: "b", ChildID: "c"},
		{ParentID: "c", ChildID: "a"},
	})
	assert.ElementsMatch(t, []string{"b", "c"}, ix.DescendantsOf("a"))
	assert.True(t, ix.IsDescendant("a", "c"))
	assert.Len(t, ix.FindCycle(), 3)
	assert.Nil(t, sample().FindCycle())
}

func TestDisplayBoundsDepth(t *testing.T) {
	var nodes []NodeRef
	parent := ""
	for _, id := range []string{"n0", "n1", "n2", "n3", "n4", "n5", "n6"} {
		nodes = append(nodes, NodeRef{ID: id, ParentID: parent})
		parent = id
	}
	forest := Build(nodes, nil).Display(DisplayDepth)
	require.Len(t, forest, 1)
	depth := 0
	cur := forest[0]
	for len(cur.Children) > 0 {
		cur = cur.Children[0]
		depth++
	}
	assert.Equal(t, DisplayDepth-1, depth)
	assert.True(t, cur.Truncated)
	assert.Equal(t, "n4", cur.ID)
}

func TestDisplayOrdersSiblings(t *testing.T) {
	forest := sample().Display(0)
	require.Len(t, forest, 2)
	assert.Equal(t, "a", forest[0].ID)
	assert.Equal(t, "e", forest[1].ID)
	require.Len(t, forest[0].Children, 2)
	assert.Equal(t, "b", forest[0].Children[0].ID)
	assert.Equal(t, "c", forest[0].Children[1].ID)
}

func TestRenumber(t *testing.T) {
	got, err := Renumber([]string{"a", "b", "c"}, []string{"c", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, got)

	got, err = Renumber([]string{"a", "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	_, err = Renumber([]string{"a"}, []string{"z"})
	assert.Error(t, err)
	_, err = Renumber([]string{"a", "b"}, []string{"a", "a"})
	assert.Error(t, err)
}
