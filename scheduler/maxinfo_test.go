package scheduler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/fusor/ir"
)

// recordingPropagator captures the traversal as (kind, from, to) triples.
type recordingPropagator struct {
	hops []recordedHop
}

type recordedHop struct {
	kind string
	from *ir.TensorView
	to   *ir.TensorView
}

func (r *recordingPropagator) SetUp()    {}
func (r *recordingPropagator) TearDown() {}

func (r *recordingPropagator) PropagateC2P(from, to *ir.TensorView) {
	r.hops = append(r.hops, recordedHop{"C2P", from, to})
}

func (r *recordingPropagator) PropagateP2C(from, to *ir.TensorView) {
	r.hops = append(r.hops, recordedHop{"P2C", from, to})
}

func (r *recordingPropagator) PropagateSibling(from, to *ir.TensorView) {
	r.hops = append(r.hops, recordedHop{"SIBLING", from, to})
}

func TestSpanningTreeVisitsEveryTensorOnce(t *testing.T) {
	f := ir.NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(2)
	f.AddInput(t0)
	t1 := b.Set(t0)
	t2 := b.Set(t1)
	t3 := b.Add(t1, t2)
	f.AddOutput(t3)

	tree := NewMaxLogicalDomainInfoSpanningTree(t3, nil)
	rec := &recordingPropagator{}
	tree.Traverse(rec)

	// A spanning tree over 4 tensors has 3 edges, each tensor reached
	// exactly once.
	require.Len(t, rec.hops, 3)
	reached := map[*ir.TensorView]bool{t3: true}
	for _, hop := range rec.hops {
		assert.True(t, reached[hop.from], "hop from unvisited tensor")
		assert.False(t, reached[hop.to], "tensor reached twice")
		reached[hop.to] = true
	}
	assert.Len(t, reached, 4)
}

func TestSpanningTreePathIsCached(t *testing.T) {
	f := ir.NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(2)
	f.AddInput(t0)
	t1 := b.Set(t0)
	t2 := b.Set(t1)
	f.AddOutput(t2)

	tree := NewMaxLogicalDomainInfoSpanningTree(t2, nil)
	recA := &recordingPropagator{}
	recB := &recordingPropagator{}
	tree.Traverse(recA)
	tree.Traverse(recB)
	assert.Equal(t, recA.hops, recB.hops)
}

func TestSpanningTreePrefersInformationRichPaths(t *testing.T) {
	f := ir.NewFusion()
	b := f.NewBuilder()

	// t3 can be reached from t2 directly (2 axes of info) or through the
	// reduced tensor t1 (1 axis): the tree must come through t2.
	t0 := b.SymbolicTensor(2)
	f.AddInput(t0)
	t1 := b.Sum(t0, []int{1})
	t2 := b.Set(t0)
	t3in := b.Broadcast(t1, []bool{false, true})
	t3 := b.Add(t3in, t2)
	f.AddOutput(t3)

	tree := NewMaxLogicalDomainInfoSpanningTree(t3, nil)
	rec := &recordingPropagator{}
	tree.Traverse(rec)

	var t0From *ir.TensorView
	for _, hop := range rec.hops {
		if hop.to == t0 {
			t0From = hop.from
		}
	}
	require.NotNil(t, t0From)
	assert.Equal(t, t2, t0From)
}

func TestSpanningTreeSiblings(t *testing.T) {
	f := ir.NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(2)
	f.AddInput(t0)
	avg, variance, n := b.Welford(t0, []int{1})
	t1 := b.Set(avg)
	f.AddOutput(t1)
	f.AddOutput(variance)
	f.AddOutput(n)

	tree := NewMaxLogicalDomainInfoSpanningTree(avg, nil)
	rec := &recordingPropagator{}
	tree.Traverse(rec)

	siblings := 0
	for _, hop := range rec.hops {
		if hop.kind == "SIBLING" {
			siblings++
			assert.Equal(t, avg, hop.from)
		}
	}
	assert.Equal(t, 2, siblings)
}

func TestSetSelectorRestrictsTraversal(t *testing.T) {
	f := ir.NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(2)
	f.AddInput(t0)
	t1 := b.Set(t0)
	t2 := b.Set(t1)
	t3 := b.Set(t2)
	f.AddOutput(t3)

	tree := NewMaxLogicalDomainInfoSpanningTree(t3, NewSetSelector([]*ir.TensorView{t2}))
	rec := &recordingPropagator{}
	tree.Traverse(rec)

	require.Len(t, rec.hops, 1)
	assert.Equal(t, t2, rec.hops[0].to)
}

func TestSpanningTreeFromLoopPosition(t *testing.T) {
	f := ir.NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(2)
	f.AddInput(t0)
	t1 := b.Set(t0)
	t2 := b.Set(t1)
	f.AddOutput(t2)

	// Position 0 selects no axes: no information survives, so the tree
	// never leaves the reference.
	tree := NewMaxLogicalDomainInfoSpanningTreeAt(t2, 0, false, nil)
	rec := &recordingPropagator{}
	tree.Traverse(rec)
	assert.Empty(t, rec.hops)

	// Position -1 selects the whole loop domain.
	tree = NewMaxLogicalDomainInfoSpanningTreeAt(t2, -1, false, nil)
	rec = &recordingPropagator{}
	tree.Traverse(rec)
	assert.Len(t, rec.hops, 2)

	require.Panics(t, func() {
		NewMaxLogicalDomainInfoSpanningTreeAt(t2, 3, false, nil)
	})
}

func TestSpanningTreePrinter(t *testing.T) {
	f := ir.NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(1)
	f.AddInput(t0)
	t1 := b.Set(t0)
	f.AddOutput(t1)

	var sb strings.Builder
	tree := NewMaxLogicalDomainInfoSpanningTree(t1, nil)
	tree.Traverse(NewSpanningTreePrinter(&sb))
	assert.Contains(t, sb.String(), "propagateC2P")
}

func TestDomainInfoOrdering(t *testing.T) {
	a := &DomainInfo{info: []IDInfo{{isComplete: true}}}
	c := &DomainInfo{info: []IDInfo{{isComplete: true}, {isComplete: false}}}
	incomplete := &DomainInfo{info: []IDInfo{{isComplete: false}, {isComplete: false}}}

	assert.True(t, a.Less(c))
	assert.False(t, c.Less(a))
	assert.True(t, incomplete.Less(c))
	assert.False(t, (&DomainInfo{}).HasInfo())
	assert.True(t, a.HasInfo())
}
