package lower

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/fusor/ir"
)

func TestBroadcastNeverConcretized(t *testing.T) {
	f := ir.NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(1)
	f.AddInput(t0)
	t1 := b.Broadcast(t0, []bool{false, true})
	t2 := b.Set(t1)
	f.AddOutput(t2)

	cbd := NewConcretizedBroadcastDomains(f)
	bID := t1.LogicalDomain()[1]
	assert.False(t, cbd.IsConcretized(bID))
	assert.False(t, cbd.IsUniquelyConcretized(bID))
	assert.False(t, cbd.MaybeNonUniquelyConcretized(bID))
	assert.Empty(t, cbd.AllConcretizedDomains(bID))
}

func TestBroadcastUniquelyConcretized(t *testing.T) {
	f := ir.NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(1)
	f.AddInput(t0)
	t1 := b.Broadcast(t0, []bool{false, true})
	other := b.SymbolicTensor(2)
	f.AddInput(other)
	t2 := b.Add(t1, other)
	f.AddOutput(t2)

	cbd := NewConcretizedBroadcastDomains(f)
	bID := t1.LogicalDomain()[1]
	assert.True(t, cbd.IsConcretized(bID))
	assert.True(t, cbd.IsUniquelyConcretized(bID))
	assert.False(t, cbd.MaybeNonUniquelyConcretized(bID))

	concrete := cbd.AllConcretizedDomains(bID)
	require.Len(t, concrete, 1)
	assert.True(t, concrete.Has(t2.LogicalDomain()[1]))
}

func TestBroadcastNonUniquelyConcretized(t *testing.T) {
	f := ir.NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(1)
	f.AddInput(t0)
	t1 := b.Broadcast(t0, []bool{false, true})
	otherA := b.SymbolicTensor(2)
	otherB := b.SymbolicTensor(2)
	f.AddInput(otherA)
	f.AddInput(otherB)
	t2 := b.Add(t1, otherA)
	t3 := b.Add(t1, otherB)
	f.AddOutput(t2)
	f.AddOutput(t3)

	cbd := NewConcretizedBroadcastDomains(f)
	bID := t1.LogicalDomain()[1]
	assert.True(t, cbd.IsConcretized(bID))
	assert.False(t, cbd.IsUniquelyConcretized(bID))
	assert.True(t, cbd.MaybeNonUniquelyConcretized(bID))
	assert.Len(t, cbd.AllConcretizedDomains(bID), 2)
}

func TestEquivalentConcretizationsDeduplicated(t *testing.T) {
	f := ir.NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(1)
	f.AddInput(t0)
	t1 := b.Broadcast(t0, []bool{false, true})
	other := b.SymbolicTensor(2)
	f.AddInput(other)
	// Two consumers whose second axes are exactly equivalent (both come
	// from `other`): a single concretization class.
	t2 := b.Add(t1, other)
	t3 := b.Add(t1, other)
	f.AddOutput(t2)
	f.AddOutput(t3)

	cbd := NewConcretizedBroadcastDomains(f)
	bID := t1.LogicalDomain()[1]
	assert.True(t, cbd.IsUniquelyConcretized(bID))
}

func TestTrivialReductionDoesNotConcretize(t *testing.T) {
	f := ir.NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(1)
	f.AddInput(t0)
	t1 := b.Broadcast(t0, []bool{false, true})
	t2 := b.Sum(t1, []int{1})
	f.AddOutput(t2)

	cbd := NewConcretizedBroadcastDomains(f)
	assert.False(t, cbd.IsConcretized(t1.LogicalDomain()[1]))
}

func TestPadIntroducedBroadcastOrigin(t *testing.T) {
	f := ir.NewFusion()
	b := f.NewBuilder()

	id := b.IterDomain(b.Constant(5), ir.IterTypeIteration)
	t0 := b.TensorView([]*ir.IterDomain{id})
	f.AddInput(t0)
	t1 := b.Pad(t0, 0, -2, -2) // logical axis shrinks to a broadcast
	other := b.SymbolicTensor(1)
	f.AddInput(other)
	t2 := b.Add(t1, other)
	f.AddOutput(t2)

	cbd := NewConcretizedBroadcastDomains(f)
	padBID := t1.LogicalDomain()[0]
	require.True(t, padBID.IsBroadcast())
	assert.True(t, cbd.IsConcretized(padBID))
	assert.True(t, cbd.IsUniquelyConcretized(padBID))
}

func TestBroadcastChainTracksOrigins(t *testing.T) {
	f := ir.NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(1)
	f.AddInput(t0)
	t1 := b.Broadcast(t0, []bool{false, true})
	t2 := b.Set(t1) // broadcast forwarded, not yet concrete
	other := b.SymbolicTensor(2)
	f.AddInput(other)
	t3 := b.Add(t2, other)
	f.AddOutput(t3)

	cbd := NewConcretizedBroadcastDomains(f)
	// Both the original broadcast and its forwarded copy are concretized.
	assert.True(t, cbd.IsConcretized(t1.LogicalDomain()[1]))
	assert.True(t, cbd.IsConcretized(t2.LogicalDomain()[1]))
}

func TestInputBroadcastConcretized(t *testing.T) {
	f := ir.NewFusion()
	b := f.NewBuilder()

	// An input created directly with a broadcast axis, no BroadcastOp.
	t0 := b.TensorView([]*ir.IterDomain{
		b.IterDomain(b.Scalar(), ir.IterTypeIteration),
		b.IterDomain(b.One(), ir.IterTypeBroadcast),
	})
	f.AddInput(t0)
	other := b.SymbolicTensor(2)
	f.AddInput(other)
	t1 := b.Add(t0, other)
	f.AddOutput(t1)

	cbd := NewConcretizedBroadcastDomains(f)
	assert.True(t, cbd.IsUniquelyConcretized(t0.LogicalDomain()[1]))
}

func TestConcretizationFollowsScheduledDomains(t *testing.T) {
	f := ir.NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(1)
	f.AddInput(t0)
	t1 := b.Broadcast(t0, []bool{false, true})
	other := b.SymbolicTensor(2)
	f.AddInput(other)
	t2 := b.Add(t1, other)
	f.AddOutput(t2)

	// Scheduling the broadcast axis keeps its concretization visible on
	// the derived loop axes.
	b.Split(t1, 1, 4)
	outer, inner := t1.Axis(1), t1.Axis(2)

	cbd := NewConcretizedBroadcastDomains(f)
	assert.True(t, cbd.IsConcretized(t1.LogicalDomain()[1]))
	assert.True(t, cbd.IsConcretized(outer))
	assert.True(t, cbd.IsConcretized(inner))
}
