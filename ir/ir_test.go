package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerKindNaming(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()

	s0 := b.Scalar()
	s1 := b.Scalar()
	id0 := b.IterDomain(s0, IterTypeIteration)
	id1 := b.IterDomain(s1, IterTypeIteration)
	tv := b.TensorView([]*IterDomain{id0, id1})

	assert.Equal(t, int64(0), s0.Name())
	assert.Equal(t, int64(1), s1.Name())
	assert.Equal(t, int64(0), id0.Name())
	assert.Equal(t, int64(1), id1.Name())
	assert.Equal(t, int64(0), tv.Name())
}

func TestPasskeyRejected(t *testing.T) {
	f := NewFusion()
	other := NewFusion()
	otherBuilder := other.NewBuilder()

	// Zero-value passkey.
	require.Panics(t, func() {
		f.RegisterVal(BuilderPasskey{}, &Scalar{dtype: DataTypeIndex})
	})
	// Passkey issued for a different container.
	require.Panics(t, func() {
		f.RegisterVal(otherBuilder.pk, &Scalar{dtype: DataTypeIndex})
	})
}

func TestSameAs(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()

	assert.True(t, SameAs(b.Constant(7), b.Constant(7)))
	assert.False(t, SameAs(b.Constant(7), b.Constant(8)))
	assert.True(t, SameAs(b.Named("blockDim.x"), b.Named("blockDim.x")))
	assert.False(t, SameAs(b.Named("blockDim.x"), b.Named("blockDim.y")))
	assert.False(t, SameAs(b.Scalar(), b.Scalar()))
	s := b.Scalar()
	assert.True(t, SameAs(s, s))
	assert.False(t, SameAs(nil, s))
}

func TestSimplifyingAlgebra(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()

	// Constant folding.
	assert.Equal(t, int64(12), b.AddExpr(b.Constant(5), b.Constant(7)).(*Scalar).ConstInt())
	assert.Equal(t, int64(35), b.MulExpr(b.Constant(5), b.Constant(7)).(*Scalar).ConstInt())
	assert.Equal(t, int64(3), b.CeilDivExpr(b.Constant(17), b.Constant(8)).(*Scalar).ConstInt())
	assert.Equal(t, int64(2), b.ModExpr(b.Constant(17), b.Constant(5)).(*Scalar).ConstInt())
	assert.Equal(t, int64(7), b.MaxExpr(b.Constant(5), b.Constant(7)).(*Scalar).ConstInt())

	// Identities.
	x := b.Scalar()
	assert.Equal(t, Val(x), b.AddExpr(x, b.Zero()))
	assert.Equal(t, Val(x), b.MulExpr(x, b.One()))
	assert.Equal(t, Val(x), b.CeilDivExpr(x, b.One()))
	assert.Equal(t, Val(x), b.MaxExpr(x, nil))
	assert.Equal(t, Val(x), b.MaxExpr(nil, x))
	assert.Equal(t, Val(x), b.MaxExpr(x, x))

	// (x + 1) - 1 recovers x, even when the add was built raw.
	xPlusOne := b.RawAddExpr(x, b.One())
	assert.Equal(t, Val(x), b.AddExpr(xPlusOne, b.Constant(-1)))

	// Equality folds on provably equal and provably distinct values.
	assert.True(t, b.EqExpr(x, x).(*Scalar).ConstBool())
	assert.False(t, b.EqExpr(b.Constant(3), b.Constant(4)).(*Scalar).ConstBool())
	eq := b.EqExpr(x, b.Constant(3))
	s, isScalar := eq.(*Scalar)
	require.True(t, isScalar)
	assert.False(t, s.IsConst())
}

func TestSimplifyRebuildsTree(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()

	// max(20, 20) built raw through two binary ops stays symbolic until
	// simplified.
	twenty := b.Constant(20)
	alsoTwenty := b.RawAddExpr(b.Constant(12), b.Constant(8))
	m := b.newBinaryOp(BinaryOpMax, twenty, alsoTwenty, DataTypeIndex)
	simplified := b.Simplify(m)
	require.IsType(t, &Scalar{}, simplified)
	assert.Equal(t, int64(20), simplified.(*Scalar).ConstInt())
}

func TestSplitMergeLoopDomain(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()
	tv := b.SymbolicTensor(2)

	b.Split(tv, 1, 4)
	require.Equal(t, 3, tv.NDims())
	assert.Equal(t, int64(4), tv.Axis(2).Extent().(*Scalar).ConstInt())
	split, ok := tv.Axis(1).Definition().(*Split)
	require.True(t, ok)
	assert.Equal(t, tv.LogicalDomain()[1], split.In())

	b.Merge(tv, 1)
	require.Equal(t, 2, tv.NDims())
	merge, ok := tv.Axis(1).Definition().(*Merge)
	require.True(t, ok)
	assert.Equal(t, split.Outer(), merge.Outer())
	assert.Equal(t, split.Inner(), merge.Inner())
}

func TestReorder(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()
	tv := b.SymbolicTensor(3)
	i0, i1, i2 := tv.Axis(0), tv.Axis(1), tv.Axis(2)

	tv.Reorder([]int{2, 0, 1})
	assert.Equal(t, i2, tv.Axis(0))
	assert.Equal(t, i0, tv.Axis(1))
	assert.Equal(t, i1, tv.Axis(2))

	require.Panics(t, func() { tv.Reorder([]int{0, 0, 1}) })
	require.Panics(t, func() { tv.Reorder([]int{0, 1}) })
}

func TestAxisNegativeWrap(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()
	tv := b.SymbolicTensor(3)

	assert.Equal(t, tv.Axis(2), tv.Axis(-1))
	assert.Equal(t, tv.Axis(0), tv.Axis(-3))
	require.Panics(t, func() { tv.Axis(3) })
	require.Panics(t, func() { tv.Axis(-4) })
}

func TestTensorExprsTopologicalOrder(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(2)
	f.AddInput(t0)
	t1 := b.Set(t0)
	t2 := b.Set(t1)
	t3 := b.Add(t1, t2)
	f.AddOutput(t3)

	exprs := f.TensorExprs()
	require.Len(t, exprs, 3)
	assert.Equal(t, t1.Definition(), exprs[0])
	assert.Equal(t, t2.Definition(), exprs[1])
	assert.Equal(t, t3.Definition(), exprs[2])

	// Deterministic across calls.
	assert.Equal(t, exprs, f.TensorExprs())
}

func TestProducersConsumersSiblings(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(2)
	f.AddInput(t0)
	avg, variance, n := b.Welford(t0, []int{1})
	t1 := b.Add(avg, variance)
	f.AddOutput(t1)
	f.AddOutput(n)

	assert.Equal(t, []*TensorView{t0}, ProducerTVsOf(avg))
	assert.Equal(t, []*TensorView{variance, n}, SiblingTVsOf(avg))
	assert.Equal(t, []*TensorView{t1}, ConsumerTVsOf(avg))
	assert.Equal(t, []*TensorView{avg, variance, n}, ConsumerTVsOf(t0))
	assert.Empty(t, SiblingTVsOf(t0))
}

func TestHasUniformSiblings(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(2)
	f.AddInput(t0)
	avg, _, _ := b.Welford(t0, []int{1})
	assert.True(t, HasUniformSiblings(avg.Definition()))

	// Single output expressions are trivially uniform.
	t1 := b.Set(t0)
	assert.True(t, HasUniformSiblings(t1.Definition()))

	// Hand-assembled expression with outputs of different ranks.
	outA := b.SymbolicTensor(2)
	outB := b.SymbolicTensor(3)
	bad := &PointwiseOp{opName: "weird"}
	bad.inputs = []Val{t0}
	bad.outputs = []Val{outA, outB}
	assert.False(t, HasUniformSiblings(bad))

	// Same rank, mismatched iteration types.
	outC := b.SymbolicTensor(2)
	outD := b.TensorView([]*IterDomain{
		b.IterDomain(b.Scalar(), IterTypeIteration),
		b.IterDomain(b.One(), IterTypeBroadcast),
	})
	bad2 := &PointwiseOp{opName: "weird"}
	bad2.inputs = []Val{t0}
	bad2.outputs = []Val{outC, outD}
	assert.False(t, HasUniformSiblings(bad2))
}

func TestContainerRemoveAndSwap(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(1)
	f.AddInput(t0)
	t1 := b.Set(t0)
	def := t1.Definition()

	// Values with remaining edges cannot be removed.
	require.Panics(t, func() { f.RemoveVal(t1) })
	require.Panics(t, func() { f.RemoveVal(t0) })

	f.RemoveExpr(def)
	assert.Nil(t, t1.Definition())
	assert.Empty(t, t0.Uses())
	f.RemoveVal(t1)
	assert.False(t, f.InContainer(t1))

	// ReplaceVal rewires uses and definitions.
	t2 := b.Set(t0)
	t3 := b.SymbolicTensor(1)
	f.ReplaceVal(t0, t3)
	assert.Empty(t, t0.Uses())
	assert.Equal(t, []Expr{t2.Definition()}, t3.Uses())
	assert.Equal(t, []Val{t3}, t2.Definition().Inputs())
}

func TestContainerSwap(t *testing.T) {
	fa := NewFusion()
	ba := fa.NewBuilder()
	a0 := ba.SymbolicTensor(2)
	fa.AddInput(a0)
	a1 := ba.Set(a0)
	aDef := a1.Definition()

	fb := NewFusion()
	bb := fb.NewBuilder()
	b0 := bb.SymbolicTensor(1)
	fb.AddInput(b0)

	Swap(&fa.Container, &fb.Container)

	// Nodes changed owners, back-pointers included.
	assert.True(t, fb.InContainer(a0))
	assert.True(t, fb.InContainer(a1))
	assert.True(t, fb.InContainer(aDef))
	assert.False(t, fa.InContainer(a0))
	assert.Equal(t, &fb.Container, a0.Container())
	assert.Equal(t, &fb.Container, aDef.Container())

	assert.True(t, fa.InContainer(b0))
	assert.False(t, fb.InContainer(b0))
	assert.Equal(t, &fa.Container, b0.Container())

	// Registration order and edges survive intact.
	assert.Equal(t, []Expr{aDef}, fb.Exprs())
	assert.Equal(t, aDef, a1.Definition())
	assert.Equal(t, []Expr{aDef}, a0.Uses())
}

func TestAllocationDomain(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(2)
	logical := t0.LogicalDomain()
	assert.Equal(t, logical, t0.MaybeAllocationDomain())

	// Column-major layout: allocation permutes the logical axes.
	t0.SetAllocationDomain([]*IterDomain{logical[1], logical[0]})
	assert.Equal(t, []*IterDomain{logical[1], logical[0]}, t0.MaybeAllocationDomain())

	// Anything other than a permutation of the logical domain is rejected.
	require.Panics(t, func() { t0.SetAllocationDomain(logical[:1]) })
	require.Panics(t, func() { t0.SetAllocationDomain([]*IterDomain{logical[0], logical[0]}) })
	t1 := b.SymbolicTensor(2)
	require.Panics(t, func() {
		t0.SetAllocationDomain([]*IterDomain{t1.Axis(0), t1.Axis(1)})
	})
}

func TestDoubleDefinitionPanics(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(1)
	t1 := b.Set(t0)
	op := &PointwiseOp{opName: "set"}
	op.inputs = []Val{t0}
	op.outputs = []Val{t1}
	require.Panics(t, func() { f.RegisterExpr(b.pk, op) })
}

func TestFusionClone(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(2)
	f.AddInput(t0)
	t1 := b.Broadcast(t0, []bool{false, false, true})
	t2 := b.Set(t1)
	f.AddOutput(t2)
	b.Split(t2, 0, 8)
	t2.Axis(0).Parallelize(ParallelTypeBIDx)
	t2.SetComputeAtPos(1)

	clone := f.Clone()
	require.Len(t, clone.Inputs(), 1)
	require.Len(t, clone.Outputs(), 1)
	assert.Len(t, clone.Exprs(), len(f.Exprs()))
	assert.Len(t, clone.Vals(), len(f.Vals()))

	ct2 := clone.Outputs()[0].(*TensorView)
	assert.NotSame(t, t2, ct2)
	assert.Equal(t, t2.Name(), ct2.Name())
	assert.Equal(t, 3+1, ct2.NDims())
	assert.Equal(t, ParallelTypeBIDx, ct2.Axis(0).ParallelType())
	assert.Equal(t, 1, ct2.ComputeAtPos())

	// Clone is independent of the original.
	ct2.Axis(1).Parallelize(ParallelTypeTIDx)
	assert.Equal(t, ParallelTypeSerial, t2.Axis(1).ParallelType())

	// Name counters carried over: new nodes in the clone don't collide.
	cb := clone.NewBuilder()
	fresh := cb.Scalar()
	for _, v := range clone.Vals() {
		if v.Kind() == KindScalar && v != Val(fresh) {
			assert.NotEqual(t, fresh.Name(), v.Name())
		}
	}
}

func TestClonePreservesSharedExtents(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(1)
	f.AddInput(t0)
	t1 := b.Set(t0)
	f.AddOutput(t1)
	require.Same(t, t0.Axis(0).Extent(), t1.Axis(0).Extent())

	clone := f.Clone()
	c0 := clone.Inputs()[0].(*TensorView)
	c1 := clone.Outputs()[0].(*TensorView)
	assert.Same(t, c0.Axis(0).Extent(), c1.Axis(0).Extent())
	assert.NotSame(t, t0.Axis(0).Extent(), c0.Axis(0).Extent())
}

func TestDependencyExprs(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()
	tv := b.SymbolicTensor(1)
	logical := tv.Axis(0)

	b.Split(tv, 0, 4)
	b.Split(tv, 1, 2)
	inner := tv.Axis(2)

	chain, ok := DependencyExprs(logical, inner)
	require.True(t, ok)
	require.Len(t, chain, 2)
	// Chain leads with the expression defining the target axis and walks
	// back toward the source.
	assert.Equal(t, inner.Definition(), chain[0])
	assert.Equal(t, logical.Uses(), chain[1:])

	// Identity.
	chain, ok = DependencyExprs(logical, logical)
	require.True(t, ok)
	assert.Empty(t, chain)

	// No reverse path.
	_, ok = DependencyExprs(inner, logical)
	assert.False(t, ok)

	ancestors := AncestorIDs(inner)
	assert.Contains(t, ancestors, logical)
	assert.Contains(t, ancestors, inner)
}

func TestPairwiseMapSkipsBroadcastAndSqueeze(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(2)
	f.AddInput(t0)
	t1 := b.Broadcast(t0, []bool{false, true, false})
	p2c := NewPairwiseLogicalDomainMap(t0, t1).MapProducerToConsumer(nil)
	require.Len(t, p2c, 2)
	assert.Equal(t, t1.LogicalDomain()[0], p2c[t0.LogicalDomain()[0]])
	assert.Equal(t, t1.LogicalDomain()[2], p2c[t0.LogicalDomain()[1]])

	t2 := b.Squeeze(t1, []bool{false, true, false})
	c2p := NewPairwiseLogicalDomainMap(t1, t2).MapConsumerToProducer(nil)
	require.Len(t, c2p, 2)
	assert.Equal(t, t1.LogicalDomain()[0], c2p[t2.LogicalDomain()[0]])
	assert.Equal(t, t1.LogicalDomain()[2], c2p[t2.LogicalDomain()[1]])

	require.Panics(t, func() { NewPairwiseLogicalDomainMap(t0, t2) })
}

func TestReductionConsumerMapping(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(2)
	f.AddInput(t0)
	t1 := b.Sum(t0, []int{1})
	t2 := b.Set(t1)

	// The producer's reduction axis is invisible to its consumer.
	p2c := NewPairwiseLogicalDomainMap(t1, t2).MapProducerToConsumer(nil)
	require.Len(t, p2c, 1)
	assert.Equal(t, t2.LogicalDomain()[0], p2c[t1.LogicalDomain()[0]])
}

func TestExactMap(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(2)
	f.AddInput(t0)
	t1 := b.Broadcast(t0, []bool{false, false, true})
	t2 := b.Add(t1, b.SymbolicTensor(3))

	exact := NewExactLogicalDomainMap(f)

	// Non-broadcast axes map exactly.
	assert.True(t, exact.AreMapped(t0.LogicalDomain()[0], t1.LogicalDomain()[0]))
	// Broadcast against concrete does not.
	assert.False(t, exact.AreMapped(t1.LogicalDomain()[2], t2.LogicalDomain()[2]))

	// Concrete representative is deterministic and non-broadcast when
	// possible.
	concrete := exact.ConcreteMappedID(t1.LogicalDomain()[0])
	assert.Equal(t, t0.LogicalDomain()[0], concrete)
	assert.True(t, exact.ConcreteMappedID(t1.LogicalDomain()[2]).IsBroadcast())
}

func TestPermissiveMapJoinsBroadcast(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()

	t0 := b.SymbolicTensor(2)
	f.AddInput(t0)
	t1 := b.Broadcast(t0, []bool{false, false, true})
	other := b.SymbolicTensor(3)
	f.AddInput(other)
	t2 := b.Add(t1, other)

	perm := NewPermissiveLogicalDomainMap(f)
	assert.True(t, perm.AreMapped(t1.LogicalDomain()[2], t2.LogicalDomain()[2]))
	assert.True(t, perm.AreMapped(t1.LogicalDomain()[2], other.LogicalDomain()[2]))

	// Loop axes relate through their derivation provenance.
	cb := f.NewBuilder()
	cb.Split(t2, 0, 4)
	assert.True(t, perm.LoopAxesMapped(t2.Axis(0), t1.Axis(0)))
	assert.False(t, perm.LoopAxesMapped(t2.Axis(0), t1.Axis(2)))
}

func TestFusionValidate(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()
	t0 := b.SymbolicTensor(1)
	f.AddInput(t0)
	t1 := b.Set(t0)
	f.AddOutput(t1)
	require.NoError(t, f.Validate())
}

func TestPadIntroducesBroadcast(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()

	id := b.IterDomain(b.Constant(5), IterTypeIteration)
	t0 := b.TensorView([]*IterDomain{id})
	f.AddInput(t0)

	// Shrinking to a single element turns the axis into a broadcast.
	t1 := b.Pad(t0, 0, -2, -2)
	require.True(t, t1.HasRoot())
	assert.False(t, t1.RootDomain()[0].IsBroadcast())
	assert.True(t, t1.LogicalDomain()[0].IsBroadcast())
	_, isResize := t1.LogicalDomain()[0].Definition().(*Resize)
	assert.True(t, isResize)

	// Ordinary padding keeps an iteration axis.
	t2 := b.Pad(t0, 0, 1, 1)
	assert.False(t, t2.LogicalDomain()[0].IsBroadcast())
	assert.Equal(t, int64(7), t2.LogicalDomain()[0].Extent().(*Scalar).ConstInt())
}

func TestCircularBufferOptions(t *testing.T) {
	f := NewFusion()
	b := f.NewBuilder()
	t0 := b.SymbolicTensor(1)
	f.AddInput(t0)
	t1 := b.Set(t0)

	require.Panics(t, func() { t1.SetCircularBuffer(CircularBufferOptions{Stage: 1}) })
	require.Panics(t, func() {
		t1.SetCircularBuffer(CircularBufferOptions{
			Stage:           2,
			WarpSpecialized: &WarpSpecialized{On: ParallelTypeBIDx},
		})
	})
	t1.SetCircularBuffer(CircularBufferOptions{
		Stage:           2,
		WarpSpecialized: &WarpSpecialized{On: ParallelTypeTIDy},
	})
	require.NotNil(t, t1.CircularBuffer())
	assert.Equal(t, ParallelTypeTIDy, t1.CircularBuffer().WarpSpecialized.On)
}
