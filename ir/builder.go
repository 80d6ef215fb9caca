package ir

import (
	"github.com/gomlx/exceptions"
)

// Builder constructs and registers IR nodes in one fusion. It is the only
// holder of a valid registration passkey, so every node in a container went
// through a Builder.
//
// The *Expr scalar methods are simplifying: they fold constants and apply
// identities before creating nodes, matching what the analyses expect when
// comparing extents. RawAddExpr is the escape hatch that always creates the
// expression.
type Builder struct {
	fusion *Fusion
	pk     BuilderPasskey
}

// NewBuilder returns a Builder for f.
func (f *Fusion) NewBuilder() *Builder {
	return &Builder{
		fusion: f,
		pk:     BuilderPasskey{container: &f.Container},
	}
}

// Fusion returns the fusion being built.
func (b *Builder) Fusion() *Fusion { return b.fusion }

func (b *Builder) container() *Container { return &b.fusion.Container }

// Scalar creates a symbolic index scalar.
func (b *Builder) Scalar() *Scalar {
	s := &Scalar{dtype: DataTypeIndex}
	b.container().RegisterVal(b.pk, s)
	return s
}

// Constant creates (or folds) a constant index scalar.
func (b *Builder) Constant(v int64) *Scalar {
	c := b.container()
	if v == 0 && c.zero != nil {
		return c.zero
	}
	if v == 1 && c.one != nil {
		return c.one
	}
	s := &Scalar{dtype: DataTypeIndex, intVal: &v}
	c.RegisterVal(b.pk, s)
	if v == 0 {
		c.zero = s
	} else if v == 1 {
		c.one = s
	}
	return s
}

// BoolConstant creates a constant bool scalar.
func (b *Builder) BoolConstant(v bool) *Scalar {
	s := &Scalar{dtype: DataTypeBool, boolVal: &v}
	b.container().RegisterVal(b.pk, s)
	return s
}

// Zero returns the canonical 0 constant.
func (b *Builder) Zero() *Scalar { return b.Constant(0) }

// One returns the canonical 1 constant.
func (b *Builder) One() *Scalar { return b.Constant(1) }

// Named creates a named index scalar.
func (b *Builder) Named(name string) *NamedScalar {
	s := &NamedScalar{dtype: DataTypeIndex, scalarName: name}
	b.container().RegisterVal(b.pk, s)
	return s
}

// ParallelDim creates the named scalar of a launch dimension, e.g.
// "blockDim.x" for TIDx.
func (b *Builder) ParallelDim(pt ParallelType) *NamedScalar {
	return b.Named(ParallelDimName(pt))
}

// IterDomain creates an iteration domain with the given extent.
func (b *Builder) IterDomain(extent Val, iterType IterType) *IterDomain {
	if extent == nil {
		exceptions.Panicf("ir: IterDomain needs an extent")
	}
	assertSameContainer(b.container(), extent)
	id := &IterDomain{extent: extent, iterType: iterType}
	b.container().RegisterVal(b.pk, id)
	return id
}

// TensorView creates a tensor whose root, logical, allocation and loop
// domains all start as the given logical axes.
func (b *Builder) TensorView(logical []*IterDomain) *TensorView {
	checkAxisTypes(logical)
	for _, id := range logical {
		assertSameContainer(b.container(), id)
	}
	tv := &TensorView{
		logical: logical,
		loop:    append([]*IterDomain(nil), logical...),
	}
	b.container().RegisterVal(b.pk, tv)
	return tv
}

// tensorViewWithRoot creates a tensor whose root differs from its logical
// domain; used by Pad.
func (b *Builder) tensorViewWithRoot(root, logical []*IterDomain) *TensorView {
	checkAxisTypes(root)
	checkAxisTypes(logical)
	tv := &TensorView{
		root:    root,
		logical: logical,
		loop:    append([]*IterDomain(nil), logical...),
	}
	b.container().RegisterVal(b.pk, tv)
	return tv
}

// SymbolicTensor creates a tensor of ndims iteration axes with fresh
// symbolic extents. The usual way to make fusion inputs in tests and
// drivers.
func (b *Builder) SymbolicTensor(ndims int) *TensorView {
	ids := make([]*IterDomain, ndims)
	for i := range ids {
		ids[i] = b.IterDomain(b.Scalar(), IterTypeIteration)
	}
	return b.TensorView(ids)
}

// nonReductionLogical returns tv's logical axes with reduction axes dropped;
// the shape a consumer of tv sees.
func nonReductionLogical(tv *TensorView) []*IterDomain {
	var out []*IterDomain
	for _, id := range tv.LogicalDomain() {
		if !id.IsReduction() {
			out = append(out, id)
		}
	}
	return out
}

// Set creates a unary elementwise copy of in.
func (b *Builder) Set(in *TensorView) *TensorView {
	return b.pointwise("set", in)
}

// Add creates a binary elementwise sum. All inputs must have the same
// non-reduction rank; an output axis is a broadcast only when every input's
// axis is, and shares the extent of the first non-broadcast input axis.
func (b *Builder) Add(lhs, rhs *TensorView) *TensorView {
	return b.pointwise("add", lhs, rhs)
}

func (b *Builder) pointwise(opName string, ins ...*TensorView) *TensorView {
	if len(ins) == 0 {
		exceptions.Panicf("ir: %s op with no inputs", opName)
	}
	domains := make([][]*IterDomain, len(ins))
	for i, in := range ins {
		assertSameContainer(b.container(), in)
		domains[i] = nonReductionLogical(in)
		if len(domains[i]) != len(domains[0]) {
			exceptions.Panicf("ir: %s inputs disagree on rank: %d vs %d",
				opName, len(domains[i]), len(domains[0]))
		}
	}
	outIDs := make([]*IterDomain, len(domains[0]))
	for pos := range outIDs {
		var ref *IterDomain
		for _, dom := range domains {
			if !dom[pos].IsBroadcast() {
				ref = dom[pos]
				break
			}
		}
		if ref == nil {
			// All inputs broadcast here, so the output stays a broadcast.
			outIDs[pos] = b.IterDomain(domains[0][pos].Extent(), IterTypeBroadcast)
		} else {
			outIDs[pos] = b.IterDomain(ref.Extent(), IterTypeIteration)
		}
	}
	out := b.TensorView(outIDs)
	op := &PointwiseOp{opName: opName}
	for _, in := range ins {
		op.inputs = append(op.inputs, in)
	}
	op.outputs = []Val{out}
	b.container().RegisterExpr(b.pk, op)
	return out
}

// Broadcast inserts broadcast axes into in. Flags has one entry per output
// axis; true marks an inserted broadcast, false consumes the next input
// axis.
func (b *Builder) Broadcast(in *TensorView, flags []bool) *TensorView {
	assertSameContainer(b.container(), in)
	inDom := nonReductionLogical(in)
	nFalse := 0
	for _, f := range flags {
		if !f {
			nFalse++
		}
	}
	if nFalse != len(inDom) {
		exceptions.Panicf("ir: broadcast flags consume %d axes, input has %d", nFalse, len(inDom))
	}
	outIDs := make([]*IterDomain, len(flags))
	next := 0
	for i, f := range flags {
		if f {
			outIDs[i] = b.IterDomain(b.One(), IterTypeBroadcast)
		} else {
			src := inDom[next]
			next++
			iterType := IterTypeIteration
			if src.IsBroadcast() {
				iterType = IterTypeBroadcast
			}
			outIDs[i] = b.IterDomain(src.Extent(), iterType)
		}
	}
	out := b.TensorView(outIDs)
	op := &BroadcastOp{flags: append([]bool(nil), flags...)}
	op.inputs = []Val{in}
	op.outputs = []Val{out}
	b.container().RegisterExpr(b.pk, op)
	return out
}

// Sum reduces in over the given axes. The output keeps the reduced axes,
// retyped to reduction axes.
func (b *Builder) Sum(in *TensorView, axes []int) *TensorView {
	out := b.reductionOutput(in, axes)
	op := &ReductionOp{opName: "sum"}
	op.inputs = []Val{in}
	op.outputs = []Val{out}
	b.container().RegisterExpr(b.pk, op)
	return out
}

// Welford computes mean, variance and count of in over the given axes. The
// three outputs have identical domain shapes.
func (b *Builder) Welford(in *TensorView, axes []int) (avg, variance, n *TensorView) {
	avg = b.reductionOutput(in, axes)
	variance = b.reductionOutput(in, axes)
	n = b.reductionOutput(in, axes)
	op := &WelfordOp{}
	op.inputs = []Val{in}
	op.outputs = []Val{avg, variance, n}
	b.container().RegisterExpr(b.pk, op)
	return
}

func (b *Builder) reductionOutput(in *TensorView, axes []int) *TensorView {
	assertSameContainer(b.container(), in)
	inDom := nonReductionLogical(in)
	reduce := make([]bool, len(inDom))
	for _, a := range axes {
		if a < 0 {
			a += len(inDom)
		}
		if a < 0 || a >= len(inDom) {
			exceptions.Panicf("ir: reduction axis out of range for rank %d", len(inDom))
		}
		reduce[a] = true
	}
	outIDs := make([]*IterDomain, len(inDom))
	for i, src := range inDom {
		iterType := src.IterType()
		if reduce[i] {
			iterType = IterTypeReduction
		}
		outIDs[i] = b.IterDomain(src.Extent(), iterType)
	}
	return b.TensorView(outIDs)
}

// Pad extends one axis of in by left and right elements. The output's root
// domain keeps the unpadded axis, related to the padded logical axis through
// a Resize; the broadcast concretization analysis treats a padded-to-size
// axis that started as a broadcast as already concrete.
func (b *Builder) Pad(in *TensorView, axis int, left, right int64) *TensorView {
	assertSameContainer(b.container(), in)
	inDom := nonReductionLogical(in)
	if axis < 0 {
		axis += len(inDom)
	}
	if axis < 0 || axis >= len(inDom) {
		exceptions.Panicf("ir: pad axis out of range for rank %d", len(inDom))
	}
	root := make([]*IterDomain, len(inDom))
	logical := make([]*IterDomain, len(inDom))
	for i, src := range inDom {
		root[i] = b.IterDomain(src.Extent(), src.IterType())
		logical[i] = root[i]
	}
	leftV := b.Constant(left)
	rightV := b.Constant(right)
	newExtent := b.AddExpr(root[axis].Extent(), b.Constant(left+right))
	iterType := IterTypeIteration
	if s, ok := newExtent.(*Scalar); ok && s.IsConst() && s.ConstInt() == 1 {
		iterType = IterTypeBroadcast
	}
	padded := b.IterDomain(newExtent, iterType)
	logical[axis] = padded
	resize := &Resize{leftExpand: leftV, rightExpand: rightV}
	resize.inputs = []Val{root[axis]}
	resize.outputs = []Val{padded}
	b.container().RegisterExpr(b.pk, resize)

	out := b.tensorViewWithRoot(root, logical)
	op := &PadOp{axis: axis}
	op.inputs = []Val{in}
	op.outputs = []Val{out}
	b.container().RegisterExpr(b.pk, op)
	return out
}

// Squeeze removes broadcast axes from in. Flags has one entry per input
// axis; true marks a removed axis, which must be a broadcast.
func (b *Builder) Squeeze(in *TensorView, flags []bool) *TensorView {
	assertSameContainer(b.container(), in)
	inDom := nonReductionLogical(in)
	if len(flags) != len(inDom) {
		exceptions.Panicf("ir: squeeze flags have %d entries, input has %d axes", len(flags), len(inDom))
	}
	var outIDs []*IterDomain
	for i, f := range flags {
		if f {
			if !inDom[i].IsBroadcast() {
				exceptions.Panicf("ir: squeezing non-broadcast axis %d of %s", i, in)
			}
			continue
		}
		src := inDom[i]
		iterType := IterTypeIteration
		if src.IsBroadcast() {
			iterType = IterTypeBroadcast
		}
		outIDs = append(outIDs, b.IterDomain(src.Extent(), iterType))
	}
	out := b.TensorView(outIDs)
	op := &SqueezeOp{flags: append([]bool(nil), flags...)}
	op.inputs = []Val{in}
	op.outputs = []Val{out}
	b.container().RegisterExpr(b.pk, op)
	return out
}

// Split divides loop axis of tv by factor, replacing it with an outer axis
// of extent ceilDiv(extent, factor) and an inner axis of extent factor.
func (b *Builder) Split(tv *TensorView, axis int, factor int64) {
	assertSameContainer(b.container(), tv)
	if factor < 1 {
		exceptions.Panicf("ir: split factor must be positive, got %d", factor)
	}
	id := tv.Axis(axis)
	if axis < 0 {
		axis += tv.NDims()
	}
	factorV := b.Constant(factor)
	outer := b.IterDomain(b.CeilDivExpr(id.Extent(), factorV), id.IterType())
	inner := b.IterDomain(factorV, id.IterType())
	split := &Split{factor: factorV}
	split.inputs = []Val{id}
	split.outputs = []Val{outer, inner}
	b.container().RegisterExpr(b.pk, split)

	loop := tv.LoopDomain()
	newLoop := make([]*IterDomain, 0, len(loop)+1)
	newLoop = append(newLoop, loop[:axis]...)
	newLoop = append(newLoop, outer, inner)
	newLoop = append(newLoop, loop[axis+1:]...)
	tv.setLoopDomain(newLoop)
}

// Merge fuses loop axes axis and axis+1 of tv into one axis with the product
// extent.
func (b *Builder) Merge(tv *TensorView, axis int) {
	assertSameContainer(b.container(), tv)
	if axis < 0 {
		axis += tv.NDims()
	}
	if axis < 0 || axis+1 >= tv.NDims() {
		exceptions.Panicf("ir: merge of axes %d,%d out of range for %s", axis, axis+1, tv)
	}
	outer, inner := tv.Axis(axis), tv.Axis(axis+1)
	if outer.IsReduction() != inner.IsReduction() {
		exceptions.Panicf("ir: merging reduction axis %s with non-reduction %s", outer, inner)
	}
	iterType := IterTypeIteration
	switch {
	case outer.IsReduction():
		iterType = IterTypeReduction
	case outer.IsBroadcast() && inner.IsBroadcast():
		iterType = IterTypeBroadcast
	}
	merged := b.IterDomain(b.MulExpr(outer.Extent(), inner.Extent()), iterType)
	merge := &Merge{}
	merge.inputs = []Val{outer, inner}
	merge.outputs = []Val{merged}
	b.container().RegisterExpr(b.pk, merge)

	loop := tv.LoopDomain()
	newLoop := make([]*IterDomain, 0, len(loop)-1)
	newLoop = append(newLoop, loop[:axis]...)
	newLoop = append(newLoop, merged)
	newLoop = append(newLoop, loop[axis+2:]...)
	tv.setLoopDomain(newLoop)
}

// Swizzle reindexes loop axes x and y of tv jointly, producing two new axes
// with the same extents.
func (b *Builder) Swizzle(tv *TensorView, x, y int) {
	assertSameContainer(b.container(), tv)
	idX, idY := tv.Axis(x), tv.Axis(y)
	if x < 0 {
		x += tv.NDims()
	}
	if y < 0 {
		y += tv.NDims()
	}
	outX := b.IterDomain(idX.Extent(), idX.IterType())
	outY := b.IterDomain(idY.Extent(), idY.IterType())
	sw := &Swizzle{}
	sw.inputs = []Val{idX, idY}
	sw.outputs = []Val{outX, outY}
	b.container().RegisterExpr(b.pk, sw)

	loop := append([]*IterDomain(nil), tv.LoopDomain()...)
	loop[x] = outX
	loop[y] = outY
	tv.setLoopDomain(loop)
}

func asConstInt(v Val) (int64, bool) {
	s, ok := v.(*Scalar)
	if !ok || s.dtype != DataTypeIndex || s.intVal == nil {
		return 0, false
	}
	return *s.intVal, true
}

func (b *Builder) newBinaryOp(op BinaryOpType, lhs, rhs Val, outType DataType) Val {
	out := &Scalar{dtype: outType}
	b.container().RegisterVal(b.pk, out)
	e := &BinaryOp{op: op}
	e.inputs = []Val{lhs, rhs}
	e.outputs = []Val{out}
	b.container().RegisterExpr(b.pk, e)
	return out
}

// MaxExpr returns max(a, b), simplified. Either side may be nil, returning
// the other; provably equal sides collapse to a.
func (b *Builder) MaxExpr(a, c Val) Val {
	if a == nil {
		return c
	}
	if c == nil {
		return a
	}
	if SameAs(a, c) {
		return a
	}
	if av, aOK := asConstInt(a); aOK {
		if cv, cOK := asConstInt(c); cOK {
			return b.Constant(max(av, cv))
		}
	}
	return b.newBinaryOp(BinaryOpMax, a, c, DataTypeIndex)
}

// AddExpr returns a + c, simplified: constants fold, zero is identity, and
// adding a constant to an add-of-constant folds the constants together.
func (b *Builder) AddExpr(a, c Val) Val {
	av, aConst := asConstInt(a)
	cv, cConst := asConstInt(c)
	switch {
	case aConst && cConst:
		return b.Constant(av + cv)
	case aConst && av == 0:
		return c
	case cConst && cv == 0:
		return a
	}
	// Reassociate (x + k1) + k2 into x + (k1 + k2).
	if cConst {
		if def, ok := a.Definition().(*BinaryOp); ok && def.Op() == BinaryOpAdd {
			if k1, ok := asConstInt(def.Rhs()); ok {
				if k1+cv == 0 {
					return def.Lhs()
				}
				return b.AddExpr(def.Lhs(), b.Constant(k1+cv))
			}
		}
	}
	return b.newBinaryOp(BinaryOpAdd, a, c, DataTypeIndex)
}

// RawAddExpr returns a + c without simplification; used where the resulting
// expression must stay visible, like the warp-specialization pad.
func (b *Builder) RawAddExpr(a, c Val) Val {
	return b.newBinaryOp(BinaryOpAdd, a, c, DataTypeIndex)
}

// MulExpr returns a * c, simplified.
func (b *Builder) MulExpr(a, c Val) Val {
	av, aConst := asConstInt(a)
	cv, cConst := asConstInt(c)
	switch {
	case aConst && cConst:
		return b.Constant(av * cv)
	case aConst && av == 1:
		return c
	case cConst && cv == 1:
		return a
	}
	return b.newBinaryOp(BinaryOpMul, a, c, DataTypeIndex)
}

// CeilDivExpr returns ceil(a / c), simplified.
func (b *Builder) CeilDivExpr(a, c Val) Val {
	av, aConst := asConstInt(a)
	cv, cConst := asConstInt(c)
	if cConst && cv == 1 {
		return a
	}
	if aConst && cConst && cv != 0 {
		return b.Constant((av + cv - 1) / cv)
	}
	return b.newBinaryOp(BinaryOpCeilDiv, a, c, DataTypeIndex)
}

// ModExpr returns a % c, simplified.
func (b *Builder) ModExpr(a, c Val) Val {
	av, aConst := asConstInt(a)
	cv, cConst := asConstInt(c)
	if aConst && cConst && cv != 0 {
		return b.Constant(av % cv)
	}
	if cConst && cv == 1 {
		return b.Zero()
	}
	return b.newBinaryOp(BinaryOpMod, a, c, DataTypeIndex)
}

// EqExpr returns a == c as a bool scalar, simplified: provably equal values
// fold to true, distinct constants fold to false.
func (b *Builder) EqExpr(a, c Val) Val {
	if SameAs(a, c) {
		return b.BoolConstant(true)
	}
	if av, aOK := asConstInt(a); aOK {
		if cv, cOK := asConstInt(c); cOK {
			return b.BoolConstant(av == cv)
		}
	}
	return b.newBinaryOp(BinaryOpEq, a, c, DataTypeBool)
}

// Simplify rebuilds v's defining expression tree through the simplifying
// constructors, folding whatever became foldable.
func (b *Builder) Simplify(v Val) Val {
	def, ok := v.Definition().(*BinaryOp)
	if !ok {
		return v
	}
	lhs := b.Simplify(def.Lhs())
	rhs := b.Simplify(def.Rhs())
	switch def.Op() {
	case BinaryOpAdd:
		return b.AddExpr(lhs, rhs)
	case BinaryOpMul:
		return b.MulExpr(lhs, rhs)
	case BinaryOpMax:
		return b.MaxExpr(lhs, rhs)
	case BinaryOpCeilDiv:
		return b.CeilDivExpr(lhs, rhs)
	case BinaryOpMod:
		return b.ModExpr(lhs, rhs)
	case BinaryOpEq:
		return b.EqExpr(lhs, rhs)
	}
	return v
}
