package ir

import (
	"fmt"
	"strings"
)

// BinaryOpType is the operator of a scalar BinaryOp.
type BinaryOpType int

const (
	BinaryOpAdd BinaryOpType = iota
	BinaryOpMul
	BinaryOpMax
	BinaryOpCeilDiv
	BinaryOpMod
	BinaryOpEq
)

// String implements fmt.Stringer.
func (op BinaryOpType) String() string {
	switch op {
	case BinaryOpAdd:
		return "add"
	case BinaryOpMul:
		return "mul"
	case BinaryOpMax:
		return "max"
	case BinaryOpCeilDiv:
		return "ceilDiv"
	case BinaryOpMod:
		return "mod"
	case BinaryOpEq:
		return "eq"
	default:
		return "invalid"
	}
}

// BinaryOp is a scalar binary expression. The parallel dimension map builds
// these to combine extents symbolically.
type BinaryOp struct {
	exprBase
	op BinaryOpType
}

// Kind implements Statement.
func (b *BinaryOp) Kind() Kind { return KindBinaryOp }

// Op returns the operator.
func (b *BinaryOp) Op() BinaryOpType { return b.op }

// Lhs returns the left operand.
func (b *BinaryOp) Lhs() Val { return b.inputs[0] }

// Rhs returns the right operand.
func (b *BinaryOp) Rhs() Val { return b.inputs[1] }

// Out returns the result value.
func (b *BinaryOp) Out() Val { return b.outputs[0] }

// String implements fmt.Stringer.
func (b *BinaryOp) String() string {
	return fmt.Sprintf("%s = %s(%s, %s)", b.Out(), b.op, b.Lhs(), b.Rhs())
}

// Split divides one iteration domain into an outer/inner pair. The inner
// extent is the factor; the outer extent is ceilDiv of the original.
type Split struct {
	exprBase
	factor Val
}

// Kind implements Statement.
func (s *Split) Kind() Kind { return KindSplit }

// In returns the split domain.
func (s *Split) In() *IterDomain { return s.inputs[0].(*IterDomain) }

// Outer returns the outer result domain.
func (s *Split) Outer() *IterDomain { return s.outputs[0].(*IterDomain) }

// Inner returns the inner result domain.
func (s *Split) Inner() *IterDomain { return s.outputs[1].(*IterDomain) }

// Factor returns the split factor.
func (s *Split) Factor() Val { return s.factor }

// String implements fmt.Stringer.
func (s *Split) String() string {
	return fmt.Sprintf("%s, %s = split(%s, %s)", s.Outer(), s.Inner(), s.In(), s.factor)
}

// Merge fuses two adjacent iteration domains into one.
type Merge struct {
	exprBase
}

// Kind implements Statement.
func (m *Merge) Kind() Kind { return KindMerge }

// Outer returns the outer input domain.
func (m *Merge) Outer() *IterDomain { return m.inputs[0].(*IterDomain) }

// Inner returns the inner input domain.
func (m *Merge) Inner() *IterDomain { return m.inputs[1].(*IterDomain) }

// Out returns the merged domain.
func (m *Merge) Out() *IterDomain { return m.outputs[0].(*IterDomain) }

// String implements fmt.Stringer.
func (m *Merge) String() string {
	return fmt.Sprintf("%s = merge(%s, %s)", m.Out(), m.Outer(), m.Inner())
}

// Resize extends or shrinks an iteration domain at both ends; padding
// introduces these between a PadOp's root and logical domains.
type Resize struct {
	exprBase
	leftExpand  Val
	rightExpand Val
}

// Kind implements Statement.
func (r *Resize) Kind() Kind { return KindResize }

// In returns the resized domain.
func (r *Resize) In() *IterDomain { return r.inputs[0].(*IterDomain) }

// Out returns the result domain.
func (r *Resize) Out() *IterDomain { return r.outputs[0].(*IterDomain) }

// LeftExpand returns the extension at the low end.
func (r *Resize) LeftExpand() Val { return r.leftExpand }

// RightExpand returns the extension at the high end.
func (r *Resize) RightExpand() Val { return r.rightExpand }

// String implements fmt.Stringer.
func (r *Resize) String() string {
	return fmt.Sprintf("%s = resize(%s, %s, %s)", r.Out(), r.In(), r.leftExpand, r.rightExpand)
}

// Swizzle reorders the index space of a pair of iteration domains without
// changing their extents.
type Swizzle struct {
	exprBase
}

// Kind implements Statement.
func (s *Swizzle) Kind() Kind { return KindSwizzle }

// InX returns the first input domain.
func (s *Swizzle) InX() *IterDomain { return s.inputs[0].(*IterDomain) }

// InY returns the second input domain.
func (s *Swizzle) InY() *IterDomain { return s.inputs[1].(*IterDomain) }

// OutX returns the first output domain.
func (s *Swizzle) OutX() *IterDomain { return s.outputs[0].(*IterDomain) }

// OutY returns the second output domain.
func (s *Swizzle) OutY() *IterDomain { return s.outputs[1].(*IterDomain) }

// String implements fmt.Stringer.
func (s *Swizzle) String() string {
	return fmt.Sprintf("%s, %s = swizzle(%s, %s)", s.OutX(), s.OutY(), s.InX(), s.InY())
}

// PointwiseOp is an elementwise tensor operation over one or more inputs.
// The analyses never look at which arithmetic it performs, only at its
// producer/consumer axis relationships.
type PointwiseOp struct {
	exprBase
	opName string
}

// Kind implements Statement.
func (p *PointwiseOp) Kind() Kind { return KindPointwiseOp }

// OpName returns the display name ("set", "add", ...).
func (p *PointwiseOp) OpName() string { return p.opName }

// String implements fmt.Stringer.
func (p *PointwiseOp) String() string { return exprString(p.opName, p) }

// BroadcastOp inserts broadcast axes into its input. Flags has one entry per
// output logical axis; true marks an inserted broadcast axis.
type BroadcastOp struct {
	exprBase
	flags []bool
}

// Kind implements Statement.
func (b *BroadcastOp) Kind() Kind { return KindBroadcastOp }

// In returns the input tensor.
func (b *BroadcastOp) In() *TensorView { return b.inputs[0].(*TensorView) }

// Out returns the output tensor.
func (b *BroadcastOp) Out() *TensorView { return b.outputs[0].(*TensorView) }

// IsBroadcastDim reports whether output logical axis i was inserted by this
// op.
func (b *BroadcastOp) IsBroadcastDim(i int) bool { return b.flags[i] }

// BroadcastFlags returns the per-output-axis insertion flags.
func (b *BroadcastOp) BroadcastFlags() []bool { return b.flags }

// String implements fmt.Stringer.
func (b *BroadcastOp) String() string { return exprString("broadcast", b) }

// ReductionOp reduces its input over the axes marked IterTypeReduction in
// the output.
type ReductionOp struct {
	exprBase
	opName string
}

// Kind implements Statement.
func (r *ReductionOp) Kind() Kind { return KindReductionOp }

// OpName returns the display name ("sum", ...).
func (r *ReductionOp) OpName() string { return r.opName }

// In returns the input tensor.
func (r *ReductionOp) In() *TensorView { return r.inputs[0].(*TensorView) }

// Out returns the output tensor.
func (r *ReductionOp) Out() *TensorView { return r.outputs[0].(*TensorView) }

// String implements fmt.Stringer.
func (r *ReductionOp) String() string { return exprString(r.opName, r) }

// WelfordOp computes mean, variance and count in one pass. Its three outputs
// share identical domain shapes, making it the canonical multi-output
// expression for sibling propagation.
type WelfordOp struct {
	exprBase
}

// Kind implements Statement.
func (w *WelfordOp) Kind() Kind { return KindWelfordOp }

// In returns the input tensor.
func (w *WelfordOp) In() *TensorView { return w.inputs[0].(*TensorView) }

// Avg returns the mean output.
func (w *WelfordOp) Avg() *TensorView { return w.outputs[0].(*TensorView) }

// Var returns the variance output.
func (w *WelfordOp) Var() *TensorView { return w.outputs[1].(*TensorView) }

// N returns the count output.
func (w *WelfordOp) N() *TensorView { return w.outputs[2].(*TensorView) }

// String implements fmt.Stringer.
func (w *WelfordOp) String() string { return exprString("welford", w) }

// PadOp pads one axis of its input. The output's root domain holds the
// unpadded axis, related to the padded logical axis through a Resize.
type PadOp struct {
	exprBase
	axis int
}

// Kind implements Statement.
func (p *PadOp) Kind() Kind { return KindPadOp }

// In returns the input tensor.
func (p *PadOp) In() *TensorView { return p.inputs[0].(*TensorView) }

// Out returns the output tensor.
func (p *PadOp) Out() *TensorView { return p.outputs[0].(*TensorView) }

// PaddedAxis returns the padded axis position.
func (p *PadOp) PaddedAxis() int { return p.axis }

// String implements fmt.Stringer.
func (p *PadOp) String() string { return exprString("pad", p) }

// SqueezeOp removes broadcast axes from its input. Flags has one entry per
// input logical axis; true marks a removed axis.
type SqueezeOp struct {
	exprBase
	flags []bool
}

// Kind implements Statement.
func (s *SqueezeOp) Kind() Kind { return KindSqueezeOp }

// In returns the input tensor.
func (s *SqueezeOp) In() *TensorView { return s.inputs[0].(*TensorView) }

// Out returns the output tensor.
func (s *SqueezeOp) Out() *TensorView { return s.outputs[0].(*TensorView) }

// IsSqueezeDim reports whether input logical axis i is removed by this op.
func (s *SqueezeOp) IsSqueezeDim(i int) bool { return s.flags[i] }

// SqueezeFlags returns the per-input-axis removal flags.
func (s *SqueezeOp) SqueezeFlags() []bool { return s.flags }

// String implements fmt.Stringer.
func (s *SqueezeOp) String() string { return exprString("squeeze", s) }

// HasUniformSiblings reports whether all outputs of e have the same rank and
// per-position iteration types, the precondition for propagating scheduling
// between sibling outputs. Single-output expressions are trivially uniform.
func HasUniformSiblings(e Expr) bool {
	outs := e.Outputs()
	if len(outs) < 2 {
		return true
	}
	first, ok := outs[0].(*TensorView)
	if !ok {
		return false
	}
	ref := first.MaybeRootDomain()
	for _, out := range outs[1:] {
		tv, ok := out.(*TensorView)
		if !ok {
			return false
		}
		dom := tv.MaybeRootDomain()
		if len(dom) != len(ref) {
			return false
		}
		for i := range dom {
			if dom[i].IterType() != ref[i].IterType() {
				return false
			}
		}
	}
	return true
}

func exprString(name string, e Expr) string {
	var sb strings.Builder
	for i, out := range e.Outputs() {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(out.String())
	}
	sb.WriteString(" = ")
	sb.WriteString(name)
	sb.WriteString("(")
	for i, in := range e.Inputs() {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(in.String())
	}
	sb.WriteString(")")
	return sb.String()
}
