package ir

import (
	"github.com/gomlx/exceptions"
)

// Cloner deep-copies statements into a target container, memoizing so shared
// substructure stays shared. Clones keep their source names; the target
// container's name counters are advanced by Copy so later registrations do
// not collide.
type Cloner struct {
	container *Container
	clones    map[Statement]Statement
}

// NewCloner returns a Cloner targeting c.
func NewCloner(c *Container) *Cloner {
	return &Cloner{
		container: c,
		clones:    make(map[Statement]Statement),
	}
}

// Container returns the target container.
func (cl *Cloner) Container() *Container { return cl.container }

// Clone returns the copy of s in the target container, creating it (and
// transitively everything it references) on first request. Clone(nil) is
// nil.
func (cl *Cloner) Clone(s Statement) Statement {
	if s == nil {
		return nil
	}
	if existing, found := cl.clones[s]; found {
		return existing
	}
	fn, found := cloneFns[s.Kind()]
	if !found {
		exceptions.Panicf("ir: no clone function for kind %s", s.Kind())
	}
	return fn(cl, s)
}

// CloneVal is Clone specialized to values.
func (cl *Cloner) CloneVal(v Val) Val {
	if v == nil {
		return nil
	}
	return cl.Clone(v).(Val)
}

// CloneIterDomain is Clone specialized to iteration domains.
func (cl *Cloner) CloneIterDomain(id *IterDomain) *IterDomain {
	if id == nil {
		return nil
	}
	return cl.Clone(id).(*IterDomain)
}

// CloneTensorView is Clone specialized to tensor views.
func (cl *Cloner) CloneTensorView(tv *TensorView) *TensorView {
	if tv == nil {
		return nil
	}
	return cl.Clone(tv).(*TensorView)
}

// RegisterClone records that clone stands for src. Panics if src already has
// a clone; a statement maps to exactly one copy.
func (cl *Cloner) RegisterClone(src, clone Statement) {
	if _, found := cl.clones[src]; found {
		exceptions.Panicf("ir: %s already cloned", src)
	}
	cl.clones[src] = clone
}

// registerVal inserts a cloned value into the target container keeping its
// source name.
func (cl *Cloner) registerVal(src Val, clone Val) Val {
	cl.RegisterClone(src, clone)
	clone.setContainer(cl.container)
	clone.setName(src.Name())
	cl.container.vals = append(cl.container.vals, clone)
	cl.container.valSet.Insert(clone)
	return clone
}

// registerExpr inserts a cloned expression, wiring definition/use edges on
// the cloned values.
func (cl *Cloner) registerExpr(src Expr, clone Expr) Expr {
	cl.RegisterClone(src, clone)
	clone.setContainer(cl.container)
	clone.setName(src.Name())
	cl.container.exprs = append(cl.container.exprs, clone)
	cl.container.exprSet.Insert(clone)
	for _, in := range clone.Inputs() {
		in.addUse(clone)
	}
	for _, out := range clone.Outputs() {
		out.setDefinition(clone)
	}
	return clone
}

func (cl *Cloner) cloneVals(vs []Val) []Val {
	if vs == nil {
		return nil
	}
	out := make([]Val, len(vs))
	for i, v := range vs {
		out[i] = cl.CloneVal(v)
	}
	return out
}

func (cl *Cloner) cloneIterDomains(ids []*IterDomain) []*IterDomain {
	if ids == nil {
		return nil
	}
	out := make([]*IterDomain, len(ids))
	for i, id := range ids {
		out[i] = cl.CloneIterDomain(id)
	}
	return out
}

// cloneFns dispatches cloning on the closed Kind set. Assigned in init:
// the closures call back into Clone through the Cloner, so a plain package
// variable initializer would form an initialization cycle.
var cloneFns map[Kind]func(*Cloner, Statement) Statement

func init() {
	cloneFns = map[Kind]func(*Cloner, Statement) Statement{
		KindScalar: func(cl *Cloner, s Statement) Statement {
			src := s.(*Scalar)
			clone := &Scalar{dtype: src.dtype}
			if src.intVal != nil {
				v := *src.intVal
				clone.intVal = &v
			}
			if src.boolVal != nil {
				v := *src.boolVal
				clone.boolVal = &v
			}
			return cl.registerVal(src, clone)
		},
		KindNamedScalar: func(cl *Cloner, s Statement) Statement {
			src := s.(*NamedScalar)
			return cl.registerVal(src, &NamedScalar{dtype: src.dtype, scalarName: src.scalarName})
		},
		KindIterDomain: func(cl *Cloner, s Statement) Statement {
			src := s.(*IterDomain)
			clone := &IterDomain{
				extent:   cl.CloneVal(src.extent),
				iterType: src.iterType,
				parallel: src.parallel,
			}
			return cl.registerVal(src, clone)
		},
		KindTensorView: func(cl *Cloner, s Statement) Statement {
			src := s.(*TensorView)
			clone := &TensorView{
				root:           cl.cloneIterDomains(src.root),
				logical:        cl.cloneIterDomains(src.logical),
				allocation:     cl.cloneIterDomains(src.allocation),
				loop:           cl.cloneIterDomains(src.loop),
				computeAtPos:   src.computeAtPos,
				maxProducerPos: src.maxProducerPos,
			}
			if src.circularBuffer != nil {
				opts := *src.circularBuffer
				if opts.WarpSpecialized != nil {
					ws := *opts.WarpSpecialized
					if ws.NumRegisters != nil {
						regs := *ws.NumRegisters
						ws.NumRegisters = &regs
					}
					opts.WarpSpecialized = &ws
				}
				clone.circularBuffer = &opts
			}
			return cl.registerVal(src, clone)
		},
		KindBinaryOp: func(cl *Cloner, s Statement) Statement {
			src := s.(*BinaryOp)
			clone := &BinaryOp{op: src.op}
			clone.inputs = cl.cloneVals(src.inputs)
			clone.outputs = cl.cloneVals(src.outputs)
			return cl.registerExpr(src, clone)
		},
		KindSplit: func(cl *Cloner, s Statement) Statement {
			src := s.(*Split)
			clone := &Split{factor: cl.CloneVal(src.factor)}
			clone.inputs = cl.cloneVals(src.inputs)
			clone.outputs = cl.cloneVals(src.outputs)
			return cl.registerExpr(src, clone)
		},
		KindMerge: func(cl *Cloner, s Statement) Statement {
			src := s.(*Merge)
			clone := &Merge{}
			clone.inputs = cl.cloneVals(src.inputs)
			clone.outputs = cl.cloneVals(src.outputs)
			return cl.registerExpr(src, clone)
		},
		KindResize: func(cl *Cloner, s Statement) Statement {
			src := s.(*Resize)
			clone := &Resize{
				leftExpand:  cl.CloneVal(src.leftExpand),
				rightExpand: cl.CloneVal(src.rightExpand),
			}
			clone.inputs = cl.cloneVals(src.inputs)
			clone.outputs = cl.cloneVals(src.outputs)
			return cl.registerExpr(src, clone)
		},
		KindSwizzle: func(cl *Cloner, s Statement) Statement {
			src := s.(*Swizzle)
			clone := &Swizzle{}
			clone.inputs = cl.cloneVals(src.inputs)
			clone.outputs = cl.cloneVals(src.outputs)
			return cl.registerExpr(src, clone)
		},
		KindPointwiseOp: func(cl *Cloner, s Statement) Statement {
			src := s.(*PointwiseOp)
			clone := &PointwiseOp{opName: src.opName}
			clone.inputs = cl.cloneVals(src.inputs)
			clone.outputs = cl.cloneVals(src.outputs)
			return cl.registerExpr(src, clone)
		},
		KindBroadcastOp: func(cl *Cloner, s Statement) Statement {
			src := s.(*BroadcastOp)
			clone := &BroadcastOp{flags: append([]bool(nil), src.flags...)}
			clone.inputs = cl.cloneVals(src.inputs)
			clone.outputs = cl.cloneVals(src.outputs)
			return cl.registerExpr(src, clone)
		},
		KindReductionOp: func(cl *Cloner, s Statement) Statement {
			src := s.(*ReductionOp)
			clone := &ReductionOp{opName: src.opName}
			clone.inputs = cl.cloneVals(src.inputs)
			clone.outputs = cl.cloneVals(src.outputs)
			return cl.registerExpr(src, clone)
		},
		KindWelfordOp: func(cl *Cloner, s Statement) Statement {
			src := s.(*WelfordOp)
			clone := &WelfordOp{}
			clone.inputs = cl.cloneVals(src.inputs)
			clone.outputs = cl.cloneVals(src.outputs)
			return cl.registerExpr(src, clone)
		},
		KindPadOp: func(cl *Cloner, s Statement) Statement {
			src := s.(*PadOp)
			clone := &PadOp{axis: src.axis}
			clone.inputs = cl.cloneVals(src.inputs)
			clone.outputs = cl.cloneVals(src.outputs)
			return cl.registerExpr(src, clone)
		},
		KindSqueezeOp: func(cl *Cloner, s Statement) Statement {
			src := s.(*SqueezeOp)
			clone := &SqueezeOp{flags: append([]bool(nil), src.flags...)}
			clone.inputs = cl.cloneVals(src.inputs)
			clone.outputs = cl.cloneVals(src.outputs)
			return cl.registerExpr(src, clone)
		},
	}
}

// Copy clones every statement of from into to, in registration order, and
// carries the name counters over. The target is expected to be empty.
func Copy(from, to *Container) *Cloner {
	if len(to.vals) != 0 || len(to.exprs) != 0 {
		exceptions.Panicf("ir: Copy target container is not empty")
	}
	cl := NewCloner(to)
	for _, v := range from.vals {
		cl.Clone(v)
	}
	for _, e := range from.exprs {
		cl.Clone(e)
	}
	for k, n := range from.valNameCounters {
		to.valNameCounters[k] = n
	}
	to.exprNameCounter = from.exprNameCounter
	if from.zero != nil {
		to.zero = cl.Clone(from.zero).(*Scalar)
	}
	if from.one != nil {
		to.one = cl.Clone(from.one).(*Scalar)
	}
	return cl
}
