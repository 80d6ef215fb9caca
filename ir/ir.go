// Package ir defines the node substrate of the fusion IR: values (symbolic
// scalars, iteration domains, tensor views), expressions connecting them, and
// the Container that owns every node.
//
//   - Container: owns all nodes; registration is capability-gated and assigns
//     monotonically increasing per-kind names.
//   - Builder: the only holder of a registration passkey; constructs nodes and
//     provides the simplifying scalar algebra used by the analyses.
//   - Fusion: a Container plus input/output lists and fusion-global scheduling
//     metadata; the explicit context threaded through every analysis.
package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// Kind identifies the concrete type of a Statement. The set of kinds is
// closed: cloning and printing dispatch on it rather than on reflection.
type Kind int

const (
	KindScalar Kind = iota
	KindNamedScalar
	KindIterDomain
	KindTensorView
	KindBinaryOp
	KindSplit
	KindMerge
	KindResize
	KindSwizzle
	KindPointwiseOp
	KindBroadcastOp
	KindReductionOp
	KindWelfordOp
	KindPadOp
	KindSqueezeOp
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "Scalar"
	case KindNamedScalar:
		return "NamedScalar"
	case KindIterDomain:
		return "IterDomain"
	case KindTensorView:
		return "TensorView"
	case KindBinaryOp:
		return "BinaryOp"
	case KindSplit:
		return "Split"
	case KindMerge:
		return "Merge"
	case KindResize:
		return "Resize"
	case KindSwizzle:
		return "Swizzle"
	case KindPointwiseOp:
		return "PointwiseOp"
	case KindBroadcastOp:
		return "BroadcastOp"
	case KindReductionOp:
		return "ReductionOp"
	case KindWelfordOp:
		return "WelfordOp"
	case KindPadOp:
		return "PadOp"
	case KindSqueezeOp:
		return "SqueezeOp"
	default:
		return "invalid"
	}
}

// BuilderPasskey is the capability token required to register nodes with a
// Container. Only a Builder holds a valid one: the container field is
// unexported, so the zero value is the only thing outside code can produce,
// and registration rejects it.
type BuilderPasskey struct {
	container *Container
}

// Statement is the common interface of every IR node. A statement is owned by
// exactly one Container; its identity is (container, kind, name).
type Statement interface {
	Kind() Kind
	Name() int64
	Container() *Container
	String() string

	// Unexported methods keep the implementation set closed to this package.
	setName(name int64)
	setContainer(c *Container)
}

// Val is a Statement that can be an input or output of expressions: scalars,
// named scalars, iteration domains and tensor views.
type Val interface {
	Statement

	// Definition returns the expression producing this value, or nil.
	Definition() Expr
	// Uses returns the expressions consuming this value, in the order their
	// use was registered.
	Uses() []Expr

	setDefinition(e Expr)
	addUse(e Expr)
	removeUse(e Expr)
}

// Expr is an operation with ordered input and output value lists.
type Expr interface {
	Statement

	Inputs() []Val
	Outputs() []Val
}

// stmt is the embedded base of every node.
type stmt struct {
	name      int64
	container *Container
}

func (s *stmt) Name() int64           { return s.name }
func (s *stmt) Container() *Container { return s.container }
func (s *stmt) setName(name int64)    { s.name = name }
func (s *stmt) setContainer(c *Container) {
	s.container = c
}

// valBase is the embedded base of every Val.
type valBase struct {
	stmt
	definition Expr
	uses       []Expr
}

func (v *valBase) Definition() Expr { return v.definition }
func (v *valBase) Uses() []Expr     { return v.uses }

func (v *valBase) setDefinition(e Expr) { v.definition = e }

func (v *valBase) addUse(e Expr) {
	if slices.Contains(v.uses, e) {
		return
	}
	v.uses = append(v.uses, e)
}

func (v *valBase) removeUse(e Expr) {
	idx := slices.Index(v.uses, e)
	if idx >= 0 {
		v.uses = slices.Delete(v.uses, idx, idx+1)
	}
}

// exprBase is the embedded base of every Expr.
type exprBase struct {
	stmt
	inputs  []Val
	outputs []Val
}

func (e *exprBase) Inputs() []Val  { return e.inputs }
func (e *exprBase) Outputs() []Val { return e.outputs }

// SameAs reports whether two values denote provably the same scalar: the same
// node, equal constants, or named scalars with the same name.
func SameAs(a, b Val) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	switch av := a.(type) {
	case *Scalar:
		bv, ok := b.(*Scalar)
		if !ok || av.dtype != bv.dtype {
			return false
		}
		switch av.dtype {
		case DataTypeIndex:
			return av.intVal != nil && bv.intVal != nil && *av.intVal == *bv.intVal
		case DataTypeBool:
			return av.boolVal != nil && bv.boolVal != nil && *av.boolVal == *bv.boolVal
		}
		return false
	case *NamedScalar:
		bv, ok := b.(*NamedScalar)
		return ok && av.scalarName == bv.scalarName
	}
	return false
}

// assertSameContainer panics if the statement belongs to a different
// container; mixing containers is an internal defect, never recoverable.
func assertSameContainer(c *Container, s Statement) {
	if s.Container() != c {
		exceptions.Panicf("ir: statement %s belongs to a different container", s)
	}
}
