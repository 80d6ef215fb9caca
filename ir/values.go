package ir

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// DataType is the scalar data type. The analyses only manipulate extents and
// predicates, so only the index and bool types exist.
type DataType int

const (
	DataTypeIndex DataType = iota
	DataTypeBool
)

// String implements fmt.Stringer.
func (d DataType) String() string {
	switch d {
	case DataTypeIndex:
		return "Index"
	case DataTypeBool:
		return "Bool"
	default:
		return "invalid"
	}
}

// Scalar is a symbolic or constant scalar value. Extents of iteration domains
// are Scalars (or NamedScalars).
type Scalar struct {
	valBase
	dtype   DataType
	intVal  *int64
	boolVal *bool
}

// Kind implements Statement.
func (s *Scalar) Kind() Kind { return KindScalar }

// DataType returns the scalar's data type.
func (s *Scalar) DataType() DataType { return s.dtype }

// IsConst reports whether the scalar holds a compile-time constant.
func (s *Scalar) IsConst() bool {
	return s.intVal != nil || s.boolVal != nil
}

// ConstInt returns the constant integer value. Panics if not a constant
// index scalar.
func (s *Scalar) ConstInt() int64 {
	if s.intVal == nil {
		exceptions.Panicf("ir: %s is not a constant index scalar", s)
	}
	return *s.intVal
}

// ConstBool returns the constant boolean value. Panics if not a constant
// bool scalar.
func (s *Scalar) ConstBool() bool {
	if s.boolVal == nil {
		exceptions.Panicf("ir: %s is not a constant bool scalar", s)
	}
	return *s.boolVal
}

// String implements fmt.Stringer.
func (s *Scalar) String() string {
	switch {
	case s.intVal != nil:
		return fmt.Sprintf("%d", *s.intVal)
	case s.boolVal != nil:
		return fmt.Sprintf("%v", *s.boolVal)
	default:
		return fmt.Sprintf("i%d", s.name)
	}
}

// NamedScalar is a scalar identified by an external name, like the launch
// dimension variables "blockDim.x" or "gridDim.y". Two NamedScalars with the
// same name denote the same runtime value even across containers.
type NamedScalar struct {
	valBase
	dtype      DataType
	scalarName string
}

// Kind implements Statement.
func (n *NamedScalar) Kind() Kind { return KindNamedScalar }

// DataType returns the scalar's data type.
func (n *NamedScalar) DataType() DataType { return n.dtype }

// ScalarName returns the external name.
func (n *NamedScalar) ScalarName() string { return n.scalarName }

// String implements fmt.Stringer.
func (n *NamedScalar) String() string { return n.scalarName }

// ParallelDimName returns the launch-dimension variable name for a thread
// parallel type, e.g. "blockDim.x" for TIDx. Panics on non-thread types.
func ParallelDimName(pt ParallelType) string {
	switch pt {
	case ParallelTypeBIDx:
		return "gridDim.x"
	case ParallelTypeBIDy:
		return "gridDim.y"
	case ParallelTypeBIDz:
		return "gridDim.z"
	case ParallelTypeTIDx:
		return "blockDim.x"
	case ParallelTypeTIDy:
		return "blockDim.y"
	case ParallelTypeTIDz:
		return "blockDim.z"
	default:
		exceptions.Panicf("ir: %s has no launch dimension", pt)
		panic("unreachable")
	}
}
