package ir

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// IterType classifies what an iteration domain ranges over.
type IterType int

const (
	// IterTypeIteration is a normal data-parallel axis.
	IterTypeIteration IterType = iota
	// IterTypeBroadcast is a size-1 axis standing in for an axis of another
	// tensor, to be expanded on use.
	IterTypeBroadcast
	// IterTypeReduction is an axis reduced away by the defining expression.
	IterTypeReduction
)

// String implements fmt.Stringer.
func (t IterType) String() string {
	switch t {
	case IterTypeIteration:
		return "Iteration"
	case IterTypeBroadcast:
		return "Broadcast"
	case IterTypeReduction:
		return "Reduction"
	default:
		return "invalid"
	}
}

// ParallelType is the hardware binding of an iteration domain.
type ParallelType int

const (
	ParallelTypeSerial ParallelType = iota
	ParallelTypeBIDx
	ParallelTypeBIDy
	ParallelTypeBIDz
	ParallelTypeTIDx
	ParallelTypeTIDy
	ParallelTypeTIDz
	ParallelTypeVectorize
	ParallelTypeUnroll
)

// String implements fmt.Stringer.
func (pt ParallelType) String() string {
	switch pt {
	case ParallelTypeSerial:
		return "Serial"
	case ParallelTypeBIDx:
		return "blockIdx.x"
	case ParallelTypeBIDy:
		return "blockIdx.y"
	case ParallelTypeBIDz:
		return "blockIdx.z"
	case ParallelTypeTIDx:
		return "threadIdx.x"
	case ParallelTypeTIDy:
		return "threadIdx.y"
	case ParallelTypeTIDz:
		return "threadIdx.z"
	case ParallelTypeVectorize:
		return "Vectorize"
	case ParallelTypeUnroll:
		return "Unroll"
	default:
		return "invalid"
	}
}

// IsThread reports whether pt binds an axis to a grid or block dimension.
func (pt ParallelType) IsThread() bool {
	switch pt {
	case ParallelTypeBIDx, ParallelTypeBIDy, ParallelTypeBIDz,
		ParallelTypeTIDx, ParallelTypeTIDy, ParallelTypeTIDz:
		return true
	}
	return false
}

// IsThreadDim reports whether pt binds an axis to a block (threadIdx)
// dimension.
func (pt ParallelType) IsThreadDim() bool {
	switch pt {
	case ParallelTypeTIDx, ParallelTypeTIDy, ParallelTypeTIDz:
		return true
	}
	return false
}

// ParallelTypeThreads lists the grid and block dimensions in canonical order.
// Map iteration and display follow this order.
var ParallelTypeThreads = []ParallelType{
	ParallelTypeBIDx, ParallelTypeBIDy, ParallelTypeBIDz,
	ParallelTypeTIDx, ParallelTypeTIDy, ParallelTypeTIDz,
}

// ParallelTypeTIDs lists the block dimensions in canonical order.
var ParallelTypeTIDs = []ParallelType{
	ParallelTypeTIDx, ParallelTypeTIDy, ParallelTypeTIDz,
}

// IterDomain is a single iteration axis: an extent plus iteration and
// parallelization attributes. Scheduling transforms (split, merge, resize,
// swizzle) produce new IterDomains related to their origins through defining
// expressions, which is how the equivalence maps trace loop axes back to
// logical axes.
type IterDomain struct {
	valBase
	extent   Val
	iterType IterType
	parallel ParallelType
}

// Kind implements Statement.
func (id *IterDomain) Kind() Kind { return KindIterDomain }

// Extent returns the axis extent.
func (id *IterDomain) Extent() Val { return id.extent }

// IterType returns the axis classification.
func (id *IterDomain) IterType() IterType { return id.iterType }

// IsBroadcast reports whether the axis is a broadcast axis.
func (id *IterDomain) IsBroadcast() bool { return id.iterType == IterTypeBroadcast }

// IsReduction reports whether the axis is a reduction axis.
func (id *IterDomain) IsReduction() bool { return id.iterType == IterTypeReduction }

// ParallelType returns the hardware binding, ParallelTypeSerial if unbound.
func (id *IterDomain) ParallelType() ParallelType { return id.parallel }

// Parallelize binds the axis to pt.
func (id *IterDomain) Parallelize(pt ParallelType) {
	id.parallel = pt
}

// IsThread reports whether the axis is bound to a grid or block dimension.
func (id *IterDomain) IsThread() bool { return id.parallel.IsThread() }

// String implements fmt.Stringer.
func (id *IterDomain) String() string {
	prefix := "i"
	switch id.iterType {
	case IterTypeBroadcast:
		prefix = "b"
	case IterTypeReduction:
		prefix = "r"
	}
	s := fmt.Sprintf("%s%d{%s}", prefix, id.name, id.extent)
	if id.parallel != ParallelTypeSerial {
		s += "@" + id.parallel.String()
	}
	return s
}

// checkAxisTypes panics unless every domain entry is non-nil; used by the
// TensorView constructors.
func checkAxisTypes(ids []*IterDomain) {
	for i, id := range ids {
		if id == nil {
			exceptions.Panicf("ir: nil IterDomain at position %d", i)
		}
	}
}
