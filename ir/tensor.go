package ir

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/sets"
)

// WarpSpecialized marks a tensor's circular buffering as warp-specialized on
// one block dimension. When NumRegisters is set, the padded warps trade
// registers to the compute warps (register sharing).
type WarpSpecialized struct {
	On ParallelType
	// NumRegisters, when non-nil, holds the (compute, load) register counts
	// and enables register sharing.
	NumRegisters *[2]int64
}

// CircularBufferOptions configures circular buffering of a tensor.
type CircularBufferOptions struct {
	Stage           int
	WarpSpecialized *WarpSpecialized
}

// TensorView is a tensor-valued node. It carries up to four related axis
// lists:
//
//   - root: the axes as produced by the definition, before any logical
//     reshaping (nil when identical to logical);
//   - logical: the axes of the tensor's semantic shape;
//   - allocation: the axes ordering memory layout (nil when identical to
//     logical);
//   - loop: the axes the generated loop nest iterates, derived from logical
//     by scheduling transforms.
type TensorView struct {
	valBase
	root       []*IterDomain
	logical    []*IterDomain
	allocation []*IterDomain
	loop       []*IterDomain

	computeAtPos   int
	maxProducerPos int

	circularBuffer *CircularBufferOptions
}

// Kind implements Statement.
func (tv *TensorView) Kind() Kind { return KindTensorView }

// HasRoot reports whether the tensor has a root domain distinct from its
// logical domain.
func (tv *TensorView) HasRoot() bool { return tv.root != nil }

// RootDomain returns the root domain. Panics when there is none.
func (tv *TensorView) RootDomain() []*IterDomain {
	if tv.root == nil {
		exceptions.Panicf("ir: %s has no root domain distinct from logical", tv)
	}
	return tv.root
}

// MaybeRootDomain returns the root domain if distinct, else the logical
// domain.
func (tv *TensorView) MaybeRootDomain() []*IterDomain {
	if tv.root != nil {
		return tv.root
	}
	return tv.logical
}

// LogicalDomain returns the logical domain.
func (tv *TensorView) LogicalDomain() []*IterDomain { return tv.logical }

// MaybeAllocationDomain returns the allocation domain if distinct, else the
// logical domain.
func (tv *TensorView) MaybeAllocationDomain() []*IterDomain {
	if tv.allocation != nil {
		return tv.allocation
	}
	return tv.logical
}

// SetAllocationDomain sets the memory-layout ordering of the axes. The given
// domain must be a permutation of the logical domain.
func (tv *TensorView) SetAllocationDomain(ids []*IterDomain) {
	if len(ids) != len(tv.logical) {
		exceptions.Panicf("ir: allocation domain has %d axes, %s has %d logical axes",
			len(ids), tv, len(tv.logical))
	}
	logical := sets.Make[*IterDomain]()
	for _, id := range tv.logical {
		logical.Insert(id)
	}
	seen := sets.Make[*IterDomain]()
	for _, id := range ids {
		if !logical.Has(id) || seen.Has(id) {
			exceptions.Panicf("ir: allocation domain %v is not a permutation of the logical domain of %s",
				ids, tv)
		}
		seen.Insert(id)
	}
	tv.allocation = ids
}

// LoopDomain returns the loop domain.
func (tv *TensorView) LoopDomain() []*IterDomain { return tv.loop }

// NDims returns the number of loop axes.
func (tv *TensorView) NDims() int { return len(tv.loop) }

// Axis returns the loop axis at position i; negative positions wrap from the
// end.
func (tv *TensorView) Axis(i int) *IterDomain {
	n := len(tv.loop)
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		exceptions.Panicf("ir: axis %d out of range for %s with %d loop axes", i, tv, n)
	}
	return tv.loop[i]
}

// Reorder permutes the loop domain. newToOld[i] gives the current position of
// the axis that should end up at position i; it must be a permutation.
func (tv *TensorView) Reorder(newToOld []int) {
	n := len(tv.loop)
	if len(newToOld) != n {
		exceptions.Panicf("ir: reorder permutation has %d entries, %s has %d loop axes",
			len(newToOld), tv, n)
	}
	seen := make([]bool, n)
	newLoop := make([]*IterDomain, n)
	for i, old := range newToOld {
		if old < 0 || old >= n || seen[old] {
			exceptions.Panicf("ir: reorder %v is not a permutation of %d axes", newToOld, n)
		}
		seen[old] = true
		newLoop[i] = tv.loop[old]
	}
	tv.loop = newLoop
}

// setLoopDomain replaces the loop domain; used by the scheduling transforms
// on the Builder.
func (tv *TensorView) setLoopDomain(loop []*IterDomain) {
	tv.loop = loop
}

// AllIDs returns every iteration domain reachable from the tensor: root,
// logical, allocation and loop axes plus every transform ancestor of the loop
// axes, deduplicated in discovery order.
func (tv *TensorView) AllIDs() []*IterDomain {
	var all []*IterDomain
	seen := sets.Make[*IterDomain]()
	add := func(id *IterDomain) {
		if id == nil || seen.Has(id) {
			return
		}
		seen.Insert(id)
		all = append(all, id)
	}
	for _, id := range tv.root {
		add(id)
	}
	for _, id := range tv.logical {
		add(id)
	}
	for _, id := range tv.allocation {
		add(id)
	}
	for _, id := range tv.loop {
		add(id)
		for _, anc := range AncestorIDs(id) {
			add(anc)
		}
	}
	return all
}

// ComputeAtPos returns how many outer loop axes are inlined into consumers.
func (tv *TensorView) ComputeAtPos() int { return tv.computeAtPos }

// MaxProducerPos returns the deepest inlining position any producer holds
// into this tensor.
func (tv *TensorView) MaxProducerPos() int { return tv.maxProducerPos }

// SetComputeAtPos sets the inlining position directly. Most callers should
// use the scheduler's InlineAt, which validates against the analysis bounds.
func (tv *TensorView) SetComputeAtPos(pos int) {
	if pos < 0 || pos > len(tv.loop) {
		exceptions.Panicf("ir: compute-at position %d out of range for %s with %d loop axes",
			pos, tv, len(tv.loop))
	}
	tv.computeAtPos = pos
}

// SetMaxProducerPos sets the producer position directly.
func (tv *TensorView) SetMaxProducerPos(pos int) {
	if pos < 0 || pos > len(tv.loop) {
		exceptions.Panicf("ir: producer position %d out of range for %s with %d loop axes",
			pos, tv, len(tv.loop))
	}
	tv.maxProducerPos = pos
}

// CircularBuffer returns the circular buffering options, nil when disabled.
func (tv *TensorView) CircularBuffer() *CircularBufferOptions { return tv.circularBuffer }

// SetCircularBuffer enables circular buffering with the given options.
func (tv *TensorView) SetCircularBuffer(opts CircularBufferOptions) {
	if opts.Stage < 2 {
		exceptions.Panicf("ir: circular buffering needs at least 2 stages, got %d", opts.Stage)
	}
	if ws := opts.WarpSpecialized; ws != nil && !ws.On.IsThreadDim() {
		exceptions.Panicf("ir: warp specialization on %s, must be a threadIdx dimension", ws.On)
	}
	tv.circularBuffer = &opts
}

// String implements fmt.Stringer.
func (tv *TensorView) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "T%d[", tv.name)
	for i, id := range tv.loop {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(id.String())
	}
	sb.WriteString("]")
	if tv.computeAtPos > 0 {
		fmt.Fprintf(&sb, " ca_pos(%d)", tv.computeAtPos)
	}
	if tv.maxProducerPos > 0 {
		fmt.Fprintf(&sb, " produce_pos(%d)", tv.maxProducerPos)
	}
	return sb.String()
}
