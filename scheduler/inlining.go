package scheduler

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"k8s.io/klog/v2"

	"github.com/gomlx/fusor/ir"
)

// MaxPosCalculator computes how many outer loop axes of each tensor may be
// inlined into its consumers, and applies inlining decisions while keeping
// the fusion's compute-at state consistent.
type MaxPosCalculator struct {
	fusion *ir.Fusion

	// unmappableDims holds producer logical axes with no counterpart in
	// some consumer; inlining an axis derived from one would change
	// results.
	unmappableDims sets.Set[*ir.IterDomain]

	// uninlinableIDs are axes the caller pinned out of inlining.
	uninlinableIDs sets.Set[*ir.IterDomain]

	// permissive is built lazily; position mapping only needs it once
	// inlining positions are actually compared.
	permissive *ir.PermissiveLogicalDomainMap
}

// NewMaxPosCalculator builds a calculator for f. computeAtOnly skips the
// unmappable-dimension analysis for callers that only adjust compute-at
// positions of already-validated schedules.
func NewMaxPosCalculator(f *ir.Fusion, uninlinableIDs sets.Set[*ir.IterDomain], computeAtOnly bool) *MaxPosCalculator {
	calc := &MaxPosCalculator{
		fusion:         f,
		unmappableDims: sets.Make[*ir.IterDomain](),
		uninlinableIDs: uninlinableIDs,
	}
	if calc.uninlinableIDs == nil {
		calc.uninlinableIDs = sets.Make[*ir.IterDomain]()
	}
	if !computeAtOnly {
		calc.buildUnmappableDims()
	}
	return calc
}

func (calc *MaxPosCalculator) graph() *ir.PermissiveLogicalDomainMap {
	if calc.permissive == nil {
		calc.permissive = ir.NewPermissiveLogicalDomainMap(calc.fusion)
	}
	return calc.permissive
}

// buildUnmappableDims records every producer logical axis that some
// consumer has no counterpart for (squeezed axes, reduced axes feeding a
// downstream broadcast, ...).
func (calc *MaxPosCalculator) buildUnmappableDims() {
	for _, tv := range calc.fusion.AllTensorViews() {
		for _, consumer := range ir.ConsumerTVsOf(tv) {
			p2c := ir.NewPairwiseLogicalDomainMap(tv, consumer).MapProducerToConsumer(nil)
			for _, id := range tv.LogicalDomain() {
				if id.IsReduction() {
					continue
				}
				if _, found := p2c[id]; !found {
					calc.unmappableDims.Insert(id)
				}
			}
		}
	}
	if klog.V(2).Enabled() && len(calc.unmappableDims) > 0 {
		klog.Infof("inlining: %d unmappable dimensions", len(calc.unmappableDims))
	}
}

// IsAllowedID reports whether a loop axis of tv may sit inside the inlined
// region. The allow flags select the variant: producer-side checks forbid
// reductions, self checks forbid everything.
func (calc *MaxPosCalculator) IsAllowedID(
	id *ir.IterDomain, tv *ir.TensorView,
	bestEffort, allowReduction, allowVectorize, allowUnmappable bool) bool {
	if calc.uninlinableIDs.Has(id) {
		return false
	}
	if !allowReduction && id.IsReduction() {
		return false
	}
	if !allowVectorize {
		isVectorize := id.ParallelType() == ir.ParallelTypeVectorize ||
			(bestEffort && id.ParallelType() == ir.ParallelTypeUnroll)
		if isVectorize {
			return false
		}
	}
	if !allowUnmappable {
		for _, anc := range ir.AncestorIDs(id) {
			if calc.unmappableDims.Has(anc) {
				return false
			}
		}
	}
	return true
}

// GetMaxPosSelf returns how deep tv itself tolerates inlining. Strict mode
// stops at the first disallowed axis; best effort tolerates individually
// disallowed axes and returns one past the last allowed one.
func (calc *MaxPosCalculator) GetMaxPosSelf(
	tv *ir.TensorView, bestEffort, allowReduction, allowVectorize, allowUnmappable bool) int {
	loop := tv.LoopDomain()
	if bestEffort {
		maxPos := 0
		for i, id := range loop {
			if calc.IsAllowedID(id, tv, bestEffort, allowReduction, allowVectorize, allowUnmappable) {
				maxPos = i + 1
			}
		}
		return maxPos
	}
	for i, id := range loop {
		if !calc.IsAllowedID(id, tv, bestEffort, allowReduction, allowVectorize, allowUnmappable) {
			return i
		}
	}
	return len(loop)
}

// GetMaxProducerPosFromConsumer returns how many outer loop axes of
// producer can be shared with consumer: the first producer axis that is
// disallowed, or that no consumer loop axis corresponds to, bounds the
// position.
func (calc *MaxPosCalculator) GetMaxProducerPosFromConsumer(
	producer, consumer *ir.TensorView, bestEffort bool) int {
	graph := calc.graph()
	for pos, pID := range producer.LoopDomain() {
		if !calc.IsAllowedID(pID, producer, bestEffort,
			false /*allowReduction*/, true /*allowVectorize*/, false /*allowUnmappable*/) {
			return pos
		}
		mapped := false
		for _, cID := range consumer.LoopDomain() {
			if graph.LoopAxesMapped(pID, cID) {
				mapped = true
				break
			}
		}
		if !mapped {
			return pos
		}
	}
	return producer.NDims()
}

// GetMaxPosAll returns the deepest position tv can be inlined to,
// consistent with tv itself, all its consumers and (unless checkSiblings is
// false) its siblings.
func (calc *MaxPosCalculator) GetMaxPosAll(tv *ir.TensorView, bestEffort, checkSiblings bool) int {
	maxPos := calc.GetMaxPosSelf(tv, bestEffort, false, false, false)
	for _, consumer := range ir.ConsumerTVsOf(tv) {
		if p := calc.GetMaxProducerPosFromConsumer(tv, consumer, bestEffort); p < maxPos {
			maxPos = p
		}
	}
	if checkSiblings {
		for _, sibling := range ir.SiblingTVsOf(tv) {
			if p := calc.GetMaxPosAll(sibling, bestEffort, false); p < maxPos {
				maxPos = p
			}
		}
	}
	return maxPos
}

// GetConsumerPosAlignedToProducerCA returns the deepest consumer position
// whose suffix contains no axis related to producer's first producerPos
// loop axes; everything at or left of the returned position lines up with
// the producer's inlined region.
func (calc *MaxPosCalculator) GetConsumerPosAlignedToProducerCA(
	consumer, producer *ir.TensorView, producerPos int) int {
	return calc.alignedPosition(producer, consumer, producerPos)
}

// alignedPosition scans `to`'s loop axes innermost-out and returns the
// position after the innermost axis related to one of `from`'s first
// fromPos loop axes.
func (calc *MaxPosCalculator) alignedPosition(from, to *ir.TensorView, fromPos int) int {
	graph := calc.graph()
	fromPrefix := from.LoopDomain()[:fromPos]
	toPos := to.NDims()
	for toPos > 0 {
		toID := to.Axis(toPos - 1)
		related := false
		for _, fromID := range fromPrefix {
			if graph.LoopAxesMapped(fromID, toID) {
				related = true
				break
			}
		}
		if related {
			break
		}
		toPos--
	}
	return toPos
}

// InlineAt inlines tv at pos (negative wraps; -1 is the deepest position).
// Best effort clamps pos to the analysis bound; strict mode panics when pos
// exceeds it. Inlining never retreats: a smaller pos than the current
// compute-at position is a no-op.
func (calc *MaxPosCalculator) InlineAt(tv *ir.TensorView, pos int, bestEffort bool) {
	if calc.fusion.IsInput(tv) {
		exceptions.Panicf("scheduler: inlining fusion input %s", tv)
	}
	if pos < 0 {
		pos += tv.NDims() + 1
	}
	if pos < 0 || pos > tv.NDims() {
		exceptions.Panicf("scheduler: inline position out of range for %s", tv)
	}
	maxPos := calc.GetMaxPosAll(tv, bestEffort, true)
	if bestEffort && pos > maxPos {
		pos = maxPos
	}
	if pos > maxPos {
		exceptions.Panicf(
			"scheduler: invalid inline position %d for %s, max allowed is %d", pos, tv, maxPos)
	}
	if pos <= tv.ComputeAtPos() {
		return
	}
	klog.V(2).Infof("inlineAt %s pos=%d", tv, pos)
	tv.SetComputeAtPos(pos)
	for _, consumer := range ir.ConsumerTVsOf(tv) {
		calc.updateMaxProducerPos(consumer)
	}
}

func (calc *MaxPosCalculator) updateMaxProducerPos(consumer *ir.TensorView) {
	maxPos := consumer.MaxProducerPos()
	for _, producer := range ir.ProducerTVsOf(consumer) {
		pos := calc.GetConsumerPosAlignedToProducerCA(consumer, producer, producer.ComputeAtPos())
		if pos > maxPos {
			maxPos = pos
		}
	}
	consumer.SetMaxProducerPos(maxPos)
}

// InlineMost inlines every non-input tensor of f as deep as the analysis
// allows.
func InlineMost(f *ir.Fusion, uninlinableIDs sets.Set[*ir.IterDomain]) {
	InlineMostSelected(f, f.AllTensorViews(), uninlinableIDs)
}

// InlineMostSelected inlines the given tensors as deep as the analysis
// allows; fusion inputs are skipped.
func InlineMostSelected(f *ir.Fusion, tvs []*ir.TensorView, uninlinableIDs sets.Set[*ir.IterDomain]) {
	calc := NewMaxPosCalculator(f, uninlinableIDs, false)
	for _, tv := range tvs {
		if f.IsInput(tv) {
			continue
		}
		calc.InlineAt(tv, -1, true)
	}
}

// findMappedPositions is the propagator used by InlineAllAt: it carries a
// loop position from the reference outward, aligning it across each edge.
type findMappedPositions struct {
	calc      *MaxPosCalculator
	positions map[*ir.TensorView]int
}

func newFindMappedPositions(
	calc *MaxPosCalculator, reference *ir.TensorView, referencePos int) *findMappedPositions {
	if referencePos < 0 {
		referencePos += reference.NDims() + 1
	}
	if referencePos < 0 || referencePos > reference.NDims() {
		exceptions.Panicf("scheduler: reference position out of range for %s", reference)
	}
	return &findMappedPositions{
		calc:      calc,
		positions: map[*ir.TensorView]int{reference: referencePos},
	}
}

func (p *findMappedPositions) SetUp()    {}
func (p *findMappedPositions) TearDown() {}

func (p *findMappedPositions) propagate(from, to *ir.TensorView) {
	fromPos, found := p.positions[from]
	if !found {
		exceptions.Panicf("scheduler: propagation reached %s before %s got a position", to, from)
	}
	p.positions[to] = p.calc.alignedPosition(from, to, fromPos)
}

func (p *findMappedPositions) PropagateC2P(from, to *ir.TensorView) { p.propagate(from, to) }
func (p *findMappedPositions) PropagateP2C(from, to *ir.TensorView) { p.propagate(from, to) }

func (p *findMappedPositions) PropagateSibling(from, to *ir.TensorView) {
	fromPos, found := p.positions[from]
	if !found {
		exceptions.Panicf("scheduler: propagation reached %s before %s got a position", to, from)
	}
	p.positions[to] = fromPos
}

// getPositionsMappedTo computes, for every tensor reachable from the
// reference, the loop position corresponding to referencePos.
func getPositionsMappedTo(
	calc *MaxPosCalculator, reference *ir.TensorView, referencePos int,
	selector Selector) map[*ir.TensorView]int {
	finder := newFindMappedPositions(calc, reference, referencePos)
	tree := NewMaxLogicalDomainInfoSpanningTree(reference, selector)
	tree.Traverse(finder)
	return finder.positions
}

// InlineAllAt inlines every tensor of f at the position corresponding to
// referencePos in the reference tensor.
func InlineAllAt(
	f *ir.Fusion, reference *ir.TensorView, referencePos int,
	bestEffort bool, uninlinableIDs sets.Set[*ir.IterDomain]) {
	calc := NewMaxPosCalculator(f, uninlinableIDs, false)
	positions := getPositionsMappedTo(calc, reference, referencePos, nil)
	for _, tv := range f.AllTensorViews() {
		pos, found := positions[tv]
		if !found || f.IsInput(tv) {
			continue
		}
		calc.InlineAt(tv, pos, bestEffort)
	}
}

// InlineSelectedAt inlines the selected tensors at the position
// corresponding to referencePos in the reference tensor; propagation is
// restricted to the selected set.
func InlineSelectedAt(
	f *ir.Fusion, selected []*ir.TensorView, reference *ir.TensorView,
	referencePos int, bestEffort bool, uninlinableIDs sets.Set[*ir.IterDomain]) {
	calc := NewMaxPosCalculator(f, uninlinableIDs, false)
	selector := NewSetSelector(selected)
	positions := getPositionsMappedTo(calc, reference, referencePos, selector)
	for _, tv := range selected {
		pos, found := positions[tv]
		if !found || f.IsInput(tv) {
			continue
		}
		calc.InlineAt(tv, pos, bestEffort)
	}
}
