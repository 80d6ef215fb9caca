// Package scheduler holds the scheduling decision analyses: spanning-tree
// propagation of scheduling information across a fusion, and the inlining
// position calculator with its drivers.
package scheduler

import (
	"fmt"
	"io"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/sets"

	"github.com/gomlx/fusor/ir"
)

// Information is the quantity a spanning tree maximizes: how much knowledge
// about the reference tensor survives at a given tensor.
type Information interface {
	// Less orders by amount of preserved information.
	Less(other Information) bool
	// HasInfo reports whether anything survives at all. Paths through
	// tensors with no information are not worth extending.
	HasInfo() bool
}

// Selector restricts which edges a spanning tree may take.
type Selector interface {
	AllowC2P(from, to *ir.TensorView) bool
	AllowP2C(from, to *ir.TensorView) bool
	AllowSibling(from, to *ir.TensorView) bool
}

// Propagator receives the spanning tree path, one edge at a time.
type Propagator interface {
	SetUp()
	PropagateC2P(from, to *ir.TensorView)
	PropagateP2C(from, to *ir.TensorView)
	PropagateSibling(from, to *ir.TensorView)
	TearDown()
}

// InfoComputer computes how information transforms across each kind of
// edge. Implemented by MaxLogicalDomainInfoSpanningTree; kept an interface
// so other information lattices can reuse the tree search.
type InfoComputer interface {
	ComputeInfoP2C(from, to *ir.TensorView, fromInfo Information) Information
	ComputeInfoC2P(from, to *ir.TensorView, fromInfo Information) Information
	ComputeInfoSibling(from, to *ir.TensorView, fromInfo Information) Information
}

type hopType int

const (
	hopSibling hopType = iota
	hopConsumerAsProducer
	hopProducerAsConsumer
)

type nextHop struct {
	typ  hopType
	from *ir.TensorView
	to   *ir.TensorView
}

type nextHopWithInfo struct {
	hop      nextHop
	infoFrom Information
	infoTo   Information
}

// MaxInfoSpanningTree finds, for every tensor reachable from the reference,
// the path that preserves the most information about the reference, by
// Prim's algorithm. The path is computed once and cached; Traverse replays
// it into any number of propagators.
type MaxInfoSpanningTree struct {
	reference     *ir.TensorView
	referenceInfo Information
	selector      Selector
	computer      InfoComputer

	path []nextHop
}

// NewMaxInfoSpanningTree builds a tree rooted at reference. selector may be
// nil to allow every edge.
func NewMaxInfoSpanningTree(
	reference *ir.TensorView, referenceInfo Information,
	selector Selector, computer InfoComputer) *MaxInfoSpanningTree {
	return &MaxInfoSpanningTree{
		reference:     reference,
		referenceInfo: referenceInfo,
		selector:      selector,
		computer:      computer,
	}
}

// SetSelector replaces the selector and drops any cached path.
func (t *MaxInfoSpanningTree) SetSelector(s Selector) {
	t.selector = s
	t.path = nil
}

func (t *MaxInfoSpanningTree) allowC2P(from, to *ir.TensorView) bool {
	return t.selector == nil || t.selector.AllowC2P(from, to)
}

func (t *MaxInfoSpanningTree) allowP2C(from, to *ir.TensorView) bool {
	return t.selector == nil || t.selector.AllowP2C(from, to)
}

func (t *MaxInfoSpanningTree) allowSibling(from, to *ir.TensorView) bool {
	// Non-uniform siblings cannot exchange positional information; skip the
	// edge regardless of the selector.
	if !ir.HasUniformSiblings(from.Definition()) {
		return false
	}
	return t.selector == nil || t.selector.AllowSibling(from, to)
}

func (t *MaxInfoSpanningTree) computeSpanningTree() {
	replayed := sets.Make[*ir.TensorView]()

	// Candidates ascending by preserved information; the last entry is
	// always the best next step. A sorted slice rather than a heap keeps
	// the order fully deterministic.
	candidates := []nextHopWithInfo{{
		hop:    nextHop{to: t.reference},
		infoTo: t.referenceInfo,
	}}

	insertNextHop := func(info nextHopWithInfo) {
		if !info.infoFrom.HasInfo() {
			// Nothing about the reference survives at the source; paths
			// beyond it cannot recover anything.
			return
		}
		for i, existing := range candidates {
			if existing.hop.to == info.hop.to {
				if !existing.infoTo.Less(info.infoTo) {
					return
				}
				candidates = append(candidates[:i], candidates[i+1:]...)
				break
			}
		}
		pos := len(candidates)
		for i, existing := range candidates {
			if info.infoTo.Less(existing.infoTo) {
				pos = i
				break
			}
		}
		candidates = append(candidates, nextHopWithInfo{})
		copy(candidates[pos+1:], candidates[pos:])
		candidates[pos] = info
	}

	for len(candidates) > 0 {
		best := candidates[len(candidates)-1]
		candidates = candidates[:len(candidates)-1]

		if best.hop.from != nil {
			t.path = append(t.path, best.hop)
		}
		replayed.Insert(best.hop.to)

		for _, sibling := range ir.SiblingTVsOf(best.hop.to) {
			if replayed.Has(sibling) || !t.allowSibling(best.hop.to, sibling) {
				continue
			}
			insertNextHop(nextHopWithInfo{
				hop:      nextHop{typ: hopSibling, from: best.hop.to, to: sibling},
				infoFrom: best.infoTo,
				infoTo:   t.computer.ComputeInfoSibling(best.hop.to, sibling, best.infoTo),
			})
		}

		for _, consumer := range ir.ConsumerTVsOf(best.hop.to) {
			if replayed.Has(consumer) || !t.allowP2C(best.hop.to, consumer) {
				continue
			}
			insertNextHop(nextHopWithInfo{
				hop:      nextHop{typ: hopConsumerAsProducer, from: best.hop.to, to: consumer},
				infoFrom: best.infoTo,
				infoTo:   t.computer.ComputeInfoP2C(best.hop.to, consumer, best.infoTo),
			})
		}

		for _, producer := range ir.ProducerTVsOf(best.hop.to) {
			if replayed.Has(producer) || !t.allowC2P(best.hop.to, producer) {
				continue
			}
			insertNextHop(nextHopWithInfo{
				hop:      nextHop{typ: hopProducerAsConsumer, from: best.hop.to, to: producer},
				infoFrom: best.infoTo,
				infoTo:   t.computer.ComputeInfoC2P(best.hop.to, producer, best.infoTo),
			})
		}
	}
}

// Traverse replays the spanning tree path into p, computing the path on
// first call.
func (t *MaxInfoSpanningTree) Traverse(p Propagator) {
	if t.path == nil {
		t.computeSpanningTree()
	}
	p.SetUp()
	for _, hop := range t.path {
		switch hop.typ {
		case hopSibling:
			p.PropagateSibling(hop.from, hop.to)
		case hopConsumerAsProducer:
			p.PropagateP2C(hop.from, hop.to)
		case hopProducerAsConsumer:
			p.PropagateC2P(hop.from, hop.to)
		}
	}
	p.TearDown()
}

// IDInfo tracks what remains of one reference axis at some tensor: the axes
// holding (part of) its information, whether all of it survived, and whether
// those axes live in the logical or the root domain.
type IDInfo struct {
	mappedIDs  sets.Set[*ir.IterDomain]
	isComplete bool
	isLogical  bool
}

// DomainInfo is the Information tracked by
// MaxLogicalDomainInfoSpanningTree: one IDInfo per surviving reference
// axis.
type DomainInfo struct {
	info []IDInfo
}

// HasInfo implements Information.
func (d *DomainInfo) HasInfo() bool { return len(d.info) > 0 }

// Less implements Information: more surviving axes wins, then more complete
// axes.
func (d *DomainInfo) Less(other Information) bool {
	o := other.(*DomainInfo)
	if len(d.info) != len(o.info) {
		return len(d.info) < len(o.info)
	}
	return countComplete(d.info) < countComplete(o.info)
}

func countComplete(info []IDInfo) int {
	n := 0
	for _, i := range info {
		if i.isComplete {
			n++
		}
	}
	return n
}

// MaxLogicalDomainInfoSpanningTree tracks, along each path, which root axes
// of the reference tensor are still recoverable, preferring paths that keep
// more of them.
type MaxLogicalDomainInfoSpanningTree struct {
	*MaxInfoSpanningTree
	propagateThroughResize bool
}

// NewMaxLogicalDomainInfoSpanningTree roots the tree at reference with its
// whole root domain as the tracked information.
func NewMaxLogicalDomainInfoSpanningTree(
	reference *ir.TensorView, selector Selector) *MaxLogicalDomainInfoSpanningTree {
	info := &DomainInfo{}
	for _, id := range reference.MaybeRootDomain() {
		idSet := sets.Make[*ir.IterDomain]()
		idSet.Insert(id)
		info.info = append(info.info, IDInfo{mappedIDs: idSet, isComplete: true})
	}
	t := &MaxLogicalDomainInfoSpanningTree{}
	t.MaxInfoSpanningTree = NewMaxInfoSpanningTree(reference, info, selector, t)
	return t
}

// NewMaxLogicalDomainInfoSpanningTreeAt roots the tree at reference,
// tracking only the logical axes covered by the first loopPos loop axes.
// Negative positions wrap from the end.
func NewMaxLogicalDomainInfoSpanningTreeAt(
	reference *ir.TensorView, loopPos int, propagateThroughResize bool,
	selector Selector) *MaxLogicalDomainInfoSpanningTree {
	if loopPos < 0 {
		loopPos += reference.NDims() + 1
	}
	if loopPos < 0 || loopPos > reference.NDims() {
		exceptions.Panicf("scheduler: spanning tree position outside valid range for %s", reference)
	}
	selectedLoop := sets.Make[*ir.IterDomain]()
	for _, id := range reference.LoopDomain()[:loopPos] {
		selectedLoop.Insert(id)
	}
	info := &DomainInfo{}
	for _, id := range reference.LogicalDomain() {
		covered := selectedLoop.Has(id)
		if !covered {
			for loopID := range selectedLoop {
				if derivesThrough(id, loopID, propagateThroughResize) {
					covered = true
					break
				}
			}
		}
		if covered {
			idSet := sets.Make[*ir.IterDomain]()
			idSet.Insert(id)
			info.info = append(info.info, IDInfo{mappedIDs: idSet, isComplete: true, isLogical: true})
		}
	}
	t := &MaxLogicalDomainInfoSpanningTree{propagateThroughResize: propagateThroughResize}
	t.MaxInfoSpanningTree = NewMaxInfoSpanningTree(reference, info, selector, t)
	return t
}

// derivesThrough reports whether to is derived from from (or vice versa)
// through a non-empty transform chain, optionally excluding chains crossing
// a resize.
func derivesThrough(from, to *ir.IterDomain, throughResize bool) bool {
	chain, ok := ir.DependencyExprs(from, to)
	if !ok || len(chain) == 0 {
		return false
	}
	if throughResize {
		return true
	}
	for _, e := range chain {
		if _, isResize := e.(*ir.Resize); isResize {
			return false
		}
	}
	return true
}

// mapRootToLogical finds, for a set of root axes of tv, the logical axes
// carrying their information.
func mapRootToLogical(
	tv *ir.TensorView, rootIDs sets.Set[*ir.IterDomain],
	throughResize bool) sets.Set[*ir.IterDomain] {
	mapped := sets.Make[*ir.IterDomain]()
	for _, id := range tv.LogicalDomain() {
		if rootIDs.Has(id) {
			mapped.Insert(id)
			continue
		}
		for rootID := range rootIDs {
			if derivesThrough(rootID, id, throughResize) {
				mapped.Insert(id)
				break
			}
		}
	}
	return mapped
}

// mapLogicalToRoot finds, for a set of logical axes of tv, the root axes
// carrying their information.
func mapLogicalToRoot(
	tv *ir.TensorView, logicalIDs sets.Set[*ir.IterDomain],
	throughResize bool) sets.Set[*ir.IterDomain] {
	mapped := sets.Make[*ir.IterDomain]()
	for _, id := range tv.MaybeRootDomain() {
		if logicalIDs.Has(id) {
			mapped.Insert(id)
			continue
		}
		for logicalID := range logicalIDs {
			if derivesThrough(id, logicalID, throughResize) {
				mapped.Insert(id)
				break
			}
		}
	}
	return mapped
}

// ComputeInfoP2C maps producer-side info onto a consumer. Producer info held
// at the root domain is first forwarded to the producer's logical domain,
// then across the pairwise map into the consumer's root domain, where the
// result is kept raw.
func (t *MaxLogicalDomainInfoSpanningTree) ComputeInfoP2C(
	from, to *ir.TensorView, fromInfo Information) Information {
	producer, consumer := from, to
	result := &DomainInfo{}
	p2c := ir.NewPairwiseLogicalDomainMap(producer, consumer).MapProducerToConsumer(nil)
	for _, info := range fromInfo.(*DomainInfo).info {
		consumerInfo := IDInfo{
			mappedIDs:  sets.Make[*ir.IterDomain](),
			isComplete: info.isComplete,
			isLogical:  false,
		}
		producerLogicalIDs := info.mappedIDs
		if producer.HasRoot() && !info.isLogical {
			producerLogicalIDs = mapRootToLogical(producer, info.mappedIDs, t.propagateThroughResize)
		}
		for producerID := range producerLogicalIDs {
			if consumerID, found := p2c[producerID]; found {
				consumerInfo.mappedIDs.Insert(consumerID)
			} else {
				consumerInfo.isComplete = false
			}
		}
		if len(consumerInfo.mappedIDs) > 0 {
			result.info = append(result.info, consumerInfo)
		}
	}
	return result
}

// ComputeInfoC2P maps consumer-side info onto a producer. Consumer info held
// at the logical domain is first brought back to the consumer's root domain,
// then across the pairwise map into the producer's logical domain, where it
// stays: mapping further into the producer's root would launder information
// through transforms and overstate what survives.
func (t *MaxLogicalDomainInfoSpanningTree) ComputeInfoC2P(
	from, to *ir.TensorView, fromInfo Information) Information {
	producer, consumer := to, from
	result := &DomainInfo{}
	c2p := ir.NewPairwiseLogicalDomainMap(producer, consumer).MapConsumerToProducer(nil)
	for _, info := range fromInfo.(*DomainInfo).info {
		producerInfo := IDInfo{
			mappedIDs:  sets.Make[*ir.IterDomain](),
			isComplete: info.isComplete,
			isLogical:  true,
		}
		consumerRootIDs := info.mappedIDs
		if info.isLogical && consumer.HasRoot() {
			consumerRootIDs = mapLogicalToRoot(consumer, info.mappedIDs, t.propagateThroughResize)
		}
		for consumerID := range consumerRootIDs {
			if producerID, found := c2p[consumerID]; found {
				producerInfo.mappedIDs.Insert(producerID)
			} else {
				producerInfo.isComplete = false
			}
		}
		if len(producerInfo.mappedIDs) > 0 {
			result.info = append(result.info, producerInfo)
		}
	}
	return result
}

// ComputeInfoSibling re-indexes info positionally between two outputs of the
// same expression; siblings have identical domain shapes, so nothing is
// lost.
func (t *MaxLogicalDomainInfoSpanningTree) ComputeInfoSibling(
	from, to *ir.TensorView, fromInfo Information) Information {
	if from.HasRoot() != to.HasRoot() {
		exceptions.Panicf("scheduler: siblings %s and %s disagree on having a root domain", from, to)
	}
	fromLogical, toLogical := from.LogicalDomain(), to.LogicalDomain()
	if len(fromLogical) != len(toLogical) {
		exceptions.Panicf("scheduler: siblings %s and %s disagree on logical rank", from, to)
	}
	idMap := make(map[*ir.IterDomain]*ir.IterDomain, len(fromLogical))
	for i := range fromLogical {
		idMap[fromLogical[i]] = toLogical[i]
	}
	if from.HasRoot() {
		fromRoot, toRoot := from.RootDomain(), to.RootDomain()
		if len(fromRoot) != len(toRoot) {
			exceptions.Panicf("scheduler: siblings %s and %s disagree on root rank", from, to)
		}
		for i := range fromRoot {
			idMap[fromRoot[i]] = toRoot[i]
		}
	}
	result := &DomainInfo{}
	for _, info := range fromInfo.(*DomainInfo).info {
		toInfo := IDInfo{
			mappedIDs:  sets.Make[*ir.IterDomain](),
			isComplete: info.isComplete,
			isLogical:  info.isLogical,
		}
		for fromID := range info.mappedIDs {
			toID, found := idMap[fromID]
			if !found {
				exceptions.Panicf("scheduler: sibling %s has no axis matching %s of %s", to, fromID, from)
			}
			toInfo.mappedIDs.Insert(toID)
		}
		result.info = append(result.info, toInfo)
	}
	return result
}

// SpanningTreePrinter logs every edge of a traversal; a debugging
// propagator.
type SpanningTreePrinter struct {
	w io.Writer
}

// NewSpanningTreePrinter returns a printer writing to w.
func NewSpanningTreePrinter(w io.Writer) *SpanningTreePrinter {
	return &SpanningTreePrinter{w: w}
}

// SetUp implements Propagator.
func (p *SpanningTreePrinter) SetUp() {}

// TearDown implements Propagator.
func (p *SpanningTreePrinter) TearDown() {}

// PropagateC2P implements Propagator.
func (p *SpanningTreePrinter) PropagateC2P(from, to *ir.TensorView) {
	fmt.Fprintf(p.w, "propagateC2P\n  from: %s\n  to: %s\n", from, to)
}

// PropagateP2C implements Propagator.
func (p *SpanningTreePrinter) PropagateP2C(from, to *ir.TensorView) {
	fmt.Fprintf(p.w, "propagateP2C\n  from: %s\n  to: %s\n", from, to)
}

// PropagateSibling implements Propagator.
func (p *SpanningTreePrinter) PropagateSibling(from, to *ir.TensorView) {
	fmt.Fprintf(p.w, "propagateSibling\n  from: %s\n  to: %s\n", from, to)
}

// SetSelector allows every edge into a chosen set of tensors; sibling edges
// are always allowed.
type SetSelector struct {
	selected sets.Set[*ir.TensorView]
}

// NewSetSelector returns a selector restricted to the given tensors.
func NewSetSelector(selected []*ir.TensorView) *SetSelector {
	s := &SetSelector{selected: sets.Make[*ir.TensorView]()}
	for _, tv := range selected {
		s.selected.Insert(tv)
	}
	return s
}

// Selected returns the selected set.
func (s *SetSelector) Selected() sets.Set[*ir.TensorView] { return s.selected }

// AllowC2P implements Selector.
func (s *SetSelector) AllowC2P(from, to *ir.TensorView) bool { return s.selected.Has(to) }

// AllowP2C implements Selector.
func (s *SetSelector) AllowP2C(from, to *ir.TensorView) bool { return s.selected.Has(to) }

// AllowSibling implements Selector.
func (s *SetSelector) AllowSibling(from, to *ir.TensorView) bool { return true }
