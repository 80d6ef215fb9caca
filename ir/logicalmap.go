package ir

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/sets"

	"github.com/gomlx/fusor/internal/disjointset"
)

// PairwiseLogicalDomainMap relates the axes of one producer/consumer tensor
// pair across the consumer's defining expression. Producer non-reduction
// logical axes correspond positionally to consumer root axes, except axes
// the expression inserts (broadcast) or removes (squeeze).
type PairwiseLogicalDomainMap struct {
	producer *TensorView
	consumer *TensorView
	expr     Expr
}

// NewPairwiseLogicalDomainMap builds the map for a producer/consumer pair.
// Panics unless producer is an input of consumer's definition.
func NewPairwiseLogicalDomainMap(producer, consumer *TensorView) *PairwiseLogicalDomainMap {
	def := consumer.Definition()
	if def == nil {
		exceptions.Panicf("ir: %s has no definition, cannot map to producer %s", consumer, producer)
	}
	found := false
	for _, in := range def.Inputs() {
		if in == Val(producer) {
			found = true
			break
		}
	}
	if !found {
		exceptions.Panicf("ir: %s is not a producer of %s", producer, consumer)
	}
	return &PairwiseLogicalDomainMap{producer: producer, consumer: consumer, expr: def}
}

// pairs returns the mapped (producer, consumer) axis pairs in position
// order.
func (m *PairwiseLogicalDomainMap) pairs() [][2]*IterDomain {
	pDom := nonReductionLogical(m.producer)
	cDom := m.consumer.MaybeRootDomain()

	var skipConsumer, skipProducer []bool
	switch e := m.expr.(type) {
	case *BroadcastOp:
		skipConsumer = e.BroadcastFlags()
	case *SqueezeOp:
		skipProducer = e.SqueezeFlags()
	}

	var out [][2]*IterDomain
	pi, ci := 0, 0
	for pi < len(pDom) && ci < len(cDom) {
		if skipProducer != nil && pi < len(skipProducer) && skipProducer[pi] {
			pi++
			continue
		}
		if skipConsumer != nil && ci < len(skipConsumer) && skipConsumer[ci] {
			ci++
			continue
		}
		out = append(out, [2]*IterDomain{pDom[pi], cDom[ci]})
		pi++
		ci++
	}
	return out
}

// MapProducerToConsumer returns producer axis → consumer axis. When filter
// is non-nil, only producer axes in the filter are included.
func (m *PairwiseLogicalDomainMap) MapProducerToConsumer(filter sets.Set[*IterDomain]) map[*IterDomain]*IterDomain {
	out := make(map[*IterDomain]*IterDomain)
	for _, pair := range m.pairs() {
		if filter != nil && !filter.Has(pair[0]) {
			continue
		}
		out[pair[0]] = pair[1]
	}
	return out
}

// MapConsumerToProducer returns consumer axis → producer axis. When filter
// is non-nil, only consumer axes in the filter are included.
func (m *PairwiseLogicalDomainMap) MapConsumerToProducer(filter sets.Set[*IterDomain]) map[*IterDomain]*IterDomain {
	out := make(map[*IterDomain]*IterDomain)
	for _, pair := range m.pairs() {
		if filter != nil && !filter.Has(pair[1]) {
			continue
		}
		out[pair[1]] = pair[0]
	}
	return out
}

// ExactLogicalDomainMap partitions iteration domains into classes of axes
// with provably equal index spaces: producer/consumer pairs map only when
// both sides agree on being a broadcast, and the classes propagate through
// structurally identical scheduling transforms.
type ExactLogicalDomainMap struct {
	classes *disjointset.DisjointSet[*IterDomain]
}

// NewExactLogicalDomainMap builds the exact map over a whole fusion.
func NewExactLogicalDomainMap(f *Fusion) *ExactLogicalDomainMap {
	m := &ExactLogicalDomainMap{classes: disjointset.New[*IterDomain]()}
	for _, tv := range f.AllTensorViews() {
		for _, id := range tv.AllIDs() {
			m.classes.Add(id)
		}
	}
	for _, e := range f.TensorExprs() {
		var siblings []*TensorView
		for _, out := range e.Outputs() {
			consumer, ok := out.(*TensorView)
			if !ok {
				continue
			}
			siblings = append(siblings, consumer)
			for _, in := range e.Inputs() {
				producer, ok := in.(*TensorView)
				if !ok {
					continue
				}
				pairwise := NewPairwiseLogicalDomainMap(producer, consumer)
				for _, pair := range pairwise.pairs() {
					if pair[0].IsBroadcast() == pair[1].IsBroadcast() {
						m.classes.Union(pair[0], pair[1])
					}
				}
			}
		}
		// Sibling outputs share their domains axis by axis.
		if len(siblings) > 1 && HasUniformSiblings(e) {
			first := siblings[0].MaybeRootDomain()
			for _, sib := range siblings[1:] {
				sibDom := sib.MaybeRootDomain()
				for i := range first {
					m.classes.Union(first[i], sibDom[i])
				}
			}
		}
	}
	m.propagateTransforms(f)
	return m
}

// propagateTransforms extends the classes through scheduling transforms: two
// transforms of the same kind whose inputs are mapped pairwise (and whose
// attributes agree) produce mapped outputs. Runs to a fixpoint.
func (m *ExactLogicalDomainMap) propagateTransforms(f *Fusion) {
	var transforms []Expr
	for _, e := range f.Exprs() {
		switch e.(type) {
		case *Split, *Merge, *Resize, *Swizzle:
			transforms = append(transforms, e)
		}
	}
	for changed := true; changed; {
		changed = false
		for i, a := range transforms {
			for _, b := range transforms[i+1:] {
				if m.transformsMatch(a, b) && m.unionOutputs(a, b) {
					changed = true
				}
			}
		}
	}
}

func (m *ExactLogicalDomainMap) transformsMatch(a, b Expr) bool {
	if a.Kind() != b.Kind() {
		return false
	}
	aIn, bIn := a.Inputs(), b.Inputs()
	if len(aIn) != len(bIn) {
		return false
	}
	for i := range aIn {
		if !m.classes.Same(aIn[i].(*IterDomain), bIn[i].(*IterDomain)) {
			return false
		}
	}
	switch at := a.(type) {
	case *Split:
		return SameAs(at.Factor(), b.(*Split).Factor())
	case *Resize:
		bt := b.(*Resize)
		return SameAs(at.LeftExpand(), bt.LeftExpand()) && SameAs(at.RightExpand(), bt.RightExpand())
	}
	return true
}

func (m *ExactLogicalDomainMap) unionOutputs(a, b Expr) bool {
	changed := false
	aOut, bOut := a.Outputs(), b.Outputs()
	for i := range aOut {
		x, y := aOut[i].(*IterDomain), bOut[i].(*IterDomain)
		if !m.classes.Same(x, y) {
			m.classes.Union(x, y)
			changed = true
		}
	}
	return changed
}

// AreMapped reports whether a and b have provably equal index spaces.
func (m *ExactLogicalDomainMap) AreMapped(a, b *IterDomain) bool {
	return m.classes.Same(a, b)
}

// ConcreteMappedID returns the canonical representative of id's class: the
// lowest-named non-broadcast member, or the lowest-named member when the
// whole class is broadcasts. Deterministic across runs.
func (m *ExactLogicalDomainMap) ConcreteMappedID(id *IterDomain) *IterDomain {
	var best, bestAny *IterDomain
	for _, member := range m.classes.Members(id) {
		if bestAny == nil || member.Name() < bestAny.Name() {
			bestAny = member
		}
		if !member.IsBroadcast() && (best == nil || member.Name() < best.Name()) {
			best = member
		}
	}
	if best != nil {
		return best
	}
	return bestAny
}

// PermissiveLogicalDomainMap partitions iteration domains like the exact
// map, but also joins broadcast axes with the axes they are broadcast
// against. This is the equivalence the inlining analysis uses: axes that end
// up as the same loop after inlining.
type PermissiveLogicalDomainMap struct {
	classes *disjointset.DisjointSet[*IterDomain]
}

// NewPermissiveLogicalDomainMap builds the permissive map over a whole
// fusion.
func NewPermissiveLogicalDomainMap(f *Fusion) *PermissiveLogicalDomainMap {
	m := &PermissiveLogicalDomainMap{classes: disjointset.New[*IterDomain]()}
	for _, tv := range f.AllTensorViews() {
		for _, id := range tv.AllIDs() {
			m.classes.Add(id)
		}
	}
	for _, e := range f.TensorExprs() {
		for _, out := range e.Outputs() {
			consumer, ok := out.(*TensorView)
			if !ok {
				continue
			}
			for _, in := range e.Inputs() {
				producer, ok := in.(*TensorView)
				if !ok {
					continue
				}
				pairwise := NewPairwiseLogicalDomainMap(producer, consumer)
				for _, pair := range pairwise.pairs() {
					m.classes.Union(pair[0], pair[1])
				}
			}
		}
	}
	return m
}

// AreMapped reports whether a and b can become the same loop.
func (m *PermissiveLogicalDomainMap) AreMapped(a, b *IterDomain) bool {
	return m.classes.Same(a, b)
}

// LoopAxesMapped reports whether two loop axes are related: some transform
// ancestor of a is permissively mapped to some transform ancestor of b.
// Loop axes themselves are rarely unioned directly; their relationship flows
// through the logical axes they derive from.
func (m *PermissiveLogicalDomainMap) LoopAxesMapped(a, b *IterDomain) bool {
	bAnc := AncestorIDs(b)
	for _, x := range AncestorIDs(a) {
		for _, y := range bAnc {
			if m.classes.Same(x, y) {
				return true
			}
		}
	}
	return false
}
