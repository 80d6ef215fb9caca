// Package lower holds the lowering-time analyses: broadcast concretization
// and the parallel dimension map.
package lower

import (
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"k8s.io/klog/v2"

	"github.com/gomlx/fusor/ir"
)

// ConcretizedBroadcastDomains traces every broadcast axis forward to the
// concrete axes it is eventually expanded against. A broadcast that reaches
// two non-equivalent concrete axes is concretized non-uniquely, which rules
// out scheduling decisions that assume a single extent for it.
type ConcretizedBroadcastDomains struct {
	exactMap *ir.ExactLogicalDomainMap

	// broadcastOrigins maps a broadcast axis to the original broadcast axes
	// it carries forward.
	broadcastOrigins map[*ir.IterDomain]sets.Set[*ir.IterDomain]

	// broadcastToConcrete maps an origin broadcast axis (and its forwarded
	// copies) to the concrete axes it is expanded against, deduplicated by
	// exact equivalence.
	broadcastToConcrete map[*ir.IterDomain]sets.Set[*ir.IterDomain]
}

// NewConcretizedBroadcastDomains runs the analysis over f.
func NewConcretizedBroadcastDomains(f *ir.Fusion) *ConcretizedBroadcastDomains {
	cbd := &ConcretizedBroadcastDomains{
		exactMap:            ir.NewExactLogicalDomainMap(f),
		broadcastOrigins:    make(map[*ir.IterDomain]sets.Set[*ir.IterDomain]),
		broadcastToConcrete: make(map[*ir.IterDomain]sets.Set[*ir.IterDomain]),
	}

	// Broadcast axes of fusion inputs (and of tensors created without a
	// definition) are their own origins.
	for _, tv := range f.AllTensorViews() {
		if tv.Definition() != nil && !f.IsInput(tv) {
			continue
		}
		for _, id := range tv.LogicalDomain() {
			if id.IsBroadcast() {
				cbd.addOrigin(id)
			}
		}
	}

	for _, e := range f.TensorExprs() {
		cbd.registerNewOrigins(e)
		cbd.propagate(e)
	}
	klog.V(2).Infof("broadcast concretization: %d origins, %d concretized",
		len(cbd.broadcastOrigins), len(cbd.broadcastToConcrete))
	return cbd
}

func (cbd *ConcretizedBroadcastDomains) addOrigin(id *ir.IterDomain) {
	if _, found := cbd.broadcastOrigins[id]; found {
		return
	}
	cbd.broadcastOrigins[id] = sets.Make[*ir.IterDomain]()
	cbd.broadcastOrigins[id].Insert(id)
}

// registerNewOrigins records broadcast axes introduced by e itself: the
// flagged axes of a BroadcastOp, and logical-but-not-root broadcast axes of
// outputs whose root differs from logical (pad shrinking an axis to size 1).
func (cbd *ConcretizedBroadcastDomains) registerNewOrigins(e ir.Expr) {
	if bop, ok := e.(*ir.BroadcastOp); ok {
		out := bop.Out()
		for i, id := range out.LogicalDomain() {
			if bop.IsBroadcastDim(i) {
				cbd.addOrigin(id)
			}
		}
	}
	for _, out := range e.Outputs() {
		tv, ok := out.(*ir.TensorView)
		if !ok || !tv.HasRoot() {
			continue
		}
		root := tv.RootDomain()
		for _, id := range tv.LogicalDomain() {
			if !id.IsBroadcast() {
				continue
			}
			inRoot := false
			for _, rid := range root {
				if rid == id {
					inRoot = true
					break
				}
			}
			if !inRoot {
				cbd.addOrigin(id)
			}
		}
	}
}

// propagate carries origin info across one expression, from each producer to
// each consumer.
func (cbd *ConcretizedBroadcastDomains) propagate(e ir.Expr) {
	for _, in := range e.Inputs() {
		producer, ok := in.(*ir.TensorView)
		if !ok {
			continue
		}
		producerBroadcasts := sets.Make[*ir.IterDomain]()
		for _, id := range producer.LogicalDomain() {
			if id.IsBroadcast() {
				producerBroadcasts.Insert(id)
			}
		}
		if len(producerBroadcasts) == 0 {
			continue
		}
		for _, out := range e.Outputs() {
			consumer, ok := out.(*ir.TensorView)
			if !ok {
				continue
			}
			pairwise := ir.NewPairwiseLogicalDomainMap(producer, consumer)
			p2c := pairwise.MapProducerToConsumer(producerBroadcasts)
			for _, pID := range sortedByName(keysOf(p2c)) {
				cID := p2c[pID]
				origins, found := cbd.broadcastOrigins[pID]
				if !found {
					exceptions.Panicf(
						"lower: broadcast origin info not found for %s of %s", pID, producer)
				}
				if !cID.IsBroadcast() && !cID.IsReduction() {
					for _, origin := range sortedMembers(origins) {
						cbd.markAsConcretized(origin, cID)
					}
				} else {
					// Still not concrete (a trivial reduction does not count
					// as concretization); forward the origin info.
					consumerOrigins, found := cbd.broadcastOrigins[cID]
					if !found {
						consumerOrigins = sets.Make[*ir.IterDomain]()
						cbd.broadcastOrigins[cID] = consumerOrigins
					}
					for origin := range origins {
						consumerOrigins.Insert(origin)
					}
					consumerOrigins.Insert(cID)
				}
			}
		}
	}
}

// markAsConcretized records concreteID against origin and every axis
// downstream of origin through iteration-domain expressions, stopping where
// an exactly-equivalent concrete axis is already recorded.
func (cbd *ConcretizedBroadcastDomains) markAsConcretized(origin, concreteID *ir.IterDomain) {
	queue := []*ir.IterDomain{origin}
	for len(queue) > 0 {
		child := queue[0]
		queue = queue[1:]
		concreteIDs, found := cbd.broadcastToConcrete[child]
		if !found {
			concreteIDs = sets.Make[*ir.IterDomain]()
			cbd.broadcastToConcrete[child] = concreteIDs
		}
		if !cbd.insertConcreteDomain(concreteID, concreteIDs) {
			continue
		}
		for _, use := range child.Uses() {
			for _, out := range use.Outputs() {
				if outID, ok := out.(*ir.IterDomain); ok {
					queue = append(queue, outID)
				}
			}
		}
	}
}

// insertConcreteDomain adds newID to idSet unless an exactly-equivalent axis
// is already present. Reports whether it inserted.
func (cbd *ConcretizedBroadcastDomains) insertConcreteDomain(
	newID *ir.IterDomain, idSet sets.Set[*ir.IterDomain]) bool {
	for existing := range idSet {
		if cbd.exactMap.AreMapped(newID, existing) {
			return false
		}
	}
	idSet.Insert(newID)
	return true
}

// IsConcretized reports whether id is expanded against at least one concrete
// axis somewhere downstream.
func (cbd *ConcretizedBroadcastDomains) IsConcretized(id *ir.IterDomain) bool {
	return len(cbd.AllConcretizedDomains(id)) > 0
}

// IsUniquelyConcretized reports whether id is expanded against exactly one
// equivalence class of concrete axes.
func (cbd *ConcretizedBroadcastDomains) IsUniquelyConcretized(id *ir.IterDomain) bool {
	return len(cbd.AllConcretizedDomains(id)) == 1
}

// MaybeNonUniquelyConcretized reports whether id is expanded against more
// than one equivalence class of concrete axes.
func (cbd *ConcretizedBroadcastDomains) MaybeNonUniquelyConcretized(id *ir.IterDomain) bool {
	return len(cbd.AllConcretizedDomains(id)) > 1
}

// AllConcretizedDomains returns the concrete axes id is expanded against,
// empty when id is never concretized.
func (cbd *ConcretizedBroadcastDomains) AllConcretizedDomains(id *ir.IterDomain) sets.Set[*ir.IterDomain] {
	if concrete, found := cbd.broadcastToConcrete[id]; found {
		return concrete
	}
	return sets.Make[*ir.IterDomain]()
}

func keysOf[V any](m map[*ir.IterDomain]V) []*ir.IterDomain {
	out := make([]*ir.IterDomain, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func sortedByName(ids []*ir.IterDomain) []*ir.IterDomain {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Name() < ids[j].Name() })
	return ids
}

func sortedMembers(s sets.Set[*ir.IterDomain]) []*ir.IterDomain {
	out := make([]*ir.IterDomain, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return sortedByName(out)
}
