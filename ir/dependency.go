package ir

import (
	"github.com/gomlx/gomlx/pkg/support/sets"
)

// DependencyExprs returns the chain of defining expressions between `from`
// and `to`, and whether such a chain exists. The chain starts with the
// expression defining `to` and walks back toward `from`. Identity is a
// trivially existing empty chain.
//
// The search walks definitions backward from `to`, so it only finds chains
// of scheduling transforms (split, merge, resize, swizzle) within one
// tensor's domain derivation.
func DependencyExprs(from, to *IterDomain) ([]Expr, bool) {
	if from == to {
		return nil, true
	}
	var chain []Expr
	var visit func(id *IterDomain) bool
	visited := sets.Make[*IterDomain]()
	visit = func(id *IterDomain) bool {
		if id == from {
			return true
		}
		if visited.Has(id) {
			return false
		}
		visited.Insert(id)
		def := id.Definition()
		if def == nil {
			return false
		}
		for _, in := range def.Inputs() {
			inID, ok := in.(*IterDomain)
			if !ok {
				continue
			}
			if visit(inID) {
				chain = append(chain, def)
				return true
			}
		}
		return false
	}
	if !visit(to) {
		return nil, false
	}
	// The recursion unwind collected the chain from-side first; reverse so
	// the expression defining `to` leads.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, true
}

// AncestorIDs returns id and every iteration domain it transitively derives
// from through defining expressions, in breadth-first discovery order.
func AncestorIDs(id *IterDomain) []*IterDomain {
	seen := sets.Make[*IterDomain]()
	seen.Insert(id)
	all := []*IterDomain{id}
	for i := 0; i < len(all); i++ {
		def := all[i].Definition()
		if def == nil {
			continue
		}
		for _, in := range def.Inputs() {
			if anc, ok := in.(*IterDomain); ok && !seen.Has(anc) {
				seen.Insert(anc)
				all = append(all, anc)
			}
		}
	}
	return all
}
