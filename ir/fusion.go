package ir

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WarpPaddedParallelInfo is fusion-global scheduling metadata consumed by the
// parallel dimension map's warp padding correction.
type WarpPaddedParallelInfo struct {
	// IsTIDxPadded requests rounding the blockDim.x extent up to a multiple
	// of the warp size.
	IsTIDxPadded bool
	// IsTIDxSingleWarp asserts the padded blockDim.x is exactly one warp.
	IsTIDxSingleWarp bool
	// HasWarpReduction records that some reduction relies on warp shuffles,
	// which is what makes the padding load-bearing.
	HasWarpReduction bool
}

// Fusion is one complete tensor program: a Container of nodes plus the
// input/output lists and fusion-global scheduling metadata. Every analysis
// takes the fusion it operates on explicitly.
type Fusion struct {
	Container

	inputs  []Val
	outputs []Val

	warpPadded WarpPaddedParallelInfo
}

// NewFusion returns an empty fusion.
func NewFusion() *Fusion {
	return &Fusion{Container: *NewContainer()}
}

// AddInput marks v as a fusion input. Panics if v has a definition.
func (f *Fusion) AddInput(v Val) {
	assertSameContainer(&f.Container, v)
	if v.Definition() != nil {
		exceptions.Panicf("ir: fusion input %s has a definition", v)
	}
	f.inputs = append(f.inputs, v)
}

// AddOutput marks v as a fusion output.
func (f *Fusion) AddOutput(v Val) {
	assertSameContainer(&f.Container, v)
	f.outputs = append(f.outputs, v)
}

// Inputs returns the fusion inputs in declaration order.
func (f *Fusion) Inputs() []Val { return f.inputs }

// Outputs returns the fusion outputs in declaration order.
func (f *Fusion) Outputs() []Val { return f.outputs }

// IsInput reports whether v is a fusion input.
func (f *Fusion) IsInput(v Val) bool {
	for _, in := range f.inputs {
		if in == v {
			return true
		}
	}
	return false
}

// IsOutput reports whether v is a fusion output.
func (f *Fusion) IsOutput(v Val) bool {
	for _, out := range f.outputs {
		if out == v {
			return true
		}
	}
	return false
}

// WarpPaddedParallelInfo returns the warp padding metadata.
func (f *Fusion) WarpPaddedParallelInfo() WarpPaddedParallelInfo { return f.warpPadded }

// SetWarpPaddedParallelInfo sets the warp padding metadata.
func (f *Fusion) SetWarpPaddedParallelInfo(info WarpPaddedParallelInfo) {
	f.warpPadded = info
}

// AllTensorViews returns every tensor in the fusion, in registration order.
func (f *Fusion) AllTensorViews() []*TensorView {
	var tvs []*TensorView
	for _, v := range f.Vals() {
		if tv, ok := v.(*TensorView); ok {
			tvs = append(tvs, tv)
		}
	}
	return tvs
}

// isTensorExpr reports whether e has a tensor output.
func isTensorExpr(e Expr) bool {
	for _, out := range e.Outputs() {
		if _, ok := out.(*TensorView); ok {
			return true
		}
	}
	return false
}

// TensorExprs returns the tensor-producing expressions in a deterministic
// topological order: repeated passes over the registration order pick up
// every expression whose tensor inputs are all available, so the result is a
// function of the graph alone.
func (f *Fusion) TensorExprs() []Expr {
	done := sets.Make[*TensorView]()
	for _, tv := range f.AllTensorViews() {
		if tv.Definition() == nil || f.IsInput(tv) {
			done.Insert(tv)
		}
	}

	var pending []Expr
	for _, e := range f.Exprs() {
		if isTensorExpr(e) {
			pending = append(pending, e)
		}
	}

	sorted := make([]Expr, 0, len(pending))
	for len(pending) > 0 {
		var next []Expr
		progressed := false
		for _, e := range pending {
			ready := true
			for _, in := range e.Inputs() {
				if tv, ok := in.(*TensorView); ok && !done.Has(tv) {
					ready = false
					break
				}
			}
			if !ready {
				next = append(next, e)
				continue
			}
			sorted = append(sorted, e)
			progressed = true
			for _, out := range e.Outputs() {
				if tv, ok := out.(*TensorView); ok {
					done.Insert(tv)
				}
			}
		}
		if !progressed {
			exceptions.Panicf("ir: fusion has a tensor-expression cycle or an undefined input; %d expressions unreachable", len(next))
		}
		pending = next
	}
	klog.V(3).Infof("TensorExprs: %d expressions ordered", len(sorted))
	return sorted
}

// ProducerTVsOf returns the tensor inputs of tv's definition, deduplicated
// in input order.
func ProducerTVsOf(tv *TensorView) []*TensorView {
	def := tv.Definition()
	if def == nil {
		return nil
	}
	var producers []*TensorView
	seen := sets.Make[*TensorView]()
	for _, in := range def.Inputs() {
		if p, ok := in.(*TensorView); ok && !seen.Has(p) {
			seen.Insert(p)
			producers = append(producers, p)
		}
	}
	return producers
}

// ConsumerTVsOf returns the tensor outputs of tv's uses, deduplicated in use
// order.
func ConsumerTVsOf(tv *TensorView) []*TensorView {
	var consumers []*TensorView
	seen := sets.Make[*TensorView]()
	for _, use := range tv.Uses() {
		for _, out := range use.Outputs() {
			if c, ok := out.(*TensorView); ok && !seen.Has(c) {
				seen.Insert(c)
				consumers = append(consumers, c)
			}
		}
	}
	return consumers
}

// SiblingTVsOf returns the other tensor outputs of tv's definition.
func SiblingTVsOf(tv *TensorView) []*TensorView {
	def := tv.Definition()
	if def == nil {
		return nil
	}
	var siblings []*TensorView
	for _, out := range def.Outputs() {
		if s, ok := out.(*TensorView); ok && s != tv {
			siblings = append(siblings, s)
		}
	}
	return siblings
}

// Validate checks the fusion's structural invariants, returning an error
// instead of panicking so drivers can surface it.
func (f *Fusion) Validate() error {
	var err error
	caught := exceptions.TryCatch[error](func() {
		for _, in := range f.inputs {
			if in.Definition() != nil {
				exceptions.Panicf("input %s has a definition", in)
			}
		}
		for _, out := range f.outputs {
			if !f.InContainer(out) {
				exceptions.Panicf("output %s not in container", out)
			}
		}
		_ = f.TensorExprs()
	})
	if caught != nil {
		err = errors.WithMessagef(caught, "validating fusion")
	}
	return err
}

// Clone deep-copies the fusion: all nodes, the input/output lists and the
// scheduling metadata. Names are preserved, so printing the clone matches
// the original.
func (f *Fusion) Clone() *Fusion {
	clone := NewFusion()
	cl := Copy(&f.Container, &clone.Container)
	for _, in := range f.inputs {
		clone.inputs = append(clone.inputs, cl.CloneVal(in))
	}
	for _, out := range f.outputs {
		clone.outputs = append(clone.outputs, cl.CloneVal(out))
	}
	clone.warpPadded = f.warpPadded
	return clone
}
