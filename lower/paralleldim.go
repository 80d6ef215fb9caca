package lower

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/fusor/ir"
)

const warpSize = 32

// registerSharingGranularity is the contiguous thread count required to
// issue the same setreg instruction when trading registers between load and
// compute warps.
const registerSharingGranularity = 128

// ParallelDimensionMap resolves, per grid/block dimension, the launch extent
// implied by every axis bound to it, and whether that extent is exact (every
// bound axis fills it) or an upper bound. Warp padding and warp
// specialization then correct the block dimensions they touch.
type ParallelDimensionMap struct {
	builder  *ir.Builder
	exactMap *ir.ExactLogicalDomainMap

	dimMap     map[ir.ParallelType]ir.Val
	exactTypes sets.Set[ir.ParallelType]

	warpSpecializedTypes  sets.Set[ir.ParallelType]
	registerSharingOn     ir.ParallelType
	hasRegisterSharing    bool
	registerSharingPadVal int64
}

// NewParallelDimensionMap builds the map over f. Panics (tier-2 scheduling
// error) on illegal register-sharing configurations.
func NewParallelDimensionMap(f *ir.Fusion) *ParallelDimensionMap {
	pdm := &ParallelDimensionMap{
		builder:              f.NewBuilder(),
		exactMap:             ir.NewExactLogicalDomainMap(f),
		dimMap:               make(map[ir.ParallelType]ir.Val),
		exactTypes:           sets.Make[ir.ParallelType](),
		warpSpecializedTypes: sets.Make[ir.ParallelType](),
	}
	pdm.build(f)
	return pdm
}

// BuildParallelDimensionMap is NewParallelDimensionMap behind a panic-to-
// error boundary, for drivers that treat scheduling failures as data.
func BuildParallelDimensionMap(f *ir.Fusion) (pdm *ParallelDimensionMap, err error) {
	err = exceptions.TryCatch[error](func() {
		pdm = NewParallelDimensionMap(f)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "building parallel dimension map")
	}
	return pdm, nil
}

type ptAndID struct {
	pt ir.ParallelType
	id *ir.IterDomain
}

func (pdm *ParallelDimensionMap) build(f *ir.Fusion) {
	// Ordered unique (parallel type, concrete axis) pairs over every axis of
	// every produced tensor. Inputs carry no bindings: only the tensors the
	// kernel computes decide the launch shape.
	var allConcreteIDs []ptAndID
	seen := sets.Make[ptAndID]()
	for _, tv := range f.AllTensorViews() {
		if tv.Definition() == nil {
			continue
		}
		if cb := tv.CircularBuffer(); cb != nil && cb.WarpSpecialized != nil {
			ws := cb.WarpSpecialized
			pdm.warpSpecializedTypes.Insert(ws.On)
			if ws.NumRegisters != nil {
				if pdm.hasRegisterSharing && pdm.registerSharingOn != ws.On {
					exceptions.Panicf(
						"lower: conflicting register sharing designations: %s and %s",
						pdm.registerSharingOn, ws.On)
				}
				pdm.hasRegisterSharing = true
				pdm.registerSharingOn = ws.On
			}
		}
		for _, id := range tv.AllIDs() {
			pt := id.ParallelType()
			if !pt.IsThread() {
				continue
			}
			concreteID := pdm.exactMap.ConcreteMappedID(id)
			if concreteID.IsBroadcast() {
				// A broadcast extent says nothing about the launch shape.
				continue
			}
			entry := ptAndID{pt: pt, id: concreteID}
			if seen.Has(entry) {
				continue
			}
			seen.Insert(entry)
			allConcreteIDs = append(allConcreteIDs, entry)
		}
	}

	for _, entry := range allConcreteIDs {
		pdm.exactTypes.Insert(entry.pt) // insert now, cleaned up below
		if existing, found := pdm.dimMap[entry.pt]; found {
			pdm.dimMap[entry.pt] = pdm.builder.MaxExpr(existing, entry.id.Extent())
		} else {
			pdm.dimMap[entry.pt] = entry.id.Extent()
		}
	}

	for pt, v := range pdm.dimMap {
		pdm.dimMap[pt] = pdm.builder.Simplify(v)
	}

	// A type stays exact only when every contributing extent provably equals
	// the resolved dimension.
	for _, entry := range allConcreteIDs {
		eq := pdm.builder.Simplify(pdm.builder.EqExpr(pdm.dimMap[entry.pt], entry.id.Extent()))
		s, ok := eq.(*ir.Scalar)
		if !ok || !s.IsConst() || !s.ConstBool() {
			delete(pdm.exactTypes, entry.pt)
		}
	}

	pdm.adjustForWarpPadding(f)
	pdm.adjustForWarpSpecialization()
	if klog.V(2).Enabled() {
		klog.Infof("parallel dimension map:\n%s", pdm)
	}
}

// adjustForWarpPadding rounds blockDim.x up to a multiple of the warp size
// when the fusion relies on warp reductions over a padded TIDx.
func (pdm *ParallelDimensionMap) adjustForWarpPadding(f *ir.Fusion) {
	warpInfo := f.WarpPaddedParallelInfo()
	if !warpInfo.IsTIDxPadded || !warpInfo.HasWarpReduction {
		return
	}

	tidxDim := pdm.Raw(ir.ParallelTypeTIDx)
	if tidxDim == nil {
		exceptions.Panicf("lower: warp padding requested but nothing binds TIDx")
	}

	// Already exactly blockDim.x: the launch bound is whatever the runtime
	// chose, necessarily a warp multiple.
	if ns, ok := tidxDim.(*ir.NamedScalar); ok &&
		ns.ScalarName() == ir.ParallelDimName(ir.ParallelTypeTIDx) {
		return
	}

	warpSizeVal := pdm.builder.Constant(warpSize)
	mod := pdm.builder.Simplify(pdm.builder.EqExpr(
		pdm.builder.ModExpr(tidxDim, warpSizeVal), pdm.builder.Zero()))
	if s, ok := mod.(*ir.Scalar); ok && s.IsConst() && s.ConstBool() {
		// Provably a warp multiple already.
		return
	}

	if warpInfo.IsTIDxSingleWarp {
		pdm.dimMap[ir.ParallelTypeTIDx] = warpSizeVal
	} else {
		pdm.dimMap[ir.ParallelTypeTIDx] = pdm.builder.Simplify(pdm.builder.MulExpr(
			pdm.builder.CeilDivExpr(tidxDim, warpSizeVal), warpSizeVal))
	}
	delete(pdm.exactTypes, ir.ParallelTypeTIDx)
}

// threadsCountInDim resolves a block dimension to a constant for the
// register sharing divisibility checks: 1 when unused, the constant when
// known, -1 when dynamic (which disables sharing, since divisibility can't
// be guaranteed before launch).
func (pdm *ParallelDimensionMap) threadsCountInDim(pt ir.ParallelType) int64 {
	dim, found := pdm.dimMap[pt]
	if !found {
		return 1
	}
	if v, ok := constIntOf(dim); ok {
		return v
	}
	return -1
}

func safeDiv(x, y int64) int64 {
	return x / max(1, y)
}

// adjustForWarpSpecialization reserves the extra load warps on each warp-
// specialized dimension. Without register sharing one extra slice suffices;
// with register sharing the pad must bring the block to a multiple of 128
// contiguous threads.
func (pdm *ParallelDimensionMap) adjustForWarpSpecialization() {
	if !pdm.hasRegisterSharing {
		for _, pt := range ir.ParallelTypeThreads {
			if !pdm.warpSpecializedTypes.Has(pt) {
				continue
			}
			if dim, found := pdm.dimMap[pt]; found {
				// RawAddExpr keeps the original extent node reachable, so
				// RawCompute can recover it by simplifying (dim + 1) - 1
				// without creating nodes.
				pdm.dimMap[pt] = pdm.builder.RawAddExpr(dim, pdm.builder.One())
			} else {
				pdm.dimMap[pt] = pdm.builder.Constant(2)
			}
			delete(pdm.exactTypes, pt)
		}
		return
	}

	// index = TIDx + TIDy * bdimx + TIDz * bdimx * bdimy
	pt := pdm.registerSharingOn
	var padThreads, afterPad int64
	switch pt {
	case ir.ParallelTypeTIDx:
		padThreads = registerSharingGranularity
		afterPad = pdm.threadsCountInDim(pt) + padThreads
		if afterPad%registerSharingGranularity != 0 {
			exceptions.Panicf("lower: illegal register sharing on TIDx, bdimx = %d", afterPad)
		}
	case ir.ParallelTypeTIDy:
		bdimx := pdm.threadsCountInDim(ir.ParallelTypeTIDx)
		padThreads = safeDiv(registerSharingGranularity, bdimx)
		afterPad = pdm.threadsCountInDim(pt) + padThreads
		if (afterPad*bdimx)%registerSharingGranularity != 0 {
			exceptions.Panicf(
				"lower: illegal register sharing on TIDy, bdimx = %d, bdimy = %d", bdimx, afterPad)
		}
	case ir.ParallelTypeTIDz:
		bdimx := pdm.threadsCountInDim(ir.ParallelTypeTIDx)
		bdimy := pdm.threadsCountInDim(ir.ParallelTypeTIDy)
		padThreads = safeDiv(registerSharingGranularity, bdimx*bdimy)
		afterPad = pdm.threadsCountInDim(pt) + padThreads
		if (afterPad*bdimx*bdimy)%registerSharingGranularity != 0 {
			exceptions.Panicf(
				"lower: illegal register sharing on TIDz, bdimx = %d, bdimy = %d, bdimz = %d",
				bdimx, bdimy, afterPad)
		}
	default:
		exceptions.Panicf("lower: unsupported parallel type for register sharing: %s", pt)
	}

	pdm.registerSharingPadVal = padThreads
	current, found := pdm.dimMap[pt]
	if !found {
		current = pdm.builder.One()
	}
	pdm.dimMap[pt] = pdm.builder.RawAddExpr(current, pdm.builder.Constant(padThreads))
	delete(pdm.exactTypes, pt)
}

// Raw returns the resolved dimension of pt, nil when nothing binds it.
// Panics on a non-thread parallel type.
func (pdm *ParallelDimensionMap) Raw(pt ir.ParallelType) ir.Val {
	if !pt.IsThread() {
		exceptions.Panicf("lower: invalid parallel type for dimension map: %s", pt)
	}
	return pdm.dimMap[pt]
}

// Get returns the dimension of pt for code that only needs a handle: the
// raw value when constant, else the launch variable ("blockDim.x", ...).
func (pdm *ParallelDimensionMap) Get(pt ir.ParallelType) ir.Val {
	raw := pdm.Raw(pt)
	if raw == nil {
		return nil
	}
	if _, isConst := constIntOf(raw); !isConst {
		return pdm.builder.ParallelDim(pt)
	}
	return raw
}

// IsExact reports whether every axis bound to pt fills the whole dimension.
func (pdm *ParallelDimensionMap) IsExact(pt ir.ParallelType) bool {
	return pdm.exactTypes.Has(pt)
}

// RawCompute returns the dimension available to compute threads: the raw
// dimension minus the warp-specialization pad.
func (pdm *ParallelDimensionMap) RawCompute(pt ir.ParallelType) ir.Val {
	raw := pdm.Raw(pt)
	if pdm.warpSpecializedTypes.Has(pt) {
		return pdm.builder.AddExpr(raw, pdm.builder.Constant(-pdm.PaddedVal(pt)))
	}
	return raw
}

// RawLoad returns the dimension occupied by load warps: the pad itself on a
// warp-specialized dimension, the full dimension otherwise.
func (pdm *ParallelDimensionMap) RawLoad(pt ir.ParallelType) ir.Val {
	if pdm.warpSpecializedTypes.Has(pt) {
		return pdm.builder.Constant(pdm.PaddedVal(pt))
	}
	return pdm.Raw(pt)
}

// NumComputeThreadsEachBlock returns the product of the compute extents of
// the block dimensions.
func (pdm *ParallelDimensionMap) NumComputeThreadsEachBlock() ir.Val {
	numThreads := ir.Val(pdm.builder.One())
	for _, pt := range ir.ParallelTypeTIDs {
		dim := pdm.RawCompute(pt)
		if dim == nil {
			continue
		}
		numThreads = pdm.builder.MulExpr(numThreads, dim)
	}
	return numThreads
}

// PaddedVal returns the thread count reserved for load warps on pt. Panics
// when pt is not warp specialized or, under register sharing, not the
// sharing dimension.
func (pdm *ParallelDimensionMap) PaddedVal(pt ir.ParallelType) int64 {
	if !pdm.warpSpecializedTypes.Has(pt) {
		exceptions.Panicf("lower: %s is not warp specialized", pt)
	}
	if !pdm.hasRegisterSharing {
		return 1
	}
	if pdm.registerSharingOn != pt {
		exceptions.Panicf("lower: no padded value for %s", pt)
	}
	return pdm.registerSharingPadVal
}

// String implements fmt.Stringer; one line per dimension in canonical order.
func (pdm *ParallelDimensionMap) String() string {
	var sb strings.Builder
	for _, pt := range ir.ParallelTypeThreads {
		fmt.Fprintf(&sb, "%s: ", pt)
		if dim := pdm.Raw(pt); dim != nil {
			sb.WriteString(dim.String())
			if pdm.IsExact(pt) {
				sb.WriteString(", exact")
			} else {
				sb.WriteString(", non-exact")
			}
		} else {
			sb.WriteString("unused")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func constIntOf(v ir.Val) (int64, bool) {
	s, ok := v.(*ir.Scalar)
	if !ok || s.DataType() != ir.DataTypeIndex || !s.IsConst() {
		return 0, false
	}
	return s.ConstInt(), true
}
