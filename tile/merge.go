package tile

import (
	"fmt"
	"slices"

	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/kernels"
)

// MergeStats counts the cells a merge touched. Replaced cells were invalid
// in the existing tile and took the incoming value; updated cells were valid
// on both sides and went through the reducer.
type MergeStats struct {
	Replaced int
	Updated  int
}

// Merge folds incoming into existing in place and returns existing.
func Merge(existing, incoming *Tile, r kernels.Reducer) (*Tile, error) {
	if _, err := MergeWithStats(existing, incoming, r); err != nil {
		return nil, err
	}
	return existing, nil
}

// Merge folds incoming into t in place.
func (t *Tile) Merge(incoming *Tile, r kernels.Reducer) error {
	_, err := MergeWithStats(t, incoming, r)
	return err
}

// MergeWithStats folds incoming into existing in place:
//
//   - cells invalid in existing and valid in incoming take the incoming value
//     without invoking the reducer;
//   - cells valid on both sides become r(existing, incoming);
//   - all other cells are left alone.
//
// Masks follow the data: copied on replaced cells, OR-combined on updated
// ones. Sparse operands merge over the union of their coordinates and keep
// existing's representation. Mixing dense and sparse operands densifies the
// sparse side, which only the builtin reducers support.
//
// incoming is never modified. On error existing is unchanged.
func MergeWithStats(existing, incoming *Tile, r kernels.Reducer) (MergeStats, error) {
	if existing == nil || incoming == nil {
		return MergeStats{}, fmt.Errorf("%w: nil tile", core.ErrShape)
	}
	if err := r.Validate(); err != nil {
		return MergeStats{}, fmt.Errorf("%w: %v", core.ErrUnsupportedMerge, err)
	}
	if !core.ShapeEqual(existing.shape, incoming.shape) {
		return MergeStats{}, fmt.Errorf("%w: merging %v into %v", core.ErrShape, incoming.shape, existing.shape)
	}
	if existing.dtype != incoming.dtype {
		return MergeStats{}, fmt.Errorf("%w: merging %v into %v", core.ErrDType, incoming.dtype, existing.dtype)
	}
	if existing.Scalar() {
		return mergeScalar(existing, incoming, r)
	}

	eSparse, iSparse := existing.rep.Sparse(), incoming.rep.Sparse()
	switch {
	case eSparse && iSparse:
		existing.initialize()
		return mergeSparse(existing, incoming, r)
	case eSparse != iSparse && !r.Builtin():
		return MergeStats{}, fmt.Errorf("%w: custom reducer %q across %v and %v",
			core.ErrUnsupportedMerge, r, existing.rep, incoming.rep)
	case eSparse:
		existing.densify()
	case iSparse:
		incoming = incoming.Clone()
		incoming.densify()
	}
	return mergeDense(existing, incoming, r)
}

func mergeScalar(existing, incoming *Tile, r kernels.Reducer) (MergeStats, error) {
	existing.initialize()
	if incoming.data == nil {
		return MergeStats{}, nil
	}
	if existing.data == nil || r.Tag == kernels.ReduceReplace {
		existing.data = core.AlignedCopy(incoming.data)
		switch {
		case incoming.rep == RepMasked:
			existing.rep = RepMasked
			existing.mask = slices.Clone(incoming.mask)
			if len(existing.mask) == 0 {
				existing.mask = []bool{false}
			}
		case existing.rep == RepMasked:
			existing.mask = []bool{false}
		}
		return MergeStats{Replaced: 1}, nil
	}
	if _, err := kernels.ApplyMasked(existing.dtype, r, existing.data, incoming.data, nil); err != nil {
		return MergeStats{}, err
	}
	if incoming.rep == RepMasked {
		existing.promoteMasked()
		if len(existing.mask) == 0 {
			existing.mask = []bool{false}
		}
		existing.mask[0] = existing.mask[0] || (len(incoming.mask) > 0 && incoming.mask[0])
	}
	return MergeStats{Updated: 1}, nil
}

func mergeDense(existing, incoming *Tile, r kernels.Reducer) (MergeStats, error) {
	existing.initialize()
	inValid := incoming.validView()

	n := len(existing.valid)
	replaced := make([]bool, n)
	updated := make([]bool, n)
	var stats MergeStats
	for i, in := range inValid {
		switch {
		case !in:
		case existing.valid[i]:
			updated[i] = true
			stats.Updated++
		default:
			replaced[i] = true
			stats.Replaced++
		}
	}
	if stats.Replaced+stats.Updated == 0 {
		return stats, nil
	}

	if stats.Updated > 0 {
		if _, err := kernels.ApplyMasked(existing.dtype, r, existing.data, incoming.data, updated); err != nil {
			return MergeStats{}, err
		}
	}
	kernels.CopyMasked(existing.dtype, existing.data, incoming.data, replaced)

	if incoming.rep == RepMasked {
		existing.promoteMasked()
	}
	if existing.rep == RepMasked {
		for i := range existing.mask {
			inMask := incoming.rep == RepMasked && incoming.mask != nil && incoming.mask[i]
			switch {
			case replaced[i]:
				existing.mask[i] = inMask
			case updated[i]:
				existing.mask[i] = existing.mask[i] || inMask
			}
		}
	}
	for i, ok := range inValid {
		if ok {
			existing.valid[i] = true
		}
	}
	return stats, nil
}

func mergeSparse(existing, incoming *Tile, r kernels.Reducer) (MergeStats, error) {
	merged := existing.sp.clone()
	stats, err := merged.upsert(existing.dtype, r, incoming.sp.keys, incoming.sp.vals)
	if err != nil {
		return MergeStats{}, err
	}
	merged.sort(existing.rep, existing.shape[1])
	existing.sp = merged
	return stats, nil
}

// densify converts a sparse tile into a dense tile whose valid cells are the
// stored coordinates.
func (t *Tile) densify() {
	if !t.rep.Sparse() {
		return
	}
	t.data, t.valid = t.sp.densify(t.shape, t.dtype)
	t.rep = RepDense
	t.sp = coords{}
	t.validInit = validExplicit
	t.initialized = true
}
