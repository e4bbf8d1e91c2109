package array

import (
	"fmt"

	"github.com/sbl8/tessera/core"
)

// Masked is a dense array with a per-element exclusion mask. A true mask
// entry means the element is excluded from downstream computation.
type Masked struct {
	Data *Dense
	Mask []bool
}

// NewMasked pairs data with a mask of the same element count. Neither is copied.
func NewMasked(data *Dense, mask []bool) (*Masked, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: nil masked data", core.ErrShape)
	}
	if len(mask) != data.Len() {
		return nil, fmt.Errorf("%w: mask of %d entries for shape %v", core.ErrShape, len(mask), data.shape)
	}
	return &Masked{Data: data, Mask: mask}, nil
}

func (m *Masked) Shape() []int      { return m.Data.Shape() }
func (m *Masked) DType() core.DType { return m.Data.DType() }

// Region returns a copy of the sub-block selected by ranges, mask included.
func (m *Masked) Region(ranges []core.Range) (*Masked, error) {
	data, err := m.Data.Region(ranges)
	if err != nil {
		return nil, err
	}
	mask := make([]bool, data.Len())
	core.ForEachIndex(m.Data.shape, ranges, func(flat, local int) {
		mask[local] = m.Mask[flat]
	})
	return &Masked{Data: data, Mask: mask}, nil
}

// Filled returns a dense copy with excluded elements replaced by fill.
func (m *Masked) Filled(fill float64) *Dense {
	out := m.Data.Clone()
	for i, excluded := range m.Mask {
		if excluded {
			out.dtype.Store(out.data, i, fill)
		}
	}
	return out
}

func (m *Masked) String() string {
	return fmt.Sprintf("masked(%v, %v)", m.Data.shape, m.Data.dtype)
}
