package array

import (
	"fmt"

	"github.com/sbl8/tessera/core"
)

// COO is a 2-D sparse matrix in coordinate form. Duplicate coordinates are
// allowed and sum when densified.
type COO struct {
	shape  [2]int
	Row    []int
	Col    []int
	Values *Dense
}

// NewCOO validates and builds a coordinate matrix. values must be 1-D with
// one element per coordinate.
func NewCOO(shape [2]int, row, col []int, values *Dense) (*COO, error) {
	if len(row) != len(col) || values == nil || values.Len() != len(row) || len(values.shape) != 1 {
		return nil, fmt.Errorf("%w: coo needs equal-length row, col and 1-D values", core.ErrShape)
	}
	for i := range row {
		if row[i] < 0 || row[i] >= shape[0] || col[i] < 0 || col[i] >= shape[1] {
			return nil, fmt.Errorf("%w: coo entry (%d,%d) outside %v", core.ErrShape, row[i], col[i], shape)
		}
	}
	return &COO{shape: shape, Row: row, Col: col, Values: values}, nil
}

func (c *COO) Shape() []int      { return []int{c.shape[0], c.shape[1]} }
func (c *COO) DType() core.DType { return c.Values.DType() }

// Nnz returns the number of stored entries.
func (c *COO) Nnz() int { return len(c.Row) }

// ToDense densifies the matrix, summing duplicates.
func (c *COO) ToDense() *Dense {
	out := Zeros(c.Shape(), c.DType())
	for i := range c.Row {
		flat := c.Row[i]*c.shape[1] + c.Col[i]
		out.dtype.Store(out.data, flat, out.dtype.Load(out.data, flat)+c.Values.dtype.Load(c.Values.data, i))
	}
	return out
}

func (c *COO) String() string {
	return fmt.Sprintf("coo(%v, %v, nnz=%d)", c.Shape(), c.DType(), c.Nnz())
}

// compressed is the shared layout of CSR and CSC matrices: IndPtr has one
// entry per major line plus one, Indices holds the minor index of each value.
type compressed struct {
	shape   [2]int
	Indices []int
	IndPtr  []int
	Values  *Dense
}

func newCompressed(shape [2]int, major, minor int, indices, indptr []int, values *Dense) (compressed, error) {
	if values == nil || len(values.shape) != 1 || values.Len() != len(indices) {
		return compressed{}, fmt.Errorf("%w: compressed matrix needs 1-D values matching indices", core.ErrShape)
	}
	if len(indptr) != shape[major]+1 || indptr[0] != 0 || indptr[len(indptr)-1] != len(indices) {
		return compressed{}, fmt.Errorf("%w: index pointer %v inconsistent with %d entries", core.ErrShape, indptr, len(indices))
	}
	for i := 1; i < len(indptr); i++ {
		if indptr[i] < indptr[i-1] {
			return compressed{}, fmt.Errorf("%w: index pointer not monotonic at %d", core.ErrShape, i)
		}
	}
	for _, ix := range indices {
		if ix < 0 || ix >= shape[minor] {
			return compressed{}, fmt.Errorf("%w: index %d outside %v", core.ErrShape, ix, shape)
		}
	}
	return compressed{shape: shape, Indices: indices, IndPtr: indptr, Values: values}, nil
}

func (c *compressed) Shape() []int      { return []int{c.shape[0], c.shape[1]} }
func (c *compressed) DType() core.DType { return c.Values.DType() }

// Nnz returns the number of stored entries.
func (c *compressed) Nnz() int { return len(c.Indices) }

// CSR is a 2-D sparse matrix compressed by rows.
type CSR struct{ compressed }

// NewCSR validates and builds a row-compressed matrix.
func NewCSR(shape [2]int, indices, indptr []int, values *Dense) (*CSR, error) {
	c, err := newCompressed(shape, 0, 1, indices, indptr, values)
	if err != nil {
		return nil, err
	}
	return &CSR{c}, nil
}

// ToDense densifies the matrix.
func (m *CSR) ToDense() *Dense {
	out := Zeros(m.Shape(), m.DType())
	for r := 0; r < m.shape[0]; r++ {
		for k := m.IndPtr[r]; k < m.IndPtr[r+1]; k++ {
			flat := r*m.shape[1] + m.Indices[k]
			out.dtype.Store(out.data, flat, out.dtype.Load(out.data, flat)+m.Values.dtype.Load(m.Values.data, k))
		}
	}
	return out
}

func (m *CSR) String() string {
	return fmt.Sprintf("csr(%v, %v, nnz=%d)", m.Shape(), m.DType(), m.Nnz())
}

// CSC is a 2-D sparse matrix compressed by columns.
type CSC struct{ compressed }

// NewCSC validates and builds a column-compressed matrix.
func NewCSC(shape [2]int, indices, indptr []int, values *Dense) (*CSC, error) {
	c, err := newCompressed(shape, 1, 0, indices, indptr, values)
	if err != nil {
		return nil, err
	}
	return &CSC{c}, nil
}

// ToDense densifies the matrix.
func (m *CSC) ToDense() *Dense {
	out := Zeros(m.Shape(), m.DType())
	for c := 0; c < m.shape[1]; c++ {
		for k := m.IndPtr[c]; k < m.IndPtr[c+1]; k++ {
			flat := m.Indices[k]*m.shape[1] + c
			out.dtype.Store(out.data, flat, out.dtype.Load(out.data, flat)+m.Values.dtype.Load(m.Values.data, k))
		}
	}
	return out
}

func (m *CSC) String() string {
	return fmt.Sprintf("csc(%v, %v, nnz=%d)", m.Shape(), m.DType(), m.Nnz())
}
