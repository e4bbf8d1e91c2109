package tile

import (
	"fmt"

	"github.com/sbl8/tessera/core"
)

// Representation is the storage layout of a tile's payload.
type Representation uint8

// Representations
const (
	RepDense Representation = iota
	RepMasked
	RepSparseCOO
	RepSparseCSR
	RepSparseCSC
)

func (r Representation) String() string {
	switch r {
	case RepDense:
		return "dense"
	case RepMasked:
		return "masked"
	case RepSparseCOO:
		return "coo"
	case RepSparseCSR:
		return "csr"
	case RepSparseCSC:
		return "csc"
	}
	return fmt.Sprintf("representation(%d)", uint8(r))
}

// Sparse reports whether r is one of the sparse matrix layouts.
func (r Representation) Sparse() bool {
	return r == RepSparseCOO || r == RepSparseCSR || r == RepSparseCSC
}

// Valid reports whether r is a known representation.
func (r Representation) Valid() bool { return r <= RepSparseCSC }

// ParseRepresentation accepts the names returned by String.
func ParseRepresentation(s string) (Representation, error) {
	for r := RepDense; r <= RepSparseCSC; r++ {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", core.ErrUnsupportedRepresentation, s)
}

// Payload is the representation-specific data of a tile. The set of
// implementations is closed: DenseData, MaskedData, COOData, CSRData and
// CSCData.
type Payload interface {
	Representation() Representation
}

// DenseData is a row-major element buffer.
type DenseData struct {
	Data []byte
}

// MaskedData is a row-major element buffer with its exclusion mask.
type MaskedData struct {
	Data []byte
	Mask []bool
}

// COOData holds parallel coordinate and value arrays.
type COOData struct {
	Row    []int64
	Col    []int64
	Values []byte
}

// CSRData is a row-compressed matrix.
type CSRData struct {
	Indices []int64
	IndPtr  []int64
	Values  []byte
}

// CSCData is a column-compressed matrix.
type CSCData struct {
	Indices []int64
	IndPtr  []int64
	Values  []byte
}

func (DenseData) Representation() Representation  { return RepDense }
func (MaskedData) Representation() Representation { return RepMasked }
func (COOData) Representation() Representation    { return RepSparseCOO }
func (CSRData) Representation() Representation    { return RepSparseCSR }
func (CSCData) Representation() Representation    { return RepSparseCSC }

// Internal is the normalized (shape, dtype, representation, payload) form
// used between the converter, tiles and the codec.
type Internal struct {
	Shape   []int
	DType   core.DType
	Rep     Representation
	Payload Payload
}

// Validate checks that the payload variant matches Rep and that buffer
// lengths agree with Shape and DType.
func (in Internal) Validate() error {
	if !in.DType.Valid() {
		return fmt.Errorf("%w: %v", core.ErrDType, in.DType)
	}
	if in.Payload == nil {
		return fmt.Errorf("%w: missing payload", core.ErrUnsupportedRepresentation)
	}
	if got := in.Payload.Representation(); got != in.Rep {
		return fmt.Errorf("%w: %v payload tagged %v", core.ErrUnsupportedRepresentation, got, in.Rep)
	}
	n := core.NumElements(in.Shape)
	sz := in.DType.Size()
	switch p := in.Payload.(type) {
	case DenseData:
		if len(p.Data) != n*sz {
			return fmt.Errorf("%w: dense buffer of %d bytes for %v %v", core.ErrShape, len(p.Data), in.Shape, in.DType)
		}
	case MaskedData:
		if len(p.Data) != n*sz || len(p.Mask) != n {
			return fmt.Errorf("%w: masked buffers (%d bytes, %d mask) for %v %v",
				core.ErrShape, len(p.Data), len(p.Mask), in.Shape, in.DType)
		}
	case COOData:
		if len(in.Shape) != 2 {
			return fmt.Errorf("%w: sparse payload needs 2-D shape, got %v", core.ErrShape, in.Shape)
		}
		if len(p.Row) != len(p.Col) || len(p.Values) != len(p.Row)*sz {
			return fmt.Errorf("%w: coo arrays disagree", core.ErrShape)
		}
		for i := range p.Row {
			if p.Row[i] < 0 || p.Row[i] >= int64(in.Shape[0]) || p.Col[i] < 0 || p.Col[i] >= int64(in.Shape[1]) {
				return fmt.Errorf("%w: coo entry (%d,%d) outside %v", core.ErrShape, p.Row[i], p.Col[i], in.Shape)
			}
		}
	case CSRData:
		return validateCompressed(in.Shape, 0, p.Indices, p.IndPtr, p.Values, sz)
	case CSCData:
		return validateCompressed(in.Shape, 1, p.Indices, p.IndPtr, p.Values, sz)
	default:
		return fmt.Errorf("%w: %T", core.ErrUnsupportedRepresentation, in.Payload)
	}
	return nil
}

func validateCompressed(shape []int, major int, indices, indptr []int64, values []byte, sz int) error {
	if len(shape) != 2 {
		return fmt.Errorf("%w: sparse payload needs 2-D shape, got %v", core.ErrShape, shape)
	}
	if len(values) != len(indices)*sz {
		return fmt.Errorf("%w: %d values for %d indices", core.ErrShape, len(values)/sz, len(indices))
	}
	if len(indptr) != shape[major]+1 || indptr[0] != 0 || indptr[len(indptr)-1] != int64(len(indices)) {
		return fmt.Errorf("%w: index pointer inconsistent with %d entries", core.ErrShape, len(indices))
	}
	for i := 1; i < len(indptr); i++ {
		if indptr[i] < indptr[i-1] {
			return fmt.Errorf("%w: index pointer not monotonic at %d", core.ErrShape, i)
		}
	}
	minor := int64(shape[1-major])
	for _, ix := range indices {
		if ix < 0 || ix >= minor {
			return fmt.Errorf("%w: index %d outside %v", core.ErrShape, ix, shape)
		}
	}
	return nil
}
