package tile

import (
	"fmt"
	"slices"

	"github.com/sbl8/tessera/core"
	"github.com/sbl8/tessera/kernels"
)

// coords is the normalized form of a sparse payload: unique row-major flat
// keys with one value each, ordered canonically for the owning
// representation (row-major for COO and CSR, column-major for CSC).
type coords struct {
	keys []int
	vals []byte
}

func (c *coords) nnz() int { return len(c.keys) }

func (c *coords) clone() coords {
	return coords{keys: slices.Clone(c.keys), vals: core.AlignedCopy(c.vals)}
}

// index returns the position of key, or -1.
func (c *coords) index(key int) int {
	for i, k := range c.keys {
		if k == key {
			return i
		}
	}
	return -1
}

// coordsFromPayload normalizes a sparse payload. Duplicate coordinates are
// summed.
func coordsFromPayload(p Payload, shape []int, dt core.DType) (coords, error) {
	if len(shape) != 2 {
		return coords{}, fmt.Errorf("%w: sparse payload needs 2-D shape, got %v", core.ErrShape, shape)
	}
	cols := shape[1]
	var keys []int
	var vals []byte
	switch p := p.(type) {
	case COOData:
		keys = make([]int, len(p.Row))
		for i := range p.Row {
			keys[i] = int(p.Row[i])*cols + int(p.Col[i])
		}
		vals = p.Values
	case CSRData:
		keys = make([]int, 0, len(p.Indices))
		for r := 0; r+1 < len(p.IndPtr); r++ {
			for k := p.IndPtr[r]; k < p.IndPtr[r+1]; k++ {
				keys = append(keys, r*cols+int(p.Indices[k]))
			}
		}
		vals = p.Values
	case CSCData:
		keys = make([]int, 0, len(p.Indices))
		for col := 0; col+1 < len(p.IndPtr); col++ {
			for k := p.IndPtr[col]; k < p.IndPtr[col+1]; k++ {
				keys = append(keys, int(p.Indices[k])*cols+col)
			}
		}
		vals = p.Values
	default:
		return coords{}, fmt.Errorf("%w: %T is not sparse", core.ErrUnsupportedRepresentation, p)
	}
	var out coords
	if _, err := out.upsert(dt, kernels.Add, keys, vals); err != nil {
		return coords{}, err
	}
	return out, nil
}

// upsert inserts keys absent from c and combines the rest with r. It
// returns how many keys were inserted and how many combined. The caller
// re-sorts afterwards.
func (c *coords) upsert(dt core.DType, r kernels.Reducer, keys []int, vals []byte) (MergeStats, error) {
	sz := dt.Size()
	if len(vals) != len(keys)*sz {
		return MergeStats{}, fmt.Errorf("%w: %d values for %d coordinates", core.ErrShape, len(vals)/sz, len(keys))
	}
	pos := make(map[int]int, len(c.keys)+len(keys))
	for i, k := range c.keys {
		pos[k] = i
	}
	grown := alignedGrow(c.vals, len(keys)*sz)
	var stats MergeStats
	for i, k := range keys {
		src := vals[i*sz : (i+1)*sz]
		if at, ok := pos[k]; ok {
			if _, err := kernels.ApplyMasked(dt, r, grown[at*sz:(at+1)*sz], src, nil); err != nil {
				return MergeStats{}, err
			}
			stats.Updated++
			continue
		}
		pos[k] = len(c.keys)
		c.keys = append(c.keys, k)
		grown = append(grown, src...)
		stats.Replaced++
	}
	c.vals = grown
	return stats, nil
}

// sort puts the entries in the canonical order of rep.
func (c *coords) sort(rep Representation, cols int) {
	order := make([]int, len(c.keys))
	for i := range order {
		order[i] = i
	}
	rank := func(k int) (int, int) {
		if rep == RepSparseCSC {
			return k % cols, k / cols
		}
		return k, 0
	}
	slices.SortStableFunc(order, func(a, b int) int {
		a1, a2 := rank(c.keys[a])
		b1, b2 := rank(c.keys[b])
		if a1 != b1 {
			return a1 - b1
		}
		return a2 - b2
	})
	sz := len(c.vals) / max(len(c.keys), 1)
	keys := make([]int, len(c.keys))
	vals := core.AlignedBytes(len(c.vals))
	for dst, src := range order {
		keys[dst] = c.keys[src]
		copy(vals[dst*sz:(dst+1)*sz], c.vals[src*sz:(src+1)*sz])
	}
	c.keys, c.vals = keys, vals
}

// payload emits c in rep. c must already be sorted for rep.
func (c *coords) payload(rep Representation, shape []int) Payload {
	rows, cols := shape[0], shape[1]
	vals := core.AlignedCopy(c.vals)
	switch rep {
	case RepSparseCSR:
		indices := make([]int64, len(c.keys))
		indptr := make([]int64, rows+1)
		for i, k := range c.keys {
			indices[i] = int64(k % cols)
			indptr[k/cols+1]++
		}
		prefixSum(indptr)
		return CSRData{Indices: indices, IndPtr: indptr, Values: vals}
	case RepSparseCSC:
		indices := make([]int64, len(c.keys))
		indptr := make([]int64, cols+1)
		for i, k := range c.keys {
			indices[i] = int64(k / cols)
			indptr[k%cols+1]++
		}
		prefixSum(indptr)
		return CSCData{Indices: indices, IndPtr: indptr, Values: vals}
	}
	row := make([]int64, len(c.keys))
	col := make([]int64, len(c.keys))
	for i, k := range c.keys {
		row[i] = int64(k / cols)
		col[i] = int64(k % cols)
	}
	return COOData{Row: row, Col: col, Values: vals}
}

// densify scatters c into a zeroed row-major buffer. The returned validity
// marks the present coordinates.
func (c *coords) densify(shape []int, dt core.DType) ([]byte, []bool) {
	n := core.NumElements(shape)
	data := core.AlignedBytes(n * dt.Size())
	valid := make([]bool, n)
	for i, k := range c.keys {
		dt.CopyElement(data, k, c.vals, i)
		valid[k] = true
	}
	return data, valid
}

func prefixSum(s []int64) {
	for i := 1; i < len(s); i++ {
		s[i] += s[i-1]
	}
}

// alignedGrow returns an aligned copy of b with room for extra more bytes.
func alignedGrow(b []byte, extra int) []byte {
	out := core.AlignedBytes(len(b) + extra)
	copy(out, b)
	return out[:len(b)]
}
