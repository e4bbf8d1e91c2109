package tile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/fxamacker/cbor/v2"

	"github.com/sbl8/tessera/core"
)

// Encoded tile layout:
//
//	[magic "TILE" (4)][version (2)][byte order (1)][flags (1)][body length (4)][CRC-32 of body (4)][CBOR body]
//
// Header integers are big-endian. Element buffers inside the body are in the
// byte order named by the header, which is always the encoder's host order.
const (
	headerSize   = 16
	codecVersion = 1

	orderLittle uint8 = 1
	orderBig    uint8 = 2
)

var magic = [4]byte{'T', 'I', 'L', 'E'}

var (
	ErrCorrupt   = errors.New("corrupt tile encoding")
	ErrBadMagic  = errors.New("not a tile encoding")
	ErrVersion   = errors.New("unsupported tile encoding version")
	ErrByteOrder = errors.New("tile encoded with foreign byte order")
)

const (
	flagInitialized uint8 = 1 << iota
	flagScalarSet
)

type wireTile struct {
	Shape     []int64 `cbor:"1,keyasint"`
	DType     uint8   `cbor:"2,keyasint"`
	Rep       uint8   `cbor:"3,keyasint"`
	Data      []byte  `cbor:"4,keyasint,omitempty"`
	Mask      []byte  `cbor:"5,keyasint,omitempty"`
	Major     []int64 `cbor:"6,keyasint,omitempty"`
	Minor     []int64 `cbor:"7,keyasint,omitempty"`
	Valid     []byte  `cbor:"8,keyasint,omitempty"`
	ValidInit uint8   `cbor:"9,keyasint"`
	Flags     uint8   `cbor:"10,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

func hostOrder() uint8 {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], 1)
	if b[0] == 1 {
		return orderLittle
	}
	return orderBig
}

// Encode serializes t including its validity and initialization state.
func Encode(t *Tile) ([]byte, error) {
	w := wireTile{
		Shape:     make([]int64, len(t.shape)),
		DType:     uint8(t.dtype),
		Rep:       uint8(t.rep),
		ValidInit: uint8(t.validInit),
	}
	for i, d := range t.shape {
		w.Shape[i] = int64(d)
	}
	if t.initialized {
		w.Flags |= flagInitialized
	}
	if t.Scalar() && t.data != nil {
		w.Flags |= flagScalarSet
	}
	switch p := t.Internal().Payload.(type) {
	case DenseData:
		w.Data = p.Data
	case MaskedData:
		w.Data, w.Mask = p.Data, packBits(p.Mask)
	case COOData:
		w.Data, w.Major, w.Minor = p.Values, p.Row, p.Col
	case CSRData:
		w.Data, w.Major, w.Minor = p.Values, p.IndPtr, p.Indices
	case CSCData:
		w.Data, w.Major, w.Minor = p.Values, p.IndPtr, p.Indices
	}
	if t.valid != nil {
		w.Valid = packBits(t.valid)
	}

	body, err := encMode.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("encode tile: %w", err)
	}
	out := make([]byte, headerSize+len(body))
	copy(out[0:4], magic[:])
	binary.BigEndian.PutUint16(out[4:6], codecVersion)
	out[6] = hostOrder()
	binary.BigEndian.PutUint32(out[8:12], uint32(len(body)))
	binary.BigEndian.PutUint32(out[12:16], crc32.ChecksumIEEE(body))
	copy(out[headerSize:], body)
	return out, nil
}

// Decode restores a tile produced by Encode. The read policy is not part of
// the encoding and must be set by the caller.
func Decode(b []byte, opts ...Option) (*Tile, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupt, len(b))
	}
	if [4]byte(b[0:4]) != magic {
		return nil, ErrBadMagic
	}
	if v := binary.BigEndian.Uint16(b[4:6]); v != codecVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, v)
	}
	if b[6] != hostOrder() {
		return nil, ErrByteOrder
	}
	body := b[headerSize:]
	if n := binary.BigEndian.Uint32(b[8:12]); int(n) != len(body) {
		return nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrCorrupt, len(body), n)
	}
	if sum := binary.BigEndian.Uint32(b[12:16]); sum != crc32.ChecksumIEEE(body) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	var w wireTile
	if err := decMode.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return w.tile(opts)
}

func (w *wireTile) tile(opts []Option) (*Tile, error) {
	shape := make([]int, len(w.Shape))
	for i, d := range w.Shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension", ErrCorrupt)
		}
		shape[i] = int(d)
	}
	dt, rep := core.DType(w.DType), Representation(w.Rep)
	if !rep.Valid() {
		return nil, fmt.Errorf("%w: %v", core.ErrUnsupportedRepresentation, rep)
	}
	if w.ValidInit > uint8(validExplicit) {
		return nil, fmt.Errorf("%w: validity state %d", ErrCorrupt, w.ValidInit)
	}
	n := core.NumElements(shape)
	in := Internal{Shape: shape, DType: dt, Rep: rep}
	switch rep {
	case RepDense:
		in.Payload = DenseData{Data: w.Data}
	case RepMasked:
		mask, err := unpackBits(w.Mask, n)
		if err != nil {
			return nil, err
		}
		in.Payload = MaskedData{Data: w.Data, Mask: mask}
	case RepSparseCOO:
		in.Payload = COOData{Row: w.Major, Col: w.Minor, Values: w.Data}
	case RepSparseCSR:
		in.Payload = CSRData{IndPtr: w.Major, Indices: w.Minor, Values: w.Data}
	case RepSparseCSC:
		in.Payload = CSCData{IndPtr: w.Major, Indices: w.Minor, Values: w.Data}
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	t, err := FromPayload(in, opts...)
	if err != nil {
		return nil, err
	}
	t.validInit = validityInit(w.ValidInit)
	t.initialized = w.Flags&flagInitialized != 0
	if t.Scalar() && w.Flags&flagScalarSet == 0 {
		t.data = nil
		t.mask = nil
	}
	if w.Valid != nil {
		valid, err := unpackBits(w.Valid, n)
		if err != nil {
			return nil, err
		}
		t.valid = valid
	} else if t.initialized {
		t.valid = nil
		t.initialized = false
		t.initialize()
	}
	return t, nil
}

func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

func unpackBits(b []byte, n int) ([]bool, error) {
	if len(b) != (n+7)/8 {
		return nil, fmt.Errorf("%w: %d bit bytes for %d cells", ErrCorrupt, len(b), n)
	}
	out := make([]bool, n)
	for i := range out {
		out[i] = b[i/8]&(1<<(i%8)) != 0
	}
	return out, nil
}
