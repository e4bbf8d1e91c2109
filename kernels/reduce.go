// Package kernels provides the element-wise reduction kernels used when tiles
// are merged.
//
// A Reducer combines an existing element with an incoming one. The five
// builtin reducers have tag-dispatched fast paths that operate in place on
// tile-owned payload buffers through typed views; custom reducers run through
// float64 and are resolved by name from a process-local registry.
//
// Bool payloads use logical semantics: add and maximum are OR, multiply and
// minimum are AND.
package kernels

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sbl8/tessera/core"
)

// ReducerTag identifies a reducer on the wire.
type ReducerTag uint8

// Reducer tags
const (
	ReduceReplace ReducerTag = iota
	ReduceAdd
	ReduceMultiply
	ReduceMaximum
	ReduceMinimum
	ReduceCustom
)

func (t ReducerTag) String() string {
	switch t {
	case ReduceReplace:
		return "replace"
	case ReduceAdd:
		return "add"
	case ReduceMultiply:
		return "multiply"
	case ReduceMaximum:
		return "maximum"
	case ReduceMinimum:
		return "minimum"
	case ReduceCustom:
		return "custom"
	}
	return fmt.Sprintf("reducer(%d)", uint8(t))
}

// ReduceFunc combines an existing element a with an incoming element b.
type ReduceFunc func(a, b float64) float64

// Reducer is a binary combine function identified by tag. Fn is only
// consulted for ReduceCustom.
type Reducer struct {
	Tag  ReducerTag
	Name string
	Fn   ReduceFunc
}

// Builtin reducers
var (
	Replace  = Reducer{Tag: ReduceReplace, Name: "replace"}
	Add      = Reducer{Tag: ReduceAdd, Name: "add"}
	Multiply = Reducer{Tag: ReduceMultiply, Name: "multiply"}
	Maximum  = Reducer{Tag: ReduceMaximum, Name: "maximum"}
	Minimum  = Reducer{Tag: ReduceMinimum, Name: "minimum"}
)

var (
	ErrUnknownReducer   = errors.New("unknown reducer")
	ErrDuplicateReducer = errors.New("reducer already registered")
	ErrInvalidReducer   = errors.New("invalid reducer")
)

// Custom wraps fn as a reducer. It is not registered.
func Custom(name string, fn ReduceFunc) Reducer {
	return Reducer{Tag: ReduceCustom, Name: name, Fn: fn}
}

// Builtin reports whether r has a tag-dispatched implementation.
func (r Reducer) Builtin() bool { return r.Tag < ReduceCustom }

// Validate checks that r can be executed.
func (r Reducer) Validate() error {
	switch {
	case r.Tag > ReduceCustom:
		return fmt.Errorf("%w: tag %d", ErrInvalidReducer, r.Tag)
	case r.Tag == ReduceCustom && r.Fn == nil:
		return fmt.Errorf("%w: custom reducer %q has no function", ErrInvalidReducer, r.Name)
	}
	return nil
}

func (r Reducer) String() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Tag.String()
}

var builtins = [...]Reducer{
	ReduceReplace:  Replace,
	ReduceAdd:      Add,
	ReduceMultiply: Multiply,
	ReduceMaximum:  Maximum,
	ReduceMinimum:  Minimum,
}

var aliases = map[string]ReducerTag{
	"replace":  ReduceReplace,
	"add":      ReduceAdd,
	"sum":      ReduceAdd,
	"multiply": ReduceMultiply,
	"mul":      ReduceMultiply,
	"maximum":  ReduceMaximum,
	"max":      ReduceMaximum,
	"minimum":  ReduceMinimum,
	"min":      ReduceMinimum,
}

// FromTag returns the builtin reducer for tag.
func FromTag(tag ReducerTag) (Reducer, error) {
	if int(tag) < len(builtins) {
		return builtins[tag], nil
	}
	return Reducer{}, fmt.Errorf("%w: tag %v has no builtin", ErrUnknownReducer, tag)
}

var registry = struct {
	sync.RWMutex
	m map[string]Reducer
}{m: make(map[string]Reducer)}

// Register makes fn resolvable by name for ParseReducer and Lookup.
func Register(name string, fn ReduceFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("%w: name and function are required", ErrInvalidReducer)
	}
	key := strings.ToLower(name)
	if _, ok := aliases[key]; ok {
		return fmt.Errorf("%w: %q is a builtin", ErrDuplicateReducer, name)
	}
	registry.Lock()
	defer registry.Unlock()
	if _, ok := registry.m[key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateReducer, name)
	}
	registry.m[key] = Custom(name, fn)
	return nil
}

// Lookup returns a registered custom reducer.
func Lookup(name string) (Reducer, error) {
	registry.RLock()
	r, ok := registry.m[strings.ToLower(name)]
	registry.RUnlock()
	if !ok {
		return Reducer{}, fmt.Errorf("%w: %q", ErrUnknownReducer, name)
	}
	return r, nil
}

// ParseReducer resolves a builtin name, alias, or registered custom name.
func ParseReducer(s string) (Reducer, error) {
	if tag, ok := aliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return builtins[tag], nil
	}
	return Lookup(strings.TrimSpace(s))
}

// ReduceElement combines two elements of type dt. r must be valid.
func ReduceElement(dt core.DType, r Reducer, a, b float64) float64 {
	if dt == core.Bool {
		x, y := a != 0, b != 0
		switch r.Tag {
		case ReduceAdd, ReduceMaximum:
			return boolValue(x || y)
		case ReduceMultiply, ReduceMinimum:
			return boolValue(x && y)
		}
	}
	switch r.Tag {
	case ReduceReplace:
		return b
	case ReduceAdd:
		return a + b
	case ReduceMultiply:
		return a * b
	case ReduceMaximum:
		return max(a, b)
	case ReduceMinimum:
		return min(a, b)
	}
	return r.Fn(a, b)
}

func boolValue(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// ApplyMasked computes dst[i] = r(dst[i], src[i]) for every i where sel[i]
// holds, in place. A nil sel selects every element. It returns the number of
// elements combined.
func ApplyMasked(dt core.DType, r Reducer, dst, src []byte, sel []bool) (int, error) {
	n, err := checkBuffers(dt, dst, src, sel)
	if err != nil {
		return 0, err
	}
	if err := r.Validate(); err != nil {
		return 0, err
	}
	if r.Tag == ReduceReplace {
		return CopyMasked(dt, dst, src, sel), nil
	}
	if r.Tag == ReduceCustom || !typedOK(dt, dst, src) {
		return applyGeneric(dt, r, dst, src, sel, n), nil
	}
	switch dt {
	case core.Bool:
		return applyBool(r.Tag, dst, src, sel), nil
	case core.Uint8:
		return applyTyped(r.Tag, dst, src, sel), nil
	case core.Int32:
		return applyTyped(r.Tag, view[int32](dst), view[int32](src), sel), nil
	case core.Int64:
		return applyTyped(r.Tag, view[int64](dst), view[int64](src), sel), nil
	case core.Float32:
		d, s := view[float32](dst), view[float32](src)
		if sel == nil {
			switch r.Tag {
			case ReduceAdd:
				return n, VectorAdd(d, s)
			case ReduceMultiply:
				return n, VectorMul(d, s)
			}
		}
		return applyTyped(r.Tag, d, s, sel), nil
	case core.Float64:
		return applyTyped(r.Tag, view[float64](dst), view[float64](src), sel), nil
	}
	return 0, fmt.Errorf("%w: %v", core.ErrDType, dt)
}

// CopyMasked copies the selected elements of src into dst and returns how
// many were copied. Buffer lengths must already agree.
func CopyMasked(dt core.DType, dst, src []byte, sel []bool) int {
	if sel == nil {
		copy(dst, src)
		return len(src) / dt.Size()
	}
	sz := dt.Size()
	n := 0
	for i, ok := range sel {
		if ok {
			copy(dst[i*sz:(i+1)*sz], src[i*sz:(i+1)*sz])
			n++
		}
	}
	return n
}

func checkBuffers(dt core.DType, dst, src []byte, sel []bool) (int, error) {
	sz := dt.Size()
	if sz == 0 {
		return 0, fmt.Errorf("%w: %v", core.ErrDType, dt)
	}
	if len(dst) != len(src) || len(dst)%sz != 0 {
		return 0, fmt.Errorf("%w: buffers of %d and %d bytes for %v", core.ErrShape, len(dst), len(src), dt)
	}
	n := len(dst) / sz
	if sel != nil && len(sel) != n {
		return 0, fmt.Errorf("%w: selection of %d for %d elements", core.ErrShape, len(sel), n)
	}
	return n, nil
}

func applyGeneric(dt core.DType, r Reducer, dst, src []byte, sel []bool, n int) int {
	count := 0
	for i := 0; i < n; i++ {
		if sel != nil && !sel[i] {
			continue
		}
		dt.Store(dst, i, ReduceElement(dt, r, dt.Load(dst, i), dt.Load(src, i)))
		count++
	}
	return count
}

func applyBool(tag ReducerTag, dst, src []byte, sel []bool) int {
	n := 0
	for i := range dst {
		if sel != nil && !sel[i] {
			continue
		}
		a, b := dst[i] != 0, src[i] != 0
		var v bool
		switch tag {
		case ReduceAdd, ReduceMaximum:
			v = a || b
		default:
			v = a && b
		}
		dst[i] = byte(boolValue(v))
		n++
	}
	return n
}
