package kernels

import (
	"fmt"

	"github.com/sbl8/tessera/core"
)

// VectorAdd adds src into dst element-wise.
func VectorAdd[T number](dst, src []T) error {
	if len(dst) != len(src) {
		return fmt.Errorf("%w: vectors of %d and %d elements", core.ErrShape, len(dst), len(src))
	}
	for i, v := range src {
		dst[i] += v
	}
	return nil
}

// VectorMul multiplies dst by src element-wise.
func VectorMul[T number](dst, src []T) error {
	if len(dst) != len(src) {
		return fmt.Errorf("%w: vectors of %d and %d elements", core.ErrShape, len(dst), len(src))
	}
	for i, v := range src {
		dst[i] *= v
	}
	return nil
}
