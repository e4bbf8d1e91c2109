package core

import "errors"

var (
	// ErrShape reports an out-of-bounds index, mismatched operand shapes, or
	// an extent that is not contained in its parent.
	ErrShape = errors.New("shape error")

	// ErrUnsupportedRepresentation reports a value that matches none of the
	// dense, masked, COO, CSR or CSC representations.
	ErrUnsupportedRepresentation = errors.New("unsupported representation")

	// ErrUnsupportedMerge reports a reducer/representation combination the
	// merge engine cannot execute.
	ErrUnsupportedMerge = errors.New("unsupported merge")

	// ErrUninitializedRead is returned by strict reads of never-written data.
	ErrUninitializedRead = errors.New("read of uninitialized tile data")

	// ErrDType reports an unknown or mismatched element type.
	ErrDType = errors.New("dtype error")
)
