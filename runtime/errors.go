package runtime

import "errors"

var (
	// ErrOverlap reports kernel results whose extents overlap without being
	// identical.
	ErrOverlap = errors.New("overlapping result extents")

	// ErrMissingDep reports a kernel dependency that was not supplied.
	ErrMissingDep = errors.New("missing kernel dependency")

	// ErrForeignArray reports an array owned by a different engine.
	ErrForeignArray = errors.New("array belongs to another engine")
)
