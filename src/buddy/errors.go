package buddy

import "errors"

// Error values returned by the allocator's public operations.
var (
	// ErrInvalidArgument is returned for a nil pool or a zero-size request.
	ErrInvalidArgument = errors.New("buddy: invalid argument")
	// ErrOutOfMemory is returned when a request exceeds pool capacity or no
	// sufficiently large free block exists.
	ErrOutOfMemory = errors.New("buddy: out of memory")
)
