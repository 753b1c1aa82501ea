package gpunet

import "errors"

var (
	// ErrInvalidConfig wraps every configuration rejected before any
	// hardware is touched.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrInvalidParameter is returned for an unknown (port, queue) key or
	// an out-of-range argument.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrEmpty is returned by GetRxBurst when the queue's ring is empty.
	ErrEmpty = errors.New("no burst available")
	// ErrNoFreeBuffers is returned when a descriptor pool is exhausted.
	ErrNoFreeBuffers = errors.New("no free burst buffers")
	// ErrNoSpace is returned when a TX ring is full.
	ErrNoSpace = errors.New("no space available")
	// ErrNotSupported is returned for operations this backend lacks.
	ErrNotSupported = errors.New("not supported")
	// ErrNotInitialized is returned by burst operations outside the
	// running state.
	ErrNotInitialized = errors.New("manager not initialized")
)
