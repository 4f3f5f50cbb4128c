package gpu

import (
	"errors"
	"fmt"
)

// Failure classes reported by the engine. Every error returned by this
// package wraps exactly one of them.
var (
	// ErrDeviceUnavailable means no compute-capable adapter could be opened.
	// Callers fall back to the host path.
	ErrDeviceUnavailable = errors.New("gpu: no compute device available")
	// ErrOutOfDeviceMemory means no memory kind matched or the allocation failed.
	ErrOutOfDeviceMemory = errors.New("gpu: out of device memory")
	// ErrKernelLoadFailed means a kernel resource was missing or did not compile.
	ErrKernelLoadFailed = errors.New("gpu: kernel load failed")
	// ErrBindingCreationFailed means a binding set could not be allocated or linked.
	ErrBindingCreationFailed = errors.New("gpu: binding creation failed")
	// ErrSubmissionFailed means recording, submitting or waiting on the queue failed.
	ErrSubmissionFailed = errors.New("gpu: submission failed")

	ErrNotInitialized  = errors.New("gpu: engine not initialized")
	ErrInvalidArgument = errors.New("gpu: invalid argument")
)

// ErrPipelineOrder is returned when back-propagation is requested before the
// feed-forward pipeline exists.
var ErrPipelineOrder = fmt.Errorf("%w: back-propagation requires the feed-forward pipeline", ErrBindingCreationFailed)

// BufferError carries the slot an allocation failure happened on.
type BufferError struct {
	Slot Slot
	Size uint64
	Err  error
}

func (e *BufferError) Error() string {
	return fmt.Sprintf("gpu: buffer %s (%d bytes): %v", e.Slot, e.Size, e.Err)
}

func (e *BufferError) Unwrap() error { return e.Err }
