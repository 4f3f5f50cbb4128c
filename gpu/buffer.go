package gpu

import (
	"fmt"
	"unsafe"
)

// Buffer is a device allocation plus, for host-visible kinds, its mapped
// host view. The zero value is a cleared buffer.
type Buffer struct {
	slot   Slot
	handle DeviceBuffer
	kind   int
	props  MemoryProperty
	size   uint64
}

// Valid reports whether the buffer currently owns device memory.
func (b *Buffer) Valid() bool { return b != nil && b.handle != nil }

func (b *Buffer) Size() uint64 { return b.size }

func (b *Buffer) Kind() int { return b.kind }

func (b *Buffer) Properties() MemoryProperty { return b.props }

// Mapped returns the host view, or nil for device-local buffers.
func (b *Buffer) Mapped() []byte {
	if !b.Valid() {
		return nil
	}
	return b.handle.Mapped()
}

// Float32s views the mapped bytes as float32 elements.
func (b *Buffer) Float32s() []float32 {
	m := b.Mapped()
	if len(m) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&m[0])), len(m)/4)
}

// Uint32s views the mapped bytes as uint32 elements.
func (b *Buffer) Uint32s() []uint32 {
	m := b.Mapped()
	if len(m) < 4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&m[0])), len(m)/4)
}

// Flush publishes host writes to the device. No-op for device-local buffers.
func (b *Buffer) Flush(offset, size uint64) error {
	if b.Mapped() == nil || size == 0 {
		return nil
	}
	if err := b.handle.Flush(offset, size); err != nil {
		return fmt.Errorf("%w: flush %s: %v", ErrSubmissionFailed, b.slot, err)
	}
	return nil
}

// Invalidate makes device writes visible in the host view.
func (b *Buffer) Invalidate(offset, size uint64) error {
	if b.Mapped() == nil || size == 0 {
		return nil
	}
	if err := b.handle.Invalidate(offset, size); err != nil {
		return fmt.Errorf("%w: invalidate %s: %v", ErrSubmissionFailed, b.slot, err)
	}
	return nil
}

// CreateBuffer backs b with size bytes of a memory kind carrying props.
// It does nothing when b is already valid. With mapOnCreate the buffer must
// be host-visible and b.Mapped stays valid until ClearBuffer.
func (c *Context) CreateBuffer(b *Buffer, usage BufferUsage, size uint64, props MemoryProperty, mapOnCreate bool) error {
	if b.Valid() {
		return nil
	}
	if size == 0 {
		return fmt.Errorf("%w: buffer %s has zero size", ErrInvalidArgument, b.slot)
	}
	if mapOnCreate && !props.Has(MemoryHostVisible) {
		return fmt.Errorf("%w: buffer %s is mapped but not host-visible", ErrInvalidArgument, b.slot)
	}
	if limit := c.limits.MaxBufferSize; limit > 0 && size > limit {
		return &BufferError{Slot: b.slot, Size: size, Err: fmt.Errorf("%w: exceeds max buffer size %d", ErrOutOfDeviceMemory, limit)}
	}

	if usage&UsageStorage != 0 {
		if err := c.checkBinding(b.slot, size); err != nil {
			return err
		}
	}

	req := c.device.Requirements(usage, size)
	kind, err := FindMemoryKind(c.kinds, req, props)
	if err != nil {
		return &BufferError{Slot: b.slot, Size: size, Err: err}
	}
	h, err := c.device.Allocate(AllocateDesc{
		Label: b.slot.String(),
		Usage: usage,
		Size:  size,
		Kind:  kind,
		Map:   mapOnCreate,
	})
	if err != nil {
		return &BufferError{Slot: b.slot, Size: size, Err: fmt.Errorf("%w: %v", ErrOutOfDeviceMemory, err)}
	}
	if mapOnCreate && h.Mapped() == nil {
		h.Release()
		return &BufferError{Slot: b.slot, Size: size, Err: fmt.Errorf("%w: kind %d could not be mapped", ErrOutOfDeviceMemory, kind)}
	}

	b.handle = h
	b.kind = kind
	b.props = c.kinds[kind].Properties
	b.size = size
	c.log.Debug("buffer created", "slot", b.slot, "bytes", size, "kind", kind, "memory", b.props)
	return nil
}

// checkBinding fails when a storage buffer of size bytes cannot be bound in
// one piece.
func (c *Context) checkBinding(s Slot, size uint64) error {
	if limit := c.limits.MaxStorageBindingSize; limit > 0 && size > limit {
		return &BufferError{Slot: s, Size: size, Err: fmt.Errorf("%w: exceeds max storage binding size %d", ErrOutOfDeviceMemory, limit)}
	}
	return nil
}

// ClearBuffer releases b. Clearing a cleared buffer is a no-op.
func (c *Context) ClearBuffer(b *Buffer) {
	if !b.Valid() {
		return
	}
	b.handle.Release()
	*b = Buffer{slot: b.slot}
}
