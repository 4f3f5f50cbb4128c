package gpu

import "fmt"

// Slot names a buffer the engine owns.
type Slot int

const (
	SlotInput Slot = iota
	SlotValues
	SlotWeights
	SlotBiases
	SlotErrors
	SlotProducts
	SlotDistPerImage
	SlotDistPerPixel
	numSlots

	// SlotStaging labels transient upload and read-back buffers. It is never
	// held by an Arena.
	SlotStaging Slot = -1
)

var slotNames = [...]string{
	SlotInput:        "input",
	SlotValues:       "values",
	SlotWeights:      "weights",
	SlotBiases:       "biases",
	SlotErrors:       "errors",
	SlotProducts:     "products",
	SlotDistPerImage: "dist-per-image",
	SlotDistPerPixel: "dist-per-pixel",
}

func (s Slot) String() string {
	if s == SlotStaging {
		return "staging"
	}
	if s >= 0 && s < numSlots {
		return slotNames[s]
	}
	return fmt.Sprintf("slot(%d)", int(s))
}

// Arena owns one buffer per slot. Every slot is released exactly once by
// Release.
type Arena struct {
	ctx  *Context
	bufs [numSlots]Buffer
}

func NewArena(ctx *Context) *Arena {
	a := &Arena{ctx: ctx}
	for i := range a.bufs {
		a.bufs[i].slot = Slot(i)
	}
	return a
}

// Acquire returns the buffer for s, creating it on first use. A later call
// asking for more bytes than the slot holds fails; slots never grow in place.
func (a *Arena) Acquire(s Slot, usage BufferUsage, size uint64, props MemoryProperty, mapped bool) (*Buffer, error) {
	if s < 0 || s >= numSlots {
		return nil, fmt.Errorf("%w: %s is not an arena slot", ErrInvalidArgument, s)
	}
	b := &a.bufs[s]
	if b.Valid() && b.size < size {
		return nil, fmt.Errorf("%w: %s holds %d bytes, %d requested; retire it first", ErrInvalidArgument, s, b.size, size)
	}
	if err := a.ctx.CreateBuffer(b, usage, size, props, mapped); err != nil {
		return nil, err
	}
	return b, nil
}

// Get returns the buffer for s, or nil when the slot is empty.
func (a *Arena) Get(s Slot) *Buffer {
	if s < 0 || s >= numSlots || !a.bufs[s].Valid() {
		return nil
	}
	return &a.bufs[s]
}

// Retire releases one slot so it can be acquired again with a new size.
func (a *Arena) Retire(s Slot) {
	if s >= 0 && s < numSlots {
		a.ctx.ClearBuffer(&a.bufs[s])
	}
}

// Live counts the slots currently holding memory.
func (a *Arena) Live() int {
	n := 0
	for i := range a.bufs {
		if a.bufs[i].Valid() {
			n++
		}
	}
	return n
}

// Release frees every slot.
func (a *Arena) Release() {
	for i := range a.bufs {
		a.ctx.ClearBuffer(&a.bufs[i])
	}
}

// WithStaging creates a host-visible transient buffer, hands it to fn and
// releases it afterwards whatever fn returns.
func (c *Context) WithStaging(usage BufferUsage, size uint64, fn func(*Buffer) error) error {
	staging := &Buffer{slot: SlotStaging}
	if err := c.CreateBuffer(staging, usage, size, MemoryHostVisible|MemoryHostCoherent, true); err != nil {
		return err
	}
	defer c.ClearBuffer(staging)
	return fn(staging)
}
