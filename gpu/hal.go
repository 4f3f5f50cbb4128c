package gpu

import "fmt"

// MemoryProperty flags describe a memory kind the device advertises.
type MemoryProperty uint32

const (
	MemoryDeviceLocal MemoryProperty = 1 << iota
	MemoryHostVisible
	MemoryHostCoherent
	MemoryHostCached
)

// Has reports whether p carries every flag in req.
func (p MemoryProperty) Has(req MemoryProperty) bool { return p&req == req }

func (p MemoryProperty) String() string {
	if p == 0 {
		return "none"
	}
	s := ""
	for _, f := range []struct {
		bit  MemoryProperty
		name string
	}{
		{MemoryDeviceLocal, "device-local"},
		{MemoryHostVisible, "host-visible"},
		{MemoryHostCoherent, "host-coherent"},
		{MemoryHostCached, "host-cached"},
	} {
		if p&f.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += f.name
		}
	}
	return s
}

// MemoryKind is one entry of the device's memory-kind table.
type MemoryKind struct {
	Properties MemoryProperty
	Heap       int
}

// BufferUsage flags say how a buffer is bound or copied.
type BufferUsage uint32

const (
	UsageStorage BufferUsage = 1 << iota
	UsageTransferSrc
	UsageTransferDst
	UsageUniform
)

// MemoryRequirements is what the device needs for a buffer of a given usage
// and size. KindBits has bit i set when memory kind i may back the buffer.
type MemoryRequirements struct {
	Size     uint64
	KindBits uint32
}

// AdapterInfo describes one physical adapter.
type AdapterInfo struct {
	Index   int
	Name    string
	Vendor  string
	Backend string
	Type    string
	Driver  string
	// Compute is false for adapters without a usable compute queue.
	Compute bool
}

func (a AdapterInfo) String() string {
	return fmt.Sprintf("%s (%s, %s)", a.Name, a.Vendor, a.Backend)
}

// Limits are the hardware ceilings the engine respects.
type Limits struct {
	MaxWorkgroupsPerDimension uint32
	MaxWorkgroupSizeX         uint32
	MaxBufferSize             uint64
	MaxStorageBindingSize     uint64
}

// Driver is the entry point of a compute backend: it lists adapters and
// opens one of them.
type Driver interface {
	Adapters() ([]AdapterInfo, error)
	Open(index int) (Device, error)
	// Release drops the instance and any loaded native library.
	Release()
}

// AllocateDesc describes one device allocation.
type AllocateDesc struct {
	Label string
	Usage BufferUsage
	Size  uint64
	Kind  int
	Map   bool
}

// BindingAccess is how a kernel touches one of its storage bindings.
type BindingAccess int

const (
	ReadOnly BindingAccess = iota
	ReadWrite
)

// KernelDesc describes a compute program and its binding contract: one
// storage binding per entry of Bindings, in order, followed by a uniform
// parameter block of ParamSize bytes.
type KernelDesc struct {
	Label     string
	Source    []byte
	Entry     string
	Bindings  []BindingAccess
	ParamSize uint64
}

// Device is an opened logical device with its single compute queue.
type Device interface {
	Limits() Limits
	MemoryKinds() []MemoryKind
	Requirements(usage BufferUsage, size uint64) MemoryRequirements
	Allocate(desc AllocateDesc) (DeviceBuffer, error)
	CompileKernel(desc KernelDesc) (DeviceKernel, error)
	CreateBindingSet(k DeviceKernel, buffers []DeviceBuffer) (DeviceBindingSet, error)
	// Submit executes recorded commands on the queue in order.
	Submit(cmds []Command) error
	// WaitIdle blocks until the queue has drained. It has no timeout.
	WaitIdle() error
	Release()
}

// DeviceBuffer is backend memory. Mapped is nil for device-local buffers.
type DeviceBuffer interface {
	Size() uint64
	Mapped() []byte
	// Flush publishes host writes in [offset, offset+size) to the device.
	Flush(offset, size uint64) error
	// Invalidate pulls device writes in [offset, offset+size) into the host view.
	Invalidate(offset, size uint64) error
	Release()
}

type DeviceKernel interface{ Release() }

type DeviceBindingSet interface{ Release() }
