package gpu

import "errors"

// fakeDriver is a scripted backend. Its device keeps every buffer in host
// memory, runs kernels through hostKernels and records what it was asked to
// do so tests can inject failures and check release order.
type fakeDriver struct {
	adapters []AdapterInfo
	limits   Limits
	kinds    []MemoryKind
	openErr  error
	panicMsg string

	opened   *fakeDevice
	released bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		adapters: []AdapterInfo{{Index: 0, Name: "Fake GPU", Vendor: "fake", Backend: "test", Compute: true}},
		limits: Limits{
			MaxWorkgroupsPerDimension: 65535,
			MaxWorkgroupSizeX:         256,
			MaxBufferSize:             1 << 30,
			MaxStorageBindingSize:     1 << 30,
		},
		kinds: []MemoryKind{
			{Properties: MemoryDeviceLocal},
			{Properties: MemoryHostVisible | MemoryHostCoherent},
		},
	}
}

func (d *fakeDriver) Adapters() ([]AdapterInfo, error) {
	if d.panicMsg != "" {
		panic(d.panicMsg)
	}
	return d.adapters, nil
}

func (d *fakeDriver) Open(index int) (Device, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opened = &fakeDevice{drv: d, limits: d.limits, kinds: d.kinds, kindBits: 0b11}
	return d.opened, nil
}

func (d *fakeDriver) Release() {
	d.released = true
	if d.opened != nil {
		d.opened.events = append(d.opened.events, "driver")
	}
}

type fakeDispatch struct {
	kernel string
	groups uint32
	params []byte
}

type fakeDevice struct {
	drv      *fakeDriver
	limits   Limits
	kinds    []MemoryKind
	kindBits uint32

	allocErr   error
	compileErr error
	bindErr    error
	submitErr  error
	failAfter  int // submissions allowed before submitErr applies

	allocs      int
	frees       int
	compiles    int
	liveKernels int
	liveSets    int
	submissions int
	waits       int
	dispatches  []fakeDispatch
	flushes     int
	invalidates int
	released    bool
	events      []string
}

func (f *fakeDevice) Limits() Limits            { return f.limits }
func (f *fakeDevice) MemoryKinds() []MemoryKind { return f.kinds }

func (f *fakeDevice) Requirements(usage BufferUsage, size uint64) MemoryRequirements {
	return MemoryRequirements{Size: size, KindBits: f.kindBits}
}

func (f *fakeDevice) Allocate(desc AllocateDesc) (DeviceBuffer, error) {
	if f.allocErr != nil {
		return nil, f.allocErr
	}
	f.allocs++
	return &fakeBuffer{
		dev:   f,
		label: desc.Label,
		data:  make([]byte, align4(desc.Size)),
		host:  f.kinds[desc.Kind].Properties.Has(MemoryHostVisible),
	}, nil
}

func (f *fakeDevice) CompileKernel(desc KernelDesc) (DeviceKernel, error) {
	if f.compileErr != nil {
		return nil, f.compileErr
	}
	f.compiles++
	f.liveKernels++
	return &fakeKernel{dev: f, label: desc.Label, bindings: len(desc.Bindings)}, nil
}

func (f *fakeDevice) CreateBindingSet(k DeviceKernel, buffers []DeviceBuffer) (DeviceBindingSet, error) {
	if f.bindErr != nil {
		return nil, f.bindErr
	}
	kernel := k.(*fakeKernel)
	if len(buffers) != kernel.bindings {
		return nil, errors.New("binding count mismatch")
	}
	f.liveSets++
	set := &fakeSet{dev: f}
	for _, b := range buffers {
		set.buffers = append(set.buffers, b.(*fakeBuffer))
	}
	return set, nil
}

func (f *fakeDevice) Submit(cmds []Command) error {
	if f.submitErr != nil && f.submissions >= f.failAfter {
		return f.submitErr
	}
	f.submissions++
	var (
		kernel *fakeKernel
		set    *fakeSet
		params []byte
	)
	for _, c := range cmds {
		switch c.Op {
		case OpCopy:
			copy(c.Dst.(*fakeBuffer).data[:c.Size], c.Src.(*fakeBuffer).data[:c.Size])
		case OpBindPipeline:
			kernel = c.Kernel.(*fakeKernel)
			set = c.Set.(*fakeSet)
		case OpPushParams:
			params = c.Params
		case OpDispatch:
			f.dispatches = append(f.dispatches, fakeDispatch{kernel: kernel.label, groups: c.Groups, params: params})
			if run, ok := hostKernels[kernel.label]; ok {
				run(set.data(), params, c.Groups)
			}
		}
	}
	return nil
}

func (f *fakeDevice) WaitIdle() error {
	f.waits++
	return nil
}

func (f *fakeDevice) Release() {
	f.released = true
	f.events = append(f.events, "device")
}

func (f *fakeDevice) liveBuffers() int { return f.allocs - f.frees }

type fakeBuffer struct {
	dev      *fakeDevice
	label    string
	data     []byte
	host     bool
	released bool
}

func (b *fakeBuffer) Size() uint64 { return uint64(len(b.data)) }

func (b *fakeBuffer) Mapped() []byte {
	if !b.host {
		return nil
	}
	return b.data
}

func (b *fakeBuffer) Flush(offset, size uint64) error {
	b.dev.flushes++
	return nil
}

func (b *fakeBuffer) Invalidate(offset, size uint64) error {
	b.dev.invalidates++
	return nil
}

func (b *fakeBuffer) Release() {
	if b.released {
		panic("buffer " + b.label + " released twice")
	}
	b.released = true
	b.dev.frees++
	b.dev.events = append(b.dev.events, "buffer:"+b.label)
}

type fakeKernel struct {
	dev      *fakeDevice
	label    string
	bindings int
}

func (k *fakeKernel) Release() {
	k.dev.liveKernels--
	k.dev.events = append(k.dev.events, "kernel:"+k.label)
}

type fakeSet struct {
	dev     *fakeDevice
	buffers []*fakeBuffer
}

func (s *fakeSet) Release() { s.dev.liveSets-- }

func (s *fakeSet) data() [][]byte {
	out := make([][]byte, len(s.buffers))
	for i, b := range s.buffers {
		out[i] = b.data
	}
	return out
}
