package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// WebGPU exposes two memory kinds. Kind 0 is device-local. Kind 1 is
// host-visible: a storage buffer paired with a host copy that Flush writes
// through the queue and Invalidate refreshes through a read-back.
var webgpuKinds = []MemoryKind{
	{Properties: MemoryDeviceLocal, Heap: 0},
	{Properties: MemoryHostVisible | MemoryHostCoherent, Heap: 1},
}

type webgpuDriver struct {
	inst     *wgpu.Instance
	adapters []*wgpu.Adapter
}

// NewWebGPUDriver creates a WebGPU instance. Failures, including a missing
// native library, wrap ErrDeviceUnavailable.
func NewWebGPUDriver() (d Driver, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = nil, fmt.Errorf("%w: webgpu: %v", ErrDeviceUnavailable, r)
		}
	}()
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("%w: wgpu.CreateInstance returned nil", ErrDeviceUnavailable)
	}
	return &webgpuDriver{inst: inst}, nil
}

func (d *webgpuDriver) Adapters() ([]AdapterInfo, error) {
	d.releaseAdapters()
	d.adapters = d.inst.EnumerateAdapters(nil)
	if len(d.adapters) == 0 {
		for _, pref := range []wgpu.PowerPreference{wgpu.PowerPreferenceHighPerformance, wgpu.PowerPreferenceLowPower} {
			a, err := d.inst.RequestAdapter(&wgpu.RequestAdapterOptions{PowerPreference: pref})
			if err == nil && a != nil {
				d.adapters = append(d.adapters, a)
				break
			}
		}
	}

	out := make([]AdapterInfo, 0, len(d.adapters))
	for i, a := range d.adapters {
		info := a.GetInfo()
		limits := a.GetLimits()
		out = append(out, AdapterInfo{
			Index:   i,
			Name:    info.Name,
			Vendor:  info.VendorName,
			Backend: info.BackendType.String(),
			Type:    info.AdapterType.String(),
			Driver:  info.DriverDescription,
			Compute: limits.Limits.MaxComputeWorkgroupsPerDimension > 0,
		})
	}
	return out, nil
}

func (d *webgpuDriver) Open(index int) (Device, error) {
	if index < 0 || index >= len(d.adapters) {
		return nil, fmt.Errorf("adapter %d out of range", index)
	}
	a := d.adapters[index]
	supported := a.GetLimits()
	dev, err := a.RequestDevice(&wgpu.DeviceDescriptor{
		RequiredLimits: &wgpu.RequiredLimits{Limits: supported.Limits},
	})
	if err != nil {
		return nil, fmt.Errorf("request device: %w", err)
	}
	l := supported.Limits
	return &webgpuDevice{
		dev:   dev,
		queue: dev.GetQueue(),
		limits: Limits{
			MaxWorkgroupsPerDimension: l.MaxComputeWorkgroupsPerDimension,
			MaxWorkgroupSizeX:         l.MaxComputeWorkgroupSizeX,
			MaxBufferSize:             l.MaxBufferSize,
			MaxStorageBindingSize:     l.MaxStorageBufferBindingSize,
		},
	}, nil
}

func (d *webgpuDriver) releaseAdapters() {
	for _, a := range d.adapters {
		a.Release()
	}
	d.adapters = nil
}

func (d *webgpuDriver) Release() {
	d.releaseAdapters()
	if d.inst != nil {
		d.inst.Release()
		d.inst = nil
	}
}

type webgpuDevice struct {
	dev    *wgpu.Device
	queue  *wgpu.Queue
	limits Limits
}

func (w *webgpuDevice) Limits() Limits { return w.limits }

func (w *webgpuDevice) MemoryKinds() []MemoryKind { return webgpuKinds }

func (w *webgpuDevice) Requirements(usage BufferUsage, size uint64) MemoryRequirements {
	return MemoryRequirements{Size: align4(size), KindBits: 0b11}
}

func (w *webgpuDevice) Allocate(desc AllocateDesc) (DeviceBuffer, error) {
	// Copy usage is always on: host-visible buffers are written and read
	// back through the queue.
	usage := wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst
	if desc.Usage&UsageStorage != 0 {
		usage |= wgpu.BufferUsageStorage
	}
	if desc.Usage&UsageUniform != 0 {
		usage |= wgpu.BufferUsageUniform
	}
	size := align4(desc.Size)
	buf, err := w.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return nil, err
	}
	b := &webgpuBuffer{dev: w, buf: buf, size: size}
	if webgpuKinds[desc.Kind].Properties.Has(MemoryHostVisible) {
		b.host = make([]byte, size)
	}
	return b, nil
}

func (w *webgpuDevice) CompileKernel(desc KernelDesc) (DeviceKernel, error) {
	module, err := w.dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          desc.Label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: string(desc.Source)},
	})
	if err != nil {
		return nil, fmt.Errorf("shader module: %w", err)
	}
	defer module.Release()

	entries := make([]wgpu.BindGroupLayoutEntry, 0, len(desc.Bindings)+1)
	for i, access := range desc.Bindings {
		t := wgpu.BufferBindingTypeStorage
		if access == ReadOnly {
			t = wgpu.BufferBindingTypeReadOnlyStorage
		}
		entries = append(entries, wgpu.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: t},
		})
	}
	entries = append(entries, wgpu.BindGroupLayoutEntry{
		Binding:    uint32(len(desc.Bindings)),
		Visibility: wgpu.ShaderStageCompute,
		Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform},
	})

	bgl, err := w.dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   desc.Label + "_bgl",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("bind group layout: %w", err)
	}
	layout, err := w.dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            desc.Label + "_layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		bgl.Release()
		return nil, fmt.Errorf("pipeline layout: %w", err)
	}
	pipeline, err := w.dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  desc.Label,
		Layout: layout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: desc.Entry,
		},
	})
	if err != nil {
		layout.Release()
		bgl.Release()
		return nil, fmt.Errorf("compute pipeline: %w", err)
	}
	params, err := w.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label + "_params",
		Size:  desc.ParamSize,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		pipeline.Release()
		layout.Release()
		bgl.Release()
		return nil, fmt.Errorf("params buffer: %w", err)
	}
	return &webgpuKernel{
		pipeline: pipeline,
		layout:   layout,
		bgl:      bgl,
		params:   params,
		bindings: len(desc.Bindings),
	}, nil
}

func (w *webgpuDevice) CreateBindingSet(k DeviceKernel, buffers []DeviceBuffer) (DeviceBindingSet, error) {
	kernel := k.(*webgpuKernel)
	if len(buffers) != kernel.bindings {
		return nil, fmt.Errorf("%d buffers for %d bindings", len(buffers), kernel.bindings)
	}
	entries := make([]wgpu.BindGroupEntry, 0, len(buffers)+1)
	for i, b := range buffers {
		wb := b.(*webgpuBuffer)
		entries = append(entries, wgpu.BindGroupEntry{Binding: uint32(i), Buffer: wb.buf, Size: wb.size})
	}
	entries = append(entries, wgpu.BindGroupEntry{
		Binding: uint32(len(buffers)),
		Buffer:  kernel.params,
		Size:    kernel.params.GetSize(),
	})
	group, err := w.dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout:  kernel.bgl,
		Entries: entries,
	})
	if err != nil {
		return nil, err
	}
	return &webgpuBindingSet{group: group}, nil
}

// Submit encodes cmds into one command buffer. Parameter blocks go through
// Queue.WriteBuffer, which lands before the submission, so a submission
// carries at most one parameter block per kernel.
func (w *webgpuDevice) Submit(cmds []Command) error {
	enc, err := w.dev.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("command encoder: %w", err)
	}
	var (
		kernel *webgpuKernel
		set    *webgpuBindingSet
	)
	for _, c := range cmds {
		switch c.Op {
		case OpCopy:
			enc.CopyBufferToBuffer(c.Src.(*webgpuBuffer).buf, 0, c.Dst.(*webgpuBuffer).buf, 0, align4(c.Size))
		case OpBarrier:
			// Passes and copies in one encoder already execute in order.
		case OpBindPipeline:
			kernel = c.Kernel.(*webgpuKernel)
			set = c.Set.(*webgpuBindingSet)
		case OpPushParams:
			if kernel == nil {
				enc.Release()
				return fmt.Errorf("params pushed before a pipeline was bound")
			}
			w.queue.WriteBuffer(kernel.params, 0, c.Params)
		case OpDispatch:
			if kernel == nil {
				enc.Release()
				return fmt.Errorf("dispatch before a pipeline was bound")
			}
			pass := enc.BeginComputePass(nil)
			pass.SetPipeline(kernel.pipeline)
			pass.SetBindGroup(0, set.group, nil)
			pass.DispatchWorkgroups(c.Groups, 1, 1)
			pass.End()
		}
	}
	cb, err := enc.Finish(nil)
	if err != nil {
		enc.Release()
		return fmt.Errorf("finish: %w", err)
	}
	w.queue.Submit(cb)
	cb.Release()
	enc.Release()
	return nil
}

func (w *webgpuDevice) WaitIdle() error {
	w.dev.Poll(true, nil)
	return nil
}

func (w *webgpuDevice) Release() {
	w.dev.Release()
}

type webgpuBuffer struct {
	dev  *webgpuDevice
	buf  *wgpu.Buffer
	size uint64
	host []byte
}

func (b *webgpuBuffer) Size() uint64   { return b.size }
func (b *webgpuBuffer) Mapped() []byte { return b.host }

func (b *webgpuBuffer) Flush(offset, size uint64) error {
	start, end := alignRange(offset, size, b.size)
	b.dev.queue.WriteBuffer(b.buf, start, b.host[start:end])
	return nil
}

func (b *webgpuBuffer) Invalidate(offset, size uint64) error {
	start, end := alignRange(offset, size, b.size)
	n := end - start
	staging, err := b.dev.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "readback",
		Size:  n,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("readback buffer: %w", err)
	}
	defer staging.Release()
	defer staging.Destroy()

	enc, err := b.dev.dev.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("command encoder: %w", err)
	}
	enc.CopyBufferToBuffer(b.buf, start, staging, 0, n)
	cb, err := enc.Finish(nil)
	if err != nil {
		enc.Release()
		return fmt.Errorf("finish: %w", err)
	}
	b.dev.queue.Submit(cb)
	cb.Release()
	enc.Release()

	done := false
	var mapErr error
	err = staging.MapAsync(wgpu.MapModeRead, 0, n, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map status %v", status)
		}
		done = true
	})
	if err != nil {
		return fmt.Errorf("map: %w", err)
	}
	for !done {
		b.dev.dev.Poll(true, nil)
	}
	if mapErr != nil {
		return mapErr
	}
	copy(b.host[start:end], staging.GetMappedRange(0, uint(n)))
	staging.Unmap()
	return nil
}

func (b *webgpuBuffer) Release() {
	b.buf.Destroy()
	b.buf.Release()
	b.host = nil
}

// alignRange widens [offset, offset+size) to 4-byte boundaries within limit.
func alignRange(offset, size, limit uint64) (start, end uint64) {
	start = offset &^ 3
	end = align4(offset + size)
	if end > limit {
		end = limit
	}
	return start, end
}

type webgpuKernel struct {
	pipeline *wgpu.ComputePipeline
	layout   *wgpu.PipelineLayout
	bgl      *wgpu.BindGroupLayout
	params   *wgpu.Buffer
	bindings int
}

func (k *webgpuKernel) Release() {
	k.pipeline.Release()
	k.layout.Release()
	k.bgl.Release()
	k.params.Destroy()
	k.params.Release()
}

type webgpuBindingSet struct {
	group *wgpu.BindGroup
}

func (s *webgpuBindingSet) Release() { s.group.Release() }
