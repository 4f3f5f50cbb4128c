package gpu

import (
	"encoding/binary"
	"fmt"
	"math"
)

// hostKernels runs each kernel kind on the CPU with the indexing of its WGSL
// source: every dispatch walks batch*groups+wid over groups workgroups.
var hostKernels = map[string]func(bufs [][]byte, p []byte, groups uint32){
	KernelDistance.String():      hostDistance,
	KernelFeedForward.String():   hostFeedForward,
	KernelBackPropagate.String(): hostBackPropagate,
}

// NewHostDriver returns a driver with one adapter that executes the kernels
// on the calling goroutine. It has the memory kinds of the WebGPU driver and
// serves machines without a compute-capable GPU.
func NewHostDriver() Driver { return &hostDriver{} }

type hostDriver struct{}

func (hostDriver) Adapters() ([]AdapterInfo, error) {
	return []AdapterInfo{{Index: 0, Name: "Host emulation", Vendor: "host", Backend: "host", Type: "cpu", Compute: true}}, nil
}

func (hostDriver) Open(index int) (Device, error) {
	if index != 0 {
		return nil, fmt.Errorf("adapter %d out of range", index)
	}
	return &hostDevice{}, nil
}

func (hostDriver) Release() {}

type hostDevice struct{}

func (*hostDevice) Limits() Limits {
	return Limits{
		MaxWorkgroupsPerDimension: 65535,
		MaxWorkgroupSizeX:         256,
		MaxBufferSize:             1 << 31,
		MaxStorageBindingSize:     1 << 31,
	}
}

func (*hostDevice) MemoryKinds() []MemoryKind { return webgpuKinds }

func (*hostDevice) Requirements(usage BufferUsage, size uint64) MemoryRequirements {
	return MemoryRequirements{Size: align4(size), KindBits: 0b11}
}

func (*hostDevice) Allocate(desc AllocateDesc) (DeviceBuffer, error) {
	return &hostBuffer{
		data: make([]byte, align4(desc.Size)),
		host: webgpuKinds[desc.Kind].Properties.Has(MemoryHostVisible),
	}, nil
}

func (*hostDevice) CompileKernel(desc KernelDesc) (DeviceKernel, error) {
	run, ok := hostKernels[desc.Label]
	if !ok {
		return nil, fmt.Errorf("no host implementation of kernel %q", desc.Label)
	}
	return &hostKernel{run: run, bindings: len(desc.Bindings)}, nil
}

func (*hostDevice) CreateBindingSet(k DeviceKernel, buffers []DeviceBuffer) (DeviceBindingSet, error) {
	kernel := k.(*hostKernel)
	if len(buffers) != kernel.bindings {
		return nil, fmt.Errorf("kernel binds %d buffers, got %d", kernel.bindings, len(buffers))
	}
	set := &hostSet{}
	for _, b := range buffers {
		set.bufs = append(set.bufs, b.(*hostBuffer).data)
	}
	return set, nil
}

func (*hostDevice) Submit(cmds []Command) error {
	var (
		kernel *hostKernel
		set    *hostSet
		params []byte
	)
	for _, c := range cmds {
		switch c.Op {
		case OpCopy:
			copy(c.Dst.(*hostBuffer).data[:c.Size], c.Src.(*hostBuffer).data[:c.Size])
		case OpBindPipeline:
			kernel, set = c.Kernel.(*hostKernel), c.Set.(*hostSet)
		case OpPushParams:
			params = c.Params
		case OpDispatch:
			if kernel == nil {
				return fmt.Errorf("dispatch without a bound pipeline")
			}
			kernel.run(set.bufs, params, c.Groups)
		}
	}
	return nil
}

func (*hostDevice) WaitIdle() error { return nil }
func (*hostDevice) Release()        {}

type hostBuffer struct {
	data []byte
	host bool
}

func (b *hostBuffer) Size() uint64 { return uint64(len(b.data)) }

func (b *hostBuffer) Mapped() []byte {
	if !b.host {
		return nil
	}
	return b.data
}

func (b *hostBuffer) Flush(offset, size uint64) error      { return nil }
func (b *hostBuffer) Invalidate(offset, size uint64) error { return nil }
func (b *hostBuffer) Release()                             { b.data = nil }

type hostKernel struct {
	run      func(bufs [][]byte, p []byte, groups uint32)
	bindings int
}

func (*hostKernel) Release() {}

type hostSet struct{ bufs [][]byte }

func (*hostSet) Release() {}

func word(p []byte, i int) uint32 { return binary.LittleEndian.Uint32(p[i*4:]) }

func f32At(b []byte, i uint32) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])) }

func setF32(b []byte, i uint32, v float32) { binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v)) }

func hostDistance(bufs [][]byte, p []byte, groups uint32) {
	input, perPixel, perImage := bufs[0], bufs[1], bufs[2]
	dp, test, train, pixels, batch := word(p, 0), word(p, 1), word(p, 2), word(p, 3), word(p, 4)
	probe := input[(train+test)*pixels:]
	for wid := uint32(0); wid < groups; wid++ {
		image := batch*groups + wid
		if image >= train {
			continue
		}
		sum := uint32(0)
		base := image * pixels
		for px := uint32(0); px < pixels; px++ {
			d := int32(input[base+px]) - int32(probe[px])
			if d < 0 {
				d = -d
			}
			v := uint32(d)
			if dp == uint32(DistanceEuclidean) {
				v *= v
			}
			binary.LittleEndian.PutUint32(perPixel[(base+px)*4:], v)
			sum += v
		}
		binary.LittleEndian.PutUint32(perImage[image*4:], sum)
	}
}

func hostFeedForward(bufs [][]byte, p []byte, groups uint32) {
	values, weights, biases, products := bufs[0], bufs[1], bufs[2], bufs[3]
	inIdx, inDim, wIdx, wDim := word(p, 0), word(p, 1), word(p, 2), word(p, 3)
	bIdx, outIdx, outDim, phase, batch := word(p, 4), word(p, 5), word(p, 6), word(p, 7), word(p, 8)
	for wid := uint32(0); wid < groups; wid++ {
		for lid := uint32(0); lid < 256; lid++ {
			idx := (batch*groups+wid)*256 + lid
			if phase == 0 {
				if idx >= inDim*outDim {
					continue
				}
				o, i := idx/inDim, idx%inDim
				setF32(products, idx, f32At(values, inIdx+i)*f32At(weights, wIdx+o*wDim+i))
				continue
			}
			if idx >= outDim {
				continue
			}
			sum := f32At(biases, bIdx+idx)
			for i := uint32(0); i < inDim; i++ {
				sum += f32At(products, idx*inDim+i)
			}
			setF32(values, outIdx+idx, float32(1/(1+math.Exp(-float64(sum)))))
		}
	}
}

func hostBackPropagate(bufs [][]byte, p []byte, groups uint32) {
	values, weights, biases, products, errs := bufs[0], bufs[1], bufs[2], bufs[3], bufs[4]
	prevIdx, inErrIdx, inErrDim := word(p, 1), word(p, 2), word(p, 3)
	wIdx, wDim, bIdx, outErrIdx, outErrDim := word(p, 4), word(p, 5), word(p, 6), word(p, 7), word(p, 8)
	lr := math.Float32frombits(word(p, 9))
	layer, phase, batch := word(p, 10), word(p, 11), word(p, 12)
	for wid := uint32(0); wid < groups; wid++ {
		for lid := uint32(0); lid < 256; lid++ {
			idx := (batch*groups+wid)*256 + lid
			if phase == 0 {
				if idx >= inErrDim*wDim {
					continue
				}
				o, i := idx/wDim, idx%wDim
				e := f32At(errs, inErrIdx+o)
				w := wIdx + o*wDim + i
				setF32(products, idx, f32At(weights, w)*e)
				setF32(weights, w, f32At(weights, w)+lr*e*f32At(values, prevIdx+i))
				if i == 0 {
					setF32(biases, bIdx+o, f32At(biases, bIdx+o)+lr*e)
				}
				continue
			}
			if layer <= 1 || idx >= outErrDim {
				continue
			}
			var sum float32
			for o := uint32(0); o < inErrDim; o++ {
				sum += f32At(products, o*wDim+idx)
			}
			v := f32At(values, prevIdx+idx)
			setF32(errs, outErrIdx+idx, sum*v*(1-v))
		}
	}
}
