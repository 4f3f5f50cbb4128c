package gpu

import (
	"fmt"
	"io/fs"
)

// Pipeline is a compiled kernel linked to its binding set.
type Pipeline struct {
	kind   KernelKind
	kernel DeviceKernel
	set    DeviceBindingSet
}

func (p *Pipeline) Kind() KernelKind { return p.kind }

// BindingPool bounds how many binding sets and descriptors may be live.
type BindingPool struct {
	Sets        int
	Descriptors int

	usedSets        int
	usedDescriptors int
}

// UnionPool is sized for one binding set of every kernel kind.
func UnionPool() BindingPool {
	p := BindingPool{Sets: int(numKernels)}
	for k := KernelKind(0); k < numKernels; k++ {
		p.Descriptors += k.Descriptors()
	}
	return p
}

// PoolFor is sized for exactly one kernel kind.
func PoolFor(k KernelKind) BindingPool {
	return BindingPool{Sets: 1, Descriptors: k.Descriptors()}
}

func (p *BindingPool) allocate(descriptors int) error {
	if p.usedSets+1 > p.Sets || p.usedDescriptors+descriptors > p.Descriptors {
		return fmt.Errorf("%w: pool exhausted (%d/%d sets, %d/%d descriptors, %d more requested)",
			ErrBindingCreationFailed, p.usedSets, p.Sets, p.usedDescriptors, p.Descriptors, descriptors)
	}
	p.usedSets++
	p.usedDescriptors += descriptors
	return nil
}

func (p *BindingPool) free(descriptors int) {
	p.usedSets--
	p.usedDescriptors -= descriptors
}

func (p *BindingPool) reset() {
	p.usedSets = 0
	p.usedDescriptors = 0
}

// pipelineCache creates pipelines lazily, one per kernel kind.
type pipelineCache struct {
	ctx       *Context
	arena     *Arena
	src       fs.FS
	pool      BindingPool
	pipelines [numKernels]*Pipeline
	loads     [numKernels]int
}

func newPipelineCache(ctx *Context, arena *Arena, src fs.FS, pool BindingPool) *pipelineCache {
	return &pipelineCache{ctx: ctx, arena: arena, src: src, pool: pool}
}

// Ensure creates the pipeline for k unless it already exists. The buffers
// of k's binding contract must already be acquired in the arena.
func (pc *pipelineCache) Ensure(k KernelKind) error {
	if k < 0 || k >= numKernels {
		return fmt.Errorf("%w: unknown kernel %d", ErrInvalidArgument, int(k))
	}
	if pc.pipelines[k] != nil {
		return nil
	}
	if k == KernelBackPropagate && pc.pipelines[KernelFeedForward] == nil {
		return ErrPipelineOrder
	}

	c := contracts[k]
	buffers := make([]DeviceBuffer, len(c.slots))
	for i, s := range c.slots {
		b := pc.arena.Get(s)
		if b == nil {
			return fmt.Errorf("%w: %s needs buffer %s", ErrBindingCreationFailed, k, s)
		}
		buffers[i] = b.handle
	}

	descriptors := k.Descriptors()
	if err := pc.pool.allocate(descriptors); err != nil {
		return fmt.Errorf("%s: %w", k, err)
	}

	code, err := loadKernel(pc.src, k)
	pc.loads[k]++
	if err != nil {
		pc.pool.free(descriptors)
		return err
	}

	kernel, err := pc.ctx.device.CompileKernel(KernelDesc{
		Label:     k.String(),
		Source:    code,
		Entry:     "main",
		Bindings:  c.access,
		ParamSize: c.paramSize,
	})
	if err != nil {
		pc.pool.free(descriptors)
		return fmt.Errorf("%w: compile %s: %v", ErrKernelLoadFailed, k, err)
	}

	set, err := pc.ctx.device.CreateBindingSet(kernel, buffers)
	if err != nil {
		kernel.Release()
		pc.pool.free(descriptors)
		return fmt.Errorf("%w: bind %s: %v", ErrBindingCreationFailed, k, err)
	}

	pc.pipelines[k] = &Pipeline{kind: k, kernel: kernel, set: set}
	pc.ctx.log.Debug("pipeline created", "kernel", k, "bindings", descriptors)
	return nil
}

func (pc *pipelineCache) Get(k KernelKind) *Pipeline {
	if k < 0 || k >= numKernels {
		return nil
	}
	return pc.pipelines[k]
}

// Live counts created pipelines.
func (pc *pipelineCache) Live() int {
	n := 0
	for _, p := range pc.pipelines {
		if p != nil {
			n++
		}
	}
	return n
}

// Drop releases the pipelines bound to slot s, so they are rebuilt against
// the slot's next buffer.
func (pc *pipelineCache) Drop(s Slot) {
	for k := numKernels - 1; k >= 0; k-- {
		p := pc.pipelines[k]
		if p == nil {
			continue
		}
		for _, cs := range contracts[k].slots {
			if cs == s {
				p.set.Release()
				p.kernel.Release()
				pc.pool.free(k.Descriptors())
				pc.pipelines[k] = nil
				break
			}
		}
	}
}

// Release drops every pipeline, back-propagation first, and empties the pool.
func (pc *pipelineCache) Release() {
	for k := numKernels - 1; k >= 0; k-- {
		p := pc.pipelines[k]
		if p == nil {
			continue
		}
		p.set.Release()
		p.kernel.Release()
		pc.pipelines[k] = nil
	}
	pc.pool.reset()
}
