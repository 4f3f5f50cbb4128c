package gpu

import (
	"fmt"
	"io/fs"

	"github.com/heyyod/knn-compute/internal/logger"
	"github.com/heyyod/knn-compute/layout"
)

// Options configures an Engine. The zero value opens WebGPU with the
// embedded kernels.
type Options struct {
	// Driver overrides the backend. Nil opens WebGPU. A supplied driver stays
	// owned by the caller: Shutdown leaves it open, so Initialize can reuse it.
	Driver Driver
	// Adapter is a case-insensitive substring of the preferred adapter's
	// name or vendor.
	Adapter string
	// Kernels holds <kind>.wgsl resources. Nil uses DefaultKernels.
	Kernels fs.FS
	// Pool sizes the binding pool. Nil uses UnionPool.
	Pool *BindingPool
	// PixelsPerImage defaults to 28*28.
	PixelsPerImage int
	Logger         logger.Logger
}

// Seeder returns the initial value of the next weight or bias.
type Seeder func() float32

// NetworkMemory is the host view of the network buffers. The slices alias
// device-backed memory and stay valid until Shutdown.
type NetworkMemory struct {
	Layout  *layout.Layout
	Weights []float32
	Biases  []float32
	Values  []float32
	Errors  []float32
}

// LayerPair names one step of the network: the weights feeding Curr from
// Prev. Image selects the input image when Prev is the input layer, with
// test image t at TrainCount + t.
type LayerPair struct {
	Prev  layout.Layer
	Curr  layout.Layer
	Image int
}

// Engine drives one compute device. It is not safe for concurrent use, and
// every device call blocks until the queue is idle with no timeout.
type Engine struct {
	opts      Options
	log       logger.Logger
	ctx       *Context
	arena     *Arena
	pipelines *pipelineCache

	pixels     int
	trainCount int
	testCount  int
	inputBytes uint64
	network    *NetworkMemory
}

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.PixelsPerImage <= 0 {
		opts.PixelsPerImage = 28 * 28
	}
	if opts.Kernels == nil {
		opts.Kernels = DefaultKernels()
	}
	return &Engine{opts: opts, log: opts.Logger.WithGroup("gpu"), pixels: opts.PixelsPerImage}
}

// Initialize opens the compute device. A failure wraps ErrDeviceUnavailable
// and leaves nothing open; callers fall back to the host path.
func (e *Engine) Initialize() error {
	if e.ctx != nil {
		return nil
	}
	var d Driver = borrowedDriver{e.opts.Driver}
	if e.opts.Driver == nil {
		var err error
		if d, err = NewWebGPUDriver(); err != nil {
			return err
		}
	}
	ctx, err := NewContext(d, e.opts.Adapter, e.log)
	if err != nil {
		return err
	}
	pool := UnionPool()
	if e.opts.Pool != nil {
		pool = *e.opts.Pool
	}
	e.ctx = ctx
	e.arena = NewArena(ctx)
	e.pipelines = newPipelineCache(ctx, e.arena, e.opts.Kernels, pool)
	return nil
}

func (e *Engine) Initialized() bool { return e.ctx != nil }

// Context exposes the opened device, or nil before Initialize.
func (e *Engine) Context() *Context { return e.ctx }

func (e *Engine) TrainCount() int { return e.trainCount }
func (e *Engine) TestCount() int  { return e.testCount }

func (e *Engine) ready() error {
	if e.ctx == nil {
		return ErrNotInitialized
	}
	return nil
}

// UploadInputData copies the raw training pixels followed by the raw test
// pixels into the device-local input buffer through a staging buffer. When
// the image counts change, the distance buffers and the network are released
// and must be allocated again.
func (e *Engine) UploadInputData(train, test []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if len(train) == 0 || len(train)%e.pixels != 0 || len(test)%e.pixels != 0 {
		return fmt.Errorf("%w: pixel data must be whole images of %d pixels (train %d, test %d)",
			ErrInvalidArgument, e.pixels, len(train), len(test))
	}
	n := uint64(len(train) + len(test))
	size := align4(n)
	if err := e.ctx.checkBinding(SlotInput, size); err != nil {
		return err
	}

	trainCount, testCount := len(train)/e.pixels, len(test)/e.pixels
	if e.trainCount != 0 && (trainCount != e.trainCount || testCount != e.testCount) {
		// Distances and the network are sized by the image counts.
		e.retire(SlotDistPerImage, SlotDistPerPixel,
			SlotValues, SlotWeights, SlotBiases, SlotErrors, SlotProducts)
		e.network = nil
		e.trainCount, e.testCount, e.inputBytes = 0, 0, 0
	}
	if b := e.arena.Get(SlotInput); b != nil && b.Size() != size {
		e.retire(SlotInput)
	}
	input, err := e.arena.Acquire(SlotInput, UsageStorage|UsageTransferDst|UsageTransferSrc, size, MemoryDeviceLocal, false)
	if err != nil {
		return err
	}

	err = e.ctx.WithStaging(UsageTransferSrc, size, func(staging *Buffer) error {
		m := staging.Mapped()
		copy(m, train)
		copy(m[len(train):], test)
		if err := staging.Flush(0, size); err != nil {
			return err
		}
		cb := e.ctx.Commands()
		if err := cb.Begin(); err != nil {
			return err
		}
		cb.CopyBuffer(staging, input, size)
		cb.Barrier()
		if err := cb.End(); err != nil {
			return err
		}
		return e.ctx.Submit(cb)
	})
	if err != nil {
		return fmt.Errorf("upload input: %w", err)
	}

	e.trainCount, e.testCount = trainCount, testCount
	e.inputBytes = n
	e.log.Info("input uploaded", "train", e.trainCount, "test", e.testCount, "bytes", n)
	return nil
}

// retire drops the pipelines bound to each slot, then releases the slot.
func (e *Engine) retire(slots ...Slot) {
	for _, s := range slots {
		e.pipelines.Drop(s)
		e.arena.Retire(s)
	}
}

// ReadInput copies the input buffer back through a staging buffer.
func (e *Engine) ReadInput() ([]byte, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	input := e.arena.Get(SlotInput)
	if input == nil {
		return nil, fmt.Errorf("%w: no input uploaded", ErrInvalidArgument)
	}
	out := make([]byte, e.inputBytes)
	err := e.ctx.WithStaging(UsageTransferDst, input.Size(), func(staging *Buffer) error {
		cb := e.ctx.Commands()
		if err := cb.Begin(); err != nil {
			return err
		}
		cb.CopyBuffer(input, staging, input.Size())
		if err := cb.End(); err != nil {
			return err
		}
		if err := e.ctx.Submit(cb); err != nil {
			return err
		}
		if err := staging.Invalidate(0, input.Size()); err != nil {
			return err
		}
		copy(out, staging.Mapped())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return out, nil
}

// AllocateDistanceMemory creates the distance buffers and returns the
// host-visible per-image distances, one per training image, refreshed by
// every ComputeDistances call.
func (e *Engine) AllocateDistanceMemory() ([]uint32, uint64, error) {
	if err := e.ready(); err != nil {
		return nil, 0, err
	}
	if e.trainCount == 0 {
		return nil, 0, fmt.Errorf("%w: upload input before allocating distances", ErrInvalidArgument)
	}
	size := uint64(e.trainCount) * 4
	if err := e.ctx.checkBinding(SlotDistPerImage, size); err != nil {
		return nil, 0, err
	}
	if err := e.ctx.checkBinding(SlotDistPerPixel, size*uint64(e.pixels)); err != nil {
		return nil, 0, err
	}
	perImage, err := e.arena.Acquire(SlotDistPerImage, UsageStorage|UsageTransferSrc|UsageTransferDst, size,
		MemoryHostVisible|MemoryHostCoherent, true)
	if err != nil {
		return nil, 0, err
	}
	if _, err := e.arena.Acquire(SlotDistPerPixel, UsageStorage, size*uint64(e.pixels), MemoryDeviceLocal, false); err != nil {
		return nil, 0, err
	}
	return perImage.Uint32s()[:e.trainCount], size, nil
}

// EnsurePipeline creates the pipeline of kind k if it does not exist yet.
func (e *Engine) EnsurePipeline(k KernelKind) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.pipelines.Ensure(k)
}

// ComputeDistances fills the per-image distances between test image
// testIndex and every training image.
func (e *Engine) ComputeDistances(testIndex int, kind DistanceKind) error {
	if err := e.ready(); err != nil {
		return err
	}
	if testIndex < 0 || testIndex >= e.testCount {
		return fmt.Errorf("%w: test image %d of %d", ErrInvalidArgument, testIndex, e.testCount)
	}
	if kind != DistanceManhattan && kind != DistanceEuclidean {
		return fmt.Errorf("%w: unsupported distance %s", ErrInvalidArgument, kind)
	}
	if err := e.pipelines.Ensure(KernelDistance); err != nil {
		return err
	}
	params := &DistanceParams{
		P:              kind,
		TestIndex:      uint32(testIndex),
		TrainCount:     uint32(e.trainCount),
		PixelsPerImage: uint32(e.pixels),
	}
	p := e.pipelines.Get(KernelDistance)
	if err := e.ctx.Dispatch(p, uint32(e.trainCount), contracts[KernelDistance].perGroup, params); err != nil {
		return err
	}
	return e.arena.Get(SlotDistPerImage).Invalidate(0, uint64(e.trainCount)*4)
}

// AllocateNetworkMemory plans the network over the uploaded images, creates
// its buffers, seeds every weight and bias with seed and creates the
// feed-forward and back-propagation pipelines.
func (e *Engine) AllocateNetworkMemory(widths []int, seed Seeder) (*NetworkMemory, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.trainCount == 0 {
		return nil, fmt.Errorf("%w: upload input before allocating the network", ErrInvalidArgument)
	}
	if seed == nil {
		return nil, fmt.Errorf("%w: nil seeder", ErrInvalidArgument)
	}
	if len(widths) > 0 && widths[0] != e.pixels {
		return nil, fmt.Errorf("%w: input width %d does not match %d pixels per image", ErrInvalidArgument, widths[0], e.pixels)
	}
	lay, err := layout.Plan(widths, e.trainCount, e.testCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	for _, b := range []struct {
		slot  Slot
		count int
	}{
		{SlotValues, lay.ValuesSize},
		{SlotWeights, lay.WeightsSize},
		{SlotBiases, lay.BiasesSize},
		{SlotErrors, lay.ErrorsSize},
		{SlotProducts, lay.ScratchSize},
	} {
		if err := e.ctx.checkBinding(b.slot, layout.Bytes(b.count)); err != nil {
			return nil, err
		}
	}

	hostVisible := MemoryHostVisible | MemoryHostCoherent
	usage := UsageStorage | UsageTransferSrc | UsageTransferDst
	acquire := func(s Slot, n int) (*Buffer, error) {
		return e.arena.Acquire(s, usage, layout.Bytes(n), hostVisible, true)
	}
	values, err := acquire(SlotValues, lay.ValuesSize)
	if err != nil {
		return nil, err
	}
	weights, err := acquire(SlotWeights, lay.WeightsSize)
	if err != nil {
		return nil, err
	}
	biases, err := acquire(SlotBiases, lay.BiasesSize)
	if err != nil {
		return nil, err
	}
	errs, err := acquire(SlotErrors, lay.ErrorsSize)
	if err != nil {
		return nil, err
	}
	if _, err := e.arena.Acquire(SlotProducts, UsageStorage, layout.Bytes(lay.ScratchSize), MemoryDeviceLocal, false); err != nil {
		return nil, err
	}

	mem := &NetworkMemory{
		Layout:  lay,
		Values:  values.Float32s()[:lay.ValuesSize],
		Weights: weights.Float32s()[:lay.WeightsSize],
		Biases:  biases.Float32s()[:lay.BiasesSize],
		Errors:  errs.Float32s()[:lay.ErrorsSize],
	}
	for _, l := range lay.Layers[1:] {
		for j := 0; j < l.Dimension; j++ {
			mem.Biases[l.BiasesIndex+j] = seed()
			row := l.WeightsIndex + j*l.WeightsDim
			for k := 0; k < l.WeightsDim; k++ {
				mem.Weights[row+k] = seed()
			}
		}
	}
	if err := weights.Flush(0, weights.Size()); err != nil {
		return nil, err
	}
	if err := biases.Flush(0, biases.Size()); err != nil {
		return nil, err
	}

	if err := e.pipelines.Ensure(KernelFeedForward); err != nil {
		return nil, err
	}
	if err := e.pipelines.Ensure(KernelBackPropagate); err != nil {
		return nil, err
	}
	e.network = mem
	e.log.Info("network allocated", "layers", widths, "weights", lay.WeightsSize, "scratch", lay.ScratchSize)
	return mem, nil
}

// SyncToDevice publishes host writes to count elements of network buffer b
// starting at offset.
func (e *Engine) SyncToDevice(b layout.Buffer, offset, count int) error {
	buf, err := e.networkBuffer(b)
	if err != nil {
		return err
	}
	return buf.Flush(layout.Bytes(offset), layout.Bytes(count))
}

// SyncFromDevice pulls device writes to count elements of network buffer b
// starting at offset into the host view.
func (e *Engine) SyncFromDevice(b layout.Buffer, offset, count int) error {
	buf, err := e.networkBuffer(b)
	if err != nil {
		return err
	}
	return buf.Invalidate(layout.Bytes(offset), layout.Bytes(count))
}

var networkSlots = map[layout.Buffer]Slot{
	layout.Values:  SlotValues,
	layout.Weights: SlotWeights,
	layout.Biases:  SlotBiases,
	layout.Errors:  SlotErrors,
}

func (e *Engine) networkBuffer(b layout.Buffer) (*Buffer, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.network == nil {
		return nil, fmt.Errorf("%w: network not allocated", ErrInvalidArgument)
	}
	slot, ok := networkSlots[b]
	if !ok {
		return nil, fmt.Errorf("%w: %v is not a network buffer", ErrInvalidArgument, b)
	}
	return e.arena.Get(slot), nil
}

func (e *Engine) checkPair(pair LayerPair) (inValues int, err error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if e.network == nil {
		return 0, fmt.Errorf("%w: network not allocated", ErrInvalidArgument)
	}
	lay := e.network.Layout
	if pair.Curr.Index != pair.Prev.Index+1 || pair.Curr.Index <= 0 || pair.Curr.Index >= len(lay.Layers) ||
		pair.Curr.WeightsDim != pair.Prev.Dimension {
		return 0, fmt.Errorf("%w: layers %d and %d are not adjacent", ErrInvalidArgument, pair.Prev.Index, pair.Curr.Index)
	}
	if pair.Prev.Index != 0 {
		return pair.Prev.ValuesIndex, nil
	}
	if pair.Image < 0 || pair.Image >= lay.TrainCount+lay.TestCount {
		return 0, fmt.Errorf("%w: image %d out of range", ErrInvalidArgument, pair.Image)
	}
	return lay.ImageIndex(pair.Image), nil
}

// ComputeFeedForward computes Curr's activations from Prev's.
func (e *Engine) ComputeFeedForward(pair LayerPair) error {
	inValues, err := e.checkPair(pair)
	if err != nil {
		return err
	}
	p := e.pipelines.Get(KernelFeedForward)
	if p == nil {
		return fmt.Errorf("%w: feed-forward pipeline missing", ErrBindingCreationFailed)
	}
	params := &FeedForwardParams{
		InValuesIndex:  uint32(inValues),
		InValuesDim:    uint32(pair.Prev.Dimension),
		WeightsIndex:   uint32(pair.Curr.WeightsIndex),
		WeightsDim:     uint32(pair.Curr.WeightsDim),
		BiasesIndex:    uint32(pair.Curr.BiasesIndex),
		OutValuesIndex: uint32(pair.Curr.ValuesIndex),
		OutValuesDim:   uint32(pair.Curr.Dimension),
	}
	perGroup := contracts[KernelFeedForward].perGroup
	if err := e.ctx.Dispatch(p, params.InValuesDim*params.OutValuesDim, perGroup, params); err != nil {
		return err
	}
	params.Phase = 1
	if err := e.ctx.Dispatch(p, params.OutValuesDim, perGroup, params); err != nil {
		return err
	}
	return e.SyncFromDevice(layout.Values, pair.Curr.ValuesIndex, pair.Curr.Dimension)
}

// ComputeBackPropagate applies Curr's errors to the weights and biases
// feeding it and, unless Prev is the input layer, writes Prev's errors.
// Curr's errors are published from the host view first.
func (e *Engine) ComputeBackPropagate(pair LayerPair, learningRate float32) error {
	prevValues, err := e.checkPair(pair)
	if err != nil {
		return err
	}
	p := e.pipelines.Get(KernelBackPropagate)
	if p == nil {
		return ErrPipelineOrder
	}
	if err := e.SyncToDevice(layout.Errors, pair.Curr.ErrorsIndex, pair.Curr.Dimension); err != nil {
		return err
	}
	params := &BackPropParams{
		CurrValuesIndex: uint32(pair.Curr.ValuesIndex),
		PrevValuesIndex: uint32(prevValues),
		InErrorsIndex:   uint32(pair.Curr.ErrorsIndex),
		InErrorsDim:     uint32(pair.Curr.Dimension),
		WeightsIndex:    uint32(pair.Curr.WeightsIndex),
		WeightsDim:      uint32(pair.Curr.WeightsDim),
		BiasesIndex:     uint32(pair.Curr.BiasesIndex),
		OutErrorsIndex:  uint32(pair.Prev.ErrorsIndex),
		OutErrorsDim:    uint32(pair.Prev.Dimension),
		LearningRate:    learningRate,
		LayerIndex:      uint32(pair.Curr.Index),
	}
	perGroup := contracts[KernelBackPropagate].perGroup
	if err := e.ctx.Dispatch(p, params.InErrorsDim*params.WeightsDim, perGroup, params); err != nil {
		return err
	}
	if pair.Prev.Index > 0 {
		params.Phase = 1
		if err := e.ctx.Dispatch(p, params.OutErrorsDim, perGroup, params); err != nil {
			return err
		}
		if err := e.SyncFromDevice(layout.Errors, pair.Prev.ErrorsIndex, pair.Prev.Dimension); err != nil {
			return err
		}
	}
	if err := e.SyncFromDevice(layout.Weights, pair.Curr.WeightsIndex, pair.Curr.WeightsExtent()); err != nil {
		return err
	}
	return e.SyncFromDevice(layout.Biases, pair.Curr.BiasesIndex, pair.Curr.Dimension)
}

// Live reports how many buffers and pipelines the engine holds.
func (e *Engine) Live() (buffers, pipelines int) {
	if e.ctx == nil {
		return 0, 0
	}
	return e.arena.Live(), e.pipelines.Live()
}

// Shutdown waits for the device, then releases pipelines, the binding pool,
// every buffer, the command buffer, the device and the driver, in that
// order. It is safe to call more than once.
func (e *Engine) Shutdown() {
	if e.ctx == nil {
		return
	}
	if err := e.ctx.WaitIdle(); err != nil {
		e.log.Warn("shutdown wait", "err", err)
	}
	e.pipelines.Release()
	e.arena.Release()
	e.ctx.Release()
	e.ctx = nil
	e.arena = nil
	e.pipelines = nil
	e.network = nil
	e.trainCount, e.testCount, e.inputBytes = 0, 0, 0
	e.log.Debug("engine shut down")
}

// borrowedDriver is a caller-supplied driver. The context releases it like
// its own, so Release does nothing.
type borrowedDriver struct{ Driver }

func (borrowedDriver) Release() {}

func align4(n uint64) uint64 { return (n + 3) &^ 3 }
