package gpu

import (
	"math"
	"math/rand"
	"testing"

	"github.com/heyyod/knn-compute/layout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, drv *fakeDriver, pixels int) *Engine {
	t.Helper()
	e := New(Options{Driver: drv, PixelsPerImage: pixels})
	require.NoError(t, e.Initialize())
	t.Cleanup(e.Shutdown)
	return e
}

func randomPixels(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.Intn(256))
	}
	return b
}

func TestInitializeWithoutDevice(t *testing.T) {
	drv := newFakeDriver()
	drv.adapters = nil
	e := New(Options{Driver: drv})

	err := e.Initialize()
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.False(t, e.Initialized())
	assert.False(t, drv.released, "a supplied driver stays with the caller")
	assert.Nil(t, drv.opened, "no device opened")

	buffers, pipelines := e.Live()
	assert.Zero(t, buffers)
	assert.Zero(t, pipelines)

	assert.ErrorIs(t, e.UploadInputData([]byte{1}, nil), ErrNotInitialized)
	assert.ErrorIs(t, e.ComputeDistances(0, DistanceManhattan), ErrNotInitialized)
	assert.ErrorIs(t, e.EnsurePipeline(KernelDistance), ErrNotInitialized)
	_, err = e.ReadInput()
	assert.ErrorIs(t, err, ErrNotInitialized)
	e.Shutdown()
}

func TestInitializeIsIdempotent(t *testing.T) {
	drv := newFakeDriver()
	e := newTestEngine(t, drv, 4)
	first := drv.opened
	require.NoError(t, e.Initialize())
	assert.Same(t, first, drv.opened)
	assert.Equal(t, "Fake GPU", e.Context().Adapter().Name)
}

func TestUploadInputRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	e := newTestEngine(t, newFakeDriver(), 5)

	train := randomPixels(rng, 3*5)
	test := randomPixels(rng, 2*5)
	require.NoError(t, e.UploadInputData(train, test))
	assert.Equal(t, 3, e.TrainCount())
	assert.Equal(t, 2, e.TestCount())

	got, err := e.ReadInput()
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, train...), test...), got)

	// A differently sized upload replaces the input buffer.
	train = randomPixels(rng, 4*5)
	require.NoError(t, e.UploadInputData(train, nil))
	got, err = e.ReadInput()
	require.NoError(t, err)
	assert.Equal(t, train, got)
	assert.Zero(t, e.TestCount())

	buffers, _ := e.Live()
	assert.Equal(t, 1, buffers, "staging buffers are transient")
}

func TestUploadInputRejectsPartialImages(t *testing.T) {
	e := newTestEngine(t, newFakeDriver(), 4)
	tests := []struct {
		name        string
		train, test []byte
	}{
		{"no training images", nil, make([]byte, 4)},
		{"partial training image", make([]byte, 6), nil},
		{"partial test image", make([]byte, 4), make([]byte, 3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, e.UploadInputData(tt.train, tt.test), ErrInvalidArgument)
		})
	}
	_, err := e.ReadInput()
	assert.ErrorIs(t, err, ErrInvalidArgument, "nothing uploaded")
}

func cpuDistance(a, b []byte, kind DistanceKind) uint32 {
	var sum uint32
	for i := range a {
		d := int(a[i]) - int(b[i])
		if d < 0 {
			d = -d
		}
		if kind == DistanceEuclidean {
			d *= d
		}
		sum += uint32(d)
	}
	return sum
}

func TestComputeDistancesMatchesHost(t *testing.T) {
	const pixels = 4
	rng := rand.New(rand.NewSource(11))
	drv := newFakeDriver()
	drv.limits.MaxWorkgroupsPerDimension = 2
	e := newTestEngine(t, drv, pixels)

	train := randomPixels(rng, 5*pixels)
	test := randomPixels(rng, 2*pixels)
	require.NoError(t, e.UploadInputData(train, test))

	dist, size, err := e.AllocateDistanceMemory()
	require.NoError(t, err)
	require.Len(t, dist, 5)
	assert.Equal(t, uint64(20), size)

	for _, kind := range []DistanceKind{DistanceManhattan, DistanceEuclidean} {
		for ti := 0; ti < 2; ti++ {
			dev := drv.opened
			before := len(dev.dispatches)
			require.NoError(t, e.ComputeDistances(ti, kind))
			assert.Equal(t, 3, len(dev.dispatches)-before, "5 images over 2 groups per dispatch")

			probe := test[ti*pixels : (ti+1)*pixels]
			for n := 0; n < 5; n++ {
				want := cpuDistance(train[n*pixels:(n+1)*pixels], probe, kind)
				assert.Equal(t, want, dist[n], "%s test %d train %d", kind, ti, n)
			}
		}
	}
	_, pipelines := e.Live()
	assert.Equal(t, 1, pipelines)
}

func TestComputeDistancesRejects(t *testing.T) {
	e := newTestEngine(t, newFakeDriver(), 4)
	_, _, err := e.AllocateDistanceMemory()
	assert.ErrorIs(t, err, ErrInvalidArgument, "before upload")

	require.NoError(t, e.UploadInputData(make([]byte, 8), make([]byte, 4)))
	assert.ErrorIs(t, e.ComputeDistances(1, DistanceManhattan), ErrInvalidArgument)
	assert.ErrorIs(t, e.ComputeDistances(-1, DistanceManhattan), ErrInvalidArgument)
	assert.ErrorIs(t, e.ComputeDistances(0, DistanceKind(3)), ErrInvalidArgument)
	assert.ErrorIs(t, e.ComputeDistances(0, DistanceManhattan), ErrBindingCreationFailed, "distance buffers missing")
}

func counterSeeder() Seeder {
	n := 0
	return func() float32 {
		v := float32(n%101) * 0.01
		n++
		return v
	}
}

// networkFixture uploads two training images and one test image of four
// pixels and allocates a [4,3,2] network over them.
func networkFixture(t *testing.T, drv *fakeDriver) (*Engine, *NetworkMemory, []byte) {
	t.Helper()
	e := newTestEngine(t, drv, 4)
	pixels := []byte{0, 64, 128, 255, 10, 20, 30, 40, 255, 0, 255, 0}
	require.NoError(t, e.UploadInputData(pixels[:8], pixels[8:]))

	mem, err := e.AllocateNetworkMemory([]int{4, 3, 2}, counterSeeder())
	require.NoError(t, err)
	for i, p := range pixels {
		mem.Values[i] = float32(p) / 255
	}
	require.NoError(t, e.SyncToDevice(layout.Values, 0, len(pixels)))
	return e, mem, pixels
}

func TestAllocateNetworkMemorySeedsRowMajor(t *testing.T) {
	drv := newFakeDriver()
	_, mem, _ := networkFixture(t, drv)
	lay := mem.Layout

	assert.Len(t, mem.Values, lay.ValuesSize)
	assert.Len(t, mem.Weights, 3*4+2*3)
	assert.Len(t, mem.Biases, 5)
	assert.Len(t, mem.Errors, 5)

	// Layer 1 neuron 0: bias then its four weights, then neuron 1.
	assert.InDelta(t, 0.00, mem.Biases[0], 1e-6)
	assert.InDeltaSlice(t, []float32{0.01, 0.02, 0.03, 0.04}, mem.Weights[0:4], 1e-6)
	assert.InDelta(t, 0.05, mem.Biases[1], 1e-6)
	assert.InDelta(t, 0.06, mem.Weights[4], 1e-6)

	l2 := lay.Layers[2]
	assert.InDelta(t, 0.15, mem.Biases[l2.BiasesIndex], 1e-6)
	assert.InDelta(t, 0.16, mem.Weights[l2.WeightsIndex], 1e-6)

	assert.Equal(t, 2, drv.opened.liveKernels, "feed-forward and back-propagation")
	assert.Positive(t, drv.opened.flushes)
}

func TestAllocateNetworkMemoryRejects(t *testing.T) {
	e := newTestEngine(t, newFakeDriver(), 4)
	_, err := e.AllocateNetworkMemory([]int{4, 3, 2}, counterSeeder())
	assert.ErrorIs(t, err, ErrInvalidArgument, "before upload")

	require.NoError(t, e.UploadInputData(make([]byte, 4), nil))
	tests := []struct {
		name   string
		widths []int
		seed   Seeder
	}{
		{"nil seeder", []int{4, 3, 2}, nil},
		{"input width mismatch", []int{5, 3, 2}, counterSeeder()},
		{"too few layers", []int{4, 2}, counterSeeder()},
		{"zero width", []int{4, 0, 2}, counterSeeder()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.AllocateNetworkMemory(tt.widths, tt.seed)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
	assert.ErrorIs(t, e.ComputeFeedForward(LayerPair{}), ErrInvalidArgument, "network not allocated")
}

func sigmoid(x float32) float32 { return float32(1 / (1 + math.Exp(-float64(x)))) }

func hostForward(mem *NetworkMemory, l layout.Layer, in []float32) []float32 {
	out := make([]float32, l.Dimension)
	for o := range out {
		sum := mem.Biases[l.BiasesIndex+o]
		for i, v := range in {
			sum += v * mem.Weights[l.WeightsIndex+o*l.WeightsDim+i]
		}
		out[o] = sigmoid(sum)
	}
	return out
}

func TestFeedForwardMatchesHost(t *testing.T) {
	e, mem, _ := networkFixture(t, newFakeDriver())
	lay := mem.Layout
	in, l1, l2 := lay.Layers[0], lay.Layers[1], lay.Layers[2]

	for image := 0; image < 3; image++ {
		require.NoError(t, e.ComputeFeedForward(LayerPair{Prev: in, Curr: l1, Image: image}))
		require.NoError(t, e.ComputeFeedForward(LayerPair{Prev: l1, Curr: l2}))

		x := mem.Values[lay.ImageIndex(image) : lay.ImageIndex(image)+4]
		h := hostForward(mem, l1, x)
		y := hostForward(mem, l2, h)
		assert.InDeltaSlice(t, h, mem.Values[l1.ValuesIndex:l1.ValuesIndex+3], 1e-6, "image %d hidden", image)
		assert.InDeltaSlice(t, y, mem.Values[l2.ValuesIndex:l2.ValuesIndex+2], 1e-6, "image %d output", image)
	}
}

func TestBackPropagateMatchesHost(t *testing.T) {
	const lr = 0.5
	e, mem, _ := networkFixture(t, newFakeDriver())
	lay := mem.Layout
	in, l1, l2 := lay.Layers[0], lay.Layers[1], lay.Layers[2]
	const image = 2

	require.NoError(t, e.ComputeFeedForward(LayerPair{Prev: in, Curr: l1, Image: image}))
	require.NoError(t, e.ComputeFeedForward(LayerPair{Prev: l1, Curr: l2}))

	target := []float32{1, 0}
	outErr := make([]float32, 2)
	for o := range outErr {
		v := mem.Values[l2.ValuesIndex+o]
		outErr[o] = (target[o] - v) * v * (1 - v)
		mem.Errors[l2.ErrorsIndex+o] = outErr[o]
	}

	hidden := append([]float32{}, mem.Values[l1.ValuesIndex:l1.ValuesIndex+3]...)
	w2 := append([]float32{}, mem.Weights[l2.WeightsIndex:l2.WeightsIndex+l2.WeightsExtent()]...)
	b2 := append([]float32{}, mem.Biases[l2.BiasesIndex:l2.BiasesIndex+2]...)

	require.NoError(t, e.ComputeBackPropagate(LayerPair{Prev: l1, Curr: l2}, lr))

	for o := 0; o < 2; o++ {
		assert.InDelta(t, b2[o]+lr*outErr[o], mem.Biases[l2.BiasesIndex+o], 1e-6)
		for i := 0; i < 3; i++ {
			want := w2[o*3+i] + lr*outErr[o]*hidden[i]
			assert.InDelta(t, want, mem.Weights[l2.WeightsIndex+o*3+i], 1e-6, "w2[%d][%d]", o, i)
		}
	}
	hiddenErr := make([]float32, 3)
	for i := range hiddenErr {
		var sum float32
		for o := 0; o < 2; o++ {
			sum += w2[o*3+i] * outErr[o]
		}
		hiddenErr[i] = sum * hidden[i] * (1 - hidden[i])
	}
	assert.InDeltaSlice(t, hiddenErr, mem.Errors[l1.ErrorsIndex:l1.ErrorsIndex+3], 1e-6)

	x := append([]float32{}, mem.Values[lay.ImageIndex(image):lay.ImageIndex(image)+4]...)
	w1 := append([]float32{}, mem.Weights[:l1.WeightsExtent()]...)
	dev := e.Context().device.(*fakeDevice)
	before := len(dev.dispatches)

	require.NoError(t, e.ComputeBackPropagate(LayerPair{Prev: in, Curr: l1, Image: image}, lr))
	assert.Equal(t, 1, len(dev.dispatches)-before, "no error pass into the input layer")
	for o := 0; o < 3; o++ {
		for i := 0; i < 4; i++ {
			want := w1[o*4+i] + lr*hiddenErr[o]*x[i]
			assert.InDelta(t, want, mem.Weights[l1.WeightsIndex+o*4+i], 1e-6, "w1[%d][%d]", o, i)
		}
	}
	assert.InDeltaSlice(t, hiddenErr, mem.Errors[l1.ErrorsIndex:l1.ErrorsIndex+3], 1e-6, "hidden errors untouched")
}

func TestLayerPairValidation(t *testing.T) {
	e, mem, _ := networkFixture(t, newFakeDriver())
	in, l1, l2 := mem.Layout.Layers[0], mem.Layout.Layers[1], mem.Layout.Layers[2]
	tests := []struct {
		name string
		pair LayerPair
	}{
		{"not adjacent", LayerPair{Prev: in, Curr: l2}},
		{"reversed", LayerPair{Prev: l2, Curr: l1}},
		{"image past the test set", LayerPair{Prev: in, Curr: l1, Image: 3}},
		{"negative image", LayerPair{Prev: in, Curr: l1, Image: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, e.ComputeFeedForward(tt.pair), ErrInvalidArgument)
			assert.ErrorIs(t, e.ComputeBackPropagate(tt.pair, 0.1), ErrInvalidArgument)
		})
	}
}

func TestShutdownReleasesInOrder(t *testing.T) {
	drv := newFakeDriver()
	e := New(Options{Driver: drv, PixelsPerImage: 4})
	require.NoError(t, e.Initialize())
	require.NoError(t, e.UploadInputData(make([]byte, 8), make([]byte, 4)))
	_, _, err := e.AllocateDistanceMemory()
	require.NoError(t, err)
	require.NoError(t, e.ComputeDistances(0, DistanceEuclidean))
	_, err = e.AllocateNetworkMemory([]int{4, 3, 2}, counterSeeder())
	require.NoError(t, err)

	buffers, pipelines := e.Live()
	assert.Equal(t, 8, buffers)
	assert.Equal(t, 3, pipelines)

	dev := drv.opened
	mark := len(dev.events)
	e.Shutdown()
	e.Shutdown()

	events := dev.events[mark:]
	require.Len(t, events, 3+8+1)
	assert.Equal(t, []string{"kernel:backpropagate", "kernel:feedforward", "kernel:distance"}, events[:3])
	for _, ev := range events[3:11] {
		assert.Contains(t, ev, "buffer:")
	}
	assert.Equal(t, []string{"device"}, events[11:])
	assert.False(t, drv.released)

	assert.Zero(t, dev.liveBuffers())
	assert.Zero(t, dev.liveKernels)
	assert.Zero(t, dev.liveSets)
	assert.False(t, e.Initialized())
	buffers, pipelines = e.Live()
	assert.Zero(t, buffers)
	assert.Zero(t, pipelines)
	assert.ErrorIs(t, e.ComputeDistances(0, DistanceManhattan), ErrNotInitialized)
}

func TestInitializeAfterShutdownReusesDriver(t *testing.T) {
	drv := newFakeDriver()
	e := New(Options{Driver: drv, PixelsPerImage: 4})
	require.NoError(t, e.Initialize())
	first := drv.opened
	e.Shutdown()

	require.NoError(t, e.Initialize())
	defer e.Shutdown()
	assert.NotSame(t, first, drv.opened, "a fresh device")
	assert.False(t, drv.released)
	require.NoError(t, e.UploadInputData(make([]byte, 8), make([]byte, 4)))
}

func TestReuploadWithNewCountsResizesDistances(t *testing.T) {
	const pixels = 2
	e := newTestEngine(t, newFakeDriver(), pixels)

	train, test := []byte{0, 0, 10, 10}, []byte{1, 1}
	require.NoError(t, e.UploadInputData(train, test))
	dist, _, err := e.AllocateDistanceMemory()
	require.NoError(t, err)
	require.NoError(t, e.ComputeDistances(0, DistanceManhattan))
	assert.Equal(t, []uint32{2, 18}, dist)
	_, err = e.AllocateNetworkMemory([]int{pixels, 3, 2}, counterSeeder())
	require.NoError(t, err)

	train = []byte{0, 0, 10, 10, 1, 2, 5, 5}
	require.NoError(t, e.UploadInputData(train, test))
	assert.ErrorIs(t, e.SyncToDevice(layout.Values, 0, 1), ErrInvalidArgument, "network dropped")
	assert.ErrorIs(t, e.ComputeDistances(0, DistanceManhattan), ErrBindingCreationFailed, "distances retired")

	dist, size, err := e.AllocateDistanceMemory()
	require.NoError(t, err)
	assert.Equal(t, uint64(16), size)
	require.NotPanics(t, func() { err = e.ComputeDistances(0, DistanceManhattan) })
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 18, 1, 8}, dist)

	mem, err := e.AllocateNetworkMemory([]int{pixels, 3, 2}, counterSeeder())
	require.NoError(t, err)
	assert.Equal(t, 4, mem.Layout.TrainCount)
	assert.Equal(t, 1, mem.Layout.TestCount)
}

func TestStorageBindingLimit(t *testing.T) {
	drv := newFakeDriver()
	drv.limits.MaxStorageBindingSize = 64
	e := newTestEngine(t, drv, 4)

	assert.ErrorIs(t, e.UploadInputData(make([]byte, 64), make([]byte, 4)), ErrOutOfDeviceMemory)

	// 8 training images: 32 bytes of distances but 128 bytes per pixel.
	require.NoError(t, e.UploadInputData(make([]byte, 32), make([]byte, 4)))
	allocs := drv.opened.allocs
	_, _, err := e.AllocateDistanceMemory()
	require.ErrorIs(t, err, ErrOutOfDeviceMemory)
	var be *BufferError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, SlotDistPerPixel, be.Slot)

	_, err = e.AllocateNetworkMemory([]int{4, 8, 2}, counterSeeder())
	assert.ErrorIs(t, err, ErrOutOfDeviceMemory)
	assert.Equal(t, allocs, drv.opened.allocs, "nothing allocated")
}

func TestSyncRejectsUnknownBuffer(t *testing.T) {
	e, _, _ := networkFixture(t, newFakeDriver())
	assert.ErrorIs(t, e.SyncToDevice(layout.Buffer(9), 0, 1), ErrInvalidArgument)
	assert.ErrorIs(t, e.SyncFromDevice(layout.Buffer(-1), 0, 1), ErrInvalidArgument)
}
