package classify

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/heyyod/knn-compute/dataset"
	"github.com/heyyod/knn-compute/gpu"
	"github.com/heyyod/knn-compute/layout"
)

// NetworkConfig describes a fully connected sigmoid network trained by
// per-image back-propagation.
type NetworkConfig struct {
	// Hidden are the hidden layer widths. The input layer has one neuron per
	// pixel and the output layer one per class.
	Hidden       []int
	Epochs       int
	LearningRate float32
	// Train limits the training images used per epoch; <= 0 uses all.
	Train int
	// Tests limits the test images evaluated; <= 0 uses all.
	Tests int
	Seed  int64
}

func (c NetworkConfig) widths(pixels int) []int {
	w := append([]int{pixels}, c.Hidden...)
	return append(w, dataset.NumClasses)
}

// seeder draws weights from {0, 0.01, ..., 1}.
func seeder(seed int64) gpu.Seeder {
	rng := rand.New(rand.NewSource(seed))
	return func() float32 { return 0.01 * float32(rng.Intn(101)) }
}

// network is one of the two implementations of the training step.
type network interface {
	// forward runs image n through every layer and returns the output
	// activations.
	forward(n int) ([]float32, error)
	// backward sets the output errors for label and propagates them from the
	// last layer to the first, updating every weight and bias.
	backward(n int, label byte, lr float32) error
}

// Train fits a network on the training images and reports its accuracy on
// the test images.
func (r *Runner) Train(ctx context.Context, cfg NetworkConfig) (*Result, error) {
	if cfg.Epochs <= 0 || cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("%w: epochs=%d learning rate=%g", ErrInvalidConfig, cfg.Epochs, cfg.LearningRate)
	}
	widths := cfg.widths(r.set.PixelsPerImage())
	if _, err := layout.Plan(widths, 1, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	const method = "mlp"
	train := cfg.Train
	if train <= 0 || train > r.set.Train.Count {
		train = r.set.Train.Count
	}
	tests := r.set.TestCount(cfg.Tests)
	res := r.newResult(method)
	start := time.Now()
	r.log.Info("training", "layers", widths, "epochs", cfg.Epochs, "lr", cfg.LearningRate,
		"train", train, "tests", tests, "device", res.Device)

	net, err := r.newNetwork(widths, seeder(cfg.Seed))
	if err != nil {
		return nil, err
	}

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		epochStart := time.Now()
		correct := 0
		for n := 0; n < train; n++ {
			if err := checkContext(ctx, method, n); err != nil {
				return nil, err
			}
			out, err := net.forward(n)
			if err != nil {
				return nil, fmt.Errorf("epoch %d image %d forward: %w", epoch, n, err)
			}
			label := r.set.TrainLabels[n]
			if argmax(out) == label {
				correct++
			}
			if err := net.backward(n, label, cfg.LearningRate); err != nil {
				return nil, fmt.Errorf("epoch %d image %d backward: %w", epoch, n, err)
			}
		}
		r.log.Info("epoch done", "epoch", epoch+1, "train_rate", float64(correct)/float64(train),
			"elapsed", time.Since(epochStart))
	}

	for t := 0; t < tests; t++ {
		if err := checkContext(ctx, method, t); err != nil {
			return nil, err
		}
		out, err := net.forward(r.set.Train.Count + t)
		if err != nil {
			return nil, fmt.Errorf("test image %d: %w", t, err)
		}
		res.record(argmax(out), r.set.TestLabels[t])
	}
	return res.finish(start), nil
}

func (r *Runner) newNetwork(widths []int, seed gpu.Seeder) (network, error) {
	if r.eng == nil {
		return newHostNetwork(widths, seed, r.image), nil
	}
	if err := r.upload(); err != nil {
		return nil, err
	}
	mem, err := r.eng.AllocateNetworkMemory(widths, seed)
	if err != nil {
		return nil, err
	}
	_, extent := mem.Layout.Region(layout.Values, 0)
	dataset.Normalize(mem.Values[:r.set.Train.Count*widths[0]], r.set.Train.Pixels)
	dataset.Normalize(mem.Values[r.set.Train.Count*widths[0]:extent], r.set.Test.Pixels)
	if err := r.eng.SyncToDevice(layout.Values, 0, extent); err != nil {
		return nil, err
	}
	return &deviceNetwork{eng: r.eng, mem: mem}, nil
}

func argmax(v []float32) byte {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return byte(best)
}

// outputErrors writes (target - y) * y * (1 - y) for every output neuron.
func outputErrors(errs, out []float32, label byte) {
	for o, y := range out {
		var target float32
		if o == int(label) {
			target = 1
		}
		errs[o] = (target - y) * y * (1 - y)
	}
}

// deviceNetwork runs every layer step on the engine.
type deviceNetwork struct {
	eng *gpu.Engine
	mem *gpu.NetworkMemory
}

func (d *deviceNetwork) forward(n int) ([]float32, error) {
	layers := d.mem.Layout.Layers
	for i := 1; i < len(layers); i++ {
		if err := d.eng.ComputeFeedForward(gpu.LayerPair{Prev: layers[i-1], Curr: layers[i], Image: n}); err != nil {
			return nil, err
		}
	}
	out := d.mem.Layout.Output()
	return d.mem.Values[out.ValuesIndex : out.ValuesIndex+out.Dimension], nil
}

func (d *deviceNetwork) backward(n int, label byte, lr float32) error {
	lay := d.mem.Layout
	out := lay.Output()
	outputErrors(d.mem.Errors[out.ErrorsIndex:out.ErrorsIndex+out.Dimension],
		d.mem.Values[out.ValuesIndex:out.ValuesIndex+out.Dimension], label)
	for i := len(lay.Layers) - 1; i >= 1; i-- {
		if err := d.eng.ComputeBackPropagate(gpu.LayerPair{Prev: lay.Layers[i-1], Curr: lay.Layers[i], Image: n}, lr); err != nil {
			return err
		}
	}
	return nil
}

// hostNetwork is the same network computed on the host. Its values buffer
// holds a single input image, copied in by forward.
type hostNetwork struct {
	lay     *layout.Layout
	image   func(n int) []byte
	weights []float32
	biases  []float32
	values  []float32
	errors  []float32
}

func newHostNetwork(widths []int, seed gpu.Seeder, image func(n int) []byte) *hostNetwork {
	lay, _ := layout.Plan(widths, 1, 0)
	h := &hostNetwork{
		lay:     lay,
		image:   image,
		weights: make([]float32, lay.WeightsSize),
		biases:  make([]float32, lay.BiasesSize),
		values:  make([]float32, lay.ValuesSize),
		errors:  make([]float32, lay.ErrorsSize),
	}
	for _, l := range lay.Layers[1:] {
		for j := 0; j < l.Dimension; j++ {
			h.biases[l.BiasesIndex+j] = seed()
			row := l.WeightsIndex + j*l.WeightsDim
			for k := 0; k < l.WeightsDim; k++ {
				h.weights[row+k] = seed()
			}
		}
	}
	return h
}

func (h *hostNetwork) layerValues(l layout.Layer) []float32 {
	return h.values[l.ValuesIndex : l.ValuesIndex+l.Dimension]
}

func (h *hostNetwork) forward(n int) ([]float32, error) {
	dataset.Normalize(h.values, h.image(n))
	for _, l := range h.lay.Layers[1:] {
		in := h.layerValues(h.lay.Layers[l.Index-1])
		out := h.layerValues(l)
		for o := range out {
			sum := h.biases[l.BiasesIndex+o]
			row := h.weights[l.WeightsIndex+o*l.WeightsDim:]
			for i, v := range in {
				sum += v * row[i]
			}
			out[o] = float32(1 / (1 + math.Exp(-float64(sum))))
		}
	}
	return h.layerValues(h.lay.Output()), nil
}

func (h *hostNetwork) backward(n int, label byte, lr float32) error {
	out := h.lay.Output()
	outputErrors(h.errors[out.ErrorsIndex:out.ErrorsIndex+out.Dimension], h.layerValues(out), label)

	for idx := len(h.lay.Layers) - 1; idx >= 1; idx-- {
		l, prev := h.lay.Layers[idx], h.lay.Layers[idx-1]
		in := h.layerValues(prev)
		errs := h.errors[l.ErrorsIndex : l.ErrorsIndex+l.Dimension]

		var prevErrs []float32
		if idx > 1 {
			prevErrs = h.errors[prev.ErrorsIndex : prev.ErrorsIndex+prev.Dimension]
			for i := range prevErrs {
				prevErrs[i] = 0
			}
		}
		for o, e := range errs {
			row := h.weights[l.WeightsIndex+o*l.WeightsDim : l.WeightsIndex+(o+1)*l.WeightsDim]
			for i, v := range in {
				if prevErrs != nil {
					prevErrs[i] += row[i] * e
				}
				row[i] += lr * e * v
			}
			h.biases[l.BiasesIndex+o] += lr * e
		}
		for i, v := range in {
			if prevErrs != nil {
				prevErrs[i] = prevErrs[i] * v * (1 - v)
			}
		}
	}
	return nil
}
