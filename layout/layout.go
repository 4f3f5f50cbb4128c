// Package layout plans where every layer of a fully connected network lives
// inside the four flat buffers shared by the feed-forward and
// back-propagation kernels.
//
// The values buffer begins with the raw input region: every training image
// followed by every test image, one float per pixel. Each later layer appends
// its activations. Biases and errors hold one element per neuron of every
// non-input layer, and weights hold a row-major [Dimension][WeightsDim] block
// per non-input layer. All sizes and offsets count float32 elements.
package layout

import (
	"errors"
	"fmt"
)

var (
	ErrTooFewLayers = errors.New("layout: a network needs an input, a hidden and an output layer")
	ErrInvalidWidth = errors.New("layout: layer width must be positive")
	ErrInvalidCount = errors.New("layout: image counts must be non-negative and not both zero")
)

// Buffer names one of the shared flat buffers.
type Buffer int

const (
	Values Buffer = iota
	Biases
	Weights
	Errors
)

func (b Buffer) String() string {
	switch b {
	case Values:
		return "values"
	case Biases:
		return "biases"
	case Weights:
		return "weights"
	case Errors:
		return "errors"
	}
	return fmt.Sprintf("buffer(%d)", int(b))
}

// Layer describes one layer's regions. Layer 0 only has Dimension and
// ValuesIndex; its bias, weight and error fields are unused and zero.
type Layer struct {
	Index        int
	Dimension    int
	WeightsDim   int
	ValuesIndex  int
	BiasesIndex  int
	WeightsIndex int
	ErrorsIndex  int
}

// WeightsExtent is the number of weights feeding this layer.
func (l Layer) WeightsExtent() int { return l.Dimension * l.WeightsDim }

// Layout is the result of Plan. It is immutable once built.
type Layout struct {
	Layers     []Layer
	TrainCount int
	TestCount  int

	ValuesSize  int
	BiasesSize  int
	WeightsSize int
	ErrorsSize  int
	// ScratchSize bounds the products any single forward or backward step
	// writes: max over layers of dim[i] * dim[i-1] * dim[i-1].
	ScratchSize int
}

// Plan computes the layout for widths (input first) over trainCount training
// and testCount test images.
func Plan(widths []int, trainCount, testCount int) (*Layout, error) {
	if len(widths) < 3 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewLayers, len(widths))
	}
	for i, w := range widths {
		if w <= 0 {
			return nil, fmt.Errorf("%w: layer %d has width %d", ErrInvalidWidth, i, w)
		}
	}
	if trainCount < 0 || testCount < 0 || trainCount+testCount == 0 {
		return nil, fmt.Errorf("%w: train=%d test=%d", ErrInvalidCount, trainCount, testCount)
	}

	lay := &Layout{
		Layers:     make([]Layer, len(widths)),
		TrainCount: trainCount,
		TestCount:  testCount,
	}
	lay.Layers[0] = Layer{Dimension: widths[0]}
	lay.ValuesSize = (trainCount + testCount) * widths[0]

	for i := 1; i < len(widths); i++ {
		prev := lay.Layers[i-1]
		curr := Layer{
			Index:      i,
			Dimension:  widths[i],
			WeightsDim: prev.Dimension,
		}
		if i == 1 {
			curr.ValuesIndex = lay.ValuesSize
		} else {
			curr.ValuesIndex = prev.ValuesIndex + prev.Dimension
			curr.BiasesIndex = prev.BiasesIndex + prev.Dimension
			curr.ErrorsIndex = prev.ErrorsIndex + prev.Dimension
			curr.WeightsIndex = prev.WeightsIndex + prev.WeightsExtent()
		}
		lay.Layers[i] = curr

		lay.ValuesSize += curr.Dimension
		lay.BiasesSize += curr.Dimension
		lay.ErrorsSize += curr.Dimension
		lay.WeightsSize += curr.WeightsExtent()
		if s := curr.Dimension * curr.WeightsDim * curr.WeightsDim; s > lay.ScratchSize {
			lay.ScratchSize = s
		}
	}
	return lay, nil
}

// Input is the input layer.
func (l *Layout) Input() Layer { return l.Layers[0] }

// Output is the last layer.
func (l *Layout) Output() Layer { return l.Layers[len(l.Layers)-1] }

// ImageIndex is the values offset of image n, where training images come
// first and test image t is n = TrainCount + t.
func (l *Layout) ImageIndex(n int) int {
	return l.Layers[0].ValuesIndex + n*l.Layers[0].Dimension
}

// Region returns the offset and extent of layer i in buffer b. The input
// layer owns the whole raw input region of the values buffer and nothing in
// the others.
func (l *Layout) Region(b Buffer, i int) (offset, extent int) {
	ly := l.Layers[i]
	if i == 0 {
		if b == Values {
			return 0, (l.TrainCount + l.TestCount) * ly.Dimension
		}
		return 0, 0
	}
	switch b {
	case Values:
		return ly.ValuesIndex, ly.Dimension
	case Biases:
		return ly.BiasesIndex, ly.Dimension
	case Errors:
		return ly.ErrorsIndex, ly.Dimension
	case Weights:
		return ly.WeightsIndex, ly.WeightsExtent()
	}
	return 0, 0
}

// Size returns the element count of buffer b.
func (l *Layout) Size(b Buffer) int {
	switch b {
	case Values:
		return l.ValuesSize
	case Biases:
		return l.BiasesSize
	case Weights:
		return l.WeightsSize
	case Errors:
		return l.ErrorsSize
	}
	return 0
}

// Bytes converts an element count to a float32 byte size.
func Bytes(n int) uint64 { return uint64(n) * 4 }
