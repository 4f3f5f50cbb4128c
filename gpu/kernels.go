package gpu

import (
	"bytes"
	"embed"
	"encoding/binary"
	"fmt"
	"io/fs"
	"math"
)

//go:embed kernels/*.wgsl
var embeddedKernels embed.FS

// DefaultKernels is the kernel resource set compiled into the binary.
func DefaultKernels() fs.FS {
	sub, err := fs.Sub(embeddedKernels, "kernels")
	if err != nil {
		panic(err)
	}
	return sub
}

// KernelKind selects one of the fixed kernel families.
type KernelKind int

const (
	KernelDistance KernelKind = iota
	KernelFeedForward
	KernelBackPropagate
	numKernels
)

func (k KernelKind) String() string {
	switch k {
	case KernelDistance:
		return "distance"
	case KernelFeedForward:
		return "feedforward"
	case KernelBackPropagate:
		return "backpropagate"
	}
	return fmt.Sprintf("kernel(%d)", int(k))
}

// Resource is the file name the kernel body is loaded from.
func (k KernelKind) Resource() string { return k.String() + ".wgsl" }

// kernelContract is the fixed binding list of a kernel kind. Buffers bind in
// slot order starting at 0; the parameter block takes the next binding.
type kernelContract struct {
	slots     []Slot
	access    []BindingAccess
	paramSize uint64
	perGroup  uint32
}

var contracts = [numKernels]kernelContract{
	KernelDistance: {
		slots:     []Slot{SlotInput, SlotDistPerPixel, SlotDistPerImage},
		access:    []BindingAccess{ReadOnly, ReadWrite, ReadWrite},
		paramSize: distanceParamSize,
		perGroup:  1,
	},
	KernelFeedForward: {
		slots:     []Slot{SlotValues, SlotWeights, SlotBiases, SlotProducts},
		access:    []BindingAccess{ReadWrite, ReadOnly, ReadOnly, ReadWrite},
		paramSize: feedForwardParamSize,
		perGroup:  256,
	},
	KernelBackPropagate: {
		slots:     []Slot{SlotValues, SlotWeights, SlotBiases, SlotProducts, SlotErrors},
		access:    []BindingAccess{ReadOnly, ReadWrite, ReadWrite, ReadWrite, ReadWrite},
		paramSize: backPropParamSize,
		perGroup:  256,
	},
}

// Descriptors is the number of bindings a kernel kind declares, its
// parameter block included.
func (k KernelKind) Descriptors() int { return len(contracts[k].slots) + 1 }

func loadKernel(src fs.FS, k KernelKind) ([]byte, error) {
	code, err := fs.ReadFile(src, k.Resource())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKernelLoadFailed, k, err)
	}
	if len(bytes.TrimSpace(code)) == 0 || !bytes.Contains(code, []byte("fn main")) {
		return nil, fmt.Errorf("%w: %s: resource %s has no entry point", ErrKernelLoadFailed, k, k.Resource())
	}
	return code, nil
}

// Params is a kernel parameter block. The dispatcher stamps the batch fields
// before each submission.
type Params interface {
	SetBatch(batch, batches uint32)
	Bytes() []byte
}

const (
	distanceParamSize    = 32
	feedForwardParamSize = 48
	backPropParamSize    = 64
)

// encodeWords writes little-endian words padded to size bytes.
func encodeWords(size int, words ...uint32) []byte {
	out := make([]byte, size)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// DistanceKind picks the per-pixel metric of the distance kernel.
type DistanceKind uint32

const (
	DistanceManhattan DistanceKind = 1
	DistanceEuclidean DistanceKind = 2
)

func (d DistanceKind) String() string {
	switch d {
	case DistanceManhattan:
		return "manhattan"
	case DistanceEuclidean:
		return "euclidean"
	}
	return fmt.Sprintf("distance(%d)", uint32(d))
}

type DistanceParams struct {
	P              DistanceKind
	TestIndex      uint32
	TrainCount     uint32
	PixelsPerImage uint32
	Batch          uint32
	Batches        uint32
}

func (p *DistanceParams) SetBatch(batch, batches uint32) { p.Batch, p.Batches = batch, batches }

func (p *DistanceParams) Bytes() []byte {
	return encodeWords(distanceParamSize, uint32(p.P), p.TestIndex, p.TrainCount, p.PixelsPerImage, p.Batch, p.Batches)
}

type FeedForwardParams struct {
	InValuesIndex  uint32
	InValuesDim    uint32
	WeightsIndex   uint32
	WeightsDim     uint32
	BiasesIndex    uint32
	OutValuesIndex uint32
	OutValuesDim   uint32
	Phase          uint32
	Batch          uint32
	Batches        uint32
}

func (p *FeedForwardParams) SetBatch(batch, batches uint32) { p.Batch, p.Batches = batch, batches }

func (p *FeedForwardParams) Bytes() []byte {
	return encodeWords(feedForwardParamSize,
		p.InValuesIndex, p.InValuesDim, p.WeightsIndex, p.WeightsDim, p.BiasesIndex,
		p.OutValuesIndex, p.OutValuesDim, p.Phase, p.Batch, p.Batches)
}

type BackPropParams struct {
	CurrValuesIndex uint32
	PrevValuesIndex uint32
	InErrorsIndex   uint32
	InErrorsDim     uint32
	WeightsIndex    uint32
	WeightsDim      uint32
	BiasesIndex     uint32
	OutErrorsIndex  uint32
	OutErrorsDim    uint32
	LearningRate    float32
	LayerIndex      uint32
	Phase           uint32
	Batch           uint32
	Batches         uint32
}

func (p *BackPropParams) SetBatch(batch, batches uint32) { p.Batch, p.Batches = batch, batches }

func (p *BackPropParams) Bytes() []byte {
	return encodeWords(backPropParamSize,
		p.CurrValuesIndex, p.PrevValuesIndex, p.InErrorsIndex, p.InErrorsDim,
		p.WeightsIndex, p.WeightsDim, p.BiasesIndex, p.OutErrorsIndex, p.OutErrorsDim,
		math.Float32bits(p.LearningRate), p.LayerIndex, p.Phase, p.Batch, p.Batches)
}
