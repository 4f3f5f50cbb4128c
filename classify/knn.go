package classify

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/heyyod/knn-compute/dataset"
	"github.com/heyyod/knn-compute/gpu"
)

// neighbours keeps the k smallest distances seen so far. A closer candidate
// replaces the current furthest neighbour.
type neighbours struct {
	dist     []uint32
	labels   []byte
	furthest int
}

func newNeighbours(k int) *neighbours {
	n := &neighbours{dist: make([]uint32, k), labels: make([]byte, k)}
	n.reset()
	return n
}

func (n *neighbours) reset() {
	for i := range n.dist {
		n.dist[i] = math.MaxUint32
		n.labels[i] = 0
	}
	n.furthest = 0
}

func (n *neighbours) offer(dist uint32, label byte) {
	if dist >= n.dist[n.furthest] {
		return
	}
	n.dist[n.furthest] = dist
	n.labels[n.furthest] = label
	for i, d := range n.dist {
		if d > n.dist[n.furthest] {
			n.furthest = i
		}
	}
}

// vote weights each neighbour's label by its inverse distance. A neighbour
// at distance zero is an exact match and decides the vote.
func (n *neighbours) vote() byte {
	var weights [dataset.NumClasses]float64
	var winner byte
	for i, d := range n.dist {
		if d == math.MaxUint32 {
			continue
		}
		label := n.labels[i]
		if d == 0 {
			return label
		}
		weights[label] += 1 / float64(d)
		if weights[winner] < weights[label] {
			winner = label
		}
	}
	return winner
}

// hostDistance is the distance kernel's metric computed on the host.
func hostDistance(a, b []byte, kind gpu.DistanceKind) uint32 {
	var sum uint32
	for i := range a {
		d := int32(a[i]) - int32(b[i])
		if d < 0 {
			d = -d
		}
		v := uint32(d)
		if kind == gpu.DistanceEuclidean {
			v *= v
		}
		sum += v
	}
	return sum
}

// KNN labels the first tests test images (all when tests <= 0) by a vote of
// their k nearest training images under metric p.
func (r *Runner) KNN(ctx context.Context, k int, p gpu.DistanceKind, tests int) (*Result, error) {
	if k <= 0 || k > r.set.Train.Count {
		return nil, fmt.Errorf("%w: k=%d with %d training images", ErrInvalidConfig, k, r.set.Train.Count)
	}
	if p != gpu.DistanceManhattan && p != gpu.DistanceEuclidean {
		return nil, fmt.Errorf("%w: p=%d, want 1 or 2", ErrInvalidConfig, uint32(p))
	}
	method := fmt.Sprintf("%d-nn", k)
	tests = r.set.TestCount(tests)
	res := r.newResult(method)
	start := time.Now()
	r.log.Info("classifying", "method", method, "metric", p, "tests", tests, "device", res.Device)

	distances, err := r.distanceSource(p)
	if err != nil {
		return nil, err
	}
	nb := newNeighbours(k)
	labels := r.set.TrainLabels
	for t := 0; t < tests; t++ {
		if err := checkContext(ctx, method, t); err != nil {
			return nil, err
		}
		dist, err := distances(t)
		if err != nil {
			return nil, fmt.Errorf("%s test image %d: %w", method, t, err)
		}
		nb.reset()
		for n, d := range dist {
			nb.offer(d, labels[n])
		}
		res.record(nb.vote(), r.set.TestLabels[t])
		progress(r.log, method, t+1, tests)
	}
	return res.finish(start), nil
}

// distanceSource returns a function producing the distances of one test
// image to every training image. The returned slice is reused.
func (r *Runner) distanceSource(p gpu.DistanceKind) (func(test int) ([]uint32, error), error) {
	if r.eng != nil {
		if err := r.upload(); err != nil {
			return nil, err
		}
		dist, _, err := r.eng.AllocateDistanceMemory()
		if err != nil {
			return nil, err
		}
		return func(test int) ([]uint32, error) {
			return dist, r.eng.ComputeDistances(test, p)
		}, nil
	}

	dist := make([]uint32, r.set.Train.Count)
	return func(test int) ([]uint32, error) {
		probe := r.set.Test.Image(test)
		for n := range dist {
			dist[n] = hostDistance(r.set.Train.Image(n), probe, p)
		}
		return dist, nil
	}, nil
}
