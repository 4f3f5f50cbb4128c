package classify

import (
	"context"
	"math"
	"time"

	"github.com/heyyod/knn-compute/dataset"
)

// Centroids holds the mean image of every class. Classes without training
// images have a nil centroid.
type Centroids [dataset.NumClasses][]float32

// ComputeCentroids averages the training images of each class.
func ComputeCentroids(set *dataset.Set) Centroids {
	var (
		c      Centroids
		counts [dataset.NumClasses]int
		pixels = set.PixelsPerImage()
	)
	for n, label := range set.TrainLabels {
		if c[label] == nil {
			c[label] = make([]float32, pixels)
		}
		counts[label]++
		for i, p := range set.Train.Image(n) {
			c[label][i] += float32(p)
		}
	}
	for label, sum := range c {
		for i := range sum {
			sum[i] /= float32(counts[label])
		}
	}
	return c
}

// Nearest returns the class whose centroid is closest to img in Manhattan
// distance.
func (c *Centroids) Nearest(img []byte) byte {
	best, bestDist := byte(0), float32(math.MaxFloat32)
	for label, centre := range c {
		if centre == nil {
			continue
		}
		var d float32
		for i, p := range img {
			d += float32(math.Abs(float64(centre[i] - float32(p))))
		}
		if d < bestDist {
			best, bestDist = byte(label), d
		}
	}
	return best
}

// NearestCentroid labels the first tests test images by their nearest class
// centroid. It always runs on the host.
func (r *Runner) NearestCentroid(ctx context.Context, tests int) (*Result, error) {
	const method = "nearest-centroid"
	tests = r.set.TestCount(tests)
	res := &Result{Method: method, Device: HostDevice}
	start := time.Now()
	r.log.Info("classifying", "method", method, "tests", tests, "device", res.Device)

	centroids := ComputeCentroids(r.set)
	for t := 0; t < tests; t++ {
		if err := checkContext(ctx, method, t); err != nil {
			return nil, err
		}
		res.record(centroids.Nearest(r.set.Test.Image(t)), r.set.TestLabels[t])
		progress(r.log, method, t+1, tests)
	}
	return res.finish(start), nil
}
