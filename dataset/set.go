package dataset

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
)

// Default MNIST file names.
const (
	TrainImagesFile = "train-images.idx3-ubyte"
	TrainLabelsFile = "train-labels.idx1-ubyte"
	TestImagesFile  = "t10k-images.idx3-ubyte"
	TestLabelsFile  = "t10k-labels.idx1-ubyte"
)

// NumClasses is the number of distinct labels, digits 0 to 9.
const NumClasses = 10

// Set is a labelled training set and a labelled test set of the same image
// shape.
type Set struct {
	Train       *Images
	TrainLabels []byte
	Test        *Images
	TestLabels  []byte
}

// Load reads the four default MNIST files from dir.
func Load(dir string) (*Set, error) {
	s := &Set{}
	var err error
	if s.Train, err = ReadImages(filepath.Join(dir, TrainImagesFile)); err != nil {
		return nil, err
	}
	if s.TrainLabels, err = ReadLabels(filepath.Join(dir, TrainLabelsFile)); err != nil {
		return nil, err
	}
	if s.Test, err = ReadImages(filepath.Join(dir, TestImagesFile)); err != nil {
		return nil, err
	}
	if s.TestLabels, err = ReadLabels(filepath.Join(dir, TestLabelsFile)); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks that every image has a label in [0, NumClasses) and that
// both sets share one image shape.
func (s *Set) Validate() error {
	if s.Train.Count != len(s.TrainLabels) {
		return fmt.Errorf("%w: %d training images, %d labels", ErrMismatch, s.Train.Count, len(s.TrainLabels))
	}
	if s.Test.Count != len(s.TestLabels) {
		return fmt.Errorf("%w: %d test images, %d labels", ErrMismatch, s.Test.Count, len(s.TestLabels))
	}
	if s.Train.Rows != s.Test.Rows || s.Train.Cols != s.Test.Cols {
		return fmt.Errorf("%w: training images are %dx%d, test images %dx%d",
			ErrMismatch, s.Train.Rows, s.Train.Cols, s.Test.Rows, s.Test.Cols)
	}
	for _, labels := range [][]byte{s.TrainLabels, s.TestLabels} {
		for i, l := range labels {
			if l >= NumClasses {
				return fmt.Errorf("%w: label %d at %d", ErrMismatch, l, i)
			}
		}
	}
	return nil
}

// PixelsPerImage is the shared image size.
func (s *Set) PixelsPerImage() int { return s.Train.PixelsPerImage() }

// TestCount clamps n to the number of test images; n <= 0 means all.
func (s *Set) TestCount(n int) int {
	if n <= 0 || n > s.Test.Count {
		return s.Test.Count
	}
	return n
}

// Normalize writes src scaled from [0,255] to [0,1] into dst.
func Normalize(dst []float32, src []byte) {
	for i, p := range src {
		dst[i] = float32(p) / 255
	}
}

// Render draws an image as text, '#' for pixels above threshold.
func Render[T byte | float32](w io.Writer, pixels []T, cols int, threshold T) error {
	bw := bufio.NewWriter(w)
	for i, p := range pixels {
		c := byte(' ')
		if p > threshold {
			c = '#'
		}
		_ = bw.WriteByte(c)
		if (i+1)%cols == 0 {
			_ = bw.WriteByte('\n')
		}
	}
	return bw.Flush()
}

// Thresholds used when rendering raw pixels and class centroids.
const (
	PixelThreshold    byte    = 210
	CentroidThreshold float32 = 120
)
