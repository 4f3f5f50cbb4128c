// Package dataset reads MNIST-style IDX files.
package dataset

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	MagicImages = 2051
	MagicLabels = 2049

	imagesHeader = 16
	labelsHeader = 8
)

var (
	ErrInvalidMagic = errors.New("dataset: invalid magic number")
	ErrTruncated    = errors.New("dataset: file truncated")
	ErrMismatch     = errors.New("dataset: images and labels disagree")
)

// Images is a set of equally sized 8-bit greyscale images stored row-major,
// one after the other.
type Images struct {
	Count  int
	Rows   int
	Cols   int
	Pixels []byte
}

func (im *Images) PixelsPerImage() int { return im.Rows * im.Cols }

// Image returns the pixels of image i.
func (im *Images) Image(i int) []byte {
	n := im.PixelsPerImage()
	return im.Pixels[i*n : (i+1)*n]
}

// ParseImages decodes an IDX3 image file. The pixels are copied out of data.
func ParseImages(data []byte) (*Images, error) {
	if len(data) < imagesHeader {
		return nil, fmt.Errorf("%w: %d byte image header", ErrTruncated, len(data))
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != MagicImages {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidMagic, magic, MagicImages)
	}
	count := binary.BigEndian.Uint32(data[4:8])
	rows := binary.BigEndian.Uint32(data[8:12])
	cols := binary.BigEndian.Uint32(data[12:16])

	n := uint64(count) * uint64(rows) * uint64(cols)
	if uint64(len(data)-imagesHeader) < n {
		return nil, fmt.Errorf("%w: %d images of %dx%d need %d bytes, have %d",
			ErrTruncated, count, rows, cols, n, len(data)-imagesHeader)
	}
	pixels := make([]byte, n)
	copy(pixels, data[imagesHeader:])
	return &Images{Count: int(count), Rows: int(rows), Cols: int(cols), Pixels: pixels}, nil
}

// ParseLabels decodes an IDX1 label file. The labels are copied out of data.
func ParseLabels(data []byte) ([]byte, error) {
	if len(data) < labelsHeader {
		return nil, fmt.Errorf("%w: %d byte label header", ErrTruncated, len(data))
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != MagicLabels {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidMagic, magic, MagicLabels)
	}
	count := binary.BigEndian.Uint32(data[4:8])
	if uint64(len(data)-labelsHeader) < uint64(count) {
		return nil, fmt.Errorf("%w: %d labels, have %d bytes", ErrTruncated, count, len(data)-labelsHeader)
	}
	labels := make([]byte, count)
	copy(labels, data[labelsHeader:])
	return labels, nil
}

// ReadImages maps path and decodes it with ParseImages.
func ReadImages(path string) (*Images, error) {
	data, release, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = release() }()
	im, err := ParseImages(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return im, nil
}

// ReadLabels maps path and decodes it with ParseLabels.
func ReadLabels(path string) ([]byte, error) {
	data, release, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = release() }()
	labels, err := ParseLabels(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return labels, nil
}

// EncodeImages is the inverse of ParseImages.
func EncodeImages(im *Images) []byte {
	out := make([]byte, imagesHeader+len(im.Pixels))
	binary.BigEndian.PutUint32(out[0:4], MagicImages)
	binary.BigEndian.PutUint32(out[4:8], uint32(im.Count))
	binary.BigEndian.PutUint32(out[8:12], uint32(im.Rows))
	binary.BigEndian.PutUint32(out[12:16], uint32(im.Cols))
	copy(out[imagesHeader:], im.Pixels)
	return out
}

// EncodeLabels is the inverse of ParseLabels.
func EncodeLabels(labels []byte) []byte {
	out := make([]byte, labelsHeader+len(labels))
	binary.BigEndian.PutUint32(out[0:4], MagicLabels)
	binary.BigEndian.PutUint32(out[4:8], uint32(len(labels)))
	copy(out[labelsHeader:], labels)
	return out
}
