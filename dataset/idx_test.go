package dataset

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyImages() *Images {
	return &Images{Count: 3, Rows: 2, Cols: 2, Pixels: []byte{0, 1, 2, 3, 10, 11, 12, 13, 255, 254, 253, 252}}
}

func TestParseImages(t *testing.T) {
	im, err := ParseImages(EncodeImages(tinyImages()))
	require.NoError(t, err)
	assert.Equal(t, 3, im.Count)
	assert.Equal(t, 4, im.PixelsPerImage())
	assert.Equal(t, []byte{10, 11, 12, 13}, im.Image(1))
}

func TestParseImagesErrors(t *testing.T) {
	good := EncodeImages(tinyImages())
	badMagic := append([]byte{}, good...)
	badMagic[3] = 0x01

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"short header", good[:10], ErrTruncated},
		{"labels magic", badMagic, ErrInvalidMagic},
		{"missing pixels", good[:len(good)-1], ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseImages(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseLabels(t *testing.T) {
	labels, err := ParseLabels(EncodeLabels([]byte{7, 2, 1}))
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 2, 1}, labels)

	_, err = ParseLabels(EncodeImages(tinyImages()))
	assert.ErrorIs(t, err, ErrInvalidMagic)
	_, err = ParseLabels(EncodeLabels([]byte{7, 2, 1})[:10])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestReadFromDisk(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "images")
	lblPath := filepath.Join(dir, "labels")
	require.NoError(t, os.WriteFile(imgPath, EncodeImages(tinyImages()), 0o644))
	require.NoError(t, os.WriteFile(lblPath, EncodeLabels([]byte{1, 2, 3}), 0o644))

	im, err := ReadImages(imgPath)
	require.NoError(t, err)
	assert.Equal(t, tinyImages().Pixels, im.Pixels)

	labels, err := ReadLabels(lblPath)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, labels)

	_, err = ReadImages(lblPath)
	assert.ErrorIs(t, err, ErrInvalidMagic)
	assert.Contains(t, err.Error(), lblPath)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = ReadLabels(empty)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = ReadImages(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, []byte{0, 255, 211, 210}, 2, PixelThreshold))
	assert.Equal(t, " #\n# \n", buf.String())

	buf.Reset()
	require.NoError(t, Render(&buf, []float32{121, 0}, 2, CentroidThreshold))
	assert.Equal(t, "# \n", buf.String())
}

func TestNormalize(t *testing.T) {
	dst := make([]float32, 3)
	Normalize(dst, []byte{0, 51, 255})
	assert.InDeltaSlice(t, []float32{0, 0.2, 1}, dst, 1e-6)
}
