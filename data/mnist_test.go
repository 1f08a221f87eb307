// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"compress/gzip"
	"encoding/binary"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

// writeIDXImages writes a gzipped IDX image file with the given header values
// and pixel bytes.
func writeIDXImages(t *testing.T, filename string, magic, numImages, height, width int32, pixels []byte) {
	f, err := os.Create(filename)
	require.NoError(t, err)
	w := gzip.NewWriter(f)
	header := mnistImageHeader{Magic: magic, NumImages: numImages, Height: height, Width: width}
	require.NoError(t, binary.Write(w, binary.BigEndian, &header))
	_, err = w.Write(pixels)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func TestLoadMNIST(t *testing.T) {
	baseDir := t.TempDir()
	numPixels := MNISTHeight * MNISTWidth
	pixels := make([]byte, 2*numPixels)
	for i := range pixels {
		pixels[i] = byte(i % 256)
	}
	writeIDXImages(t, path.Join(baseDir, trainImagesFilename),
		mnistImageMagic, 2, MNISTHeight, MNISTWidth, pixels)

	images, err := LoadMNIST(baseDir, Train, dtypes.Float32)
	require.NoError(t, err)
	require.Equal(t, []int{2, 1, MNISTHeight, MNISTWidth}, images.Shape().Dimensions)

	data := tensors.MustCopyFlatData[float32](images)
	for i, b := range pixels {
		require.Equal(t, float32(b)/255, data[i])
	}

	t.Run("unsupported-dtype", func(t *testing.T) {
		_, err := LoadMNIST(baseDir, Train, dtypes.Int32)
		require.ErrorContains(t, err, "not supported")
	})
}

// writeIDXLabels writes a gzipped IDX label file with the given header values
// and class bytes.
func writeIDXLabels(t *testing.T, filename string, magic, numLabels int32, classes []byte) {
	f, err := os.Create(filename)
	require.NoError(t, err)
	w := gzip.NewWriter(f)
	header := mnistLabelHeader{Magic: magic, NumLabels: numLabels}
	require.NoError(t, binary.Write(w, binary.BigEndian, &header))
	_, err = w.Write(classes)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func TestLoadMNISTLabels(t *testing.T) {
	baseDir := t.TempDir()
	classes := []byte{5, 0, 4, 9}
	writeIDXLabels(t, path.Join(baseDir, trainLabelsFilename),
		mnistLabelMagic, int32(len(classes)), classes)

	labels, err := LoadMNISTLabels(baseDir, Train)
	require.NoError(t, err)
	require.Equal(t, dtypes.Int8, labels.DType())
	require.Equal(t, []int{len(classes)}, labels.Shape().Dimensions)

	data := tensors.MustCopyFlatData[int8](labels)
	for i, c := range classes {
		require.Equal(t, int8(c), data[i])
		require.Less(t, int(data[i]), MNISTNumClasses)
	}

	t.Run("wrong-magic", func(t *testing.T) {
		baseDir := t.TempDir()
		writeIDXLabels(t, path.Join(baseDir, testLabelsFilename),
			mnistImageMagic, 4, classes)
		_, err := LoadMNISTLabels(baseDir, Test)
		require.ErrorContains(t, err, "not an MNIST label file")
	})

	t.Run("truncated", func(t *testing.T) {
		baseDir := t.TempDir()
		writeIDXLabels(t, path.Join(baseDir, trainLabelsFilename),
			mnistLabelMagic, 100, classes)
		_, err := LoadMNISTLabels(baseDir, Train)
		require.Error(t, err)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := LoadMNISTLabels(t.TempDir(), Test)
		require.Error(t, err)
	})
}

func TestLoadMNISTBadFile(t *testing.T) {
	t.Run("wrong-magic", func(t *testing.T) {
		baseDir := t.TempDir()
		writeIDXImages(t, path.Join(baseDir, trainImagesFilename),
			0x00000801, 2, MNISTHeight, MNISTWidth, make([]byte, 2*MNISTHeight*MNISTWidth))
		_, err := LoadMNIST(baseDir, Train, dtypes.Float32)
		require.ErrorContains(t, err, "not an MNIST image file")
	})

	t.Run("truncated", func(t *testing.T) {
		baseDir := t.TempDir()
		writeIDXImages(t, path.Join(baseDir, trainImagesFilename),
			mnistImageMagic, 10, MNISTHeight, MNISTWidth, make([]byte, MNISTHeight*MNISTWidth))
		_, err := LoadMNIST(baseDir, Train, dtypes.Float32)
		require.Error(t, err)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := LoadMNIST(t.TempDir(), Test, dtypes.Float32)
		require.Error(t, err)
	})
}
