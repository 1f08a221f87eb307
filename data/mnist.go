// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"compress/gzip"
	"encoding/binary"
	"io"
	"net/url"
	"os"
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// The MNIST database of handwritten digits, in the IDX binary format.
const (
	mnistURL            = "https://storage.googleapis.com/cvdf-datasets/mnist"
	trainImagesFilename = "train-images-idx3-ubyte.gz"
	trainLabelsFilename = "train-labels-idx1-ubyte.gz"
	testImagesFilename  = "t10k-images-idx3-ubyte.gz"
	testLabelsFilename  = "t10k-labels-idx1-ubyte.gz"

	MNISTWidth      = 28
	MNISTHeight     = 28
	MNISTChannels   = 1
	MNISTNumClasses = 10

	mnistImageMagic = 0x00000803
	mnistLabelMagic = 0x00000801
)

// Partition selects the train or test split of a dataset.
type Partition int

const (
	Train Partition = iota
	Test
)

var mnistImageFiles = map[Partition]string{
	Train: trainImagesFilename,
	Test:  testImagesFilename,
}

var mnistLabelFiles = map[Partition]string{
	Train: trainLabelsFilename,
	Test:  testLabelsFilename,
}

// DownloadMNIST fetches the MNIST image and label files into baseDir,
// skipping files already present.
func DownloadMNIST(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	files := []string{trainImagesFilename, trainLabelsFilename, testImagesFilename, testLabelsFilename}
	for _, file := range files {
		fileURL, _ := url.JoinPath(mnistURL, file)
		if err := downloadIfMissing(fileURL, path.Join(baseDir, file), ""); err != nil {
			return err
		}
	}
	return nil
}

type mnistImageHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type mnistLabelHeader struct {
	Magic     int32
	NumLabels int32
}

// LoadMNIST reads one partition into a channels-first tensor shaped
// [numImages, 1, 28, 28] of the given dtype, values scaled to [0, 1]. Only
// Float32 and Float64 are supported.
func LoadMNIST(baseDir string, partition Partition, dtype dtypes.DType) (*tensors.Tensor, error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	filename := path.Join(baseDir, mnistImageFiles[partition])
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", filename)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "un-gzipping %q", filename)
	}
	defer func() { _ = reader.Close() }()

	var header mnistImageHeader
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "reading header of %q", filename)
	}
	if header.Magic != mnistImageMagic || header.Width != MNISTWidth || header.Height != MNISTHeight {
		return nil, errors.Errorf("%q is not an MNIST image file", filename)
	}

	numImages := int(header.NumImages)
	raw := make([]byte, numImages*MNISTHeight*MNISTWidth)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrapf(err, "reading %d images from %q", numImages, filename)
	}

	images := tensors.FromShape(shapes.Make(dtype, numImages, MNISTChannels, MNISTHeight, MNISTWidth))
	switch dtype {
	case dtypes.Float32:
		fillPixels[float32](images, raw)
	case dtypes.Float64:
		fillPixels[float64](images, raw)
	default:
		return nil, errors.Errorf("dtype %s not supported for MNIST, use Float32 or Float64", dtype)
	}
	return images, nil
}

// fillPixels converts raw bytes to [0, 1] values, preserving order. The raw
// layout must already match the tensor's.
func fillPixels[T float32 | float64](t *tensors.Tensor, raw []byte) {
	tensors.MustMutableFlatData[T](t, func(data []T) {
		for i, b := range raw {
			data[i] = T(b) / 255
		}
	})
}

// LoadMNISTLabels reads one partition's digit classes into an Int8 tensor
// shaped [numLabels], values in [0, MNISTNumClasses).
func LoadMNISTLabels(baseDir string, partition Partition) (*tensors.Tensor, error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	filename := path.Join(baseDir, mnistLabelFiles[partition])
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", filename)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "un-gzipping %q", filename)
	}
	defer func() { _ = reader.Close() }()

	var header mnistLabelHeader
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "reading header of %q", filename)
	}
	if header.Magic != mnistLabelMagic {
		return nil, errors.Errorf("%q is not an MNIST label file", filename)
	}

	numLabels := int(header.NumLabels)
	raw := make([]byte, numLabels)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrapf(err, "reading %d labels from %q", numLabels, filename)
	}

	labels := tensors.FromShape(shapes.Make(dtypes.Int8, numLabels))
	fillLabels(labels, raw)
	return labels, nil
}

// fillLabels copies raw class bytes into an Int8 labels tensor.
func fillLabels(t *tensors.Tensor, raw []byte) {
	tensors.MustMutableFlatData[int8](t, func(data []int8) {
		for i, b := range raw {
			data[i] = int8(b)
		}
	})
}

// NewMNISTDataset downloads MNIST if needed and returns an in-memory dataset
// over one partition, yielding channels-first image batches with their digit
// classes as labels. Class count is MNISTNumClasses.
func NewMNISTDataset(backend backends.Backend, name, baseDir string, partition Partition, dtype dtypes.DType) (*datasets.InMemoryDataset, error) {
	if err := DownloadMNIST(baseDir); err != nil {
		return nil, err
	}
	images, err := LoadMNIST(baseDir, partition, dtype)
	if err != nil {
		return nil, err
	}
	labels, err := LoadMNISTLabels(baseDir, partition)
	if err != nil {
		return nil, err
	}
	if labels.Shape().Dimensions[0] != images.Shape().Dimensions[0] {
		return nil, errors.Errorf("MNIST %s partition has %d images but %d labels",
			mnistImageFiles[partition], images.Shape().Dimensions[0], labels.Shape().Dimensions[0])
	}
	return datasets.InMemoryFromData(backend, name, []any{images}, []any{labels})
}
