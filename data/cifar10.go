// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"io"
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

// CIFAR-10, in the binary format from https://www.cs.toronto.edu/~kriz/cifar.html.
const (
	cifar10URL     = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	cifar10TarName = "cifar-10-binary.tar.gz"
	cifar10SubDir  = "cifar-10-batches-bin"
	cifar10Hash    = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	CIFARWidth      = 32
	CIFARHeight     = 32
	CIFARChannels   = 3
	CIFARNumClasses = 10

	cifar10TrainExamples = 50000
	cifar10TestExamples  = 10000
	cifar10PerFile       = 10000
	cifarImageBytes      = CIFARChannels * CIFARHeight * CIFARWidth
)

// DownloadCIFAR10 fetches and extracts the CIFAR-10 binary archive into
// baseDir, skipping work already done.
func DownloadCIFAR10(baseDir string) error {
	return downloadAndUntarIfMissing(cifar10URL, baseDir, cifar10TarName, cifar10SubDir, cifar10Hash)
}

// readCIFARRecords reads numRecords (1 class byte, then the pixel planes)
// from r, splitting pixels into rawImages and class bytes into rawLabels.
// Both slices must already have room for numRecords entries.
func readCIFARRecords(r io.Reader, numRecords int, rawImages, rawLabels []byte) error {
	record := make([]byte, cifarImageBytes+1)
	for idx := 0; idx < numRecords; idx++ {
		if _, err := io.ReadFull(r, record); err != nil {
			return errors.Wrapf(err, "reading example %d (out of %d)", idx, numRecords)
		}
		rawLabels[idx] = record[0]
		copy(rawImages[idx*cifarImageBytes:], record[1:])
	}
	return nil
}

// LoadCIFAR10 reads one partition into a channels-first image tensor shaped
// [numImages, 3, 32, 32] of the given dtype, values scaled to [0, 1], along
// with the Int8 class labels shaped [numImages]. The binary format stores
// each image as three full color planes, so the channels-first layout is a
// direct copy. Only Float32 and Float64 are supported.
func LoadCIFAR10(baseDir string, partition Partition, dtype dtypes.DType) (images, labels *tensors.Tensor, err error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	var files []string
	numImages := cifar10TestExamples
	if partition == Train {
		numImages = cifar10TrainExamples
		for i := 1; i <= 5; i++ {
			files = append(files, fmt.Sprintf("data_batch_%d.bin", i))
		}
	} else {
		files = append(files, "test_batch.bin")
	}

	rawImages := make([]byte, numImages*cifarImageBytes)
	rawLabels := make([]byte, numImages)
	exampleIdx := 0
	for _, name := range files {
		dataFile := path.Join(baseDir, cifar10SubDir, name)
		f, err := os.Open(dataFile)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "opening data file %q", dataFile)
		}
		err = readCIFARRecords(f, cifar10PerFile,
			rawImages[exampleIdx*cifarImageBytes:], rawLabels[exampleIdx:])
		_ = f.Close()
		if err != nil {
			return nil, nil, errors.Wrapf(err, "reading %q", dataFile)
		}
		exampleIdx += cifar10PerFile
	}

	images = tensors.FromShape(shapes.Make(dtype, numImages, CIFARChannels, CIFARHeight, CIFARWidth))
	switch dtype {
	case dtypes.Float32:
		fillPixels[float32](images, rawImages)
	case dtypes.Float64:
		fillPixels[float64](images, rawImages)
	default:
		return nil, nil, errors.Errorf("dtype %s not supported for CIFAR-10, use Float32 or Float64", dtype)
	}
	labels = tensors.FromShape(shapes.Make(dtypes.Int8, numImages))
	fillLabels(labels, rawLabels)
	return images, labels, nil
}

// NewCIFAR10Dataset downloads CIFAR-10 if needed and returns an in-memory
// dataset over one partition, yielding channels-first image batches with
// their class labels. Class count is CIFARNumClasses.
func NewCIFAR10Dataset(backend backends.Backend, name, baseDir string, partition Partition, dtype dtypes.DType) (*datasets.InMemoryDataset, error) {
	if err := DownloadCIFAR10(baseDir); err != nil {
		return nil, err
	}
	images, labels, err := LoadCIFAR10(baseDir, partition, dtype)
	if err != nil {
		return nil, err
	}
	return datasets.InMemoryFromData(backend, name, []any{images}, []any{labels})
}
