// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadCIFARRecords(t *testing.T) {
	const numRecords = 3
	classes := []byte{6, 0, 9}
	var buf bytes.Buffer
	for idx := 0; idx < numRecords; idx++ {
		buf.WriteByte(classes[idx])
		for p := 0; p < cifarImageBytes; p++ {
			buf.WriteByte(byte((idx + p) % 256))
		}
	}

	rawImages := make([]byte, numRecords*cifarImageBytes)
	rawLabels := make([]byte, numRecords)
	require.NoError(t, readCIFARRecords(&buf, numRecords, rawImages, rawLabels))
	require.Equal(t, classes, rawLabels)
	for idx := 0; idx < numRecords; idx++ {
		for p := 0; p < cifarImageBytes; p++ {
			require.Equal(t, byte((idx+p)%256), rawImages[idx*cifarImageBytes+p])
		}
	}

	t.Run("truncated", func(t *testing.T) {
		short := bytes.NewReader(make([]byte, cifarImageBytes/2))
		err := readCIFARRecords(short, 1, make([]byte, cifarImageBytes), make([]byte, 1))
		require.Error(t, err)
	})
}
