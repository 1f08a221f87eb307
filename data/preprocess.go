// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// checkBits panics on bit depths outside 1..8.
func checkBits(nBits int) {
	if nBits < 1 || nBits > 8 {
		Panicf("pixel bit depth must be in 1..8, got %d", nBits)
	}
}

// BinWidth is the width of one quantization bin in the model's input space
// [-1, 1).
func BinWidth(nBits int) float64 {
	checkBits(nBits)
	return 2 / math.Exp2(float64(nBits))
}

// Preprocess maps images from [0, 1] to the model input space [-1, 1),
// quantized to 2^nBits levels. When noisy, uniform noise of up to one bin
// width is added so the density model sees continuous values.
func Preprocess(ctx *context.Context, img *Node, nBits int, noisy bool) *Node {
	checkBits(nBits)
	nBins := math.Exp2(float64(nBits))
	x := MulScalar(img, 255)
	if nBits < 8 {
		x = Floor(DivScalar(x, 256/nBins))
	}
	x = DivScalar(x, nBins)
	x = DivScalar(AddScalar(x, -0.5), 0.5)
	if noisy {
		noise := ctx.RandomUniform(x.Graph(), x.Shape())
		noise = MulScalar(AddScalar(MulScalar(noise, 2), -1), 1/nBins)
		x = Add(x, noise)
	}
	return x
}

// Postprocess maps model-space images back to [0, 1], re-quantizing to
// 2^nBits levels and clamping.
func Postprocess(img *Node, nBits int) *Node {
	checkBits(nBits)
	nBins := math.Exp2(float64(nBits))
	x := AddScalar(MulScalar(img, 0.5), 0.5)
	x = MulScalar(x, nBins)
	x = MulScalar(Floor(x), 256/nBins)
	return DivScalar(ClipScalar(x, 0, 255), 255)
}
