// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nnet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// ResidualBlock applies two weight-normalized 3x3 convolutions with an ELU
// between them and adds the input back, followed by a final ELU. The channel
// count is preserved. In initialization mode the second convolution is
// calibrated to zero output, so the block starts as Elu of its input.
func ResidualBlock(ctx *context.Context, x *Node, init bool, initScale float64) *Node {
	channels := x.Shape().Dimensions[1]
	conv1 := ConvWeightNorm(ctx.In("conv1"), x).Channels(channels).KernelSize(3).PadSame()
	var out *Node
	if init {
		out = conv1.Init(initScale)
	} else {
		out = conv1.Done()
	}
	out = Elu(out)
	conv2 := ConvWeightNorm(ctx.In("conv2"), out).Channels(channels).KernelSize(3).PadSame()
	if init {
		out = conv2.Init(0.0)
	} else {
		out = conv2.Done()
	}
	return Elu(Add(x, out))
}
