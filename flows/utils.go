// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Squeeze2D trades spatial resolution for channels: x shaped
// [batch, channels, height, width] becomes [batch, channels·factor²,
// height/factor, width/factor]. Each factor×factor spatial patch is moved
// into the channels axis, keeping the patch layout contiguous per channel.
//
// Both spatial dimensions must be divisible by factor.
func Squeeze2D(x *Node, factor int) *Node {
	if factor == 1 {
		return x
	}
	dims := x.Shape().Dimensions
	batch, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if height%factor != 0 || width%factor != 0 {
		Panicf("Squeeze2D requires spatial dimensions divisible by factor %d, got %s",
			factor, x.Shape())
	}
	x = Reshape(x, batch, channels, height/factor, factor, width/factor, factor)
	x = TransposeAllAxes(x, 0, 1, 3, 5, 2, 4)
	return Reshape(x, batch, channels*factor*factor, height/factor, width/factor)
}

// Unsqueeze2D is the exact inverse of Squeeze2D: it moves factor² channels
// back into a factor×factor spatial patch.
func Unsqueeze2D(x *Node, factor int) *Node {
	if factor == 1 {
		return x
	}
	dims := x.Shape().Dimensions
	batch, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if channels%(factor*factor) != 0 {
		Panicf("Unsqueeze2D requires channels divisible by factor²=%d, got %s",
			factor*factor, x.Shape())
	}
	channels /= factor * factor
	x = Reshape(x, batch, channels, factor, factor, height, width)
	x = TransposeAllAxes(x, 0, 1, 4, 2, 5, 3)
	return Reshape(x, batch, channels, height*factor, width*factor)
}

// Split2D splits x on the channels axis: z1 takes the first z1Channels
// channels, z2 the rest.
func Split2D(x *Node, z1Channels int) (z1, z2 *Node) {
	channels := x.Shape().Dimensions[1]
	if z1Channels <= 0 || z1Channels >= channels {
		Panicf("Split2D at %d channels does not split %s", z1Channels, x.Shape())
	}
	z1 = SliceAxis(x, 1, AxisRange(0, z1Channels))
	z2 = SliceAxis(x, 1, AxisRange(z1Channels, channels))
	return
}

// Unsplit2D concatenates the parts back on the channels axis, undoing
// Split2D.
func Unsplit2D(parts ...*Node) *Node {
	return Concatenate(parts, 1)
}

// zeroLogDet returns an all-zeros [batch] log-determinant matching x's batch
// size and dtype.
func zeroLogDet(x *Node) *Node {
	return Zeros(x.Graph(), shapes.Make(x.DType(), x.Shape().Dimensions[0]))
}

// sumPerSample reduces x over all axes but the batch one, returning [batch].
func sumPerSample(x *Node) *Node {
	axes := make([]int, 0, x.Rank()-1)
	for axis := 1; axis < x.Rank(); axis++ {
		axes = append(axes, axis)
	}
	return ReduceSum(x, axes...)
}
