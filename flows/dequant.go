// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"

	"github.com/gomlx/macow/nnet"
)

// encoderBasePlanes is the channel count after the first encoder level;
// encoderMaxPlanes caps the doubling on the way down.
const (
	encoderBasePlanes = 24
	encoderMaxPlanes  = 96
)

// DeQuantFlow maps Gaussian noise to dequantization noise in (0, 1): a
// non-inverted MaCow pyramid followed by a sigmoid. When conditioning
// channels are configured, the conditioning image first goes through a
// convolutional hourglass encoder (strided downsampling with residual blocks,
// then transposed upsampling back to the input resolution) and the encoded
// tensor conditions every coupling in the pyramid.
//
// The flow is always non-inverted: noise enters through FwdPass and its
// density is evaluated on the way in.
type DeQuantFlow struct {
	inverted
	macow   *MaCow
	sigmoid *SigmoidFlow

	levels       int
	condChannels int
	downPlanes   []int
	upPlanes     []int
}

// NewDeQuant builds a dequantization flow over the given pyramid
// configuration. cfg.Inverse must be false and cfg.CondChannels, when
// non-zero, is the channel count of the conditioning image fed to the
// encoder.
func NewDeQuant(cfg Config) *DeQuantFlow {
	if cfg.Inverse {
		Panicf("dequantization flows are always non-inverted")
	}
	f := &DeQuantFlow{
		macow:        NewMaCow(cfg),
		sigmoid:      NewSigmoid(false),
		levels:       cfg.Levels,
		condChannels: cfg.CondChannels,
	}
	if cfg.CondChannels > 0 {
		f.downPlanes, f.upPlanes = encoderPlanes(cfg.Levels, cfg.CondChannels)
	}
	return f
}

// encoderPlanes lays out the hourglass channel plan: down from the image to
// encoderBasePlanes, doubling per level up to encoderMaxPlanes, then back
// down symmetrically to condChannels.
func encoderPlanes(levels, condChannels int) (downPlanes, upPlanes []int) {
	outPlanes := []int{condChannels, encoderBasePlanes}
	for level := 0; level < levels; level++ {
		planes := outPlanes[len(outPlanes)-1]
		downPlanes = append(downPlanes, planes)
		outPlanes = append(outPlanes, min(planes*2, encoderMaxPlanes))
	}
	// The last doubling and the deepest plane are consumed by the downward
	// path; what remains unwinds upward.
	outPlanes = outPlanes[:len(outPlanes)-2]
	for level := 0; level < levels; level++ {
		upPlanes = append(upPlanes, outPlanes[len(outPlanes)-1])
		outPlanes = outPlanes[:len(outPlanes)-1]
	}
	return
}

// encode runs the conditioning image through the hourglass encoder.
func (f *DeQuantFlow) encode(ctx *context.Context, s *Node, init bool, initScale float64) *Node {
	if s == nil {
		Panicf("dequantization flow configured with %d conditioning channels got no conditioning tensor",
			f.condChannels)
	}
	out := s
	for level, planes := range f.downPlanes {
		down := nnet.ConvWeightNorm(ctx.Inf("down%d", level), out).
			Channels(planes).KernelSize(3).Strides(2).
			PaddingPerDim([][2]int{{1, 1}, {1, 1}})
		if init {
			out = down.Init(initScale)
		} else {
			out = down.Done()
		}
		out = nnet.Elu(out)
		resnetCtx := ctx.Inf("resnet%d", level)
		out = nnet.ResidualBlock(resnetCtx.In("block0"), out, init, initScale)
		out = nnet.ResidualBlock(resnetCtx.In("block1"), out, init, initScale)
	}
	for level, planes := range f.upPlanes {
		// A stride-2 transposed convolution, expressed as a convolution over
		// the input dilated by 2, with asymmetric padding to double the
		// spatial extents exactly.
		up := nnet.ConvWeightNorm(ctx.Inf("up%d", level), out).
			Channels(planes).KernelSize(3).InputDilationPerAxis(2, 2).
			PaddingPerDim([][2]int{{1, 2}, {1, 2}})
		if init {
			out = up.Init(initScale)
		} else {
			out = up.Done()
		}
		out = nnet.Elu(out)
	}
	head := nnet.ConvWeightNorm(ctx.In("head"), out).Channels(f.condChannels).KernelSize(1)
	if init {
		return head.Init(initScale)
	}
	return head.Done()
}

func (f *DeQuantFlow) Forward(ctx *context.Context, x, cond *Node) (y, logDet *Node) {
	if f.condChannels > 0 {
		cond = f.encode(ctx.In("encoder"), cond, false, 0)
	}
	out, logDetAccum := f.macow.Forward(ctx.In("macow"), x, cond)
	out, logDet = f.sigmoid.Forward(ctx, out, nil)
	return out, Add(logDetAccum, logDet)
}

func (f *DeQuantFlow) Backward(ctx *context.Context, y, cond *Node) (x, logDet *Node) {
	if f.condChannels > 0 {
		cond = f.encode(ctx.In("encoder"), cond, false, 0)
	}
	out, logDetAccum := f.sigmoid.Backward(ctx, y, nil)
	out, logDet = f.macow.Backward(ctx.In("macow"), out, cond)
	return out, Add(logDetAccum, logDet)
}

func (f *DeQuantFlow) Init(ctx *context.Context, x, cond *Node, initScale float64) (y, logDet *Node) {
	if f.condChannels > 0 {
		cond = f.encode(ctx.In("encoder"), cond, true, initScale)
	}
	out, logDetAccum := f.macow.Init(ctx.In("macow"), x, cond, initScale)
	out, logDet = f.sigmoid.Init(ctx, out, nil, initScale)
	return out, Add(logDetAccum, logDet)
}

// Sync refreshes the cached inverses of the pyramid's 1x1 convolutions.
func (f *DeQuantFlow) Sync(ctx *context.Context) error {
	return f.macow.Sync(ctx.In("macow"))
}
