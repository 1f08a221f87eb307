// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"

	"github.com/gomlx/macow/nnet"
)

// NICEConfig configures a NICE coupling flow.
type NICEConfig struct {
	// Channels is the number of image channels transformed.
	Channels int
	// HiddenChannels of the coupling network. 0 means min(8·Channels, 512).
	HiddenChannels int
	// CondChannels is the number of conditioning channels, 0 for none.
	CondChannels int
	// Scale enables the learned output scale on the transformed partition.
	Scale bool
	// Inverse sets the flow orientation.
	Inverse bool
	// Dilation of the coupling network's 3x3 convolutions. 0 means 1.
	Dilation int
	// Factor sets the channel partition: Channels/Factor channels are
	// transformed, conditioned on the remaining ones. 0 means 2.
	Factor int
	// Eps is added to the scale before dividing in the backward direction.
	// 0 means the default of 1e-12.
	Eps float64
}

// NICE is a coupling flow: the channels split into a conditioning partition
// z1, passed through unchanged, and a transformed partition z2, shifted (and
// optionally rescaled) by a convolutional network of z1. The Jacobian is
// block-triangular, so the log-determinant is Σ log scale, and the inverse is
// closed-form.
type NICE struct {
	inverted
	channels       int
	hiddenChannels int
	condChannels   int
	scale          bool
	dilation       int
	z1Channels     int
	eps            float64
}

// NewNICE returns a NICE coupling flow. It panics on invalid configurations.
func NewNICE(cfg NICEConfig) *NICE {
	factor := cfg.Factor
	if factor == 0 {
		factor = 2
	}
	if factor < 2 || cfg.Channels < factor {
		Panicf("NewNICE requires 2 <= factor <= channels, got factor=%d channels=%d",
			factor, cfg.Channels)
	}
	hidden := cfg.HiddenChannels
	if hidden == 0 {
		hidden = min(8*cfg.Channels, 512)
	}
	dilation := cfg.Dilation
	if dilation == 0 {
		dilation = 1
	}
	eps := cfg.Eps
	if eps == 0 {
		eps = 1e-12
	}
	z2Channels := cfg.Channels / factor
	return &NICE{
		inverted:       inverted(cfg.Inverse),
		channels:       cfg.Channels,
		hiddenChannels: hidden,
		condChannels:   cfg.CondChannels,
		scale:          cfg.Scale,
		dilation:       dilation,
		z1Channels:     cfg.Channels - z2Channels,
		eps:            eps,
	}
}

// Z1Channels is the size of the pass-through partition.
func (f *NICE) Z1Channels() int { return f.z1Channels }

func (f *NICE) checkInputs(x, cond *Node) {
	if x.Rank() != 4 || x.Shape().Dimensions[1] != f.channels {
		Panicf("NICE configured for %d channels got input shaped %s", f.channels, x.Shape())
	}
	if cond != nil && cond.Shape().Dimensions[1] != f.condChannels {
		Panicf("NICE configured for %d conditioning channels got %s", f.condChannels, cond.Shape())
	}
}

// net is the coupling network: 3x3 dilated conv, 1x1 conv, 3x3 dilated conv,
// with ELU in between, all weight-normalized. In initialization mode the last
// convolution is calibrated to zero output so the coupling starts as the
// identity (up to the scale offset).
func (f *NICE) net(ctx *context.Context, z1, cond *Node, init bool, initScale float64) *Node {
	in := z1
	if cond != nil {
		in = Concatenate([]*Node{z1, cond}, 1)
	}
	outChannels := f.channels - f.z1Channels
	if f.scale {
		outChannels *= 2
	}

	conv1 := nnet.ConvWeightNorm(ctx.In("conv1"), in).
		Channels(f.hiddenChannels).KernelSize(3).Dilations(f.dilation).PadSame()
	var out *Node
	if init {
		out = conv1.Init(initScale)
	} else {
		out = conv1.Done()
	}
	out = nnet.Elu(out)

	conv2 := nnet.ConvWeightNorm(ctx.In("conv2"), out).Channels(f.hiddenChannels).KernelSize(1)
	if init {
		out = conv2.Init(initScale)
	} else {
		out = conv2.Done()
	}
	out = nnet.Elu(out)

	conv3 := nnet.ConvWeightNorm(ctx.In("conv3"), out).
		Channels(outChannels).KernelSize(3).Dilations(f.dilation).PadSame()
	if init {
		return conv3.Init(0.0)
	}
	return conv3.Done()
}

// muAndScale computes the translation and, when enabled, the scale
// sigmoid(logScale+2) from the pass-through partition.
func (f *NICE) muAndScale(ctx *context.Context, z1, cond *Node, init bool, initScale float64) (mu, scale *Node) {
	out := f.net(ctx, z1, cond, init, initScale)
	if !f.scale {
		return out, nil
	}
	z2Channels := f.channels - f.z1Channels
	mu = SliceAxis(out, 1, AxisRange(0, z2Channels))
	logScale := SliceAxis(out, 1, AxisRange(z2Channels, 2*z2Channels))
	scale = Sigmoid(AddScalar(logScale, 2.0))
	return
}

func (f *NICE) forward(ctx *context.Context, x, cond *Node, init bool, initScale float64) (y, logDet *Node) {
	f.checkInputs(x, cond)
	z1, z2 := Split2D(x, f.z1Channels)
	mu, scale := f.muAndScale(ctx, z1, cond, init, initScale)
	if scale != nil {
		z2 = Mul(z2, scale)
		logDet = sumPerSample(Log(scale))
	} else {
		logDet = zeroLogDet(x)
	}
	z2 = Add(z2, mu)
	return Unsplit2D(z1, z2), logDet
}

func (f *NICE) Forward(ctx *context.Context, x, cond *Node) (y, logDet *Node) {
	return f.forward(ctx, x, cond, false, 0)
}

func (f *NICE) Backward(ctx *context.Context, y, cond *Node) (x, logDet *Node) {
	f.checkInputs(y, cond)
	z1, z2 := Split2D(y, f.z1Channels)
	mu, scale := f.muAndScale(ctx, z1, cond, false, 0)
	z2 = Sub(z2, mu)
	if scale != nil {
		z2 = Div(z2, AddScalar(scale, f.eps))
		logDet = Neg(sumPerSample(Log(scale)))
	} else {
		logDet = zeroLogDet(y)
	}
	return Unsplit2D(z1, z2), logDet
}

func (f *NICE) Init(ctx *context.Context, x, cond *Node, initScale float64) (y, logDet *Node) {
	return f.forward(ctx, x, cond, true, initScale)
}
