// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"

	"github.com/gomlx/macow/nnet"
)

// MaskOrder selects the orientation of a masked convolution's receptive
// field, and with it the direction of the sequential inverse.
type MaskOrder string

const (
	// OrderA sees rows strictly above the current one; inverted top to bottom.
	OrderA MaskOrder = "A"
	// OrderB sees rows strictly below; inverted bottom to top.
	OrderB MaskOrder = "B"
	// OrderC sees columns strictly to the left; inverted left to right.
	OrderC MaskOrder = "C"
	// OrderD sees columns strictly to the right; inverted right to left.
	OrderD MaskOrder = "D"
)

// scan returns the spatial axis the autoregression runs over (2 for rows, 3
// for columns) and whether the inverse proceeds in reverse index order.
func (o MaskOrder) scan() (axis int, reverse bool) {
	switch o {
	case OrderA:
		return 2, false
	case OrderB:
		return 2, true
	case OrderC:
		return 3, false
	case OrderD:
		return 3, true
	}
	Panicf("unknown mask order %q", o)
	return
}

// MaskedConvConfig configures a MaskedConvFlow.
type MaskedConvConfig struct {
	// Channels is the number of image channels transformed.
	Channels int
	// Kernel is the (kh, kw) kernel configuration. Orders A and B allocate a
	// (2·kh+1)×kw kernel masked to the rows strictly above or below the
	// center (kw must be odd); orders C and D allocate kh×(2·kw+1) masked to
	// the columns strictly left or right (kh must be odd).
	Kernel [2]int
	// CondChannels is the number of channels of the conditioning tensor, or
	// 0 for an unconditioned flow.
	CondChannels int
	// Order is the mask orientation.
	Order MaskOrder
	// Scale enables the learned output scale; without it the flow is purely
	// additive.
	Scale bool
	// Inverse sets the flow orientation.
	Inverse bool
	// Eps is added to the scale before dividing in the inverse. 0 means the
	// default of 1e-12.
	Eps float64
}

// MaskedConvFlow is an autoregressive masked convolution flow: a
// weight-normalized convolution whose kernel is masked to one side of the
// current position computes a translation mu (and, optionally, a scale)
// applied as y = x·scale + mu.
//
// The mask makes the Jacobian triangular with the scale on its diagonal, so
// the log-determinant is Σ log scale in closed form, while the inverse is a
// sequential solve, one row (orders A/B) or column (orders C/D) at a time.
type MaskedConvFlow struct {
	inverted
	channels     int
	kernel       [2]int
	condChannels int
	order        MaskOrder
	scale        bool
	eps          float64
}

// NewMaskedConv returns a masked convolution flow. It panics on invalid
// configurations: non-positive channels, even kernel extent across the mask
// center, or an unknown order.
func NewMaskedConv(cfg MaskedConvConfig) *MaskedConvFlow {
	if cfg.Channels <= 0 {
		Panicf("NewMaskedConv requires Channels > 0, got %d", cfg.Channels)
	}
	axis, _ := cfg.Order.scan()
	if axis == 2 && cfg.Kernel[1]%2 == 0 {
		Panicf("mask order %q requires an odd kernel width, got %d", cfg.Order, cfg.Kernel[1])
	}
	if axis == 3 && cfg.Kernel[0]%2 == 0 {
		Panicf("mask order %q requires an odd kernel height, got %d", cfg.Order, cfg.Kernel[0])
	}
	if cfg.Kernel[0] <= 0 || cfg.Kernel[1] <= 0 {
		Panicf("NewMaskedConv kernel extents must be > 0, got %v", cfg.Kernel)
	}
	eps := cfg.Eps
	if eps == 0 {
		eps = 1e-12
	}
	return &MaskedConvFlow{
		inverted:     inverted(cfg.Inverse),
		channels:     cfg.Channels,
		kernel:       cfg.Kernel,
		condChannels: cfg.CondChannels,
		order:        cfg.Order,
		scale:        cfg.Scale,
		eps:          eps,
	}
}

// kernelDims returns the allocated kernel spatial dimensions; roughly half of
// the kernel is zeroed by the mask.
func (f *MaskedConvFlow) kernelDims() (kernelHeight, kernelWidth int) {
	if axis, _ := f.order.scan(); axis == 2 {
		return 2*f.kernel[0] + 1, f.kernel[1]
	}
	return f.kernel[0], 2*f.kernel[1] + 1
}

// maskNode builds the fixed 0/1 kernel mask, shaped [1, 1, kernelHeight,
// kernelWidth], keeping only the kernel taps on the visible side of the
// center.
func (f *MaskedConvFlow) maskNode(g *Graph, dtype dtypes.DType) *Node {
	kernelHeight, kernelWidth := f.kernelDims()
	axis, reverse := f.order.scan()
	iotaAxis := 2
	center := f.kernel[0]
	if axis == 3 {
		iotaAxis = 3
		center = f.kernel[1]
	}
	positions := Iota(g, shapes.Make(dtype, 1, 1, kernelHeight, kernelWidth), iotaAxis)
	centerNode := Scalar(g, dtype, float64(center))
	var visible *Node
	if reverse {
		visible = GreaterThan(positions, centerNode)
	} else {
		visible = LessThan(positions, centerNode)
	}
	return ConvertDType(visible, dtype)
}

func (f *MaskedConvFlow) checkInputs(x, cond *Node) {
	if x.Rank() != 4 || x.Shape().Dimensions[1] != f.channels {
		Panicf("MaskedConvFlow configured for %d channels got input shaped %s", f.channels, x.Shape())
	}
	if cond != nil && cond.Shape().Dimensions[1] != f.condChannels {
		Panicf("MaskedConvFlow configured for %d conditioning channels got %s",
			f.condChannels, cond.Shape())
	}
}

// net runs the masked convolution (plus the 1x1 conditioning convolution, if
// any) over x. In initialization mode the weight-norm magnitudes are
// calibrated to zero output, so the flow starts as close to the identity as
// the scale term allows.
func (f *MaskedConvFlow) net(ctx *context.Context, x, cond *Node, init bool) *Node {
	g := x.Graph()
	outChannels := f.channels
	if f.scale {
		outChannels *= 2
	}
	kernelHeight, kernelWidth := f.kernelDims()
	conv := nnet.ConvWeightNorm(ctx.In("net"), x).
		Channels(outChannels).
		KernelSizePerAxis(kernelHeight, kernelWidth).
		Mask(f.maskNode(g, x.DType())).
		PadSame()
	var out *Node
	if init {
		out = conv.Init(0.0)
	} else {
		out = conv.Done()
	}
	if cond != nil {
		condConv := nnet.ConvWeightNorm(ctx.In("cond"), cond).
			Channels(outChannels).
			KernelSize(1).
			UseBias(false)
		if init {
			out = Add(out, condConv.Init(0.0))
		} else {
			out = Add(out, condConv.Done())
		}
	}
	return out
}

// muAndScale splits the net output into the translation and, when the
// learned scale is enabled, the scale sigmoid(logScale+2). scale is nil
// otherwise.
func (f *MaskedConvFlow) muAndScale(ctx *context.Context, x, cond *Node, init bool) (mu, scale *Node) {
	out := f.net(ctx, x, cond, init)
	if !f.scale {
		return out, nil
	}
	mu = SliceAxis(out, 1, AxisRange(0, f.channels))
	logScale := SliceAxis(out, 1, AxisRange(f.channels, 2*f.channels))
	scale = Sigmoid(AddScalar(logScale, 2.0))
	return
}

// apply computes y = x·scale + mu and the forward log-determinant.
func (f *MaskedConvFlow) apply(x, mu, scale *Node) (y, logDet *Node) {
	if scale == nil {
		return Add(x, mu), zeroLogDet(x)
	}
	return Add(Mul(x, scale), mu), sumPerSample(Log(scale))
}

func (f *MaskedConvFlow) Forward(ctx *context.Context, x, cond *Node) (y, logDet *Node) {
	f.checkInputs(x, cond)
	mu, scale := f.muAndScale(ctx, x, cond, false)
	return f.apply(x, mu, scale)
}

// Backward reconstructs x from y by the sequential solve: slices along the
// scan axis are recovered in mask order, each one using only already
// reconstructed context, with the divisor clamped by the configured epsilon.
func (f *MaskedConvFlow) Backward(ctx *context.Context, y, cond *Node) (x, logDet *Node) {
	f.checkInputs(y, cond)
	axis, reverse := f.order.scan()
	n := y.Shape().Dimensions[axis]

	pieces := make([]*Node, n)
	for i := range pieces {
		pieces[i] = ZerosLike(SliceAxis(y, axis, AxisElem(i)))
	}
	scalePieces := make([]*Node, n)

	for step := 0; step < n; step++ {
		i := step
		if reverse {
			i = n - 1 - step
		}
		rec := Concatenate(pieces, axis)
		mu, scale := f.muAndScale(ctx, rec, cond, false)
		xi := Sub(SliceAxis(y, axis, AxisElem(i)), SliceAxis(mu, axis, AxisElem(i)))
		if scale != nil {
			scaleI := SliceAxis(scale, axis, AxisElem(i))
			xi = Div(xi, AddScalar(scaleI, f.eps))
			scalePieces[i] = scaleI
		}
		pieces[i] = xi
	}
	x = Concatenate(pieces, axis)
	if !f.scale {
		return x, zeroLogDet(y)
	}
	logDet = Neg(sumPerSample(Log(Concatenate(scalePieces, axis))))
	return x, logDet
}

func (f *MaskedConvFlow) Init(ctx *context.Context, x, cond *Node, _ float64) (y, logDet *Node) {
	f.checkInputs(x, cond)
	mu, scale := f.muAndScale(ctx, x, cond, true)
	return f.apply(x, mu, scale)
}
