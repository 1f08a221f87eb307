// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// ActNormFlow is the activation normalization flow: a learned per-channel
// affine transform y = x·exp(logScale) + bias, invertible in closed form with
// log-determinant height·width·Σ logScale.
//
// Init calibrates logScale and bias so the first batch comes out with zero
// mean and standard deviation initScale per channel.
type ActNormFlow struct {
	inverted
	channels int
}

// NewActNorm returns an activation normalization flow over images with the
// given number of channels.
func NewActNorm(channels int, inverse bool) *ActNormFlow {
	if channels <= 0 {
		Panicf("NewActNorm requires channels > 0, got %d", channels)
	}
	return &ActNormFlow{inverted: inverted(inverse), channels: channels}
}

// variables returns (creating if needed) the "log_scale" and "biases"
// variables, both shaped [channels] and zero-initialized, so a fresh flow is
// the identity.
func (f *ActNormFlow) variables(ctx *context.Context, dtype dtypes.DType) (logScaleVar, biasVar *context.Variable) {
	shape := shapes.Make(dtype, f.channels)
	logScaleVar = ctx.WithInitializer(initializers.Zero).VariableWithShape("log_scale", shape)
	biasVar = ctx.WithInitializer(initializers.Zero).VariableWithShape("biases", shape)
	return
}

// checkChannels panics if x does not carry the configured number of channels.
func (f *ActNormFlow) checkChannels(x *Node) {
	if x.Rank() != 4 || x.Shape().Dimensions[1] != f.channels {
		Panicf("ActNormFlow configured for %d channels got input shaped %s", f.channels, x.Shape())
	}
}

// logDetFromLogScale expands the per-channel log-scales into the [batch]
// log-determinant: spatialSize·Σ logScale for every sample.
func logDetFromLogScale(logScale, x *Node) *Node {
	dims := x.Shape().Dimensions
	total := MulScalar(ReduceSum(logScale), float64(dims[2]*dims[3]))
	return Add(zeroLogDet(x), total)
}

func (f *ActNormFlow) Forward(ctx *context.Context, x, _ *Node) (y, logDet *Node) {
	f.checkChannels(x)
	g := x.Graph()
	logScaleVar, biasVar := f.variables(ctx, x.DType())
	logScale := logScaleVar.ValueGraph(g)
	bias := biasVar.ValueGraph(g)
	y = Add(
		Mul(x, Reshape(Exp(logScale), 1, f.channels, 1, 1)),
		Reshape(bias, 1, f.channels, 1, 1))
	return y, logDetFromLogScale(logScale, x)
}

func (f *ActNormFlow) Backward(ctx *context.Context, y, _ *Node) (x, logDet *Node) {
	f.checkChannels(y)
	g := y.Graph()
	logScaleVar, biasVar := f.variables(ctx, y.DType())
	logScale := logScaleVar.ValueGraph(g)
	bias := biasVar.ValueGraph(g)
	x = Mul(
		Sub(y, Reshape(bias, 1, f.channels, 1, 1)),
		Reshape(Exp(Neg(logScale)), 1, f.channels, 1, 1))
	return x, Neg(logDetFromLogScale(logScale, y))
}

// Init applies the forward transform and recalibrates it so the output of
// this batch is standardized per channel and scaled by initScale, which must
// be > 0. The calibrated parameters are written back into the variables and
// the calibrated output with its matching log-determinant is returned.
func (f *ActNormFlow) Init(ctx *context.Context, x, _ *Node, initScale float64) (y, logDet *Node) {
	f.checkChannels(x)
	if initScale <= 0 {
		Panicf("ActNormFlow.Init requires initScale > 0, got %g", initScale)
	}
	g := x.Graph()
	logScaleVar, biasVar := f.variables(ctx, x.DType())
	logScale := logScaleVar.ValueGraph(g)
	bias := biasVar.ValueGraph(g)
	out := Add(
		Mul(x, Reshape(Exp(logScale), 1, f.channels, 1, 1)),
		Reshape(bias, 1, f.channels, 1, 1))

	mean := ReduceMean(out, 0, 2, 3)
	centered := Sub(out, Reshape(mean, 1, f.channels, 1, 1))
	stdDev := Sqrt(ReduceMean(Square(centered), 0, 2, 3))
	ratio := Div(Scalar(g, x.DType(), initScale), AddScalar(stdDev, 1e-8))

	newLogScale := Add(logScale, Log(ratio))
	logScaleVar.SetValueGraph(newLogScale)
	biasVar.SetValueGraph(Mul(Sub(bias, mean), ratio))

	y = Mul(centered, Reshape(ratio, 1, f.channels, 1, 1))
	return y, logDetFromLogScale(newLogScale, x)
}
