// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nnet implements the neural building blocks shared by the flow
// layers: weight-normalized 2D convolutions with data-dependent calibration,
// and the ELU activation.
//
// All operations assume channels-first images, shaped [batch, channels,
// height, width].
package nnet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// VStdDev is the standard deviation used to initialize the direction part
// ("w_v") of weight-normalized convolution kernels.
const VStdDev = 0.05

// ConvConfig is a helper to build a weight-normalized 2D convolution.
// Create it with ConvWeightNorm, set the desired parameters, and then call
// either Done (plain application) or Init (application with data-dependent
// calibration of the kernel magnitude and bias).
type ConvConfig struct {
	ctx   *context.Context
	graph *Graph
	x     *Node

	outputChannels int
	kernelSize     []int
	strides        []int
	dilations      []int
	inputDilations []int
	paddings       [][2]int
	padSame        bool
	mask           *Node
	useBias        bool
}

// ConvWeightNorm prepares a weight-normalized 2D convolution on x, shaped
// [batch, channels, height, width].
//
// The kernel is stored as a direction variable "w_v" and a per-output-channel
// magnitude variable "w_g", with the effective kernel being
// w_v·w_g/|w_v|. Variables are created in the current scope of ctx, so
// callers are expected to scope each convolution themselves (e.g.
// ctx.In("conv1")).
//
// Channels and KernelSize must be set before calling Done or Init.
func ConvWeightNorm(ctx *context.Context, x *Node) *ConvConfig {
	if x.Rank() != 4 {
		Panicf("ConvWeightNorm requires x shaped [batch, channels, height, width], got rank %d (%s)",
			x.Rank(), x.Shape())
	}
	return &ConvConfig{
		ctx:     ctx,
		graph:   x.Graph(),
		x:       x,
		padSame: true,
		useBias: true,
	}
}

// Channels sets the number of output channels. It must be set.
func (c *ConvConfig) Channels(channels int) *ConvConfig {
	if channels <= 0 {
		Panicf("number of output channels must be > 0, it was set to %d", channels)
	}
	c.outputChannels = channels
	return c
}

// KernelSize sets the same kernel size for both spatial axes. It must be set
// (either with KernelSize or KernelSizePerAxis).
func (c *ConvConfig) KernelSize(size int) *ConvConfig {
	return c.KernelSizePerAxis(size, size)
}

// KernelSizePerAxis sets the kernel size for the height and width axes
// separately.
func (c *ConvConfig) KernelSizePerAxis(kernelHeight, kernelWidth int) *ConvConfig {
	c.kernelSize = []int{kernelHeight, kernelWidth}
	return c
}

// Strides sets the convolution stride, the same for both spatial axes.
// The default is 1.
func (c *ConvConfig) Strides(strides int) *ConvConfig {
	c.strides = []int{strides, strides}
	return c
}

// Dilations sets the kernel dilation ("atrous" convolution), the same for
// both spatial axes. The default is 1.
func (c *ConvConfig) Dilations(dilation int) *ConvConfig {
	c.dilations = []int{dilation, dilation}
	return c
}

// InputDilationPerAxis dilates the input by inserting zeros between spatial
// positions. Combined with PaddingPerDim this expresses transposed
// ("deconvolution") layers.
func (c *ConvConfig) InputDilationPerAxis(dilations ...int) *ConvConfig {
	if len(dilations) != 2 {
		Panicf("received %d input dilations, but convolutions are 2D", len(dilations))
	}
	c.inputDilations = dilations
	return c
}

// PadSame pads x so the output has the same spatial dimensions as the input
// (for stride 1). This is the default.
func (c *ConvConfig) PadSame() *ConvConfig {
	c.padSame = true
	c.paddings = nil
	return c
}

// NoPadding disables padding: the output spatial dimensions shrink by the
// kernel size minus 1.
func (c *ConvConfig) NoPadding() *ConvConfig {
	c.padSame = false
	c.paddings = nil
	return c
}

// PaddingPerDim sets explicit (start, end) paddings per spatial axis.
func (c *ConvConfig) PaddingPerDim(paddings [][2]int) *ConvConfig {
	if len(paddings) != 2 {
		Panicf("received %d paddings, but convolutions are 2D", len(paddings))
	}
	c.padSame = false
	c.paddings = paddings
	return c
}

// Mask sets a fixed 0/1 mask multiplied into the effective kernel. Its shape
// must broadcast to the kernel shape [outputChannels, inputChannels,
// kernelHeight, kernelWidth]; typically it is [1, 1, kernelHeight,
// kernelWidth].
func (c *ConvConfig) Mask(mask *Node) *ConvConfig {
	c.mask = mask
	return c
}

// UseBias sets whether a trainable per-channel bias is added. Default true.
func (c *ConvConfig) UseBias(useBias bool) *ConvConfig {
	c.useBias = useBias
	return c
}

// variables creates (or reuses) the convolution variables in the current
// scope: "w_v" (kernel direction), "w_g" (per-channel magnitude) and
// "biases".
func (c *ConvConfig) variables() (vVar, gVar, biasVar *context.Variable) {
	if len(c.kernelSize) == 0 || c.outputChannels <= 0 {
		Panicf("nnet.ConvWeightNorm requires Channels and KernelSize to be set")
	}
	xShape := c.x.Shape()
	dtype := xShape.DType
	inputChannels := xShape.Dimensions[1]
	kernelShape := shapes.Make(dtype, c.outputChannels, inputChannels, c.kernelSize[0], c.kernelSize[1])
	vVar = c.ctx.WithInitializer(initializers.RandomNormalFn(c.ctx, VStdDev)).
		VariableWithShape("w_v", kernelShape)
	gVar = c.ctx.WithInitializer(initializers.One).
		VariableWithShape("w_g", shapes.Make(dtype, c.outputChannels))
	if c.useBias {
		biasVar = c.ctx.WithInitializer(initializers.Zero).
			VariableWithShape("biases", shapes.Make(dtype, c.outputChannels))
	}
	return
}

// kernel returns the effective kernel w_v·g/|w_v|, with the mask (if any)
// applied. The norm is taken per output channel.
func (c *ConvConfig) kernel(vVar, gVar *context.Variable) *Node {
	g := c.graph
	v := vVar.ValueGraph(g)
	norm := Sqrt(ReduceSum(Square(v), 1, 2, 3))
	scale := Div(gVar.ValueGraph(g), norm)
	kernel := Mul(v, Reshape(scale, c.outputChannels, 1, 1, 1))
	if c.mask != nil {
		kernel = Mul(kernel, c.mask)
	}
	return kernel
}

// convolve applies the convolution of x with the given kernel, honoring the
// configured strides, dilations and padding.
func (c *ConvConfig) convolve(kernel *Node) *Node {
	conv := Convolve(c.x, kernel).ChannelsAxis(images.ChannelsFirst)
	if len(c.strides) > 0 {
		conv.StridePerAxis(c.strides...)
	}
	if len(c.dilations) > 0 {
		conv.DilationPerAxis(c.dilations...)
	}
	if len(c.inputDilations) > 0 {
		conv.InputDilationPerAxis(c.inputDilations...)
	}
	switch {
	case c.paddings != nil:
		conv.PaddingPerDim(c.paddings)
	case c.padSame:
		conv.PadSame()
	default:
		conv.NoPadding()
	}
	return conv.Done()
}

// addBias adds the per-channel bias to the convolution output.
func (c *ConvConfig) addBias(output, bias *Node) *Node {
	return Add(output, Reshape(bias, 1, c.outputChannels, 1, 1))
}

// Done builds the convolution and returns the resulting node, shaped
// [batch, Channels, height', width'].
func (c *ConvConfig) Done() *Node {
	vVar, gVar, biasVar := c.variables()
	output := c.convolve(c.kernel(vVar, gVar))
	if biasVar != nil {
		output = c.addBias(output, biasVar.ValueGraph(c.graph))
	}
	return output
}

// Init builds the convolution in calibration mode: it applies the current
// kernel, measures the per-channel mean and standard deviation of the output
// over the batch and spatial axes, and rescales "w_g" and "biases" so the
// output is standardized and then scaled by initScale. The updated variables
// are written back into the graph and the calibrated output is returned.
//
// An initScale of 0 zeroes the magnitude and bias, making the convolution
// output identically zero until trained.
func (c *ConvConfig) Init(initScale float64) *Node {
	vVar, gVar, biasVar := c.variables()
	g := c.graph
	output := c.convolve(c.kernel(vVar, gVar))
	bias := ScalarZero(g, output.DType())
	if biasVar != nil {
		bias = biasVar.ValueGraph(g)
		output = c.addBias(output, bias)
	}

	mean := ReduceMean(output, 0, 2, 3)
	centered := Sub(output, Reshape(mean, 1, c.outputChannels, 1, 1))
	stdDev := Sqrt(ReduceMean(Square(centered), 0, 2, 3))
	ratio := Div(Scalar(g, stdDev.DType(), initScale), AddScalar(stdDev, 1e-6))

	gVar.SetValueGraph(Mul(gVar.ValueGraph(g), ratio))
	if biasVar != nil {
		biasVar.SetValueGraph(Mul(Sub(bias, mean), ratio))
	}
	return Mul(centered, Reshape(ratio, 1, c.outputChannels, 1, 1))
}
