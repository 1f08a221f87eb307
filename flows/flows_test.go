// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

var testBatchSizes = []int{1, 4, 17}

func toFloat64s(t *testing.T, tensor *tensors.Tensor) []float64 {
	t.Helper()
	switch tensor.DType() {
	case dtypes.Float32:
		data := tensors.MustCopyFlatData[float32](tensor)
		out := make([]float64, len(data))
		for i, value := range data {
			out[i] = float64(value)
		}
		return out
	case dtypes.Float64:
		return tensors.MustCopyFlatData[float64](tensor)
	}
	t.Fatalf("unsupported dtype %s", tensor.DType())
	return nil
}

func requireClose(t *testing.T, want, got *tensors.Tensor, delta float64) {
	t.Helper()
	require.Equal(t, want.Shape().Dimensions, got.Shape().Dimensions)
	require.InDeltaSlice(t, toFloat64s(t, want), toFloat64s(t, got), delta)
}

func requireAllInDelta(t *testing.T, tensor *tensors.Tensor, want, delta float64) {
	t.Helper()
	for _, value := range toFloat64s(t, tensor) {
		require.InDelta(t, want, value, delta)
	}
}

// checkInvertible runs Forward then Backward over random data and requires
// the reconstruction to match and the two log-determinants to cancel out, for
// several batch sizes.
func checkInvertible(t *testing.T, flow Flow, channels, condChannels, height, width int, delta float64) {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	for _, batch := range testBatchSizes {
		t.Run(fmt.Sprintf("batch%d", batch), func(t *testing.T) {
			ctx := context.New().Checked(false)
			results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
				x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, batch, channels, height, width))
				var cond *Node
				if condChannels > 0 {
					cond = ctx.RandomNormal(g, shapes.Make(dtypes.Float32, batch, condChannels, height, width))
				}
				y, fwdLogDet := flow.Forward(ctx.In("flow"), x, cond)
				xRec, bwdLogDet := flow.Backward(ctx.In("flow"), y, cond)
				return []*Node{x, xRec, Add(fwdLogDet, bwdLogDet), y}
			})
			x, xRec, logDetSum, y := results[0], results[1], results[2], results[3]
			require.Equal(t, x.Shape().Dimensions, y.Shape().Dimensions)
			require.Equal(t, []int{batch}, logDetSum.Shape().Dimensions)
			requireClose(t, x, xRec, delta)
			requireAllInDelta(t, logDetSum, 0, delta)
		})
	}
}

// checkInitMatchesForward runs Init over one batch and requires a Forward
// pass with the calibrated parameters to reproduce the same output.
func checkInitMatchesForward(t *testing.T, flow Flow, channels, condChannels, height, width int, delta float64) {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	batch := 4
	inputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, batch, channels, height, width))
		if condChannels == 0 {
			return []*Node{x}
		}
		return []*Node{x, ctx.RandomNormal(g, shapes.Make(dtypes.Float32, batch, condChannels, height, width))}
	})

	run := func(init bool) *tensors.Tensor {
		args := make([]any, len(inputs))
		for i, input := range inputs {
			args[i] = input
		}
		return context.MustExecOnce(backend, ctx, func(ctx *context.Context, nodes []*Node) *Node {
			x := nodes[0]
			var cond *Node
			if len(nodes) > 1 {
				cond = nodes[1]
			}
			var y *Node
			if init {
				y, _ = flow.Init(ctx.In("flow"), x, cond, 1.0)
			} else {
				y, _ = flow.Forward(ctx.In("flow"), x, cond)
			}
			return y
		}, args...)
	}
	initOut := run(true)
	forwardOut := run(false)
	requireClose(t, initOut, forwardOut, delta)
}

func TestActNorm(t *testing.T) {
	checkInvertible(t, NewActNorm(3, false), 3, 0, 6, 6, 1e-4)
	checkInitMatchesForward(t, NewActNorm(3, false), 3, 0, 6, 6, 1e-4)

	t.Run("init-standardizes", func(t *testing.T) {
		backend := graphtest.BuildTestBackend()
		ctx := context.New().Checked(false)
		flow := NewActNorm(2, false)
		results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
			x := AddScalar(MulScalar(
				ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 16, 2, 8, 8)), 3.5), -2.0)
			y, _ := flow.Init(ctx.In("flow"), x, nil, 1.0)
			mean := ReduceMean(y, 0, 2, 3)
			stdDev := Sqrt(ReduceMean(Square(Sub(y, Reshape(mean, 1, 2, 1, 1))), 0, 2, 3))
			return []*Node{mean, stdDev}
		})
		requireAllInDelta(t, results[0], 0, 1e-4)
		requireAllInDelta(t, results[1], 1, 1e-3)
	})

	t.Run("bad-channels-panics", func(t *testing.T) {
		require.Panics(t, func() { NewActNorm(0, false) })
	})
}

func TestMaskedConv(t *testing.T) {
	for _, order := range []MaskOrder{OrderA, OrderB, OrderC, OrderD} {
		t.Run(fmt.Sprintf("order%s", order), func(t *testing.T) {
			kernel := [2]int{2, 3}
			if order == OrderC || order == OrderD {
				kernel = [2]int{3, 2}
			}
			flow := NewMaskedConv(MaskedConvConfig{
				Channels: 2,
				Kernel:   kernel,
				Order:    order,
				Scale:    true,
			})
			checkInvertible(t, flow, 2, 0, 6, 6, 1e-3)
		})
	}

	t.Run("additive", func(t *testing.T) {
		flow := NewMaskedConv(MaskedConvConfig{Channels: 3, Kernel: [2]int{2, 3}, Order: OrderA})
		checkInvertible(t, flow, 3, 0, 6, 6, 1e-4)
	})

	t.Run("conditioned", func(t *testing.T) {
		flow := NewMaskedConv(MaskedConvConfig{
			Channels:     2,
			Kernel:       [2]int{2, 3},
			CondChannels: 3,
			Order:        OrderB,
			Scale:        true,
		})
		checkInvertible(t, flow, 2, 3, 6, 6, 1e-3)
	})

	t.Run("eps-configuration", func(t *testing.T) {
		// The default epsilon, and an explicit override.
		flow := NewMaskedConv(MaskedConvConfig{Channels: 1, Kernel: [2]int{2, 3}, Order: OrderA})
		require.Equal(t, 1e-12, flow.eps)
		flow = NewMaskedConv(MaskedConvConfig{Channels: 1, Kernel: [2]int{2, 3}, Order: OrderA, Eps: 1e-6})
		require.Equal(t, 1e-6, flow.eps)
	})

	t.Run("even-kernel-across-center-panics", func(t *testing.T) {
		require.Panics(t, func() {
			NewMaskedConv(MaskedConvConfig{Channels: 1, Kernel: [2]int{2, 2}, Order: OrderA})
		})
		require.Panics(t, func() {
			NewMaskedConv(MaskedConvConfig{Channels: 1, Kernel: [2]int{2, 3}, Order: OrderC})
		})
	})
}

func TestMaskedConvReceptiveField(t *testing.T) {
	// Order A must not let a position see its own row or the rows below:
	// changing the last row of the input must not change mu anywhere above it.
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	flow := NewMaskedConv(MaskedConvConfig{Channels: 1, Kernel: [2]int{2, 3}, Order: OrderA})
	results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 1, 5, 5))
		delta := Concatenate([]*Node{
			Zeros(g, shapes.Make(dtypes.Float32, 2, 1, 4, 5)),
			Ones(g, shapes.Make(dtypes.Float32, 2, 1, 1, 5)),
		}, 2)
		y1, _ := flow.Forward(ctx.In("flow"), x, nil)
		y2, _ := flow.Forward(ctx.In("flow"), Add(x, delta), nil)
		mu1 := Sub(y1, x)
		mu2 := Sub(y2, Add(x, delta))
		aboveDiff := SliceAxis(Sub(mu1, mu2), 2, AxisRange(0, 4))
		return []*Node{aboveDiff}
	})
	requireAllInDelta(t, results[0], 0, 1e-6)
}

func TestConv1x1(t *testing.T) {
	checkInvertible(t, NewConv1x1(4, false), 4, 0, 6, 6, 1e-4)

	t.Run("sync-after-perturbation", func(t *testing.T) {
		backend := graphtest.BuildTestBackend()
		ctx := context.New().Checked(false)
		flow := NewConv1x1(3, false)
		// Create the variables with one pass.
		x := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 4, 3, 5, 5))
			y, _ := flow.Forward(ctx.In("flow"), x, nil)
			_ = y
			return x
		})

		// Perturb the LU parameters out-of-band, as an optimizer step would.
		scope := ctx.In("flow")
		set := func(name string, values []float32, dims ...int) {
			v := scope.InspectVariableInScope(name)
			require.NotNil(t, v)
			require.NoError(t, v.SetValue(tensors.FromFlatDataAndDimensions(values, dims...)))
		}
		set("lower", []float32{0, 0, 0, 0.5, 0, 0, -0.3, 0.2, 0}, 3, 3)
		set("upper", []float32{0, 0.7, -0.1, 0, 0, 0.4, 0, 0, 0}, 3, 3)
		set("log_diag", []float32{0.1, -0.2, 0.3}, 3)
		require.NoError(t, flow.Sync(scope))

		results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
			y, fwdLogDet := flow.Forward(ctx.In("flow"), x, nil)
			xRec, bwdLogDet := flow.Backward(ctx.In("flow"), y, nil)
			return []*Node{xRec, Add(fwdLogDet, bwdLogDet)}
		}, x)
		requireClose(t, x, results[0], 1e-4)
		requireAllInDelta(t, results[1], 0, 1e-4)
	})

	t.Run("sync-before-variables-fails", func(t *testing.T) {
		flow := NewConv1x1(3, false)
		require.Error(t, flow.Sync(context.New().In("nowhere")))
	})
}

func TestNICE(t *testing.T) {
	t.Run("scaled", func(t *testing.T) {
		flow := NewNICE(NICEConfig{Channels: 4, HiddenChannels: 8, Scale: true})
		checkInvertible(t, flow, 4, 0, 6, 6, 1e-3)
	})
	t.Run("additive", func(t *testing.T) {
		flow := NewNICE(NICEConfig{Channels: 4, HiddenChannels: 8})
		checkInvertible(t, flow, 4, 0, 6, 6, 1e-4)
	})
	t.Run("conditioned-factor4", func(t *testing.T) {
		flow := NewNICE(NICEConfig{Channels: 8, HiddenChannels: 8, CondChannels: 2, Scale: true, Factor: 4})
		require.Equal(t, 6, flow.Z1Channels())
		checkInvertible(t, flow, 8, 2, 6, 6, 1e-3)
	})
	t.Run("init-matches-forward", func(t *testing.T) {
		flow := NewNICE(NICEConfig{Channels: 4, HiddenChannels: 8, Scale: true})
		checkInitMatchesForward(t, flow, 4, 0, 6, 6, 1e-4)
	})
	t.Run("eps-configuration", func(t *testing.T) {
		require.Equal(t, 1e-12, NewNICE(NICEConfig{Channels: 4}).eps)
		require.Equal(t, 1e-3, NewNICE(NICEConfig{Channels: 4, Eps: 1e-3}).eps)
	})
	t.Run("bad-factor-panics", func(t *testing.T) {
		require.Panics(t, func() { NewNICE(NICEConfig{Channels: 1}) })
		require.Panics(t, func() { NewNICE(NICEConfig{Channels: 4, Factor: 8}) })
	})
}

func TestSigmoidFlow(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	flow := NewSigmoid(false)
	for _, batch := range testBatchSizes {
		t.Run(fmt.Sprintf("batch%d", batch), func(t *testing.T) {
			ctx := context.New().Checked(false)
			results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
				x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, batch, 2, 4, 4))
				y, fwdLogDet := flow.Forward(ctx, x, nil)
				xRec, bwdLogDet := flow.Backward(ctx, y, nil)
				inUnit := LogicalAnd(GreaterThan(y, ScalarZero(g, y.DType())),
					LessThan(y, ScalarOne(g, y.DType())))
				return []*Node{x, xRec, Add(fwdLogDet, bwdLogDet), ConvertDType(inUnit, dtypes.Float32)}
			})
			requireClose(t, results[0], results[1], 1e-3)
			requireAllInDelta(t, results[2], 0, 1e-3)
			requireAllInDelta(t, results[3], 1, 0) // all outputs in (0, 1)
		})
	}
}

func TestGlowStep(t *testing.T) {
	flow := NewGlowStep(GlowStepConfig{Channels: 4, HiddenChannels: 8, Scale: true})
	checkInvertible(t, flow, 4, 0, 6, 6, 1e-3)
	checkInitMatchesForward(t,
		NewGlowStep(GlowStepConfig{Channels: 4, HiddenChannels: 8, Scale: true}), 4, 0, 6, 6, 1e-4)
}

func TestPrior(t *testing.T) {
	flow := NewPrior(PriorConfig{Channels: 4, HiddenChannels: 8, Factor: 2, Scale: true})
	require.Equal(t, 2, flow.Z1Channels())
	checkInvertible(t, flow, 4, 0, 6, 6, 1e-3)

	t.Run("conditioned", func(t *testing.T) {
		flow := NewPrior(PriorConfig{Channels: 4, HiddenChannels: 8, CondChannels: 2, Factor: 4, Scale: true})
		require.Equal(t, 3, flow.Z1Channels())
		checkInvertible(t, flow, 4, 2, 6, 6, 1e-3)
	})
}

func TestPassAdapters(t *testing.T) {
	t.Run("initialize-through-wrong-pass-panics", func(t *testing.T) {
		require.Panics(t, func() {
			FwdPass(NewActNorm(1, true), nil, nil, nil, Initialize, 1.0)
		})
		require.Panics(t, func() {
			BwdPass(NewActNorm(1, false), nil, nil, nil, Initialize, 1.0)
		})
	})

	t.Run("logdet-orientation", func(t *testing.T) {
		// FwdPass reports log|det ∂x/∂y|, the negation of the forward
		// direction's own log-determinant; BwdPass reports it as is.
		backend := graphtest.BuildTestBackend()
		ctx := context.New().Checked(false)
		flow := NewSigmoid(false)
		results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
			x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 3, 1, 4, 4))
			yDirect, fwdLogDet := flow.Forward(ctx, x, nil)
			yPass, passLogDet := FwdPass(flow, ctx, x, nil, Apply, 0)
			_, bwdLogDet := flow.Backward(ctx, yDirect, nil)
			_, bwdPassLogDet := BwdPass(flow, ctx, yDirect, nil, Apply, 0)
			return []*Node{yDirect, yPass, Add(passLogDet, fwdLogDet), Sub(bwdPassLogDet, bwdLogDet)}
		})
		requireClose(t, results[0], results[1], 0)
		requireAllInDelta(t, results[2], 0, 1e-5)
		requireAllInDelta(t, results[3], 0, 1e-5)
	})

	t.Run("inverted-flow-swaps-directions", func(t *testing.T) {
		backend := graphtest.BuildTestBackend()
		ctx := context.New().Checked(false)
		flow := NewSigmoid(true)
		results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
			z := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 3, 1, 4, 4))
			// FwdPass on an inverted flow runs its Backward.
			x, _ := FwdPass(flow, ctx, Sigmoid(z), nil, Apply, 0)
			want, _ := flow.Backward(ctx, Sigmoid(z), nil)
			return []*Node{x, want}
		})
		requireClose(t, results[1], results[0], 0)
	})
}
