// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Conv1x1Flow is an invertible 1x1 convolution mixing channels at every
// spatial position, the channel-permutation generalization used by Glow
// steps and priors.
//
// The weight matrix is LU-parameterized, W = (I+L)·(U+diag(exp(logDiag)))
// with L strictly lower and U strictly upper triangular, so the
// log-determinant is height·width·Σ logDiag in closed form and W is the
// identity at construction.
//
// Backward multiplies by a cached inverse kept in the non-trainable
// "inv_weight" variable. The cache is only valid for the parameters it was
// computed from: call Sync after any out-of-band parameter change (an
// optimizer step, a checkpoint load) before building a Backward graph.
type Conv1x1Flow struct {
	inverted
	channels int
}

// NewConv1x1 returns an invertible 1x1 convolution flow over the given
// number of channels.
func NewConv1x1(channels int, inverse bool) *Conv1x1Flow {
	if channels <= 0 {
		Panicf("NewConv1x1 requires channels > 0, got %d", channels)
	}
	return &Conv1x1Flow{inverted: inverted(inverse), channels: channels}
}

// identityInitializer initializes a square matrix variable to the identity.
func identityInitializer(g *Graph, shape shapes.Shape) *Node {
	return DiagonalWithValue(ScalarOne(g, shape.DType), shape.Dimensions[0])
}

func (f *Conv1x1Flow) variables(ctx *context.Context, dtype dtypes.DType) (lowerVar, upperVar, logDiagVar, invVar *context.Variable) {
	matrixShape := shapes.Make(dtype, f.channels, f.channels)
	lowerVar = ctx.WithInitializer(initializers.Zero).VariableWithShape("lower", matrixShape)
	upperVar = ctx.WithInitializer(initializers.Zero).VariableWithShape("upper", matrixShape)
	logDiagVar = ctx.WithInitializer(initializers.Zero).
		VariableWithShape("log_diag", shapes.Make(dtype, f.channels))
	invVar = ctx.WithInitializer(identityInitializer).
		VariableWithShape("inv_weight", matrixShape).SetTrainable(false)
	return
}

func (f *Conv1x1Flow) checkChannels(x *Node) {
	if x.Rank() != 4 || x.Shape().Dimensions[1] != f.channels {
		Panicf("Conv1x1Flow configured for %d channels got input shaped %s", f.channels, x.Shape())
	}
}

// weight assembles W from the triangular parts. Only the strictly triangular
// entries of the "lower"/"upper" variables are used.
func (f *Conv1x1Flow) weight(g *Graph, lower, upper, logDiag *Node) *Node {
	eye := DiagonalWithValue(ScalarOne(g, lower.DType()), f.channels)
	l := Add(TakeLowerTriangular(lower, -1), eye)
	u := Add(TakeUpperTriangular(upper, 1), Mul(eye, Reshape(Exp(logDiag), 1, f.channels)))
	return MatMul(l, u)
}

// mix applies the channel-mixing matrix at every spatial position.
func mix(w, x *Node) *Node {
	return Einsum("oi,bihw->bohw", w, x)
}

func (f *Conv1x1Flow) logDet(logDiag, x *Node) *Node {
	dims := x.Shape().Dimensions
	total := MulScalar(ReduceSum(logDiag), float64(dims[2]*dims[3]))
	return Add(zeroLogDet(x), total)
}

func (f *Conv1x1Flow) Forward(ctx *context.Context, x, _ *Node) (y, logDet *Node) {
	f.checkChannels(x)
	g := x.Graph()
	lowerVar, upperVar, logDiagVar, _ := f.variables(ctx, x.DType())
	logDiag := logDiagVar.ValueGraph(g)
	w := f.weight(g, lowerVar.ValueGraph(g), upperVar.ValueGraph(g), logDiag)
	return mix(w, x), f.logDet(logDiag, x)
}

func (f *Conv1x1Flow) Backward(ctx *context.Context, y, _ *Node) (x, logDet *Node) {
	f.checkChannels(y)
	g := y.Graph()
	_, _, logDiagVar, invVar := f.variables(ctx, y.DType())
	x = mix(invVar.ValueGraph(g), y)
	return x, Neg(f.logDet(logDiagVar.ValueGraph(g), y))
}

// Init applies the forward transform; the LU parameterization starts at the
// identity so there is nothing data-dependent to calibrate. The cached
// inverse still must be refreshed by Sync before the first Backward.
func (f *Conv1x1Flow) Init(ctx *context.Context, x, _ *Node, _ float64) (y, logDet *Node) {
	return f.Forward(ctx, x, nil)
}

// Sync recomputes the cached inverse of W on the host from the current
// variable values. ctx must be the same scope the passes were built with.
func (f *Conv1x1Flow) Sync(ctx *context.Context) error {
	lowerVar := ctx.InspectVariableInScope("lower")
	upperVar := ctx.InspectVariableInScope("upper")
	logDiagVar := ctx.InspectVariableInScope("log_diag")
	invVar := ctx.InspectVariableInScope("inv_weight")
	if lowerVar == nil || upperVar == nil || logDiagVar == nil || invVar == nil {
		return errors.Errorf("Conv1x1Flow.Sync in scope %q: variables not created yet", ctx.Scope())
	}
	lower, err := tensorAsFloat64s(lowerVar)
	if err != nil {
		return err
	}
	upper, err := tensorAsFloat64s(upperVar)
	if err != nil {
		return err
	}
	logDiag, err := tensorAsFloat64s(logDiagVar)
	if err != nil {
		return err
	}

	c := f.channels
	l := mat.NewDense(c, c, nil)
	u := mat.NewDense(c, c, nil)
	for i := 0; i < c; i++ {
		l.Set(i, i, 1)
		u.Set(i, i, math.Exp(logDiag[i]))
		for j := 0; j < i; j++ {
			l.Set(i, j, lower[i*c+j])
			u.Set(j, i, upper[j*c+i])
		}
	}
	var w, inv mat.Dense
	w.Mul(l, u)
	if err := inv.Inverse(&w); err != nil {
		return errors.Wrapf(err, "Conv1x1Flow.Sync in scope %q: weight matrix is singular", ctx.Scope())
	}
	invTensor, err := float64sAsTensor(inv.RawMatrix().Data, invVar.Shape().DType, c, c)
	if err != nil {
		return err
	}
	return invVar.SetValue(invTensor)
}

// tensorAsFloat64s reads a variable's current value as a flat []float64.
func tensorAsFloat64s(v *context.Variable) ([]float64, error) {
	t, err := v.Value()
	if err != nil {
		return nil, errors.WithMessagef(err, "reading variable %q", v.Name())
	}
	switch t.DType() {
	case dtypes.Float64:
		return tensors.MustCopyFlatData[float64](t), nil
	case dtypes.Float32:
		data := tensors.MustCopyFlatData[float32](t)
		out := make([]float64, len(data))
		for i, value := range data {
			out[i] = float64(value)
		}
		return out, nil
	}
	return nil, errors.Errorf("variable %q has dtype %s, not supported for host-side sync",
		v.Name(), t.DType())
}

// float64sAsTensor builds a tensor of the given dtype from flat float64 data.
func float64sAsTensor(data []float64, dtype dtypes.DType, dimensions ...int) (*tensors.Tensor, error) {
	switch dtype {
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(data, dimensions...), nil
	case dtypes.Float32:
		converted := make([]float32, len(data))
		for i, value := range data {
			converted[i] = float32(value)
		}
		return tensors.FromFlatDataAndDimensions(converted, dimensions...), nil
	}
	return nil, errors.Errorf("dtype %s not supported for host-side sync", dtype)
}
