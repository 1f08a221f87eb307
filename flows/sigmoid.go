// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// SigmoidFlow squashes every element into (0, 1) with the logistic function;
// its inverse is the logit. It has no parameters. The dequantization flow
// uses it as the last transform so dequantization noise lands in the unit
// interval.
type SigmoidFlow struct {
	inverted
}

// NewSigmoid returns a sigmoid flow.
func NewSigmoid(inverse bool) *SigmoidFlow {
	return &SigmoidFlow{inverted: inverted(inverse)}
}

// Forward computes y = sigmoid(x). The log-determinant Σ log y·(1−y) is
// computed stably as −Σ (softplus(x) + softplus(−x)).
func (f *SigmoidFlow) Forward(_ *context.Context, x, _ *Node) (y, logDet *Node) {
	y = Sigmoid(x)
	logDet = Neg(sumPerSample(Add(Softplus(x), Softplus(Neg(x)))))
	return
}

// Backward computes the logit x = log(y) − log(1−y) and the matching
// log-determinant −Σ (log y + log(1−y)).
func (f *SigmoidFlow) Backward(_ *context.Context, y, _ *Node) (x, logDet *Node) {
	logY := Log(y)
	log1mY := Log1p(Neg(y))
	x = Sub(logY, log1mY)
	logDet = Neg(sumPerSample(Add(logY, log1mY)))
	return
}

// Init is Forward: there is nothing to calibrate.
func (f *SigmoidFlow) Init(ctx *context.Context, x, _ *Node, _ float64) (y, logDet *Node) {
	return f.Forward(ctx, x, nil)
}
