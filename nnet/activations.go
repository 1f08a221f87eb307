// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nnet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Elu is the Exponential Linear Unit activation function.
//
// It returns `x if x > 0; e^x - 1 if x <= 0`.
func Elu(x *Node) *Node {
	return Where(
		GreaterThan(x, ScalarZero(x.Graph(), x.DType())),
		x,
		MinusOne(Exp(x)))
}
