// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package flows implements invertible normalizing-flow transforms over
// channels-first image tensors, shaped [batch, channels, height, width].
//
// The elementary flows (ActNormFlow, MaskedConvFlow, Conv1x1Flow, NICE,
// SigmoidFlow) compose into Glow-style steps and the multi-scale MaCow
// pyramid. Each flow is a stateless description of the transform; its
// parameters live as variables in a context.Context scope, so the same flow
// value can be used to build forward, backward and initialization graphs.
package flows

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Flow is a single invertible transform over [batch, channels, height,
// width] tensors.
//
// Forward and Backward are exact algebraic inverses of each other. Each
// returns the transformed tensor together with the log-determinant of the
// Jacobian of its own direction, per sample, shaped [batch].
//
// Init behaves like Forward but additionally calibrates data-dependent
// parameters (activation normalization statistics, weight-norm magnitudes)
// from the given batch, writing the calibrated values back into the context
// variables.
//
// cond is an optional conditioning tensor threaded through to the coupling
// networks; pass nil when there is none. Flows without conditioning support
// ignore it.
type Flow interface {
	Forward(ctx *context.Context, x, cond *Node) (y, logDet *Node)
	Backward(ctx *context.Context, y, cond *Node) (x, logDet *Node)
	Init(ctx *context.Context, x, cond *Node, initScale float64) (y, logDet *Node)

	// Inverted reports the flow's orientation. An inverted flow is meant to
	// be driven generatively: its Forward decodes latent codes into data, and
	// data flows through Backward. Orientation is fixed at construction.
	Inverted() bool
}

// inverted implements the Inverted method of Flow. Flow implementations
// embed it, set from their configuration.
type inverted bool

func (i inverted) Inverted() bool { return bool(i) }

// Pass selects what the directional adapters FwdPass and BwdPass execute.
type Pass int

const (
	// Apply runs the flow with its current parameters.
	Apply Pass = iota
	// Initialize runs the flow while calibrating its data-dependent
	// parameters from the batch.
	Initialize
)

// FwdPass applies f in the x→y direction, mapping the variable before the
// flow to the variable after it, regardless of the flow's orientation.
//
// The returned logDet is log|det ∂x/∂y| per sample, so that
// log p(y) = log p(x) + logDet.
//
// Only a non-inverted flow can be initialized through FwdPass; asking to
// initialize an inverted flow panics before any graph computation, since its
// data side is the backward one.
func FwdPass(f Flow, ctx *context.Context, x, cond *Node, pass Pass, initScale float64) (y, logDet *Node) {
	if f.Inverted() {
		if pass == Initialize {
			Panicf("inverted flow must be initialized with a backward pass")
		}
		y, logDet = f.Backward(ctx, x, cond)
	} else if pass == Initialize {
		y, logDet = f.Init(ctx, x, cond, initScale)
	} else {
		y, logDet = f.Forward(ctx, x, cond)
	}
	return y, Neg(logDet)
}

// BwdPass applies f in the y→x direction, mapping the variable after the
// flow back to the one before it, regardless of the flow's orientation.
//
// The returned logDet is log|det ∂x/∂y| per sample, the same quantity
// FwdPass reports, so that log p(y) = log p(x) + logDet.
//
// Only an inverted flow can be initialized through BwdPass; asking to
// initialize a non-inverted flow panics before any graph computation.
func BwdPass(f Flow, ctx *context.Context, y, cond *Node, pass Pass, initScale float64) (x, logDet *Node) {
	if f.Inverted() {
		if pass == Initialize {
			x, logDet = f.Init(ctx, y, cond, initScale)
		} else {
			x, logDet = f.Forward(ctx, y, cond)
		}
		return
	}
	if pass == Initialize {
		Panicf("non-inverted flow must be initialized with a forward pass")
	}
	x, logDet = f.Backward(ctx, y, cond)
	return
}

// Syncer is implemented by flows that maintain derived parameters (like the
// cached inverse of the invertible 1x1 convolution weights) that must be
// refreshed after the underlying variables change, e.g. after an optimizer
// step or after loading a checkpoint.
type Syncer interface {
	// Sync recomputes the derived parameters from the current variable
	// values. It is a host-side operation, not part of any graph.
	Sync(ctx *context.Context) error
}
