// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// GlowStepConfig configures a GlowStep.
type GlowStepConfig struct {
	// Channels of the transformed image.
	Channels int
	// HiddenChannels of the coupling network. 0 means the NICE default.
	HiddenChannels int
	// CondChannels of the conditioning tensor, 0 for none.
	CondChannels int
	// Scale enables the coupling's learned output scale.
	Scale bool
	// Inverse sets the orientation of the step and all its parts.
	Inverse bool
	// Eps is the coupling's backward-division epsilon. 0 means the default.
	Eps float64
}

// GlowStep is the classic Glow composite: activation normalization, followed
// by an invertible 1x1 convolution, followed by a NICE coupling.
type GlowStep struct {
	inverted
	actnorm  *ActNormFlow
	conv1x1  *Conv1x1Flow
	coupling *NICE
}

// NewGlowStep returns a Glow step over the given configuration.
func NewGlowStep(cfg GlowStepConfig) *GlowStep {
	return &GlowStep{
		inverted: inverted(cfg.Inverse),
		actnorm:  NewActNorm(cfg.Channels, cfg.Inverse),
		conv1x1:  NewConv1x1(cfg.Channels, cfg.Inverse),
		coupling: NewNICE(NICEConfig{
			Channels:       cfg.Channels,
			HiddenChannels: cfg.HiddenChannels,
			CondChannels:   cfg.CondChannels,
			Scale:          cfg.Scale,
			Inverse:        cfg.Inverse,
			Eps:            cfg.Eps,
		}),
	}
}

func (f *GlowStep) Forward(ctx *context.Context, x, cond *Node) (y, logDet *Node) {
	out, logDetAccum := f.actnorm.Forward(ctx.In("actnorm"), x, nil)
	out, logDet = f.conv1x1.Forward(ctx.In("conv1x1"), out, nil)
	logDetAccum = Add(logDetAccum, logDet)
	out, logDet = f.coupling.Forward(ctx.In("coupling"), out, cond)
	return out, Add(logDetAccum, logDet)
}

func (f *GlowStep) Backward(ctx *context.Context, y, cond *Node) (x, logDet *Node) {
	out, logDetAccum := f.coupling.Backward(ctx.In("coupling"), y, cond)
	out, logDet = f.conv1x1.Backward(ctx.In("conv1x1"), out, nil)
	logDetAccum = Add(logDetAccum, logDet)
	out, logDet = f.actnorm.Backward(ctx.In("actnorm"), out, nil)
	return out, Add(logDetAccum, logDet)
}

func (f *GlowStep) Init(ctx *context.Context, x, cond *Node, initScale float64) (y, logDet *Node) {
	out, logDetAccum := f.actnorm.Init(ctx.In("actnorm"), x, nil, initScale)
	out, logDet = f.conv1x1.Init(ctx.In("conv1x1"), out, nil, initScale)
	logDetAccum = Add(logDetAccum, logDet)
	out, logDet = f.coupling.Init(ctx.In("coupling"), out, cond, initScale)
	return out, Add(logDetAccum, logDet)
}

// Sync refreshes the 1x1 convolution's cached inverse.
func (f *GlowStep) Sync(ctx *context.Context) error {
	return f.conv1x1.Sync(ctx.In("conv1x1"))
}

// PriorConfig configures a Prior.
type PriorConfig struct {
	// Channels of the transformed image.
	Channels int
	// HiddenChannels of the coupling network. 0 means the NICE default.
	HiddenChannels int
	// CondChannels of the conditioning tensor, 0 for none.
	CondChannels int
	// Factor is the coupling's channel partition factor. 0 means 2.
	Factor int
	// Scale enables the coupling's learned output scale.
	Scale bool
	// Inverse sets the orientation.
	Inverse bool
	// Eps is the coupling's backward-division epsilon. 0 means the default.
	Eps float64
}

// Prior is the transform applied before an internal level splits off part of
// its channels: an invertible 1x1 convolution followed by a NICE coupling
// whose pass-through partition (Z1Channels) is what the level keeps.
type Prior struct {
	inverted
	conv1x1  *Conv1x1Flow
	coupling *NICE
}

// NewPrior returns a prior flow over the given configuration.
func NewPrior(cfg PriorConfig) *Prior {
	return &Prior{
		inverted: inverted(cfg.Inverse),
		conv1x1:  NewConv1x1(cfg.Channels, cfg.Inverse),
		coupling: NewNICE(NICEConfig{
			Channels:       cfg.Channels,
			HiddenChannels: cfg.HiddenChannels,
			CondChannels:   cfg.CondChannels,
			Scale:          cfg.Scale,
			Inverse:        cfg.Inverse,
			Factor:         cfg.Factor,
			Eps:            cfg.Eps,
		}),
	}
}

// Z1Channels is the size of the partition kept at this level after the
// split.
func (f *Prior) Z1Channels() int { return f.coupling.Z1Channels() }

func (f *Prior) Forward(ctx *context.Context, x, cond *Node) (y, logDet *Node) {
	out, logDetAccum := f.conv1x1.Forward(ctx.In("conv1x1"), x, nil)
	out, logDet = f.coupling.Forward(ctx.In("coupling"), out, cond)
	return out, Add(logDetAccum, logDet)
}

func (f *Prior) Backward(ctx *context.Context, y, cond *Node) (x, logDet *Node) {
	out, logDetAccum := f.coupling.Backward(ctx.In("coupling"), y, cond)
	out, logDet = f.conv1x1.Backward(ctx.In("conv1x1"), out, nil)
	return out, Add(logDetAccum, logDet)
}

func (f *Prior) Init(ctx *context.Context, x, cond *Node, initScale float64) (y, logDet *Node) {
	out, logDetAccum := f.conv1x1.Init(ctx.In("conv1x1"), x, nil, initScale)
	out, logDet = f.coupling.Init(ctx.In("coupling"), out, cond, initScale)
	return out, Add(logDetAccum, logDet)
}

// Sync refreshes the 1x1 convolution's cached inverse.
func (f *Prior) Sync(ctx *context.Context) error {
	return f.conv1x1.Sync(ctx.In("conv1x1"))
}
