// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// UnitConfig configures a Unit.
type UnitConfig struct {
	Channels     int
	Kernel       [2]int
	CondChannels int
	Scale        bool
	Inverse      bool
	// Eps is the masked convolutions' backward-division epsilon. 0 means
	// the default.
	Eps float64
}

// Unit is the elementary masked-convolution composite: activation
// normalization, masked convolutions of orders A and B, a second activation
// normalization, then masked convolutions of orders C and D with the kernel
// extents swapped. The four orders give every spatial location context from
// all four directions after one unit.
type Unit struct {
	inverted
	actnorm1 *ActNormFlow
	actnorm2 *ActNormFlow
	convs    [4]*MaskedConvFlow
}

// NewUnit returns a masked-convolution unit.
func NewUnit(cfg UnitConfig) *Unit {
	orders := [4]MaskOrder{OrderA, OrderB, OrderC, OrderD}
	swapped := [2]int{cfg.Kernel[1], cfg.Kernel[0]}
	kernels := [4][2]int{cfg.Kernel, cfg.Kernel, swapped, swapped}
	unit := &Unit{
		inverted: inverted(cfg.Inverse),
		actnorm1: NewActNorm(cfg.Channels, cfg.Inverse),
		actnorm2: NewActNorm(cfg.Channels, cfg.Inverse),
	}
	for i := range unit.convs {
		unit.convs[i] = NewMaskedConv(MaskedConvConfig{
			Channels:     cfg.Channels,
			Kernel:       kernels[i],
			CondChannels: cfg.CondChannels,
			Order:        orders[i],
			Scale:        cfg.Scale,
			Inverse:      cfg.Inverse,
			Eps:          cfg.Eps,
		})
	}
	return unit
}

// parts lists the unit's flows in forward order with their context scopes.
func (f *Unit) parts() []scopedFlow {
	return []scopedFlow{
		{"actnorm1", f.actnorm1},
		{"conv1", f.convs[0]},
		{"conv2", f.convs[1]},
		{"actnorm2", f.actnorm2},
		{"conv3", f.convs[2]},
		{"conv4", f.convs[3]},
	}
}

func (f *Unit) Forward(ctx *context.Context, x, cond *Node) (y, logDet *Node) {
	return forwardChain(f.parts(), ctx, x, cond)
}

func (f *Unit) Backward(ctx *context.Context, y, cond *Node) (x, logDet *Node) {
	return backwardChain(f.parts(), ctx, y, cond)
}

func (f *Unit) Init(ctx *context.Context, x, cond *Node, initScale float64) (y, logDet *Node) {
	return initChain(f.parts(), ctx, x, cond, initScale)
}

// scopedFlow pairs a flow with the context scope its variables live in.
type scopedFlow struct {
	scope string
	flow  Flow
}

// forwardChain runs the flows in order, accumulating log-determinants.
func forwardChain(parts []scopedFlow, ctx *context.Context, x, cond *Node) (y, logDet *Node) {
	out, logDetAccum := x, zeroLogDet(x)
	for _, part := range parts {
		var ld *Node
		out, ld = part.flow.Forward(ctx.In(part.scope), out, cond)
		logDetAccum = Add(logDetAccum, ld)
	}
	return out, logDetAccum
}

// backwardChain runs the flows in reverse order, accumulating
// log-determinants.
func backwardChain(parts []scopedFlow, ctx *context.Context, y, cond *Node) (x, logDet *Node) {
	out, logDetAccum := y, zeroLogDet(y)
	for i := len(parts) - 1; i >= 0; i-- {
		var ld *Node
		out, ld = parts[i].flow.Backward(ctx.In(parts[i].scope), out, cond)
		logDetAccum = Add(logDetAccum, ld)
	}
	return out, logDetAccum
}

// initChain runs the flows in forward order in initialization mode.
func initChain(parts []scopedFlow, ctx *context.Context, x, cond *Node, initScale float64) (y, logDet *Node) {
	out, logDetAccum := x, zeroLogDet(x)
	for _, part := range parts {
		var ld *Node
		out, ld = part.flow.Init(ctx.In(part.scope), out, cond, initScale)
		logDetAccum = Add(logDetAccum, ld)
	}
	return out, logDetAccum
}

// StepConfig configures a Step.
type StepConfig struct {
	Channels       int
	Kernel         [2]int
	HiddenChannels int
	CondChannels   int
	Scale          bool
	Inverse        bool
	// MaskedConvEps and CouplingEps are the backward-division epsilons of
	// the masked convolutions and of the couplings. 0 means the defaults.
	MaskedConvEps float64
	CouplingEps   float64
}

// numUnitsPerStep is the number of masked-convolution units per step.
const numUnitsPerStep = 2

// Step is one full MaCow step: two Units followed by a GlowStep.
type Step struct {
	inverted
	units [numUnitsPerStep]*Unit
	glow  *GlowStep
}

// NewStep returns a MaCow step.
func NewStep(cfg StepConfig) *Step {
	step := &Step{
		inverted: inverted(cfg.Inverse),
		glow: NewGlowStep(GlowStepConfig{
			Channels:       cfg.Channels,
			HiddenChannels: cfg.HiddenChannels,
			CondChannels:   cfg.CondChannels,
			Scale:          cfg.Scale,
			Inverse:        cfg.Inverse,
			Eps:            cfg.CouplingEps,
		}),
	}
	for i := range step.units {
		step.units[i] = NewUnit(UnitConfig{
			Channels:     cfg.Channels,
			Kernel:       cfg.Kernel,
			CondChannels: cfg.CondChannels,
			Scale:        cfg.Scale,
			Inverse:      cfg.Inverse,
			Eps:          cfg.MaskedConvEps,
		})
	}
	return step
}

func (f *Step) parts() []scopedFlow {
	return []scopedFlow{
		{"unit1", f.units[0]},
		{"unit2", f.units[1]},
		{"glow", f.glow},
	}
}

func (f *Step) Forward(ctx *context.Context, x, cond *Node) (y, logDet *Node) {
	return forwardChain(f.parts(), ctx, x, cond)
}

func (f *Step) Backward(ctx *context.Context, y, cond *Node) (x, logDet *Node) {
	return backwardChain(f.parts(), ctx, y, cond)
}

func (f *Step) Init(ctx *context.Context, x, cond *Node, initScale float64) (y, logDet *Node) {
	return initChain(f.parts(), ctx, x, cond, initScale)
}

// Sync refreshes the Glow step's cached inverse.
func (f *Step) Sync(ctx *context.Context) error {
	return f.glow.Sync(ctx.In("glow"))
}

// blockKind tells the pyramid how to treat a level.
type blockKind int

const (
	// bottomKind runs at the input resolution, no squeeze and no split.
	bottomKind blockKind = iota
	// internalKind squeezes on entry and splits channels off at its end.
	internalKind
	// topKind squeezes on entry, no split.
	topKind
)

// macowBlock is one level of the pyramid: a plain sequence of steps for the
// bottom and top kinds, or per-layer step sequences with channel-splitting
// priors for the internal kind.
type macowBlock struct {
	kind  blockKind
	steps []*Step // bottom, top

	layers     [][]*Step // internal
	priors     []*Prior  // internal
	z1Channels int       // internal: channels kept after the block's split
}

func newStepsBlock(kind blockKind, numSteps int, cfg StepConfig) *macowBlock {
	if numSteps <= 0 {
		Panicf("pyramid level needs at least 1 step, got %d", numSteps)
	}
	block := &macowBlock{kind: kind, steps: make([]*Step, numSteps)}
	for i := range block.steps {
		block.steps[i] = NewStep(cfg)
	}
	return block
}

// newInternalBlock builds an internal level: layerSteps gives the number of
// steps per layer; after each layer a prior transforms the channels and
// 1/factor of them is split off, with factor decrementing per layer.
func newInternalBlock(layerSteps []int, factor int, priorScale bool, eps float64, cfg StepConfig) *macowBlock {
	if len(layerSteps) >= factor {
		Panicf("internal level with %d layers requires factor > %d, got %d",
			len(layerSteps), len(layerSteps), factor)
	}
	channels := cfg.Channels
	channelStep := channels / factor
	block := &macowBlock{kind: internalKind}
	for _, numSteps := range layerSteps {
		if numSteps <= 0 {
			Panicf("internal level layers need at least 1 step, got %d", numSteps)
		}
		layerCfg := cfg
		layerCfg.Channels = channels
		layer := make([]*Step, numSteps)
		for i := range layer {
			layer[i] = NewStep(layerCfg)
		}
		block.layers = append(block.layers, layer)
		prior := NewPrior(PriorConfig{
			Channels:       channels,
			HiddenChannels: cfg.HiddenChannels,
			CondChannels:   cfg.CondChannels,
			Factor:         factor,
			Scale:          priorScale,
			Inverse:        cfg.Inverse,
			Eps:            eps,
		})
		block.priors = append(block.priors, prior)
		channels -= channelStep
		if channels != prior.Z1Channels() {
			Panicf("internal level split mismatch: factor %d does not evenly partition %d channels",
				factor, cfg.Channels)
		}
		factor--
	}
	block.z1Channels = channels
	return block
}

func (b *macowBlock) forward(ctx *context.Context, x, cond *Node) (y, logDet *Node) {
	if b.kind != internalKind {
		return forwardSteps(b.steps, ctx, x, cond, false, 0)
	}
	out, logDetAccum := x, zeroLogDet(x)
	var rights []*Node
	for l, layer := range b.layers {
		layerCtx := ctx.Inf("layer%d", l)
		var ld *Node
		out, ld = forwardSteps(layer, layerCtx, out, cond, false, 0)
		logDetAccum = Add(logDetAccum, ld)
		out, ld = b.priors[l].Forward(layerCtx.In("prior"), out, cond)
		logDetAccum = Add(logDetAccum, ld)
		var right *Node
		out, right = Split2D(out, b.priors[l].Z1Channels())
		rights = append(rights, right)
	}
	parts := make([]*Node, 0, len(rights)+1)
	parts = append(parts, out)
	for i := len(rights) - 1; i >= 0; i-- {
		parts = append(parts, rights[i])
	}
	return Unsplit2D(parts...), logDetAccum
}

func (b *macowBlock) backward(ctx *context.Context, y, cond *Node) (x, logDet *Node) {
	if b.kind != internalKind {
		out, logDetAccum := y, zeroLogDet(y)
		for i := len(b.steps) - 1; i >= 0; i-- {
			var ld *Node
			out, ld = b.steps[i].Backward(ctx.Inf("step%d", i), out, cond)
			logDetAccum = Add(logDetAccum, ld)
		}
		return out, logDetAccum
	}
	out := y
	var rights []*Node
	for _, prior := range b.priors {
		var right *Node
		out, right = Split2D(out, prior.Z1Channels())
		rights = append(rights, right)
	}
	logDetAccum := zeroLogDet(y)
	for l := len(b.layers) - 1; l >= 0; l-- {
		layerCtx := ctx.Inf("layer%d", l)
		out = Unsplit2D(out, rights[len(rights)-1])
		rights = rights[:len(rights)-1]
		var ld *Node
		out, ld = b.priors[l].Backward(layerCtx.In("prior"), out, cond)
		logDetAccum = Add(logDetAccum, ld)
		layer := b.layers[l]
		for s := len(layer) - 1; s >= 0; s-- {
			out, ld = layer[s].Backward(layerCtx.Inf("step%d", s), out, cond)
			logDetAccum = Add(logDetAccum, ld)
		}
	}
	if len(rights) != 0 {
		Panicf("internal level backward left %d split slices unconsumed", len(rights))
	}
	return out, logDetAccum
}

func (b *macowBlock) init(ctx *context.Context, x, cond *Node, initScale float64) (y, logDet *Node) {
	if b.kind != internalKind {
		return forwardSteps(b.steps, ctx, x, cond, true, initScale)
	}
	out, logDetAccum := x, zeroLogDet(x)
	var rights []*Node
	for l, layer := range b.layers {
		layerCtx := ctx.Inf("layer%d", l)
		var ld *Node
		out, ld = forwardSteps(layer, layerCtx, out, cond, true, initScale)
		logDetAccum = Add(logDetAccum, ld)
		out, ld = b.priors[l].Init(layerCtx.In("prior"), out, cond, initScale)
		logDetAccum = Add(logDetAccum, ld)
		var right *Node
		out, right = Split2D(out, b.priors[l].Z1Channels())
		rights = append(rights, right)
	}
	parts := make([]*Node, 0, len(rights)+1)
	parts = append(parts, out)
	for i := len(rights) - 1; i >= 0; i-- {
		parts = append(parts, rights[i])
	}
	return Unsplit2D(parts...), logDetAccum
}

func (b *macowBlock) sync(ctx *context.Context) error {
	if b.kind != internalKind {
		for i, step := range b.steps {
			if err := step.Sync(ctx.Inf("step%d", i)); err != nil {
				return err
			}
		}
		return nil
	}
	for l, layer := range b.layers {
		layerCtx := ctx.Inf("layer%d", l)
		for s, step := range layer {
			if err := step.Sync(layerCtx.Inf("step%d", s)); err != nil {
				return err
			}
		}
		if err := b.priors[l].Sync(layerCtx.In("prior")); err != nil {
			return err
		}
	}
	return nil
}

// forwardSteps runs a sequence of steps under "step<i>" scopes, in forward
// or initialization mode.
func forwardSteps(steps []*Step, ctx *context.Context, x, cond *Node, init bool, initScale float64) (y, logDet *Node) {
	out, logDetAccum := x, zeroLogDet(x)
	for i, step := range steps {
		var ld *Node
		if init {
			out, ld = step.Init(ctx.Inf("step%d", i), out, cond, initScale)
		} else {
			out, ld = step.Forward(ctx.Inf("step%d", i), out, cond)
		}
		logDetAccum = Add(logDetAccum, ld)
	}
	return out, logDetAccum
}

// Config describes a full MaCow pyramid.
type Config struct {
	// Levels of the pyramid, at least 2.
	Levels int
	// Steps per level. The bottom and top levels take exactly one count;
	// internal levels take one count per layer (between two consecutive
	// channel splits).
	Steps [][]int
	// InChannels is the image channel count at the input resolution.
	InChannels int
	// Kernel is the (kh, kw) masked-convolution kernel configuration.
	Kernel [2]int
	// Factors, one per internal level, set each level's split factor.
	Factors []int
	// HiddenChannels of the coupling networks, one per level.
	HiddenChannels []int
	// CondChannels at the input resolution, 0 for an unconditioned pyramid.
	CondChannels int
	// Scale enables learned output scales in masked convolutions and
	// couplings; PriorScale does the same for the priors' couplings.
	Scale      bool
	PriorScale bool
	// Inverse sets the orientation: an inverse pyramid is driven
	// generatively, with data entering through BwdPass.
	Inverse bool
	// Bottom prepends a level at the input resolution, before any squeeze.
	Bottom bool
	// MaskedConvEps and CouplingEps are the backward-division epsilons. 0
	// means the defaults.
	MaskedConvEps float64
	CouplingEps   float64
}

// MaCow is the multi-scale masked convolutional flow pyramid: an optional
// bottom block at the input resolution, internal blocks that each squeeze
// space into channels and split part of the channels off, and a top block at
// the coarsest resolution. The slices split off during a data→latent
// traversal are kept on an explicit stack and woven back, at their own
// resolutions, on the way out; the stack must be empty when a traversal
// ends.
type MaCow struct {
	inverted
	blocks    []*macowBlock
	internals int
}

// NewMaCow builds the pyramid, validating the whole configuration eagerly:
// level counts, per-level step slices, factors and channel partitions are
// all checked here, never deferred into a pass.
func NewMaCow(cfg Config) *MaCow {
	if cfg.Levels < 2 {
		Panicf("MaCow needs at least 2 levels, got %d", cfg.Levels)
	}
	if len(cfg.Steps) != cfg.Levels {
		Panicf("MaCow with %d levels needs %d step counts, got %d",
			cfg.Levels, cfg.Levels, len(cfg.Steps))
	}
	if len(cfg.HiddenChannels) != cfg.Levels {
		Panicf("MaCow with %d levels needs %d hidden channel counts, got %d",
			cfg.Levels, cfg.Levels, len(cfg.HiddenChannels))
	}
	internals := cfg.Levels - 1
	if cfg.Bottom {
		internals = cfg.Levels - 2
	}
	if len(cfg.Factors) != internals {
		Panicf("MaCow with %d internal levels needs %d factors, got %d",
			internals, internals, len(cfg.Factors))
	}

	m := &MaCow{inverted: inverted(cfg.Inverse), internals: internals}
	channels := cfg.InChannels
	condChannels := cfg.CondChannels
	nextFactor := 0
	for level := 0; level < cfg.Levels; level++ {
		stepCfg := StepConfig{
			Kernel:         cfg.Kernel,
			HiddenChannels: cfg.HiddenChannels[level],
			Scale:          cfg.Scale,
			Inverse:        cfg.Inverse,
			MaskedConvEps:  cfg.MaskedConvEps,
			CouplingEps:    cfg.CouplingEps,
		}
		switch {
		case level == 0 && cfg.Bottom:
			requireSingleStepCount(level, cfg.Steps[level])
			stepCfg.Channels = channels
			stepCfg.CondChannels = condChannels
			m.blocks = append(m.blocks, newStepsBlock(bottomKind, cfg.Steps[level][0], stepCfg))
		case level == cfg.Levels-1:
			requireSingleStepCount(level, cfg.Steps[level])
			channels *= 4
			condChannels *= 4
			stepCfg.Channels = channels
			stepCfg.CondChannels = condChannels
			m.blocks = append(m.blocks, newStepsBlock(topKind, cfg.Steps[level][0], stepCfg))
		default:
			channels *= 4
			condChannels *= 4
			stepCfg.Channels = channels
			stepCfg.CondChannels = condChannels
			block := newInternalBlock(cfg.Steps[level], cfg.Factors[nextFactor],
				cfg.PriorScale, cfg.CouplingEps, stepCfg)
			nextFactor++
			m.blocks = append(m.blocks, block)
			channels = block.z1Channels
		}
	}
	return m
}

func requireSingleStepCount(level int, counts []int) {
	if len(counts) != 1 {
		Panicf("pyramid level %d takes exactly one step count, got %v", level, counts)
	}
}

func (f *MaCow) Forward(ctx *context.Context, x, cond *Node) (y, logDet *Node) {
	out, logDetAccum := x, zeroLogDet(x)
	var stack []*Node
	for i, block := range f.blocks {
		blockCtx := ctx.Inf("block%d", i)
		if block.kind != bottomKind {
			if cond != nil {
				cond = Squeeze2D(cond, 2)
			}
			out = Squeeze2D(out, 2)
		}
		var ld *Node
		out, ld = block.forward(blockCtx, out, cond)
		logDetAccum = Add(logDetAccum, ld)
		if block.kind == internalKind {
			var right *Node
			out, right = Split2D(out, block.z1Channels)
			stack = append(stack, right)
		}
	}

	out = Unsqueeze2D(out, 2)
	for range f.internals {
		right := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = Unsqueeze2D(Unsplit2D(out, right), 2)
	}
	if len(stack) != 0 {
		Panicf("pyramid forward traversal left %d split slices unconsumed", len(stack))
	}
	return out, logDetAccum
}

func (f *MaCow) Backward(ctx *context.Context, y, cond *Node) (x, logDet *Node) {
	// Relocate the split slices at the resolution each internal level
	// recorded them.
	if cond != nil {
		cond = Squeeze2D(cond, 2)
	}
	out := Squeeze2D(y, 2)
	var stack []*Node
	for _, block := range f.blocks {
		if block.kind != internalKind {
			continue
		}
		if cond != nil {
			cond = Squeeze2D(cond, 2)
		}
		var right *Node
		out, right = Split2D(out, block.z1Channels)
		stack = append(stack, right)
		out = Squeeze2D(out, 2)
	}

	logDetAccum := zeroLogDet(y)
	for i := len(f.blocks) - 1; i >= 0; i-- {
		block := f.blocks[i]
		blockCtx := ctx.Inf("block%d", i)
		if block.kind == internalKind {
			out = Unsplit2D(out, stack[len(stack)-1])
			stack = stack[:len(stack)-1]
		}
		var ld *Node
		out, ld = block.backward(blockCtx, out, cond)
		logDetAccum = Add(logDetAccum, ld)
		if block.kind != bottomKind {
			if cond != nil {
				cond = Unsqueeze2D(cond, 2)
			}
			out = Unsqueeze2D(out, 2)
		}
	}
	if len(stack) != 0 {
		Panicf("pyramid backward traversal left %d split slices unconsumed", len(stack))
	}
	return out, logDetAccum
}

func (f *MaCow) Init(ctx *context.Context, x, cond *Node, initScale float64) (y, logDet *Node) {
	out, logDetAccum := x, zeroLogDet(x)
	var stack []*Node
	for i, block := range f.blocks {
		blockCtx := ctx.Inf("block%d", i)
		if block.kind != bottomKind {
			if cond != nil {
				cond = Squeeze2D(cond, 2)
			}
			out = Squeeze2D(out, 2)
		}
		var ld *Node
		out, ld = block.init(blockCtx, out, cond, initScale)
		logDetAccum = Add(logDetAccum, ld)
		if block.kind == internalKind {
			var right *Node
			out, right = Split2D(out, block.z1Channels)
			stack = append(stack, right)
		}
	}

	out = Unsqueeze2D(out, 2)
	for range f.internals {
		right := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = Unsqueeze2D(Unsplit2D(out, right), 2)
	}
	if len(stack) != 0 {
		Panicf("pyramid init traversal left %d split slices unconsumed", len(stack))
	}
	return out, logDetAccum
}

// Sync refreshes the cached inverses of every 1x1 convolution in the
// pyramid.
func (f *MaCow) Sync(ctx *context.Context) error {
	for i, block := range f.blocks {
		if err := block.sync(ctx.Inf("block%d", i)); err != nil {
			return err
		}
	}
	return nil
}
