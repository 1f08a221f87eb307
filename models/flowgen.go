// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models wraps flows into generative models over images: density
// evaluation, sampling, dequantization and persistence.
package models

import (
	"math"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"

	"github.com/gomlx/macow/flows"
)

// Model type tags stored in config.json.
const (
	ModelFlowGen  = "flow_gen"
	ModelVDeQuant = "vdequant_flow_gen"
)

// FlowGenModel is a flow-based generative model: an inverse-mode flow maps a
// standard Gaussian latent to images. Encode runs data to latents, Decode
// latents to data, and LogProbability evaluates the exact data
// log-likelihood through the change of variables.
//
// The model owns its context: the flow's variables live under the "flow"
// scope, so checkpoints key them stably.
type FlowGenModel struct {
	backend    backends.Backend
	ctx        *context.Context
	flow       flows.Flow
	config     *Config
	imageShape shapes.Shape

	checkpoint  *checkpoints.Handler
	initialized bool

	encodeExec   *context.Exec
	decodeExec   *context.Exec
	logProbExec  *context.Exec
	dequantExecs map[int]*context.Exec
}

// NewFlowGen builds a flow-based generative model from its configuration,
// with the flow built through the registry.
func NewFlowGen(backend backends.Backend, reg *flows.Registry, config *Config) (*FlowGenModel, error) {
	config.Model = ModelFlowGen
	return newFlowGen(backend, reg, config)
}

func newFlowGen(backend backends.Backend, reg *flows.Registry, config *Config) (*FlowGenModel, error) {
	flow, err := reg.FromConfig(config.Flow)
	if err != nil {
		return nil, err
	}
	if !flow.Inverted() {
		return nil, errors.New("flow-based generative models need an inverse-mode flow")
	}
	imageShape, err := config.Image.Shape()
	if err != nil {
		return nil, err
	}
	return &FlowGenModel{
		backend:      backend,
		ctx:          context.New(),
		flow:         flow,
		config:       config,
		imageShape:   imageShape,
		dequantExecs: make(map[int]*context.Exec),
	}, nil
}

// Context holding the model's variables. The flow lives under the "flow"
// scope.
func (m *FlowGenModel) Context() *context.Context { return m.ctx }

// Flow returns the generative flow.
func (m *FlowGenModel) Flow() flows.Flow { return m.flow }

// ImageShape is the shape of one image, without the batch axis.
func (m *FlowGenModel) ImageShape() shapes.Shape { return m.imageShape }

// Initialized reports whether the data-dependent initialization (or a
// checkpoint load) already happened.
func (m *FlowGenModel) Initialized() bool { return m.initialized }

// execCtx returns the context unchecked, so graphs built after the first
// execution may still create variables they are the first to touch.
func (m *FlowGenModel) execCtx() *context.Context { return m.ctx.Checked(false) }

// upFloat converts half-precision values to Float32, so the per-sample
// reductions below don't accumulate in 16 bits.
func upFloat(x *Node) *Node {
	if x.DType() == dtypes.Float16 || x.DType() == dtypes.BFloat16 {
		return ConvertDType(x, dtypes.Float32)
	}
	return x
}

// gaussianLogProb is the N(0, I) log-density of z flattened per sample, plus
// the accumulated log-determinant: −½·(‖z‖² + d·log 2π) + logDet.
func gaussianLogProb(z, logDet *Node) *Node {
	z, logDet = upFloat(z), upFloat(logDet)
	batch := z.Shape().Dimensions[0]
	numel := z.Shape().Size() / batch
	z = Reshape(z, batch, numel)
	ll := AddScalar(ReduceSum(Square(z), 1), float64(numel)*math.Log(2*math.Pi))
	return Add(MulScalar(ll, -0.5), logDet)
}

// EncodeGraph maps data to latents, returning the latent and the
// log-determinant of ∂z/∂x.
func (m *FlowGenModel) EncodeGraph(ctx *context.Context, x *Node) (z, logDet *Node) {
	return flows.BwdPass(m.flow, ctx.In("flow"), x, nil, flows.Apply, 0)
}

// DecodeGraph maps latents to data.
func (m *FlowGenModel) DecodeGraph(ctx *context.Context, z *Node) (x, logDet *Node) {
	return flows.FwdPass(m.flow, ctx.In("flow"), z, nil, flows.Apply, 0)
}

// LogProbabilityGraph is the exact log-likelihood of x, shaped [batch].
func (m *FlowGenModel) LogProbabilityGraph(ctx *context.Context, x *Node) *Node {
	z, logDet := m.EncodeGraph(ctx, x)
	return gaussianLogProb(z, logDet)
}

// DequantizeGraph draws dequantization noise for x and its log-posterior.
// The base model uses the uniform baseline: noise in [0, 1) with zero
// log-posterior. Shapes are [batch, nsamples, ...] and [batch, nsamples].
func (m *FlowGenModel) DequantizeGraph(ctx *context.Context, x *Node, nsamples int) (u, logPosterior *Node) {
	g := x.Graph()
	dims := x.Shape().Dimensions
	noiseDims := append([]int{dims[0], nsamples}, dims[1:]...)
	u = ctx.RandomUniform(g, shapes.Make(x.DType(), noiseDims...))
	logPosterior = Zeros(g, shapes.Make(x.DType(), dims[0], nsamples))
	return
}

// Encode runs data to latents on the backend.
func (m *FlowGenModel) Encode(x *tensors.Tensor) (z, logDet *tensors.Tensor, err error) {
	if m.encodeExec == nil {
		m.encodeExec, err = context.NewExec(m.backend, m.execCtx(), m.EncodeGraph)
		if err != nil {
			return
		}
	}
	return m.encodeExec.Exec2(x)
}

// Decode runs latents to data on the backend.
func (m *FlowGenModel) Decode(z *tensors.Tensor) (x, logDet *tensors.Tensor, err error) {
	if m.decodeExec == nil {
		m.decodeExec, err = context.NewExec(m.backend, m.execCtx(), m.DecodeGraph)
		if err != nil {
			return
		}
	}
	return m.decodeExec.Exec2(z)
}

// LogProbability evaluates the log-likelihood of a batch, shaped [batch].
func (m *FlowGenModel) LogProbability(x *tensors.Tensor) (*tensors.Tensor, error) {
	if m.logProbExec == nil {
		var err error
		m.logProbExec, err = context.NewExec(m.backend, m.execCtx(), m.LogProbabilityGraph)
		if err != nil {
			return nil, err
		}
	}
	return m.logProbExec.Exec1(x)
}

// Dequantize draws nsamples dequantization noise tensors per image.
func (m *FlowGenModel) Dequantize(x *tensors.Tensor, nsamples int) (u, logPosterior *tensors.Tensor, err error) {
	return m.dequantize(m.DequantizeGraph, x, nsamples)
}

// dequantize caches one Exec per nsamples, since the noise shape depends on
// it.
func (m *FlowGenModel) dequantize(graphFn func(*context.Context, *Node, int) (*Node, *Node), x *tensors.Tensor, nsamples int) (u, logPosterior *tensors.Tensor, err error) {
	if nsamples <= 0 {
		err = errors.Errorf("dequantization needs nsamples > 0, got %d", nsamples)
		return
	}
	exec, found := m.dequantExecs[nsamples]
	if !found {
		exec, err = context.NewExec(m.backend, m.execCtx(),
			func(ctx *context.Context, x *Node) (*Node, *Node) {
				return graphFn(ctx, x, nsamples)
			})
		if err != nil {
			return
		}
		m.dequantExecs[nsamples] = exec
	}
	return exec.Exec2(x)
}

// Sample draws images from the model: latents from N(0, I), decoded by the
// flow. Each call builds its own graph, sized to numSamples.
func (m *FlowGenModel) Sample(numSamples int) (*tensors.Tensor, error) {
	if numSamples <= 0 {
		return nil, errors.Errorf("Sample needs numSamples > 0, got %d", numSamples)
	}
	return context.ExecOnce(m.backend, m.execCtx(), func(ctx *context.Context, g *Graph) *Node {
		dims := append([]int{numSamples}, m.imageShape.Dimensions...)
		z := ctx.RandomNormal(g, shapes.Make(m.imageShape.DType, dims...))
		x, _ := flows.FwdPass(m.flow, ctx.In("flow"), z, nil, flows.Apply, 0)
		return x
	})
}

// Init runs the data-dependent initialization pass over one batch and
// refreshes the cached inverses. It must run exactly once, before training;
// a second call is an error.
func (m *FlowGenModel) Init(data *tensors.Tensor, initScale float64) error {
	if m.initialized {
		return errors.New("model is already initialized")
	}
	_, err := context.ExecOnceN(m.backend, m.execCtx(),
		func(ctx *context.Context, x *Node) *Node {
			_, logDet := flows.BwdPass(m.flow, ctx.In("flow"), x, nil, flows.Initialize, initScale)
			return logDet
		}, data)
	if err != nil {
		return err
	}
	m.initialized = true
	return m.Sync()
}

// Sync refreshes the flow's cached inverses from the current variable
// values. Call it after every out-of-band parameter change (an optimizer
// step, a checkpoint load) and before decoding.
func (m *FlowGenModel) Sync() error {
	if syncer, ok := m.flow.(flows.Syncer); ok {
		return syncer.Sync(m.ctx.In("flow"))
	}
	return nil
}
