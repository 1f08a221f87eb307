// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/gomlx/macow/flows"
)

// VDeQuantFlowGenModel adds variational dequantization to FlowGenModel: a
// second, non-inverted flow turns Gaussian noise into dequantization noise
// conditioned on the image, tightening the likelihood bound over the uniform
// baseline. The dequantization flow's variables live under the "dequant"
// scope.
type VDeQuantFlowGenModel struct {
	*FlowGenModel
	dequant flows.Flow
}

// NewVDeQuant builds a variational-dequantization generative model from its
// configuration. Both the generative and the dequantization flows are built
// through the registry.
func NewVDeQuant(backend backends.Backend, reg *flows.Registry, config *Config) (*VDeQuantFlowGenModel, error) {
	config.Model = ModelVDeQuant
	base, err := newFlowGen(backend, reg, config)
	if err != nil {
		return nil, err
	}
	if config.Dequant == nil {
		return nil, errors.New("variational dequantization needs a \"dequant\" flow configuration")
	}
	dequant, err := reg.FromConfig(config.Dequant)
	if err != nil {
		return nil, err
	}
	if dequant.Inverted() {
		return nil, errors.New("dequantization flows must not be in inverse mode")
	}
	return &VDeQuantFlowGenModel{FlowGenModel: base, dequant: dequant}, nil
}

// DequantFlow returns the dequantization flow.
func (m *VDeQuantFlowGenModel) DequantFlow() flows.Flow { return m.dequant }

// DequantizeGraph draws ε ~ N(0, I), pushes it through the dequantization
// flow conditioned on the image, and returns the noise u in (0, 1) together
// with the importance-weight log-posterior log q(u|x), both with the noise
// samples on axis 1.
func (m *VDeQuantFlowGenModel) DequantizeGraph(ctx *context.Context, x *Node, nsamples int) (u, logPosterior *Node) {
	g := x.Graph()
	dims := x.Shape().Dimensions
	batch := dims[0]
	numel := x.Shape().Size() / batch
	noiseDims := append([]int{batch * nsamples}, dims[1:]...)
	epsilon := ctx.RandomNormal(g, shapes.Make(x.DType(), noiseDims...))

	cond := x
	if nsamples > 1 {
		// Repeat each image across its noise samples, keeping batch order.
		broadcastDims := append([]int{batch, nsamples}, dims[1:]...)
		cond = Add(InsertAxes(x, 1), Zeros(g, shapes.Make(x.DType(), broadcastDims...)))
		cond = Reshape(cond, noiseDims...)
	}
	u, logDet := flows.FwdPass(m.dequant, ctx.In("dequant"), epsilon, cond, flows.Apply, 0)

	eps := Reshape(upFloat(epsilon), batch*nsamples, numel)
	logPosterior = AddScalar(ReduceSum(Square(eps), 1), float64(numel)*math.Log(2*math.Pi))
	logPosterior = Sub(MulScalar(logPosterior, -0.5), upFloat(logDet))

	uDims := append([]int{batch, nsamples}, dims[1:]...)
	return Reshape(u, uDims...), Reshape(logPosterior, batch, nsamples)
}

// Dequantize draws nsamples variational dequantization noise tensors per
// image, with their log-posteriors.
func (m *VDeQuantFlowGenModel) Dequantize(x *tensors.Tensor, nsamples int) (u, logPosterior *tensors.Tensor, err error) {
	return m.dequantize(m.DequantizeGraph, x, nsamples)
}

// Init runs the data-dependent initialization of both flows over one batch:
// the dequantization flow on Gaussian noise conditioned on the data, then
// the generative flow on the data itself. It must run exactly once.
func (m *VDeQuantFlowGenModel) Init(data *tensors.Tensor, initScale float64) error {
	if m.initialized {
		return errors.New("model is already initialized")
	}
	_, err := context.ExecOnceN(m.backend, m.execCtx(),
		func(ctx *context.Context, x *Node) *Node {
			g := x.Graph()
			epsilon := ctx.RandomNormal(g, x.Shape())
			_, dequantLogDet := flows.FwdPass(m.dequant, ctx.In("dequant"), epsilon, x, flows.Initialize, initScale)
			_, logDet := flows.BwdPass(m.flow, ctx.In("flow"), x, nil, flows.Initialize, initScale)
			return Add(logDet, dequantLogDet)
		}, data)
	if err != nil {
		return err
	}
	m.initialized = true
	return m.Sync()
}

// Sync refreshes the cached inverses of both flows.
func (m *VDeQuantFlowGenModel) Sync() error {
	if err := m.FlowGenModel.Sync(); err != nil {
		return err
	}
	if syncer, ok := m.dequant.(flows.Syncer); ok {
		return syncer.Sync(m.ctx.In("dequant"))
	}
	return nil
}

// ELBOGraph is the variational lower bound on log p(x): the model
// log-likelihood of x+u·binWidth minus the noise log-posterior, averaged
// over the noise samples. x must already be in the model's input space, with
// quantization bins of the given width (see data.Preprocess and
// data.BinWidth).
func (m *VDeQuantFlowGenModel) ELBOGraph(ctx *context.Context, x *Node, nsamples int, binWidth float64) *Node {
	dims := x.Shape().Dimensions
	batch := dims[0]
	u, logPosterior := m.DequantizeGraph(ctx, x, nsamples)
	noiseDims := append([]int{batch * nsamples}, dims[1:]...)
	dequantized := Add(InsertAxes(x, 1), MulScalar(u, binWidth))
	dequantized = Reshape(dequantized, noiseDims...)
	logProb := m.LogProbabilityGraph(ctx, dequantized)
	logProb = Reshape(logProb, batch, nsamples)
	return ReduceMean(Sub(logProb, logPosterior), 1)
}
