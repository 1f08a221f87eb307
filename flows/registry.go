// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Factory builds a flow from its decoded configuration parameters.
type Factory func(params map[string]any) (Flow, error)

// Registry maps flow type tags to factories, so model architectures can be
// described in plain configuration files (see models.Load) and rebuilt from
// them. It is a value, not a process-wide singleton: callers extending it
// with Register do not affect each other.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with every flow of this package
// pre-registered under its type tag: "actnorm", "masked_conv", "conv1x1",
// "nice", "glow", "macow" and "dequant".
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("actnorm", func(params map[string]any) (Flow, error) {
		var cfg struct {
			Channels int
			Inverse  bool
		}
		return buildFlow(params, &cfg, func() Flow { return NewActNorm(cfg.Channels, cfg.Inverse) })
	})
	r.Register("masked_conv", func(params map[string]any) (Flow, error) {
		var cfg MaskedConvConfig
		return buildFlow(params, &cfg, func() Flow { return NewMaskedConv(cfg) })
	})
	r.Register("conv1x1", func(params map[string]any) (Flow, error) {
		var cfg struct {
			Channels int
			Inverse  bool
		}
		return buildFlow(params, &cfg, func() Flow { return NewConv1x1(cfg.Channels, cfg.Inverse) })
	})
	r.Register("nice", func(params map[string]any) (Flow, error) {
		var cfg NICEConfig
		return buildFlow(params, &cfg, func() Flow { return NewNICE(cfg) })
	})
	r.Register("glow", func(params map[string]any) (Flow, error) {
		var cfg GlowStepConfig
		return buildFlow(params, &cfg, func() Flow { return NewGlowStep(cfg) })
	})
	r.Register("macow", func(params map[string]any) (Flow, error) {
		var cfg Config
		return buildFlow(params, &cfg, func() Flow { return NewMaCow(cfg) })
	})
	r.Register("dequant", func(params map[string]any) (Flow, error) {
		var cfg Config
		return buildFlow(params, &cfg, func() Flow { return NewDeQuant(cfg) })
	})
	return r
}

// Register adds (or replaces) a factory under the given type tag.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// FromConfig builds a flow from a configuration map. The "type" key selects
// the factory; the remaining keys are decoded into the flow's configuration
// struct.
func (r *Registry) FromConfig(config map[string]any) (Flow, error) {
	name, ok := config["type"].(string)
	if !ok {
		return nil, errors.Errorf("flow configuration needs a string \"type\" key, got %v", config["type"])
	}
	factory, found := r.factories[name]
	if !found {
		return nil, errors.Errorf("no such registered flow %q", name)
	}
	flow, err := factory(config)
	if err != nil {
		return nil, errors.WithMessagef(err, "building flow %q", name)
	}
	return flow, nil
}

// buildFlow decodes params into cfg and runs the constructor, converting its
// panics into errors.
func buildFlow(params map[string]any, cfg any, build func() Flow) (flow Flow, err error) {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating flow configuration decoder")
	}
	if err = decoder.Decode(params); err != nil {
		return nil, errors.Wrap(err, "decoding flow configuration")
	}
	err = exceptions.TryCatch[error](func() { flow = build() })
	if err != nil {
		return nil, err
	}
	return flow, nil
}
