// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"

	"github.com/gomlx/macow/flows"
)

// ConfigFileName inside a model directory.
const ConfigFileName = "config.json"

// ImageConfig describes the images the model is built over.
type ImageConfig struct {
	Channels int    `json:"channels"`
	Height   int    `json:"height"`
	Width    int    `json:"width"`
	DType    string `json:"dtype"`
}

// Shape of one image, without the batch axis.
func (ic ImageConfig) Shape() (shapes.Shape, error) {
	dtype, found := dtypes.MapOfNames[ic.DType]
	if !found {
		return shapes.Shape{}, errors.Errorf("unknown image dtype %q", ic.DType)
	}
	if ic.Channels <= 0 || ic.Height <= 0 || ic.Width <= 0 {
		return shapes.Shape{}, errors.Errorf("invalid image dimensions %dx%dx%d",
			ic.Channels, ic.Height, ic.Width)
	}
	return shapes.Make(dtype, ic.Channels, ic.Height, ic.Width), nil
}

// Config is the architecture description persisted as config.json: the flow
// configurations are registry maps, keyed by their "type" tag, so a model
// directory is self-describing.
type Config struct {
	Model   string         `json:"model"`
	Image   ImageConfig    `json:"image"`
	Flow    map[string]any `json:"flow"`
	Dequant map[string]any `json:"dequant,omitempty"`
}

// ReadConfig loads and parses the config.json of a model directory.
func ReadConfig(dir string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return nil, errors.Wrapf(err, "reading model configuration from %q", dir)
	}
	config := &Config{}
	if err := json.Unmarshal(data, config); err != nil {
		return nil, errors.Wrapf(err, "parsing %s from %q", ConfigFileName, dir)
	}
	return config, nil
}

// Save writes the model to dir: config.json plus a checkpoint with every
// variable value.
func (m *FlowGenModel) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating model directory %q", dir)
	}
	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return errors.Wrap(err, "serializing model configuration")
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0644); err != nil {
		return errors.Wrapf(err, "writing %s to %q", ConfigFileName, dir)
	}
	if m.checkpoint == nil || m.checkpoint.Dir() != dir {
		m.checkpoint, err = checkpoints.Build(m.ctx).Dir(dir).Keep(3).Done()
		if err != nil {
			return errors.Wrapf(err, "creating checkpoint handler for %q", dir)
		}
	}
	return m.checkpoint.Save()
}

// LoadFlowGen restores a FlowGenModel from a model directory: the
// architecture from config.json (flows rebuilt through the registry) and the
// parameters from the latest checkpoint. Every parameter the architecture
// needs must be present in the checkpoint.
func LoadFlowGen(backend backends.Backend, reg *flows.Registry, dir string) (*FlowGenModel, error) {
	config, err := ReadConfig(dir)
	if err != nil {
		return nil, err
	}
	if config.Model != ModelFlowGen {
		return nil, errors.Errorf("model directory %q holds a %q model, not %q", dir, config.Model, ModelFlowGen)
	}
	m, err := newFlowGen(backend, reg, config)
	if err != nil {
		return nil, err
	}
	if err := m.restore(dir, m.warmup); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadVDeQuant restores a VDeQuantFlowGenModel from a model directory.
func LoadVDeQuant(backend backends.Backend, reg *flows.Registry, dir string) (*VDeQuantFlowGenModel, error) {
	config, err := ReadConfig(dir)
	if err != nil {
		return nil, err
	}
	if config.Model != ModelVDeQuant {
		return nil, errors.Errorf("model directory %q holds a %q model, not %q", dir, config.Model, ModelVDeQuant)
	}
	m, err := NewVDeQuant(backend, reg, config)
	if err != nil {
		return nil, err
	}
	if err := m.restore(dir, m.warmup); err != nil {
		return nil, err
	}
	return m, nil
}

// restore attaches the checkpoint handler, materializes the variables with a
// warm-up pass, verifies all of them got checkpoint values, and refreshes
// the cached inverses. The warm-up must build every graph scope the model
// owns.
func (m *FlowGenModel) restore(dir string, warmup func() error) error {
	handler, err := checkpoints.Build(m.ctx).Dir(dir).Keep(3).Done()
	if err != nil {
		return errors.Wrapf(err, "loading checkpoint from %q", dir)
	}
	has, err := handler.HasCheckpoints()
	if err != nil {
		return err
	}
	if !has {
		return errors.Errorf("model directory %q has no checkpoint", dir)
	}
	m.checkpoint = handler

	// Variables take their values from the handler as they are created, so
	// snapshot the parameter names before the warm-up consumes them.
	saved := make(map[string]bool, len(handler.LoadedVariables()))
	for name := range handler.LoadedVariables() {
		saved[name] = true
	}
	if err := warmup(); err != nil {
		return errors.Wrapf(err, "materializing variables from %q", dir)
	}

	var missing []string
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Name() == context.RNGStateVariableName {
			return
		}
		name := context.VariableParameterNameFromScopeAndName(v.Scope(), v.Name())
		if !saved[name] {
			missing = append(missing, name)
		}
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.Errorf("checkpoint in %q is missing %d parameters, first %q",
			dir, len(missing), missing[0])
	}

	m.initialized = true
	return m.Sync()
}

// warmup builds and runs the likelihood graph over one zero image, creating
// every variable of the generative flow.
func (m *FlowGenModel) warmup() error {
	_, err := context.ExecOnceN(m.backend, m.execCtx(), func(ctx *context.Context, g *Graph) *Node {
		dims := append([]int{1}, m.imageShape.Dimensions...)
		x := Zeros(g, shapes.Make(m.imageShape.DType, dims...))
		return m.LogProbabilityGraph(ctx, x)
	})
	return err
}

// warmup additionally touches the dequantization flow's variables.
func (m *VDeQuantFlowGenModel) warmup() error {
	_, err := context.ExecOnceN(m.backend, m.execCtx(), func(ctx *context.Context, g *Graph) *Node {
		dims := append([]int{1}, m.imageShape.Dimensions...)
		x := Zeros(g, shapes.Make(m.imageShape.DType, dims...))
		_, logPosterior := m.DequantizeGraph(ctx, x, 1)
		return Add(m.LogProbabilityGraph(ctx, x), Reshape(logPosterior, 1))
	})
	return err
}
