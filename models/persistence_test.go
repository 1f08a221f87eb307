// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/macow/flows"
)

func TestImageConfigShape(t *testing.T) {
	shape, err := ImageConfig{Channels: 3, Height: 32, Width: 32, DType: "Float32"}.Shape()
	require.NoError(t, err)
	require.Equal(t, []int{3, 32, 32}, shape.Dimensions)

	_, err = ImageConfig{Channels: 3, Height: 32, Width: 32, DType: "float"}.Shape()
	require.ErrorContains(t, err, "unknown image dtype")

	_, err = ImageConfig{Channels: 0, Height: 32, Width: 32, DType: "Float32"}.Shape()
	require.ErrorContains(t, err, "invalid image dimensions")
}

func TestReadConfig(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		_, err := ReadConfig(t.TempDir())
		require.Error(t, err)
	})

	t.Run("malformed", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("{"), 0644))
		_, err := ReadConfig(dir)
		require.ErrorContains(t, err, "parsing")
	})
}

func TestSaveLoadFlowGen(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	reg := flows.NewRegistry()
	dir := t.TempDir()

	model, err := NewFlowGen(backend, reg, tinyConfig(true))
	require.NoError(t, err)
	require.NoError(t, model.Init(makeImages(16), 1.0))

	x := makeImages(4)
	want, err := model.LogProbability(x)
	require.NoError(t, err)
	require.NoError(t, model.Save(dir))

	loaded, err := LoadFlowGen(backend, reg, dir)
	require.NoError(t, err)
	require.True(t, loaded.Initialized())

	got, err := loaded.LogProbability(x)
	require.NoError(t, err)
	wantValues := tensors.MustCopyFlatData[float32](want)
	gotValues := tensors.MustCopyFlatData[float32](got)
	for i := range wantValues {
		require.InDelta(t, float64(wantValues[i]), float64(gotValues[i]), 1e-3)
	}
}

func TestSaveLoadVDeQuant(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	reg := flows.NewRegistry()
	dir := t.TempDir()

	model, err := NewVDeQuant(backend, reg, tinyVDeQuantConfig())
	require.NoError(t, err)
	require.NoError(t, model.Init(makeImages(16), 1.0))

	x := makeImages(4)
	want, err := model.LogProbability(x)
	require.NoError(t, err)
	require.NoError(t, model.Save(dir))

	loaded, err := LoadVDeQuant(backend, reg, dir)
	require.NoError(t, err)
	require.True(t, loaded.Initialized())

	got, err := loaded.LogProbability(x)
	require.NoError(t, err)
	wantValues := tensors.MustCopyFlatData[float32](want)
	gotValues := tensors.MustCopyFlatData[float32](got)
	for i := range wantValues {
		require.InDelta(t, float64(wantValues[i]), float64(gotValues[i]), 1e-3)
	}
}

func TestLoadModelTagMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	reg := flows.NewRegistry()
	dir := t.TempDir()

	model, err := NewFlowGen(backend, reg, tinyConfig(true))
	require.NoError(t, err)
	require.NoError(t, model.Init(makeImages(16), 1.0))
	require.NoError(t, model.Save(dir))

	_, err = LoadVDeQuant(backend, reg, dir)
	require.ErrorContains(t, err, "holds a")
}

func TestLoadWithoutCheckpoint(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	reg := flows.NewRegistry()
	dir := t.TempDir()

	// A config.json alone is not a model directory.
	config := tinyConfig(true)
	config.Model = ModelFlowGen
	data, err := json.Marshal(config)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0644))

	_, err = LoadFlowGen(backend, reg, dir)
	require.ErrorContains(t, err, "no checkpoint")
}
