// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Command macow trains masked convolutional generative flows on MNIST or
// CIFAR-10 and samples images from them.
//
// Training (resumes from the model directory when one exists):
//
//	macow --model ~/work/macow/mnist --dataset mnist --set "train_steps=50000;batch_size=64"
//
// Sampling from a trained model:
//
//	macow --model ~/work/macow/mnist --dataset mnist --sample 64
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/gomlx/macow/data"
	"github.com/gomlx/macow/flows"
	"github.com/gomlx/macow/models"
)

var (
	flagDataDir  = flag.String("data", "~/work/macow", "Directory to cache downloaded dataset files.")
	flagDataset  = flag.String("dataset", "mnist", "Dataset to train on: \"mnist\" or \"cifar10\".")
	flagModelDir = flag.String("model", "", "Directory to save and load the model from. Required.")
	flagConfig   = flag.String("config", "", "JSON file with the model configuration, replacing the "+
		"built-in defaults for the dataset. Ignored when the model directory already holds a model.")
	flagSettings = flag.String("set", "", "Hyperparameter settings, as \"param=value\" pairs separated "+
		"by \";\". E.g.: --set \"train_steps=20000;learning_rate=0.0005\".")
	flagNBits     = flag.Int("nbits", 8, "Pixel bit depth the images are quantized to, from 1 to 8.")
	flagNSamples  = flag.Int("nsamples", 1, "Dequantization noise samples per image during training.")
	flagInitBatch = flag.Int("init_batch", 256, "Batch size of the data-dependent initialization pass.")
	flagInitScale = flag.Float64("init_scale", 1.0, "Scale the data-dependent initialization normalizes "+
		"activations to.")
	flagSample = flag.Int("sample", 0, "Generate this many images from the model and exit, "+
		"instead of training.")
	flagSampleOutput = flag.String("sample_output", "samples.png", "File the sampled image grid is "+
		"written to.")
)

var backend = backends.MustNew()

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagModelDir == "" {
		klog.Exitf("A model directory with --model is required, none given")
	}
	modelDir := fsutil.MustReplaceTildeInDir(*flagModelDir)

	reg := flows.NewRegistry()
	var model *models.VDeQuantFlowGenModel
	if fsutil.MustFileExists(filepath.Join(modelDir, models.ConfigFileName)) {
		model = must.M1(models.LoadVDeQuant(backend, reg, modelDir))
		fmt.Printf("Loaded model from %q, global step %d.\n",
			modelDir, optimizers.GetGlobalStep(model.Context()))
	} else {
		config := must.M1(modelConfig())
		model = must.M1(models.NewVDeQuant(backend, reg, config))
	}

	ctx := model.Context()
	setDefaultParams(ctx)
	must.M1(commandline.ParseContextSettings(ctx, *flagSettings))

	if *flagSample > 0 {
		if !model.Initialized() {
			klog.Exitf("Model in %q was never trained, nothing to sample from", modelDir)
		}
		sampleImages(model, *flagSample, *flagNBits, *flagSampleOutput)
		return
	}
	trainModel(model, modelDir)
}

// setDefaultParams sets the hyperparameters --set can override.
func setDefaultParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
		"train_steps":                50000,
		"batch_size":                 64,
		"checkpoint_frequency":       "3m",
	})
}

// modelConfig returns the configuration of a fresh model: the file given with
// --config, or the built-in defaults for the dataset.
func modelConfig() (*models.Config, error) {
	if *flagConfig != "" {
		raw, err := os.ReadFile(fsutil.MustReplaceTildeInDir(*flagConfig))
		if err != nil {
			return nil, errors.Wrapf(err, "reading model configuration %q", *flagConfig)
		}
		config := &models.Config{}
		if err := json.Unmarshal(raw, config); err != nil {
			return nil, errors.Wrapf(err, "parsing model configuration %q", *flagConfig)
		}
		return config, nil
	}
	switch *flagDataset {
	case "mnist":
		// Single-channel images cannot carry a bottom block: its couplings
		// need at least 2 channels, so the pyramid squeezes right away.
		return defaultConfig(data.MNISTChannels, data.MNISTHeight, data.MNISTWidth, false,
			[][]int{{2}, {2}, {2}}, []int{2, 2}, []int{64, 128, 256}), nil
	case "cifar10":
		return defaultConfig(data.CIFARChannels, data.CIFARHeight, data.CIFARWidth, true,
			[][]int{{2}, {4}, {2}}, []int{2}, []int{96, 192, 384}), nil
	default:
		return nil, errors.Errorf("unknown dataset %q, use \"mnist\" or \"cifar10\"", *flagDataset)
	}
}

// defaultConfig is a 3-level pyramid plus a small 2-level dequantization flow
// conditioned on the image.
func defaultConfig(channels, height, width int, bottom bool, steps [][]int, factors, hiddenChannels []int) *models.Config {
	return &models.Config{
		Image: models.ImageConfig{Channels: channels, Height: height, Width: width, DType: "float32"},
		Flow: map[string]any{
			"type":           "macow",
			"inverse":        true,
			"bottom":         bottom,
			"levels":         3,
			"steps":          steps,
			"inchannels":     channels,
			"kernel":         []int{2, 3},
			"factors":        factors,
			"hiddenchannels": hiddenChannels,
			"scale":          true,
			"priorscale":     true,
		},
		Dequant: map[string]any{
			"type":           "dequant",
			"levels":         2,
			"steps":          [][]int{{1}, {1}},
			"inchannels":     channels,
			"kernel":         []int{2, 3},
			"factors":        []int{2},
			"hiddenchannels": []int{32, 32},
			"condchannels":   channels,
			"scale":          true,
			"priorscale":     true,
		},
	}
}

// newDataset downloads the dataset if needed and wraps one partition.
func newDataset(name string, partition data.Partition, model *models.VDeQuantFlowGenModel) (*datasets.InMemoryDataset, error) {
	baseDir := fsutil.MustReplaceTildeInDir(*flagDataDir)
	dtype := model.ImageShape().DType
	switch *flagDataset {
	case "mnist":
		return data.NewMNISTDataset(backend, name, baseDir, partition, dtype)
	case "cifar10":
		return data.NewCIFAR10Dataset(backend, name, baseDir, partition, dtype)
	default:
		return nil, errors.Errorf("unknown dataset %q, use \"mnist\" or \"cifar10\"", *flagDataset)
	}
}

func trainModel(model *models.VDeQuantFlowGenModel, modelDir string) {
	ctx := model.Context()
	nBits, nSamples := *flagNBits, *flagNSamples
	batchSize := context.GetParamOr(ctx, "batch_size", 64)

	trainDS := must.M1(newDataset(*flagDataset+"-train", data.Train, model))
	fmt.Printf("Training on %s: %d examples, batch size %d.\n",
		*flagDataset, trainDS.NumExamples(), batchSize)

	// Data-dependent initialization over one large batch, on fresh models.
	if !model.Initialized() {
		initDS := trainDS.Copy().Shuffle()
		initDS.BatchSize(min(*flagInitBatch, trainDS.NumExamples()), true)
		_, inputs, _, err := initDS.Yield()
		must.M(err)
		initBatch := must.M1(context.ExecOnce(backend, ctx.Checked(false),
			func(ctx *context.Context, x *Node) *Node {
				return data.Preprocess(ctx, x, nBits, true)
			}, inputs[0]))
		must.M(model.Init(initBatch, *flagInitScale))
		must.M(model.Save(modelDir))
		fmt.Println("Initialized model parameters from data.")
	}
	trainDS.Shuffle().Infinite(true).BatchSize(batchSize, true)

	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }
	trainer := train.NewTrainer(
		backend, ctx.Checked(false), buildTrainComputation(model, nBits, nSamples), customLoss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{}, // trainMetrics
		[]metrics.Interface{}) // evalMetrics

	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	period := must.M1(time.ParseDuration(context.GetParamOr(ctx, "checkpoint_frequency", "3m")))
	train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			return model.Save(modelDir)
		})
	// The 1x1 convolutions keep cached inverses; refresh them after each
	// optimizer step, since the training pass runs through them.
	train.EveryNSteps(loop, 1, "syncing cached inverses", 120,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			return model.Sync()
		})

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep >= numTrainSteps {
		fmt.Printf("Target train_steps=%d already reached at global step %d, nothing to do.\n",
			numTrainSteps, globalStep)
		return
	}
	_, err := loop.RunSteps(trainDS, numTrainSteps-globalStep)
	if err != nil {
		klog.Fatalf("Training failed: %+v", err)
	}
	fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
		loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
}

// buildTrainComputation returns the training ModelFn: the loss is the
// negative evidence lower bound in bits per pixel dimension.
func buildTrainComputation(model *models.VDeQuantFlowGenModel, nBits, nSamples int) train.ModelFn {
	binWidth := data.BinWidth(nBits)
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		x := data.Preprocess(ctx, inputs[0], nBits, false)
		elbo := model.ELBOGraph(ctx, x, nSamples, binWidth)
		numel := x.Shape().Size() / x.Shape().Dimensions[0]
		bitsPerDim := AddScalar(
			DivScalar(Neg(ReduceAllMean(elbo)), float64(numel)*math.Ln2),
			-math.Log2(binWidth))
		return []*Node{elbo, bitsPerDim}
	}
}

// sampleImages draws images from the model and writes them as a PNG grid.
func sampleImages(model *models.VDeQuantFlowGenModel, numSamples, nBits int, outPath string) {
	samples := must.M1(model.Sample(numSamples))
	display := must.M1(ExecOnce(backend, func(x *Node) *Node {
		x = data.Postprocess(x, nBits)
		x = TransposeAllDims(x, 0, 2, 3, 1)
		dims := x.Shape().Dimensions
		if dims[3] == 1 {
			x = BroadcastToDims(x, dims[0], dims[1], dims[2], 3)
		}
		return x
	}, samples))
	grid := imageGrid(images.ToImage().Batch(display))
	f := must.M1(os.Create(outPath))
	must.M(png.Encode(f, grid))
	must.M(f.Close())
	fmt.Printf("Wrote %d samples to %q.\n", numSamples, outPath)
}

// imageGrid lays images out on a near-square grid.
func imageGrid(imgs []image.Image) image.Image {
	perRow := int(math.Ceil(math.Sqrt(float64(len(imgs)))))
	rows := (len(imgs) + perRow - 1) / perRow
	width, height := imgs[0].Bounds().Dx(), imgs[0].Bounds().Dy()
	grid := image.NewNRGBA(image.Rect(0, 0, perRow*width, rows*height))
	for i, img := range imgs {
		x, y := (i%perRow)*width, (i/perRow)*height
		draw.Draw(grid, image.Rect(x, y, x+width, y+height), img, img.Bounds().Min, draw.Src)
	}
	return grid
}
