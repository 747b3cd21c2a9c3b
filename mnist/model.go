/*
 *	Copyright 2026 Carlos R. de Luna
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package mnist

// This file defines the CNN model graph: three convolutional
// feature-extraction stages followed by a fully connected classification
// head. The graph is fixed at construction from context hyperparameters,
// there is no runtime dispatch.

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

// Model hyperparameters.
const (
	// ParamNumStages is the number of convolutional feature-extraction stages.
	ParamNumStages = "cnn_num_stages"

	// ParamBaseFilters is the filter count of the first stage; each following
	// stage doubles it (64, 128, 256).
	ParamBaseFilters = "cnn_base_filters"

	// ParamConvDropout is the dropout rate applied after each convolution.
	ParamConvDropout = "cnn_dropout_rate"

	// ParamHiddenNodes is the width of the fully connected layer.
	ParamHiddenNodes = "cnn_hidden_nodes"

	// ParamDenseDropout is the dropout rate applied after the fully
	// connected layer.
	ParamDenseDropout = "dense_dropout_rate"
)

// CreateDefaultContext returns a context with the hyperparameters of the
// digits model: they can be overridden from the command line before training.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		// Batch sizes: eval can use larger batches, it's more efficient.
		"batch_size":      128,
		"eval_batch_size": 1000,

		// Controller: hard epoch cap and early-stopping patience.
		ParamMaxEpochs: 200,
		ParamPatience:  10,

		// Architecture.
		ParamNumStages:    3,
		ParamBaseFilters:  64,
		ParamConvDropout:  0.1,
		ParamHiddenNodes:  128,
		ParamDenseDropout: 0.2,

		// Augmentation bounds.
		ParamAugmentationAngle: 15.0,
		ParamAugmentationShift: 0.04,
		ParamAugmentationZoom:  0.05,
		ParamAugmentationShear: 0.05,
		ParamAugmentationFlips: true,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
		optimizers.ParamAdamEpsilon:  1e-7,
	})
	return ctx
}

// CnnModelGraph builds the CNN model graph for a batch of images shaped
// `[batch_size, 28, 28, 1]`.
//
// It returns the logits (not the probabilities), shaped
// `[batch_size, NumClasses]`, which is what
// losses.CategoricalCrossEntropyLogits and the accuracy metrics expect.
// Softmax(logits) is the probability distribution over digits.
func CnnModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.In("model") // Create the model by default under the "/model" scope.
	images := inputs[0]
	batchSize := images.Shape().Dimensions[0]
	images.AssertDims(batchSize, Height, Width, 1)

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	numStages := context.GetParamOr(ctx, ParamNumStages, 3)
	baseFilters := context.GetParamOr(ctx, ParamBaseFilters, 64)
	convDropout := context.GetParamOr(ctx, ParamConvDropout, 0.1)

	spatial := Height
	for stage := range numStages {
		filters := baseFilters << stage
		images = layers.Convolution(nextCtx("conv"), images).
			Channels(filters).KernelSize(3).PadSame().Done()
		images.AssertDims(batchSize, spatial, spatial, filters)
		images = activations.Relu(images)
		images = layers.DropoutStatic(nextCtx("dropout"), images, convDropout)
		images = MaxPool(images).Window(2).Done()
		spatial /= 2
		images.AssertDims(batchSize, spatial, spatial, filters)
	}

	embeddings := Reshape(images, batchSize, -1)
	embeddings = layers.DenseWithBias(nextCtx("dense"), embeddings,
		context.GetParamOr(ctx, ParamHiddenNodes, 128))
	embeddings = activations.Relu(embeddings)
	embeddings = layers.DropoutStatic(nextCtx("dropout"), embeddings,
		context.GetParamOr(ctx, ParamDenseDropout, 0.2))
	logits := layers.DenseWithBias(nextCtx("readout"), embeddings, NumClasses)
	return []*Node{logits}
}

// CategoricalAccuracyGraph returns the fraction of examples whose
// highest-scored class matches the one-hot label. It works for both
// probabilities and logits. ArgMax picks the lowest index on ties.
func CategoricalAccuracyGraph(_ *context.Context, labels, logits []*Node) *Node {
	labels0, logits0 := labels[0], logits[0]
	trueClass := ArgMax(labels0, -1, dtypes.Int32)
	predictedClass := ArgMax(logits0, -1, dtypes.Int32)
	matches := ConvertDType(Equal(trueClass, predictedClass), logits0.DType())
	return ReduceAllMean(matches)
}

// NewCategoricalAccuracy returns a mean accuracy metric over one-hot labels,
// used for evaluation.
func NewCategoricalAccuracy(name, shortName string) metrics.Interface {
	return metrics.NewMeanMetric(name, shortName, metrics.AccuracyMetricType,
		CategoricalAccuracyGraph, nil)
}

// NewBatchCategoricalAccuracy returns a per-batch accuracy metric over
// one-hot labels, used during training.
func NewBatchCategoricalAccuracy(name, shortName string) metrics.Interface {
	return metrics.NewBaseMetric(name, shortName, metrics.AccuracyMetricType,
		CategoricalAccuracyGraph, nil)
}
