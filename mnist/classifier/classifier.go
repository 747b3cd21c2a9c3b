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

// Package classifier applies a frozen digits checkpoint to new images: class
// predictions, class probabilities and loss/accuracy scoring of labeled
// batches.
//
// It never falls back to live training parameters: a Classifier can only be
// built from a successfully persisted checkpoint.
package classifier

import (
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/crdeluna/mnist-cnn/mnist"
)

// Classifier holds the digits model compiled for inference, with the
// parameters of one frozen checkpoint. It is safe to use concurrently with
// further training: it owns an independent copy of the parameters.
type Classifier struct {
	// backend is created with defaults; it can be configured with GOMLX_BACKEND.
	backend backends.Backend

	// ctx with the checkpoint's weights, marked for reuse.
	ctx *context.Context

	predictExec *context.Exec
	probsExec   *context.Exec
	evalExec    *context.Exec
}

// New creates a Classifier from the checkpoint saved in checkpointDir.
//
// If no checkpoint was ever successfully persisted there, it returns an
// error -- there are no parameters worth running inference with.
func New(checkpointDir string) (*Classifier, error) {
	c := &Classifier{
		backend: backends.New(),
		ctx:     context.New(),
	}
	// The hyperparameters are restored together with the weights, so the
	// graph below is built with the architecture that was trained.
	handler, err := checkpoints.Load(c.ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading digits model from %q", checkpointDir)
	}
	if has, err := handler.HasCheckpoints(); err != nil {
		return nil, err
	} else if !has {
		return nil, errors.Errorf("no checkpoint available in %q", checkpointDir)
	}
	c.ctx = c.ctx.Reuse() // It is an error to create a new variable from here on.

	c.predictExec = context.NewExec(c.backend, c.ctx,
		func(ctx *context.Context, images *graph.Node) *graph.Node {
			return graph.ArgMax(c.logits(ctx, images), -1, dtypes.Int32)
		})
	c.probsExec = context.NewExec(c.backend, c.ctx,
		func(ctx *context.Context, images *graph.Node) *graph.Node {
			return graph.Softmax(c.logits(ctx, images))
		})
	c.evalExec = context.NewExec(c.backend, c.ctx,
		func(ctx *context.Context, images, labels *graph.Node) []*graph.Node {
			logits := c.logits(ctx, images)
			loss := graph.ReduceAllMean(
				losses.CategoricalCrossEntropyLogits([]*graph.Node{labels}, []*graph.Node{logits}))
			accuracy := mnist.CategoricalAccuracyGraph(ctx,
				[]*graph.Node{labels}, []*graph.Node{logits})
			return []*graph.Node{loss, accuracy}
		})
	return c, nil
}

// logits builds the model graph in inference mode: dropout layers are
// disabled, the output is deterministic for fixed parameters.
func (c *Classifier) logits(ctx *context.Context, images *graph.Node) *graph.Node {
	ctx.SetTraining(images.Graph(), false)
	return mnist.CnnModelGraph(ctx, nil, []*graph.Node{images})[0]
}

// Predict returns one class id in [0, 9] per image of the batch. The images
// tensor must be shaped `[batch_size, 28, 28, 1]`, normalized to [0, 1].
// Ties are broken towards the lowest class index.
func (c *Classifier) Predict(images *tensors.Tensor) (classes []int32, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs := c.predictExec.Call(images)
		classes = tensors.CopyFlatData[int32](outputs[0])
	})
	return
}

// Probabilities returns the softmax distribution over the 10 classes for
// each image of the batch, shaped `[batch_size, 10]`: entries are
// non-negative and each row sums to 1.
func (c *Classifier) Probabilities(images *tensors.Tensor) (probabilities *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		probabilities = c.probsExec.Call(images)[0]
	})
	return
}

// Evaluate scores a labeled batch: the mean per-sample categorical
// cross-entropy and the mean 0/1 accuracy over the full batch. Labels must
// be one-hot, shaped `[batch_size, 10]`.
func (c *Classifier) Evaluate(images, labels *tensors.Tensor) (loss, accuracy float64, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs := c.evalExec.Call(images, labels)
		loss = float64(tensors.ToScalar[float32](outputs[0]))
		accuracy = float64(tensors.ToScalar[float32](outputs[1]))
	})
	return
}

// Prediction pairs a sampled dataset index with its true and predicted
// labels.
type Prediction struct {
	Index     int
	True      mnist.Label
	Predicted int32
}

// SamplePredictions draws count random samples from the dataset and
// classifies them, for spot-checking a trained model.
func (c *Classifier) SamplePredictions(ds *mnist.Dataset, count int, rng *rand.Rand) ([]Prediction, error) {
	indices := make([]int, count)
	for i := range indices {
		indices[i] = rng.Intn(ds.NumExamples())
	}
	pixels := make([]float32, 0, count*mnist.Width*mnist.Height)
	for _, index := range indices {
		pixels = append(pixels, ds.ImageAt(index).Normalized()...)
	}
	images := tensors.FromFlatDataAndDimensions(pixels, count, mnist.Height, mnist.Width, 1)
	classes, err := c.Predict(images)
	if err != nil {
		return nil, err
	}
	predictions := make([]Prediction, count)
	for i, index := range indices {
		predictions[i] = Prediction{
			Index:     index,
			True:      ds.LabelAt(index),
			Predicted: classes[i],
		}
	}
	return predictions, nil
}
