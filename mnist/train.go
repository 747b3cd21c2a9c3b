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

import (
	"math"
	"math/rand"
	"os"
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// prefetchBuffer is the number of augmented batches prepared ahead of the
// consuming train step.
const prefetchBuffer = 32

// CreateDatasets builds the two dataset splits: the infinite shuffled and
// augmented training stream, and the finite validation split.
func CreateDatasets(ctx *context.Context, dataDir string, rng *rand.Rand) (trainDS, validationDS *Dataset, err error) {
	batchSize := context.GetParamOr(ctx, "batch_size", 128)
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 1000)
	trainDS, err = NewDataset("train", dataDir, "train", batchSize)
	if err != nil {
		return nil, nil, err
	}
	trainDS.WithShuffle(rng).
		WithAugmentation(AugmenterFromContext(ctx, rng)).
		Infinite(true)
	validationDS, err = NewDataset("validation", dataDir, "test", evalBatchSize)
	if err != nil {
		return nil, nil, err
	}
	return trainDS, validationDS, nil
}

// NewTrainer builds a train.Trainer for the CNN model with the loss and
// metrics of the digits task: categorical cross-entropy over one-hot labels,
// plus train/eval accuracy.
func NewTrainer(backend backends.Backend, ctx *context.Context) *train.Trainer {
	return train.NewTrainer(backend, ctx,
		CnnModelGraph,
		losses.CategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{NewBatchCategoricalAccuracy("Batch Accuracy", "#acc")}, // trainMetrics
		[]metrics.Interface{NewCategoricalAccuracy("Mean Accuracy", "#acc")})      // evalMetrics
}

// TrainModel runs the whole training: datasets, trainer, controller with
// checkpointing and early stopping, and the final evaluation of the best
// (not last) parameter snapshot. The run's history is left in the
// checkpoint directory as plot points.
func TrainModel(ctx *context.Context, dataDir, checkpointDir string, seed int64) error {
	dataDir = data.ReplaceTildeInDir(dataDir)
	if !data.FileExists(dataDir) {
		if err := os.MkdirAll(dataDir, 0777); err != nil {
			return errors.Wrapf(err, "creating data dir %q", dataDir)
		}
	}
	if err := Download(dataDir); err != nil {
		return err
	}

	// All randomness derives from the given seed: the rng handle feeds the
	// shuffling and augmentation, the context seed feeds initialization and
	// dropout masks.
	rng := rand.New(rand.NewSource(seed))
	ctx.RngStateFromSeed(seed)

	trainDS, validationDS, err := CreateDatasets(ctx, dataDir, rng)
	if err != nil {
		return err
	}
	// Augmented batches may be prepared ahead of the consuming epoch; the
	// parameter updates themselves stay strictly sequential in the controller.
	trainStream := data.CustomParallel(trainDS).Buffer(prefetchBuffer).Start()

	backend := backends.New()
	trainer := NewTrainer(backend, ctx)

	checkpoint, err := checkpoints.Build(ctx).
		Dir(checkpointDir).
		Keep(1). // Only the single best snapshot is retained.
		Done()
	if err != nil {
		return errors.WithMessagef(err, "setting up checkpoints in %q", checkpointDir)
	}
	klog.Infof("checkpointing best model to %q", checkpoint.Dir())

	pointsWriter, pointsErr := plots.CreatePointsWriter(
		path.Join(checkpoint.Dir(), plots.TrainingPlotFileName))

	stepsPerEpoch := (trainDS.NumExamples() + trainDS.BatchSize() - 1) / trainDS.BatchSize()
	controller := NewController(ctx, trainer, trainStream, validationDS, checkpoint, stepsPerEpoch).
		WithProgressBar(true).
		WithPlotWriter(pointsWriter)
	runErr := controller.Run()
	close(pointsWriter)
	if err := <-pointsErr; err != nil {
		klog.Warningf("failed to write training history points: %v", err)
	}
	if runErr != nil {
		return runErr
	}
	bestLoss, bestEpoch := controller.Best()
	klog.Infof("training stopped after %d epochs, best validation loss %.5f at epoch %d",
		len(controller.History()), bestLoss, bestEpoch)

	// The live parameters are the ones of the last epoch, possibly overfit
	// past the patience window. Reload the best snapshot for the final word.
	evalCtx := context.New()
	if _, err := checkpoints.Load(evalCtx).Dir(checkpoint.Dir()).Done(); err != nil {
		return errors.WithMessagef(err, "reloading best checkpoint from %q", checkpoint.Dir())
	}
	evalTrainer := NewTrainer(backend, evalCtx.Reuse())
	if err := commandline.ReportEval(evalTrainer, validationDS); err != nil {
		return errors.WithMessage(err, "final evaluation of the best checkpoint")
	}

	// The reloaded snapshot should score what the history recorded for the
	// best epoch -- a mismatch means the checkpoint and the history diverged.
	metricValues, err := evalTrainer.Eval(validationDS)
	if err != nil {
		return errors.WithMessage(err, "re-scoring the best checkpoint")
	}
	validationDS.Reset()
	lossIdx, _, err := metricIndices(evalTrainer.EvalMetrics())
	if err != nil {
		return err
	}
	if reloadedLoss := scalarValue(metricValues[lossIdx]); math.Abs(reloadedLoss-bestLoss) > 1e-3 {
		klog.Warningf("reloaded best checkpoint scores validation loss %.5f, "+
			"but the history recorded %.5f at epoch %d", reloadedLoss, bestLoss, bestEpoch)
	}
	return nil
}
