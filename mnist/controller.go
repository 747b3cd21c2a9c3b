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

// This file implements the training controller: the epoch loop with the
// checkpoint-on-improvement and early-stopping decisions, written as an
// explicit state machine rather than callbacks hooked into a generic loop.

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Controller hyperparameters.
const (
	// ParamMaxEpochs is the hard cap on the number of epochs.
	ParamMaxEpochs = "max_epochs"

	// ParamPatience is the number of consecutive non-improving epochs
	// tolerated before stopping early.
	ParamPatience = "patience"
)

// State of the Controller after the latest epoch.
type State int

const (
	// Running: the latest epoch did not end with a persisted snapshot --
	// either the best validation loss did not improve, or it did but the
	// save failed -- and neither the patience threshold nor the epoch cap
	// was reached.
	Running State = iota

	// Checkpointed: the latest epoch strictly improved the best validation
	// loss and its parameter snapshot was persisted.
	Checkpointed

	// Stopped: the run is over, either early (patience exhausted) or at the
	// epoch cap. Terminal.
	Stopped
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Checkpointed:
		return "checkpointed"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// EpochMetrics is one record of the training history, appended once per
// completed epoch. Epoch numbers start at 1.
type EpochMetrics struct {
	Epoch              int
	TrainLoss          float64
	TrainAccuracy      float64
	ValidationLoss     float64
	ValidationAccuracy float64
}

// CheckpointSaver persists the current model parameters as the new best
// snapshot, replacing the previous one. *checkpoints.Handler implements it.
type CheckpointSaver interface {
	Save() error
}

// Controller drives the training run: for each epoch it trains over one
// pass worth of augmented batches, scores the validation split, appends to
// the history and decides whether to checkpoint and whether to halt.
//
// Epochs execute strictly sequentially; within an epoch, batches are
// processed strictly sequentially relative to the optimizer state.
type Controller struct {
	trainer       *train.Trainer
	trainDS       train.Dataset // infinite augmented stream
	validationDS  train.Dataset // finite, un-augmented
	saver         CheckpointSaver
	stepsPerEpoch int
	maxEpochs     int
	patience      int
	showProgress  bool
	plotWriter    chan<- plots.Point

	state            State
	history          []EpochMetrics
	bestLoss         float64
	bestEpoch        int // 0 means no epoch observed yet
	persistedEpoch   int // 0 means nothing persisted yet
	sinceImprovement int
}

// NewController creates a Controller; maxEpochs and patience are read from
// the context hyperparameters.
//
// stepsPerEpoch should cover approximately one pass over the training split:
// ceil(numTrainExamples / batchSize).
func NewController(ctx *context.Context, trainer *train.Trainer,
	trainDS, validationDS train.Dataset, saver CheckpointSaver, stepsPerEpoch int) *Controller {
	return &Controller{
		trainer:       trainer,
		trainDS:       trainDS,
		validationDS:  validationDS,
		saver:         saver,
		stepsPerEpoch: stepsPerEpoch,
		maxEpochs:     context.GetParamOr(ctx, ParamMaxEpochs, 200),
		patience:      context.GetParamOr(ctx, ParamPatience, 10),
	}
}

// WithProgressBar enables a per-epoch progress bar on stdout.
// Returns itself, to allow chaining of method calls.
func (c *Controller) WithProgressBar(show bool) *Controller {
	c.showProgress = show
	return c
}

// WithPlotWriter streams one plot point per history metric per epoch to the
// given writer (see plots.CreatePointsWriter). The channel is not closed by
// the Controller.
// Returns itself, to allow chaining of method calls.
func (c *Controller) WithPlotWriter(writer chan<- plots.Point) *Controller {
	c.plotWriter = writer
	return c
}

// State after the latest completed epoch.
func (c *Controller) State() State { return c.state }

// History returns the per-epoch records accumulated so far. The returned
// slice is owned by the Controller, callers must not mutate it.
func (c *Controller) History() []EpochMetrics { return c.history }

// Best returns the best validation loss observed and the epoch (1-based) it
// occurred. Epoch 0 means no epoch completed yet.
func (c *Controller) Best() (loss float64, epoch int) { return c.bestLoss, c.bestEpoch }

// Run executes epochs until early stop or the epoch cap, and returns only
// then -- or on the first fatal error. After a successful Run, the persisted
// checkpoint is the snapshot of the best epoch, not of the last one.
func (c *Controller) Run() error {
	if c.state == Stopped {
		return errors.New("controller has already stopped, create a new one to train again")
	}
	if c.stepsPerEpoch <= 0 {
		return errors.Errorf("steps per epoch must be positive, got %d", c.stepsPerEpoch)
	}
	for epoch := 1; c.state != Stopped; epoch++ {
		trainLoss, trainAcc, err := c.trainEpoch(epoch)
		if err != nil {
			return err
		}
		valLoss, valAcc, err := c.validate()
		if err != nil {
			return errors.WithMessagef(err, "validation pass of epoch %d", epoch)
		}
		if !isFinite(trainLoss) || !isFinite(valLoss) {
			// No checkpoint is worth persisting after this, abort the run.
			return errors.Errorf(
				"loss is no longer finite at epoch %d (train=%g, validation=%g)",
				epoch, trainLoss, valLoss)
		}
		record := EpochMetrics{
			Epoch:              epoch,
			TrainLoss:          trainLoss,
			TrainAccuracy:      trainAcc,
			ValidationLoss:     valLoss,
			ValidationAccuracy: valAcc,
		}
		c.history = append(c.history, record)
		c.emit(record)
		c.observe(epoch, valLoss)
		klog.Infof("epoch %d: loss=%.4f acc=%.4f val_loss=%.4f val_acc=%.4f [%s]",
			epoch, trainLoss, trainAcc, valLoss, valAcc, c.state)
	}
	if c.saver != nil && c.persistedEpoch != c.bestEpoch {
		return errors.Errorf(
			"run finished but the persisted checkpoint (epoch %d) does not hold the best "+
				"parameters (epoch %d, validation loss %.5f): persistence failed earlier",
			c.persistedEpoch, c.bestEpoch, c.bestLoss)
	}
	return nil
}

// trainEpoch draws stepsPerEpoch batches from the augmented stream and runs
// one optimizer step per batch, returning the mean train loss and accuracy.
func (c *Controller) trainEpoch(epoch int) (meanLoss, meanAccuracy float64, err error) {
	if err = c.trainer.ResetTrainMetrics(); err != nil {
		return 0, 0, err
	}
	lossIdx, accIdx, err := metricIndices(c.trainer.TrainMetrics())
	if err != nil {
		return 0, 0, err
	}
	var bar *progressbar.ProgressBar
	if c.showProgress {
		bar = newEpochBar(epoch, c.stepsPerEpoch)
	}
	var loss, accuracy meanAccumulator
	for step := range c.stepsPerEpoch {
		spec, inputs, labels, err := c.trainDS.Yield()
		if err != nil {
			return 0, 0, errors.WithMessagef(err,
				"training stream failed at epoch %d, step %d", epoch, step)
		}
		// Read before TrainStep: yielded tensors may be finalized after use.
		batchSize := inputs[0].Shape().Dimensions[0]
		metricValues, err := c.trainer.TrainStep(spec, inputs, labels)
		if err != nil {
			return 0, 0, errors.WithMessagef(err,
				"train step failed at epoch %d, step %d", epoch, step)
		}
		loss.add(scalarValue(metricValues[lossIdx]), batchSize)
		accuracy.add(scalarValue(metricValues[accIdx]), batchSize)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Close()
		fmt.Println()
	}
	return loss.mean(), accuracy.mean(), nil
}

// meanAccumulator combines per-batch mean metric values into one epoch mean,
// weighted by batch size: the last batch of a pass may be smaller than the
// rest, an unweighted average would overweight it.
type meanAccumulator struct {
	sum, weight float64
}

func (m *meanAccumulator) add(batchMean float64, batchSize int) {
	m.sum += batchMean * float64(batchSize)
	m.weight += float64(batchSize)
}

func (m *meanAccumulator) mean() float64 {
	if m.weight == 0 {
		return math.NaN()
	}
	return m.sum / m.weight
}

// validate runs a full inference pass (no augmentation, dropout disabled)
// over the validation split.
func (c *Controller) validate() (loss, accuracy float64, err error) {
	metricValues, err := c.trainer.Eval(c.validationDS)
	if err != nil {
		return 0, 0, err
	}
	c.validationDS.Reset()
	lossIdx, accIdx, err := metricIndices(c.trainer.EvalMetrics())
	if err != nil {
		return 0, 0, err
	}
	return scalarValue(metricValues[lossIdx]), scalarValue(metricValues[accIdx]), nil
}

// observe applies the checkpoint and stop decisions for the epoch that just
// finished with the given validation loss. Improvement is strict: an equal
// loss does not re-checkpoint, the first epoch reaching a minimum wins.
func (c *Controller) observe(epoch int, validationLoss float64) {
	improved := c.bestEpoch == 0 || validationLoss < c.bestLoss
	if improved {
		c.bestLoss = validationLoss
		c.bestEpoch = epoch
		c.sinceImprovement = 0
		if c.saver == nil {
			c.persistedEpoch = epoch
			c.state = Checkpointed
		} else if err := c.saver.Save(); err != nil {
			// Recoverable: training continues, the in-memory best is still
			// valid, and Run reports at the end if the best was never persisted.
			// No snapshot was taken, so the state stays Running.
			klog.Warningf("failed to persist checkpoint at epoch %d: %v", epoch, err)
			c.state = Running
		} else {
			c.persistedEpoch = epoch
			c.state = Checkpointed
		}
	} else {
		c.sinceImprovement++
		c.state = Running
	}
	if c.sinceImprovement >= c.patience || epoch >= c.maxEpochs {
		c.state = Stopped
	}
}

// emit streams the epoch record as plot points, keyed by epoch number.
func (c *Controller) emit(record EpochMetrics) {
	if c.plotWriter == nil {
		return
	}
	step := float64(record.Epoch)
	for _, point := range []plots.Point{
		{MetricName: "Train: loss", Short: "T/#loss", MetricType: metrics.LossMetricType, Step: step, Value: record.TrainLoss},
		{MetricName: "Validation: loss", Short: "V/#loss", MetricType: metrics.LossMetricType, Step: step, Value: record.ValidationLoss},
		{MetricName: "Train: accuracy", Short: "T/#acc", MetricType: metrics.AccuracyMetricType, Step: step, Value: record.TrainAccuracy},
		{MetricName: "Validation: accuracy", Short: "V/#acc", MetricType: metrics.AccuracyMetricType, Step: step, Value: record.ValidationAccuracy},
	} {
		c.plotWriter <- point
	}
}

// metricIndices finds the loss and accuracy metrics in a trainer metrics
// list. For training metrics, the per-batch loss ("Batch Loss") is preferred
// over the moving average.
func metricIndices(list []metrics.Interface) (lossIdx, accIdx int, err error) {
	lossIdx, accIdx = -1, -1
	for i, metric := range list {
		switch metric.MetricType() {
		case metrics.LossMetricType:
			if lossIdx < 0 || metric.Name() == "Batch Loss" {
				lossIdx = i
			}
		case metrics.AccuracyMetricType:
			if accIdx < 0 {
				accIdx = i
			}
		}
	}
	if lossIdx < 0 || accIdx < 0 {
		return 0, 0, errors.Errorf(
			"trainer metrics must include a loss and an accuracy metric, got %d metrics", len(list))
	}
	return lossIdx, accIdx, nil
}

func scalarValue(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return math.NaN()
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func newEpochBar(epoch, steps int) *progressbar.ProgressBar {
	return progressbar.NewOptions(steps,
		progressbar.OptionSetDescription(fmt.Sprintf("epoch %3d ", epoch)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: ".",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
