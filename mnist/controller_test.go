package mnist

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSaver counts Save calls and optionally fails some of them.
type fakeSaver struct {
	calls    int
	failNext int // number of upcoming Save calls to fail
}

func (s *fakeSaver) Save() error {
	s.calls++
	if s.failNext > 0 {
		s.failNext--
		return errors.New("disk full")
	}
	return nil
}

func newTestController(saver CheckpointSaver) *Controller {
	return &Controller{
		saver:         saver,
		stepsPerEpoch: 1,
		maxEpochs:     200,
		patience:      10,
	}
}

func TestControllerCheckpointsOnImprovement(t *testing.T) {
	saver := &fakeSaver{}
	c := newTestController(saver)

	// The first epoch always checkpoints.
	c.observe(1, 0.5)
	assert.Equal(t, Checkpointed, c.State())
	assert.Equal(t, 1, saver.calls)

	// Strict improvement checkpoints again.
	c.observe(2, 0.4)
	assert.Equal(t, Checkpointed, c.State())
	assert.Equal(t, 2, saver.calls)

	// Equal loss is not an improvement.
	c.observe(3, 0.4)
	assert.Equal(t, Running, c.State())
	assert.Equal(t, 2, saver.calls)

	// Neither is a worse loss.
	c.observe(4, 0.45)
	assert.Equal(t, Running, c.State())
	assert.Equal(t, 2, saver.calls)

	loss, epoch := c.Best()
	assert.Equal(t, 0.4, loss)
	assert.Equal(t, 2, epoch)
}

func TestControllerEarlyStop(t *testing.T) {
	saver := &fakeSaver{}
	c := newTestController(saver)

	c.observe(1, 0.5)
	// 10 consecutive non-improving epochs exhaust the patience.
	for epoch := 2; epoch <= 10; epoch++ {
		c.observe(epoch, 0.6)
		assert.Equalf(t, Running, c.State(), "epoch %d", epoch)
	}
	c.observe(11, 0.6)
	assert.Equal(t, Stopped, c.State())
	assert.Equal(t, 1, saver.calls)

	loss, epoch := c.Best()
	assert.Equal(t, 0.5, loss)
	assert.Equal(t, 1, epoch)
}

func TestControllerPatienceResetsOnImprovement(t *testing.T) {
	c := newTestController(nil)

	c.observe(1, 0.5)
	for epoch := 2; epoch <= 10; epoch++ {
		c.observe(epoch, 0.6)
	}
	// An improvement on the brink of stopping resets the countdown.
	c.observe(11, 0.4)
	assert.Equal(t, Checkpointed, c.State())
	for epoch := 12; epoch <= 20; epoch++ {
		c.observe(epoch, 0.6)
		assert.Equalf(t, Running, c.State(), "epoch %d", epoch)
	}
	c.observe(21, 0.6)
	assert.Equal(t, Stopped, c.State())
}

func TestControllerEpochCap(t *testing.T) {
	c := newTestController(nil)
	c.maxEpochs = 5

	// Monotonically improving losses never trigger the patience, the cap
	// stops the run. The final improving epoch still checkpoints first.
	for epoch := 1; epoch < 5; epoch++ {
		c.observe(epoch, 1/float64(epoch))
		assert.Equalf(t, Checkpointed, c.State(), "epoch %d", epoch)
	}
	c.observe(5, 0.1)
	assert.Equal(t, Stopped, c.State())

	loss, epoch := c.Best()
	assert.Equal(t, 0.1, loss)
	assert.Equal(t, 5, epoch)
}

func TestControllerSaveFailureIsRecoverable(t *testing.T) {
	saver := &fakeSaver{}
	c := newTestController(saver)

	c.observe(1, 0.5)
	require.Equal(t, 1, c.persistedEpoch)
	require.Equal(t, Checkpointed, c.State())

	// A failed save does not abort the run, but the state stays Running:
	// no snapshot of the improved epoch was taken.
	saver.failNext = 1
	c.observe(2, 0.4)
	assert.Equal(t, Running, c.State())
	assert.Equal(t, 1, c.persistedEpoch)
	assert.Equal(t, 2, c.bestEpoch)

	// The next improvement persists and is Checkpointed again.
	c.observe(3, 0.3)
	assert.Equal(t, Checkpointed, c.State())
	assert.Equal(t, 3, c.persistedEpoch)
	assert.Equal(t, 3, c.bestEpoch)
}

func TestMeanAccumulator(t *testing.T) {
	// One full pass over 10 samples in batches of 4: the final partial batch
	// must contribute by its size, not as a full step.
	var m meanAccumulator
	m.add(0.5, 4)
	m.add(0.7, 4)
	m.add(1.0, 2)
	assert.InDelta(t, (0.5*4+0.7*4+1.0*2)/10, m.mean(), 1e-12)

	var empty meanAccumulator
	assert.True(t, math.IsNaN(empty.mean()))
}

func TestControllerRunRejectsReuse(t *testing.T) {
	c := newTestController(nil)
	c.state = Stopped
	require.ErrorContains(t, c.Run(), "already stopped")

	c = newTestController(nil)
	c.stepsPerEpoch = 0
	require.ErrorContains(t, c.Run(), "steps per epoch must be positive")
}

func TestControllerEmit(t *testing.T) {
	points := make(chan plots.Point, 8)
	c := newTestController(nil).WithPlotWriter(points)

	c.emit(EpochMetrics{
		Epoch: 3, TrainLoss: 0.2, TrainAccuracy: 0.9,
		ValidationLoss: 0.25, ValidationAccuracy: 0.88})
	close(points)

	byName := make(map[string]plots.Point)
	for p := range points {
		assert.Equal(t, float64(3), p.Step)
		byName[p.MetricName] = p
	}
	require.Len(t, byName, 4)
	assert.Equal(t, 0.2, byName["Train: loss"].Value)
	assert.Equal(t, 0.25, byName["Validation: loss"].Value)
	assert.Equal(t, 0.9, byName["Train: accuracy"].Value)
	assert.Equal(t, 0.88, byName["Validation: accuracy"].Value)
	assert.Equal(t, metrics.LossMetricType, byName["Train: loss"].MetricType)
	assert.Equal(t, metrics.AccuracyMetricType, byName["Validation: accuracy"].MetricType)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "checkpointed", Checkpointed.String())
	assert.Equal(t, "stopped", Stopped.String())
}
