package classifier_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crdeluna/mnist-cnn/mnist"
	"github.com/crdeluna/mnist-cnn/mnist/classifier"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func randomBatch(rng *rand.Rand, n int) *tensors.Tensor {
	pixels := make([]float32, n*mnist.Width*mnist.Height)
	for i := range pixels {
		pixels[i] = rng.Float32()
	}
	return tensors.FromFlatDataAndDimensions(pixels, n, mnist.Height, mnist.Width, 1)
}

// saveUntrainedCheckpoint materializes the model variables with one forward
// pass and persists them, giving the Classifier a (random) model to load.
func saveUntrainedCheckpoint(t *testing.T, dir string, rng *rand.Rand) {
	ctx := mnist.CreateDefaultContext()
	handler := must.M1(checkpoints.Build(ctx).Dir(dir).Keep(1).Done())
	backend := backends.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
		ctx.SetTraining(images.Graph(), false)
		return mnist.CnnModelGraph(ctx, nil, []*graph.Node{images})[0]
	})
	exec.Call(randomBatch(rng, 1))
	require.NoError(t, handler.Save())
}

func TestClassifier(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping classifier test in short mode")
	}
	rng := rand.New(rand.NewSource(42))
	dir := t.TempDir()
	saveUntrainedCheckpoint(t, dir, rng)

	c, err := classifier.New(dir)
	require.NoError(t, err)

	const batchSize = 5
	images := randomBatch(rng, batchSize)

	classes, err := c.Predict(images)
	require.NoError(t, err)
	require.Len(t, classes, batchSize)
	for _, class := range classes {
		assert.GreaterOrEqual(t, class, int32(0))
		assert.Less(t, class, int32(mnist.NumClasses))
	}

	// Inference is deterministic for fixed parameters.
	again, err := c.Predict(images)
	require.NoError(t, err)
	assert.Equal(t, classes, again)

	// Probabilities are a distribution per image, consistent with Predict.
	probabilities, err := c.Probabilities(images)
	require.NoError(t, err)
	probabilities.Shape().AssertDims(batchSize, mnist.NumClasses)
	flat := tensors.CopyFlatData[float32](probabilities)
	for example := range batchSize {
		var sum float32
		best, bestProb := int32(0), float32(-1)
		for class := range mnist.NumClasses {
			p := flat[example*mnist.NumClasses+class]
			assert.GreaterOrEqual(t, p, float32(0))
			sum += p
			if p > bestProb {
				best, bestProb = int32(class), p
			}
		}
		assert.InDeltaf(t, 1.0, sum, 1e-5, "example %d", example)
		assert.Equalf(t, classes[example], best, "example %d", example)
	}

	// Labels matching the predictions score perfect accuracy, and the loss
	// is a finite mean over the batch.
	oneHots := make([]float32, batchSize*mnist.NumClasses)
	for example, class := range classes {
		oneHots[example*mnist.NumClasses+int(class)] = 1
	}
	labels := tensors.FromFlatDataAndDimensions(oneHots, batchSize, mnist.NumClasses)
	loss, accuracy, err := c.Evaluate(images, labels)
	require.NoError(t, err)
	assert.Equal(t, 1.0, accuracy)
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
	assert.GreaterOrEqual(t, loss, 0.0)
}

func TestSamplePredictions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping classifier test in short mode")
	}
	rng := rand.New(rand.NewSource(42))
	dir := t.TempDir()
	saveUntrainedCheckpoint(t, dir, rng)
	c := must.M1(classifier.New(dir))

	images := make([]mnist.Image, 50)
	labels := make([]mnist.Label, 50)
	for i := range images {
		images[i][i] = 255
		labels[i] = mnist.Label(i % mnist.NumClasses)
	}
	ds := must.M1(mnist.NewDatasetFromSamples("samples", images, labels, 50))

	predictions, err := c.SamplePredictions(ds, 10, rng)
	require.NoError(t, err)
	require.Len(t, predictions, 10)
	for _, p := range predictions {
		assert.GreaterOrEqual(t, p.Index, 0)
		assert.Less(t, p.Index, 50)
		assert.Equal(t, labels[p.Index], p.True)
		assert.GreaterOrEqual(t, p.Predicted, int32(0))
		assert.Less(t, p.Predicted, int32(mnist.NumClasses))
	}
}

// TestCheckpointRoundTrip checks that persisting and reloading a model
// reproduces its scores: the loss/accuracy of the live parameters and of a
// Classifier built from their checkpoint must agree.
func TestCheckpointRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping classifier test in short mode")
	}
	rng := rand.New(rand.NewSource(42))
	dir := t.TempDir()

	const batchSize = 8
	images := randomBatch(rng, batchSize)
	oneHots := make([]float32, batchSize*mnist.NumClasses)
	for example := range batchSize {
		oneHots[example*mnist.NumClasses+example%mnist.NumClasses] = 1
	}
	labels := tensors.FromFlatDataAndDimensions(oneHots, batchSize, mnist.NumClasses)

	// Score the live parameters, then persist them.
	ctx := mnist.CreateDefaultContext()
	handler := must.M1(checkpoints.Build(ctx).Dir(dir).Keep(1).Done())
	backend := backends.New()
	evalExec := context.NewExec(backend, ctx,
		func(ctx *context.Context, images, labels *graph.Node) []*graph.Node {
			ctx.SetTraining(images.Graph(), false)
			logits := mnist.CnnModelGraph(ctx, nil, []*graph.Node{images})[0]
			loss := graph.ReduceAllMean(losses.CategoricalCrossEntropyLogits(
				[]*graph.Node{labels}, []*graph.Node{logits}))
			accuracy := mnist.CategoricalAccuracyGraph(ctx,
				[]*graph.Node{labels}, []*graph.Node{logits})
			return []*graph.Node{loss, accuracy}
		})
	outputs := evalExec.Call(images, labels)
	recordedLoss := float64(tensors.ToScalar[float32](outputs[0]))
	recordedAccuracy := float64(tensors.ToScalar[float32](outputs[1]))
	require.NoError(t, handler.Save())

	c := must.M1(classifier.New(dir))
	loss, accuracy, err := c.Evaluate(images, labels)
	require.NoError(t, err)
	assert.InDelta(t, recordedLoss, loss, 1e-5)
	assert.InDelta(t, recordedAccuracy, accuracy, 1e-6)
}

func TestNewWithoutCheckpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping classifier test in short mode")
	}
	_, err := classifier.New(t.TempDir())
	require.Error(t, err)
}
