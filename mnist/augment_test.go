package mnist

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAffineInvert(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for range 100 {
		angle := uniform(rng, math.Pi)
		sin, cos := math.Sincos(angle)
		m := affine{a: 1, c: uniform(rng, 10), e: 1, f: uniform(rng, 10)}.
			compose(affine{a: cos, b: -sin, d: sin, e: cos}).
			compose(affine{a: 1 + uniform(rng, 0.5), e: 1 + uniform(rng, 0.5)})
		inv := m.invert()
		for range 10 {
			x, y := uniform(rng, float64(Width)), uniform(rng, float64(Height))
			fx, fy := m.apply(x, y)
			rx, ry := inv.apply(fx, fy)
			assert.InDelta(t, x, rx, 1e-9)
			assert.InDelta(t, y, ry, 1e-9)
		}
	}
}

func TestAugmenterIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a := NewAugmenter(rng, 0, 0, 0, 0, false)

	var img Image
	for i := range img {
		img[i] = byte(i % 256)
	}
	// Zero bounds and no flips: the perturbation collapses to the identity.
	assert.Equal(t, img.Normalized(), a.Apply(img))
}

func TestAugmenterFlips(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a := NewAugmenter(rng, 0, 0, 0, 0, true)

	var img Image
	img.Set(0, 3, 255) // Asymmetric: one bright pixel on the left edge.
	var flipped, kept int
	for range 100 {
		pixels := a.Apply(img)
		switch {
		case pixels[3*Width] == 1 && pixels[3*Width+Width-1] == 0:
			kept++
		case pixels[3*Width] == 0 && pixels[3*Width+Width-1] == 1:
			flipped++
		default:
			t.Fatal("flip must move the marker pixel between the edges, nothing else")
		}
	}
	// Each orientation is drawn with probability 1/2.
	assert.Greater(t, kept, 20)
	assert.Greater(t, flipped, 20)
}

func TestAugmenterNearestFill(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	// Large bounds so samples routinely fall outside the source rectangle.
	a := NewAugmenter(rng, 45, 0.5, 0.5, 30, true)

	var img Image
	for i := range img {
		img[i] = 200
	}
	// A constant image is invariant: out-of-bounds lookups clamp to an edge
	// pixel carrying the same value, so no fill artifacts appear.
	want := float32(200) / 255
	for range 20 {
		for _, v := range a.Apply(img) {
			require.Equal(t, want, v)
		}
	}
}

func TestAugmenterRange(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a := NewAugmenter(rng, 15, 0.04, 0.05, 0.05, true)

	var img Image
	for i := range img {
		img[i] = byte(rng.Intn(256))
	}
	for range 20 {
		pixels := a.Apply(img)
		require.Len(t, pixels, Width*Height)
		for _, v := range pixels {
			require.GreaterOrEqual(t, v, float32(0))
			require.LessOrEqual(t, v, float32(1))
		}
	}
}

// TestAugmentationPreservesLabels checks the wiring of the Augmenter into the
// training stream: pixels change, labels don't.
func TestAugmentationPreservesLabels(t *testing.T) {
	images, labels := syntheticSplit(16)
	// A recognizable digit-like blob, so the perturbation has something to move.
	for i := range images {
		for y := 8; y < 20; y++ {
			images[i].Set(10+i%8, y, 255)
		}
	}
	ds, err := NewDatasetFromSamples("augmented", images, labels, 16)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(42))
	ds.WithAugmentation(NewAugmenter(rng, 15, 0.04, 0.05, 0.05, true)).Infinite(true)

	_, inputs, yieldedLabels, err := ds.Yield()
	require.NoError(t, err)

	oneHots := tensors.CopyFlatData[float32](yieldedLabels[0])
	for i := range 16 {
		assert.Equalf(t, float32(1), oneHots[i*NumClasses+int(labels[i])],
			"sample %d must keep label %d", i, labels[i])
	}

	var original []float32
	for i := range 16 {
		original = append(original, images[i].Normalized()...)
	}
	assert.NotEqual(t, original, tensors.CopyFlatData[float32](inputs[0]),
		"augmented batch must differ from the raw images")
}
