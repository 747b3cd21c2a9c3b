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

// This file implements the random geometric augmentation applied to the
// training stream: a bounded affine perturbation (rotation, shift, zoom and
// shear) plus a random horizontal mirror. Labels are untouched, every
// transform is class-identity preserving.

import (
	"image"
	"image/color"
	"math"
	"math/rand"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/ml/context"
)

// Hyperparameters configuring the augmentation bounds.
const (
	// ParamAugmentationAngle is the maximum rotation, in degrees, drawn
	// uniformly from [-max, +max].
	ParamAugmentationAngle = "augmentation_max_angle"

	// ParamAugmentationShift is the maximum horizontal/vertical translation,
	// as a fraction of the image extent.
	ParamAugmentationShift = "augmentation_max_shift"

	// ParamAugmentationZoom is the maximum deviation of the zoom factor from 1.
	ParamAugmentationZoom = "augmentation_max_zoom"

	// ParamAugmentationShear is the maximum shear angle, in degrees.
	ParamAugmentationShear = "augmentation_max_shear"

	// ParamAugmentationFlips enables the 50% random horizontal mirror.
	ParamAugmentationFlips = "augmentation_random_flips"
)

// affine is a 2D affine map: x' = a*x + b*y + c, y' = d*x + e*y + f.
type affine struct {
	a, b, c float64
	d, e, f float64
}

func identityAffine() affine { return affine{a: 1, e: 1} }

// compose returns the map equivalent to applying o first, then m.
func (m affine) compose(o affine) affine {
	return affine{
		a: m.a*o.a + m.b*o.d,
		b: m.a*o.b + m.b*o.e,
		c: m.a*o.c + m.b*o.f + m.c,
		d: m.d*o.a + m.e*o.d,
		e: m.d*o.b + m.e*o.e,
		f: m.d*o.c + m.e*o.f + m.f,
	}
}

// invert returns the inverse map. The transforms composed here (rotations,
// shears within ±90°, non-zero zooms, translations) are always invertible.
func (m affine) invert() affine {
	det := m.a*m.e - m.b*m.d
	inv := affine{
		a: m.e / det, b: -m.b / det,
		d: -m.d / det, e: m.a / det,
	}
	inv.c = -(inv.a*m.c + inv.b*m.f)
	inv.f = -(inv.d*m.c + inv.e*m.f)
	return inv
}

func (m affine) apply(x, y float64) (float64, float64) {
	return m.a*x + m.b*y + m.c, m.d*x + m.e*y + m.f
}

// Augmenter produces randomly perturbed copies of training images. It is
// stateless across draws except for its rng, which is passed in explicitly
// at construction.
//
// Apply is safe for concurrent callers, so the augmented dataset can be
// wrapped with data.CustomParallel for producer/consumer overlap.
type Augmenter struct {
	maxAngle float64 // degrees
	maxShift float64 // fraction of extent
	maxZoom  float64 // deviation from 1
	maxShear float64 // degrees
	flips    bool

	mu  sync.Mutex
	rng *rand.Rand
}

// NewAugmenter creates an Augmenter with the given bounds. Angles are in
// degrees, shift and zoom are fractions.
func NewAugmenter(rng *rand.Rand, maxAngle, maxShift, maxZoom, maxShear float64, flips bool) *Augmenter {
	return &Augmenter{
		maxAngle: maxAngle,
		maxShift: maxShift,
		maxZoom:  maxZoom,
		maxShear: maxShear,
		flips:    flips,
		rng:      rng,
	}
}

// AugmenterFromContext creates an Augmenter configured from the context
// hyperparameters, with the bounds used by the digits model as defaults.
func AugmenterFromContext(ctx *context.Context, rng *rand.Rand) *Augmenter {
	return NewAugmenter(rng,
		context.GetParamOr(ctx, ParamAugmentationAngle, 15.0),
		context.GetParamOr(ctx, ParamAugmentationShift, 0.04),
		context.GetParamOr(ctx, ParamAugmentationZoom, 0.05),
		context.GetParamOr(ctx, ParamAugmentationShear, 0.05),
		context.GetParamOr(ctx, ParamAugmentationFlips, true))
}

// uniform draws from [-bound, +bound].
func uniform(rng *rand.Rand, bound float64) float64 {
	return (2*rng.Float64() - 1) * bound
}

// draw samples one set of transform parameters as an inverse pixel map,
// plus whether to mirror horizontally.
func (a *Augmenter) draw() (inverse affine, flip bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	angle := uniform(a.rng, a.maxAngle) * math.Pi / 180
	shear := uniform(a.rng, a.maxShear) * math.Pi / 180
	zoom := 1 + uniform(a.rng, a.maxZoom)
	shiftX := uniform(a.rng, a.maxShift) * Width
	shiftY := uniform(a.rng, a.maxShift) * Height
	flip = a.flips && a.rng.Intn(2) == 1

	cx, cy := (Width-1)/2.0, (Height-1)/2.0
	sin, cos := math.Sincos(angle)
	// Forward map, applied right to left: center the image, scale, shear,
	// rotate, move back to the (shifted) center.
	forward := affine{a: 1, c: cx + shiftX, e: 1, f: cy + shiftY}.
		compose(affine{a: cos, b: -sin, d: sin, e: cos}).
		compose(affine{a: 1, b: math.Tan(shear), e: 1}).
		compose(affine{a: zoom, e: zoom}).
		compose(affine{a: 1, c: -cx, e: 1, f: -cy})
	return forward.invert(), flip
}

// Apply returns a randomly perturbed copy of img as normalized pixels in
// [0, 1], row-major, with a fresh random draw of the transform parameters.
//
// Sampling is done by inverse mapping with nearest-neighbor lookup; source
// coordinates are clamped to the image rectangle, so pixels exposed by the
// transform repeat the nearest edge value and every output pixel is defined
// whatever the transform magnitude.
func (a *Augmenter) Apply(img image.Image) []float32 {
	inverse, flip := a.draw()
	if flip {
		img = imaging.FlipH(img)
	}
	bounds := img.Bounds()
	pixels := make([]float32, Width*Height)
	for y := range Height {
		for x := range Width {
			srcX, srcY := inverse.apply(float64(x), float64(y))
			ix := clampInt(int(math.Round(srcX)), bounds.Min.X, bounds.Max.X-1)
			iy := clampInt(int(math.Round(srcY)), bounds.Min.Y, bounds.Max.Y-1)
			gray := color.GrayModel.Convert(img.At(ix, iy)).(color.Gray)
			pixels[y*Width+x] = float32(gray.Y) / 255
		}
	}
	return pixels
}

func clampInt(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
