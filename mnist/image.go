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
	"image"
	"image/color"
)

// Image is one MNIST image, a grayscale grid of bytes: 0 is black (the
// background), 255 is white (the digit stroke). It implements image.Image.
type Image [Width * Height]byte

var _ image.Image = Image{}

// ColorModel implements the image.Image interface.
func (img Image) ColorModel() color.Model { return color.GrayModel }

// Bounds implements the image.Image interface.
func (img Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, Width, Height)
}

// At implements the image.Image interface.
func (img Image) At(x, y int) color.Color {
	return color.Gray{Y: img[y*Width+x]}
}

// Set modifies the pixel at (x, y).
func (img *Image) Set(x, y int, v byte) { img[y*Width+x] = v }

// Normalized returns the pixels as float32 values in [0, 1], row-major.
func (img Image) Normalized() []float32 {
	pixels := make([]float32, len(img))
	for i, v := range img {
		pixels[i] = float32(v) / 255
	}
	return pixels
}
