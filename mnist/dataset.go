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

// Package mnist trains a convolutional digit classifier over the MNIST
// dataset of handwritten digits.
//
// It covers the full training pipeline: decoding the dataset, feeding the
// model an infinite stream of randomly perturbed training batches, and a
// checkpoint/early-stopping controller that keeps the parameter snapshot
// with the best validation loss. The numerical heavy lifting (convolutions,
// autodiff, the Adam optimizer) is delegated to GoMLX.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"io"
	"math/rand"
	"net/url"
	"os"
	"path"
	"sync"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

const (
	downloadURL         = "https://storage.googleapis.com/cvdf-datasets/mnist"
	trainImagesFilename = "train-images-idx3-ubyte.gz"
	trainLabelsFilename = "train-labels-idx1-ubyte.gz"
	testImagesFilename  = "t10k-images-idx3-ubyte.gz"
	testLabelsFilename  = "t10k-labels-idx1-ubyte.gz"

	// Width and Height of every MNIST image.
	Width  = 28
	Height = 28

	// NumClasses is the number of digit classes (0 to 9).
	NumClasses = 10

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// Label is the digit label, from 0 to 9.
type Label = int8

var splitFiles = map[string][2]string{
	"train": {trainImagesFilename, trainLabelsFilename},
	"test":  {testImagesFilename, testLabelsFilename},
}

// Download fetches the 4 MNIST files to baseDir, if they are not there yet.
func Download(baseDir string) error {
	baseDir = data.ReplaceTildeInDir(baseDir)
	for _, files := range splitFiles {
		for _, file := range files {
			fileURL, _ := url.JoinPath(downloadURL, file)
			if err := data.DownloadIfMissing(fileURL, path.Join(baseDir, file), ""); err != nil {
				return errors.WithMessagef(err, "downloading %q", file)
			}
		}
	}
	return nil
}

type imagesHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelsHeader struct {
	Magic     int32
	NumLabels int32
}

// loadImagesFile decodes one gzipped IDX images file.
func loadImagesFile(filename string) ([]Image, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening images file %q", filename)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "un-compressing images file %q", filename)
	}
	defer func() { _ = reader.Close() }()

	var header imagesHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "reading header of %q", filename)
	}
	if header.Magic != imageMagic || header.Width != Width || header.Height != Height {
		return nil, errors.Errorf("%q is not a valid MNIST images file (magic=%x, %dx%d)",
			filename, header.Magic, header.Width, header.Height)
	}
	images := make([]Image, header.NumImages)
	for i := range images {
		if err = binary.Read(reader, binary.BigEndian, &images[i]); err != nil {
			return nil, errors.Wrapf(err, "reading image %d of %q", i, filename)
		}
	}
	return images, nil
}

// loadLabelsFile decodes one gzipped IDX labels file.
func loadLabelsFile(filename string) ([]Label, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening labels file %q", filename)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "un-compressing labels file %q", filename)
	}
	defer func() { _ = reader.Close() }()

	var header labelsHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "reading header of %q", filename)
	}
	if header.Magic != labelMagic {
		return nil, errors.Errorf("%q is not a valid MNIST labels file (magic=%x)", filename, header.Magic)
	}
	labels := make([]Label, header.NumLabels)
	for i := range labels {
		if err = binary.Read(reader, binary.BigEndian, &labels[i]); err != nil {
			return nil, errors.Wrapf(err, "reading label %d of %q", i, filename)
		}
	}
	for i, label := range labels {
		if label < 0 || label >= NumClasses {
			return nil, errors.Errorf("label %d of %q is %d, out of range [0, %d)",
				i, filename, label, NumClasses)
		}
	}
	return labels, nil
}

// oneHot encodes a label as a probability vector of width NumClasses,
// summing exactly to 1.
func oneHot(label Label) []float32 {
	vec := make([]float32, NumClasses)
	vec[label] = 1
	return vec
}

// Dataset implements train.Dataset over one MNIST split, so it can be
// fed to a train.Trainer for training or evaluation.
//
// By default it yields the split sequentially, un-augmented, finishing with
// io.EOF after one pass -- the mode used for validation. The WithShuffle,
// WithAugmentation and Infinite options turn it into the randomized,
// never-ending training stream.
type Dataset struct {
	name      string
	images    []Image
	labels    []Label
	batchSize int

	augmenter *Augmenter
	shuffle   *rand.Rand
	infinite  bool

	// mu protects indices and position: Yield may be called from the
	// goroutines of a data.ParallelDataset wrapper.
	mu       sync.Mutex
	indices  []int
	position int
}

var (
	assertDataset *Dataset
	_             train.Dataset = assertDataset
)

// NewDataset loads the given MNIST split ("train" or "test") from baseDir.
// It fails fast on a missing, malformed or empty split.
func NewDataset(name, baseDir, split string, batchSize int) (*Dataset, error) {
	files, ok := splitFiles[split]
	if !ok {
		return nil, errors.Errorf("unknown MNIST split %q, must be \"train\" or \"test\"", split)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size must be positive, got %d", name, batchSize)
	}
	baseDir = data.ReplaceTildeInDir(baseDir)
	images, err := loadImagesFile(path.Join(baseDir, files[0]))
	if err != nil {
		return nil, err
	}
	labels, err := loadLabelsFile(path.Join(baseDir, files[1]))
	if err != nil {
		return nil, err
	}
	return NewDatasetFromSamples(name, images, labels, batchSize)
}

// NewDatasetFromSamples builds a Dataset from already decoded samples, one
// label per image. Useful for feeding the model images from other sources
// than the MNIST files.
func NewDatasetFromSamples(name string, images []Image, labels []Label, batchSize int) (*Dataset, error) {
	if len(images) == 0 {
		return nil, errors.Errorf("dataset %q is empty", name)
	}
	if len(images) != len(labels) {
		return nil, errors.Errorf("dataset %q has %d images but %d labels", name, len(images), len(labels))
	}
	ds := &Dataset{
		name:      name,
		images:    images,
		labels:    labels,
		batchSize: batchSize,
	}
	ds.resetIndices()
	return ds, nil
}

// WithShuffle randomizes the order the samples are yielded. The rng is
// passed in explicitly, the dataset never reaches for a global source.
// Returns itself, to allow chaining of method calls.
func (ds *Dataset) WithShuffle(rng *rand.Rand) *Dataset {
	ds.shuffle = rng
	ds.resetIndices()
	return ds
}

// WithAugmentation applies the given Augmenter to every yielded sample.
// Returns itself, to allow chaining of method calls.
func (ds *Dataset) WithAugmentation(augmenter *Augmenter) *Dataset {
	ds.augmenter = augmenter
	return ds
}

// Infinite makes the dataset loop forever, never returning io.EOF. Used for
// the training stream, where the controller decides how many batches to draw.
// Returns itself, to allow chaining of method calls.
func (ds *Dataset) Infinite(infinite bool) *Dataset {
	ds.infinite = infinite
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumExamples in this split.
func (ds *Dataset) NumExamples() int { return len(ds.images) }

// BatchSize the dataset was built with.
func (ds *Dataset) BatchSize() int { return ds.batchSize }

// ImageAt returns the raw (un-augmented) image of the given sample.
func (ds *Dataset) ImageAt(index int) Image { return ds.images[index] }

// LabelAt returns the label of the given sample.
func (ds *Dataset) LabelAt(index int) Label { return ds.labels[index] }

func (ds *Dataset) resetIndices() {
	ds.position = 0
	if ds.shuffle == nil {
		ds.indices = ds.indices[:0]
		for i := range len(ds.images) {
			ds.indices = append(ds.indices, i)
		}
		return
	}
	ds.indices = ds.shuffle.Perm(len(ds.images))
}

// Reset implements train.Dataset: it restarts the split from the beginning,
// re-shuffling if a shuffle rng was given.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.resetIndices()
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the Dataset itself.
//   - inputs: one tensor with the images batch, shaped
//     `[batch_size, 28, 28, 1]`, values normalized to [0, 1].
//   - labels: one tensor with the one-hot labels, shaped `[batch_size, 10]`.
//
// A finite dataset yields every sample of the pass exactly once, the last
// batch possibly partial, and only then returns a bare io.EOF -- never a
// batch together with io.EOF, as consumers stop on the error without
// looking at the data.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.position >= len(ds.indices) {
		if !ds.infinite {
			return nil, nil, nil, io.EOF
		}
		ds.resetIndices()
	}
	start := ds.position
	end := start + ds.batchSize
	if end > len(ds.indices) {
		end = len(ds.indices)
	}
	ds.position = end
	batch := ds.indices[start:end]

	pixels := make([]float32, 0, len(batch)*Width*Height)
	oneHots := make([]float32, 0, len(batch)*NumClasses)
	for _, sample := range batch {
		if ds.augmenter != nil {
			pixels = append(pixels, ds.augmenter.Apply(ds.images[sample])...)
		} else {
			pixels = append(pixels, ds.images[sample].Normalized()...)
		}
		oneHots = append(oneHots, oneHot(ds.labels[sample])...)
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(pixels, len(batch), Height, Width, 1)}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(oneHots, len(batch), NumClasses)}
	return ds, inputs, labels, nil
}

// IsOwnershipTransferred tells the training loop that it owns the yielded
// tensors and may finalize them after use.
func (ds *Dataset) IsOwnershipTransferred() bool { return true }
