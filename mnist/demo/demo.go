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

// demo trains and evaluates the MNIST digits CNN.
//
//  1. With `demo --download`: only downloads and unpacks the dataset.
//  2. With `demo --train`: trains the CNN, checkpointing the best model and
//     stopping early when the validation loss stops improving.
//  3. With `demo --eval`: reloads the best checkpoint, prints sampled
//     predictions and renders the training curves.
//
// Hyperparameters can be overridden with `--set`, e.g.
// `demo --set="batch_size=256;patience=5"`.
package main

import (
	"flag"
	"fmt"
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/crdeluna/mnist-cnn/mnist"
	"github.com/crdeluna/mnist-cnn/mnist/classifier"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagDownload   = flag.Bool("download", false, "Download the dataset if not cached yet. Implied by --train.")
	flagTrain      = flag.Bool("train", true, "Train the model.")
	flagEval       = flag.Bool("eval", true, "Evaluate the best checkpoint: sampled predictions and training curves.")
	flagDataDir    = flag.String("data", "~/tmp/mnist", "Directory to cache the downloaded dataset.")
	flagCheckpoint = flag.String("checkpoint", "~/tmp/mnist/digits-cnn", "Directory holding the best checkpoint.")
	flagSeed       = flag.Int64("seed", 42, "Seed for shuffling, augmentation and initialization.")
	flagSamples    = flag.Int("samples", 10, "Number of test samples to spot-check with --eval.")
)

func main() {
	ctx := mnist.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	_ = must.M1(commandline.ParseContextSettings(ctx, *settings))

	err := exceptions.TryCatch[error](func() {
		if *flagDownload {
			must.M(mnist.Download(*flagDataDir))
			klog.Infof("dataset available in %s", *flagDataDir)
		}
		if *flagTrain {
			must.M(mnist.TrainModel(ctx, *flagDataDir, *flagCheckpoint, *flagSeed))
		}
		if *flagEval {
			evaluate(ctx)
		}
		if !*flagDownload && !*flagTrain && !*flagEval {
			klog.Info("nothing to do: use --download, --train and/or --eval")
		}
	})
	if err != nil {
		klog.Fatalf("Error:\n%+v", err)
	}
}

// evaluate reloads the best checkpoint and spot-checks it: prints the
// true/predicted labels of randomly sampled test images, and writes the
// training-curve plots next to the checkpoint.
func evaluate(ctx *context.Context) {
	c := must.M1(classifier.New(*flagCheckpoint))
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 1000)
	testDS := must.M1(mnist.NewDataset("test", *flagDataDir, "test", evalBatchSize))

	rng := rand.New(rand.NewSource(*flagSeed))
	predictions := must.M1(c.SamplePredictions(testDS, *flagSamples, rng))
	fmt.Println("\npredictions:")
	for _, p := range predictions {
		fmt.Printf("True:%d, Predict:%d, index:%d\n", p.True, p.Predicted, p.Index)
	}

	must.M(mnist.PlotHistory(*flagCheckpoint))
}
