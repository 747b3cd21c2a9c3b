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
	"path"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	"github.com/MetalBlueberry/go-plotly/pkg/offline"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PlotHistory renders the training curves of a finished run -- train and
// validation loss/accuracy per epoch -- from the history points saved along
// the checkpoint. One HTML file is written per metric type
// (training_loss.html, training_accuracy.html) into the same directory.
func PlotHistory(checkpointDir string) error {
	points, err := plots.LoadPointsFromCheckpoint(checkpointDir)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return errors.Errorf("no training history found in %q", checkpointDir)
	}

	figs := make(map[string]*grob.Fig)
	traceIndices := make(map[string]map[string]int)
	var metricTypes []string
	for _, point := range points {
		fig, found := figs[point.MetricType]
		if !found {
			fig = &grob.Fig{
				Layout: &grob.Layout{
					Title: &grob.LayoutTitle{
						Text: ptypes.S("Train History of " + point.MetricType),
					},
					Xaxis: &grob.LayoutXaxis{
						Title:    &grob.LayoutXaxisTitle{Text: ptypes.S("epoch")},
						Showgrid: ptypes.B(true),
					},
					Yaxis: &grob.LayoutYaxis{
						Title:    &grob.LayoutYaxisTitle{Text: ptypes.S(point.MetricType)},
						Showgrid: ptypes.B(true),
					},
				},
			}
			figs[point.MetricType] = fig
			traceIndices[point.MetricType] = make(map[string]int)
			metricTypes = append(metricTypes, point.MetricType)
		}
		traces := traceIndices[point.MetricType]
		traceIdx, found := traces[point.MetricName]
		if !found {
			traceIdx = len(fig.Data)
			traces[point.MetricName] = traceIdx
			fig.Data = append(fig.Data, &grob.Scatter{
				Name: ptypes.S(point.MetricName),
				Mode: "lines+markers",
				X:    ptypes.DataArray([]float64{}),
				Y:    ptypes.DataArray([]float64{}),
			})
		}
		trace := fig.Data[traceIdx].(*grob.Scatter)
		trace.X = ptypes.DataArray(append(trace.X.Value().([]float64), point.Step))
		trace.Y = ptypes.DataArray(append(trace.Y.Value().([]float64), point.Value))
	}

	for _, metricType := range metricTypes {
		htmlPath := path.Join(checkpointDir, "training_"+metricType+".html")
		offline.ToHtml(figs[metricType], htmlPath)
		klog.Infof("wrote %s", htmlPath)
	}
	return nil
}
