// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package dataset

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mlnoga/sparsepix/internal/batch"
	"github.com/mlnoga/sparsepix/internal/fits"
	"github.com/mlnoga/sparsepix/internal/stats"
)

// Standard deviations above the background level for a suggested cut
const suggestSigmas = 3

// Resource plan for segmenting a data set
type Plan struct {
	Files          int     `json:"files"`
	Done           int     `json:"done"`
	Slots          int     `json:"slots"`
	Workers        int     `json:"workers"`
	FilesPerWorker int     `json:"filesPerWorker"`
	Sample         string  `json:"sample,omitempty"` // source file inspected for frame shape and noise
	Height         int     `json:"height"`
	Width          int     `json:"width"`
	Frames         int     `json:"frames"`
	WorkerMB       int     `json:"workerMB"`
	MemoryOK       bool    `json:"memoryOK"`
	Memory         string  `json:"memory"`
	NoiseMode      float64 `json:"noiseMode"`
	NoiseStdDev    float64 `json:"noiseStdDev"`
	SuggestedCut   float64 `json:"suggestedCut,omitempty"`
}

// Plans the job array: slot count, per-worker memory against physical
// memory, and a cut suggestion from the noise in the first frame of the
// first available source file.
func (ds *DataSet) Plan(c *batch.Context) (*Plan, error) {
	so := &ds.Segmenter
	p := &Plan{
		Files:          len(ds.ImageFiles),
		Slots:          batch.Slots(len(ds.ImageFiles), so.CoresPerJob, so.FilesPerCore),
		Workers:        so.CoresPerJob,
		FilesPerWorker: so.FilesPerCore,
		MemoryOK:       true,
	}
	p.Done, _ = CheckFiles(ds.AnalysisPath, ds.SparseFiles, 0, io.Discard)

	for _, name := range ds.ImageFiles {
		src := filepath.Join(ds.DataPath, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		cube, err := fits.OpenCube(src, ds.DatasetPath, io.Discard)
		if err != nil {
			return p, err
		}
		defer cube.Close()
		p.Sample, p.Height, p.Width, p.Frames = src, cube.Height, cube.Width, cube.Frames
		frame := make([]float64, cube.Height*cube.Width)
		if err := cube.ReadFrame(frame); err != nil {
			return p, fmt.Errorf("%s: %w", src, err)
		}
		if mode, sd, err := stats.NoiseEstimate(frame, 1000); err == nil {
			p.NoiseMode, p.NoiseStdDev = mode, sd
			p.SuggestedCut = mode + suggestSigmas*sd
			if p.SuggestedCut <= 0 {
				p.SuggestedCut = 1
			}
		}
		break
	}
	if p.Height > 0 {
		p.WorkerMB = batch.WorkerMB(p.Height, p.Width)
		p.MemoryOK, p.Memory = c.CheckMemory(p.Workers, p.Height, p.Width)
	}
	return p, nil
}

func (p *Plan) Print(w io.Writer) {
	fmt.Fprintf(w, "total files to process %d done %d\n", p.Files, p.Done)
	fmt.Fprintf(w, "%d job array slots of %d workers x %d files\n", p.Slots, p.Workers, p.FilesPerWorker)
	if p.Sample == "" {
		fmt.Fprintf(w, "no source file available for frame shape\n")
		return
	}
	fmt.Fprintf(w, "%s: %d frames of %dx%d pixels\n", p.Sample, p.Frames, p.Width, p.Height)
	warn := ""
	if !p.MemoryOK {
		warn = "Warning: "
	}
	fmt.Fprintf(w, "%s%s\n", warn, p.Memory)
	if p.SuggestedCut > 0 {
		fmt.Fprintf(w, "background %.3g sigma %.3g, suggested cut %.3g\n", p.NoiseMode, p.NoiseStdDev, p.SuggestedCut)
	}
}
