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

package batch

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/mlnoga/sparsepix/internal/fits"
	"github.com/mlnoga/sparsepix/internal/segment"
)

// One source file to segment into one destination file
type Job struct {
	Index          int    `msgpack:"index"` // position in the global file list
	Source         string `msgpack:"source"`
	Dest           string `msgpack:"dest"`
	Dataset        string `msgpack:"dataset"`
	ExpectedFrames int    `msgpack:"expectedFrames"` // 0 accepts any frame count
}

type Status int

const (
	Written Status = iota
	SkippedMissingInput
	FailedIrregularData
	FailedResource
)

func (s Status) String() string {
	switch s {
	case Written:
		return "written"
	case SkippedMissingInput:
		return "skipped, missing input"
	case FailedIrregularData:
		return "failed, irregular data"
	case FailedResource:
		return "failed"
	default:
		return "unknown"
	}
}

// Result of one job
type Outcome struct {
	Job     Job     `msgpack:"job"`
	Status  Status  `msgpack:"status"`
	Frames  int     `msgpack:"frames"`
	Pixels  int     `msgpack:"pixels"`
	Seconds float64 `msgpack:"seconds"`
	Error   string  `msgpack:"error,omitempty"`
}

// Maps a job error to its status. A missing source file counts as missing
// input, like a missing dataset inside it.
func Classify(err error) Status {
	switch {
	case err == nil:
		return Written
	case errors.Is(err, fits.ErrMissingDataset), errors.Is(err, fs.ErrNotExist):
		return SkippedMissingInput
	case errors.Is(err, segment.ErrIrregularData), errors.Is(err, segment.ErrShapeMismatch):
		return FailedIrregularData
	default:
		return FailedResource
	}
}

// Checks the frame shape of the first readable job source against mask and
// background. Call before Run: a mismatch would fail every job alike, so it
// aborts the run. Sources that cannot be opened are left to their jobs.
func CheckShape(jobs []Job, opts *segment.Options) error {
	if opts.Mask == nil && opts.Background == nil {
		return nil
	}
	for _, job := range jobs {
		cube, err := fits.OpenCube(job.Source, job.Dataset, io.Discard)
		if err != nil {
			continue
		}
		err = opts.CheckShape(cube.Height, cube.Width)
		cube.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", job.Source, err)
		}
		return nil
	}
	return nil
}

// Runs jobs one at a time. Each pool slot owns one runner.
type Runner interface {
	Run(job Job) Outcome
	Close() error
}

// Runs jobs in this process with a private segmenter
type LocalRunner struct {
	seg *segment.Segmenter
	log io.Writer
}

func NewLocalRunner(opts *segment.Options, log io.Writer) (*LocalRunner, error) {
	seg, err := segment.NewSegmenter(opts)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{seg: seg, log: log}, nil
}

func (r *LocalRunner) Run(job Job) Outcome {
	res, err := r.seg.SegmentFile(job.Source, job.Dest, job.Dataset, job.ExpectedFrames, r.log)
	out := Outcome{Job: job, Status: Classify(err), Frames: res.Frames, Pixels: res.Pixels, Seconds: res.Seconds}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func (r *LocalRunner) Close() error { return nil }
