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

package segment

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mlnoga/sparsepix/internal/fits"
	"github.com/mlnoga/sparsepix/internal/label"
	"github.com/mlnoga/sparsepix/internal/sparse"
	"github.com/mlnoga/sparsepix/internal/stats"
)

// Frames between progress lines
const progressEvery = 100

// Runs the per-frame pipeline with private buffers. One per worker.
type Segmenter struct {
	opts    *Options
	buf     Buffers
	filter  SpotFilter
	frame   SparseFrame
	moments label.Moments
}

// Creates a segmenter for the given read-only options
func NewSegmenter(opts *Options) (*Segmenter, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	labeler, err := label.NewLabeler(opts.Connectivity)
	if err != nil {
		return nil, err
	}
	s := &Segmenter{opts: opts}
	s.filter = SpotFilter{
		PixelsInSpot: opts.PixelsInSpot,
		Threshold:    opts.Cut,
		Labeler:      labeler,
		Measurer:     &s.moments,
	}
	return s, nil
}

func (s *Segmenter) Options() *Options { return s.opts }

// Segments one row-major frame. The returned frame aliases the worker
// buffers and is valid until the next call.
func (s *Segmenter) Frame(img []float64, height, width int) (FrameOutcome, error) {
	if len(img) != height*width {
		return FrameOutcome{}, fmt.Errorf("frame has %d pixels for %dx%d grid: %w", len(img), height, width, ErrShapeMismatch)
	}
	if err := s.opts.CheckShape(height, width); err != nil {
		return FrameOutcome{}, err
	}
	s.buf.Ensure(height * width)

	nnz := Select(img, width, s.opts.Mask, s.opts.Background, s.opts.Cut, s.buf.Row, s.buf.Col, s.buf.Val)
	if nnz == 0 {
		return FrameOutcome{State: FrameEmpty}, nil
	}
	if nnz > s.opts.HowMany {
		nnz = TopPixels(nnz, s.buf.Row, s.buf.Col, s.buf.Val, s.opts.HowMany, s.opts.Thresholds)
	}
	s.frame = SparseFrame{
		Height: height,
		Width:  width,
		Row:    s.buf.Row[:nnz],
		Col:    s.buf.Col[:nnz],
		Val:    s.buf.Val[:nnz],
		Labels: s.buf.Labels[:0],
	}
	kept, err := s.filter.Apply(&s.frame)
	if err != nil {
		return FrameOutcome{}, err
	}
	if !kept {
		return FrameOutcome{State: FrameEmpty}, nil
	}
	return FrameOutcome{State: FrameNonEmpty, Frame: &s.frame}, nil
}

// Statistics of one segmented source file
type FileResult struct {
	Frames  int
	Pixels  int
	NNZ     []uint32
	Seconds float64
}

// Segments all frames of the dataset in src into a new sparse container at
// dest. expectedFrames of 0 or less accepts any frame count. Returns an error
// wrapping fits.ErrMissingDataset if the dataset is absent, ErrIrregularData
// if the frame count differs, or ErrShapeMismatch if the frames do not match
// mask or background. dest is only created if all frames are written.
func (s *Segmenter) SegmentFile(src, dest, datasetPath string, expectedFrames int, logWriter io.Writer) (res FileResult, err error) {
	start := time.Now()
	cube, err := fits.OpenCube(src, datasetPath, logWriter)
	if err != nil {
		if errors.Is(err, fits.ErrMissingDataset) {
			fmt.Fprintf(logWriter, "Missing %s in %s\n", datasetPath, src)
		}
		return res, err
	}
	defer cube.Close()

	if expectedFrames > 0 && cube.Frames != expectedFrames {
		return res, fmt.Errorf("%s: %d frames, expected %d: %w", src, cube.Frames, expectedFrames, ErrIrregularData)
	}
	if err := s.opts.CheckShape(cube.Height, cube.Width); err != nil {
		return res, fmt.Errorf("%s: %w", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return res, err
	}
	w, err := sparse.NewFrameWriter(dest, datasetPath, cube.Frames, cube.Height, cube.Width, s.opts.ValueType(cube.ValueType))
	if err != nil {
		return res, err
	}
	defer func() {
		if err != nil {
			w.Abort()
		}
	}()

	fmt.Fprintf(logWriter, "# %s %s %s\n", src, dest, datasetPath)
	fmt.Fprintf(logWriter, "# time now %s\n#", start.Format(time.ANSIC))

	s.buf.Ensure(cube.Width * cube.Height)
	img := s.buf.Frame[:cube.Width*cube.Height]
	res.NNZ = make([]uint32, cube.Frames)
	for i := 0; i < cube.Frames; i++ {
		if err := cube.ReadFrame(img); err != nil {
			return res, err
		}
		out, err := s.Frame(img, cube.Height, cube.Width)
		if err != nil {
			return res, fmt.Errorf("%s: frame %d: %w", src, i, err)
		}
		nnz := 0
		if out.State == FrameNonEmpty {
			nnz = out.Frame.NNZ()
		}
		if i%progressEvery == 0 {
			fmt.Fprintf(logWriter, "%4d %d,", i, nnz)
		}
		if out.State == FrameEmpty {
			err = w.WriteEmpty(i)
		} else {
			err = w.WriteFrame(i, out.Frame.Row, out.Frame.Col, out.Frame.Val)
		}
		if err != nil {
			return res, fmt.Errorf("%s: frame %d: %w", dest, i, err)
		}
		res.NNZ[i] = uint32(nnz)
	}
	res.Frames, res.Pixels = cube.Frames, w.Pixels()
	if err := w.Close(); err != nil {
		return res, err
	}

	res.Seconds = time.Since(start).Seconds()
	fps := 0.0
	if res.Seconds > 0 {
		fps = float64(res.Frames) / res.Seconds
	}
	fmt.Fprintf(logWriter, "\n# Done %d frames %d pixels fps %.2f\n", res.Frames, res.Pixels, fps)
	fmt.Fprintf(logWriter, "# %s\n", stats.NNZSummary(res.NNZ))
	return res, nil
}
