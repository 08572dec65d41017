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
	"github.com/mlnoga/sparsepix/internal/label"
)

// Retained pixels of one frame as parallel sequences
type SparseFrame struct {
	Height int
	Width  int
	Row    []uint16
	Col    []uint16
	Val    []float64
	Labels []int32 // connected group per pixel, nil until labeled
}

func (f *SparseFrame) NNZ() int { return len(f.Row) }

// Keeps only pixels with keep[k] set, compacting in place and preserving order
func (f *SparseFrame) Compact(keep []bool) {
	n := 0
	for k := range f.Row {
		if !keep[k] {
			continue
		}
		f.Row[n], f.Col[n], f.Val[n] = f.Row[k], f.Col[k], f.Val[k]
		if f.Labels != nil {
			f.Labels[n] = f.Labels[k]
		}
		n++
	}
	f.Row, f.Col, f.Val = f.Row[:n], f.Col[:n], f.Val[:n]
	if f.Labels != nil {
		f.Labels = f.Labels[:n]
	}
}

type FrameState int

const (
	FrameEmpty FrameState = iota
	FrameNonEmpty
)

func (s FrameState) String() string {
	if s == FrameEmpty {
		return "empty"
	}
	return "non-empty"
}

// Result of segmenting one frame. Frame is nil for empty frames.
type FrameOutcome struct {
	State FrameState
	Frame *SparseFrame
}

// Assigns connected group labels to sparse pixels, see label.Labeler
type Labeler interface {
	Label(row, col []uint16, val []float64, height, width int, threshold float64, labels []int32) (int, error)
}

// Computes per-label statistics indexed by label-1, see label.Moments
type Measurer interface {
	Measure(row, col []uint16, val []float64, labels []int32, n int) []label.Blob
}

// Drops pixels belonging to connected groups smaller than PixelsInSpot
type SpotFilter struct {
	PixelsInSpot int
	Threshold    float64 // connectivity threshold
	Labeler      Labeler
	Measurer     Measurer

	keep []bool
}

// Filters f in place. Returns false if no pixels remain. With PixelsInSpot
// of 1 or less, f is left untouched.
func (sf *SpotFilter) Apply(f *SparseFrame) (bool, error) {
	if sf.PixelsInSpot <= 1 {
		return f.NNZ() > 0, nil
	}
	n := f.NNZ()
	if cap(f.Labels) < n {
		f.Labels = make([]int32, n)
	}
	f.Labels = f.Labels[:n]
	count, err := sf.Labeler.Label(f.Row, f.Col, f.Val, f.Height, f.Width, sf.Threshold, f.Labels)
	if err != nil {
		return false, err
	}
	blobs := sf.Measurer.Measure(f.Row, f.Col, f.Val, f.Labels, count)

	if cap(sf.keep) < n {
		sf.keep = make([]bool, n)
	}
	keep := sf.keep[:n]
	kept := 0
	for k, lbl := range f.Labels {
		keep[k] = lbl > 0 && blobs[lbl-1].Npix >= sf.PixelsInSpot
		if keep[k] {
			kept++
		}
	}
	if kept == 0 {
		return false, nil
	}
	if kept < n {
		f.Compact(keep)
	}
	return true, nil
}
