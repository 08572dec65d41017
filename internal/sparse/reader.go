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

package sparse

import (
	"fmt"
	"io"
)

// A fully loaded sparse frame stack
type Frames struct {
	Group       string
	ValueType   ValueType
	FrameCount  int
	Height      int
	Width       int
	TotalPixels int

	Row       []uint16
	Col       []uint16
	Intensity []float64
	NNZ       []uint32
	Offsets   []int // prefix sums of NNZ, len(NNZ)+1 entries
}

// Loads all datasets and attributes of the sparse container at path
func ReadFrames(path string) (fs *Frames, err error) {
	file, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	fs = &Frames{Group: file.Group()}
	vt, err := file.AttrString(AttrValueType)
	if err != nil {
		return nil, err
	}
	fs.ValueType = ValueType(vt)
	ints := []struct {
		name string
		dst  *int
	}{
		{AttrFrameCount, &fs.FrameCount},
		{AttrGridHeight, &fs.Height},
		{AttrGridWidth, &fs.Width},
		{AttrTotalPixels, &fs.TotalPixels},
	}
	for _, a := range ints {
		v, err := file.AttrInt(a.name)
		if err != nil {
			return nil, err
		}
		*a.dst = int(v)
	}

	for _, name := range []string{DatasetRow, DatasetCol, DatasetIntensity, DatasetNNZ} {
		if file.Dataset(name) == nil {
			return nil, fmt.Errorf("%s: dataset %s missing", path, name)
		}
	}
	if fs.Row, err = file.Dataset(DatasetRow).ReadUint16s(); err != nil {
		return nil, err
	}
	if fs.Col, err = file.Dataset(DatasetCol).ReadUint16s(); err != nil {
		return nil, err
	}
	if fs.Intensity, err = file.Dataset(DatasetIntensity).ReadFloat64s(); err != nil {
		return nil, err
	}
	if fs.NNZ, err = file.Dataset(DatasetNNZ).ReadUint32s(); err != nil {
		return nil, err
	}
	fs.Offsets = make([]int, len(fs.NNZ)+1)
	for i, n := range fs.NNZ {
		fs.Offsets[i+1] = fs.Offsets[i] + int(n)
	}
	return fs, nil
}

// Returns the pixels of frame i. Slices alias the loaded data
func (fs *Frames) Frame(i int) (row, col []uint16, val []float64) {
	from, to := fs.Offsets[i], fs.Offsets[i+1]
	return fs.Row[from:to], fs.Col[from:to], fs.Intensity[from:to]
}

// Verifies the structural invariants: sum(nnz) == total_pixels == len(row) ==
// len(col) == len(intensity), one nnz entry per frame, coordinates on the grid
func (fs *Frames) Check() error {
	if len(fs.NNZ) != fs.FrameCount {
		return fmt.Errorf("%d nnz entries for %d frames", len(fs.NNZ), fs.FrameCount)
	}
	sum := fs.Offsets[len(fs.Offsets)-1]
	if sum != fs.TotalPixels || len(fs.Row) != sum || len(fs.Col) != sum || len(fs.Intensity) != sum {
		return fmt.Errorf("sum(nnz)=%d total_pixels=%d len(row)=%d len(col)=%d len(intensity)=%d disagree",
			sum, fs.TotalPixels, len(fs.Row), len(fs.Col), len(fs.Intensity))
	}
	for k := range fs.Row {
		if int(fs.Row[k]) >= fs.Height || int(fs.Col[k]) >= fs.Width {
			return fmt.Errorf("pixel %d at (%d,%d) outside %dx%d grid", k, fs.Row[k], fs.Col[k], fs.Height, fs.Width)
		}
	}
	return nil
}

// Reconstructs frame i as a dense row-major grid
func (fs *Frames) Dense(i int, dst []float64) []float64 {
	if len(dst) < fs.Height*fs.Width {
		dst = make([]float64, fs.Height*fs.Width)
	}
	dst = dst[:fs.Height*fs.Width]
	for j := range dst {
		dst[j] = 0
	}
	row, col, val := fs.Frame(i)
	for k := range row {
		dst[int(row[k])*fs.Width+int(col[k])] = val[k]
	}
	return dst
}

// Prints a short summary of the frame stack
func (fs *Frames) Print(w io.Writer) {
	fmt.Fprintf(w, "group        %s\n", fs.Group)
	fmt.Fprintf(w, "value_type   %s\n", fs.ValueType)
	fmt.Fprintf(w, "frame_count  %d\n", fs.FrameCount)
	fmt.Fprintf(w, "grid         %dx%d\n", fs.Height, fs.Width)
	fmt.Fprintf(w, "total_pixels %d\n", fs.TotalPixels)
}
