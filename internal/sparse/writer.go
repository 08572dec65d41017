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
)

// Dataset and attribute names of a sparse frame group
const (
	DatasetRow       = "row"
	DatasetCol       = "col"
	DatasetIntensity = "intensity"
	DatasetNNZ       = "nnz"

	AttrValueType   = "value_type"
	AttrFrameCount  = "frame_count"
	AttrGridHeight  = "grid_height"
	AttrGridWidth   = "grid_width"
	AttrTotalPixels = "total_pixels"
)

// Streams the sparse frames of one source file into a container, in frame order.
// Frame i occupies [sum(nnz[:i]), sum(nnz[:i+1])) of row, col and intensity.
type FrameWriter struct {
	file      *File
	row       *Dataset
	col       *Dataset
	intensity *Dataset
	nnz       *Dataset
	frames    int
	next      int // index of the next expected frame
	npx       int // write offset into the growable datasets
	one       [1]uint32
}

// Creates the container at path with growable row, col and intensity datasets
// of placeholder length 1, a fixed nnz dataset with one entry per frame, and
// the shape attributes.
func NewFrameWriter(path, group string, frames, height, width int, vt ValueType) (w *FrameWriter, err error) {
	if frames < 0 || height <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid frame stack %dx%dx%d", frames, height, width)
	}
	if height > 65536 || width > 65536 {
		return nil, fmt.Errorf("frame %dx%d exceeds 16-bit coordinates", height, width)
	}
	file, err := Create(path, group)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			file.Abort()
		}
	}()

	w = &FrameWriter{file: file, frames: frames}
	if w.row, err = file.CreateDataset(DatasetRow, Uint16, 1, true); err != nil {
		return nil, err
	}
	if w.col, err = file.CreateDataset(DatasetCol, Uint16, 1, true); err != nil {
		return nil, err
	}
	if w.intensity, err = file.CreateDataset(DatasetIntensity, vt, 1, true); err != nil {
		return nil, err
	}
	if w.nnz, err = file.CreateDataset(DatasetNNZ, Uint32, frames, false); err != nil {
		return nil, err
	}
	file.SetAttrString(AttrValueType, string(vt))
	file.SetAttrInt(AttrFrameCount, int64(frames))
	file.SetAttrInt(AttrGridHeight, int64(height))
	file.SetAttrInt(AttrGridWidth, int64(width))
	return w, nil
}

// Current write offset, i.e. the number of pixels stored so far
func (w *FrameWriter) Pixels() int { return w.npx }

// Frames recorded so far
func (w *FrameWriter) Frames() int { return w.next }

// Records frame i as empty
func (w *FrameWriter) WriteEmpty(i int) error {
	if err := w.checkOrder(i); err != nil {
		return err
	}
	w.one[0] = 0
	if err := w.nnz.WriteUint32s(i, w.one[:]); err != nil {
		return err
	}
	w.next++
	return nil
}

// Appends the pixels of frame i at the current write offset. Growable datasets
// are grown by exactly the missing amount.
func (w *FrameWriter) WriteFrame(i int, row, col []uint16, val []float64) error {
	if err := w.checkOrder(i); err != nil {
		return err
	}
	n := len(row)
	if len(col) != n || len(val) != n {
		return fmt.Errorf("frame %d: row, col, intensity lengths %d, %d, %d differ", i, len(row), len(col), len(val))
	}
	if n == 0 {
		return w.WriteEmpty(i)
	}
	if w.npx+n > w.row.Len() {
		for _, d := range []*Dataset{w.row, w.col, w.intensity} {
			if err := d.Resize(w.npx + n); err != nil {
				return err
			}
		}
	}
	if err := w.row.WriteUint16s(w.npx, row); err != nil {
		return err
	}
	if err := w.col.WriteUint16s(w.npx, col); err != nil {
		return err
	}
	if err := w.intensity.WriteFloat64s(w.npx, val); err != nil {
		return err
	}
	w.one[0] = uint32(n)
	if err := w.nnz.WriteUint32s(i, w.one[:]); err != nil {
		return err
	}
	w.npx += n
	w.next++
	return nil
}

func (w *FrameWriter) checkOrder(i int) error {
	if i != w.next {
		return fmt.Errorf("frame %d out of order, expected frame %d", i, w.next)
	}
	if i >= w.frames {
		return fmt.Errorf("frame %d beyond frame count %d", i, w.frames)
	}
	return nil
}

// Finalizes the container: trims the growable datasets to the pixel count,
// records total_pixels and publishes the file. All frames must be recorded.
func (w *FrameWriter) Close() error {
	if w.next != w.frames {
		w.file.Abort()
		return fmt.Errorf("closing after %d of %d frames", w.next, w.frames)
	}
	for _, d := range []*Dataset{w.row, w.col, w.intensity} {
		if err := d.Resize(w.npx); err != nil {
			w.file.Abort()
			return err
		}
	}
	w.file.SetAttrInt(AttrTotalPixels, int64(w.npx))
	return w.file.Close()
}

// Discards the partially written container
func (w *FrameWriter) Abort() {
	w.file.Abort()
}
