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

package label

import "math"

// Aggregate statistics of one labeled group of pixels
type Blob struct {
	Npix   int
	SumI   float64 // sum of intensities
	SumI2  float64 // sum of squared intensities
	Row    float64 // intensity weighted centroid
	Col    float64
	MaxI   float64
	MaxRow uint16 // location of the maximum
	MaxCol uint16
	RowMin uint16 // bounding box, inclusive
	RowMax uint16
	ColMin uint16
	ColMax uint16
}

// Computes per-label statistics for n labels. The result is indexed by
// label-1. Pixels with label 0 are ignored. The blobs slice is reused if
// large enough.
func Measure(row, col []uint16, val []float64, labels []int32, n int, blobs []Blob) []Blob {
	if cap(blobs) < n {
		blobs = make([]Blob, n)
	}
	blobs = blobs[:n]
	for i := range blobs {
		blobs[i] = Blob{MaxI: math.Inf(-1), RowMin: math.MaxUint16, ColMin: math.MaxUint16}
	}
	for k, lbl := range labels[:len(row)] {
		if lbl <= 0 || int(lbl) > n {
			continue
		}
		b := &blobs[lbl-1]
		r, c, v := row[k], col[k], val[k]
		b.Npix++
		b.SumI += v
		b.SumI2 += v * v
		b.Row += v * float64(r)
		b.Col += v * float64(c)
		if v > b.MaxI {
			b.MaxI, b.MaxRow, b.MaxCol = v, r, c
		}
		if r < b.RowMin {
			b.RowMin = r
		}
		if r > b.RowMax {
			b.RowMax = r
		}
		if c < b.ColMin {
			b.ColMin = c
		}
		if c > b.ColMax {
			b.ColMax = c
		}
	}
	for i := range blobs {
		if blobs[i].SumI != 0 {
			blobs[i].Row /= blobs[i].SumI
			blobs[i].Col /= blobs[i].SumI
		}
	}
	return blobs
}

// Moment computation retaining its blob storage between calls
type Moments struct {
	blobs []Blob
}

func (m *Moments) Measure(row, col []uint16, val []float64, labels []int32, n int) []Blob {
	m.blobs = Measure(row, col, val, labels, n, m.blobs)
	return m.blobs
}
