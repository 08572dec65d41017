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

// Per-worker storage reused across all frames the worker processes. Sized to
// the grid area, the worst case of every pixel retained. Not safe for
// concurrent use; each worker owns one.
type Buffers struct {
	Row    []uint16
	Col    []uint16
	Val    []float64
	Labels []int32
	Frame  []float64 // dense frame as read from the source

	area int
}

// Allocates the buffers on first use, or when a larger grid comes along
func (b *Buffers) Ensure(area int) {
	if area <= b.area {
		return
	}
	b.Row = make([]uint16, area)
	b.Col = make([]uint16, area)
	b.Val = make([]float64, area)
	b.Labels = make([]int32, area)
	b.Frame = make([]float64, area)
	b.area = area
}

// Grid area the buffers currently hold
func (b *Buffers) Area() int { return b.area }
