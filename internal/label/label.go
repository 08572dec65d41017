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

// Package label finds connected groups of sparse pixels and measures them.
package label

import (
	"fmt"
)

// Connected component labeling of sparse pixels on a grid. A Labeler keeps
// a dense index grid and union-find storage between calls and is not safe
// for concurrent use.
type Labeler struct {
	Connectivity int // 4 or 8

	grid   []int32 // pixel index+1 per grid cell, 0 if empty
	parent []int32
	root   []int32 // label per union-find root, 0 if unassigned
}

// Creates a labeler for 4- or 8-connected neighbourhoods
func NewLabeler(connectivity int) (*Labeler, error) {
	if connectivity != 4 && connectivity != 8 {
		return nil, fmt.Errorf("connectivity must be 4 or 8, got %d", connectivity)
	}
	return &Labeler{Connectivity: connectivity}, nil
}

var offsets4 = [][2]int{{-1, 0}, {0, -1}, {0, 1}, {1, 0}}
var offsets8 = [][2]int{{-1, -1}, {-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}, {1, 1}}

// Assigns labels[k] for every pixel k. Pixels with values above threshold get
// a positive label, equal for pixels joined through neighbours above
// threshold. Labels count up from 1 in order of first occurrence. Pixels at
// or below threshold get label 0. Returns the number of labels.
func (l *Labeler) Label(row, col []uint16, val []float64, height, width int, threshold float64, labels []int32) (int, error) {
	n := len(row)
	if len(col) != n || len(val) != n || len(labels) < n {
		return 0, fmt.Errorf("pixel sequences of lengths %d, %d, %d, %d differ", len(row), len(col), len(val), len(labels))
	}
	if cap(l.grid) < height*width {
		l.grid = make([]int32, height*width)
	}
	grid := l.grid[:height*width]
	if cap(l.parent) < n {
		l.parent = make([]int32, n)
		l.root = make([]int32, n)
	}
	parent, root := l.parent[:n], l.root[:n]

	// place pixels above threshold into the grid
	for k := 0; k < n; k++ {
		parent[k], root[k] = int32(k), 0
		r, c := int(row[k]), int(col[k])
		if r >= height || c >= width {
			l.clear(row[:k], col[:k], width)
			return 0, fmt.Errorf("pixel %d at (%d,%d) outside %dx%d grid", k, r, c, height, width)
		}
		if val[k] > threshold {
			grid[r*width+c] = int32(k + 1)
		}
	}

	offsets := offsets8
	if l.Connectivity == 4 {
		offsets = offsets4
	}
	for k := 0; k < n; k++ {
		if !(val[k] > threshold) {
			continue
		}
		r, c := int(row[k]), int(col[k])
		for _, o := range offsets {
			nr, nc := r+o[0], c+o[1]
			if nr < 0 || nc < 0 || nr >= height || nc >= width {
				continue
			}
			if m := grid[nr*width+nc]; m != 0 {
				union(parent, int32(k), m-1)
			}
		}
	}

	count := int32(0)
	for k := 0; k < n; k++ {
		if !(val[k] > threshold) {
			labels[k] = 0
			continue
		}
		rt := find(parent, int32(k))
		if root[rt] == 0 {
			count++
			root[rt] = count
		}
		labels[k] = root[rt]
	}
	l.clear(row, col, width)
	return int(count), nil
}

// Resets the grid cells of the given pixels
func (l *Labeler) clear(row, col []uint16, width int) {
	for k := range row {
		l.grid[int(row[k])*width+int(col[k])] = 0
	}
}

func find(parent []int32, k int32) int32 {
	for parent[k] != k {
		parent[k] = parent[parent[k]]
		k = parent[k]
	}
	return k
}

func union(parent []int32, a, b int32) {
	ra, rb := find(parent, a), find(parent, b)
	if ra == rb {
		return
	}
	if ra < rb {
		parent[rb] = ra
	} else {
		parent[ra] = rb
	}
}
