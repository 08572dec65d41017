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
	"github.com/mlnoga/sparsepix/internal/stats"
)

// Writes every pixel of the row-major frame img whose value, less the
// background if given, strictly exceeds cut and which is not excluded by
// mask into row, col and val, in scan order. mask and bg may be nil.
// The outputs must hold len(img) entries. Returns the number of pixels.
func Select(img []float64, width int, mask []bool, bg []float64, cut float64, row, col []uint16, val []float64) int {
	k := 0
	for i, v := range img {
		if bg != nil {
			v -= bg[i]
		}
		if !(v > cut) {
			continue
		}
		if mask != nil && mask[i] { // skip masked
			continue
		}
		row[k] = uint16(i / width)
		col[k] = uint16(i % width)
		val[k] = v
		k++
	}
	return k
}

// Reduces nnz selected pixels to at most howmany, keeping the strongest.
// The cutoff is the first ascending threshold with fewer than howmany pixels
// above it, or the last threshold if there is none. Pixels above the cutoff
// are compacted to the front in their original order, stopping at howmany.
// Returns the new pixel count. A no-op if nnz <= howmany.
func TopPixels(nnz int, row, col []uint16, val []float64, howmany int, thresholds []float64) int {
	// quick return if there are already few enough pixels
	if nnz <= howmany {
		return nnz
	}
	counts := make([]int, len(thresholds))
	stats.LadderHistogram(val[:nnz], thresholds, counts)

	tcut := thresholds[len(thresholds)-1]
	for i, n := range counts {
		if n < howmany {
			tcut = thresholds[i]
			break
		}
	}

	n := 0
	for k := 0; k < nnz; k++ {
		if val[k] > tcut {
			row[n], col[n], val[n] = row[k], col[k], val[k]
			n++
			if n >= howmany {
				break
			}
		}
	}
	return n
}
