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

package stats

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Summary statistics of retained pixel counts over a sequence of frames
type Summary struct {
	Frames int
	Total  uint64
	Empty  int // frames with no retained pixels
	Mean   float64
	StdDev float64
	Median float64 // empirical, i.e. the lower median for even counts
	Max    uint32
}

func NNZSummary(nnz []uint32) Summary {
	s := Summary{Frames: len(nnz)}
	if len(nnz) == 0 {
		return s
	}
	xs := make([]float64, len(nnz))
	for i, n := range nnz {
		xs[i] = float64(n)
		s.Total += uint64(n)
		if n > s.Max {
			s.Max = n
		}
		if n == 0 {
			s.Empty++
		}
	}
	if len(xs) > 1 {
		s.Mean, s.StdDev = stat.MeanStdDev(xs, nil)
	} else {
		s.Mean = xs[0]
	}
	sort.Float64s(xs)
	s.Median = stat.Quantile(0.5, stat.Empirical, xs, nil)
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("frames %d pixels %d empty %d nnz mean %.1f stddev %.1f median %.0f max %d",
		s.Frames, s.Total, s.Empty, s.Mean, s.StdDev, s.Median, s.Max)
}
