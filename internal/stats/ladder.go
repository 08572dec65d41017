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

// Returns the threshold ladder cut*2^i for i in [0, rungs)
func Ladder(cut float64, rungs int) []float64 {
	ts := make([]float64, rungs)
	t := cut
	for i := range ts {
		ts[i] = t
		t *= 2
	}
	return ts
}

// Counts for each threshold how many values strictly exceed it. Thresholds
// must be ascending, so counting for a value stops at the first threshold it
// does not exceed. counts must have the same length as thresholds.
func LadderHistogram(values []float64, thresholds []float64, counts []int) {
	for j := range counts {
		counts[j] = 0
	}
	for _, v := range values {
		for j, t := range thresholds {
			if v > t {
				counts[j]++
			} else {
				break
			}
		}
	}
}
