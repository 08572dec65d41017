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
	"math"
	"testing"

	"github.com/valyala/fastrand"
)

func TestLadder(t *testing.T) {
	got := Ladder(1, 6)
	want := []float64{1, 2, 4, 8, 16, 32}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Ladder(1,6)[%d]=%v; want %v", i, got[i], want[i])
		}
	}
	if got := Ladder(0.5, 0); len(got) != 0 {
		t.Errorf("Ladder(0.5,0)=%v; want empty", got)
	}
}

func TestLadderHistogram(t *testing.T) {
	counts := make([]int, 6)
	LadderHistogram([]float64{1.2, 1.3, 5, 6, 7, 50}, Ladder(1, 6), counts)
	want := []int{6, 4, 4, 1, 1, 1}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("counts[%d]=%d; want %d", i, counts[i], want[i])
		}
	}
}

func TestLadderHistogramMatchesFullCount(t *testing.T) {
	rng := fastrand.RNG{}
	ts := Ladder(3, 8)
	values := make([]float64, 5000)
	for i := range values {
		values[i] = float64(rng.Uint32n(1000)) / 2
	}
	counts := make([]int, len(ts))
	LadderHistogram(values, ts, counts)
	for j, th := range ts {
		n := 0
		for _, v := range values {
			if v > th {
				n++
			}
		}
		if counts[j] != n {
			t.Errorf("threshold %v: count %d; want %d", th, counts[j], n)
		}
	}
}

func TestNNZSummary(t *testing.T) {
	s := NNZSummary([]uint32{5, 0, 3, 10, 2})
	if s.Frames != 5 || s.Total != 20 || s.Empty != 1 || s.Max != 10 {
		t.Errorf("summary %+v", s)
	}
	if s.Mean != 4 || s.Median != 3 {
		t.Errorf("mean=%v median=%v; want 4, 3", s.Mean, s.Median)
	}
	if want := math.Sqrt(14.5); math.Abs(s.StdDev-want) > 1e-9 {
		t.Errorf("stddev=%v; want %v", s.StdDev, want)
	}
	if s := NNZSummary(nil); s.Frames != 0 || s.Total != 0 {
		t.Errorf("empty summary %+v", s)
	}
	if s := NNZSummary([]uint32{7}); s.Mean != 7 || s.StdDev != 0 || s.Median != 7 {
		t.Errorf("single frame summary %+v", s)
	}
}

func TestNoiseEstimate(t *testing.T) {
	rng := fastrand.RNG{}
	data := make([]float64, 200000)
	for i := range data {
		// sum of 12 uniforms is approximately normal with unit variance
		s := 0.0
		for k := 0; k < 12; k++ {
			s += float64(rng.Uint32()) / (1 << 32)
		}
		data[i] = 100 + 10*(s-6)
	}
	mode, stdDev, err := NoiseEstimate(data, 100)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(mode-100) > 3 {
		t.Errorf("mode=%v; want about 100", mode)
	}
	if stdDev < 7 || stdDev > 13 {
		t.Errorf("stddev=%v; want about 10", stdDev)
	}
}
