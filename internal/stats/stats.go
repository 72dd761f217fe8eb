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
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Median of the finite values in xs, NaN if there are none. Does not modify xs
func Median(xs []float32) float64 {
	fs := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(float64(x)) && !math.IsInf(float64(x), 0) {
			fs = append(fs, float64(x))
		}
	}
	return MedianInPlace(fs)
}

// Median of xs, sorting xs in place. NaN if xs is empty
func MedianInPlace(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sort.Float64s(xs)
	return stat.Quantile(0.5, stat.Empirical, xs, nil)
}

// Median of every step-th value in each direction of a row-major w-wide raster
func MedianStrided(data []float32, w, step int) float64 {
	if step < 1 {
		step = 1
	}
	h := len(data) / w
	fs := make([]float64, 0, (w/step+1)*(h/step+1))
	for y := 0; y < h; y += step {
		for x := 0; x < w; x += step {
			v := float64(data[y*w+x])
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				fs = append(fs, v)
			}
		}
	}
	return MedianInPlace(fs)
}

// Basic summary of a set of values
type Summary struct {
	N      int
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
}

func (s Summary) String() string {
	return fmt.Sprintf("n %d min %.4g max %.4g mean %.4g stddev %.4g", s.N, s.Min, s.Max, s.Mean, s.StdDev)
}

// Summarize xs. The zero Summary is returned for empty input
func Summarize(xs []float64) Summary {
	if len(xs) == 0 {
		return Summary{}
	}
	s := Summary{N: len(xs), Min: math.Inf(1), Max: math.Inf(-1)}
	for _, x := range xs {
		s.Min = math.Min(s.Min, x)
		s.Max = math.Max(s.Max, x)
	}
	if len(xs) == 1 {
		s.Mean = xs[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(xs, nil)
	return s
}
