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

	"github.com/stretchr/testify/assert"
)

func TestMedian(t *testing.T) {
	t.Parallel()
	xs := []float32{3, 1, float32(math.NaN()), 2, float32(math.Inf(1))}
	assert.Equal(t, 2.0, Median(xs))
	assert.Equal(t, float32(3), xs[0])
	assert.True(t, math.IsNaN(Median(nil)))
	assert.True(t, math.IsNaN(MedianInPlace([]float64{})))
}

func TestMedianStrided(t *testing.T) {
	t.Parallel()
	// 4x4 raster, stride 2 picks (0,0) (2,0) (0,2) (2,2)
	data := []float32{
		1, 9, 5, 9,
		9, 9, 9, 9,
		7, 9, 3, 9,
		9, 9, 9, 9,
	}
	assert.Equal(t, 3.0, MedianStrided(data, 4, 2))
	assert.Equal(t, 9.0, MedianStrided(data, 4, 0))
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	s := Summarize([]float64{1, 2, 3})
	assert.Equal(t, Summary{N: 3, Min: 1, Max: 3, Mean: 2, StdDev: 1}, s)
	assert.Equal(t, Summary{N: 1, Min: 5, Max: 5, Mean: 5}, Summarize([]float64{5}))
	assert.Equal(t, Summary{}, Summarize(nil))
	assert.Contains(t, s.String(), "n 3")
}
