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

package wcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTAN_RoundTrip(t *testing.T) {
	t.Parallel()
	tile := NewTile(150.25, 52.5, 200, 100, 2.75)

	ra, dec, ok := tile.PixelToSky(99.5, 49.5)
	require.True(t, ok)
	assert.InDelta(t, 150.25, ra, 1e-9)
	assert.InDelta(t, 52.5, dec, 1e-9)

	for _, p := range [][2]float64{{0, 0}, {199, 0}, {17.3, 88.1}, {199, 99}} {
		ra, dec, ok := tile.PixelToSky(p[0], p[1])
		require.True(t, ok)
		x, y, ok := tile.SkyToPixel(ra, dec)
		require.True(t, ok)
		assert.InDelta(t, p[0], x, 1e-6)
		assert.InDelta(t, p[1], y, 1e-6)
	}
}

func TestTAN_RAIncreasesLeft(t *testing.T) {
	t.Parallel()
	tile := NewTile(10, 0, 11, 11, 3600)
	ra0, _, _ := tile.PixelToSky(5, 5)
	ra1, _, _ := tile.PixelToSky(4, 5)
	assert.Greater(t, ra1, ra0)
}

func TestTAN_OppositeHemisphere(t *testing.T) {
	t.Parallel()
	tile := NewTile(0, 0, 10, 10, 1)
	_, _, ok := tile.SkyToPixel(180, 0)
	assert.False(t, ok)
}

func TestTAN_Subimage(t *testing.T) {
	t.Parallel()
	tile := NewTile(20, -30, 64, 64, 2)
	sub := tile.Subimage(10, 20, 5, 6)
	assert.Equal(t, 5, sub.Width())
	assert.Equal(t, 6, sub.Height())

	ra, dec, _ := tile.PixelToSky(12, 23)
	x, y, ok := sub.SkyToPixel(ra, dec)
	require.True(t, ok)
	assert.InDelta(t, 2, x, 1e-6)
	assert.InDelta(t, 3, y, 1e-6)
}

func TestFromHeader(t *testing.T) {
	t.Parallel()
	t.Run("cd matrix", func(t *testing.T) {
		t.Parallel()
		h := map[string]float64{"CRVAL1": 1, "CRVAL2": 2, "CRPIX1": 3, "CRPIX2": 4,
			"CD1_1": -0.001, "CD1_2": 0, "CD2_1": 0, "CD2_2": 0.001}
		p, err := FromHeader(lookup(h), 10, 20)
		require.NoError(t, err)
		assert.Equal(t, [2][2]float64{{-0.001, 0}, {0, 0.001}}, p.CD)
		assert.Equal(t, 20, p.Height())
	})
	t.Run("cdelt", func(t *testing.T) {
		t.Parallel()
		h := map[string]float64{"CRVAL1": 1, "CRVAL2": 2, "CRPIX1": 3, "CRPIX2": 4,
			"CDELT1": -0.002, "CDELT2": 0.002}
		p, err := FromHeader(lookup(h), 10, 20)
		require.NoError(t, err)
		assert.InDelta(t, -0.002, p.CD[0][0], 1e-12)
		assert.InDelta(t, 0.002, p.CD[1][1], 1e-12)
	})
	t.Run("missing", func(t *testing.T) {
		t.Parallel()
		_, err := FromHeader(lookup(map[string]float64{"CRVAL1": 1}), 10, 20)
		assert.Error(t, err)
	})
	t.Run("singular", func(t *testing.T) {
		t.Parallel()
		h := map[string]float64{"CRVAL1": 1, "CRVAL2": 2, "CRPIX1": 3, "CRPIX2": 4, "CD1_1": 0}
		_, err := FromHeader(lookup(h), 10, 20)
		assert.ErrorIs(t, err, ErrSingularCD)
	})
}

func lookup(h map[string]float64) HeaderFunc {
	return func(k string) (float64, bool) {
		v, ok := h[k]
		return v, ok
	}
}

func TestExtents(t *testing.T) {
	t.Parallel()
	tile := NewTile(100, 40, 100, 100, 2.75)

	t.Run("contained frame", func(t *testing.T) {
		t.Parallel()
		frame := tile.Subimage(20, 30, 10, 10)
		co, im, err := Extents(tile, frame, 0)
		require.NoError(t, err)
		assert.Equal(t, Box{20, 29, 30, 39}, co)
		assert.Equal(t, Box{0, 9, 0, 9}, im)
	})

	t.Run("partial frame is clipped", func(t *testing.T) {
		t.Parallel()
		frame := tile.Subimage(-5, 95, 10, 10)
		co, im, err := Extents(tile, frame, 0)
		require.NoError(t, err)
		assert.Equal(t, Box{0, 4, 95, 99}, co)
		assert.Equal(t, Box{5, 9, 0, 4}, im)
	})

	t.Run("disjoint frame", func(t *testing.T) {
		t.Parallel()
		frame := NewTile(120, 40, 100, 100, 2.75)
		_, _, err := Extents(tile, frame, 2)
		assert.ErrorIs(t, err, ErrNoOverlap)
	})
}

func TestWalkBoundary(t *testing.T) {
	t.Parallel()
	tile := NewTile(100, 40, 100, 50, 2.75)
	ring := WalkBoundary(tile, 25, 0)
	assert.Len(t, ring, 2*(4+2))

	b := SkyBounds(tile)
	assert.Less(t, b.Min[0], 100.0)
	assert.Greater(t, b.Max[0], 100.0)
	assert.Less(t, b.Min[1], 40.0)
	assert.Greater(t, b.Max[1], 40.0)
}

func TestLanczos_Identity(t *testing.T) {
	t.Parallel()
	tile := NewTile(30, 10, 8, 6, 1)
	img := make([]float32, 8*6)
	for i := range img {
		img[i] = float32(i)
	}
	for _, order := range []int{0, 3} {
		m, err := Lanczos{Order: order}.Resample(tile, tile, [][]float32{img})
		require.NoError(t, err)
		require.Equal(t, 48, m.Len())
		for k := 0; k < m.Len(); k++ {
			assert.Equal(t, m.Xo[k], m.Xi[k])
			assert.Equal(t, m.Yo[k], m.Yi[k])
			assert.InDelta(t, float64(img[m.Yo[k]*8+m.Xo[k]]), float64(m.Values[0][k]), 1e-4)
		}
	}
}

func TestLanczos_ShiftedGrid(t *testing.T) {
	t.Parallel()
	tile := NewTile(30, 10, 8, 6, 1)
	src := tile.Subimage(2, 1, 4, 4)
	img := make([]float32, 16)
	for i := range img {
		img[i] = 7
	}
	m, err := Lanczos{Order: 3}.Resample(tile, src, [][]float32{img})
	require.NoError(t, err)
	assert.Equal(t, 16, m.Len())
	for k := 0; k < m.Len(); k++ {
		assert.Equal(t, m.Xo[k]-2, m.Xi[k])
		assert.Equal(t, m.Yo[k]-1, m.Yi[k])
		assert.InDelta(t, 7, float64(m.Values[0][k]), 1e-5)
	}

	inv, err := Lanczos{}.Resample(src, tile, nil)
	require.NoError(t, err)
	assert.Equal(t, 16, inv.Len())
	assert.Empty(t, inv.Values)
}

func TestLanczos_NoOverlap(t *testing.T) {
	t.Parallel()
	a := NewTile(30, 10, 8, 8, 1)
	b := NewTile(31, 10, 8, 8, 1)
	_, err := Lanczos{Order: 3}.Resample(a, b, nil)
	assert.ErrorIs(t, err, ErrNoOverlap)
}
