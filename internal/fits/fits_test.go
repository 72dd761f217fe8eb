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

package fits

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoxca/skystack/internal/wcs"
)

func TestFloat32WithProjection(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tile := wcs.NewTile(150.5, -3.25, 6, 4, 2.75)
	data := make([]float32, 24)
	for i := range data {
		data[i] = float32(i) * 0.5
	}
	cards := append(Cards(tile.Cards()), fitsio.Card{Name: "MAGZP", Value: 22.5, Comment: "Zeropoint"})

	for _, name := range []string{"img.fits", "img.fits.gz"} {
		t.Run(name, func(t *testing.T) {
			fileName := filepath.Join(dir, name)
			require.NoError(t, WriteFloat32(fileName, 6, 4, data, cards))

			img, err := ReadFile(fileName)
			require.NoError(t, err)
			assert.Equal(t, []int{6, 4}, img.Naxisn)
			assert.Equal(t, -32, img.Bitpix)
			assert.Equal(t, data, img.Data)
			assert.Equal(t, "6x4", img.DimensionsToString())

			zp, ok := img.Float("MAGZP")
			require.True(t, ok)
			assert.Equal(t, 22.5, zp)
			_, ok = img.Float("NOSUCHKEY")
			assert.False(t, ok)
			ctype, ok := img.Text("CTYPE1")
			require.True(t, ok)
			assert.Equal(t, "RA---TAN", ctype)

			proj, err := img.Projection()
			require.NoError(t, err)
			ra, dec, ok := proj.PixelToSky(2.5, 1.5)
			require.True(t, ok)
			assert.InDelta(t, 150.5, ra, 1e-9)
			assert.InDelta(t, -3.25, dec, 1e-9)
		})
	}
}

func TestInt16(t *testing.T) {
	t.Parallel()
	fileName := filepath.Join(t.TempDir(), "n.fits")
	data := []int16{0, 1, 2, 3, 300, -1}
	require.NoError(t, WriteInt16(fileName, 3, 2, data, nil))

	img, err := ReadFile(fileName)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bitpix)
	assert.Equal(t, []float32{0, 1, 2, 3, 300, -1}, img.Data)
}

func TestMaskRoundTrip(t *testing.T) {
	t.Parallel()
	fileName := filepath.Join(t.TempDir(), "mask.fits.gz")
	data := []uint8{0, 1, 2, 3, 0, 2}
	require.NoError(t, WriteUint8(fileName, 2, 3, data, nil))

	mask, w, h, err := ReadMaskFile(fileName)
	require.NoError(t, err)
	assert.Equal(t, 2, w)
	assert.Equal(t, 3, h)
	assert.Equal(t, []uint32{0, 1, 2, 3, 0, 2}, mask)

	// no temporary files left behind
	entries, err := os.ReadDir(filepath.Dir(fileName))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadFile_Errors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	_, err := ReadFile(filepath.Join(dir, "missing.fits"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	junk := filepath.Join(dir, "junk.fits.gz")
	require.NoError(t, os.WriteFile(junk, []byte("not gzip"), 0o644))
	_, err = ReadFile(junk)
	assert.Error(t, err)
}
