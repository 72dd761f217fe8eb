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

// Package fits reads and writes the primary image of FITS files, optionally gzipped.
package fits

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"
	"github.com/klauspost/compress/gzip"

	"github.com/hoxca/skystack/internal/wcs"
)

var ErrNotImage = errors.New("primary HDU is not a 2D image")

// Primary image of a FITS file.
// Spec here:   https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
type Image struct {
	FileName string
	Bitpix   int            // Bits per pixel value from the header. Positive values are integral, negative floating
	Naxisn   []int          // Axis dimensions, X first
	Header   *fitsio.Header // All header cards
	Data     []float32      // Pixel values with BZERO and BSCALE applied
}

func (img *Image) Width() int  { return img.Naxisn[0] }
func (img *Image) Height() int { return img.Naxisn[1] }

func (img *Image) DimensionsToString() string {
	return fmt.Sprintf("%dx%d", img.Naxisn[0], img.Naxisn[1])
}

// Numeric header value for key
func (img *Image) Float(key string) (float64, bool) {
	return cardFloat(img.Header, key)
}

// String header value for key
func (img *Image) Text(key string) (string, bool) {
	c := img.Header.Get(key)
	if c == nil {
		return "", false
	}
	s, ok := c.Value.(string)
	return strings.TrimSpace(s), ok
}

// Projection described by the WCS cards of the header
func (img *Image) Projection() (*wcs.TAN, error) {
	t, err := wcs.FromHeader(img.Float, img.Width(), img.Height())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", img.FileName, err)
	}
	return t, nil
}

// Read the primary image of a FITS file. Names ending in .gz are decompressed
func ReadFile(fileName string) (*Image, error) {
	var img *Image
	err := withReader(fileName, func(r io.Reader) (err error) {
		img, err = Read(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	img.FileName = fileName
	return img, nil
}

// Read an integer bit mask image exactly, without a detour through float32
func ReadMaskFile(fileName string) (mask []uint32, w, h int, err error) {
	err = withReader(fileName, func(r io.Reader) error {
		hdu, hdr, err := primary(r)
		if err != nil {
			return err
		}
		w, h = hdr.Axes()[0], hdr.Axes()[1]
		bzero, _ := cardFloat(hdr, "BZERO")
		mask, err = readMask(hdu, hdr.Bitpix(), w*h, int64(bzero))
		return err
	})
	return mask, w, h, err
}

func withReader(fileName string, fn func(r io.Reader) error) error {
	f, err := os.Open(fileName)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(fileName, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("%s: %w", fileName, err)
		}
		defer gz.Close()
		r = gz
	}
	if err := fn(r); err != nil {
		return fmt.Errorf("%s: %w", fileName, err)
	}
	return nil
}

func primary(r io.Reader) (fitsio.Image, *fitsio.Header, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, nil, err
	}
	hdu, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, nil, ErrNotImage
	}
	hdr := hdu.Header()
	if axes := hdr.Axes(); len(axes) != 2 {
		return nil, nil, fmt.Errorf("%w: %d axes", ErrNotImage, len(axes))
	}
	return hdu, hdr, nil
}

// Read the primary image from a FITS stream
func Read(r io.Reader) (*Image, error) {
	hdu, hdr, err := primary(r)
	if err != nil {
		return nil, err
	}
	axes := hdr.Axes()
	img := &Image{
		Bitpix: hdr.Bitpix(),
		Naxisn: append([]int(nil), axes...),
		Header: hdr,
	}
	if img.Data, err = readData(hdu, img.Bitpix, axes[0]*axes[1]); err != nil {
		return nil, err
	}

	bzero, bscale := 0.0, 1.0
	if v, ok := cardFloat(hdr, "BZERO"); ok {
		bzero = v
	}
	if v, ok := cardFloat(hdr, "BSCALE"); ok {
		bscale = v
	}
	if bzero != 0 || bscale != 1 {
		for i, v := range img.Data {
			img.Data[i] = float32(bzero + bscale*float64(v))
		}
	}
	return img, nil
}

// Read raw integer pixel values plus the zero offset as bit patterns
func readMask(hdu fitsio.Image, bitpix int, n int, bzero int64) ([]uint32, error) {
	res := make([]uint32, n)
	switch bitpix {
	case 8:
		raw := make([]uint8, n)
		if err := hdu.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			res[i] = uint32(int64(v) + bzero)
		}
	case 16:
		raw := make([]int16, n)
		if err := hdu.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			res[i] = uint32(int64(v) + bzero)
		}
	case 32:
		raw := make([]int32, n)
		if err := hdu.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			res[i] = uint32(int64(v) + bzero)
		}
	default:
		return nil, fmt.Errorf("unsupported mask BITPIX %d", bitpix)
	}
	return res, nil
}

// Read raw pixel values in their stored type and widen them to float32
func readData(hdu fitsio.Image, bitpix int, n int) ([]float32, error) {
	res := make([]float32, n)
	switch bitpix {
	case 8:
		raw := make([]uint8, n)
		if err := hdu.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			res[i] = float32(v)
		}
	case 16:
		raw := make([]int16, n)
		if err := hdu.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			res[i] = float32(v)
		}
	case 32:
		raw := make([]int32, n)
		if err := hdu.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			res[i] = float32(v)
		}
	case -32:
		if err := hdu.Read(&res); err != nil {
			return nil, err
		}
	case -64:
		raw := make([]float64, n)
		if err := hdu.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			res[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	return res, nil
}

func cardFloat(hdr *fitsio.Header, key string) (float64, bool) {
	c := hdr.Get(key)
	if c == nil {
		return 0, false
	}
	switch v := c.Value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}

// Convert projection keywords into header cards
func Cards(cs []wcs.Card) []fitsio.Card {
	res := make([]fitsio.Card, len(cs))
	for i, c := range cs {
		res[i] = fitsio.Card{Name: c.Name, Value: c.Value, Comment: c.Comment}
	}
	return res
}

// Write a 2D float32 image with the given cards
func WriteFloat32(fileName string, w, h int, data []float32, cards []fitsio.Card) error {
	return writeFile(fileName, -32, w, h, data, cards)
}

// Write a 2D int16 image with the given cards
func WriteInt16(fileName string, w, h int, data []int16, cards []fitsio.Card) error {
	return writeFile(fileName, 16, w, h, data, cards)
}

// Write a 2D uint8 image with the given cards
func WriteUint8(fileName string, w, h int, data []uint8, cards []fitsio.Card) error {
	return writeFile(fileName, 8, w, h, data, cards)
}

// Write into a temporary file next to fileName and rename on success, so that
// readers never observe partial products. Names ending in .gz are compressed
func writeFile(fileName string, bitpix, w, h int, data interface{}, cards []fitsio.Card) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(fileName), "."+filepath.Base(fileName)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	var out io.Writer = tmp
	var gz *gzip.Writer
	if strings.HasSuffix(fileName, ".gz") {
		gz = gzip.NewWriter(tmp)
		out = gz
	}
	if err = Write(out, bitpix, w, h, data, cards); err != nil {
		return fmt.Errorf("%s: %w", fileName, err)
	}
	if gz != nil {
		if err = gz.Close(); err != nil {
			return err
		}
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fileName)
}

// Write a single-HDU FITS stream
func Write(out io.Writer, bitpix, w, h int, data interface{}, cards []fitsio.Card) error {
	f, err := fitsio.Create(out)
	if err != nil {
		return err
	}
	img := fitsio.NewImage(bitpix, []int{w, h})
	defer img.Close()
	if len(cards) > 0 {
		if err := img.Header().Append(cards...); err != nil {
			return err
		}
	}
	if err := img.Write(data); err != nil {
		return err
	}
	if err := f.Write(img); err != nil {
		return err
	}
	return f.Close()
}
