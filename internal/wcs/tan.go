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

// Package wcs maps pixel grids to the sky and resamples rasters between them.
// Pixel coordinates are zero-based throughout; FITS one-based reference
// pixels are converted on the way in and out.
package wcs

import (
	"errors"
	"fmt"
	"math"
)

// A projection between a pixel grid and sky coordinates in degrees
type Projection interface {
	Width() int
	Height() int

	// Sky position of the zero-based pixel (x,y). ok is false where the mapping is undefined
	PixelToSky(x, y float64) (ra, dec float64, ok bool)

	// Zero-based pixel position of the sky position (ra,dec)
	SkyToPixel(ra, dec float64) (x, y float64, ok bool)

	// Projection of the w x h sub-grid with lower left pixel (x0,y0)
	Subimage(x0, y0, w, h int) Projection
}

// Gnomonic (TAN) projection with a linear CD matrix, in degrees
type TAN struct {
	CRVal [2]float64    // Reference point on the sky, RA and Dec
	CRPix [2]float64    // Reference pixel, one-based as in FITS headers
	CD    [2][2]float64 // Linear transform from pixel offsets to intermediate world coordinates
	W, H  int           // Grid dimensions

	inv [2][2]float64
}

var ErrSingularCD = errors.New("singular CD matrix")

// Creates a TAN projection and precomputes the inverse of its CD matrix
func NewTAN(crval, crpix [2]float64, cd [2][2]float64, w, h int) (*TAN, error) {
	det := cd[0][0]*cd[1][1] - cd[0][1]*cd[1][0]
	if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
		return nil, ErrSingularCD
	}
	t := &TAN{CRVal: crval, CRPix: crpix, CD: cd, W: w, H: h}
	t.inv = [2][2]float64{
		{cd[1][1] / det, -cd[0][1] / det},
		{-cd[1][0] / det, cd[0][0] / det},
	}
	return t, nil
}

// Returns an axis-aligned tile projection centered on (ra,dec), with the given
// size in pixels and pixel scale in arcsec/pixel. RA increases to the left.
func NewTile(ra, dec float64, w, h int, pixscale float64) *TAN {
	s := pixscale / 3600
	t, _ := NewTAN([2]float64{ra, dec},
		[2]float64{float64(w+1) / 2, float64(h+1) / 2},
		[2][2]float64{{-s, 0}, {0, s}}, w, h)
	return t
}

func (t *TAN) Width() int  { return t.W }
func (t *TAN) Height() int { return t.H }

func (t *TAN) String() string {
	return fmt.Sprintf("TAN crval (%.6f,%.6f) crpix (%.2f,%.2f) cd [[%.4g %.4g] [%.4g %.4g]] %dx%d",
		t.CRVal[0], t.CRVal[1], t.CRPix[0], t.CRPix[1],
		t.CD[0][0], t.CD[0][1], t.CD[1][0], t.CD[1][1], t.W, t.H)
}

func (t *TAN) PixelToSky(x, y float64) (ra, dec float64, ok bool) {
	u := x + 1 - t.CRPix[0]
	v := y + 1 - t.CRPix[1]
	xi := deg2rad(t.CD[0][0]*u + t.CD[0][1]*v)
	eta := deg2rad(t.CD[1][0]*u + t.CD[1][1]*v)

	ra0, dec0 := deg2rad(t.CRVal[0]), deg2rad(t.CRVal[1])
	sd0, cd0 := math.Sincos(dec0)
	denom := cd0 - eta*sd0
	ra = ra0 + math.Atan2(xi, denom)
	dec = math.Atan2(sd0+eta*cd0, math.Hypot(xi, denom))

	ra = math.Mod(rad2deg(ra), 360)
	if ra < 0 {
		ra += 360
	}
	return ra, rad2deg(dec), true
}

func (t *TAN) SkyToPixel(ra, dec float64) (x, y float64, ok bool) {
	ra0, dec0 := deg2rad(t.CRVal[0]), deg2rad(t.CRVal[1])
	a, d := deg2rad(ra), deg2rad(dec)
	sd0, cd0 := math.Sincos(dec0)
	sd, cd := math.Sincos(d)
	sda, cda := math.Sincos(a - ra0)

	cosc := sd0*sd + cd0*cd*cda
	if cosc <= 0 {
		return 0, 0, false // opposite hemisphere
	}
	xi := rad2deg(cd * sda / cosc)
	eta := rad2deg((cd0*sd - sd0*cd*cda) / cosc)

	u := t.inv[0][0]*xi + t.inv[0][1]*eta
	v := t.inv[1][0]*xi + t.inv[1][1]*eta
	return u + t.CRPix[0] - 1, v + t.CRPix[1] - 1, true
}

func (t *TAN) Subimage(x0, y0, w, h int) Projection {
	s := *t
	s.CRPix[0] -= float64(x0)
	s.CRPix[1] -= float64(y0)
	s.W, s.H = w, h
	return &s
}

// Header keywords describing this projection, for writing FITS products
func (t *TAN) Cards() []Card {
	return []Card{
		{"CTYPE1", "RA---TAN", "TAN (gnomonic) projection"},
		{"CTYPE2", "DEC--TAN", "TAN (gnomonic) projection"},
		{"CRVAL1", t.CRVal[0], "RA  of reference point"},
		{"CRVAL2", t.CRVal[1], "Dec of reference point"},
		{"CRPIX1", t.CRPix[0], "X reference pixel"},
		{"CRPIX2", t.CRPix[1], "Y reference pixel"},
		{"CD1_1", t.CD[0][0], "Transformation matrix"},
		{"CD1_2", t.CD[0][1], ""},
		{"CD2_1", t.CD[1][0], ""},
		{"CD2_2", t.CD[1][1], ""},
		{"IMAGEW", t.W, "Image width"},
		{"IMAGEH", t.H, "Image height"},
	}
}

// A header keyword, value and comment
type Card struct {
	Name    string
	Value   interface{}
	Comment string
}

// Lookup of numeric header keywords
type HeaderFunc func(key string) (float64, bool)

// Reads a TAN projection from FITS header keywords. Supports the CD matrix
// and the CDELT/CROTA2 forms. SIP distortion terms are ignored.
func FromHeader(get HeaderFunc, w, h int) (*TAN, error) {
	must := func(key string) (float64, error) {
		v, ok := get(key)
		if !ok {
			return 0, fmt.Errorf("missing header keyword %s", key)
		}
		return v, nil
	}
	var crval, crpix [2]float64
	var err error
	for i, k := range []string{"CRVAL1", "CRVAL2"} {
		if crval[i], err = must(k); err != nil {
			return nil, err
		}
	}
	for i, k := range []string{"CRPIX1", "CRPIX2"} {
		if crpix[i], err = must(k); err != nil {
			return nil, err
		}
	}

	var cd [2][2]float64
	if v, ok := get("CD1_1"); ok {
		cd[0][0] = v
		cd[0][1], _ = get("CD1_2")
		cd[1][0], _ = get("CD2_1")
		cd[1][1], _ = get("CD2_2")
	} else {
		cdelt1, err := must("CDELT1")
		if err != nil {
			return nil, err
		}
		cdelt2, err := must("CDELT2")
		if err != nil {
			return nil, err
		}
		rot, _ := get("CROTA2")
		s, c := math.Sincos(deg2rad(rot))
		cd = [2][2]float64{{cdelt1 * c, -cdelt2 * s}, {cdelt1 * s, cdelt2 * c}}
	}
	return NewTAN(crval, crpix, cd, w, h)
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }
