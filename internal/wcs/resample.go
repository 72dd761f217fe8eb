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
	"math"
)

// Matched pixel pairs between a destination and a source grid. Index k pairs
// destination pixel (Xo[k],Yo[k]) with nearest source pixel (Xi[k],Yi[k]).
// Values[j][k] is source image j interpolated at the destination pixel.
type Match struct {
	Xo, Yo []int
	Xi, Yi []int
	Values [][]float32
}

func (m *Match) Len() int { return len(m.Xo) }

// Lanczos resampler of the given order. Order 0 selects nearest neighbour.
type Lanczos struct {
	Order int
}

// Resample the source images, row-major with src dimensions, onto the dst grid.
// Images may be empty to compute the index mapping only. Returns ErrNoOverlap if
// no destination pixel lands on the source grid.
func (l Lanczos) Resample(dst, src Projection, imgs [][]float32) (*Match, error) {
	sw, sh := src.Width(), src.Height()
	dw, dh := dst.Width(), dst.Height()
	m := &Match{Values: make([][]float32, len(imgs))}

	a := l.Order
	wx := make([]float64, 2*a+1)
	wy := make([]float64, 2*a+1)

	for yo := 0; yo < dh; yo++ {
		for xo := 0; xo < dw; xo++ {
			ra, dec, ok := dst.PixelToSky(float64(xo), float64(yo))
			if !ok {
				continue
			}
			fx, fy, ok := src.SkyToPixel(ra, dec)
			if !ok {
				continue
			}
			xi, yi := int(math.Round(fx)), int(math.Round(fy))
			if xi < 0 || xi >= sw || yi < 0 || yi >= sh {
				continue
			}
			m.Xo, m.Yo = append(m.Xo, xo), append(m.Yo, yo)
			m.Xi, m.Yi = append(m.Xi, xi), append(m.Yi, yi)
			if len(imgs) == 0 {
				continue
			}
			if a <= 0 {
				for j, img := range imgs {
					m.Values[j] = append(m.Values[j], img[yi*sw+xi])
				}
				continue
			}

			// separable kernel weights around the nearest pixel
			for k := -a; k <= a; k++ {
				wx[k+a] = lanczos(fx-float64(xi+k), a)
				wy[k+a] = lanczos(fy-float64(yi+k), a)
			}
			for j, img := range imgs {
				sum, norm := 0.0, 0.0
				for ky := -a; ky <= a; ky++ {
					y := yi + ky
					if y < 0 || y >= sh || wy[ky+a] == 0 {
						continue
					}
					row := img[y*sw:]
					for kx := -a; kx <= a; kx++ {
						x := xi + kx
						if x < 0 || x >= sw || wx[kx+a] == 0 {
							continue
						}
						w := wx[kx+a] * wy[ky+a]
						sum += w * float64(row[x])
						norm += w
					}
				}
				if norm != 0 {
					sum /= norm
				}
				m.Values[j] = append(m.Values[j], float32(sum))
			}
		}
	}

	if m.Len() == 0 {
		return nil, ErrNoOverlap
	}
	return m, nil
}

// Lanczos kernel of order a
func lanczos(x float64, a int) float64 {
	if x == 0 {
		return 1
	}
	fa := float64(a)
	if x <= -fa || x >= fa {
		return 0
	}
	px := math.Pi * x
	return fa * math.Sin(px) * math.Sin(px/fa) / (px * px)
}

// Geometry collaborator combining footprint extents with Lanczos resampling
type Resampler struct {
	Lanczos
	Margin float64 // Boundary walk margin in pixels
}

func NewResampler(order int, margin float64) *Resampler {
	return &Resampler{Lanczos: Lanczos{Order: order}, Margin: margin}
}

func (r *Resampler) Extents(tile, frame Projection) (co, im Box, err error) {
	return Extents(tile, frame, r.Margin)
}
