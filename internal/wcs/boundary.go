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
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Returned when two grids do not share any pixels
var ErrNoOverlap = errors.New("no overlap")

// Inclusive pixel bounding box
type Box struct {
	X0, X1, Y0, Y1 int
}

func (b Box) W() int      { return b.X1 - b.X0 + 1 }
func (b Box) H() int      { return b.Y1 - b.Y0 + 1 }
func (b Box) Area() int   { return b.W() * b.H() }
func (b Box) Empty() bool { return b.X1 < b.X0 || b.Y1 < b.Y0 }

func (b Box) String() string {
	return fmt.Sprintf("[%d:%d,%d:%d]", b.X0, b.X1, b.Y0, b.Y1)
}

// Clip to [0,w-1] x [0,h-1]
func (b Box) Clip(w, h int) Box {
	return Box{clampInt(b.X0, 0, w-1), clampInt(b.X1, 0, w-1), clampInt(b.Y0, 0, h-1), clampInt(b.Y1, 0, h-1)}
}

// Projection of the sub-grid covered by this box
func (b Box) Sub(p Projection) Projection {
	return p.Subimage(b.X0, b.Y0, b.W(), b.H())
}

// Walks the pixel boundary of the projection counter-clockwise, expanded by margin
// pixels, and returns the sky positions as (ra,dec) points. The ring is not closed.
func WalkBoundary(p Projection, step, margin float64) orb.Ring {
	xlo, ylo := -margin, -margin
	xhi, yhi := float64(p.Width()-1)+margin, float64(p.Height()-1)+margin
	if step <= 0 {
		step = math.Max(xhi-xlo, yhi-ylo)
	}
	xwalk := linspace(xlo, xhi, int(math.Ceil((xhi-xlo)/step))+1)
	ywalk := linspace(ylo, yhi, int(math.Ceil((yhi-ylo)/step))+1)

	pix := make([]orb.Point, 0, 2*(len(xwalk)+len(ywalk)))
	for _, x := range xwalk[:len(xwalk)-1] { // bottom
		pix = append(pix, orb.Point{x, ylo})
	}
	for _, y := range ywalk[:len(ywalk)-1] { // right
		pix = append(pix, orb.Point{xhi, y})
	}
	for i := len(xwalk) - 1; i > 0; i-- { // top
		pix = append(pix, orb.Point{xwalk[i], yhi})
	}
	for i := len(ywalk) - 1; i > 0; i-- { // left
		pix = append(pix, orb.Point{xlo, ywalk[i]})
	}

	ring := make(orb.Ring, 0, len(pix))
	for _, q := range pix {
		ra, dec, ok := p.PixelToSky(q[0], q[1])
		if ok {
			ring = append(ring, orb.Point{ra, dec})
		}
	}
	return ring
}

// Sky bounds of a projection as RA and Dec ranges. RA ranges crossing zero are not unwrapped.
func SkyBounds(p Projection) orb.Bound {
	return WalkBoundary(p, 0, 0).Bound()
}

// Inclusive bounding boxes of the overlap between a tile and a frame: co in tile
// pixels and im in frame pixels, both clipped to their grids. Boundaries are walked
// with the given pixel margin. Returns ErrNoOverlap if the footprints are disjoint.
func Extents(tile, frame Projection, margin float64) (co, im Box, err error) {
	co, err = projectedBox(frame, tile, margin)
	if err != nil {
		return co, im, err
	}
	im, err = projectedBox(tile, frame, margin)
	return co, im, err
}

// Bounding box of src's boundary in dst pixel coordinates
func projectedBox(src, dst Projection, margin float64) (Box, error) {
	ring := WalkBoundary(src, float64(maxInt(src.Width(), src.Height()))/2, margin)
	pts := make(orb.MultiPoint, 0, len(ring))
	for _, q := range ring {
		x, y, ok := dst.SkyToPixel(q[0], q[1])
		if ok && !math.IsNaN(x) && !math.IsNaN(y) {
			pts = append(pts, orb.Point{x, y})
		}
	}
	if len(pts) == 0 {
		return Box{}, ErrNoOverlap
	}
	b := pts.Bound()
	grid := orb.Bound{Min: orb.Point{-0.5, -0.5}, Max: orb.Point{float64(dst.Width()) - 0.5, float64(dst.Height()) - 0.5}}
	if !b.Intersects(grid) {
		return Box{}, ErrNoOverlap
	}
	const eps = 1e-6 // round-trip noise on pixel centers
	box := Box{
		X0: int(math.Floor(b.Min[0] + eps)), X1: int(math.Ceil(b.Max[0] - eps)),
		Y0: int(math.Floor(b.Min[1] + eps)), Y1: int(math.Ceil(b.Max[1] - eps)),
	}
	return box.Clip(dst.Width(), dst.Height()), nil
}

func linspace(lo, hi float64, n int) []float64 {
	if n < 2 {
		n = 2
	}
	res := make([]float64, n)
	for i := range res {
		res[i] = lo + (hi-lo)*float64(i)/float64(n-1)
	}
	return res
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
