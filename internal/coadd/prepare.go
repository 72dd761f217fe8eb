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

package coadd

import (
	"fmt"
	"math"

	"github.com/hoxca/skystack/internal/sky"
	"github.com/hoxca/skystack/internal/stats"
	"github.com/hoxca/skystack/internal/wcs"
)

// Good pixel mask over the given box of a frame. A pixel is good if none of the
// rejected mask bits are set, its uncertainty is nonzero, and both image and
// uncertainty are finite.
func GoodMask(f *InputFrame, box wcs.Box, bits uint32) []bool {
	good := make([]bool, box.Area())
	bw := box.W()
	for y := box.Y0; y <= box.Y1; y++ {
		for x := box.X0; x <= box.X1; x++ {
			i := y*f.W + x
			v, u := float64(f.Image[i]), float64(f.Unc[i])
			ok := u != 0 && finite(v) && finite(u)
			if ok && f.Mask != nil {
				ok = f.Mask[i]&bits == 0
			}
			good[(y-box.Y0)*bw+x-box.X0] = ok
		}
	}
	return good
}

// Copy the given box out of a row-major w-wide raster
func crop(data []float32, w int, box wcs.Box) []float32 {
	bw := box.W()
	res := make([]float32, box.Area())
	for y := box.Y0; y <= box.Y1; y++ {
		copy(res[(y-box.Y0)*bw:(y-box.Y0+1)*bw], data[y*w+box.X0:y*w+box.X1+1])
	}
	return res
}

// Replace bad pixels with the mean of their good 4-neighbours, repeating until all
// pixels are good. Patched pixels count as good in later passes. Returns false if a
// pass makes no progress. Modifies both data and good.
func Patch(data []float32, good []bool, w, h int) bool {
	todo := make([]int, 0)
	for i, ok := range good {
		if !ok {
			todo = append(todo, i)
		}
	}
	type patched struct {
		i int
		v float32
	}
	var round []patched
	for len(todo) > 0 {
		round = round[:0]
		rest := todo[:0]
		for _, i := range todo {
			x, y := i%w, i/w
			sum, n := 0.0, 0
			if x > 0 && good[i-1] {
				sum, n = sum+float64(data[i-1]), n+1
			}
			if x < w-1 && good[i+1] {
				sum, n = sum+float64(data[i+1]), n+1
			}
			if y > 0 && good[i-w] {
				sum, n = sum+float64(data[i-w]), n+1
			}
			if y < h-1 && good[i+w] {
				sum, n = sum+float64(data[i+w]), n+1
			}
			if n == 0 {
				rest = append(rest, i)
				continue
			}
			round = append(round, patched{i, float32(sum / float64(n))})
		}
		if len(round) == 0 {
			return false
		}
		// apply after the pass so results do not depend on scan order
		for _, p := range round {
			data[p.i] = p.v
			good[p.i] = true
		}
		todo = rest
	}
	return true
}

// Estimate the sky level of a full frame in native units from its good pixels.
// The histogram covers [med-2*sig1, med+sig1] around an approximate median taken
// on every fourth pixel in each direction.
func FrameSky(f *InputFrame, good []bool, sig1 float64, p *Params) (float64, error) {
	approx := make([]float64, 0, len(good)/16+1)
	for y := 0; y < f.H; y += 4 {
		for x := 0; x < f.W; x += 4 {
			if i := y*f.W + x; good[i] {
				approx = append(approx, float64(f.Image[i]))
			}
		}
	}
	med := stats.MedianInPlace(approx)
	if math.IsNaN(med) {
		return 0, fmt.Errorf("sky: %w", ErrNoGoodPixels)
	}

	sample := make([]float32, 0, len(good))
	for i, ok := range good {
		if ok {
			sample = append(sample, f.Image[i])
		}
	}
	if p.SkyDither {
		sky.Dither(sample, sig1, sky.SeedFor(f.Spec.ID))
	}
	return sky.Estimate(sample, med-2*sig1, med+sig1, p.Sky)
}

// Median of the uncertainty over good pixels of a box
func medianUnc(f *InputFrame, box wcs.Box, good []bool) float64 {
	bw := box.W()
	us := make([]float64, 0, len(good))
	for j, ok := range good {
		if ok {
			x, y := box.X0+j%bw, box.Y0+j/bw
			us = append(us, float64(f.Unc[y*f.W+x]))
		}
	}
	return stats.MedianInPlace(us)
}

func countFalse(bs []bool) int {
	n := 0
	for _, b := range bs {
		if !b {
			n++
		}
	}
	return n
}

// Quality statistics of a full native frame, before any resampling
type FrameStats struct {
	ID    string
	W, H  int
	NBad  int     // Pixels failing the good pixel test
	Sig1  float64 // Median uncertainty over good pixels, native units
	Sky   float64 // Native units, zero if not estimated
	ZP    float64
	Scale float64 // Zeropoint scale including the band flux factor
}

func (s *FrameStats) String() string {
	return fmt.Sprintf("%s: %dx%d bad %d (%.2f%%) sig1 %.4g sky %.4g zp %.3f scale %.4g",
		s.ID, s.W, s.H, s.NBad, 100*float64(s.NBad)/float64(s.W*s.H), s.Sig1, s.Sky, s.ZP, s.Scale)
}

// Compute quality statistics of a loaded frame. The sky is estimated only if
// frame sky subtraction is enabled
func Inspect(f *InputFrame, p *Params) (*FrameStats, error) {
	if len(f.Image) != f.W*f.H || len(f.Unc) != f.W*f.H {
		return nil, fmt.Errorf("%s: raster sizes differ from %dx%d", f.Spec.ID, f.W, f.H)
	}
	full := wcs.Box{X0: 0, X1: f.W - 1, Y0: 0, Y1: f.H - 1}
	good := GoodMask(f, full, p.MaskBits)
	s := &FrameStats{ID: f.Spec.ID, W: f.W, H: f.H, NBad: countFalse(good), ZP: f.Spec.ZP,
		Scale: ZeropointScale(f.Spec.ZP) * p.FluxScale}
	if s.NBad == len(good) {
		return s, ErrNoGoodPixels
	}
	s.Sig1 = medianUnc(f, full, good)
	if p.FrameSky {
		level, err := FrameSky(f, good, s.Sig1, p)
		if err != nil {
			return s, err
		}
		s.Sky = level
	}
	return s, nil
}
