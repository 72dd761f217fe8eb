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

	"github.com/hoxca/skystack/internal/wcs"
)

// Per-pixel running sums of a weighted coadd over a W x H tile
type Sums struct {
	W, H  int
	Sum   []float64 // sum of w*v
	SumSq []float64 // sum of w*v*v
	Wt    []float64 // sum of w
	N     []int32   // number of contributing frames
}

func NewSums(w, h int) Sums {
	return Sums{
		W: w, H: h,
		Sum:   make([]float64, w*h),
		SumSq: make([]float64, w*h),
		Wt:    make([]float64, w*h),
		N:     make([]int32, w*h),
	}
}

// Add value v with weight w at tile pixel i
func (s *Sums) add(i int, w, v float64) {
	s.Sum[i] += w * v
	s.SumSq[i] += w * v * v
	s.Wt[i] += w
	s.N[i]++
}

// Weighted mean at pixel i
func (s *Sums) Mean(i int, tinyw float64) float64 {
	return s.Sum[i] / math.Max(s.Wt[i], tinyw)
}

// Weighted per-pixel standard deviation at pixel i
func (s *Sums) Std(i int, tinyw float64) float64 {
	w := math.Max(s.Wt[i], tinyw)
	m := s.Sum[i] / w
	return math.Sqrt(math.Max(0, s.SumSq[i]/w-m*m))
}

// Returns an error wrapping ErrNonFinite at the first non-finite sum
func (s *Sums) CheckFinite() error {
	for i := range s.Sum {
		if !finite(s.Sum[i]) || !finite(s.SumSq[i]) || !finite(s.Wt[i]) {
			return fmt.Errorf("%w: pixel (%d,%d)", ErrNonFinite, i%s.W, i/s.W)
		}
	}
	return nil
}

// Mean, standard deviation, inverse variance and count images
func (s *Sums) Image(tinyw float64) Image {
	n := s.W * s.H
	img := Image{
		Mean:   make([]float32, n),
		Std:    make([]float32, n),
		InvVar: make([]float32, n),
		N:      make([]int16, n),
	}
	for i := 0; i < n; i++ {
		img.Mean[i] = float32(s.Mean(i, tinyw))
		img.Std[i] = float32(s.Std(i, tinyw))
		img.InvVar[i] = float32(s.Wt[i])
		c := s.N[i]
		if c > math.MaxInt16 {
			c = math.MaxInt16
		}
		img.N[i] = int16(c)
	}
	return img
}

// Round one sums. Read-only once reduced
type Provisional struct {
	Sums
}

func NewProvisional(w, h int) *Provisional {
	return &Provisional{Sums: NewSums(w, h)}
}

// Fold a resampled frame into the provisional sums. Serial use only
func (p *Provisional) Add(rr *ResampledFrame) {
	forEachValid(rr.CoExtent, p.W, rr.RMask, func(i, j int) {
		p.add(i, rr.W, float64(rr.RImg[j]))
	})
}

// Coadd mean and standard deviation at tile pixel i with a frame of weight w and
// value v removed. subw is the remaining weight before flooring.
func (p *Provisional) LeaveOneOut(i int, w, v, tinyw float64) (mean, std, subw float64) {
	subw = p.Wt[i] - w
	sw := math.Max(subw, tinyw)
	mean = (p.Sum[i] - w*v) / sw
	sq := (p.SumSq[i] - w*v*v) / sw
	return mean, math.Sqrt(math.Max(0, sq-mean*mean)), subw
}

// Final sums, unmasked and quality-masked
type Accumulator struct {
	W, H     int
	Unmasked Sums
	Masked   Sums
}

func NewAccumulator(w, h int) *Accumulator {
	return &Accumulator{W: w, H: h, Unmasked: NewSums(w, h), Masked: NewSums(w, h)}
}

// Fold one included frame into both variants. Nil contributions are ignored. Serial use only
func (a *Accumulator) Add(c *Contribution) {
	if c == nil {
		return
	}
	forEachValid(c.Box, a.W, c.RMask, func(i, j int) {
		v := float64(c.Values[j])
		a.Unmasked.add(i, c.W, v)
		if c.RMask2[j] {
			a.Masked.add(i, c.W, v)
		}
	})
}

func (a *Accumulator) CheckFinite() error {
	if err := a.Unmasked.CheckFinite(); err != nil {
		return fmt.Errorf("unmasked: %w", err)
	}
	if err := a.Masked.CheckFinite(); err != nil {
		return fmt.Errorf("masked: %w", err)
	}
	return nil
}

func (a *Accumulator) Products(tinyw float64) *Products {
	return &Products{
		W: a.W, H: a.H,
		Unmasked: a.Unmasked.Image(tinyw),
		Masked:   a.Masked.Image(tinyw),
	}
}

// A coadd image product
type Image struct {
	Mean   []float32
	Std    []float32
	InvVar []float32
	N      []int16
}

// Image products of one tile and band
type Products struct {
	W, H     int
	Unmasked Image
	Masked   Image
	Sky      float64 // Residual sky subtracted from both means
}

// Call fn(tile index, box index) for every pixel of box where mask is set
func forEachValid(box wcs.Box, tileW int, mask []bool, fn func(i, j int)) {
	bw := box.W()
	for y := box.Y0; y <= box.Y1; y++ {
		row := (y - box.Y0) * bw
		for x := box.X0; x <= box.X1; x++ {
			j := row + x - box.X0
			if mask[j] {
				fn(y*tileW+x, j)
			}
		}
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
