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
	"strings"

	"github.com/hoxca/skystack/internal/sky"
)

// Structuring element for growing outlier masks
type Kernel int

const (
	KernelBox   Kernel = iota // Full 3x3 neighbourhood
	KernelCross               // 4-connected neighbours only
)

func (k Kernel) String() string {
	if k == KernelCross {
		return "cross"
	}
	return "box"
}

func ParseKernel(s string) (Kernel, error) {
	switch strings.ToLower(s) {
	case "", "box":
		return KernelBox, nil
	case "cross":
		return KernelCross, nil
	}
	return KernelBox, fmt.Errorf("unknown dilation kernel %q", s)
}

// Mask bits of the native quality mask rejected by default: detector defects,
// saturation, latents, ghosts and diffraction spikes
var DefaultMaskBits = maskBits(0, 1, 2, 3, 4, 5, 6, 7, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 21, 26, 27, 28)

func maskBits(bits ...uint) uint32 {
	m := uint32(0)
	for _, b := range bits {
		m |= 1 << b
	}
	return m
}

// Parameters for coadding one tile in one band
type Params struct {
	LanczosOrder int     // Resampling kernel order, 0 for nearest neighbour
	ExtentMargin float64 // Margin in pixels when walking footprint boundaries
	MaskBits     uint32  // Native mask bits marking a pixel bad
	MaxPatched   int     // Drop frames with more bad pixels than this in the overlap region

	FrameSky  bool        // Estimate and subtract a sky level per frame
	SkyDither bool        // Add noise of the frame's sig1 to the sky sample first
	CoaddSky  bool        // Estimate and subtract a residual sky level from the final coadd
	Sky       sky.Options // Histogram parameters for both sky fits
	FluxScale float64     // Extra per-band factor on the zeropoint scale

	RchiCut        float64 // Pixels with |rchi| at or above this are outliers
	MaxBadFraction float64 // Exclude frames with more outliers than this fraction of overlap pixels
	Kernel         Kernel  // Growth kernel for outlier masks
	GrowIterations int     // Number of dilations
	EstimateDSky   bool    // Estimate a per-frame sky offset against the leave-one-out coadd

	StdFloor    float64 // Floor on the leave-one-out standard deviation
	TinyW       float64 // Floor on accumulated weights
	MaxFailures int     // Abort the tile when more frames than this fail to load. Negative for no limit
}

func DefaultParams() Params {
	return Params{
		LanczosOrder:   3,
		ExtentMargin:   2,
		MaskBits:       DefaultMaskBits,
		MaxPatched:     100000,
		FrameSky:       true,
		SkyDither:      true,
		CoaddSky:       true,
		Sky:            sky.Options{Bins: sky.DefaultBins},
		FluxScale:      1,
		RchiCut:        5,
		MaxBadFraction: 0.01,
		Kernel:         KernelBox,
		GrowIterations: 1,
		StdFloor:       1e-6,
		TinyW:          1e-16,
	}
}

// Print parameters for coadding
func (p *Params) String() string {
	return fmt.Sprintf("lanczos %d extentMargin %.1f maskBits %#x maxPatched %d frameSky %v skyDither %v coaddSky %v "+
		"sky {%s} fluxScale %.3g rchiCut %.2f maxBadFraction %.4f kernel %s grow %d dsky %v "+
		"stdFloor %.2g tinyW %.2g maxFailures %d",
		p.LanczosOrder, p.ExtentMargin, p.MaskBits, p.MaxPatched, p.FrameSky, p.SkyDither, p.CoaddSky,
		p.Sky, p.FluxScale, p.RchiCut, p.MaxBadFraction, p.Kernel, p.GrowIterations, p.EstimateDSky,
		p.StdFloor, p.TinyW, p.MaxFailures)
}

// Check parameters for consistency
func (p *Params) Validate() error {
	switch {
	case p.LanczosOrder < 0:
		return fmt.Errorf("lanczos order must be non-negative, got %d", p.LanczosOrder)
	case !(p.RchiCut > 0):
		return fmt.Errorf("rchi cut must be positive, got %g", p.RchiCut)
	case p.MaxBadFraction < 0 || p.MaxBadFraction > 1:
		return fmt.Errorf("max bad fraction must be in [0,1], got %g", p.MaxBadFraction)
	case p.GrowIterations < 0:
		return fmt.Errorf("grow iterations must be non-negative, got %d", p.GrowIterations)
	case !(p.StdFloor > 0) || !(p.TinyW > 0):
		return fmt.Errorf("std floor and tiny weight must be positive")
	case !(p.FluxScale > 0):
		return fmt.Errorf("flux scale must be positive, got %g", p.FluxScale)
	}
	return nil
}

// Scale converting native units at the given magnitude zeropoint to nanomaggies (zeropoint 22.5)
func ZeropointScale(zp float64) float64 {
	return math.Pow(10, (22.5-zp)/2.5)
}
