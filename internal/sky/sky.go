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

// Package sky estimates background levels by fitting a parabola to the
// log-counts of a pixel value histogram around the mode.
package sky

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/hoxca/skystack/internal/stats"
)

const DefaultBins = 24

// Fewer usable bins than this fall back to the median
const minUsableBins = 4

var (
	ErrRange       = errors.New("empty histogram range")
	ErrEmptySample = errors.New("no sample values in range")
)

// Parameters for sky estimation
type Options struct {
	Bins      int  // Number of histogram bins. Zero selects DefaultBins
	Omit      bool // Omit the bin containing OmitValue
	OmitValue float64
	MaxDev    float64 // Iteratively drop interior bins whose log-count exceeds the neighbour mean by this much. Zero disables
}

func (o Options) String() string {
	return fmt.Sprintf("bins %d omit %v omitValue %.4g maxDev %.3g", o.bins(), o.Omit, o.OmitValue, o.MaxDev)
}

func (o Options) bins() int {
	if o.Bins <= 0 {
		return DefaultBins
	}
	return o.Bins
}

// Result of a sky fit. Centers, LogCounts and Model hold the retained bins
type Fit struct {
	Centers   []float64
	LogCounts []float64
	Model     []float64
	Coeffs    [3]float64 // Parabola in normalized bin coordinates
	Sky       float64
	Fallback  bool // Sky is the in-range median, no parabola fitted
}

// Estimate the sky level of sample from its histogram over [lo,hi]
func Estimate(sample []float32, lo, hi float64, opt Options) (float64, error) {
	fit, err := EstimateFit(sample, lo, hi, opt)
	if err != nil {
		return math.NaN(), err
	}
	return fit.Sky, nil
}

// Estimate the sky level, returning the histogram and fitted model as well
func EstimateFit(sample []float32, lo, hi float64, opt Options) (*Fit, error) {
	if !(hi > lo) || math.IsInf(hi-lo, 0) {
		return nil, fmt.Errorf("%w: [%g,%g]", ErrRange, lo, hi)
	}
	nbins := opt.bins()
	width := (hi - lo) / float64(nbins)

	counts := make([]int, nbins)
	inRange := make([]float64, 0, len(sample)/2)
	for _, v := range sample {
		f := float64(v)
		if !(f >= lo && f <= hi) {
			continue
		}
		i := int((f - lo) / width)
		if i >= nbins {
			i = nbins - 1 // right edge is inclusive
		}
		counts[i]++
		inRange = append(inRange, f)
	}
	if len(inRange) == 0 {
		return nil, ErrEmptySample
	}

	type bin struct {
		center, logc float64
		n            int
	}
	bins := make([]bin, 0, nbins)
	for i, n := range counts {
		left := lo + float64(i)*width
		if opt.Omit && left < opt.OmitValue && opt.OmitValue < left+width {
			continue
		}
		bins = append(bins, bin{left + width/2, math.Log10(math.Max(1, float64(n))), n})
	}

	// drop spikes relative to the two neighbours until stable
	for opt.MaxDev > 0 && len(bins) >= 3 {
		kept := []bin{bins[0]}
		for i := 1; i < len(bins)-1; i++ {
			de := bins[i].logc - (bins[i-1].logc+bins[i+1].logc)/2
			if de < opt.MaxDev {
				kept = append(kept, bins[i])
			}
		}
		kept = append(kept, bins[len(bins)-1])
		if len(kept) == len(bins) {
			break
		}
		bins = kept
	}

	usable := 0
	for _, b := range bins {
		if b.n > 0 {
			usable++
		}
	}

	fit := &Fit{}
	for _, b := range bins {
		fit.Centers = append(fit.Centers, b.center)
		fit.LogCounts = append(fit.LogCounts, b.logc)
	}
	if usable < minUsableBins {
		return fallback(fit, inRange), nil
	}

	xscale := 0.5 * (hi - lo)
	x0 := 0.5 * (hi + lo)
	a := mat.NewDense(len(bins), 3, nil)
	for i, b := range bins {
		x := (b.center - x0) / xscale
		a.Set(i, 0, 1)
		a.Set(i, 1, x)
		a.Set(i, 2, x*x)
	}
	var coef mat.VecDense
	if err := coef.SolveVec(a, mat.NewVecDense(len(bins), fit.LogCounts)); err != nil {
		return fallback(fit, inRange), nil
	}
	c0, c1, c2 := coef.AtVec(0), coef.AtVec(1), coef.AtVec(2)
	if !(c2 < 0) {
		return fallback(fit, inRange), nil // no maximum
	}
	mx := -c1/(2*c2)*xscale + x0
	if math.IsNaN(mx) || math.IsInf(mx, 0) {
		return fallback(fit, inRange), nil
	}

	fit.Coeffs = [3]float64{c0, c1, c2}
	fit.Sky = mx
	fit.Model = make([]float64, len(bins))
	for i, c := range fit.Centers {
		x := (c - x0) / xscale
		fit.Model[i] = c0 + c1*x + c2*x*x
	}
	return fit, nil
}

func fallback(fit *Fit, inRange []float64) *Fit {
	fit.Fallback = true
	fit.Sky = stats.MedianInPlace(inRange)
	return fit
}
