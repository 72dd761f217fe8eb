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

	"github.com/hoxca/skystack/internal/logging"
	"github.com/hoxca/skystack/internal/wcs"
)

// Load one frame, clean and calibrate it, and resample it onto the tile sub-grid
// covering its footprint. Diagnostics are recorded into fr as they become known.
func (e *Exec) round1(tile wcs.Projection, spec FrameSpec, fr *FrameResult) (*ResampledFrame, error) {
	p := &e.Params
	f, err := e.Loader.Load(spec)
	if err != nil {
		return nil, &IOError{ID: spec.ID, Err: err}
	}
	fr.W, fr.H = f.W, f.H
	if len(f.Image) != f.W*f.H || len(f.Unc) != f.W*f.H || (f.Mask != nil && len(f.Mask) != f.W*f.H) {
		return nil, &IOError{ID: spec.ID, Err: fmt.Errorf("raster sizes differ from %dx%d", f.W, f.H)}
	}
	if f.Spec.Proj == nil {
		f.Spec.Proj = spec.Proj
	}
	if f.Spec.Proj == nil {
		return nil, fmt.Errorf("frame %s has no projection", spec.ID)
	}
	if math.IsNaN(f.Spec.ZP) {
		return nil, fmt.Errorf("frame %s has no zeropoint", spec.ID)
	}

	// extents are only known up front if the projection was
	co, im := spec.CoExtent, spec.ImExtent
	if spec.Proj == nil {
		if co, im, err = e.Geometry.Extents(tile, f.Spec.Proj); err != nil {
			return nil, err
		}
		fr.CoExtent, fr.ImExtent = co, im
	}

	full := wcs.Box{X0: 0, X1: f.W - 1, Y0: 0, Y1: f.H - 1}
	fullGood := GoodMask(f, full, p.MaskBits)
	good := make([]bool, im.Area())
	for y := im.Y0; y <= im.Y1; y++ {
		copy(good[(y-im.Y0)*im.W():(y-im.Y0+1)*im.W()], fullGood[y*f.W+im.X0:y*f.W+im.X1+1])
	}

	nBad := countFalse(good)
	fr.NPatched = nBad
	if nBad == len(good) {
		return nil, ErrNoGoodPixels
	}
	sig1 := medianUnc(f, im, good)
	if !(sig1 > 0) || !finite(sig1) {
		return nil, fmt.Errorf("%w: sig1 %g", ErrNonFinite, sig1)
	}
	fr.Sig1 = sig1
	if nBad > p.MaxPatched {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyPatched, nBad, p.MaxPatched)
	}

	img := crop(f.Image, f.W, im)
	patched := append([]bool(nil), good...)
	if !Patch(img, patched, im.W(), im.H()) {
		return nil, fmt.Errorf("%w: %d of %d pixels", ErrPatchFailed, nBad, len(good))
	}

	skyLevel := 0.0
	if p.FrameSky {
		if skyLevel, err = FrameSky(f, fullGood, sig1, p); err != nil {
			return nil, fmt.Errorf("frame sky: %w", err)
		}
	}
	fr.Sky = skyLevel

	zp := f.Spec.ZP
	zpscale := ZeropointScale(zp) * p.FluxScale
	fr.ZP, fr.ZPScale = zp, zpscale
	for i := range img {
		img[i] = float32((float64(img[i]) - skyLevel) * zpscale)
	}
	frameProj := f.Spec.Proj
	f = nil

	coSub, frameSub := co.Sub(tile), im.Sub(frameProj)
	m, err := e.Geometry.Resample(coSub, frameSub, [][]float32{img})
	if err != nil {
		return nil, err
	}

	rr := &ResampledFrame{
		Index:    spec.Index,
		ID:       spec.ID,
		W:        1 / ((sig1 * zpscale) * (sig1 * zpscale)),
		RImg:     make([]float32, co.Area()),
		RMask:    make([]bool, co.Area()),
		RMask2:   make([]bool, co.Area()),
		Sig1:     sig1 * zpscale,
		Sky:      skyLevel,
		ZP:       zp,
		ZPScale:  zpscale,
		CoExtent: co,
		ImExtent: im,
		CoSub:    coSub,
		FrameSub: frameSub,
		NOverlap: m.Len(),
		NPatched: nBad,
	}
	cw, iw := co.W(), im.W()
	vals := m.Values[0]
	for k := range m.Xo {
		v := vals[k]
		if !finite(float64(v)) {
			return nil, fmt.Errorf("%w: resampled pixel (%d,%d)", ErrNonFinite, co.X0+m.Xo[k], co.Y0+m.Yo[k])
		}
		j := m.Yo[k]*cw + m.Xo[k]
		rr.RImg[j] = v
		rr.RMask[j] = true
		rr.RMask2[j] = good[m.Yi[k]*iw+m.Xi[k]]
	}
	if !(rr.W > 0) || !finite(rr.W) {
		return nil, fmt.Errorf("%w: weight %g", ErrNonFinite, rr.W)
	}
	fr.NOverlap = rr.NOverlap
	logging.Debugf("%s: round 1 sig1 %.4g sky %.4g zp %.3f overlap %d patched %d\n",
		spec.ID, rr.Sig1, skyLevel, zp, rr.NOverlap, nBad)
	return rr, nil
}
