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

// Package coadd stacks calibrated exposures onto a common tile in two rounds:
// a provisional weighted coadd, then a leave-one-out outlier test per frame
// whose surviving pixels form the final unmasked and quality-masked products.
package coadd

import (
	"errors"
	"fmt"
	"math"
	"runtime/debug"

	"github.com/hoxca/skystack/internal/logging"
	"github.com/hoxca/skystack/internal/sky"
	"github.com/hoxca/skystack/internal/stats"
	"github.com/hoxca/skystack/internal/wcs"
)

// Execution context of a coadd run
type Exec struct {
	Pool     *Pool
	Geometry Geometry
	Loader   Loader
	Params   Params
}

// Outcome of coadding one tile in one band. Frames is filled in even when Run fails
type Result struct {
	Tile      wcs.Projection
	Band      int
	Products  *Products
	Frames    []FrameResult
	NIncluded int
	NFailed   int // Frames that could not be read
}

// Coadd the given frames onto the tile. Frames that fail, do not overlap or are
// excluded as outlier-ridden contribute nothing; their diagnostics are kept.
func (e *Exec) Run(tile wcs.Projection, band int, specs []FrameSpec) (*Result, error) {
	if err := e.Params.Validate(); err != nil {
		return nil, err
	}
	pool := e.Pool
	if pool == nil {
		pool = NewPool(1)
	}
	p := &e.Params
	res := &Result{Tile: tile, Band: band, Frames: make([]FrameResult, len(specs))}

	// Footprints of frames with known projections, dropping non-overlapping ones early
	specs = append([]FrameSpec(nil), specs...)
	skip := make([]bool, len(specs))
	for i := range specs {
		s := &specs[i]
		fr := &res.Frames[i]
		fr.Index, fr.ID, fr.Band = s.Index, s.ID, band
		if s.Proj == nil {
			continue
		}
		co, im, err := e.Geometry.Extents(tile, s.Proj)
		if err != nil {
			e.record(fr, err)
			skip[i] = true
			continue
		}
		s.CoExtent, s.ImExtent = co, im
		fr.CoExtent, fr.ImExtent = co, im
		fr.W, fr.H = s.Proj.Width(), s.Proj.Height()
	}

	// Round 1
	logging.Printf("Round 1: resampling %d frames with %d workers\n", len(specs), pool.Workers())
	rrs := make([]*ResampledFrame, len(specs))
	pool.Map(len(specs), func(i int) {
		if skip[i] {
			return
		}
		err := Safely(func() error {
			rr, err := e.round1(tile, specs[i], &res.Frames[i])
			rrs[i] = rr
			return err
		})
		if err != nil {
			rrs[i] = nil
			e.record(&res.Frames[i], err)
		}
	})
	for i := range res.Frames {
		if res.Frames[i].Status == StatusIOError {
			res.NFailed++
		}
	}
	if p.MaxFailures >= 0 && res.NFailed > p.MaxFailures {
		return res, fmt.Errorf("%w: %d frames unreadable, limit %d", ErrTooManyFailures, res.NFailed, p.MaxFailures)
	}

	prov := NewProvisional(tile.Width(), tile.Height())
	for _, rr := range rrs {
		if rr != nil {
			prov.Add(rr)
		}
	}
	if err := prov.CheckFinite(); err != nil {
		return res, fmt.Errorf("round 1: %w", err)
	}
	debug.FreeOSMemory()

	// Round 2
	logging.Printf("Round 2: outlier rejection\n")
	acc := NewAccumulator(tile.Width(), tile.Height())
	run2 := func(i int) *Contribution {
		var c *Contribution
		err := Safely(func() error {
			c = e.round2(rrs[i], prov, &res.Frames[i])
			return nil
		})
		if err != nil {
			e.record(&res.Frames[i], err)
			return nil
		}
		return c
	}
	if pool.Serial() {
		// interleave with the reduction, releasing each frame right away
		for i := range rrs {
			if rrs[i] == nil {
				continue
			}
			acc.Add(run2(i))
			rrs[i] = nil
		}
	} else {
		contribs := make([]*Contribution, len(rrs))
		pool.Map(len(rrs), func(i int) {
			if rrs[i] != nil {
				contribs[i] = run2(i)
			}
		})
		for i, c := range contribs {
			acc.Add(c)
			contribs[i], rrs[i] = nil, nil
		}
	}
	prov = nil
	debug.FreeOSMemory()

	for i := range res.Frames {
		if res.Frames[i].Included {
			res.NIncluded++
		}
	}
	if res.NIncluded == 0 {
		return res, ErrNoFrames
	}
	if err := acc.CheckFinite(); err != nil {
		return res, fmt.Errorf("round 2: %w", err)
	}

	res.Products = acc.Products(p.TinyW)
	if p.CoaddSky {
		res.Products.Sky = coaddSky(res.Products, p)
	}
	logging.Printf("Coadd done: %d of %d frames included, %d unreadable, sky %.4g\n",
		res.NIncluded, len(specs), res.NFailed, res.Products.Sky)
	return res, nil
}

// Record a failed or dropped frame, logging it the way the severity warrants
func (e *Exec) record(fr *FrameResult, err error) {
	fr.Included, fr.Weight = false, 0
	fr.Status = statusOf(err)
	switch fr.Status {
	case StatusNoOverlap:
		logging.Debugf("%s: no overlap with tile\n", fr.ID)
		fr.NOverlap = 0
		return
	case StatusIOError, StatusFailed:
		logging.Printf("%s: Error: %s\n", fr.ID, err)
	default:
		logging.Warnf("%s: dropping frame: %s\n", fr.ID, err)
	}
	fr.Err = err.Error()
}

func statusOf(err error) Status {
	var ioErr *IOError
	switch {
	case errors.Is(err, wcs.ErrNoOverlap):
		return StatusNoOverlap
	case errors.Is(err, ErrTooManyPatched):
		return StatusTooManyPatched
	case errors.Is(err, ErrNoGoodPixels):
		return StatusNoGoodPixels
	case errors.Is(err, ErrPatchFailed):
		return StatusPatchFailed
	case errors.As(err, &ioErr):
		return StatusIOError
	}
	return StatusFailed
}

// Estimate the residual sky of the masked coadd and subtract it from both means.
// Returns the subtracted level, zero if it could not be estimated.
func coaddSky(pr *Products, p *Params) float64 {
	med := stats.MedianStrided(pr.Masked.Mean, pr.W, 4)
	ivar := stats.MedianStrided(pr.Masked.InvVar, pr.W, 4)
	sig1 := 1 / math.Sqrt(ivar)
	if math.IsNaN(med) || !(sig1 > 0) || math.IsInf(sig1, 0) {
		logging.Warnf("Coadd sky: no usable coverage, skipping\n")
		return 0
	}
	s, err := sky.Estimate(pr.Masked.Mean, med-2*sig1, med+sig1, p.Sky)
	if err != nil {
		logging.Warnf("Coadd sky: %s\n", err)
		return 0
	}
	for _, img := range []*Image{&pr.Unmasked, &pr.Masked} {
		for i := range img.Mean {
			img.Mean[i] = float32(float64(img.Mean[i]) - s)
		}
	}
	return s
}
