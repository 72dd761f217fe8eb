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
	"math"

	"github.com/hoxca/skystack/internal/logging"
	"github.com/hoxca/skystack/internal/stats"
)

// Bits of the exported per-frame outlier mask
const (
	MaskOutlier uint8 = 1 << iota // |rchi| at or above the cut
	MaskGrown                     // within the grown outlier region
)

// Test one resampled frame against the leave-one-out provisional coadd, grow its
// outlier mask and decide on inclusion. Reads only rr and prov, so it is safe to
// run concurrently and repeatably. Returns the frame's contribution to the final
// sums, or nil if the frame is excluded.
func (e *Exec) round2(rr *ResampledFrame, prov *Provisional, fr *FrameResult) *Contribution {
	p := &e.Params
	box := rr.CoExtent
	bw, bh := box.W(), box.H()
	n := bw * bh

	// sky offset against the other frames, in calibrated units
	dsky := 0.0
	if p.EstimateDSky {
		diffs := make([]float64, 0, rr.NOverlap)
		forEachValid(box, prov.W, rr.RMask, func(i, j int) {
			v := float64(rr.RImg[j])
			mean, _, subw := prov.LeaveOneOut(i, rr.W, v, p.TinyW)
			if subw > p.TinyW {
				diffs = append(diffs, v-mean)
			}
		})
		if d := stats.MedianInPlace(diffs); !math.IsNaN(d) {
			dsky = d
		}
	}

	bad := make([]bool, n)
	rchis := make([]float64, 0, rr.NOverlap)
	nFlagged := 0
	forEachValid(box, prov.W, rr.RMask, func(i, j int) {
		v := float64(rr.RImg[j])
		mean, std, subw := prov.LeaveOneOut(i, rr.W, v, p.TinyW)
		if !(subw > p.TinyW) {
			return // no other frame covers this pixel
		}
		rchi := (v - dsky - mean) / math.Max(std, p.StdFloor)
		rchis = append(rchis, rchi)
		if math.Abs(rchi) >= p.RchiCut {
			bad[j] = true
			nFlagged++
		}
	})
	grown := Dilate(bad, bw, bh, p.Kernel, p.GrowIterations)

	mask := make([]uint8, n)
	rmask2 := append([]bool(nil), rr.RMask2...)
	nGrown := 0
	for j := range mask {
		if bad[j] {
			mask[j] |= MaskOutlier
		}
		if grown[j] {
			mask[j] |= MaskGrown
			rmask2[j] = false
			if rr.RMask[j] {
				nGrown++
			}
		}
	}

	fr.NFlagged, fr.NGrown = nFlagged, nGrown
	fr.Rchi = stats.Summarize(rchis)
	fr.DSky = dsky / rr.ZPScale
	fr.BadPixels = e.exportMask(rr, mask)
	fr.Included = float64(nFlagged) <= p.MaxBadFraction*float64(rr.NOverlap)
	if !fr.Included {
		logging.Warnf("%s: dropping frame, %d of %d pixels with |rchi| >= %.1f\n",
			rr.ID, nFlagged, rr.NOverlap, p.RchiCut)
		fr.Status = StatusExcluded
		return nil
	}
	fr.Status, fr.Weight = StatusIncluded, rr.W

	values := rr.RImg
	if dsky != 0 {
		values = make([]float32, n)
		for j, v := range rr.RImg {
			values[j] = float32(float64(v) - dsky)
		}
	}
	return &Contribution{Box: box, W: rr.W, Values: values, RMask: rr.RMask, RMask2: rmask2}
}

// Map the tile-space outlier mask back onto the frame's native extent. Returns
// nil with a warning if the inverse mapping fails.
func (e *Exec) exportMask(rr *ResampledFrame, mask []uint8) []uint8 {
	m, err := e.Geometry.Resample(rr.FrameSub, rr.CoSub, nil)
	if err != nil {
		logging.Warnf("%s: could not map outlier mask to frame: %s\n", rr.ID, err)
		return nil
	}
	iw, cw := rr.ImExtent.W(), rr.CoExtent.W()
	omask := make([]uint8, rr.ImExtent.Area())
	for k := range m.Xo {
		omask[m.Yo[k]*iw+m.Xo[k]] = mask[m.Yi[k]*cw+m.Xi[k]]
	}
	return omask
}

// Grow a w x h mask by the given number of binary dilations with the kernel
func Dilate(in []bool, w, h int, k Kernel, iterations int) []bool {
	cur := append([]bool(nil), in...)
	next := make([]bool, len(in))
	for it := 0; it < iterations; it++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				next[y*w+x] = hit(cur, w, h, x, y, k)
			}
		}
		cur, next = next, cur
	}
	return cur
}

// Whether any pixel in the kernel neighbourhood of (x,y) is set
func hit(m []bool, w, h, x, y int, k Kernel) bool {
	for dy := -1; dy <= 1; dy++ {
		yy := y + dy
		if yy < 0 || yy >= h {
			continue
		}
		for dx := -1; dx <= 1; dx++ {
			xx := x + dx
			if xx < 0 || xx >= w || (k == KernelCross && dx != 0 && dy != 0) {
				continue
			}
			if m[yy*w+xx] {
				return true
			}
		}
	}
	return false
}
