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

package frames

import (
	"fmt"
	"math"

	"github.com/hoxca/skystack/internal/coadd"
	"github.com/hoxca/skystack/internal/fits"
)

// Reads frame rasters from FITS files
type FITSLoader struct{}

// Load image, uncertainty and mask of a frame. The zeropoint and projection are
// taken from the image header unless already set.
func (FITSLoader) Load(spec coadd.FrameSpec) (*coadd.InputFrame, error) {
	img, err := fits.ReadFile(spec.ImagePath)
	if err != nil {
		return nil, err
	}
	w, h := img.Width(), img.Height()

	if math.IsNaN(spec.ZP) {
		zp, ok := img.Float("MAGZP")
		if !ok {
			return nil, fmt.Errorf("%s: no MAGZP card", spec.ImagePath)
		}
		spec.ZP = zp
	}
	if spec.Proj == nil {
		if spec.Proj, err = img.Projection(); err != nil {
			return nil, err
		}
	}

	unc, err := fits.ReadFile(spec.UncPath)
	if err != nil {
		return nil, err
	}
	if unc.Width() != w || unc.Height() != h {
		return nil, fmt.Errorf("%s: size %s differs from image %s", spec.UncPath, unc.DimensionsToString(), img.DimensionsToString())
	}

	var mask []uint32
	if spec.MaskPath != "" {
		m, mw, mh, err := fits.ReadMaskFile(spec.MaskPath)
		if err != nil {
			return nil, err
		}
		if mw != w || mh != h {
			return nil, fmt.Errorf("%s: size %dx%d differs from image %s", spec.MaskPath, mw, mh, img.DimensionsToString())
		}
		mask = m
	}

	return &coadd.InputFrame{Spec: spec, W: w, H: h, Image: img.Data, Unc: unc.Data, Mask: mask}, nil
}
