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
	"github.com/hoxca/skystack/internal/stats"
	"github.com/hoxca/skystack/internal/wcs"
)

// Metadata of one input exposure, as listed in the frame index
type FrameSpec struct {
	Index     int    // Position in the frame list, for log output and ordering
	ID        string // Unique frame identifier
	Band      int
	ImagePath string
	UncPath   string
	MaskPath  string
	ZP        float64        // Magnitude zeropoint. NaN to read it from the image header
	Proj      wcs.Projection // Native projection of the full frame, nil to read it from the image header

	// Filled in by the orchestrator, inclusive
	CoExtent wcs.Box // Tile pixels overlapping the frame
	ImExtent wcs.Box // Frame pixels overlapping the tile
}

// Loaded rasters of one exposure. Image, Unc and Mask are W x H, row-major
type InputFrame struct {
	Spec  FrameSpec // With ZP and Proj resolved
	W, H  int
	Image []float32
	Unc   []float32
	Mask  []uint32
}

// Reads the rasters of a frame
type Loader interface {
	Load(spec FrameSpec) (*InputFrame, error)
}

// Geometry collaborator: footprint extents and resampling between projections
type Geometry interface {
	Extents(tile, frame wcs.Projection) (co, im wcs.Box, err error)
	Resample(dst, src wcs.Projection, imgs [][]float32) (*wcs.Match, error)
}

// Round one product for one frame. All rasters cover CoExtent, row-major.
// Not modified after construction.
type ResampledFrame struct {
	Index int
	ID    string

	W       float64   // Scalar inverse-variance weight
	RImg    []float32 // Resampled, sky subtracted, calibrated values
	RMask   []bool    // Geometrically valid
	RMask2  []bool    // Valid and good in the native quality mask
	Sig1    float64   // Calibrated per-pixel noise
	Sky     float64   // Subtracted sky, native units
	ZP      float64
	ZPScale float64

	CoExtent wcs.Box
	ImExtent wcs.Box
	CoSub    wcs.Projection // Tile sub-projection of CoExtent
	FrameSub wcs.Projection // Frame sub-projection of ImExtent

	NOverlap int // Number of valid resampled pixels
	NPatched int // Number of native pixels patched before resampling
}

// What one included frame adds to the final accumulators
type Contribution struct {
	Box    wcs.Box
	W      float64
	Values []float32
	RMask  []bool
	RMask2 []bool
}

// Frame outcome classes
type Status string

const (
	StatusIncluded       Status = "included"
	StatusExcluded       Status = "excluded"         // too many outliers
	StatusNoOverlap      Status = "no-overlap"       // geometric
	StatusTooManyPatched Status = "too-many-patched" // data quality
	StatusNoGoodPixels   Status = "no-good-pixels"   // data quality
	StatusPatchFailed    Status = "patch-failed"     // data quality
	StatusIOError        Status = "io-error"
	StatusFailed         Status = "failed" // numerical or unexpected
)

// Per-frame diagnostics of a coadd run
type FrameResult struct {
	Index    int
	ID       string
	Band     int
	Status   Status
	Err      string
	Included bool

	Weight  float64 // Final weight, zero unless included
	Sig1    float64 // Median uncertainty, native units. Calibrated noise is Sig1*ZPScale
	Sky     float64 // Native units
	DSky    float64 // Sky offset against the leave-one-out coadd, native units
	ZP      float64
	ZPScale float64

	NOverlap int // Valid pixels in tile space
	NPatched int // Native pixels patched
	NFlagged int // Hard outliers, |rchi| at or above the cut
	NGrown   int // Valid pixels masked after growth
	Rchi     stats.Summary

	W, H      int     // Native frame size
	CoExtent  wcs.Box // Tile extent
	ImExtent  wcs.Box // Native extent
	BadPixels []uint8 // ImExtent-sized: bit 0 outlier, bit 1 grown. Nil if not mapped back
}
