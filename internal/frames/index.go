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

// Package frames reads the table of input exposures and selects the frames
// that go into a tile.
package frames

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/hoxca/skystack/internal/coadd"
)

// One exposure in the frame index
type Entry struct {
	ID         string   `yaml:"id"`
	Band       int      `yaml:"band"`
	Image      string   `yaml:"image"`
	Unc        string   `yaml:"unc,omitempty"`  // Defaults to Image with -int- replaced by -unc-
	Mask       string   `yaml:"mask,omitempty"` // Defaults to Image with -int- replaced by -msk-
	ZP         *float64 `yaml:"zp,omitempty"`   // Read from the MAGZP header card if missing
	RA         *float64 `yaml:"ra,omitempty"`   // Frame center, for the coarse distance cut
	Dec        *float64 `yaml:"dec,omitempty"`
	QualFrame  int      `yaml:"qual_frame"`
	MoonMasked bool     `yaml:"moon_masked"`
	DtAnneal   float64  `yaml:"dtanneal"`
}

// Table of exposures. Relative paths are resolved against Root, or the
// directory of the index file if Root is empty.
type Index struct {
	Root   string  `yaml:"root"`
	Frames []Entry `yaml:"frames"`
}

var ErrEmptyIndex = errors.New("frame index lists no frames")

// Load a YAML frame index, resolving raster paths and checking for duplicate ids
func LoadIndex(fileName string) (*Index, error) {
	bytes, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	idx := &Index{}
	if err := yaml.Unmarshal(bytes, idx); err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	if len(idx.Frames) == 0 {
		return nil, fmt.Errorf("%s: %w", fileName, ErrEmptyIndex)
	}
	root := idx.Root
	if root == "" {
		root = filepath.Dir(fileName)
	} else if !filepath.IsAbs(root) {
		root = filepath.Join(filepath.Dir(fileName), root)
	}
	seen := make(map[string]bool, len(idx.Frames))
	for i := range idx.Frames {
		e := &idx.Frames[i]
		if e.ID == "" || e.Image == "" {
			return nil, fmt.Errorf("%s: frame %d needs an id and an image", fileName, i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("%s: duplicate frame id %s", fileName, e.ID)
		}
		seen[e.ID] = true
		if e.Unc == "" {
			e.Unc = strings.Replace(e.Image, "-int-", "-unc-", 1)
		}
		if e.Mask == "" && strings.Contains(e.Image, "-int-") {
			e.Mask = strings.Replace(e.Image, "-int-", "-msk-", 1)
		}
		e.Image, e.Unc, e.Mask = resolve(root, e.Image), resolve(root, e.Unc), resolve(root, e.Mask)
	}
	return idx, nil
}

func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// Frame selection for one tile and band
type Filter struct {
	Band        int
	MinQual     int     // Keep frames with qual_frame above this
	KeepMoon    bool    // Keep moon-masked frames
	MinDtAnneal float64 // Keep frames with dtanneal above this, zero to disable

	// Coarse distance cut on frame centers, disabled if Radius is zero
	RA, Dec, Radius float64

	Frame0  int // Skip this many selected frames
	NFrames int // Keep at most this many selected frames, zero for all
}

func (f Filter) String() string {
	return fmt.Sprintf("band %d minQual %d keepMoon %v minDtAnneal %.0f center (%.4f,%.4f) radius %.3f frame0 %d nframes %d",
		f.Band, f.MinQual, f.KeepMoon, f.MinDtAnneal, f.RA, f.Dec, f.Radius, f.Frame0, f.NFrames)
}

// Default cuts for a band: good quality, no moon contamination, and for the
// long wavelength bands a minimum time since anneal
func DefaultFilter(band int) Filter {
	f := Filter{Band: band}
	if band == 3 || band == 4 {
		f.MinDtAnneal = 2000
	}
	return f
}

// Select entries passing the filter, in index order
func (idx *Index) Select(f Filter) []Entry {
	var res []Entry
	for _, e := range idx.Frames {
		switch {
		case e.Band != f.Band:
		case e.QualFrame <= f.MinQual:
		case e.MoonMasked && !f.KeepMoon:
		case f.MinDtAnneal > 0 && !(e.DtAnneal > f.MinDtAnneal):
		case f.Radius > 0 && e.RA != nil && e.Dec != nil && DegreesBetween(f.RA, f.Dec, *e.RA, *e.Dec) >= f.Radius:
		default:
			res = append(res, e)
		}
	}
	if f.Frame0 > 0 {
		if f.Frame0 >= len(res) {
			return nil
		}
		res = res[f.Frame0:]
	}
	if f.NFrames > 0 && f.NFrames < len(res) {
		res = res[:f.NFrames]
	}
	return res
}

// Frame specs for coadding. Projections are left unset and read from the
// image headers when the frames are loaded.
func Specs(entries []Entry) []coadd.FrameSpec {
	specs := make([]coadd.FrameSpec, len(entries))
	for i, e := range entries {
		zp := math.NaN()
		if e.ZP != nil {
			zp = *e.ZP
		}
		specs[i] = coadd.FrameSpec{
			Index: i, ID: e.ID, Band: e.Band,
			ImagePath: e.Image, UncPath: e.Unc, MaskPath: e.Mask,
			ZP: zp,
		}
	}
	return specs
}

// Raster files of the entries that do not exist
func Wishlist(entries []Entry) []string {
	var missing []string
	for _, e := range entries {
		for _, p := range []string{e.Image, e.Unc, e.Mask} {
			if p == "" {
				continue
			}
			if _, err := os.Stat(p); err != nil {
				missing = append(missing, p)
			}
		}
	}
	return missing
}

// Great circle distance between two sky positions, in degrees
func DegreesBetween(ra1, dec1, ra2, dec2 float64) float64 {
	const d2r = math.Pi / 180
	s1, c1 := math.Sincos(dec1 * d2r)
	s2, c2 := math.Sincos(dec2 * d2r)
	cosd := s1*s2 + c1*c2*math.Cos((ra1-ra2)*d2r)
	return math.Acos(math.Max(-1, math.Min(1, cosd))) / d2r
}
