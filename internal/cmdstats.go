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

package internal

import (
	"math"
	"strings"

	"github.com/hoxca/skystack/internal/coadd"
	"github.com/hoxca/skystack/internal/config"
	"github.com/hoxca/skystack/internal/frames"
	"github.com/hoxca/skystack/internal/logging"
	"github.com/hoxca/skystack/internal/stats"
)

// Perform frame statistics command. Frames are given as image file wildcards,
// or taken from the frame index for all configured bands if none are given
func CmdStats(cfg *config.Config, args []string) {
	specs, err := statsSpecs(cfg, GlobFilenameWildcards(args))
	if err != nil {
		logging.Fatal(err)
	}
	workers := cfg.Workers
	if workers == 0 {
		workers = coadd.DefaultWorkers(bytesPerFrame)
	}
	logging.Printf("Computing statistics for %d frames with %d workers\n", len(specs), workers)

	res, err := FrameStats(cfg, specs, coadd.NewPool(workers), frames.FITSLoader{})
	if err != nil {
		logging.Fatal(err)
	}
	var sig1s []float64
	for i, s := range res {
		if s == nil {
			continue
		}
		logging.Printf("%d: %s\n", i, s)
		sig1s = append(sig1s, s.Sig1*s.Scale)
	}
	logging.Printf("Calibrated sig1 over %d frames: %s\n", len(sig1s), stats.Summarize(sig1s))
}

func statsSpecs(cfg *config.Config, fileNames []string) ([]coadd.FrameSpec, error) {
	if len(fileNames) == 0 {
		idx, err := frames.LoadIndex(cfg.Index)
		if err != nil {
			return nil, err
		}
		var entries []frames.Entry
		for _, b := range cfg.Bands {
			entries = append(entries, idx.Select(frames.DefaultFilter(b))...)
		}
		return frames.Specs(entries), nil
	}

	def := 1
	if len(cfg.Bands) > 0 {
		def = cfg.Bands[0]
	}
	specs := make([]coadd.FrameSpec, len(fileNames))
	for i, fn := range fileNames {
		specs[i] = coadd.FrameSpec{
			Index: i, ID: fn, Band: BandFromFileName(fn, def),
			ImagePath: fn,
			UncPath:   strings.Replace(fn, "-int-", "-unc-", 1),
			ZP:        math.NaN(),
		}
		if mask := strings.Replace(fn, "-int-", "-msk-", 1); mask != fn && fileExists(mask) {
			specs[i].MaskPath = mask
		}
	}
	return specs, nil
}

// Load and inspect frames in parallel. Frames that fail or panic are logged and left nil
func FrameStats(cfg *config.Config, specs []coadd.FrameSpec, pool *coadd.Pool, loader coadd.Loader) ([]*coadd.FrameStats, error) {
	params := map[int]*coadd.Params{}
	for _, s := range specs {
		if _, ok := params[s.Band]; ok {
			continue
		}
		p, err := cfg.Params(s.Band)
		if err != nil {
			return nil, err
		}
		params[s.Band] = &p
	}

	res := make([]*coadd.FrameStats, len(specs))
	pool.Map(len(specs), func(i int) {
		err := coadd.Safely(func() error {
			f, err := loader.Load(specs[i])
			if err != nil {
				return err
			}
			s, err := coadd.Inspect(f, params[specs[i].Band])
			if err != nil {
				return err
			}
			res[i] = s
			return nil
		})
		if err != nil {
			res[i] = nil
			logging.Printf("%s: Error: %s\n", specs[i].ID, err)
		}
	})
	return res, nil
}
