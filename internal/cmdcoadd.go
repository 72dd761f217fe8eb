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
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/hoxca/skystack/internal/coadd"
	"github.com/hoxca/skystack/internal/config"
	"github.com/hoxca/skystack/internal/fits"
	"github.com/hoxca/skystack/internal/frames"
	"github.com/hoxca/skystack/internal/logging"
	"github.com/hoxca/skystack/internal/store"
	"github.com/hoxca/skystack/internal/wcs"
)

// Approximate peak memory of one frame task: native rasters plus resampled planes
const bytesPerFrame = 64 << 20

// Product kinds written per tile and band. The -m variants are quality masked
var ProductKinds = []string{"img", "img-m", "std", "std-m", "invvar", "invvar-m", "n", "n-m"}

func ProductName(outDir, tile string, band int, kind string) string {
	return filepath.Join(outDir, fmt.Sprintf("%s-b%d-%s.fits", tile, band, kind))
}

// Products of a tile and band that do not exist yet
func MissingProducts(outDir, tile string, band int) []string {
	var missing []string
	for _, k := range ProductKinds {
		if fn := ProductName(outDir, tile, band, k); !fileExists(fn) {
			missing = append(missing, fn)
		}
	}
	return missing
}

// Perform coadd command for the selected tiles and all configured bands.
// Tile bands whose products exist are skipped unless forced
func CmdCoadd(cfg *config.Config, tileIDs []string) {
	tiles, err := cfg.SelectTiles(tileIDs)
	if err != nil {
		logging.Fatal(err)
	}
	if len(tiles) == 0 {
		logging.Fatal(config.ErrNoTiles)
	}
	idx, err := frames.LoadIndex(cfg.Index)
	if err != nil {
		logging.Fatalf("Error loading frame index: %s\n", err)
	}
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		logging.Fatal(err)
	}
	db, err := store.Open(cfg.DB)
	if err != nil {
		logging.Fatalf("Error opening database: %s\n", err)
	}
	defer db.Close()

	workers := cfg.Workers
	if workers == 0 {
		workers = coadd.DefaultWorkers(bytesPerFrame)
	}
	pool := coadd.NewPool(workers)
	logging.Printf("Running on %s with %d frame workers\n", coadd.HostSummary(), pool.Workers())

	nDone, nFailed := 0, 0
	for _, t := range tiles {
		for _, band := range cfg.Bands {
			if !cfg.Force && len(MissingProducts(cfg.OutDir, t.ID, band)) == 0 {
				logging.Printf("%s band %d: products exist, skipping\n", t.ID, band)
				continue
			}
			if err := CoaddTile(cfg, idx, db, pool, t, band); err != nil {
				logging.Printf("%s band %d: Error: %s\n", t.ID, band, err)
				nFailed++
			} else {
				nDone++
			}
			debug.FreeOSMemory()
		}
	}
	logging.Printf("Coadded %d tile bands, %d failed\n", nDone, nFailed)
	if nFailed > 0 {
		logging.Sync()
		os.Exit(1)
	}
}

// Coadd one tile in one band, write its products and record the run
func CoaddTile(cfg *config.Config, idx *frames.Index, db *store.DB, pool *coadd.Pool, t config.Tile, band int) error {
	p, err := cfg.Params(band)
	if err != nil {
		return err
	}
	filter := cfg.Filter(t, band)
	entries := idx.Select(filter)
	logging.Printf("\n%s band %d: %d frames selected with %s\n", t.ID, band, len(entries), filter)
	if missing := frames.Wishlist(entries); len(missing) > 0 {
		logging.Warnf("%s band %d: %d input files missing, first %s\n", t.ID, band, len(missing), missing[0])
	}

	run, err := db.StartRun(t.ID, band, p.String())
	if err != nil {
		return err
	}
	logging.Printf("Run %s: coadding with %s\n", run.ID, &p)

	e := &coadd.Exec{
		Pool:     pool,
		Geometry: wcs.NewResampler(p.LanczosOrder, p.ExtentMargin),
		Loader:   frames.FITSLoader{},
		Params:   p,
	}
	tile := t.Projection()
	start := time.Now()
	res, runErr := e.Run(tile, band, frames.Specs(entries))
	if runErr == nil {
		runErr = writeProducts(cfg.OutDir, t.ID, band, tile, res, run.ID)
	}
	if runErr == nil && cfg.Masks {
		writeMasks(cfg.OutDir, t.ID, band, res)
	}
	if err := db.FinishRun(run, res, runErr); err != nil {
		logging.Warnf("Run %s: could not record diagnostics: %s\n", run.ID, err)
	}
	if runErr == nil {
		logging.Printf("%s band %d: done in %s\n", t.ID, band, time.Since(start).Round(time.Millisecond))
	}
	return runErr
}

func productCards(tile *wcs.TAN, band int, res *coadd.Result, runID string) []fitsio.Card {
	cards := fits.Cards(tile.Cards())
	return append(cards,
		fitsio.Card{Name: "BAND", Value: band, Comment: "WISE band"},
		fitsio.Card{Name: "MAGZP", Value: 22.5, Comment: "Magnitude zeropoint, nanomaggies"},
		fitsio.Card{Name: "SKY", Value: res.Products.Sky, Comment: "Subtracted coadd sky level"},
		fitsio.Card{Name: "NCOADD", Value: res.NIncluded, Comment: "Frames included"},
		fitsio.Card{Name: "RUNID", Value: runID},
		fitsio.Card{Name: "DATE", Value: time.Now().UTC().Format("2006-01-02T15:04:05"), Comment: "UTC creation time"},
	)
}

// Write mean, std, inverse variance and count images, unmasked and masked
func writeProducts(outDir, tileID string, band int, tile *wcs.TAN, res *coadd.Result, runID string) error {
	pr := res.Products
	cards := productCards(tile, band, res, runID)
	for _, v := range []struct {
		suffix string
		img    *coadd.Image
	}{{"", &pr.Unmasked}, {"-m", &pr.Masked}} {
		for _, f := range []struct {
			kind string
			data []float32
		}{{"img", v.img.Mean}, {"std", v.img.Std}, {"invvar", v.img.InvVar}} {
			fn := ProductName(outDir, tileID, band, f.kind+v.suffix)
			if err := fits.WriteFloat32(fn, pr.W, pr.H, f.data, cards); err != nil {
				return err
			}
		}
		fn := ProductName(outDir, tileID, band, "n"+v.suffix)
		if err := fits.WriteInt16(fn, pr.W, pr.H, v.img.N, cards); err != nil {
			return err
		}
	}
	logging.Printf("Wrote %d products to %s\n", len(ProductKinds), outDir)
	return nil
}

func MaskDir(outDir, tileID string, band int) string {
	return filepath.Join(outDir, fmt.Sprintf("masks-%s-b%d", tileID, band))
}

// Export per-frame bad pixel masks in full native geometry, gzipped.
// Failures are logged and do not fail the run
func writeMasks(outDir, tileID string, band int, res *coadd.Result) {
	dir := MaskDir(outDir, tileID, band)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.Warnf("Masks: %s\n", err)
		return
	}
	n := 0
	for i := range res.Frames {
		fr := &res.Frames[i]
		im := fr.ImExtent
		if fr.BadPixels == nil || len(fr.BadPixels) != im.Area() || im.X1 >= fr.W || im.Y1 >= fr.H {
			continue
		}
		full := make([]uint8, fr.W*fr.H)
		iw := im.W()
		for y := 0; y < im.H(); y++ {
			copy(full[(im.Y0+y)*fr.W+im.X0:], fr.BadPixels[y*iw:(y+1)*iw])
		}
		cards := []fitsio.Card{
			{Name: "FRAME", Value: fr.ID},
			{Name: "STATUS", Value: string(fr.Status)},
		}
		if err := fits.WriteUint8(filepath.Join(dir, fr.ID+"-mask.fits.gz"), fr.W, fr.H, full, cards); err != nil {
			logging.Warnf("%s: writing mask: %s\n", fr.ID, err)
			continue
		}
		n++
	}
	logging.Printf("Wrote %d frame masks to %s\n", n, dir)
}
