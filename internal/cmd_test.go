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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoxca/skystack/internal/coadd"
	"github.com/hoxca/skystack/internal/config"
	"github.com/hoxca/skystack/internal/fits"
	"github.com/hoxca/skystack/internal/frames"
	"github.com/hoxca/skystack/internal/store"
)

const tileSize = 20

var testTile = config.Tile{ID: "1500p020", RA: 150, Dec: 2, W: tileSize, H: tileSize, PixScale: 2.75}

// Write a frame on the tile grid with constant value v, unit uncertainty and
// the given hot pixels
func writeFrame(t *testing.T, dir, name string, v float32, hot map[int]float32) {
	t.Helper()
	n := tileSize * tileSize
	img, unc := make([]float32, n), make([]float32, n)
	for i := range img {
		img[i], unc[i] = v, 1
	}
	for i, h := range hot {
		img[i] = h
	}
	cards := append(fits.Cards(testTile.Projection().Cards()), fitsio.Card{Name: "MAGZP", Value: 22.5})
	require.NoError(t, fits.WriteFloat32(filepath.Join(dir, name+".fits"), tileSize, tileSize, img, cards))
	require.NoError(t, fits.WriteFloat32(filepath.Join(dir, name+"-unc.fits.gz"), tileSize, tileSize, unc, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	hotPixel := 11*tileSize + 7
	index := "frames:\n"
	for _, id := range []string{"a", "b", "c", "d"} {
		var hot map[int]float32
		if id == "d" {
			hot = map[int]float32{hotPixel: 1000}
		}
		writeFrame(t, dir, id, 10, hot)
		index += "  - id: " + id + "\n    band: 1\n    image: " + id + ".fits\n    unc: " + id + "-unc.fits.gz\n    qual_frame: 1\n"
	}
	indexName := filepath.Join(dir, "frames.yaml")
	require.NoError(t, os.WriteFile(indexName, []byte(index), 0o644))

	zero, off := 0, false
	cfg := &config.Config{
		Index:  indexName,
		OutDir: filepath.Join(dir, "out"),
		DB:     filepath.Join(dir, "skystack.db"),
		Bands:  []int{1, 2},
		Tiles:  []config.Tile{testTile},
		Masks:  true,
		Coadd:  config.Overrides{LanczosOrder: &zero, FrameSky: &off, CoaddSky: &off},
	}
	require.NoError(t, cfg.Validate())
	require.NoError(t, os.MkdirAll(cfg.OutDir, 0o755))
	return cfg
}

func TestCoaddTile(t *testing.T) {
	cfg := testConfig(t)
	idx, err := frames.LoadIndex(cfg.Index)
	require.NoError(t, err)
	db, err := store.Open(cfg.DB)
	require.NoError(t, err)
	defer db.Close()

	assert.Len(t, MissingProducts(cfg.OutDir, testTile.ID, 1), len(ProductKinds))
	require.NoError(t, CoaddTile(cfg, idx, db, coadd.NewPool(2), testTile, 1))
	assert.Empty(t, MissingProducts(cfg.OutDir, testTile.ID, 1))

	hot := 11*tileSize + 7
	img, err := fits.ReadFile(ProductName(cfg.OutDir, testTile.ID, 1, "img"))
	require.NoError(t, err)
	assert.InDelta(t, 257.5, img.Data[hot], 1e-3)
	assert.InDelta(t, 10, img.Data[0], 1e-5)
	zp, ok := img.Float("MAGZP")
	require.True(t, ok)
	assert.Equal(t, 22.5, zp)
	runID, ok := img.Text("RUNID")
	require.True(t, ok)

	masked, err := fits.ReadFile(ProductName(cfg.OutDir, testTile.ID, 1, "img-m"))
	require.NoError(t, err)
	assert.InDelta(t, 10, masked.Data[hot], 1e-5)

	n, err := fits.ReadFile(ProductName(cfg.OutDir, testTile.ID, 1, "n-m"))
	require.NoError(t, err)
	assert.Equal(t, 16, n.Bitpix)
	assert.Equal(t, float32(3), n.Data[hot])
	assert.Equal(t, float32(4), n.Data[0])

	run, err := db.Run(runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunDone, run.Status)
	assert.Equal(t, 4, run.NFrames)
	assert.Equal(t, 4, run.NIncluded)
	rows, err := db.Frames(runID)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "d", rows[3].ID)
	assert.Equal(t, 1, rows[3].NFlagged)

	mask, w, h, err := fits.ReadMaskFile(filepath.Join(MaskDir(cfg.OutDir, testTile.ID, 1), "d-mask.fits.gz"))
	require.NoError(t, err)
	assert.Equal(t, tileSize, w)
	assert.Equal(t, tileSize, h)
	assert.Equal(t, uint32(coadd.MaskOutlier|coadd.MaskGrown), mask[hot])
	assert.Equal(t, uint32(coadd.MaskGrown), mask[hot+1])
	assert.Equal(t, uint32(0), mask[0])
	entries, err := os.ReadDir(MaskDir(cfg.OutDir, testTile.ID, 1))
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	// band 2 has no frames: the run fails and is recorded, nothing is written
	err = CoaddTile(cfg, idx, db, coadd.NewPool(1), testTile, 2)
	assert.ErrorIs(t, err, coadd.ErrNoFrames)
	assert.Len(t, MissingProducts(cfg.OutDir, testTile.ID, 2), len(ProductKinds))
	runs, err := db.Runs(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, store.RunFailed, runs[0].Status)

	items := Todo(cfg, cfg.Tiles, idx)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Band)
	assert.Equal(t, 0, items[0].NFrames)
	assert.Empty(t, items[0].Wishlist)
}

func TestTodo_Wishlist(t *testing.T) {
	cfg := testConfig(t)
	idx, err := frames.LoadIndex(cfg.Index)
	require.NoError(t, err)
	require.NoError(t, os.Remove(idx.Frames[1].Unc))

	items := Todo(cfg, cfg.Tiles, idx)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].Band)
	assert.Equal(t, 4, items[0].NFrames)
	assert.Equal(t, []string{idx.Frames[1].Unc}, items[0].Wishlist)

	items = Todo(cfg, cfg.Tiles, nil)
	require.Len(t, items, 2)
	assert.Nil(t, items[0].Wishlist)
}

func TestFrameStats(t *testing.T) {
	cfg := testConfig(t)
	dir := filepath.Dir(cfg.Index)
	specs, err := statsSpecs(cfg, []string{filepath.Join(dir, "a.fits"), filepath.Join(dir, "missing-w2-int-1b.fits")})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, 1, specs[0].Band)
	assert.Equal(t, 2, specs[1].Band)
	assert.Empty(t, specs[1].MaskPath)

	// unc files of the test frames are named differently
	specs[0].UncPath = filepath.Join(dir, "a-unc.fits.gz")
	res, err := FrameStats(cfg, specs, coadd.NewPool(2), frames.FITSLoader{})
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.NotNil(t, res[0])
	assert.Nil(t, res[1])
	assert.Equal(t, 0, res[0].NBad)
	assert.Equal(t, 1.0, res[0].Sig1)
	assert.InDelta(t, 1, res[0].Scale, 1e-12)

	fromIndex, err := statsSpecs(cfg, nil)
	require.NoError(t, err)
	assert.Len(t, fromIndex, 4)
}

// Loader that panics on one frame and delegates the rest
type panickyLoader struct {
	frames.FITSLoader
	bad string
}

func (l panickyLoader) Load(spec coadd.FrameSpec) (*coadd.InputFrame, error) {
	if spec.ID == l.bad {
		panic("corrupt header")
	}
	return l.FITSLoader.Load(spec)
}

func TestFrameStats_PanicIsolated(t *testing.T) {
	cfg := testConfig(t)
	specs, err := statsSpecs(cfg, nil)
	require.NoError(t, err)
	require.Len(t, specs, 4)

	res, err := FrameStats(cfg, specs, coadd.NewPool(2), panickyLoader{bad: "b"})
	require.NoError(t, err)
	require.Len(t, res, 4)
	assert.Nil(t, res[1])
	for _, i := range []int{0, 2, 3} {
		require.NotNil(t, res[i], "frame %d", i)
		assert.Equal(t, 1.0, res[i].Sig1)
	}
}

func TestBandFromFileName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 3, BandFromFileName("/l1b/01234a123-w3-int-1b.fits", 1))
	assert.Equal(t, 2, BandFromFileName("frame.fits", 2))
}

func TestRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	db, err := store.Open(cfg.DB)
	require.NoError(t, err)
	defer db.Close()
	run, err := db.StartRun(testTile.ID, 1, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.OutDir, "note.txt"), []byte("hello"), 0o644))

	r := NewRouter(cfg, db)
	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/api/v1/ping")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pong")

	w = get("/api/v1/runs")
	require.Equal(t, http.StatusOK, w.Code)
	var runs []store.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	assert.Equal(t, http.StatusBadRequest, get("/api/v1/runs?limit=x").Code)
	assert.Equal(t, http.StatusOK, get("/api/v1/runs/"+run.ID).Code)
	assert.Equal(t, http.StatusNotFound, get("/api/v1/runs/nope").Code)
	assert.Equal(t, http.StatusNotFound, get("/api/v1/runs/nope/frames").Code)

	w = get("/api/v1/runs/" + run.ID + "/frames")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = get("/products/note.txt")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
}
