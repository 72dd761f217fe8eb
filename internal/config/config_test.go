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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoxca/skystack/internal/coadd"
)

const testConfig = `
index: /data/frames.yaml
outdir: /data/coadds
workers: 3
bands: [1, 2, 4]
tiles:
  - id: 1500p000
    ra: 150
    dec: 0
  - id: 0000p000
    ra: 0
    dec: 0
    w: 100
    h: 50
    pixscale: 1.375
select:
  radius: 1.5
  nframes: 10
coadd:
  rchi_cut: 4
  kernel: cross
  sky_max_dev: 0.5
  extent_margin: 3
band_params:
  "2":
    grow_iterations: 2
    dsky: true
    sky_omit: true
    sky_omit_value: 0
    std_floor: 0.001
`

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	fileName := filepath.Join(t.TempDir(), "skystack.yaml")
	require.NoError(t, os.WriteFile(fileName, []byte(text), 0o644))
	return fileName
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig), nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/data/frames.yaml", cfg.Index)
	assert.Equal(t, "/data/coadds", cfg.OutDir)
	assert.Equal(t, "skystack.db", cfg.DB)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, []int{1, 2, 4}, cfg.Bands)
	assert.Equal(t, 8080, cfg.Serve.Port)

	want := []Tile{
		{ID: "1500p000", RA: 150, Dec: 0, W: DefaultTileSize, H: DefaultTileSize, PixScale: DefaultPixScale},
		{ID: "0000p000", RA: 0, Dec: 0, W: 100, H: 50, PixScale: 1.375},
	}
	if diff := cmp.Diff(want, cfg.Tiles); diff != "" {
		t.Errorf("tiles mismatch (-want +got):\n%s", diff)
	}
}

func TestParams(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig), nil)
	require.NoError(t, err)

	p1, err := cfg.Params(1)
	require.NoError(t, err)
	assert.Equal(t, 4.0, p1.RchiCut)
	assert.Equal(t, coadd.KernelCross, p1.Kernel)
	assert.Equal(t, 1, p1.GrowIterations)
	assert.False(t, p1.EstimateDSky)
	assert.Equal(t, 1.0, p1.FluxScale)
	assert.Equal(t, 0.5, p1.Sky.MaxDev)
	assert.False(t, p1.Sky.Omit)
	assert.Equal(t, 3.0, p1.ExtentMargin)
	assert.Equal(t, coadd.DefaultParams().StdFloor, p1.StdFloor)

	p2, err := cfg.Params(2)
	require.NoError(t, err)
	assert.Equal(t, 4.0, p2.RchiCut)
	assert.Equal(t, 2, p2.GrowIterations)
	assert.True(t, p2.EstimateDSky)
	assert.True(t, p2.Sky.Omit)
	assert.Equal(t, 0.5, p2.Sky.MaxDev)
	assert.Equal(t, 0.001, p2.StdFloor)

	p4, err := cfg.Params(4)
	require.NoError(t, err)
	assert.Equal(t, 0.25, p4.FluxScale)

	def := coadd.DefaultParams()
	assert.Equal(t, def.MaskBits, p4.MaskBits)
	assert.Equal(t, def.LanczosOrder, p4.LanczosOrder)
}

func TestLoad_FlagsAndEnv(t *testing.T) {
	fileName := writeConfig(t, testConfig)
	t.Setenv("SKYSTACK_OUTDIR", "/env/out")
	t.Setenv("SKYSTACK_LOG_LEVEL", "debug")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", fileName, "--workers", "7", "--masks"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Workers)
	assert.True(t, cfg.Masks)
	assert.Equal(t, "/env/out", cfg.OutDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/data/frames.yaml", cfg.Index)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Bands: []int{1}, Tiles: []Tile{{ID: "a", W: 10, H: 10, PixScale: 2.75}}}
	}
	f := func(x float64) *float64 { return &x }
	kernel := "diamond"

	tests := []struct {
		name   string
		modify func(c *Config)
		errStr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"no bands", func(c *Config) { c.Bands = nil }, "no bands"},
		{"bad band", func(c *Config) { c.Bands = []int{5} }, "band must be 1 to 4"},
		{"workers", func(c *Config) { c.Workers = -1 }, "workers"},
		{"duplicate tile", func(c *Config) { c.Tiles = append(c.Tiles, c.Tiles[0]) }, "duplicate"},
		{"tile size", func(c *Config) { c.Tiles[0].W = 0 }, "invalid size"},
		{"tile dec", func(c *Config) { c.Tiles[0].Dec = 91 }, "declination"},
		{"rchi cut", func(c *Config) { c.Coadd.RchiCut = f(0) }, "rchi cut"},
		{"kernel", func(c *Config) { c.Coadd.Kernel = &kernel }, "kernel"},
		{"tiny weight", func(c *Config) { c.Coadd.TinyW = f(0) }, "tiny weight"},
		{"band key", func(c *Config) { c.BandParams = map[string]Overrides{"w1": {}} }, "invalid band"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.modify(c)
			err := c.Validate()
			if tt.errStr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.errStr)
			}
		})
	}
}

func TestSelectTilesAndFilter(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig), nil)
	require.NoError(t, err)

	all, err := cfg.SelectTiles(nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	some, err := cfg.SelectTiles([]string{"0000p000"})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, 100, some[0].Projection().Width())

	_, err = cfg.SelectTiles([]string{"nope"})
	assert.ErrorContains(t, err, "unknown tile")

	f := cfg.Filter(some[0], 3)
	assert.Equal(t, 3, f.Band)
	assert.Equal(t, 2000.0, f.MinDtAnneal)
	assert.Equal(t, 10, f.NFrames)
	assert.InDelta(t, 1.5+some[0].Radius(), f.Radius, 1e-12)
}
