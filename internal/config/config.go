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

// Package config loads the skystack run configuration from a YAML file,
// SKYSTACK_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/hoxca/skystack/internal/coadd"
	"github.com/hoxca/skystack/internal/frames"
	"github.com/hoxca/skystack/internal/wcs"
)

// Default output tile size and pixel scale, in pixels and arcsec per pixel
const (
	DefaultTileSize = 2048
	DefaultPixScale = 2.75
)

type Config struct {
	Log     LogConfig    `mapstructure:"log"`
	Index   string       `mapstructure:"index"`   // Frame index file
	OutDir  string       `mapstructure:"outdir"`  // Product directory
	DB      string       `mapstructure:"db"`      // Diagnostics database
	Workers int          `mapstructure:"workers"` // Frame-level parallelism, 0 for automatic
	Force   bool         `mapstructure:"force"`   // Recompute products that already exist
	Masks   bool         `mapstructure:"masks"`   // Export per-frame bad pixel masks
	Bands   []int        `mapstructure:"bands"`
	Tiles   []Tile       `mapstructure:"tiles"`
	Select  SelectConfig `mapstructure:"select"`
	Serve   ServeConfig  `mapstructure:"serve"`

	Coadd      Overrides            `mapstructure:"coadd"`       // Applied to all bands
	BandParams map[string]Overrides `mapstructure:"band_params"` // Keyed by band number
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type ServeConfig struct {
	Port int    `mapstructure:"port"`
	Web  string `mapstructure:"web"` // Static frontend files, optional
}

// Frame selection settings shared by all tiles
type SelectConfig struct {
	MinQual  int     `mapstructure:"min_qual"`
	KeepMoon bool    `mapstructure:"keep_moon"`
	Radius   float64 `mapstructure:"radius"` // Coarse distance cut in degrees, 0 for none
	Frame0   int     `mapstructure:"frame0"`
	NFrames  int     `mapstructure:"nframes"`
}

// Output tile geometry
type Tile struct {
	ID       string  `mapstructure:"id"`
	RA       float64 `mapstructure:"ra"`
	Dec      float64 `mapstructure:"dec"`
	W        int     `mapstructure:"w"`
	H        int     `mapstructure:"h"`
	PixScale float64 `mapstructure:"pixscale"`
}

func (t Tile) Projection() *wcs.TAN {
	return wcs.NewTile(t.RA, t.Dec, t.W, t.H, t.PixScale)
}

// Radius of the circle around the tile center enclosing the tile, in degrees
func (t Tile) Radius() float64 {
	return math.Hypot(float64(t.W), float64(t.H)) / 2 * t.PixScale / 3600
}

// Optional changes to coadd.Params. Nil fields keep the current value
type Overrides struct {
	LanczosOrder   *int     `mapstructure:"lanczos_order"`
	MaskBits       *uint32  `mapstructure:"mask_bits"`
	MaxPatched     *int     `mapstructure:"max_patched"`
	FrameSky       *bool    `mapstructure:"frame_sky"`
	SkyDither      *bool    `mapstructure:"sky_dither"`
	CoaddSky       *bool    `mapstructure:"coadd_sky"`
	SkyBins        *int     `mapstructure:"sky_bins"`
	SkyMaxDev      *float64 `mapstructure:"sky_max_dev"`
	SkyOmit        *bool    `mapstructure:"sky_omit"`
	SkyOmitValue   *float64 `mapstructure:"sky_omit_value"`
	ExtentMargin   *float64 `mapstructure:"extent_margin"`
	StdFloor       *float64 `mapstructure:"std_floor"`
	TinyW          *float64 `mapstructure:"tiny_w"`
	FluxScale      *float64 `mapstructure:"flux_scale"`
	RchiCut        *float64 `mapstructure:"rchi_cut"`
	MaxBadFraction *float64 `mapstructure:"max_bad_fraction"`
	Kernel         *string  `mapstructure:"kernel"`
	GrowIterations *int     `mapstructure:"grow_iterations"`
	EstimateDSky   *bool    `mapstructure:"dsky"`
	MaxFailures    *int     `mapstructure:"max_failures"`
}

// Apply the non-nil fields to p
func (o *Overrides) Apply(p *coadd.Params) error {
	if o.Kernel != nil {
		k, err := coadd.ParseKernel(*o.Kernel)
		if err != nil {
			return err
		}
		p.Kernel = k
	}
	setInt(&p.LanczosOrder, o.LanczosOrder)
	setInt(&p.MaxPatched, o.MaxPatched)
	setInt(&p.Sky.Bins, o.SkyBins)
	setInt(&p.GrowIterations, o.GrowIterations)
	setInt(&p.MaxFailures, o.MaxFailures)
	setBool(&p.FrameSky, o.FrameSky)
	setBool(&p.SkyDither, o.SkyDither)
	setBool(&p.CoaddSky, o.CoaddSky)
	setBool(&p.EstimateDSky, o.EstimateDSky)
	setFloat(&p.FluxScale, o.FluxScale)
	setFloat(&p.RchiCut, o.RchiCut)
	setFloat(&p.MaxBadFraction, o.MaxBadFraction)
	setFloat(&p.Sky.MaxDev, o.SkyMaxDev)
	setBool(&p.Sky.Omit, o.SkyOmit)
	setFloat(&p.Sky.OmitValue, o.SkyOmitValue)
	setFloat(&p.ExtentMargin, o.ExtentMargin)
	setFloat(&p.StdFloor, o.StdFloor)
	setFloat(&p.TinyW, o.TinyW)
	if o.MaskBits != nil {
		p.MaskBits = *o.MaskBits
	}
	return nil
}

func setInt(dst, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst, src *float64) {
	if src != nil {
		*dst = *src
	}
}

// Coadd parameters for a band: built-in defaults, then the coadd section,
// then the band_params entry for the band
func (c *Config) Params(band int) (coadd.Params, error) {
	p := coadd.DefaultParams()
	if band == 4 {
		p.FluxScale = 0.25
	}
	if err := c.Coadd.Apply(&p); err != nil {
		return p, fmt.Errorf("coadd: %w", err)
	}
	if o, ok := c.BandParams[strconv.Itoa(band)]; ok {
		if err := o.Apply(&p); err != nil {
			return p, fmt.Errorf("band_params %d: %w", band, err)
		}
	}
	return p, nil
}

// Frame filter for a tile and band
func (c *Config) Filter(t Tile, band int) frames.Filter {
	f := frames.DefaultFilter(band)
	f.MinQual, f.KeepMoon = c.Select.MinQual, c.Select.KeepMoon
	f.Frame0, f.NFrames = c.Select.Frame0, c.Select.NFrames
	if c.Select.Radius > 0 {
		f.RA, f.Dec, f.Radius = t.RA, t.Dec, c.Select.Radius+t.Radius()
	}
	return f
}

// Tiles with the given ids, in the given order. All tiles if ids is empty
func (c *Config) SelectTiles(ids []string) ([]Tile, error) {
	if len(ids) == 0 {
		return c.Tiles, nil
	}
	byID := make(map[string]Tile, len(c.Tiles))
	for _, t := range c.Tiles {
		byID[t.ID] = t
	}
	res := make([]Tile, 0, len(ids))
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown tile %q", id)
		}
		res = append(res, t)
	}
	return res, nil
}

var ErrNoTiles = errors.New("no tiles configured")

// Check the configuration for consistency
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", c.Workers)
	}
	if len(c.Bands) == 0 {
		return errors.New("no bands configured")
	}
	for _, b := range c.Bands {
		if b < 1 || b > 4 {
			return fmt.Errorf("band must be 1 to 4, got %d", b)
		}
		p, err := c.Params(b)
		if err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("band %d: %w", b, err)
		}
	}
	for key := range c.BandParams {
		if _, err := strconv.Atoi(key); err != nil {
			return fmt.Errorf("band_params: invalid band %q", key)
		}
	}
	seen := make(map[string]bool, len(c.Tiles))
	for i, t := range c.Tiles {
		switch {
		case t.ID == "":
			return fmt.Errorf("tile %d: missing id", i)
		case seen[t.ID]:
			return fmt.Errorf("tile %s: duplicate id", t.ID)
		case t.W <= 0 || t.H <= 0:
			return fmt.Errorf("tile %s: invalid size %dx%d", t.ID, t.W, t.H)
		case !(t.PixScale > 0):
			return fmt.Errorf("tile %s: pixel scale must be positive, got %g", t.ID, t.PixScale)
		case t.Dec < -90 || t.Dec > 90:
			return fmt.Errorf("tile %s: declination %g out of range", t.ID, t.Dec)
		}
		seen[t.ID] = true
	}
	return nil
}

// One-line summary for log output
func (c *Config) String() string {
	ids := make([]string, len(c.Tiles))
	for i, t := range c.Tiles {
		ids[i] = t.ID
	}
	keys := make([]string, 0, len(c.BandParams))
	for k := range c.BandParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("index %s outdir %s db %s workers %d force %v masks %v bands %v tiles [%s] bandParams %v",
		c.Index, c.OutDir, c.DB, c.Workers, c.Force, c.Masks, c.Bands, strings.Join(ids, " "), keys)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("index", "frames.yaml")
	v.SetDefault("outdir", ".")
	v.SetDefault("db", "skystack.db")
	v.SetDefault("workers", 0)
	v.SetDefault("force", false)
	v.SetDefault("masks", false)
	v.SetDefault("bands", []int{1, 2})
	v.SetDefault("serve.port", 8080)
	v.SetDefault("serve.web", "")
}

// Register the command line flags that override configuration keys
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "YAML run configuration file")
	fs.String("log.level", "info", "log level: debug, info, warn or error")
	fs.String("log.file", "", "also log to this file")
	fs.String("index", "frames.yaml", "frame index file")
	fs.String("outdir", ".", "output directory for coadd products")
	fs.String("db", "skystack.db", "sqlite database for run diagnostics")
	fs.Int("workers", 0, "frame-level parallelism, 0 for automatic")
	fs.Bool("force", false, "recompute products that already exist")
	fs.Bool("masks", false, "export per-frame bad pixel masks")
	fs.IntSlice("bands", []int{1, 2}, "bands to coadd")
	fs.Int("serve.port", 8080, "HTTP port for serve")
}

// Load configuration. Precedence from high to low: flags set on the command
// line, SKYSTACK_* environment variables, the config file, defaults. The file
// name is taken from the --config flag if fileName is empty.
func Load(fileName string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SKYSTACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if fileName == "" {
			if f := fs.Lookup("config"); f != nil {
				fileName = f.Value.String()
			}
		}
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || !f.Changed || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(f.Name, f)
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}
	if fileName != "" {
		v.SetConfigFile(fileName)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	for i := range cfg.Tiles {
		t := &cfg.Tiles[i]
		if t.W == 0 {
			t.W = DefaultTileSize
		}
		if t.H == 0 {
			t.H = t.W
		}
		if t.PixScale == 0 {
			t.PixScale = DefaultPixScale
		}
	}
	return &cfg, nil
}
