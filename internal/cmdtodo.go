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
	"github.com/hoxca/skystack/internal/config"
	"github.com/hoxca/skystack/internal/frames"
	"github.com/hoxca/skystack/internal/logging"
)

// Outstanding work for one tile and band
type TodoItem struct {
	Tile     string
	Band     int
	Products []string // Missing products
	NFrames  int      // Frames selected from the index
	Wishlist []string // Missing input files of the selected frames
}

// List tile bands with missing products. idx may be nil, in which case input
// files are not checked
func Todo(cfg *config.Config, tiles []config.Tile, idx *frames.Index) []TodoItem {
	var items []TodoItem
	for _, t := range tiles {
		for _, band := range cfg.Bands {
			missing := MissingProducts(cfg.OutDir, t.ID, band)
			if len(missing) == 0 {
				continue
			}
			item := TodoItem{Tile: t.ID, Band: band, Products: missing}
			if idx != nil {
				entries := idx.Select(cfg.Filter(t, band))
				item.NFrames, item.Wishlist = len(entries), frames.Wishlist(entries)
			}
			items = append(items, item)
		}
	}
	return items
}

// Perform todo command: print tile bands still to coadd, and input files to fetch
func CmdTodo(cfg *config.Config, tileIDs []string) {
	tiles, err := cfg.SelectTiles(tileIDs)
	if err != nil {
		logging.Fatal(err)
	}
	idx, err := frames.LoadIndex(cfg.Index)
	if err != nil {
		logging.Warnf("Not checking input files: %s\n", err)
		idx = nil
	}
	items := Todo(cfg, tiles, idx)
	nWish := 0
	for _, it := range items {
		logging.Printf("%s band %d: %d of %d products missing, %d frames, %d input files missing\n",
			it.Tile, it.Band, len(it.Products), len(ProductKinds), it.NFrames, len(it.Wishlist))
		for _, fn := range it.Wishlist {
			logging.Debugf("  wish %s\n", fn)
		}
		nWish += len(it.Wishlist)
	}
	logging.Printf("%d of %d tile bands to do, %d input files missing\n", len(items), len(tiles)*len(cfg.Bands), nWish)
}
