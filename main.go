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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/hoxca/skystack/internal"
	"github.com/hoxca/skystack/internal/config"
	"github.com/hoxca/skystack/internal/logging"
)

const version = "0.1.0"

func usage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `skystack %s: robust weighted coaddition of sky survey exposures onto tiles

Usage: skystack <command> [flags] [args]

Commands:
  coadd [tile ...]      coadd the given or all configured tiles in all configured bands
  stats [file ...]      per-frame quality statistics, for the given images or the frame index
  todo [tile ...]       list tile bands without products and missing input files
  serve                 serve products and run diagnostics via HTTP
  version               print version

Flags:
`, version)
	fs.PrintDefaults()
}

func main() {
	fs := pflag.NewFlagSet("skystack", pflag.ExitOnError)
	config.AddFlags(fs)
	fs.Usage = func() { usage(fs) }

	if len(os.Args) < 2 {
		usage(fs)
		os.Exit(2)
	}
	cmd := os.Args[1]
	switch cmd {
	case "version":
		fmt.Println("skystack", version)
		return
	case "help", "-h", "--help":
		usage(fs)
		return
	case "coadd", "stats", "todo", "serve":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage(fs)
		os.Exit(2)
	}
	fs.Parse(os.Args[2:])

	cfg, err := config.Load("", fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := logging.Init(cfg.Log.Level, cfg.Log.File); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logging.Sync()
	if err := cfg.Validate(); err != nil {
		logging.Fatalf("Invalid configuration: %s\n", err)
	}
	logging.Printf("skystack %s %s with %s\n", version, cmd, cfg)

	switch cmd {
	case "coadd":
		internal.CmdCoadd(cfg, fs.Args())
	case "stats":
		internal.CmdStats(cfg, fs.Args())
	case "todo":
		internal.CmdTodo(cfg, fs.Args())
	case "serve":
		internal.CmdServe(cfg)
	}
}
