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
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/contrib/static"
	"github.com/gin-gonic/gin"

	"github.com/hoxca/skystack/internal/config"
	"github.com/hoxca/skystack/internal/logging"
	"github.com/hoxca/skystack/internal/store"
)

// Serve coadd products and run diagnostics via HTTP
func CmdServe(cfg *config.Config) {
	db, err := store.Open(cfg.DB)
	if err != nil {
		logging.Fatalf("Error opening database: %s\n", err)
	}
	defer db.Close()

	gin.SetMode(gin.ReleaseMode)
	r := NewRouter(cfg, db)
	logging.Printf("Serving %s and run diagnostics on port %d\n", cfg.OutDir, cfg.Serve.Port)
	if err := r.Run(fmt.Sprintf(":%d", cfg.Serve.Port)); err != nil { // listen and serve on 0.0.0.0:port
		logging.Fatal(err)
	}
}

// HTTP routes: products under /products, JSON API under /api/v1, and an
// optional static frontend at the root
func NewRouter(cfg *config.Config, db *store.DB) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	r.Use(static.Serve("/products", static.LocalFile(cfg.OutDir, false)))
	if cfg.Serve.Web != "" {
		r.Use(static.Serve("/", static.LocalFile(cfg.Serve.Web, true)))
	}

	api := r.Group("/api/v1")
	api.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})
	api.GET("/runs", func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		runs, err := db.Runs(limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, runs)
	})
	api.GET("/runs/:id", func(c *gin.Context) {
		run, err := db.Run(c.Param("id"))
		if err != nil {
			runError(c, err)
			return
		}
		c.JSON(http.StatusOK, run)
	})
	api.GET("/runs/:id/frames", func(c *gin.Context) {
		if _, err := db.Run(c.Param("id")); err != nil {
			runError(c, err)
			return
		}
		frames, err := db.Frames(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, frames)
	})
	return r
}

func runError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
