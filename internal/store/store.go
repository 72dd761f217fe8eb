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

// Package store keeps coadd runs and their per-frame diagnostics in sqlite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hoxca/skystack/internal/coadd"
)

var ErrNotFound = errors.New("run not found")

// Fixed width, so that text order is time order
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type DB struct {
	*sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id            TEXT PRIMARY KEY,
			tile              TEXT NOT NULL,
			band              INTEGER NOT NULL,
			status            TEXT NOT NULL,
			error             TEXT,
			n_frames          INTEGER DEFAULT 0,
			n_included        INTEGER DEFAULT 0,
			n_failed          INTEGER DEFAULT 0,
			sky               DOUBLE DEFAULT 0,
			params            TEXT,
			started           TEXT NOT NULL,
			finished          TEXT
		);
		CREATE TABLE IF NOT EXISTS frames (
			run_id            TEXT NOT NULL,
			frame_index       INTEGER NOT NULL,
			frame_id          TEXT NOT NULL,
			band              INTEGER,
			status            TEXT,
			error             TEXT,
			included          BOOLEAN,
			weight            DOUBLE,
			sig1              DOUBLE, -- native units, times zpscale for calibrated
			sky               DOUBLE, -- native units
			dsky              DOUBLE,
			zp                DOUBLE,
			zpscale           DOUBLE,
			n_overlap         INTEGER,
			n_patched         INTEGER,
			n_flagged         INTEGER,
			n_grown           INTEGER,
			rchi_mean         DOUBLE,
			rchi_std          DOUBLE,
			rchi_min          DOUBLE,
			rchi_max          DOUBLE,
			coextent          TEXT,
			imextent          TEXT,
			PRIMARY KEY(run_id, frame_index),
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

// Run states
const (
	RunRunning = "running"
	RunDone    = "done"
	RunFailed  = "failed"
)

// A coadd run of one tile in one band
type Run struct {
	ID        string    `json:"id"`
	Tile      string    `json:"tile"`
	Band      int       `json:"band"`
	Status    string    `json:"status"`
	Err       string    `json:"error,omitempty"`
	NFrames   int       `json:"nFrames"`
	NIncluded int       `json:"nIncluded"`
	NFailed   int       `json:"nFailed"`
	Sky       float64   `json:"sky"`
	Params    string    `json:"params"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
}

// Per-frame diagnostics row
type Frame struct {
	Index    int     `json:"index"`
	ID       string  `json:"id"`
	Band     int     `json:"band"`
	Status   string  `json:"status"`
	Err      string  `json:"error,omitempty"`
	Included bool    `json:"included"`
	Weight   float64 `json:"weight"`
	Sig1     float64 `json:"sig1"` // Native units, times ZPScale for calibrated
	Sky      float64 `json:"sky"`
	DSky     float64 `json:"dsky"`
	ZP       float64 `json:"zp"`
	ZPScale  float64 `json:"zpscale"`
	NOverlap int     `json:"nOverlap"`
	NPatched int     `json:"nPatched"`
	NFlagged int     `json:"nFlagged"`
	NGrown   int     `json:"nGrown"`
	RchiMean float64 `json:"rchiMean"`
	RchiStd  float64 `json:"rchiStd"`
	RchiMin  float64 `json:"rchiMin"`
	RchiMax  float64 `json:"rchiMax"`
	CoExtent string  `json:"coExtent"`
	ImExtent string  `json:"imExtent"`
}

// Register a new run with a fresh id
func (db *DB) StartRun(tile string, band int, params string) (*Run, error) {
	r := &Run{ID: uuid.NewString(), Tile: tile, Band: band, Status: RunRunning, Params: params, Started: time.Now().UTC()}
	_, err := db.Exec(`INSERT INTO runs (run_id, tile, band, status, params, started) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Tile, r.Band, r.Status, r.Params, r.Started.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	return r, nil
}

// Record the outcome of a run and its per-frame diagnostics in one transaction.
// res may be nil if the run failed before any frame was processed
func (db *DB) FinishRun(r *Run, res *coadd.Result, runErr error) error {
	r.Finished = time.Now().UTC()
	r.Status = RunDone
	if runErr != nil {
		r.Status, r.Err = RunFailed, runErr.Error()
	}
	if res != nil {
		r.NFrames, r.NIncluded, r.NFailed = len(res.Frames), res.NIncluded, res.NFailed
		if res.Products != nil {
			r.Sky = res.Products.Sky
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`UPDATE runs SET status = ?, error = ?, n_frames = ?, n_included = ?, n_failed = ?, sky = ?, finished = ?
		WHERE run_id = ?`,
		r.Status, r.Err, r.NFrames, r.NIncluded, r.NFailed, r.Sky, r.Finished.Format(timeFormat), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if res != nil {
		stmt, err := tx.Prepare(`INSERT OR REPLACE INTO frames (run_id, frame_index, frame_id, band, status, error, included,
			weight, sig1, sky, dsky, zp, zpscale, n_overlap, n_patched, n_flagged, n_grown,
			rchi_mean, rchi_std, rchi_min, rchi_max, coextent, imextent)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, f := range res.Frames {
			_, err := stmt.Exec(r.ID, f.Index, f.ID, f.Band, string(f.Status), f.Err, f.Included,
				f.Weight, f.Sig1, f.Sky, f.DSky, f.ZP, f.ZPScale, f.NOverlap, f.NPatched, f.NFlagged, f.NGrown,
				f.Rchi.Mean, f.Rchi.StdDev, f.Rchi.Min, f.Rchi.Max, f.CoExtent.String(), f.ImExtent.String())
			if err != nil {
				return fmt.Errorf("failed to insert frame %s: %w", f.ID, err)
			}
		}
	}
	return tx.Commit()
}

const runColumns = `run_id, tile, band, status, COALESCE(error, ''), n_frames, n_included, n_failed, COALESCE(sky, 0),
	COALESCE(params, ''), started, COALESCE(finished, '')`

func scanRun(row interface{ Scan(...interface{}) error }) (Run, error) {
	var r Run
	var started, finished string
	err := row.Scan(&r.ID, &r.Tile, &r.Band, &r.Status, &r.Err, &r.NFrames, &r.NIncluded, &r.NFailed, &r.Sky,
		&r.Params, &started, &finished)
	if err != nil {
		return r, err
	}
	r.Started, _ = time.Parse(timeFormat, started)
	if finished != "" {
		r.Finished, _ = time.Parse(timeFormat, finished)
	}
	return r, nil
}

// Most recent runs first
func (db *DB) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (db *DB) Run(id string) (*Run, error) {
	r, err := scanRun(db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Frame diagnostics of a run, in frame index order
func (db *DB) Frames(runID string) ([]Frame, error) {
	rows, err := db.Query(`SELECT frame_index, frame_id, band, status, COALESCE(error, ''), included,
		COALESCE(weight, 0), COALESCE(sig1, 0), COALESCE(sky, 0),
		COALESCE(dsky, 0), COALESCE(zp, 0), COALESCE(zpscale, 0),
		n_overlap, n_patched, n_flagged, n_grown,
		COALESCE(rchi_mean, 0), COALESCE(rchi_std, 0), COALESCE(rchi_min, 0), COALESCE(rchi_max, 0), coextent, imextent
		FROM frames WHERE run_id = ? ORDER BY frame_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	frames := []Frame{}
	for rows.Next() {
		var f Frame
		err := rows.Scan(&f.Index, &f.ID, &f.Band, &f.Status, &f.Err, &f.Included,
			&f.Weight, &f.Sig1, &f.Sky, &f.DSky, &f.ZP, &f.ZPScale, &f.NOverlap, &f.NPatched, &f.NFlagged, &f.NGrown,
			&f.RchiMean, &f.RchiStd, &f.RchiMin, &f.RchiMax, &f.CoExtent, &f.ImExtent)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}
