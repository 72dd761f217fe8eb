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

package coadd

import (
	"errors"
	"fmt"
)

var (
	// Frame level
	ErrTooManyPatched = errors.New("too many pixels to patch")
	ErrNoGoodPixels   = errors.New("no good pixels")
	ErrPatchFailed    = errors.New("patching failed")

	// Tile level
	ErrNoFrames        = errors.New("no surviving frames")
	ErrTooManyFailures = errors.New("too many frame failures")
	ErrNonFinite       = errors.New("non-finite values")
)

// Failure reading the rasters of a frame
type IOError struct {
	ID  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("reading frame %s: %v", e.ID, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Error raised by a panicking frame task
type TaskPanic struct {
	Value interface{}
}

func (p *TaskPanic) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// Run fn, converting a panic into an error
func Safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TaskPanic{Value: r}
		}
	}()
	return fn()
}
