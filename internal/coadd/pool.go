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
	"runtime"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"
)

// Bounded worker pool for per-frame tasks
type Pool struct {
	workers int
}

// Creates a pool with the given parallelism. Values below one select a single worker
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{workers: workers}
}

func (p *Pool) Workers() int { return p.workers }

// Whether tasks run one at a time on the calling goroutine
func (p *Pool) Serial() bool { return p.workers == 1 }

// Run fn(i) for i in [0,n), limiting concurrency to the number of workers.
// Returns when all calls have completed. fn must not panic.
func (p *Pool) Map(n int, fn func(i int)) {
	if p.Serial() {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	sem := make(chan bool, p.workers)
	for i := 0; i < n; i++ {
		sem <- true
		go func(i int) {
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	for i := 0; i < cap(sem); i++ { // wait for goroutines to finish
		sem <- true
	}
}

// Number of frame-level workers for this machine, given the approximate memory
// footprint of one task. Uses physical cores, capped so that all tasks fit in
// half of the physical memory.
func DefaultWorkers(bytesPerTask uint64) int {
	cores := cpuid.CPU.PhysicalCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	if g := runtime.GOMAXPROCS(0); g < cores {
		cores = g
	}
	if bytesPerTask == 0 {
		return cores
	}
	total := memory.TotalMemory()
	if total == 0 {
		return cores
	}
	byMem := int(total / 2 / bytesPerTask)
	if byMem < 1 {
		byMem = 1
	}
	if byMem < cores {
		return byMem
	}
	return cores
}

// One-line description of the host, for log output
func HostSummary() string {
	return cpuid.CPU.BrandName
}
