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

package sky

import (
	"hash/fnv"
	"math"

	"github.com/valyala/fastrand"
)

// Gaussian noise source. Deterministic for a given seed
type Noise struct {
	rng   fastrand.RNG
	spare float64
	has   bool
}

func NewNoise(seed uint32) *Noise {
	n := &Noise{}
	if seed == 0 {
		seed = 1 // zero state reseeds from the clock
	}
	n.rng.Seed(seed)
	return n
}

// Seed derived from a frame identifier, so reruns dither identically
func SeedFor(id string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32()
}

func (n *Noise) uniform() float64 {
	// (0,1], never zero so the log below stays finite
	return (float64(n.rng.Uint32()) + 1) / (math.MaxUint32 + 1.0)
}

// Standard normal deviate, Box-Muller
func (n *Noise) Normal() float64 {
	if n.has {
		n.has = false
		return n.spare
	}
	r := math.Sqrt(-2 * math.Log(n.uniform()))
	s, c := math.Sincos(2 * math.Pi * n.uniform())
	n.spare, n.has = r*s, true
	return r * c
}

// Add zero-mean Gaussian noise with the given sigma to sample in place. Smooths out
// quantization and calibration steps in the histogram before fitting.
func Dither(sample []float32, sigma float64, seed uint32) {
	if sigma <= 0 {
		return
	}
	n := NewNoise(seed)
	for i := range sample {
		sample[i] += float32(sigma * n.Normal())
	}
}
