// Package rng provides the seeded pseudo-random source used by the
// simulation. Every stream is derived from a string seed so that a race can
// be reconstructed bit-for-bit from its recorded seed, and Fork gives each
// agent an independent child stream with the same reproducibility contract:
// same parent state + same label => same child sequence.
package rng

import (
	"fmt"
	"math"
	"math/bits"
)

// Rng is a mulberry32 generator over 32-bit state. It is not safe for
// concurrent use; each World and each Agent owns its own instance.
type Rng struct {
	state uint32
}

// New seeds a generator from an arbitrary string.
func New(seed string) *Rng {
	return &Rng{state: Hash(seed)}
}

// Hash mixes a seed string down to 32 bits (xmur3-style avalanche).
func Hash(seed string) uint32 {
	h := uint32(1779033703) ^ uint32(len(seed))
	for i := 0; i < len(seed); i++ {
		h = (h ^ uint32(seed[i])) * 3432918353
		h = bits.RotateLeft32(h, 13)
	}
	return h ^ (h >> 16)
}

// State exposes the raw generator state. Used only for forking and digests.
func (r *Rng) State() uint32 { return r.state }

// Next returns the next value in [0, 1).
func (r *Rng) Next() float64 {
	r.state += 0x6d2b79f5
	t := r.state
	t = (t ^ (t >> 15)) * (t | 1)
	t ^= t + (t^(t>>7))*(t|61)
	return float64(t^(t>>14)) / 4294967296.0
}

// Range returns a value in [min, max).
func (r *Rng) Range(min, max float64) float64 {
	return min + r.Next()*(max-min)
}

// Int returns an integer in [min, max].
func (r *Rng) Int(min, max int) int {
	return min + int(math.Floor(r.Next()*float64(max-min+1)))
}

// Fork derives an independent child stream. The child depends only on the
// parent's current state and the label, so replays that fork in the same
// order observe identical child streams.
func (r *Rng) Fork(label string) *Rng {
	return New(fmt.Sprintf("%d:%s", r.state, label))
}

// Gaussian samples a normal distribution via Box-Muller. Zero draws are
// rejected so Log never sees 0.
func (r *Rng) Gaussian(mean, stdDev float64) float64 {
	var u, v float64
	for u == 0 {
		u = r.Next()
	}
	for v == 0 {
		v = r.Next()
	}
	mag := math.Sqrt(-2.0*math.Log(u)) * math.Cos(2.0*math.Pi*v)
	return mean + stdDev*mag
}

// Pick returns a uniformly chosen element. Panics on an empty slice.
func Pick[T any](r *Rng, items []T) T {
	return items[int(math.Floor(r.Next()*float64(len(items))))%len(items)]
}

// Shuffle returns a Fisher-Yates shuffled copy, leaving the input untouched.
func Shuffle[T any](r *Rng, items []T) []T {
	out := make([]T, len(items))
	copy(out, items)
	for i := len(out) - 1; i > 0; i-- {
		j := int(math.Floor(r.Next() * float64(i+1)))
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Noise2D returns a deterministic value in [-1, 1] for a grid coordinate.
// It reads the generator state without advancing it.
func (r *Rng) Noise2D(x, y float64) float64 {
	seed := Hash(fmt.Sprintf("%v:%v:%d", x, y, r.state))
	n := New(fmt.Sprintf("%d", seed))
	return n.Next()*2 - 1
}
