package tensor

import (
	"math"
	"math/rand/v2"
)

// InitFunc fills t in place from some distribution. Implementations
// must consume randomness only from r so that two calls with
// identically seeded generators produce identical tensors.
type InitFunc func(r *rand.Rand, t *Dense)

// XavierNormal returns an initializer drawing from N(0, std^2) with
// std = gain * sqrt(2 / (fanIn + fanOut)), fan sizes taken from the
// tensor shape (rows = fanOut, cols = fanIn).
func XavierNormal(gain float64) InitFunc {
	return func(r *rand.Rand, t *Dense) {
		std := gain * math.Sqrt(2.0/float64(t.rows+t.cols))
		for i := range t.data {
			t.data[i] = r.NormFloat64() * std
		}
	}
}

// Uniform returns an initializer drawing from U[lo, hi).
func Uniform(lo, hi float64) InitFunc {
	return func(r *rand.Rand, t *Dense) {
		span := hi - lo
		for i := range t.data {
			t.data[i] = lo + span*r.Float64()
		}
	}
}
