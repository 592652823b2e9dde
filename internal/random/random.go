// Package random provides the pseudo-random sources used by the transaction
// generator. Start/stop decisions must not be predictable across a fleet of
// simulated stations, so floats are drawn from crypto/rand rather than a
// seeded math/rand stream.
package random

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"
)

// Float64 returns a uniformly distributed float64 in [0, 1) drawn from the
// operating system's CSPRNG.
func Float64() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// nothing sensible can be simulated at that point.
		panic(err)
	}
	// 53 bits of mantissa, same construction as math/rand.Float64.
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}

// Int63n returns a uniformly distributed int64 in [0, n). n must be > 0.
func Int63n(n int64) int64 {
	if n <= 0 {
		panic("random: Int63n with non-positive n")
	}
	return int64(Float64() * float64(n))
}

// UniformDuration returns a duration uniformly drawn from [min, max].
// When min >= max it returns min, so equal bounds are deterministic.
func UniformDuration(min, max time.Duration) time.Duration {
	if min >= max {
		return min
	}
	span := float64(max - min)
	return min + time.Duration(math.Round(Float64()*span))
}

// UniformSeconds returns a duration uniformly drawn from [min, max] seconds,
// accepting fractional bounds.
func UniformSeconds(min, max float64) time.Duration {
	return UniformDuration(
		time.Duration(min*float64(time.Second)),
		time.Duration(max*float64(time.Second)),
	)
}
