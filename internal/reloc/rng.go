package reloc

import "math/bits"

// splitMix64 is a small, fast PRNG used for per-slot sampling. Every
// parallel slot gets its own generator keyed by (seed, stream, slot), so
// there is no shared RNG state between workers and a serial dispatch with
// a fixed seed replays the exact same draws.
type splitMix64 struct {
	state uint64
}

// RNG stream identifiers. Each sampling phase draws from its own stream
// so adding draws to one phase cannot perturb another.
const (
	rngStreamCandidates uint64 = 0x9e3779b97f4a7c15
	rngStreamInliers    uint64 = 0xbf58476d1ce4e5b9
)

func newRNG(seed, stream, slot uint64) splitMix64 {
	// Mix the three keys through one splitmix step each so nearby slots
	// land in distant states.
	s := seed ^ stream
	s = mix64(s + slot*0x94d049bb133111eb)
	return splitMix64{state: s}
}

func mix64(z uint64) uint64 {
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func (r *splitMix64) next() uint64 {
	r.state += 0x9e3779b97f4a7c15
	return mix64(r.state)
}

// intn returns a uniform integer in [0, n) by multiply-shift with
// rejection, so no residue of 2^64 mod n skews the draw. n must be
// positive.
func (r *splitMix64) intn(n int) int {
	un := uint64(n)
	hi, lo := bits.Mul64(r.next(), un)
	if lo < un {
		thresh := -un % un
		for lo < thresh {
			hi, lo = bits.Mul64(r.next(), un)
		}
	}
	return int(hi)
}

// float64 returns a uniform value in [0, 1).
func (r *splitMix64) float64() float64 {
	return float64(r.next()>>11) / (1 << 53)
}
