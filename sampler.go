package fiberprofiler

// sampler decides, once per interval boundary, whether the next interval is
// captured.
//
// The single-method shape below (one seeded generator behind a bool-valued
// sample method) follows the small-interface pattern this codebase's other
// profiling helpers use for pluggable randomness. A small-state PRNG
// (xorshift64, not math/rand) keeps sampling tests reproducible from a bare
// uint64 seed without pulling in math/rand's larger state machine.
type sampler struct {
	state  uint64
	chance float64
}

// newSampler constructs a sampler seeded once for the lifetime of a
// Capture. A zero seed is replaced with a fixed non-zero value since
// xorshift is degenerate at zero.
func newSampler(seed uint64, chance float64) *sampler {
	if seed == 0 {
		seed = 0x9e3779b97f4a7c15
	}
	return &sampler{state: seed, chance: chance}
}

// next returns the next value in (0,1], advancing the generator's state.
func (s *sampler) next() float64 {
	x := s.state
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	s.state = x
	// Scale into (0,1]: the top 53 bits give float64 mantissa-width
	// uniformity; +1 keeps the result strictly positive.
	return float64((x>>11)+1) / float64(1<<53)
}

// sample reports whether the next interval should be captured: a rate
// >= 1 always accepts, a rate <= 0 always rejects, otherwise a draw is
// compared against chance.
func (s *sampler) sample() bool {
	if s.chance >= 1 {
		return true
	}
	if s.chance <= 0 {
		return false
	}
	return s.next() < s.chance
}
