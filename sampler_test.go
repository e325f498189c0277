package fiberprofiler

import "testing"

func TestSamplerZeroSeedIsReplaced(t *testing.T) {
	s := newSampler(0, 1)
	if s.state == 0 {
		t.Fatal("zero seed was not replaced; xorshift64 is degenerate at zero")
	}
}

func TestSamplerRateBoundaries(t *testing.T) {
	always := newSampler(1, 1)
	for i := 0; i < 100; i++ {
		if !always.sample() {
			t.Fatal("rate >= 1 should always sample")
		}
	}

	never := newSampler(1, 0)
	for i := 0; i < 100; i++ {
		if never.sample() {
			t.Fatal("rate <= 0 should never sample")
		}
	}
}

func TestSamplerIsDeterministicForASeed(t *testing.T) {
	a := newSampler(42, 0.5)
	b := newSampler(42, 0.5)
	for i := 0; i < 50; i++ {
		if a.next() != b.next() {
			t.Fatalf("two samplers with the same seed diverged at draw %d", i)
		}
	}
}

func TestSamplerNextStaysInRange(t *testing.T) {
	s := newSampler(99, 1)
	for i := 0; i < 1000; i++ {
		v := s.next()
		if v <= 0 || v > 1 {
			t.Fatalf("next() = %v, want in (0,1]", v)
		}
	}
}
