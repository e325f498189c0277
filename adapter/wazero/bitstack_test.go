package wazero

import "testing"

func TestBitstackPushPopOrder(t *testing.T) {
	var s bitstack
	bits := []uint{1, 0, 1, 1, 0, 0, 1}
	for _, b := range bits {
		s.push(b)
	}
	for i := len(bits) - 1; i >= 0; i-- {
		if got := s.pop(); got != bits[i] {
			t.Fatalf("pop() = %d, want %d at index %d", got, bits[i], i)
		}
	}
}

func TestBitstackGrowsAcrossWordBoundary(t *testing.T) {
	var s bitstack
	const n = 200 // more than 3 uint64 words
	for i := 0; i < n; i++ {
		s.push(uint(i % 2))
	}
	for i := n - 1; i >= 0; i-- {
		if got, want := s.pop(), uint(i%2); got != want {
			t.Fatalf("pop() at %d = %d, want %d", i, got, want)
		}
	}
}

func TestDownsampleCycle(t *testing.T) {
	cases := []struct {
		rate float64
		want uint64
	}{
		{0, 1},
		{1, 1},
		{-1, 1},
		{0.5, 2},
		{0.1, 10},
	}
	for _, c := range cases {
		if got := downsampleCycle(c.rate); got != c.want {
			t.Errorf("downsampleCycle(%v) = %d, want %d", c.rate, got, c.want)
		}
	}
}

func TestConfigIsYield(t *testing.T) {
	cfg := Config{YieldFunctions: []string{"fiber_yield", "sched_yield"}}
	if !cfg.isYield("fiber_yield") {
		t.Error("isYield(fiber_yield) = false, want true")
	}
	if cfg.isYield("malloc") {
		t.Error("isYield(malloc) = true, want false")
	}
}
