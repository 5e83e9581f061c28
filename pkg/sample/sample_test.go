package sample

import (
	"math"
	"testing"
)

func TestArgmax(t *testing.T) {
	if got := Argmax([]float64{0.1, 3.5, -2, 3.4}); got != 1 {
		t.Fatalf("Argmax = %d, want 1", got)
	}
	if got := Argmax(nil); got != -1 {
		t.Fatalf("Argmax(nil) = %d, want -1", got)
	}
}

func TestZeroTemperatureIsGreedy(t *testing.T) {
	s := New(Config{Temperature: 0, Seed: 1})
	logits := []float64{-1, 0.5, 2.0, 0.4}
	for i := 0; i < 20; i++ {
		if got := s.Next(logits); got != 2 {
			t.Fatalf("greedy pick = %d, want 2", got)
		}
	}
}

func TestSeededDeterminism(t *testing.T) {
	logits := []float64{1, 2, 3, 4, 5}
	a := New(Config{Temperature: 1.0, Seed: 42})
	b := New(Config{Temperature: 1.0, Seed: 42})
	for i := 0; i < 100; i++ {
		if a.Next(logits) != b.Next(logits) {
			t.Fatal("same seed produced different draws")
		}
	}
}

func TestTopKRestrictsSupport(t *testing.T) {
	// Tokens 0 and 1 dominate; with k=2 nothing else may ever be drawn.
	logits := []float64{10, 9, 0, -1, -2}
	s := New(Config{Temperature: 1.0, TopK: 2, Seed: 7})
	for i := 0; i < 500; i++ {
		got := s.Next(logits)
		if got != 0 && got != 1 {
			t.Fatalf("top-k=2 drew token %d outside the top two", got)
		}
	}
}

func TestTopPRestrictsSupport(t *testing.T) {
	// Token 0 alone carries nearly all probability mass; a tight nucleus
	// must exclude everything else.
	logits := []float64{20, 1, 0, -1}
	s := New(Config{Temperature: 1.0, TopP: 0.5, Seed: 3})
	for i := 0; i < 500; i++ {
		if got := s.Next(logits); got != 0 {
			t.Fatalf("top-p=0.5 drew token %d, want 0", got)
		}
	}
}

func TestHighTemperatureFlattens(t *testing.T) {
	// At very high temperature every token should appear eventually.
	logits := []float64{5, 0, -5}
	s := New(Config{Temperature: 100, Seed: 11})
	seen := map[int]bool{}
	for i := 0; i < 2000; i++ {
		seen[s.Next(logits)] = true
	}
	for tok := 0; tok < 3; tok++ {
		if !seen[tok] {
			t.Fatalf("token %d never drawn at temperature 100", tok)
		}
	}
}

func TestSoftmaxStability(t *testing.T) {
	probs := softmax([]float64{1000, 1001, 1002})
	sum := 0.0
	for _, p := range probs {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			t.Fatalf("softmax overflow: %v", probs)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Fatalf("softmax sums to %v", sum)
	}
}

func TestApplyTopKEdgeCases(t *testing.T) {
	probs := []float64{0.25, 0.25, 0.25, 0.25}
	// k >= len leaves the distribution untouched.
	out := applyTopK(probs, 10)
	for i := range probs {
		if out[i] != probs[i] {
			t.Fatal("k >= len modified the distribution")
		}
	}
	// k=1 concentrates on the max.
	out = applyTopK([]float64{0.1, 0.7, 0.2}, 1)
	if out[1] != 1 || out[0] != 0 || out[2] != 0 {
		t.Fatalf("k=1 result = %v, want [0 1 0]", out)
	}
}

func TestDrawFallbackOnRoundingShortfall(t *testing.T) {
	// A distribution whose sum falls just short of 1 must still return a
	// valid index.
	s := New(Config{Seed: 1})
	probs := []float64{0.3, 0.3, 0.3}
	for i := 0; i < 100; i++ {
		got := s.draw(probs)
		if got < 0 || got > 2 {
			t.Fatalf("draw returned out-of-range index %d", got)
		}
	}
}

func TestDrawFallbackSkipsFilteredTokens(t *testing.T) {
	// After top-k/top-p filtering the tail of the distribution is zeroed.
	// The shortfall fallback must land on the last nonzero entry, never on
	// a filtered-out token.
	s := New(Config{Seed: 1})
	probs := []float64{0, 0.1, 0, 0}
	for i := 0; i < 200; i++ {
		if got := s.draw(probs); got != 1 {
			t.Fatalf("draw returned zero-probability token %d", got)
		}
	}
}
