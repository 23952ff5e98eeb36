package engine

import (
	"math"
	"testing"
)

func TestGreedySampling(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 0})
	logits := []float32{0.1, 3, -2, 2.9}
	for i := 0; i < 5; i++ {
		if got := s.Sample(logits); got != 1 {
			t.Fatalf("greedy sample = %d, want 1", got)
		}
	}
}

func TestSamplingFallsBackToArgMaxOnNaN(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 1, Seed: 1})
	logits := []float32{float32(math.NaN()), 1, 4, 2}
	if got := s.Sample(logits); got != 2 {
		t.Errorf("sample = %d, want 2", got)
	}
}

func TestTopPRestrictsCandidates(t *testing.T) {
	// Token 0 alone carries more than 95% of the mass at temperature 1.
	s := NewSampler(SamplerConfig{Temperature: 1, TopP: 0.95, Seed: 7})
	logits := []float32{10, 0, 0, 0}
	for i := 0; i < 200; i++ {
		if got := s.Sample(logits); got != 0 {
			t.Fatalf("sample %d = %d, want 0", i, got)
		}
	}
}

func TestSamplingIsSeeded(t *testing.T) {
	logits := []float32{1, 1.1, 0.9, 1.05, 0.95}
	a := NewSampler(SamplerConfig{Temperature: 1, TopP: 1, Seed: 42})
	b := NewSampler(SamplerConfig{Temperature: 1, TopP: 1, Seed: 42})

	seen := make(map[int]bool)
	for i := 0; i < 100; i++ {
		x, y := a.Sample(logits), b.Sample(logits)
		if x != y {
			t.Fatalf("draw %d: %d != %d with equal seeds", i, x, y)
		}
		seen[x] = true
	}
	if len(seen) < 2 {
		t.Errorf("near-uniform logits sampled only %v", seen)
	}
}

func TestSampleDoesNotModifyLogits(t *testing.T) {
	logits := []float32{1, 2, 3}
	s := NewSampler(DefaultSamplerConfig())
	s.Sample(logits)
	if logits[0] != 1 || logits[1] != 2 || logits[2] != 3 {
		t.Errorf("logits modified: %v", logits)
	}
}

func TestApplyTopP(t *testing.T) {
	cands := []tokenProb{{0, 0.5}, {1, 0.3}, {2, 0.15}, {3, 0.05}}
	if got := applyTopP(cands, 0.75); len(got) != 2 {
		t.Errorf("top-p 0.75 kept %d, want 2", len(got))
	}
	if got := applyTopP(cands, 1); len(got) != 4 {
		t.Errorf("top-p 1 kept %d, want 4", len(got))
	}
	if got := applyTopP(cands, 0); len(got) != 4 {
		t.Errorf("top-p 0 kept %d, want 4", len(got))
	}
}

func TestArgMaxAllNaN(t *testing.T) {
	nan := float32(math.NaN())
	if got := argMax([]float32{nan, nan}); got != 0 {
		t.Errorf("argMax = %d, want 0", got)
	}
}
