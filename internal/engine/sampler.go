package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

type SamplerConfig struct {
	Temperature float64 // <= 0 selects greedy decoding
	TopP        float64 // nucleus mass, outside (0, 1) disables the filter
	Seed        int64
}

// DefaultSamplerConfig matches the text sampler of the reference CLI.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{Temperature: 0.8, TopP: 0.95}
}

type Sampler struct {
	Config SamplerConfig
	rng    *rand.Rand
}

func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Sample draws one token id. The logits slice is not modified.
func (s *Sampler) Sample(logits []float32) int {
	if len(logits) == 0 {
		return 0
	}
	if s.Config.Temperature <= 0 || !validLogits(logits) {
		return argMax(logits)
	}

	probs := softmaxWithTemperature(logits, s.Config.Temperature)
	candidates := make([]tokenProb, len(probs))
	for i, p := range probs {
		candidates[i] = tokenProb{id: i, prob: p}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})
	candidates = applyTopP(candidates, s.Config.TopP)

	return s.sampleFromCandidates(candidates)
}

type tokenProb struct {
	id   int
	prob float64
}

func validLogits(logits []float32) bool {
	for _, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

func softmaxWithTemperature(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	maxLogit := float64(logits[0])
	for _, v := range logits {
		if float64(v) > maxLogit {
			maxLogit = float64(v)
		}
	}
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp((float64(v) - maxLogit) / temperature)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

func (s *Sampler) sampleFromCandidates(candidates []tokenProb) int {
	var total float64
	for _, c := range candidates {
		total += c.prob
	}
	r := s.rng.Float64() * total
	var cum float64
	for _, c := range candidates {
		cum += c.prob
		if r < cum {
			return c.id
		}
	}
	return candidates[len(candidates)-1].id
}

// argMax skips NaN values; it returns 0 when every value is NaN.
func argMax(logits []float32) int {
	maxIdx := -1
	var maxVal float32
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			continue
		}
		if maxIdx < 0 || v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}
	if maxIdx < 0 {
		return 0
	}
	return maxIdx
}

// applyTopP keeps the smallest prefix of sorted candidates whose mass
// reaches p.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || p <= 0.0 {
		return candidates
	}
	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			return candidates[:i+1]
		}
	}
	return candidates
}
