// Package sample turns a logits row into a token choice.
//
// Sampling always happens host-side on a plain []float64 copied out of the
// model: none of the compute paths expose a categorical-draw primitive, and
// keeping the draw on the CPU sidesteps an entire class of backend-specific
// numerical surprises for a cost of one vocabulary-sized copy per token.
package sample

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// Config holds the sampling knobs.
type Config struct {
	// Temperature scales logits before the softmax. Zero means greedy
	// argmax decoding; higher values flatten the distribution.
	Temperature float64 `yaml:"temperature"`

	// TopK restricts sampling to the k most probable tokens. Zero disables.
	TopK int `yaml:"top_k"`

	// TopP restricts sampling to the smallest set of tokens whose
	// cumulative probability reaches p (nucleus sampling). Zero disables.
	TopP float64 `yaml:"top_p"`

	// Seed makes generation reproducible. Zero seeds from the clock.
	Seed int64 `yaml:"seed"`
}

// DefaultConfig returns moderately creative sampling settings.
func DefaultConfig() Config {
	return Config{
		Temperature: 0.8,
		TopK:        40,
		TopP:        0.9,
	}
}

// Sampler draws tokens from logits under a fixed configuration. It owns its
// random source, so a seeded Sampler replays the same token sequence given
// the same logits. Not safe for concurrent use.
type Sampler struct {
	cfg Config
	rng *rand.Rand
}

// New creates a sampler from cfg.
func New(cfg Config) *Sampler {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Config returns the sampler's configuration.
func (s *Sampler) Config() Config { return s.cfg }

// Next picks a token index from a vocabulary-sized logits row.
func (s *Sampler) Next(logits []float64) int {
	if s.cfg.Temperature == 0 {
		return Argmax(logits)
	}

	scaled := make([]float64, len(logits))
	for i, v := range logits {
		scaled[i] = v / s.cfg.Temperature
	}

	probs := softmax(scaled)

	if s.cfg.TopK > 0 {
		probs = applyTopK(probs, s.cfg.TopK)
	}
	if s.cfg.TopP > 0 && s.cfg.TopP < 1 {
		probs = applyTopP(probs, s.cfg.TopP)
	}

	return s.draw(probs)
}

// draw samples an index from a probability distribution via the cumulative
// sum. If floating-point rounding leaves the cumulative total short of the
// drawn value, the last index with nonzero probability is returned, so the
// fallback can never resurrect a token that top-k or top-p filtered out.
func (s *Sampler) draw(probs []float64) int {
	r := s.rng.Float64()
	cum := 0.0
	for i, p := range probs {
		cum += p
		if r < cum {
			return i
		}
	}
	for i := len(probs) - 1; i >= 0; i-- {
		if probs[i] > 0 {
			return i
		}
	}
	return len(probs) - 1
}

// Argmax returns the index of the largest logit, -1 for an empty slice.
func Argmax(logits []float64) int {
	if len(logits) == 0 {
		return -1
	}
	maxIdx := 0
	maxVal := logits[0]
	for i, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
			maxIdx = i + 1
		}
	}
	return maxIdx
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	probs := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		probs[i] = math.Exp(v - maxLogit)
		sum += probs[i]
	}
	inv := 1.0 / sum
	for i := range probs {
		probs[i] *= inv
	}
	return probs
}

type indexedProb struct {
	index int
	prob  float64
}

// sortByProb returns indices sorted by descending probability.
func sortByProb(probs []float64) []indexedProb {
	indexed := make([]indexedProb, len(probs))
	for i, p := range probs {
		indexed[i] = indexedProb{i, p}
	}
	sort.Slice(indexed, func(i, j int) bool {
		return indexed[i].prob > indexed[j].prob
	})
	return indexed
}

// applyTopK zeroes every probability outside the k largest and
// renormalizes.
func applyTopK(probs []float64, k int) []float64 {
	if k <= 0 || k >= len(probs) {
		return probs
	}
	indexed := sortByProb(probs)

	filtered := make([]float64, len(probs))
	total := 0.0
	for i := 0; i < k; i++ {
		filtered[indexed[i].index] = indexed[i].prob
		total += indexed[i].prob
	}
	renormalize(filtered, total)
	return filtered
}

// applyTopP keeps the smallest prefix of the sorted distribution whose
// cumulative probability reaches p, then renormalizes.
func applyTopP(probs []float64, p float64) []float64 {
	if p <= 0 || p >= 1 {
		return probs
	}
	indexed := sortByProb(probs)

	filtered := make([]float64, len(probs))
	cum := 0.0
	total := 0.0
	for _, item := range indexed {
		if cum >= p {
			break
		}
		filtered[item.index] = item.prob
		cum += item.prob
		total += item.prob
	}
	renormalize(filtered, total)
	return filtered
}

func renormalize(probs []float64, total float64) {
	if total <= 0 {
		return
	}
	inv := 1.0 / total
	for i := range probs {
		probs[i] *= inv
	}
}
