// Package logits turns a vector of next-token logits into a token id.
package logits

import (
	"cmp"
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Seed int64
	// Temperature <= 0 selects greedy argmax decoding.
	Temperature float64
	// TopK keeps only the k most likely tokens before the nucleus cut. Zero
	// disables it.
	TopK int
	// TopP is the nucleus mass in (0, 1]. Values outside that range mean 1.
	TopP float64
}

type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
	idx    []int
	prob   []float64
	cand   []float64
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.TopK < 0 {
		cfg.TopK = 0
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: cfg.Temperature <= 0,
	}
}

// Greedy reports whether Sample is a pure function of its input.
func (s *Sampler) Greedy() bool {
	return s.greedy
}

// Sample picks one index of logits. It never fails for a non-empty input:
// degenerate distributions (all -Inf, NaN, zero mass) fall back to the most
// likely token.
//
// For Temperature > 0 the steps are:
//
//  1. Scale by 1/Temperature and softmax with the maximum subtracted.
//  2. Order candidates by descending probability, lower index first on ties.
//  3. If TopK > 0 keep the first TopK candidates.
//  4. Keep the shortest prefix whose mass reaches TopP (at least one).
//  5. Renormalise the prefix and draw one candidate.
func (s *Sampler) Sample(logits []float32) int {
	if len(logits) == 0 {
		panic("logits: empty logits")
	}
	if s.greedy {
		return argmax(logits)
	}

	n := len(logits)
	s.prob = slices.Grow(s.prob[:0], n)[:n]
	prob := s.prob
	invTemp := 1 / s.cfg.Temperature
	maxv := math.Inf(-1)
	for i, l := range logits {
		v := float64(l) * invTemp
		if math.IsNaN(v) {
			v = math.Inf(-1)
		}
		prob[i] = v
		maxv = max(maxv, v)
	}
	if math.IsInf(maxv, 0) {
		return argmax(logits)
	}
	for i, v := range prob {
		prob[i] = math.Exp(v - maxv)
	}

	s.idx = slices.Grow(s.idx[:0], n)[:n]
	idx := s.idx
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(prob[b], prob[a])
	})
	if k := s.cfg.TopK; k > 0 && k < n {
		idx = idx[:k]
	}

	s.cand = slices.Grow(s.cand[:0], len(idx))[:len(idx)]
	cand := s.cand
	for i, id := range idx {
		cand[i] = prob[id]
	}
	total := floats.Sum(cand)
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return idx[0]
	}

	cut := len(cand)
	if s.cfg.TopP < 1 {
		target := s.cfg.TopP * total
		var c float64
		for i, p := range cand {
			c += p
			if c >= target {
				cut = i + 1
				break
			}
		}
	}
	cand = cand[:cut]
	floats.Scale(1/floats.Sum(cand), cand)

	r := s.rng.Float64()
	var c float64
	for i, p := range cand {
		c += p
		if r < c {
			return idx[i]
		}
	}
	return idx[cut-1]
}

// argmax returns the index of the largest value, the lowest index on ties.
// NaN entries never win.
func argmax(x []float32) int {
	bestI := 0
	bestV := float32(math.Inf(-1))
	found := false
	for i, v := range x {
		if v != v {
			continue
		}
		if !found || v > bestV {
			bestV = v
			bestI = i
			found = true
		}
	}
	return bestI
}
