package inference

import (
	"fmt"

	"github.com/samcharles93/kvgen/internal/kvcache"
	"github.com/samcharles93/kvgen/internal/model"
)

// stepper produces next-token logits for a sequence that grows by one token
// between calls.
type stepper interface {
	// step returns the logits following seq, and how many tokens it ran
	// through the model to get them.
	step(seq []int) (logits []float32, fed int, err error)
	// layerLens reports the per-layer cache lengths, nil when no cache
	// outlives a step.
	layerLens() []int
	mode() string
}

// cachedStep keeps keys and values across steps: the first call feeds the
// whole prime, each later call exactly the newest token.
type cachedStep struct {
	fwd   model.Forwarder
	cache *kvcache.Cache
	fed   int
}

func newCachedStep(m model.Model) *cachedStep {
	l := m.Limits()
	return &cachedStep{
		fwd:   m.NewForwarder(),
		cache: kvcache.New(l.NumLayers, l.KVWidth, l.MaxSeqLen),
	}
}

func (s *cachedStep) step(seq []int) ([]float32, int, error) {
	if n := s.cache.Len(); n != s.fed {
		return nil, 0, fmt.Errorf("%w: cache holds %d positions, %d were fed", ErrCacheCorrupt, n, s.fed)
	}
	fresh := seq[s.fed:]
	if s.fed > 0 && len(fresh) != 1 {
		return nil, 0, fmt.Errorf("%w: %d new tokens after priming, want 1", ErrPrecondition, len(fresh))
	}
	if len(fresh) == 0 {
		return nil, 0, fmt.Errorf("%w: no new tokens to feed", ErrPrecondition)
	}
	logits, err := s.fwd.Forward(s.cache, fresh)
	if err != nil {
		return nil, 0, err
	}
	s.fed = len(seq)
	if err := s.cache.Verify(); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrCacheCorrupt, err)
	}
	if n := s.cache.Len(); n != s.fed {
		return nil, 0, fmt.Errorf("%w: cache holds %d positions after step, want %d", ErrCacheCorrupt, n, s.fed)
	}
	return logits, len(fresh), nil
}

func (s *cachedStep) layerLens() []int {
	out := make([]int, s.cache.NumLayers())
	for i := range out {
		out[i] = s.cache.LayerLen(i)
	}
	return out
}

func (s *cachedStep) mode() string { return "cached" }

// fullStep recomputes every position on every call. Its scratch cache is
// emptied before each step, so nothing carries over between steps. It is
// quadratic in sequence length and serves as the reference for cachedStep.
type fullStep struct {
	fwd     model.Forwarder
	scratch *kvcache.Cache
}

func newFullStep(m model.Model) *fullStep {
	l := m.Limits()
	return &fullStep{
		fwd:     m.NewForwarder(),
		scratch: kvcache.New(l.NumLayers, l.KVWidth, l.MaxSeqLen),
	}
}

func (s *fullStep) step(seq []int) ([]float32, int, error) {
	if len(seq) == 0 {
		return nil, 0, fmt.Errorf("%w: empty sequence", ErrPrecondition)
	}
	s.scratch.Reset()
	logits, err := s.fwd.Forward(s.scratch, seq)
	if err != nil {
		return nil, 0, err
	}
	return logits, len(seq), nil
}

func (s *fullStep) layerLens() []int { return nil }

func (s *fullStep) mode() string { return "full" }
