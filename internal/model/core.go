package model

import (
	"fmt"
	"math"

	"github.com/samcharles93/kvgen/internal/kvcache"
	"github.com/samcharles93/kvgen/internal/tensor"
)

type scratch struct {
	x, tmp     []float32
	q, k, v    []float32
	attnOut    []float32
	proj       []float32
	scores     scoreRows
	gate, up   []float32
	act, ffOut []float32
	logits     []float32
}

type forwarder struct {
	m        *Instance
	scale    float32
	parallel int
	scratch  scratch
}

// NewForwarder allocates the per-session scratch buffers for m.
func (m *Instance) NewForwarder() Forwarder {
	cfg := m.Config
	qDim := cfg.NumHeads * cfg.HeadDim
	kvDim := cfg.KVWidth()
	return &forwarder{
		m:        m,
		scale:    float32(1 / math.Sqrt(float64(cfg.HeadDim))),
		parallel: attentionParallelism(cfg.NumHeads),
		scratch: scratch{
			x:       make([]float32, cfg.Dim),
			tmp:     make([]float32, cfg.Dim),
			q:       make([]float32, qDim),
			k:       make([]float32, kvDim),
			v:       make([]float32, kvDim),
			attnOut: make([]float32, qDim),
			proj:    make([]float32, cfg.Dim),
			scores:  newScoreRows(cfg.NumHeads, cfg.MaxSeqLen),
			gate:    make([]float32, cfg.FFNDim),
			up:      make([]float32, cfg.FFNDim),
			act:     make([]float32, cfg.FFNDim),
			ffOut:   make([]float32, cfg.Dim),
			logits:  make([]float32, cfg.VocabSize),
		},
	}
}

func (f *forwarder) Forward(cache *kvcache.Cache, tokens []int) ([]float32, error) {
	cfg := f.m.Config
	if len(tokens) == 0 {
		return nil, fmt.Errorf("forward: no tokens")
	}
	if cache.NumLayers() != cfg.NumLayers || cache.Width() != cfg.KVWidth() {
		return nil, fmt.Errorf("%w: cache %d layers x %d, model %d layers x %d",
			ErrCacheShape, cache.NumLayers(), cache.Width(), cfg.NumLayers, cfg.KVWidth())
	}
	for _, tok := range tokens {
		if tok < 0 || tok >= cfg.VocabSize {
			return nil, fmt.Errorf("%w: %d (vocab %d)", ErrTokenOutOfRange, tok, cfg.VocabSize)
		}
	}
	start := cache.Len()
	end := start + len(tokens)
	if end > cfg.MaxSeqLen {
		return nil, fmt.Errorf("%w: %d > max_seq_len %d", ErrContextLength, end, cfg.MaxSeqLen)
	}
	if end > cache.Capacity() {
		return nil, fmt.Errorf("%w: %d > cache capacity %d", ErrContextLength, end, cache.Capacity())
	}

	for i, tok := range tokens {
		if err := f.forwardToken(cache, tok, start+i); err != nil {
			return nil, err
		}
	}

	s := &f.scratch
	f.norm(s.tmp, s.x, f.m.OutputNorm, f.m.OutputNormBias)
	tensor.MatVec(s.logits, &f.m.Output, s.tmp)
	return s.logits, nil
}

// forwardToken runs one position through every layer, leaving its hidden
// state in scratch.x.
func (f *forwarder) forwardToken(cache *kvcache.Cache, tok, pos int) error {
	s := &f.scratch
	f.m.Embeddings.RowTo(s.x, tok)

	for i := range f.m.Layers {
		layer := &f.m.Layers[i]

		f.norm(s.tmp, s.x, layer.AttnNorm, layer.AttnNormBias)
		if err := f.attention(cache, i, layer, pos); err != nil {
			return err
		}
		tensor.Add(s.x, s.proj)

		f.norm(s.tmp, s.x, layer.FfnNorm, layer.FfnNormBias)
		f.ffn(layer)
		tensor.Add(s.x, s.ffOut)
	}
	return nil
}

func (f *forwarder) norm(dst, src, weight, bias []float32) {
	eps := float32(f.m.Config.NormEps)
	switch f.m.Config.Norm {
	case NormRMS:
		tensor.RMSNorm(dst, src, weight, eps)
	case NormLayer:
		tensor.LayerNorm(dst, src, weight, bias, eps)
	default:
		tensor.LayerNorm(dst, src, weight, nil, eps)
	}
}

func (f *forwarder) attention(cache *kvcache.Cache, li int, layer *Layer, pos int) error {
	cfg := f.m.Config
	s := &f.scratch
	hd := cfg.HeadDim

	tensor.MatVec(s.q, &layer.Wq, s.tmp)
	tensor.MatVec(s.k, &layer.Wk, s.tmp)
	tensor.MatVec(s.v, &layer.Wv, s.tmp)

	if cfg.QKNorm {
		eps := float32(cfg.NormEps)
		for h := 0; h < cfg.NumHeads; h++ {
			qh := s.q[h*hd : (h+1)*hd]
			tensor.RMSNorm(qh, qh, layer.QNorm, eps)
		}
		for h := 0; h < cfg.NumKVHeads; h++ {
			kh := s.k[h*hd : (h+1)*hd]
			tensor.RMSNorm(kh, kh, layer.KNorm, eps)
		}
	}

	if rot := f.m.rotary; rot != nil {
		rot.Apply(s.q, cfg.NumHeads, pos)
		rot.Apply(s.k, cfg.NumKVHeads, pos)
	}

	if n := cache.LayerLen(li); n != pos {
		return fmt.Errorf("%w: layer %d holds %d positions at position %d", kvcache.ErrNonUniform, li, n, pos)
	}
	cache.Extend(li, s.k, s.v)
	keys, values := cache.Read(li)

	attend(&query{
		q:        s.q,
		keys:     keys,
		values:   values,
		out:      s.attnOut,
		n:        pos + 1,
		width:    cfg.KVWidth(),
		headDim:  hd,
		heads:    cfg.NumHeads,
		kvHeads:  cfg.NumKVHeads,
		scale:    f.scale,
		parallel: f.parallel,
	}, s.scores)

	tensor.MatVec(s.proj, &layer.Wo, s.attnOut)
	return nil
}

func (f *forwarder) ffn(layer *Layer) {
	s := &f.scratch
	switch f.m.Config.FFN {
	case FFNGELU:
		tensor.MatVec(s.up, &layer.FfnUp, s.tmp)
		for i, u := range s.up {
			s.act[i] = tensor.Gelu(u)
		}
	default:
		tensor.MatVec(s.gate, &layer.FfnGate, s.tmp)
		tensor.MatVec(s.up, &layer.FfnUp, s.tmp)
		for i, g := range s.gate {
			s.act[i] = tensor.Silu(g) * s.up[i]
		}
	}
	tensor.MatVec(s.ffOut, &layer.FfnDown, s.act)
}
