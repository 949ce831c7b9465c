package inference

import (
	"testing"

	"github.com/samcharles93/kvgen/internal/kvcache"
	"github.com/samcharles93/kvgen/internal/model"
	"github.com/samcharles93/kvgen/internal/tokenizer"
)

const tinyAlphabet = "abcdefghi"

func newTinyEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	cfg, err := model.Preset("tiny")
	if err != nil {
		t.Fatalf("Preset: %v", err)
	}
	m, err := model.New(cfg)
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	tok, err := tokenizer.NewCharacter(tinyAlphabet)
	if err != nil {
		t.Fatalf("NewCharacter: %v", err)
	}
	e, err := NewEngine(m, tok, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func baseRequest() Request {
	return Request{
		ContextLength:      4,
		MaxGeneratedLength: 8,
		TopP:               1,
		UseCache:           true,
	}
}

// scriptModel emits logits that make greedy decoding pick next(pos), where
// pos is the cache length once the step is done.
type scriptModel struct {
	limits model.Limits
	next   func(pos int) int
	// layersWritten limits how many layers each token is written to, to
	// simulate a broken forward pass. Zero means all.
	layersWritten int
	panicAt       int
	calls         *int
}

func newScriptModel(maxSeqLen int, next func(pos int) int) *scriptModel {
	return &scriptModel{
		limits: model.Limits{NumLayers: 2, KVWidth: 4, MaxSeqLen: maxSeqLen, VocabSize: 16},
		next:   next,
		calls:  new(int),
	}
}

func (m *scriptModel) Limits() model.Limits { return m.limits }

func (m *scriptModel) NewForwarder() model.Forwarder {
	return &scriptForwarder{m: m, out: make([]float32, m.limits.VocabSize)}
}

type scriptForwarder struct {
	m   *scriptModel
	out []float32
}

func (f *scriptForwarder) Forward(cache *kvcache.Cache, tokens []int) ([]float32, error) {
	*f.m.calls++
	if f.m.panicAt > 0 && *f.m.calls >= f.m.panicAt {
		panic("forward exploded")
	}
	layers := cache.NumLayers()
	if f.m.layersWritten > 0 {
		layers = f.m.layersWritten
	}
	kv := make([]float32, cache.Width())
	for _, tok := range tokens {
		for li := range layers {
			kv[0] = float32(tok)
			cache.Extend(li, kv, kv)
		}
	}
	clear(f.out)
	f.out[f.m.next(cache.LayerLen(0))] = 10
	return f.out, nil
}

func newScriptEngine(t *testing.T, m *scriptModel, opts ...Option) *Engine {
	t.Helper()
	tok, err := tokenizer.NewCharacter(tinyAlphabet)
	if err != nil {
		t.Fatalf("NewCharacter: %v", err)
	}
	e, err := NewEngine(m, tok, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}
