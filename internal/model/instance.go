package model

import "github.com/samcharles93/kvgen/internal/tensor"

type Layer struct {
	AttnNorm     []float32
	AttnNormBias []float32

	Wq, Wk, Wv, Wo tensor.Mat
	QNorm, KNorm   []float32

	FfnNorm     []float32
	FfnNormBias []float32

	// FfnGate is empty for the gelu FFN.
	FfnGate, FfnUp, FfnDown tensor.Mat
}

// Instance holds the weights of one model. After construction it is never
// mutated, so any number of Forwarders may run over it at once.
type Instance struct {
	Config Config

	Embeddings     tensor.Mat
	Layers         []Layer
	OutputNorm     []float32
	OutputNormBias []float32
	Output         tensor.Mat

	rotary *tensor.Rotary
}

// New builds a model with weights drawn deterministically from cfg.Seed.
// Norm gains start at one and biases at zero.
func New(cfg Config) (*Instance, error) {
	m, err := allocate(cfg)
	if err != nil {
		return nil, err
	}
	m.initWeights()
	return m, nil
}

func allocate(cfg Config) (*Instance, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	qDim := cfg.NumHeads * cfg.HeadDim
	kvDim := cfg.KVWidth()
	withBias := cfg.Norm == NormLayer

	normVec := func() []float32 { return make([]float32, cfg.Dim) }
	biasVec := func() []float32 {
		if !withBias {
			return nil
		}
		return make([]float32, cfg.Dim)
	}

	m := &Instance{
		Config:         cfg,
		Embeddings:     tensor.NewMat(cfg.VocabSize, cfg.Dim),
		Layers:         make([]Layer, cfg.NumLayers),
		OutputNorm:     normVec(),
		OutputNormBias: biasVec(),
		Output:         tensor.NewMat(cfg.VocabSize, cfg.Dim),
	}
	for i := range m.Layers {
		l := &m.Layers[i]
		l.AttnNorm = normVec()
		l.AttnNormBias = biasVec()
		l.Wq = tensor.NewMat(qDim, cfg.Dim)
		l.Wk = tensor.NewMat(kvDim, cfg.Dim)
		l.Wv = tensor.NewMat(kvDim, cfg.Dim)
		l.Wo = tensor.NewMat(cfg.Dim, qDim)
		if cfg.QKNorm {
			l.QNorm = make([]float32, cfg.HeadDim)
			l.KNorm = make([]float32, cfg.HeadDim)
		}
		l.FfnNorm = normVec()
		l.FfnNormBias = biasVec()
		if cfg.FFN == FFNSwiGLU {
			l.FfnGate = tensor.NewMat(cfg.FFNDim, cfg.Dim)
		}
		l.FfnUp = tensor.NewMat(cfg.FFNDim, cfg.Dim)
		l.FfnDown = tensor.NewMat(cfg.Dim, cfg.FFNDim)
	}
	switch cfg.PositionalEmbedding {
	case PositionRotary:
		m.rotary = tensor.NewRotary(cfg.HeadDim, cfg.MaxSeqLen, cfg.RopeBase, true)
	case PositionHeadRotary:
		m.rotary = tensor.NewRotary(cfg.HeadDim, cfg.MaxSeqLen, cfg.RopeBase, false)
	}
	return m, nil
}

func (m *Instance) initWeights() {
	cfg := m.Config
	seed := cfg.Seed * 1_000_003
	next := func() int64 {
		seed++
		return seed
	}
	scale := float32(2 * cfg.InitScale)

	tensor.FillRand(&m.Embeddings, next(), 2)
	tensor.Fill(m.OutputNorm, 1)
	for i := range m.Layers {
		l := &m.Layers[i]
		tensor.Fill(l.AttnNorm, 1)
		tensor.Fill(l.FfnNorm, 1)
		tensor.Fill(l.QNorm, 1)
		tensor.Fill(l.KNorm, 1)
		for _, w := range []*tensor.Mat{&l.Wq, &l.Wk, &l.Wv, &l.Wo, &l.FfnGate, &l.FfnUp, &l.FfnDown} {
			tensor.FillRand(w, next(), scale)
		}
	}
	tensor.FillRand(&m.Output, next(), scale)
}

func (m *Instance) Limits() Limits {
	return Limits{
		NumLayers: m.Config.NumLayers,
		KVWidth:   m.Config.KVWidth(),
		MaxSeqLen: m.Config.MaxSeqLen,
		VocabSize: m.Config.VocabSize,
	}
}

// NumParams counts every weight in the model.
func (m *Instance) NumParams() int {
	n := 0
	for _, t := range m.tensorTable() {
		n += len(t.data)
	}
	return n
}
