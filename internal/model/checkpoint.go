package model

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/kvgen/internal/safetensors"
	"github.com/samcharles93/kvgen/internal/tensor"
)

const (
	metaConfig  = "kvgen.config"
	metaFormat  = "kvgen.format"
	formatValue = "1"
)

type namedTensor struct {
	name  string
	shape []int
	data  []float32
}

func matEntry(name string, m *tensor.Mat) namedTensor {
	return namedTensor{name: name, shape: []int{m.R, m.C}, data: m.Data}
}

func vecEntry(name string, v []float32) namedTensor {
	return namedTensor{name: name, shape: []int{len(v)}, data: v}
}

// tensorTable lists every weight of m under its checkpoint name. Optional
// weights that the config does not use are omitted.
func (m *Instance) tensorTable() []namedTensor {
	out := []namedTensor{matEntry("tok_embeddings.weight", &m.Embeddings)}
	for i := range m.Layers {
		l := &m.Layers[i]
		name := func(suffix string) string { return fmt.Sprintf("layers.%d.%s", i, suffix) }

		out = append(out, vecEntry(name("attention_norm.weight"), l.AttnNorm))
		if l.AttnNormBias != nil {
			out = append(out, vecEntry(name("attention_norm.bias"), l.AttnNormBias))
		}
		out = append(out,
			matEntry(name("attention.wq.weight"), &l.Wq),
			matEntry(name("attention.wk.weight"), &l.Wk),
			matEntry(name("attention.wv.weight"), &l.Wv),
			matEntry(name("attention.wo.weight"), &l.Wo),
		)
		if l.QNorm != nil {
			out = append(out,
				vecEntry(name("attention.q_norm.weight"), l.QNorm),
				vecEntry(name("attention.k_norm.weight"), l.KNorm),
			)
		}
		out = append(out, vecEntry(name("ffn_norm.weight"), l.FfnNorm))
		if l.FfnNormBias != nil {
			out = append(out, vecEntry(name("ffn_norm.bias"), l.FfnNormBias))
		}
		if l.FfnGate.R > 0 {
			out = append(out, matEntry(name("feed_forward.w1.weight"), &l.FfnGate))
		}
		out = append(out,
			matEntry(name("feed_forward.w3.weight"), &l.FfnUp),
			matEntry(name("feed_forward.w2.weight"), &l.FfnDown),
		)
	}
	out = append(out, vecEntry("norm.weight", m.OutputNorm))
	if m.OutputNormBias != nil {
		out = append(out, vecEntry("norm.bias", m.OutputNormBias))
	}
	return append(out, matEntry("output.weight", &m.Output))
}

// SaveCheckpoint writes all weights and the config to a safetensors file.
func (m *Instance) SaveCheckpoint(path, dtype string) error {
	cfgJSON, err := json.Marshal(m.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	table := m.tensorTable()
	tensors := make([]safetensors.Tensor, len(table))
	for i, t := range table {
		tensors[i] = safetensors.Tensor{Name: t.name, Shape: t.shape, Data: t.data}
	}
	meta := map[string]string{
		metaConfig: string(cfgJSON),
		metaFormat: formatValue,
	}
	if err := safetensors.WriteFile(path, tensors, dtype, meta); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", path, err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint. The config
// is taken from the file metadata and every expected tensor must be present
// with the expected shape.
func LoadCheckpoint(path string) (*Instance, error) {
	st, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer func() { _ = st.Close() }()
	if v := st.Metadata[metaFormat]; v != formatValue {
		return nil, fmt.Errorf("%s: unsupported checkpoint format %q", path, v)
	}
	raw, ok := st.Metadata[metaConfig]
	if !ok {
		return nil, fmt.Errorf("%s: missing %s metadata", path, metaConfig)
	}
	cfg, err := parseConfigJSON([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m, err := allocate(cfg)
	if err != nil {
		return nil, err
	}

	table := m.tensorTable()
	for _, t := range table {
		if err := tensor.ReadInto(st, t.name, t.data, t.shape...); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if extra := len(st.Tensors) - len(table); extra != 0 {
		return nil, fmt.Errorf("%s: %d tensors, expected %d", path, len(st.Tensors), len(table))
	}
	return m, nil
}
