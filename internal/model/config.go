package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid model config")

type Norm string

const (
	NormGainOnly Norm = "gain_only_layer_norm"
	NormLayer    Norm = "default_layer_norm"
	NormRMS      Norm = "rms_norm"
)

type PositionalEmbedding string

const (
	PositionRotary     PositionalEmbedding = "rotary"
	PositionHeadRotary PositionalEmbedding = "head_rotary"
	PositionNone       PositionalEmbedding = "none"
)

type FFN string

const (
	FFNSwiGLU FFN = "swiglu"
	FFNGELU   FFN = "gelu"
)

// Config describes a decoder-only transformer. Zero-valued optional fields
// are filled by WithDefaults; required fields have no default.
type Config struct {
	Name string `yaml:"name" json:"name"`

	VocabSize  int `yaml:"vocab_size" json:"vocab_size"`
	Dim        int `yaml:"dim" json:"dim"`
	NumLayers  int `yaml:"num_layers" json:"num_layers"`
	NumHeads   int `yaml:"num_heads" json:"num_heads"`
	NumKVHeads int `yaml:"num_kv_heads,omitempty" json:"num_kv_heads,omitempty"`
	HeadDim    int `yaml:"head_dim,omitempty" json:"head_dim,omitempty"`
	FFNDim     int `yaml:"ffn_dim,omitempty" json:"ffn_dim,omitempty"`
	MaxSeqLen  int `yaml:"max_seq_len" json:"max_seq_len"`

	Norm                Norm                `yaml:"norm,omitempty" json:"norm,omitempty"`
	NormEps             float64             `yaml:"norm_eps,omitempty" json:"norm_eps,omitempty"`
	PositionalEmbedding PositionalEmbedding `yaml:"positional_embedding,omitempty" json:"positional_embedding,omitempty"`
	RopeBase            float64             `yaml:"rope_base,omitempty" json:"rope_base,omitempty"`
	FFN                 FFN                 `yaml:"ffn,omitempty" json:"ffn,omitempty"`
	QKNorm              bool                `yaml:"qk_norm,omitempty" json:"qk_norm,omitempty"`

	Seed      int64   `yaml:"seed,omitempty" json:"seed,omitempty"`
	InitScale float64 `yaml:"init_scale,omitempty" json:"init_scale,omitempty"`
}

// WithDefaults returns a copy of c with optional fields filled in.
func (c Config) WithDefaults() Config {
	if c.NumKVHeads == 0 {
		c.NumKVHeads = c.NumHeads
	}
	if c.HeadDim == 0 && c.NumHeads > 0 {
		c.HeadDim = c.Dim / c.NumHeads
	}
	if c.Norm == "" {
		c.Norm = NormGainOnly
	}
	if c.NormEps == 0 {
		c.NormEps = 1e-5
	}
	if c.PositionalEmbedding == "" {
		c.PositionalEmbedding = PositionRotary
	}
	if c.RopeBase == 0 {
		c.RopeBase = 10_000
	}
	if c.FFN == "" {
		c.FFN = FFNSwiGLU
	}
	if c.FFNDim == 0 {
		switch c.FFN {
		case FFNGELU:
			c.FFNDim = 4 * c.Dim
		default:
			c.FFNDim = (8*c.Dim/3 + 7) / 8 * 8
		}
	}
	if c.InitScale == 0 {
		c.InitScale = 0.02
	}
	return c
}

// Validate reports the first missing or inconsistent field.
func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case c.VocabSize <= 0:
		return bad("vocab_size must be set")
	case c.Dim <= 0:
		return bad("dim must be set")
	case c.NumLayers <= 0:
		return bad("num_layers must be set")
	case c.NumHeads <= 0:
		return bad("num_heads must be set")
	case c.MaxSeqLen <= 0:
		return bad("max_seq_len must be set")
	case c.NumKVHeads <= 0 || c.NumKVHeads > c.NumHeads || c.NumHeads%c.NumKVHeads != 0:
		return bad("num_kv_heads %d must divide num_heads %d", c.NumKVHeads, c.NumHeads)
	case c.HeadDim <= 0:
		return bad("head_dim must be positive (dim %d, num_heads %d)", c.Dim, c.NumHeads)
	case c.FFNDim <= 0:
		return bad("ffn_dim must be positive")
	case c.NormEps <= 0:
		return bad("norm_eps must be positive")
	case c.InitScale <= 0:
		return bad("init_scale must be positive")
	}
	switch c.Norm {
	case NormGainOnly, NormLayer, NormRMS:
	default:
		return bad("unknown norm %q", c.Norm)
	}
	switch c.PositionalEmbedding {
	case PositionRotary, PositionHeadRotary:
		if c.HeadDim%2 != 0 {
			return bad("head_dim %d must be even for %s", c.HeadDim, c.PositionalEmbedding)
		}
		if c.RopeBase <= 1 {
			return bad("rope_base must be greater than 1")
		}
	case PositionNone:
	default:
		return bad("unknown positional_embedding %q", c.PositionalEmbedding)
	}
	switch c.FFN {
	case FFNSwiGLU, FFNGELU:
	default:
		return bad("unknown ffn %q", c.FFN)
	}
	return nil
}

// KVWidth is the width of one cached key or value vector.
func (c Config) KVWidth() int {
	return c.NumKVHeads * c.HeadDim
}

// ParseConfigYAML decodes a YAML model config, rejecting unknown fields,
// and returns it with defaults applied and validated.
func ParseConfigYAML(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode model config: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML model config from path.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := ParseConfigYAML(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func parseConfigJSON(data []byte) (Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode model config: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ByteVocabSize is the vocabulary of the byte tokenizer: seven special
// tokens followed by all 256 byte values.
const ByteVocabSize = 7 + 256

var presets = map[string]Config{
	"tiny": {
		Name:      "tiny",
		VocabSize: 16,
		Dim:       32,
		NumLayers: 2,
		NumHeads:  2,
		MaxSeqLen: 16,
		Norm:      NormLayer,
		Seed:      1,
	},
	"small": {
		Name:      "small",
		VocabSize: ByteVocabSize,
		Dim:       64,
		NumLayers: 4,
		NumHeads:  4,
		MaxSeqLen: 512,
		Norm:      NormGainOnly,
		Seed:      2,
	},
	"medium": {
		Name:                "medium",
		VocabSize:           ByteVocabSize,
		Dim:                 128,
		NumLayers:           4,
		NumHeads:            8,
		NumKVHeads:          4,
		MaxSeqLen:           2048,
		Norm:                NormRMS,
		PositionalEmbedding: PositionHeadRotary,
		QKNorm:              true,
		Seed:                3,
	},
}

// Preset returns a named built-in config with defaults applied.
func Preset(name string) (Config, error) {
	cfg, ok := presets[name]
	if !ok {
		return Config{}, fmt.Errorf("unknown model preset %q (have %v)", name, PresetNames())
	}
	return cfg.WithDefaults(), nil
}

func PresetNames() []string {
	return slices.Sorted(maps.Keys(presets))
}
