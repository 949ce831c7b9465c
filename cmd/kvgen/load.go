package main

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/kvgen/internal/inference"
	"github.com/samcharles93/kvgen/internal/logger"
	"github.com/samcharles93/kvgen/internal/metrics"
	"github.com/samcharles93/kvgen/internal/model"
	"github.com/samcharles93/kvgen/internal/tensor"
	"github.com/samcharles93/kvgen/internal/tokenizer"
)

// defaultAlphabet seeds character tokenizers for models whose vocabulary is
// smaller than the byte tokenizer's.
const defaultAlphabet = "abcdefghijklmnopqrstuvwxyz .,!?'\"-:;()ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789\n"

// resolveModelConfig picks the model configuration: --model-config, then
// --preset.
func resolveModelConfig() (model.Config, error) {
	if modelConfigPath != "" {
		return model.LoadConfigFile(modelConfigPath)
	}
	return model.Preset(presetName)
}

// loadModel prefers --checkpoint, falling back to a freshly initialised
// model from the resolved config.
func loadModel(ctx context.Context) (*model.Instance, error) {
	log := logger.FromContext(ctx)
	start := time.Now()
	tensor.SetParallelism(threads)
	if checkpointPath != "" {
		m, err := model.LoadCheckpoint(checkpointPath)
		if err != nil {
			return nil, err
		}
		log.Info("loaded checkpoint", "path", checkpointPath, "model", m.Config.Name, "params", m.NumParams(), "took", time.Since(start))
		return m, nil
	}
	cfg, err := resolveModelConfig()
	if err != nil {
		return nil, err
	}
	m, err := model.New(cfg)
	if err != nil {
		return nil, err
	}
	log.Info("initialised model", "model", cfg.Name, "params", m.NumParams(), "seed", cfg.Seed, "took", time.Since(start))
	return m, nil
}

func newTokenizer(vocab int) (tokenizer.Tokenizer, error) {
	if alphabet != "" {
		tok, err := tokenizer.NewCharacter(alphabet)
		if err != nil {
			return nil, err
		}
		if tok.VocabSize() > vocab {
			return nil, fmt.Errorf("alphabet needs %d ids, model vocabulary has %d", tok.VocabSize(), vocab)
		}
		return tok, nil
	}
	if vocab >= model.ByteVocabSize {
		return tokenizer.NewByte(), nil
	}
	n := vocab - len(tokenizer.Specials)
	if n <= 0 || n > len(defaultAlphabet) {
		return nil, fmt.Errorf("no default tokenizer for vocabulary %d; set --alphabet", vocab)
	}
	return tokenizer.NewCharacter(defaultAlphabet[:n])
}

func loadEngine(ctx context.Context, rec *metrics.Recorder) (*inference.Engine, *model.Instance, error) {
	m, err := loadModel(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load model: %w", err)
	}
	tok, err := newTokenizer(m.Config.VocabSize)
	if err != nil {
		return nil, nil, fmt.Errorf("tokenizer: %w", err)
	}
	e, err := inference.NewEngine(m, tok,
		inference.WithLogger(logger.FromContext(ctx)),
		inference.WithMetrics(rec),
	)
	if err != nil {
		return nil, nil, err
	}
	return e, m, nil
}
