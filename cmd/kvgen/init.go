package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvgen/internal/logger"
	"github.com/samcharles93/kvgen/internal/model"
	"github.com/samcharles93/kvgen/internal/safetensors"
)

func initCmd() *cli.Command {
	var (
		out   string
		dtype string
		seed  int64
	)

	return &cli.Command{
		Name:  "init",
		Usage: "Write a deterministically initialised checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "preset",
				Usage:       "built-in model preset (tiny, small, medium)",
				Value:       "small",
				Destination: &presetName,
			},
			&cli.StringFlag{
				Name:        "model-config",
				Usage:       "path to a model config YAML, overrides --preset",
				Destination: &modelConfigPath,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .safetensors path (default: <name>.safetensors)",
				Destination: &out,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "tensor storage type (F32, F16, BF16)",
				Value:       safetensors.DTypeF32,
				Destination: &dtype,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "override the config's weight seed",
				Destination: &seed,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, fileConfig)

			cfg, err := resolveModelConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if cmd.IsSet("seed") {
				cfg.Seed = seed
			}
			m, err := model.New(cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if out == "" {
				out = cfg.Name + ".safetensors"
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := m.SaveCheckpoint(out, strings.ToUpper(dtype)); err != nil {
				return cli.Exit(fmt.Sprintf("error: write checkpoint: %v", err), 1)
			}
			log.Info("wrote checkpoint", "path", out, "model", cfg.Name, "params", m.NumParams(), "dtype", strings.ToUpper(dtype))
			return nil
		},
	}
}
