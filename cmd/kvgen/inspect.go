package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/kvgen/internal/model"
	"github.com/samcharles93/kvgen/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var (
		showTensors  bool
		tensorFilter string
		listPresets  bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show a model config, or the contents of a checkpoint",
		Flags: append(commonModelFlags(),
			&cli.BoolFlag{Name: "tensors", Usage: "list checkpoint tensors", Destination: &showTensors},
			&cli.StringFlag{Name: "filter", Usage: "only list tensors whose name contains this string", Destination: &tensorFilter},
			&cli.BoolFlag{Name: "presets", Usage: "list built-in presets", Destination: &listPresets},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, fileConfig)

			if listPresets {
				for _, name := range model.PresetNames() {
					cfg, _ := model.Preset(name)
					fmt.Printf("%-8s vocab=%d dim=%d layers=%d heads=%d/%d max_seq_len=%d norm=%s ffn=%s\n",
						name, cfg.VocabSize, cfg.Dim, cfg.NumLayers, cfg.NumHeads, cfg.NumKVHeads,
						cfg.MaxSeqLen, cfg.Norm, cfg.FFN)
				}
				return nil
			}

			if checkpointPath == "" {
				cfg, err := resolveModelConfig()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				return printConfig(cfg)
			}

			st, err := safetensors.Open(checkpointPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = st.Close() }()
			m, err := model.LoadCheckpoint(checkpointPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			fmt.Printf("checkpoint: %s\n", checkpointPath)
			fmt.Printf("tensors:    %d\n", len(st.Tensors))
			fmt.Printf("params:     %d\n", m.NumParams())
			for _, k := range slices.Sorted(maps.Keys(st.Metadata)) {
				if k == "kvgen.config" {
					continue
				}
				fmt.Printf("meta:       %s=%s\n", k, st.Metadata[k])
			}
			fmt.Println()
			if err := printConfig(m.Config); err != nil {
				return err
			}

			if showTensors {
				fmt.Println()
				fmt.Printf("%-40s %-5s %-14s %10s\n", "Name", "DType", "Shape", "Bytes")
				for _, name := range st.Names() {
					if tensorFilter != "" && !strings.Contains(name, tensorFilter) {
						continue
					}
					info := st.Tensors[name]
					fmt.Printf("%-40s %-5s %-14s %10d\n", name, info.DType, fmt.Sprint(info.Shape), info.Size())
				}
			}
			return nil
		},
	}
}

func printConfig(cfg model.Config) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return cli.Exit(fmt.Sprintf("error: encode config: %v", err), 1)
	}
	return enc.Close()
}
