package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvgen/internal/inference"
	"github.com/samcharles93/kvgen/internal/logger"
	"github.com/samcharles93/kvgen/internal/metrics"
)

func generateCmd() *cli.Command {
	var (
		text       string
		file       string
		jsonOutput bool
		noStream   bool
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags, requestFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "text",
			Aliases:     []string{"p"},
			Usage:       "source text to prime on",
			Destination: &text,
		},
		&cli.StringFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Usage:       "read the source text from a file",
			Destination: &file,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the result as JSON instead of streaming text",
			Destination: &jsonOutput,
		},
		&cli.BoolFlag{
			Name:        "no-stream",
			Usage:       "print the generated text only once generation stops",
			Destination: &noStream,
		},
	)

	return &cli.Command{
		Name:  "generate",
		Usage: "Prime on a source text and generate a continuation",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, fileConfig)

			source, err := readSource(text, file, os.Stdin)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			engine, _, err := loadEngine(ctx, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			req := inference.ResolveRequest(requestOptions(cmd), fileConfig.genDefaults())
			log.Debug("resolved request", "request", fmt.Sprintf("%+v", req))

			var stream inference.StreamFunc
			if !jsonOutput && !noStream {
				stream = func(_ int, piece string) {
					_, _ = fmt.Fprint(os.Stdout, piece)
				}
			}
			res, err := engine.Generate(ctx, req, source, stream)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: generate: %v", err), exitCode(err))
			}

			switch {
			case jsonOutput:
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return cli.Exit(fmt.Sprintf("error: encode result: %v", err), 1)
				}
			case noStream:
				fmt.Println(res.Text)
			default:
				fmt.Println()
			}
			log.Info("generation finished",
				"stop_reason", res.StopReason,
				"prompt_tokens", res.Stats.PromptTokens,
				"generated", res.Stats.TokensGenerated,
				"mode", metrics.Mode(req.UseCache),
				"duration", res.Stats.Duration.Round(time.Millisecond),
				"tps", fmt.Sprintf("%.2f", res.Stats.TPS),
			)
			return nil
		},
	}
}
