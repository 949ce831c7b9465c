package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvgen/internal/harness"
	"github.com/samcharles93/kvgen/internal/inference"
	"github.com/samcharles93/kvgen/internal/logger"
)

func checkCmd() *cli.Command {
	var (
		text string
		file string
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
	)

	return &cli.Command{
		Name:  "check",
		Usage: "Generate twice without the cache and once with it, and compare",
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

			log.Info("running comparison", "context_length", req.ContextLength, "max_generated_length", req.MaxGeneratedLength)
			rep, err := harness.Run(ctx, engine, req, source)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), exitCode(err))
			}

			fmt.Println("=== kvgen check ===")
			fmt.Printf("%-10s %8s %12s %10s  %s\n", "Run", "Tokens", "Duration", "Processed", "Stop")
			for _, row := range []struct {
				name string
				res  *inference.Result
				d    time.Duration
			}{
				{"no-cache", rep.NoCache1, rep.NoCache1Duration},
				{"no-cache", rep.NoCache2, rep.NoCache2Duration},
				{"cached", rep.Cached, rep.CachedDuration},
			} {
				fmt.Printf("%-10s %8d %12s %10d  %s\n",
					row.name, len(row.res.Tokens), row.d.Round(time.Microsecond), row.res.Stats.TokensProcessed, row.res.StopReason)
			}
			fmt.Println()
			fmt.Printf("deterministic: %v\n", rep.Deterministic)
			fmt.Printf("equivalent:    %v\n", rep.Equivalent)
			fmt.Printf("faster:        %v (%.2fx)\n", rep.Faster, rep.Speedup())
			if !rep.Equivalent {
				fmt.Printf("first mismatch at generated token %d\n", rep.Mismatch)
			}
			if !rep.OK() {
				return cli.Exit("check failed", 1)
			}
			return nil
		},
	}
}
