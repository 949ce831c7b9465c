package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvgen/internal/logger"
)

// fileConfig is loaded once in the root Before hook.
var fileConfig Config

func main() {
	app := &cli.Command{
		Name:  "kvgen",
		Usage: "Autoregressive text generation with an attention cache",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig()
			if err != nil {
				return ctx, err
			}
			fileConfig = cfg
			applyLoggingConfig(cmd, cfg)

			level, err := logger.ParseLevel(logLevel)
			if err != nil {
				return ctx, err
			}
			if debug {
				level = slog.LevelDebug
			}
			log, err := logger.Build(logger.Config{
				Format: logFormat,
				Level:  level,
				Writer: os.Stderr,
				Color:  stderrIsTTY(),
			})
			if err != nil {
				return ctx, err
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			generateCmd(),
			checkCmd(),
			benchCmd(),
			initCmd(),
			inspectCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
