package main

import (
	"github.com/urfave/cli/v3"
)

var (
	presetName      string
	modelConfigPath string
	checkpointPath  string
	alphabet        string
	threads         int
	configFile      string
	logLevel        string
	logFormat       string
	debug           bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
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
			Name:        "checkpoint",
			Aliases:     []string{"m"},
			Usage:       "path to a .safetensors checkpoint written by 'kvgen init'",
			Destination: &checkpointPath,
		},
		&cli.StringFlag{
			Name:        "alphabet",
			Usage:       "characters of a character-level tokenizer (default: byte tokenizer when the vocabulary allows)",
			Destination: &alphabet,
		},
		&cli.IntFlag{
			Name:        "threads",
			Usage:       "matvec worker goroutines (0 = GOMAXPROCS)",
			Destination: &threads,
		},
	}
}

// requestFlags bind generation settings. Values are read back through
// requestOptions so only explicitly set flags override the config file.
func requestFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "context-length",
			Aliases: []string{"ctx", "c"},
			Usage:   "source tokens used to prime the session",
		},
		&cli.IntFlag{
			Name:    "max-generated-length",
			Aliases: []string{"n", "steps"},
			Usage:   "tokens to generate (-1 = until EOS or context full)",
		},
		&cli.Float64Flag{
			Name:    "temperature",
			Aliases: []string{"temp", "t"},
			Usage:   "sampling temperature (0 = greedy)",
		},
		&cli.Float64Flag{
			Name:  "top-p",
			Usage: "nucleus sampling mass in (0, 1]",
		},
		&cli.IntFlag{
			Name:  "top-k",
			Usage: "keep only the k most likely tokens (0 = off)",
		},
		&cli.BoolFlag{
			Name:  "no-cache",
			Usage: "recompute the full sequence every step",
		},
		&cli.IntFlag{
			Name:  "start-index",
			Usage: "offset into the source where the priming window starts",
		},
		&cli.Int64Flag{
			Name:  "seed",
			Usage: "sampler seed",
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "config file (default: $XDG_CONFIG_HOME/kvgen/config.yaml)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
