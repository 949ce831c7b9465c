package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/samcharles93/kvgen/internal/inference"
)

// stdinIsTTY and stderrIsTTY are small seams for tests.
var (
	stdinIsTTY  = func() bool { return isTerminal(os.Stdin) }
	stderrIsTTY = func() bool { return isTerminal(os.Stderr) }
)

// readSource returns the generation source: --text, else --file, else stdin
// when it is not a terminal.
func readSource(text, file string, stdin io.Reader) (string, error) {
	switch {
	case text != "" && file != "":
		return "", errors.New("--text and --file are mutually exclusive")
	case text != "":
		return text, nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read source: %w", err)
		}
		return string(data), nil
	case !stdinIsTTY():
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	default:
		return "", errors.New("no source text: use --text, --file or pipe to stdin")
	}
}

// exitCode distinguishes rejected requests from runtime failures.
func exitCode(err error) int {
	switch {
	case errors.Is(err, inference.ErrInvalidRequest):
		return 2
	case errors.Is(err, inference.ErrInfeasible):
		return 3
	default:
		return 1
	}
}
