package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvgen/internal/inference"
	"github.com/samcharles93/kvgen/internal/model"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
preset: tiny
context_length: 8
max_generated_length: -1
temperature: 0.5
use_cache: false
log_level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	configFile = path
	t.Cleanup(func() { configFile = "" })

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Preset != "tiny" || cfg.LogLevel != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	req := inference.ResolveRequest(inference.RequestOptions{}, cfg.genDefaults())
	if req.ContextLength != 8 || req.MaxGeneratedLength != inference.Unbounded || req.Temperature != 0.5 || req.UseCache {
		t.Fatalf("resolved request %+v", req)
	}

	configFile = filepath.Join(dir, "missing.yaml")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for an explicit config path that does not exist")
	}

	if err := os.WriteFile(path, []byte("context_length: [1"), 0o644); err != nil {
		t.Fatal(err)
	}
	configFile = path
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRequestOptionsOnlySetFlags(t *testing.T) {
	t.Parallel()
	run := func(args ...string) inference.RequestOptions {
		var opts inference.RequestOptions
		cmd := &cli.Command{
			Name:  "test",
			Flags: requestFlags(),
			Action: func(_ context.Context, c *cli.Command) error {
				opts = requestOptions(c)
				return nil
			},
		}
		if err := cmd.Run(context.Background(), append([]string{"test"}, args...)); err != nil {
			t.Fatalf("Run(%v): %v", args, err)
		}
		return opts
	}

	if opts := run(); opts != (inference.RequestOptions{}) {
		t.Fatalf("no flags produced overrides: %+v", opts)
	}
	opts := run("--ctx", "32", "-n=-1", "--no-cache", "--temp", "0.7", "--seed", "5")
	switch {
	case opts.ContextLength == nil || *opts.ContextLength != 32:
		t.Fatalf("context length %v", opts.ContextLength)
	case opts.MaxGeneratedLength == nil || *opts.MaxGeneratedLength != inference.Unbounded:
		t.Fatalf("max generated length %v", opts.MaxGeneratedLength)
	case opts.UseCache == nil || *opts.UseCache:
		t.Fatal("--no-cache should resolve to use_cache=false")
	case opts.Temperature == nil || *opts.Temperature != 0.7:
		t.Fatalf("temperature %v", opts.Temperature)
	case opts.Seed == nil || *opts.Seed != 5:
		t.Fatalf("seed %v", opts.Seed)
	case opts.TopP != nil || opts.TopK != nil || opts.StartIndex != nil:
		t.Fatalf("unset flags leaked: %+v", opts)
	}
}

func TestReadSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(path, []byte("from file"), 0o644); err != nil {
		t.Fatal(err)
	}
	orig := stdinIsTTY
	t.Cleanup(func() { stdinIsTTY = orig })

	if got, err := readSource("inline", "", nil); err != nil || got != "inline" {
		t.Fatalf("text: %q, %v", got, err)
	}
	if got, err := readSource("", path, nil); err != nil || got != "from file" {
		t.Fatalf("file: %q, %v", got, err)
	}
	if _, err := readSource("a", path, nil); err == nil {
		t.Fatal("expected error for --text with --file")
	}

	stdinIsTTY = func() bool { return false }
	if got, err := readSource("", "", strings.NewReader("piped")); err != nil || got != "piped" {
		t.Fatalf("stdin: %q, %v", got, err)
	}
	stdinIsTTY = func() bool { return true }
	if _, err := readSource("", "", strings.NewReader("ignored")); err == nil {
		t.Fatal("expected error with no source on a terminal")
	}
}

func TestNewTokenizer(t *testing.T) {
	t.Cleanup(func() { alphabet = "" })

	alphabet = ""
	tok, err := newTokenizer(model.ByteVocabSize)
	if err != nil || tok.VocabSize() != model.ByteVocabSize {
		t.Fatalf("byte tokenizer: %v", err)
	}
	tok, err = newTokenizer(16)
	if err != nil || tok.VocabSize() != 16 {
		t.Fatalf("default alphabet for vocab 16: %v", err)
	}
	if _, err := newTokenizer(5); err == nil {
		t.Fatal("expected error for a vocabulary smaller than the special tokens")
	}

	alphabet = "xyz"
	tok, err = newTokenizer(16)
	if err != nil || tok.VocabSize() != 10 {
		t.Fatalf("explicit alphabet: %v", err)
	}
	alphabet = "abcdefghijklmnop"
	if _, err := newTokenizer(16); err == nil {
		t.Fatal("expected error for an alphabet larger than the vocabulary")
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()
	if got := exitCode(&inference.InfeasibleError{}); got != 3 {
		t.Fatalf("infeasible exit code %d", got)
	}
	if got := exitCode(context.Canceled); got != 1 {
		t.Fatalf("generic exit code %d", got)
	}
}
