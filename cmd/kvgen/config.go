package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/kvgen/internal/inference"
)

// Config represents the kvgen configuration file (~/.config/kvgen/config.yaml).
// Numeric and boolean fields are pointers so "not set" differs from zero.
type Config struct {
	Preset      string `yaml:"preset"`
	ModelConfig string `yaml:"model_config"`
	Checkpoint  string `yaml:"checkpoint"`
	Alphabet    string `yaml:"alphabet"`
	Threads     *int   `yaml:"threads"`

	// Generation defaults
	ContextLength      *int     `yaml:"context_length"`
	MaxGeneratedLength *int     `yaml:"max_generated_length"`
	Temperature        *float64 `yaml:"temperature"`
	TopP               *float64 `yaml:"top_p"`
	TopK               *int     `yaml:"top_k"`
	UseCache           *bool    `yaml:"use_cache"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
	MaxParallel   *int   `yaml:"max_parallel"`
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kvgen", "config.yaml")
}

// LoadConfig reads the config file. A missing default file yields a zero
// Config; a file that exists but does not parse is an error.
func LoadConfig() (Config, error) {
	path := configPath()
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && configFile == "" {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) genDefaults() inference.GenDefaults {
	return inference.GenDefaults{
		ContextLength:      c.ContextLength,
		MaxGeneratedLength: c.MaxGeneratedLength,
		Temperature:        c.Temperature,
		TopP:               c.TopP,
		TopK:               c.TopK,
		UseCache:           c.UseCache,
	}
}

// applyModelConfig applies config file defaults to the model flags when the
// corresponding CLI flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Preset != "" && !c.IsSet("preset") {
		presetName = cfg.Preset
	}
	if cfg.ModelConfig != "" && !c.IsSet("model-config") {
		modelConfigPath = cfg.ModelConfig
	}
	if cfg.Checkpoint != "" && !c.IsSet("checkpoint") {
		checkpointPath = cfg.Checkpoint
	}
	if cfg.Alphabet != "" && !c.IsSet("alphabet") {
		alphabet = cfg.Alphabet
	}
	if cfg.Threads != nil && !c.IsSet("threads") {
		threads = *cfg.Threads
	}
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// requestOptions collects the generation flags the user actually set.
func requestOptions(c *cli.Command) inference.RequestOptions {
	var opts inference.RequestOptions
	if c.IsSet("context-length") {
		v := c.Int("context-length")
		opts.ContextLength = &v
	}
	if c.IsSet("max-generated-length") {
		v := c.Int("max-generated-length")
		opts.MaxGeneratedLength = &v
	}
	if c.IsSet("temperature") {
		v := c.Float64("temperature")
		opts.Temperature = &v
	}
	if c.IsSet("top-p") {
		v := c.Float64("top-p")
		opts.TopP = &v
	}
	if c.IsSet("top-k") {
		v := c.Int("top-k")
		opts.TopK = &v
	}
	if c.IsSet("no-cache") {
		v := !c.Bool("no-cache")
		opts.UseCache = &v
	}
	if c.IsSet("start-index") {
		v := c.Int("start-index")
		opts.StartIndex = &v
	}
	if c.IsSet("seed") {
		v := c.Int64("seed")
		opts.Seed = &v
	}
	return opts
}
