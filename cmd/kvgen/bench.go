package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sys/cpu"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/kvgen/internal/inference"
	"github.com/samcharles93/kvgen/internal/logger"
	"github.com/samcharles93/kvgen/internal/metrics"
	"github.com/samcharles93/kvgen/internal/tensor"
)

func benchCmd() *cli.Command {
	var (
		warmupRuns int
		benchRuns  int
		text       string
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags, requestFlags()...)
	flags = append(flags,
		&cli.IntFlag{
			Name:        "warmup",
			Usage:       "number of warmup runs per mode",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.IntFlag{
			Name:        "runs",
			Usage:       "number of measured runs per mode",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.StringFlag{
			Name:        "text",
			Aliases:     []string{"p"},
			Usage:       "source text for benchmarking",
			Value:       "It was the best of times, it was the worst of times, it was the age of wisdom, it was the age of foolishness.",
			Destination: &text,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Measure generation speed with and without the attention cache",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, fileConfig)
			if benchRuns < 1 {
				return cli.Exit("error: --runs must be at least 1", 1)
			}

			loadStart := time.Now()
			engine, m, err := loadEngine(ctx, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			loadDuration := time.Since(loadStart)
			req := inference.ResolveRequest(requestOptions(cmd), fileConfig.genDefaults())
			if err := engine.Feasible(req); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), exitCode(err))
			}

			fmt.Println("=== kvgen bench ===")
			fmt.Printf("Model:      %s (%d params, max_seq_len %d)\n", m.Config.Name, m.NumParams(), m.Config.MaxSeqLen)
			fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Threads:    %d\n", tensor.Parallelism())
			fmt.Printf("CPU:        %s\n", cpuFeatures())
			fmt.Printf("Load:       %s\n", loadDuration.Round(time.Millisecond))
			fmt.Printf("Request:    context_length=%d max_generated_length=%d temperature=%g\n",
				req.ContextLength, req.MaxGeneratedLength, req.Temperature)
			fmt.Println()

			fmt.Printf("%-8s %10s %10s %10s %10s %8s\n", "Mode", "mean tps", "stddev", "mean ms", "min ms", "Tokens")
			for _, useCache := range []bool{false, true} {
				r := req
				r.UseCache = useCache
				mode := metrics.Mode(useCache)
				for i := range warmupRuns {
					log.Debug("warmup run", "mode", mode, "run", i+1)
					if _, err := engine.Generate(ctx, r, text, nil); err != nil {
						return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
					}
				}
				tps := make([]float64, 0, benchRuns)
				ms := make([]float64, 0, benchRuns)
				tokens := 0
				for i := range benchRuns {
					log.Debug("benchmark run", "mode", mode, "run", i+1)
					res, err := engine.Generate(ctx, r, text, nil)
					if err != nil {
						return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
					}
					tps = append(tps, res.Stats.TPS)
					ms = append(ms, float64(res.Stats.Duration.Microseconds())/1000)
					tokens = res.Stats.TokensGenerated
				}
				mean, std := stat.MeanStdDev(tps, nil)
				if len(tps) < 2 {
					std = 0
				}
				fmt.Printf("%-8s %10.2f %10.2f %10.2f %10.2f %8d\n",
					mode, mean, std, stat.Mean(ms, nil), floats.Min(ms), tokens)
			}

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			_, _ = fmt.Fprintf(os.Stdout, "\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}

func cpuFeatures() string {
	var feats []string
	switch runtime.GOARCH {
	case "amd64":
		for name, ok := range map[string]bool{
			"avx":     cpu.X86.HasAVX,
			"avx2":    cpu.X86.HasAVX2,
			"fma":     cpu.X86.HasFMA,
			"avx512f": cpu.X86.HasAVX512F,
		} {
			if ok {
				feats = append(feats, name)
			}
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			feats = append(feats, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			feats = append(feats, "fphp")
		}
	}
	if len(feats) == 0 {
		return runtime.GOARCH
	}
	slices.Sort(feats)
	return runtime.GOARCH + " " + strings.Join(feats, ",")
}
