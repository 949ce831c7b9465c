package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvgen/internal/api"
	"github.com/samcharles93/kvgen/internal/logger"
	"github.com/samcharles93/kvgen/internal/metrics"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		maxParallel int
		maxBatch    int
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation API",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.IntFlag{
				Name:        "max-parallel",
				Usage:       "sessions run concurrently per batch request",
				Value:       4,
				Destination: &maxParallel,
			},
			&cli.IntFlag{
				Name:        "max-batch",
				Usage:       "requests accepted per batch",
				Value:       64,
				Destination: &maxBatch,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, fileConfig)
			if fileConfig.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = fileConfig.ServerAddress
			}
			if fileConfig.MaxParallel != nil && !cmd.IsSet("max-parallel") {
				maxParallel = *fileConfig.MaxParallel
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			engine, m, err := loadEngine(ctx, metrics.New(reg))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			server := api.NewServer(engine, api.Config{
				Defaults:    fileConfig.genDefaults(),
				ModelName:   m.Config.Name,
				ModelConfig: m.Config,
				Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				MaxBatch:    maxBatch,
				MaxParallel: maxParallel,
				Logger:      log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "model", m.Config.Name, "max_seq_len", m.Config.MaxSeqLen)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
