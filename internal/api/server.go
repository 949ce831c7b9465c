// Package api serves the generation engine over HTTP.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kvgen/internal/inference"
	"github.com/samcharles93/kvgen/internal/logger"
	"github.com/samcharles93/kvgen/internal/model"
)

// Engine is the part of inference.Engine the server needs.
type Engine interface {
	Limits() model.Limits
	Prepare(req inference.Request, text string) ([]int, error)
	Generate(ctx context.Context, req inference.Request, text string, stream inference.StreamFunc) (*inference.Result, error)
	GenerateTokens(ctx context.Context, req inference.Request, source []int, stream inference.StreamFunc) (*inference.Result, error)
	GenerateAll(ctx context.Context, jobs []inference.Job, parallel int) ([]*inference.Result, error)
}

type Config struct {
	Defaults inference.GenDefaults
	// ModelName and ModelConfig are reported by GET /v1/model.
	ModelName   string
	ModelConfig any
	// Metrics, when set, is served at GET /metrics.
	Metrics     http.Handler
	MaxBatch    int
	MaxParallel int
	Logger      logger.Logger
}

type Server struct {
	engine Engine
	cfg    Config
	log    logger.Logger
	clock  func() time.Time
}

func NewServer(engine Engine, cfg Config) *Server {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 64
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Server{engine: engine, cfg: cfg, log: log, clock: time.Now}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.POST("/v1/generate/batch", s.handleBatch)
	e.GET("/v1/model", s.handleModel)
	e.GET("/healthz", s.handleHealth)
	if s.cfg.Metrics != nil {
		e.GET("/metrics", func(c *echo.Context) error {
			s.cfg.Metrics.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}
}

func (s *Server) handleGenerate(c *echo.Context) error {
	body, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeError(c, err)
	}
	req := inference.ResolveRequest(body.options(), s.cfg.Defaults)
	ctx := c.Request().Context()

	if !body.Stream {
		res, err := s.engine.Generate(ctx, req, body.Text, nil)
		if err != nil {
			s.log.Debug("generate failed", "error", err)
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, s.response(req, res))
	}

	// Reject before the event-stream headers go out so failures keep their
	// status codes.
	source, err := s.engine.Prepare(req, body.Text)
	if err != nil {
		s.log.Debug("generate rejected", "error", err)
		return writeError(c, err)
	}
	sse, err := newSSEWriter(c)
	if err != nil {
		return writeError(c, err)
	}
	res, err := s.engine.GenerateTokens(ctx, req, source, sse.Token)
	if err != nil {
		var partial *GenerateResponse
		if res != nil {
			r := s.response(req, res)
			partial = &r
		}
		return sse.Failed(err, partial)
	}
	return sse.Complete(s.response(req, res))
}

func (s *Server) handleBatch(c *echo.Context) error {
	body, err := decodeJSON[BatchRequest](c.Request().Body)
	if err != nil {
		return writeError(c, err)
	}
	switch {
	case len(body.Requests) == 0:
		return writeError(c, badBody("requests must not be empty"))
	case len(body.Requests) > s.cfg.MaxBatch:
		return writeError(c, badBody("at most %d requests per batch, got %d", s.cfg.MaxBatch, len(body.Requests)))
	}
	jobs := make([]inference.Job, len(body.Requests))
	for i, r := range body.Requests {
		if r.Stream {
			return writeError(c, badBody("requests[%d]: streaming is not supported in batches", i))
		}
		jobs[i] = inference.Job{Request: inference.ResolveRequest(r.options(), s.cfg.Defaults), Text: r.Text}
	}
	parallel := body.Parallel
	if parallel <= 0 || parallel > s.cfg.MaxParallel {
		parallel = s.cfg.MaxParallel
	}

	results, err := s.engine.GenerateAll(c.Request().Context(), jobs, parallel)
	if err != nil {
		s.log.Debug("batch failed", "requests", len(jobs), "error", err)
		return writeError(c, err)
	}
	out := BatchResponse{Object: "generation.batch", Results: make([]GenerateResponse, len(results))}
	for i, res := range results {
		out.Results[i] = s.response(jobs[i].Request, res)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleModel(c *echo.Context) error {
	l := s.engine.Limits()
	return c.JSON(http.StatusOK, ModelResponse{
		Object:    "model",
		Name:      s.cfg.ModelName,
		NumLayers: l.NumLayers,
		KVWidth:   l.KVWidth,
		MaxSeqLen: l.MaxSeqLen,
		VocabSize: l.VocabSize,
		Config:    s.cfg.ModelConfig,
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) response(req inference.Request, res *inference.Result) GenerateResponse {
	tokens := res.Tokens
	if tokens == nil {
		tokens = []int{}
	}
	return GenerateResponse{
		ID:         "gen_" + res.ID,
		Object:     "generation",
		CreatedAt:  s.clock().Unix(),
		Text:       res.Text,
		Tokens:     tokens,
		StopReason: string(res.StopReason),
		Truncated:  res.Truncated(),
		UseCache:   req.UseCache,
		Usage: Usage{
			PromptTokens:    res.Stats.PromptTokens,
			GeneratedTokens: res.Stats.TokensGenerated,
			TokensProcessed: res.Stats.TokensProcessed,
			ForwardCalls:    res.Stats.ForwardCalls,
		},
		DurationMS: float64(res.Stats.Duration.Microseconds()) / 1000,
		TPS:        res.Stats.TPS,
	}
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, badBody("%v", err)
	}
	return out, nil
}
