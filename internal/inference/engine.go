// Package inference runs generation sessions over a model: priming, the
// sample/append/step loop, stop conditions, and optional attention caching.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/kvgen/internal/logger"
	"github.com/samcharles93/kvgen/internal/logits"
	"github.com/samcharles93/kvgen/internal/metrics"
	"github.com/samcharles93/kvgen/internal/model"
	"github.com/samcharles93/kvgen/internal/tokenizer"
)

// StreamFunc receives each sampled token as it is appended, with its decoded
// text. EOS is reported with an empty piece.
type StreamFunc func(id int, piece string)

// Engine shares one model and tokenizer across sessions. It is safe for
// concurrent use; every Generate call owns its cache and sampler.
type Engine struct {
	model    model.Model
	limits   model.Limits
	tok      tokenizer.Tokenizer
	log      logger.Logger
	metrics  *metrics.Recorder
	observer func(Step)
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithObserver installs a hook called after every forward step of every
// session. It runs on the generating goroutine.
func WithObserver(fn func(Step)) Option {
	return func(e *Engine) { e.observer = fn }
}

func NewEngine(m model.Model, tok tokenizer.Tokenizer, opts ...Option) (*Engine, error) {
	if m == nil {
		return nil, errors.New("inference: nil model")
	}
	if tok == nil {
		return nil, errors.New("inference: nil tokenizer")
	}
	l := m.Limits()
	if l.MaxSeqLen <= 0 || l.NumLayers <= 0 || l.KVWidth <= 0 {
		return nil, fmt.Errorf("inference: model limits %+v are not usable", l)
	}
	if tok.VocabSize() > l.VocabSize {
		return nil, fmt.Errorf("inference: tokenizer vocabulary %d exceeds model vocabulary %d", tok.VocabSize(), l.VocabSize)
	}
	if eos := tok.EOS(); eos < 0 || eos >= l.VocabSize {
		return nil, fmt.Errorf("inference: eos id %d outside model vocabulary %d", eos, l.VocabSize)
	}
	e := &Engine{model: m, limits: l, tok: tok, log: logger.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Limits() model.Limits { return e.limits }

func (e *Engine) Tokenizer() tokenizer.Tokenizer { return e.tok }

// Feasible validates req and checks that it fits the context window. A
// bounded request needs room for the full prime plus every generated token;
// an unbounded one only for the prime.
func (e *Engine) Feasible(req Request) error {
	if err := req.Validate(); err != nil {
		e.metrics.Rejected("invalid")
		return err
	}
	need := req.ContextLength
	if req.MaxGeneratedLength != Unbounded {
		need += req.MaxGeneratedLength
	}
	if need > e.limits.MaxSeqLen {
		e.metrics.Rejected("infeasible")
		return &InfeasibleError{
			ContextLength:      req.ContextLength,
			MaxGeneratedLength: req.MaxGeneratedLength,
			MaxSeqLen:          e.limits.MaxSeqLen,
		}
	}
	return nil
}

// Generate encodes text, primes on the window req selects, and samples until
// a stop condition. On cancellation the partial result is returned together
// with ctx.Err().
func (e *Engine) Generate(ctx context.Context, req Request, text string, stream StreamFunc) (*Result, error) {
	if err := e.Feasible(req); err != nil {
		return nil, err
	}
	source, err := e.tok.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("encode source: %w", err)
	}
	return e.generate(ctx, req, source, stream)
}

// Prepare runs every check Generate makes before the first forward step and
// returns the tokenized source. Callers that must commit a response before
// generating (streaming) use it to reject requests early.
func (e *Engine) Prepare(req Request, text string) ([]int, error) {
	if err := e.Feasible(req); err != nil {
		return nil, err
	}
	source, err := e.tok.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("encode source: %w", err)
	}
	if _, err := e.prime(req, source); err != nil {
		return nil, err
	}
	return source, nil
}

// GenerateTokens is Generate over an already tokenized source.
func (e *Engine) GenerateTokens(ctx context.Context, req Request, source []int, stream StreamFunc) (*Result, error) {
	if err := e.Feasible(req); err != nil {
		return nil, err
	}
	return e.generate(ctx, req, source, stream)
}

// prime selects the priming window and checks its ids against the model
// vocabulary.
func (e *Engine) prime(req Request, source []int) ([]int, error) {
	prime, err := BuildPrime(source, req)
	if err != nil {
		e.metrics.Rejected("invalid")
		return nil, err
	}
	for i, id := range prime {
		if id < 0 || id >= e.limits.VocabSize {
			e.metrics.Rejected("invalid")
			return nil, newInvalidRequest("source", "token %d at index %d outside vocabulary %d", id, req.StartIndex+i, e.limits.VocabSize)
		}
	}
	return prime, nil
}

func (e *Engine) generate(ctx context.Context, req Request, source []int, stream StreamFunc) (*Result, error) {
	prime, err := e.prime(req, source)
	if err != nil {
		return nil, err
	}

	s := &session{
		id:        uuid.NewString(),
		req:       req,
		maxSeqLen: e.limits.MaxSeqLen,
		eos:       e.tok.EOS(),
		sampler: logits.NewSampler(logits.SamplerConfig{
			Seed:        req.Seed,
			Temperature: req.Temperature,
			TopK:        req.TopK,
			TopP:        req.TopP,
		}),
		metrics: e.metrics,
		observe: e.observer,
		seq:     append(make([]int, 0, e.limits.MaxSeqLen), prime...),
		prompt:  len(prime),
	}
	if req.UseCache {
		s.stepper = newCachedStep(e.model)
	} else {
		s.stepper = newFullStep(e.model)
	}
	s.stats.PromptTokens = len(prime)
	if stream != nil {
		s.onToken = func(id int) {
			stream(id, e.piece(id))
		}
	}

	mode := s.stepper.mode()
	log := e.log.With("session", s.id, "mode", mode)
	log.Debug("session start", "prompt_tokens", len(prime), "max_generated_length", req.MaxGeneratedLength)

	runErr := s.run(ctx)
	res := e.result(s)
	if runErr != nil {
		log.Debug("session aborted", "generated", res.Stats.TokensGenerated, "error", runErr)
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return res, runErr
		}
		return nil, runErr
	}

	e.metrics.ObserveSession(mode, string(res.StopReason), res.Stats.TokensGenerated, res.Stats.Duration)
	log.Debug("session stop",
		"prompt_tokens", res.Stats.PromptTokens,
		"generated", res.Stats.TokensGenerated,
		"stop_reason", res.StopReason,
		"duration", res.Stats.Duration,
	)
	return res, nil
}

func (e *Engine) result(s *session) *Result {
	gen := append([]int(nil), s.seq[s.prompt:]...)
	text, err := e.tok.Decode(gen)
	if err != nil {
		text = ""
	}
	return &Result{
		ID:         s.id,
		Prompt:     append([]int(nil), s.seq[:s.prompt]...),
		Tokens:     gen,
		Text:       text,
		StopReason: s.stop,
		Stats:      s.stats,
	}
}

func (e *Engine) piece(id int) string {
	if id == e.tok.EOS() {
		return ""
	}
	s, err := e.tok.Decode([]int{id})
	if err != nil {
		return ""
	}
	return s
}

// Job is one entry of a GenerateAll batch.
type Job struct {
	Request Request
	Text    string
}

// GenerateAll runs independent sessions with at most parallel in flight and
// returns their results in job order. The first failure cancels the rest.
func (e *Engine) GenerateAll(ctx context.Context, jobs []Job, parallel int) ([]*Result, error) {
	for i, job := range jobs {
		if err := e.Feasible(job.Request); err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
	}
	if parallel <= 0 {
		parallel = 1
	}

	results := make([]*Result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, job := range jobs {
		g.Go(func() error {
			start := time.Now()
			res, err := e.Generate(gctx, job.Request, job.Text, nil)
			if err != nil {
				return fmt.Errorf("job %d: %w", i, err)
			}
			e.log.Debug("batch job done", "job", i, "session", res.ID, "elapsed", time.Since(start))
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
