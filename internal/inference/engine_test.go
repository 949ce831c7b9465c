package inference

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/samcharles93/kvgen/internal/metrics"
	"github.com/samcharles93/kvgen/internal/model"
	"github.com/samcharles93/kvgen/internal/tokenizer"
)

func TestGenerateDeterministic(t *testing.T) {
	t.Parallel()
	e := newTinyEngine(t)
	req := baseRequest()
	for _, useCache := range []bool{true, false} {
		req.UseCache = useCache
		first, err := e.Generate(context.Background(), req, "abcdefg", nil)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		second, err := e.Generate(context.Background(), req, "abcdefg", nil)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if diff := cmp.Diff(first.Tokens, second.Tokens); diff != "" {
			t.Fatalf("use_cache=%v: repeated greedy runs differ (-first +second):\n%s", useCache, diff)
		}
		if first.ID == second.ID {
			t.Fatalf("sessions share id %s", first.ID)
		}
	}
}

func TestCachedMatchesFullRecompute(t *testing.T) {
	t.Parallel()
	e := newTinyEngine(t)
	cases := map[string]Request{
		"greedy":  baseRequest(),
		"sampled": {ContextLength: 3, MaxGeneratedLength: 10, Temperature: 0.9, TopP: 0.8, Seed: 42},
		"top_k":   {ContextLength: 5, MaxGeneratedLength: Unbounded, Temperature: 1.3, TopP: 1, TopK: 4, Seed: 7, StartIndex: 1},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			req.UseCache = true
			cached, err := e.Generate(context.Background(), req, "hgfedcba", nil)
			if err != nil {
				t.Fatalf("cached: %v", err)
			}
			req.UseCache = false
			full, err := e.Generate(context.Background(), req, "hgfedcba", nil)
			if err != nil {
				t.Fatalf("full: %v", err)
			}
			if diff := cmp.Diff(full.Tokens, cached.Tokens); diff != "" {
				t.Fatalf("cached generation diverged (-full +cached):\n%s", diff)
			}
			if cached.StopReason != full.StopReason {
				t.Fatalf("stop reasons differ: cached %q, full %q", cached.StopReason, full.StopReason)
			}
			if full.Stats.TokensGenerated > 1 && cached.Stats.TokensProcessed >= full.Stats.TokensProcessed {
				t.Fatalf("cached processed %d positions, full %d", cached.Stats.TokensProcessed, full.Stats.TokensProcessed)
			}
		})
	}
}

func TestCacheGrowsOnePositionPerStep(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		steps []Step
	)
	e := newTinyEngine(t, WithObserver(func(s Step) {
		mu.Lock()
		steps = append(steps, s)
		mu.Unlock()
	}))
	req := baseRequest()
	res, err := e.Generate(context.Background(), req, "abcdef", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(steps) == 0 {
		t.Fatal("observer never called")
	}
	if steps[0].State != StatePriming || steps[0].Fed != req.ContextLength {
		t.Fatalf("first step = %+v, want priming over %d tokens", steps[0], req.ContextLength)
	}
	for i, s := range steps {
		if i > 0 && (s.Fed != 1 || s.State != StateGenerating) {
			t.Fatalf("step %d fed %d tokens in state %v", i, s.Fed, s.State)
		}
		for layer, n := range s.LayerLens {
			if n != s.SeqLen {
				t.Fatalf("step %d: layer %d holds %d positions, sequence has %d", i, layer, n, s.SeqLen)
			}
		}
		if s.Session != res.ID {
			t.Fatalf("step %d reported session %q, want %q", i, s.Session, res.ID)
		}
	}
	if got, want := res.Stats.ForwardCalls, len(steps); got != want {
		t.Fatalf("ForwardCalls = %d, observer saw %d", got, want)
	}
}

func TestFullRecomputeKeepsNoCache(t *testing.T) {
	t.Parallel()
	var fed []int
	m := newScriptModel(16, func(pos int) int { return 9 })
	e := newScriptEngine(t, m, WithObserver(func(s Step) {
		if s.LayerLens != nil {
			t.Errorf("full-recompute step reported layer lengths %v", s.LayerLens)
		}
		fed = append(fed, s.Fed)
	}))
	req := baseRequest()
	req.UseCache = false
	req.MaxGeneratedLength = 3
	if _, err := e.Generate(context.Background(), req, "abcd", nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if diff := cmp.Diff([]int{4, 5, 6}, fed); diff != "" {
		t.Fatalf("fed per step (-want +got):\n%s", diff)
	}
}

func TestStopsOnEOS(t *testing.T) {
	t.Parallel()
	m := newScriptModel(32, func(pos int) int {
		if pos == 7 {
			return 0
		}
		return 8
	})
	e := newScriptEngine(t, m)
	var streamed []int
	var pieces strings.Builder
	res, err := e.Generate(context.Background(), baseRequest(), "abcd", func(id int, piece string) {
		streamed = append(streamed, id)
		pieces.WriteString(piece)
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.StopReason != StopEOS {
		t.Fatalf("StopReason = %q, want eos", res.StopReason)
	}
	if diff := cmp.Diff([]int{8, 8, 8, 0}, res.Tokens); diff != "" {
		t.Fatalf("tokens (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(res.Tokens, streamed); diff != "" {
		t.Fatalf("streamed tokens (-result +streamed):\n%s", diff)
	}
	if res.Text != "bbb" || pieces.String() != "bbb" {
		t.Fatalf("text %q, streamed %q, want bbb", res.Text, pieces.String())
	}
}

func TestStopsAtMaxLength(t *testing.T) {
	t.Parallel()
	m := newScriptModel(32, func(pos int) int { return 7 + pos%9 })
	e := newScriptEngine(t, m)
	for _, n := range []int{0, 1, 5} {
		req := baseRequest()
		req.MaxGeneratedLength = n
		res, err := e.Generate(context.Background(), req, "abcdefgh", nil)
		if err != nil {
			t.Fatalf("Generate(max=%d): %v", n, err)
		}
		if res.StopReason != StopMaxLength || len(res.Tokens) != n {
			t.Fatalf("max=%d: got %d tokens, stop %q", n, len(res.Tokens), res.StopReason)
		}
		if len(res.Prompt) != req.ContextLength {
			t.Fatalf("prompt length %d, want %d", len(res.Prompt), req.ContextLength)
		}
	}
}

func TestUnboundedFillsContext(t *testing.T) {
	t.Parallel()
	m := newScriptModel(12, func(int) int { return 10 })
	e := newScriptEngine(t, m)
	req := baseRequest()
	req.MaxGeneratedLength = Unbounded
	res, err := e.Generate(context.Background(), req, "abcd", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !res.Truncated() {
		t.Fatalf("StopReason = %q, want context_full", res.StopReason)
	}
	if got := len(res.Prompt) + len(res.Tokens); got != 12 {
		t.Fatalf("final sequence has %d tokens, want 12", got)
	}
}

func TestPrimeFillingContextStopsImmediately(t *testing.T) {
	t.Parallel()
	m := newScriptModel(4, func(int) int { return 10 })
	e := newScriptEngine(t, m)
	req := baseRequest()
	req.MaxGeneratedLength = Unbounded
	res, err := e.Generate(context.Background(), req, "abcdefgh", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.StopReason != StopContextFull || len(res.Tokens) != 0 {
		t.Fatalf("got %v after %d tokens, want context_full with none", res.StopReason, len(res.Tokens))
	}
}

func TestInfeasibleRejectedBeforeForward(t *testing.T) {
	t.Parallel()
	m := newScriptModel(512, func(int) int { return 9 })
	reg := prometheus.NewRegistry()
	e := newScriptEngine(t, m, WithMetrics(metrics.New(reg)))
	req := Request{ContextLength: 256, MaxGeneratedLength: 1792, TopP: 1, UseCache: true}
	_, err := e.Generate(context.Background(), req, strings.Repeat("a", 300), nil)
	if !errors.Is(err, ErrInfeasible) {
		t.Fatalf("err = %v, want ErrInfeasible", err)
	}
	var ie *InfeasibleError
	if !errors.As(err, &ie) || ie.MaxSeqLen != 512 || ie.ContextLength != 256 {
		t.Fatalf("err = %#v, want InfeasibleError with lengths", err)
	}
	if *m.calls != 0 {
		t.Fatalf("forward ran %d times before the infeasible request was rejected", *m.calls)
	}
	const want = `
# HELP kvgen_requests_rejected_total Generation requests rejected before any forward step
# TYPE kvgen_requests_rejected_total counter
kvgen_requests_rejected_total{reason="infeasible"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "kvgen_requests_rejected_total"); err != nil {
		t.Fatal(err)
	}

	req.MaxGeneratedLength = Unbounded
	if err := e.Feasible(req); err != nil {
		t.Fatalf("unbounded request with a fitting prime: %v", err)
	}
	req.MaxGeneratedLength = 256
	if err := e.Feasible(req); err != nil {
		t.Fatalf("exactly fitting request: %v", err)
	}
}

func TestInfeasibleOnSmallPreset(t *testing.T) {
	t.Parallel()
	cfg, err := model.Preset("small")
	if err != nil {
		t.Fatalf("Preset: %v", err)
	}
	m, err := model.New(cfg)
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	e, err := NewEngine(m, tokenizer.NewByte())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	req := Request{ContextLength: 256, MaxGeneratedLength: 1792, TopP: 1, UseCache: true}
	if err := e.Feasible(req); !errors.Is(err, ErrInfeasible) {
		t.Fatalf("Feasible = %v, want ErrInfeasible", err)
	}
}

func TestInvalidRequests(t *testing.T) {
	t.Parallel()
	m := newScriptModel(32, func(int) int { return 9 })
	e := newScriptEngine(t, m)
	cases := map[string]struct {
		mutate func(*Request)
		text   string
	}{
		"zero context":      {func(r *Request) { r.ContextLength = 0 }, "abc"},
		"negative max":      {func(r *Request) { r.MaxGeneratedLength = -2 }, "abc"},
		"negative temp":     {func(r *Request) { r.Temperature = -1 }, "abc"},
		"top_p zero":        {func(r *Request) { r.TopP = 0 }, "abc"},
		"top_p above one":   {func(r *Request) { r.TopP = 1.5 }, "abc"},
		"negative top_k":    {func(r *Request) { r.TopK = -1 }, "abc"},
		"start past source": {func(r *Request) { r.StartIndex = 3 }, "abc"},
		"empty source":      {func(*Request) {}, ""},
		"negative start":    {func(r *Request) { r.StartIndex = -1 }, "abc"},
	}
	for name, tc := range cases {
		req := baseRequest()
		tc.mutate(&req)
		_, err := e.Generate(context.Background(), req, tc.text, nil)
		if !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: err = %v, want ErrInvalidRequest", name, err)
		}
	}
	if *m.calls != 0 {
		t.Fatalf("forward ran %d times for invalid requests", *m.calls)
	}
}

func TestGenerateTokensRejectsOutOfVocab(t *testing.T) {
	t.Parallel()
	e := newScriptEngine(t, newScriptModel(32, func(int) int { return 9 }))
	_, err := e.GenerateTokens(context.Background(), baseRequest(), []int{7, 99, 8}, nil)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestCancelledReturnsPartialResult(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newScriptModel(64, func(int) int { return 9 })
	e := newScriptEngine(t, m)
	req := baseRequest()
	req.MaxGeneratedLength = 40
	res, err := e.Generate(ctx, req, "abcd", func(id int, _ string) {
		cancel()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res == nil || len(res.Tokens) != 1 {
		t.Fatalf("partial result = %+v, want one token", res)
	}
}

func TestForwardPanicBecomesPrecondition(t *testing.T) {
	t.Parallel()
	m := newScriptModel(32, func(int) int { return 9 })
	m.panicAt = 2
	e := newScriptEngine(t, m)
	_, err := e.Generate(context.Background(), baseRequest(), "abcd", nil)
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("err = %v, want ErrPrecondition", err)
	}
}

func TestDesyncedCacheDetected(t *testing.T) {
	t.Parallel()
	m := newScriptModel(32, func(int) int { return 9 })
	m.layersWritten = 1
	e := newScriptEngine(t, m)
	_, err := e.Generate(context.Background(), baseRequest(), "abcd", nil)
	if !errors.Is(err, ErrCacheCorrupt) || !errors.Is(err, ErrPrecondition) {
		t.Fatalf("err = %v, want ErrCacheCorrupt", err)
	}
}

func TestNewEngineRejectsMismatchedTokenizer(t *testing.T) {
	t.Parallel()
	m := newScriptModel(32, func(int) int { return 9 })
	if _, err := NewEngine(m, tokenizer.NewByte()); err == nil {
		t.Fatal("expected error for a tokenizer larger than the model vocabulary")
	}
	if _, err := NewEngine(nil, tokenizer.NewByte()); err == nil {
		t.Fatal("expected error for nil model")
	}
}

func TestGenerateAll(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	e := newTinyEngine(t, WithMetrics(metrics.New(reg)))
	texts := []string{"abc", "ihg", "dddd", "efgh", "bad"}
	jobs := make([]Job, len(texts))
	for i, text := range texts {
		jobs[i] = Job{Request: baseRequest(), Text: text}
		jobs[i].Request.ContextLength = 3
	}
	results, err := e.GenerateAll(context.Background(), jobs, 3)
	if err != nil {
		t.Fatalf("GenerateAll: %v", err)
	}
	for i, job := range jobs {
		want, err := e.Generate(context.Background(), job.Request, job.Text, nil)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if diff := cmp.Diff(want.Tokens, results[i].Tokens); diff != "" {
			t.Fatalf("job %d differs from a sequential run (-want +got):\n%s", i, diff)
		}
	}
	if n := testutil.CollectAndCount(reg, "kvgen_sessions_total"); n == 0 {
		t.Fatal("no sessions recorded")
	}

	jobs[2].Request.ContextLength = 100
	if _, err := e.GenerateAll(context.Background(), jobs, 2); !errors.Is(err, ErrInfeasible) {
		t.Fatalf("err = %v, want ErrInfeasible", err)
	}
}

func TestPrepareChecksWithoutForward(t *testing.T) {
	t.Parallel()
	m := newScriptModel(16, func(int) int { return 9 })
	e := newScriptEngine(t, m)

	req := baseRequest()
	source, err := e.Prepare(req, "abc")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if diff := cmp.Diff([]int{7, 8, 9}, source); diff != "" {
		t.Fatalf("source (-want +got):\n%s", diff)
	}

	infeasible := req
	infeasible.ContextLength, infeasible.MaxGeneratedLength = 10, 10
	if _, err := e.Prepare(infeasible, "abc"); !errors.Is(err, ErrInfeasible) {
		t.Fatalf("err = %v, want ErrInfeasible", err)
	}
	pastEnd := req
	pastEnd.StartIndex = 9
	if _, err := e.Prepare(pastEnd, "abc"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
	if *m.calls != 0 {
		t.Fatalf("Prepare ran %d forward steps", *m.calls)
	}

	res, err := e.GenerateTokens(context.Background(), req, source, nil)
	if err != nil {
		t.Fatalf("GenerateTokens: %v", err)
	}
	if diff := cmp.Diff([]int{7, 8, 9}, res.Prompt); diff != "" {
		t.Fatalf("prompt (-want +got):\n%s", diff)
	}
}
