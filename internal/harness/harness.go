// Package harness runs the same generation request with and without the
// attention cache and compares the outcomes.
package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/kvgen/internal/inference"
)

// Generator is the part of inference.Engine the harness drives.
type Generator interface {
	Generate(ctx context.Context, req inference.Request, text string, stream inference.StreamFunc) (*inference.Result, error)
}

// Report holds three runs of one request: two full-recompute runs and one
// cached run.
type Report struct {
	NoCache1 *inference.Result
	NoCache2 *inference.Result
	Cached   *inference.Result

	// Wall-clock time of each run, encoding included.
	NoCache1Duration time.Duration
	NoCache2Duration time.Duration
	CachedDuration   time.Duration
	// NoCacheDuration is the faster of the two full-recompute runs.
	NoCacheDuration time.Duration

	// Deterministic: both full-recompute runs produced the same tokens.
	Deterministic bool
	// Equivalent: the cached run produced the same tokens as the first
	// full-recompute run.
	Equivalent bool
	// Faster: the cached run took less wall-clock time than either
	// full-recompute run.
	Faster bool
	// Mismatch is the first index where the cached and full-recompute token
	// sequences differ, or -1.
	Mismatch int
}

// OK reports whether determinism, cache equivalence and the speed ordering
// all hold.
func (r *Report) OK() bool {
	return r.Deterministic && r.Equivalent && r.Faster
}

func (r *Report) Speedup() float64 {
	if r.CachedDuration <= 0 {
		return 0
	}
	return float64(r.NoCacheDuration) / float64(r.CachedDuration)
}

// Run executes req twice without the cache and once with it. req.UseCache is
// overridden for each run.
func Run(ctx context.Context, g Generator, req inference.Request, text string) (*Report, error) {
	run := func(useCache bool) (*inference.Result, time.Duration, error) {
		r := req
		r.UseCache = useCache
		start := time.Now()
		res, err := g.Generate(ctx, r, text, nil)
		return res, time.Since(start), err
	}

	rep := &Report{Mismatch: -1}
	var err error
	if rep.NoCache1, rep.NoCache1Duration, err = run(false); err != nil {
		return nil, fmt.Errorf("full-recompute run 1: %w", err)
	}
	if rep.NoCache2, rep.NoCache2Duration, err = run(false); err != nil {
		return nil, fmt.Errorf("full-recompute run 2: %w", err)
	}
	if rep.Cached, rep.CachedDuration, err = run(true); err != nil {
		return nil, fmt.Errorf("cached run: %w", err)
	}
	rep.NoCacheDuration = min(rep.NoCache1Duration, rep.NoCache2Duration)

	rep.Deterministic = firstMismatch(rep.NoCache1.Tokens, rep.NoCache2.Tokens) < 0
	rep.Mismatch = firstMismatch(rep.NoCache1.Tokens, rep.Cached.Tokens)
	rep.Equivalent = rep.Mismatch < 0
	rep.Faster = rep.CachedDuration < rep.NoCacheDuration
	return rep, nil
}

func firstMismatch(a, b []int) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	if len(a) != len(b) {
		return n
	}
	return -1
}
