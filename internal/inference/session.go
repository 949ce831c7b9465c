package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/kvgen/internal/logits"
	"github.com/samcharles93/kvgen/internal/metrics"
)

// State is the phase of a generation session.
type State int

const (
	StatePriming State = iota
	StateGenerating
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePriming:
		return "priming"
	case StateGenerating:
		return "generating"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type StopReason string

const (
	StopNone        StopReason = ""
	StopMaxLength   StopReason = "max_length"
	StopEOS         StopReason = "eos"
	StopContextFull StopReason = "context_full"
)

type Stats struct {
	PromptTokens    int `json:"prompt_tokens"`
	TokensGenerated int `json:"tokens_generated"`
	// ForwardCalls and TokensProcessed count model work: a cached session
	// processes each position once, a full-recompute one re-runs the prefix.
	ForwardCalls    int           `json:"forward_calls"`
	TokensProcessed int           `json:"tokens_processed"`
	PrimeDuration   time.Duration `json:"prime_duration_ns"`
	Duration        time.Duration `json:"duration_ns"`
	TPS             float64       `json:"tokens_per_second"`
}

type Result struct {
	ID     string `json:"id"`
	Prompt []int  `json:"prompt"`
	// Tokens are the generated ids, ending with EOS when it was sampled.
	Tokens     []int      `json:"tokens"`
	Text       string     `json:"text"`
	StopReason StopReason `json:"stop_reason"`
	Stats      Stats      `json:"stats"`
}

// Truncated reports that the context window filled before EOS or the
// requested length.
func (r *Result) Truncated() bool {
	return r.StopReason == StopContextFull
}

// Step describes the session right after one forward step.
type Step struct {
	Session string
	State   State
	SeqLen  int
	Fed     int
	// LayerLens are the per-layer cache lengths; nil in full-recompute mode.
	LayerLens []int
}

// session is one PRIMING -> GENERATING -> STOPPED run. It owns its stepper
// (and therefore its cache) and its sampler.
type session struct {
	id        string
	req       Request
	maxSeqLen int
	eos       int
	stepper   stepper
	sampler   *logits.Sampler
	metrics   *metrics.Recorder
	observe   func(Step)
	onToken   func(id int)

	state  State
	seq    []int
	prompt int
	logits []float32
	stop   StopReason
	stats  Stats
}

func (s *session) run(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.stats.Duration = time.Since(start)
		if secs := s.stats.Duration.Seconds(); secs > 0 {
			s.stats.TPS = float64(s.stats.TokensGenerated) / secs
		}
	}()

	for s.state != StateStopped {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch s.state {
		case StatePriming:
			if err := s.forward("prime"); err != nil {
				return err
			}
			s.stats.PrimeDuration = time.Since(start)
			switch {
			case s.req.MaxGeneratedLength == 0:
				s.finish(StopMaxLength)
			case len(s.seq) >= s.maxSeqLen:
				s.finish(StopContextFull)
			default:
				s.state = StateGenerating
			}
		case StateGenerating:
			next := s.sampler.Sample(s.logits)
			s.seq = append(s.seq, next)
			s.stats.TokensGenerated++
			if s.onToken != nil {
				s.onToken(next)
			}
			if reason := s.stopReason(next); reason != StopNone {
				s.finish(reason)
				continue
			}
			if err := s.forward("decode"); err != nil {
				return err
			}
		}
	}
	return nil
}

// stopReason checks, in order: EOS, requested length, context window.
func (s *session) stopReason(last int) StopReason {
	switch {
	case last == s.eos:
		return StopEOS
	case s.req.MaxGeneratedLength != Unbounded && s.stats.TokensGenerated >= s.req.MaxGeneratedLength:
		return StopMaxLength
	case len(s.seq) >= s.maxSeqLen:
		return StopContextFull
	}
	return StopNone
}

func (s *session) forward(phase string) error {
	t0 := time.Now()
	out, fed, err := safeStep(s.stepper, s.seq)
	if err != nil {
		return fmt.Errorf("%s step at %d tokens: %w", phase, len(s.seq), err)
	}
	s.metrics.ObserveForward(s.stepper.mode(), phase, fed, time.Since(t0))
	s.logits = out
	s.stats.ForwardCalls++
	s.stats.TokensProcessed += fed
	if s.observe != nil {
		s.observe(Step{
			Session:   s.id,
			State:     s.state,
			SeqLen:    len(s.seq),
			Fed:       fed,
			LayerLens: s.stepper.layerLens(),
		})
	}
	return nil
}

func (s *session) finish(reason StopReason) {
	s.stop = reason
	s.state = StateStopped
}

// safeStep turns a panic from a cache or model contract violation into an
// error so one broken session cannot take down a server.
func safeStep(st stepper, seq []int) (out []float32, fed int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic in forward step: %v", ErrPrecondition, rec)
		}
	}()
	return st.step(seq)
}
