package inference

import "math"

// Unbounded as MaxGeneratedLength generates until EOS or the context window
// is full.
const Unbounded = -1

// Request is an immutable generation configuration.
type Request struct {
	// ContextLength caps how many source tokens, starting at StartIndex,
	// are used to prime the session.
	ContextLength      int
	MaxGeneratedLength int
	Temperature        float64
	TopP               float64
	TopK               int
	UseCache           bool
	StartIndex         int
	Seed               int64
}

// Validate checks field ranges. It does not look at the model; see
// Engine.Feasible for that.
func (r Request) Validate() error {
	switch {
	case r.ContextLength <= 0:
		return newInvalidRequest("context_length", "must be positive, got %d", r.ContextLength)
	case r.MaxGeneratedLength < Unbounded:
		return newInvalidRequest("max_generated_length", "must be >= 0 or %d for unbounded, got %d", Unbounded, r.MaxGeneratedLength)
	case r.Temperature < 0 || math.IsNaN(r.Temperature) || math.IsInf(r.Temperature, 0):
		return newInvalidRequest("temperature", "must be a finite value >= 0, got %v", r.Temperature)
	case !(r.TopP > 0 && r.TopP <= 1):
		return newInvalidRequest("top_p", "must be in (0, 1], got %v", r.TopP)
	case r.TopK < 0:
		return newInvalidRequest("top_k", "must be >= 0, got %d", r.TopK)
	case r.StartIndex < 0:
		return newInvalidRequest("start_index", "must be >= 0, got %d", r.StartIndex)
	}
	return nil
}

// RequestOptions are caller overrides. Nil fields fall back to defaults.
type RequestOptions struct {
	ContextLength      *int
	MaxGeneratedLength *int
	Temperature        *float64
	TopP               *float64
	TopK               *int
	UseCache           *bool
	StartIndex         *int
	Seed               *int64
}

// GenDefaults are deployment-wide defaults, typically from the config file.
type GenDefaults struct {
	ContextLength      *int
	MaxGeneratedLength *int
	Temperature        *float64
	TopP               *float64
	TopK               *int
	UseCache           *bool
}

func ResolveRequest(opts RequestOptions, defaults GenDefaults) Request {
	req := Request{
		ContextLength:      256,
		MaxGeneratedLength: 64,
		Temperature:        0,
		TopP:               1,
		TopK:               0,
		UseCache:           true,
		StartIndex:         0,
		Seed:               0,
	}

	if defaults.ContextLength != nil && *defaults.ContextLength > 0 {
		req.ContextLength = *defaults.ContextLength
	}
	if defaults.MaxGeneratedLength != nil && *defaults.MaxGeneratedLength >= Unbounded {
		req.MaxGeneratedLength = *defaults.MaxGeneratedLength
	}
	if defaults.Temperature != nil && *defaults.Temperature >= 0 {
		req.Temperature = *defaults.Temperature
	}
	if defaults.TopP != nil && *defaults.TopP > 0 && *defaults.TopP <= 1 {
		req.TopP = *defaults.TopP
	}
	if defaults.TopK != nil && *defaults.TopK >= 0 {
		req.TopK = *defaults.TopK
	}
	if defaults.UseCache != nil {
		req.UseCache = *defaults.UseCache
	}

	if opts.ContextLength != nil {
		req.ContextLength = *opts.ContextLength
	}
	if opts.MaxGeneratedLength != nil {
		req.MaxGeneratedLength = *opts.MaxGeneratedLength
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.TopP != nil {
		req.TopP = *opts.TopP
	}
	if opts.TopK != nil {
		req.TopK = *opts.TopK
	}
	if opts.UseCache != nil {
		req.UseCache = *opts.UseCache
	}
	if opts.StartIndex != nil {
		req.StartIndex = *opts.StartIndex
	}
	if opts.Seed != nil {
		req.Seed = *opts.Seed
	}

	return req
}

// BuildPrime selects the priming window of source for req.
func BuildPrime(source []int, req Request) ([]int, error) {
	if req.StartIndex >= len(source) {
		return nil, newInvalidRequest("start_index", "%d is past the end of a %d-token source", req.StartIndex, len(source))
	}
	end := min(req.StartIndex+req.ContextLength, len(source))
	return source[req.StartIndex:end], nil
}
