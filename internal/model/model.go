package model

import (
	"errors"

	"github.com/samcharles93/kvgen/internal/kvcache"
)

var (
	ErrTokenOutOfRange = errors.New("token id out of range")
	ErrContextLength   = errors.New("context length exceeded")
	ErrCacheShape      = errors.New("cache shape does not match model")
)

// Limits are the model dimensions a generation loop needs to size its cache
// and check feasibility.
type Limits struct {
	NumLayers int
	KVWidth   int
	MaxSeqLen int
	VocabSize int
}

// Model is a loaded set of weights shared read-only by any number of
// sessions.
type Model interface {
	Limits() Limits
	// NewForwarder returns an evaluator with its own scratch buffers.
	NewForwarder() Forwarder
}

// Forwarder runs the transformer over new tokens. It is not safe for
// concurrent use.
type Forwarder interface {
	// Forward processes tokens at positions cache.Len() onward, extends every
	// layer of cache with their keys and values, and returns the logits for
	// the last token. The returned slice is overwritten by the next call.
	Forward(cache *kvcache.Cache, tokens []int) ([]float32, error)
}
