package api

import "github.com/samcharles93/kvgen/internal/inference"

// GenerateRequest is the body of POST /v1/generate. Omitted fields take the
// server's defaults.
type GenerateRequest struct {
	Text               string   `json:"text"`
	ContextLength      *int     `json:"context_length,omitempty"`
	MaxGeneratedLength *int     `json:"max_generated_length,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
	TopP               *float64 `json:"top_p,omitempty"`
	TopK               *int     `json:"top_k,omitempty"`
	UseCache           *bool    `json:"use_cache,omitempty"`
	StartIndex         *int     `json:"start_index,omitempty"`
	Seed               *int64   `json:"seed,omitempty"`
	Stream             bool     `json:"stream,omitempty"`
}

func (r GenerateRequest) options() inference.RequestOptions {
	return inference.RequestOptions{
		ContextLength:      r.ContextLength,
		MaxGeneratedLength: r.MaxGeneratedLength,
		Temperature:        r.Temperature,
		TopP:               r.TopP,
		TopK:               r.TopK,
		UseCache:           r.UseCache,
		StartIndex:         r.StartIndex,
		Seed:               r.Seed,
	}
}

type Usage struct {
	PromptTokens    int `json:"prompt_tokens"`
	GeneratedTokens int `json:"generated_tokens"`
	TokensProcessed int `json:"tokens_processed"`
	ForwardCalls    int `json:"forward_calls"`
}

type GenerateResponse struct {
	ID         string  `json:"id"`
	Object     string  `json:"object"`
	CreatedAt  int64   `json:"created_at"`
	Text       string  `json:"text"`
	Tokens     []int   `json:"tokens"`
	StopReason string  `json:"stop_reason"`
	Truncated  bool    `json:"truncated"`
	UseCache   bool    `json:"use_cache"`
	Usage      Usage   `json:"usage"`
	DurationMS float64 `json:"duration_ms"`
	TPS        float64 `json:"tokens_per_second"`
}

type BatchRequest struct {
	Requests []GenerateRequest `json:"requests"`
	Parallel int               `json:"parallel,omitempty"`
}

type BatchResponse struct {
	Object  string             `json:"object"`
	Results []GenerateResponse `json:"results"`
}

type ModelResponse struct {
	Object    string `json:"object"`
	Name      string `json:"name"`
	NumLayers int    `json:"num_layers"`
	KVWidth   int    `json:"kv_width"`
	MaxSeqLen int    `json:"max_seq_len"`
	VocabSize int    `json:"vocab_size"`
	Config    any    `json:"config,omitempty"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

type tokenEvent struct {
	Type           string `json:"type"`
	ID             int    `json:"id"`
	Piece          string `json:"piece"`
	SequenceNumber int    `json:"sequence_number"`
}

type doneEvent struct {
	Type           string            `json:"type"`
	Response       *GenerateResponse `json:"response,omitempty"`
	Error          *ErrorBody        `json:"error,omitempty"`
	SequenceNumber int               `json:"sequence_number"`
}
