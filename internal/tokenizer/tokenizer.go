// Package tokenizer maps text to token ids and back.
package tokenizer

// Tokenizer is the fixed-vocabulary text codec the generation engine uses.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	VocabSize() int
	// EOS is the end-of-sequence id; sampling it stops generation.
	EOS() int
}
