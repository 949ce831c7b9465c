package tokenizer

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	EndOfText = "<|endoftext|>"
	Padding   = "<|padding|>"
	Unknown   = "<unk>"
	BOS       = "<|bos|>"
	Sep       = "<|sep|>"
	CLS       = "<|cls|>"
	Mask      = "<|mask|>"
)

// Specials are the reserved tokens, in id order, that precede the alphabet
// of every CharTokenizer.
var Specials = []string{EndOfText, Padding, Unknown, BOS, Sep, CLS, Mask}

const (
	eosID = 0
	unkID = 2
)

// CharTokenizer has one token per character (or per byte) after the
// special tokens. ids below len(Specials) are special.
type CharTokenizer struct {
	byteLevel bool
	runes     []rune
	ids       map[rune]int
}

// NewCharacter builds a tokenizer over the distinct runes of alphabet, in
// order of first appearance.
func NewCharacter(alphabet string) (*CharTokenizer, error) {
	if !utf8.ValidString(alphabet) {
		return nil, fmt.Errorf("tokenizer: alphabet is not valid UTF-8")
	}
	t := &CharTokenizer{ids: make(map[rune]int)}
	for _, r := range alphabet {
		if _, dup := t.ids[r]; dup {
			continue
		}
		t.ids[r] = len(Specials) + len(t.runes)
		t.runes = append(t.runes, r)
	}
	if len(t.runes) == 0 {
		return nil, fmt.Errorf("tokenizer: empty alphabet")
	}
	return t, nil
}

// NewByte builds a tokenizer over all 256 byte values. Any input encodes
// without loss.
func NewByte() *CharTokenizer {
	return &CharTokenizer{byteLevel: true}
}

func (t *CharTokenizer) VocabSize() int {
	if t.byteLevel {
		return len(Specials) + 256
	}
	return len(Specials) + len(t.runes)
}

func (t *CharTokenizer) EOS() int { return eosID }

// Encode never fails for the byte tokenizer. The character tokenizer maps
// runes outside its alphabet to <unk>.
func (t *CharTokenizer) Encode(text string) ([]int, error) {
	if t.byteLevel {
		ids := make([]int, len(text))
		for i := 0; i < len(text); i++ {
			ids[i] = len(Specials) + int(text[i])
		}
		return ids, nil
	}
	ids := make([]int, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		id, ok := t.ids[r]
		if !ok {
			id = unkID
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Decode skips special tokens. Ids outside the vocabulary are an error.
func (t *CharTokenizer) Decode(ids []int) (string, error) {
	var sb strings.Builder
	var raw []byte
	for _, id := range ids {
		if id < 0 || id >= t.VocabSize() {
			return "", fmt.Errorf("tokenizer: id %d out of range [0,%d)", id, t.VocabSize())
		}
		if id < len(Specials) {
			continue
		}
		if t.byteLevel {
			raw = append(raw, byte(id-len(Specials)))
			continue
		}
		sb.WriteRune(t.runes[id-len(Specials)])
	}
	if t.byteLevel {
		return string(raw), nil
	}
	return sb.String(), nil
}

// IsSpecial reports whether id is one of the reserved tokens.
func (t *CharTokenizer) IsSpecial(id int) bool {
	return id >= 0 && id < len(Specials)
}

// Token returns the printable form of id.
func (t *CharTokenizer) Token(id int) string {
	switch {
	case id < 0 || id >= t.VocabSize():
		return ""
	case id < len(Specials):
		return Specials[id]
	case t.byteLevel:
		return fmt.Sprintf("<0x%02X>", id-len(Specials))
	default:
		return string(t.runes[id-len(Specials)])
	}
}
