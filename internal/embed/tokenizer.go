package embed

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxSequenceLength is the MiniLM context size in tokens, including
// [CLS] and [SEP].
const maxSequenceLength = 128

// Tokenizer is a BERT-style uncased WordPiece tokenizer loaded from a
// HuggingFace tokenizer.json.
type Tokenizer struct {
	vocab    map[string]int
	clsToken int64
	sepToken int64
	unkToken int64
	padToken int64
}

// LoadTokenizer reads tokenizer.json at path.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer: %w", err)
	}
	var tokenizerData struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &tokenizerData); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer: %w", err)
	}
	if len(tokenizerData.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has no vocabulary", path)
	}
	return NewTokenizer(tokenizerData.Model.Vocab), nil
}

// NewTokenizer builds a tokenizer over vocab. Special tokens default to the
// bert-base-uncased ids when the vocabulary does not name them.
func NewTokenizer(vocab map[string]int) *Tokenizer {
	special := func(token string, fallback int64) int64 {
		if id, ok := vocab[token]; ok {
			return int64(id)
		}
		return fallback
	}
	return &Tokenizer{
		vocab:    vocab,
		clsToken: special("[CLS]", 101),
		sepToken: special("[SEP]", 102),
		unkToken: special("[UNK]", 100),
		padToken: special("[PAD]", 0),
	}
}

// Encode returns [CLS] tokens [SEP], truncated to maxSequenceLength.
func (t *Tokenizer) Encode(text string) []int64 {
	ids := []int64{t.clsToken}
	for _, word := range basicTokens(text) {
		for _, piece := range t.wordPiece(word) {
			if len(ids) == maxSequenceLength-1 {
				return append(ids, t.sepToken)
			}
			ids = append(ids, piece)
		}
	}
	return append(ids, t.sepToken)
}

// basicTokens lowercases, strips accents, splits on whitespace and splits
// punctuation and CJK ideographs into single-character tokens.
func basicTokens(text string) []string {
	lowered := strings.ToLower(text)
	// NFD, then drop nonspacing marks. Chains carry state, so build one per call.
	stripAccents := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	if stripped, _, err := transform.String(stripAccents, lowered); err == nil {
		lowered = stripped
	}
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range lowered {
		switch {
		case unicode.IsSpace(r) || unicode.IsControl(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || isCJK(r):
			flush()
			tokens = append(tokens, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// isCJK matches the CJK Unified Ideograph blocks BERT splits per character.
func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF,
		r >= 0x3400 && r <= 0x4DBF,
		r >= 0x20000 && r <= 0x2A6DF,
		r >= 0x2A700 && r <= 0x2B73F,
		r >= 0x2B740 && r <= 0x2B81F,
		r >= 0x2B820 && r <= 0x2CEAF,
		r >= 0xF900 && r <= 0xFAFF,
		r >= 0x2F800 && r <= 0x2FA1F:
		return true
	}
	return false
}

// wordPiece splits word into the longest matching vocabulary pieces. A word
// with any unmatched span becomes a single [UNK].
func (t *Tokenizer) wordPiece(word string) []int64 {
	if id, ok := t.vocab[word]; ok {
		return []int64{int64(id)}
	}
	runes := []rune(word)
	var pieces []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		matched := false
		for end > start {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := t.vocab[sub]; ok {
				pieces = append(pieces, int64(id))
				matched = true
				break
			}
			end--
		}
		if !matched {
			return []int64{t.unkToken}
		}
		start = end
	}
	return pieces
}
