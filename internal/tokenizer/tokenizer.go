package tokenizer

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts prompt tokens for routing decisions.
type Counter interface {
	CountTokens(text string) (int, error)
}

// modelEncodings maps model name prefixes to tiktoken encodings.
// Non-OpenAI vendors have no published BPE; cl100k_base is close enough
// for threshold routing.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4.1":       "o200k_base",
	"o1":            "o200k_base",
	"o3":            "o200k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

const defaultEncoding = "cl100k_base"

// EncodingForModel resolves the tiktoken encoding for a model name,
// matching by prefix and defaulting to cl100k_base.
func EncodingForModel(model string) string {
	if enc, ok := modelEncodings[model]; ok {
		return enc
	}
	for prefix, enc := range modelEncodings {
		if strings.HasPrefix(model, prefix) {
			return enc
		}
	}
	return defaultEncoding
}

// Tiktoken is a BPE-backed counter. Encoding data is fetched lazily on
// first use; a failed init surfaces as an error from CountTokens so the
// caller can degrade.
type Tiktoken struct {
	encoding string

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTiktoken creates a counter for the given model.
func NewTiktoken(model string) *Tiktoken {
	return &Tiktoken{encoding: EncodingForModel(model)}
}

func (t *Tiktoken) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *Tiktoken) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	if text == "" {
		return 0, nil
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// Estimator is a character-ratio fallback counter. CJK runs ~1.5
// chars/token, everything else ~4.
type Estimator struct{}

func (Estimator) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	totalChars := utf8.RuneCountInString(text)
	cjkCount := 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjkCount++
		}
	}
	estimated := int(float64(cjkCount)/1.5 + float64(totalChars-cjkCount)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

// ForModel returns the configured counter kind for a model.
// kind "estimate" skips BPE entirely; anything else is tiktoken-backed.
func ForModel(model, kind string) Counter {
	if kind == "estimate" {
		return Estimator{}
	}
	return NewTiktoken(model)
}
