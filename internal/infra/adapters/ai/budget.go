package ai

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackEncoding is used for models tiktoken does not know (Gemini, Metis aliases).
const fallbackEncoding = "cl100k_base"

// TokenBudget trims generation input to a maximum number of prompt tokens.
type TokenBudget struct {
	max int

	mu   sync.Mutex
	encs map[string]*tiktoken.Tiktoken
}

func NewTokenBudget(maxTokens int) *TokenBudget {
	return &TokenBudget{max: maxTokens, encs: make(map[string]*tiktoken.Tiktoken)}
}

// Fit returns text cut to the budget, its token count and whether it was cut. When no
// encoding can be loaded it estimates four characters per token.
func (b *TokenBudget) Fit(model, text string) (string, int, bool) {
	enc := b.encoding(model)
	if enc == nil {
		return b.estimate(text)
	}
	toks := enc.Encode(text, nil, nil)
	if b.max <= 0 || len(toks) <= b.max {
		return text, len(toks), false
	}
	return enc.Decode(toks[:b.max]), b.max, true
}

func (b *TokenBudget) estimate(text string) (string, int, bool) {
	n := utf8.RuneCountInString(text)
	tokens := (n + 3) / 4
	if b.max <= 0 || tokens <= b.max {
		return text, tokens, false
	}
	runes := []rune(text)
	return string(runes[:b.max*4]), b.max, true
}

func (b *TokenBudget) encoding(model string) *tiktoken.Tiktoken {
	b.mu.Lock()
	defer b.mu.Unlock()
	if enc, ok := b.encs[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		enc = nil
	}
	b.encs[model] = enc
	return enc
}
