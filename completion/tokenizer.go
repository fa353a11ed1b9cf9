package completion

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/creastat/tutoring"
)

// Tokenizer counts tokens with tiktoken, falling back to tutoring.EstimateTokens
// when the encoding cannot be loaded (offline hosts without a BPE cache).
type Tokenizer struct {
	encoder      *tiktoken.Tiktoken
	encodingName string
	mu           sync.Mutex
}

var (
	defaultTokenizer     *Tokenizer
	defaultTokenizerOnce sync.Once
)

// DefaultTokenizer returns the shared cl100k_base tokenizer.
func DefaultTokenizer() *Tokenizer {
	defaultTokenizerOnce.Do(func() {
		defaultTokenizer = NewTokenizer("cl100k_base")
	})
	return defaultTokenizer
}

// NewTokenizer loads the named encoding.
func NewTokenizer(encodingName string) *Tokenizer {
	t := &Tokenizer{encodingName: encodingName}
	if enc, err := tiktoken.GetEncoding(encodingName); err == nil {
		t.encoder = enc
	}
	return t
}

// NewTokenizerForModel picks the encoding used by model.
func NewTokenizerForModel(model string) *Tokenizer {
	return NewTokenizer(modelToEncoding(model))
}

// IsPrecise reports whether tiktoken is in use.
func (t *Tokenizer) IsPrecise() bool {
	return t.encoder != nil
}

// CountText returns the token count of text.
func (t *Tokenizer) CountText(text string) int {
	if text == "" {
		return 0
	}
	if t.encoder == nil {
		return tutoring.EstimateTokens(text)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.encoder.Encode(text, nil, nil))
}

// CountPrompt returns the token count of a prompt including per-message overhead.
func (t *Tokenizer) CountPrompt(msgs []PromptMessage) int {
	total := 0
	for _, m := range msgs {
		total += 4 + t.CountText(string(m.Role)) + t.CountText(m.Content)
	}
	return total
}

func modelToEncoding(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return "o200k_base"
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "gpt-4.1"), strings.HasPrefix(m, "chatgpt-4o"):
		return "o200k_base"
	default:
		return "cl100k_base"
	}
}
