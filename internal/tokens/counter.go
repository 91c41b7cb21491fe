// Package tokens provides model-aware token counting for context budgeting.
package tokens

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackCharsPerToken is the character-ratio estimate used when no
// tokenizer is available for the model.
const fallbackCharsPerToken = 3.5

// Counter maps text to token counts for a specific model. When a tiktoken
// encoding exists for the model it is used; otherwise a character-ratio
// estimate applies. The ratio can be calibrated from observed prompt usage.
type Counter struct {
	model    string
	encoding *tiktoken.Tiktoken // nil → ratio estimate

	mu    sync.RWMutex
	ratio float64 // chars per token for the fallback path
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// NewCounter creates a counter for the given model. Construction never fails:
// models without a known encoding fall back to the ratio estimate.
func NewCounter(model string) *Counter {
	c := &Counter{model: model, ratio: fallbackCharsPerToken}

	cacheMu.Lock()
	defer cacheMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		c.encoding = enc
		return c
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Anthropic and other non-OpenAI models approximate well with cl100k_base.
		enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err != nil {
			return c
		}
	}
	encodingCache[model] = enc
	c.encoding = enc
	return c
}

// Model returns the model name this counter was built for.
func (c *Counter) Model() string { return c.model }

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.encoding != nil {
		return len(c.encoding.Encode(text, nil, nil))
	}
	c.mu.RLock()
	ratio := c.ratio
	c.mu.RUnlock()
	n := int(float64(len(text)) / ratio)
	if n == 0 {
		n = 1
	}
	return n
}

// CountJSON serializes v compactly and counts the result. Used for estimating
// the context cost of tool results before they are appended.
func (c *Counter) CountJSON(v interface{}) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return c.Count(string(data))
}

// Calibrate adjusts the fallback ratio from an observed (chars, tokens) pair,
// typically the provider-reported prompt size of the last request. It has no
// effect when a real tokenizer is in use.
func (c *Counter) Calibrate(chars, tokens int) {
	if c.encoding != nil || chars <= 0 || tokens <= 0 {
		return
	}
	observed := float64(chars) / float64(tokens)
	// Clamp to a sane band so one odd response can't skew all estimates.
	if observed < 1.5 {
		observed = 1.5
	}
	if observed > 8 {
		observed = 8
	}
	c.mu.Lock()
	// Blend rather than replace: smooths out per-request variance.
	c.ratio = (c.ratio + observed) / 2
	c.mu.Unlock()
}
