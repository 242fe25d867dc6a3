// Package tokens estimates prompt sizes for chat payloads so callers
// can budget context windows before sending a request.
package tokens

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates the framing tokens each chat message
// costs beyond its content.
const perMessageOverhead = 4

// Estimator counts tokens with tiktoken, caching codecs per encoding.
// The hosted models are not OpenAI models, so counts are estimates;
// cl100k_base tracks them closely enough for budgeting.
type Estimator struct {
	mu    sync.RWMutex
	cache map[tokenizer.Encoding]tokenizer.Codec
}

// NewEstimator creates an Estimator.
func NewEstimator() *Estimator {
	return &Estimator{cache: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

func (e *Estimator) codec(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	e.mu.RLock()
	if c, ok := e.cache[enc]; ok {
		e.mu.RUnlock()
		return c, nil
	}
	e.mu.RUnlock()

	c, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("get tokenizer encoding %s: %w", enc, err)
	}

	e.mu.Lock()
	e.cache[enc] = c
	e.mu.Unlock()
	return c, nil
}

// CountText returns the token count of a single string.
func (e *Estimator) CountText(text string) (int, error) {
	c, err := e.codec(tokenizer.Cl100kBase)
	if err != nil {
		return 0, err
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("encode text: %w", err)
	}
	return len(ids), nil
}

// Message is the minimal chat message shape the estimator needs.
type Message struct {
	Role    string
	Content string
}

// CountMessages estimates the prompt cost of a message list, including
// per-message framing overhead.
func (e *Estimator) CountMessages(msgs []Message) (int, error) {
	total := 0
	for _, m := range msgs {
		n, err := e.CountText(m.Role + m.Content)
		if err != nil {
			return 0, err
		}
		total += n + perMessageOverhead
	}
	return total, nil
}
