// Package tokens estimates prompt sizes for chat completion requests.
package tokens

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Per-message overhead for chat models, following OpenAI's cookbook:
// 3 tokens per message, 1 for the role, and 3 to prime the assistant reply.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	replyPriming     = 3
)

// Counter counts prompt tokens with tiktoken encodings.
// It is safe for concurrent use.
type Counter struct {
	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewCounter creates a Counter with an empty codec cache.
func NewCounter() *Counter {
	return &Counter{codecs: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// CountMessages estimates the prompt size of a chat "messages" array for model.
// Entries that are not objects are ignored.
func (c *Counter) CountMessages(model string, messages []any) (int, error) {
	codec, err := c.codec(EncodingFor(model))
	if err != nil {
		return 0, err
	}

	total := 0
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		total += tokensPerMessage + tokensPerRole

		if name, ok := msg["name"].(string); ok {
			total += count(codec, name)
		}
		total += countContent(codec, msg["content"])

		if calls, ok := msg["tool_calls"]; ok {
			raw, err := json.Marshal(calls)
			if err == nil {
				total += count(codec, string(raw))
			}
		}
	}
	return total + replyPriming, nil
}

func countContent(codec tokenizer.Codec, content any) int {
	switch v := content.(type) {
	case string:
		return count(codec, v)
	case []any:
		n := 0
		for _, part := range v {
			p, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := p["text"].(string); ok {
				n += count(codec, text)
			}
		}
		return n
	default:
		return 0
	}
}

func count(codec tokenizer.Codec, s string) int {
	if s == "" {
		return 0
	}
	ids, _, _ := codec.Encode(s)
	return len(ids)
}

func (c *Counter) codec(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	c.mu.RLock()
	cached, ok := c.codecs[enc]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer encoding %s: %w", enc, err)
	}

	c.mu.Lock()
	c.codecs[enc] = codec
	c.mu.Unlock()
	return codec, nil
}

// EncodingFor maps a model name to its tiktoken encoding.
// Unknown models use o200k_base, the encoding of current OpenAI models.
func EncodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"), strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-35"),
		strings.HasPrefix(model, "gpt-3.5"), strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	case strings.HasPrefix(model, "text-davinci"):
		return tokenizer.P50kBase
	default:
		return tokenizer.O200kBase
	}
}
