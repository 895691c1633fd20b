// Package tokencount estimates request sizes for LLM calls.
//
// Exact counts come from tiktoken-go, a Go port of OpenAI's tiktoken, for
// model families it knows. Everything else uses a language-aware heuristic.
package tokencount

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
)

// BPE encodings known to tiktoken.
const (
	EncodingO200K  = "o200k_base"
	EncodingCL100K = "cl100k_base"
	EncodingP50K   = "p50k_base"
)

var loaderOnce sync.Once

// useOfflineBPE makes tiktoken read its BPE ranks from the embedded copies
// instead of downloading them.
func useOfflineBPE() {
	loaderOnce.Do(func() { tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader()) })
}

// Counter hands out tiktoken encodings by model id. Each encoding is loaded
// once, on first use.
type Counter struct {
	encodings map[string]func() (*tiktoken.Tiktoken, error)
}

// NewCounter creates a Counter backed by the embedded BPE files.
func NewCounter() *Counter {
	useOfflineBPE()
	c := &Counter{encodings: map[string]func() (*tiktoken.Tiktoken, error){}}
	for _, name := range []string{EncodingO200K, EncodingCL100K, EncodingP50K} {
		c.encodings[name] = sync.OnceValues(func() (*tiktoken.Tiktoken, error) {
			return tiktoken.GetEncoding(name)
		})
	}
	return c
}

// EncodingFor names the encoding used by a model id. Provider prefixes such
// as "openai/" are ignored and unknown models get cl100k_base.
func EncodingFor(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return EncodingO200K
	case strings.Contains(model, "davinci"), strings.HasPrefix(model, "gpt-3") && !strings.HasPrefix(model, "gpt-3.5"):
		return EncodingP50K
	default:
		return EncodingCL100K
	}
}

func (c *Counter) encoding(model string) (*tiktoken.Tiktoken, error) {
	name := EncodingFor(model)
	enc, err := c.encodings[name]()
	if err == nil || name == EncodingCL100K {
		return enc, err
	}
	slog.Debug("encoding unavailable; using cl100k_base",
		slog.String("model", model), slog.String("encoding", name), slog.Any("error", err))
	return c.encodings[EncodingCL100K]()
}

// CountTokens counts the tokens of text under model's encoding.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.encoding(model)
	if err != nil {
		return 0, fmt.Errorf("op=tokencount.Count model=%s: %w", model, err)
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// Tokenizer returns model's encoding as a domain.Tokenizer.
func (c *Counter) Tokenizer(model string) (domain.Tokenizer, error) {
	enc, err := c.encoding(model)
	if err != nil {
		return nil, fmt.Errorf("op=tokencount.Tokenizer model=%s: %w", model, err)
	}
	return encoding{enc: enc}, nil
}

type encoding struct{ enc *tiktoken.Tiktoken }

func (e encoding) Encode(text string) []int { return e.enc.Encode(text, nil, nil) }
