package tokencount

import (
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/ai/langdetect"
	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
)

// Heuristic constants.
const (
	CharsPerToken     = 4.0
	TokensPerWord     = 1.25
	DefaultUplift     = 1.05
	TokenizerTikToken = "tiktoken"
	// TokenizerInternal selects the heuristic explicitly.
	TokenizerInternal = "internal"
)

// OpenFunc returns the tokenizer for a model id.
type OpenFunc func(model string) (domain.Tokenizer, error)

type tokenizerEntry struct {
	families []string
	open     OpenFunc
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithTokenizer registers a named tokenizer. It applies only to model ids
// containing one of families (case-insensitive).
func WithTokenizer(name string, families []string, open OpenFunc) Option {
	return func(e *Estimator) {
		lower := make([]string, 0, len(families))
		for _, f := range families {
			lower = append(lower, strings.ToLower(f))
		}
		e.tokenizers[name] = tokenizerEntry{families: lower, open: open}
	}
}

// WithLogger sets the logger used for degradation warnings. slog.Default is
// used otherwise.
func WithLogger(lg *slog.Logger) Option {
	return func(e *Estimator) { e.logger = lg }
}

// WithDetector replaces the language detector.
func WithDetector(d domain.LanguageDetector) Option {
	return func(e *Estimator) { e.detector = d }
}

// Estimator predicts the token count of a request. The tokenizer registry is
// fixed at construction.
type Estimator struct {
	tokenizers map[string]tokenizerEntry
	detector   domain.LanguageDetector
	logger     *slog.Logger
	warned     sync.Map
}

// NewEstimator builds an Estimator with the given options.
func NewEstimator(opts ...Option) *Estimator {
	e := &Estimator{
		tokenizers: map[string]tokenizerEntry{},
		detector:   langdetect.New(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewDefaultEstimator registers tiktoken for the GPT-3 and GPT-4 families.
func NewDefaultEstimator(opts ...Option) *Estimator {
	counter := NewCounter()
	base := []Option{WithTokenizer(TokenizerTikToken, []string{"gpt-3", "gpt-4"}, counter.Tokenizer)}
	return NewEstimator(append(base, opts...)...)
}

// Estimate returns ceil(count * uplift) where count comes from the named
// tokenizer when it applies to modelID, and from the heuristic otherwise.
// It never fails: an unusable tokenizer degrades to the heuristic.
func (e *Estimator) Estimate(text, modelID string, uplift float64, tokenizer string) int {
	if uplift <= 0 {
		uplift = DefaultUplift
	}
	count, ok := e.exact(text, modelID, tokenizer)
	if !ok {
		count = e.Heuristic(text)
	}
	return int(math.Ceil(count * uplift))
}

func (e *Estimator) exact(text, modelID, tokenizer string) (float64, bool) {
	if tokenizer == "" || tokenizer == TokenizerInternal {
		return 0, false
	}
	entry, ok := e.tokenizers[tokenizer]
	if !ok {
		e.warnOnce(tokenizer, "unknown tokenizer; using heuristic estimate", nil)
		return 0, false
	}
	if !entry.matches(modelID) {
		e.warnOnce(tokenizer+"|"+modelID, "tokenizer does not support model; using heuristic estimate", nil)
		return 0, false
	}
	tk, err := entry.open(modelID)
	if err != nil {
		e.warnOnce(tokenizer+"|"+modelID, "tokenizer unavailable; using heuristic estimate", err)
		return 0, false
	}
	return float64(len(tk.Encode(text))), true
}

// Heuristic counts word-like segments times TokensPerWord for languages
// written without spaces, and UTF-16 length / CharsPerToken otherwise.
func (e *Estimator) Heuristic(text string) float64 {
	lang := ""
	if e.detector != nil {
		lang = e.detector.Detect(text)
	}
	if lang != "" && langdetect.IsWordSegmented(lang) {
		return float64(langdetect.CountWords(lang, text)) * TokensPerWord
	}
	return float64(utf16Len(text)) / CharsPerToken
}

func (t tokenizerEntry) matches(modelID string) bool {
	id := strings.ToLower(modelID)
	for _, f := range t.families {
		if strings.Contains(id, f) {
			return true
		}
	}
	return false
}

func (e *Estimator) warnOnce(key, msg string, err error) {
	if _, loaded := e.warned.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	lg := e.logger
	if lg == nil {
		lg = slog.Default()
	}
	attrs := []any{slog.String("tokenizer", key)}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	lg.Warn(msg, attrs...)
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}
