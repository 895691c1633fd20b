package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrInternal          = errors.New("internal error")

	// Call failure kinds. Every failed dispatch wraps exactly one of these.
	ErrValidation     = errors.New("request validation failed")
	ErrTemplate       = errors.New("prompt template error")
	ErrTransport      = errors.New("transport error")
	ErrRetryExhausted = errors.New("retries exhausted")
	ErrResponseShape  = errors.New("unexpected response shape")
)

// PromptMarker is the reserved placeholder replaced by the prompt during
// marker substitution.
const PromptMarker = "${__PROMPT__}"

// ModelProfile is the resolved, read-only configuration for one model.
// Zero values mean "use the default".
type ModelProfile struct {
	Name string `yaml:"name" json:"name"`
	// Request is the payload template. It contains PromptMarker once, or
	// RequestContentPath names where the prompt is written.
	Request            map[string]any `yaml:"request" json:"request"`
	RequestContentPath string         `yaml:"request_content_path" json:"request_content_path,omitempty"`
	// MaxTokens is the input token ceiling; defaults to request.max_tokens.
	MaxTokens            int           `yaml:"max_tokens" json:"max_tokens,omitempty"`
	Tokenizer            string        `yaml:"tokenizer" json:"tokenizer,omitempty"`
	TokenUplift          float64       `yaml:"token_uplift" json:"token_uplift,omitempty"`
	MaxRequestsPerSecond float64       `yaml:"max_requests_per_second" json:"max_requests_per_second,omitempty"`
	Driver               Driver        `yaml:"driver" json:"driver"`
	Retry                RetryPolicy   `yaml:"retry" json:"retry"`
	Response             ResponsePaths `yaml:"response" json:"response"`
	Split                SplitParams   `yaml:"split" json:"split"`
	Samples              SampleMode    `yaml:"samples" json:"samples"`
}

// Driver describes the upstream endpoint and how to authenticate against it.
type Driver struct {
	Scheme string `yaml:"scheme" json:"scheme"`
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Path   string `yaml:"path" json:"path"`
	// Auth is "bearer" (default) or "basic".
	Auth string `yaml:"auth" json:"auth,omitempty"`
	// APIKeyHeader, when set, also carries the credential (e.g. x-api-key).
	APIKeyHeader string `yaml:"api_key_header" json:"api_key_header,omitempty"`
	// CredentialEnv names the env variable used when a call has no credential.
	CredentialEnv string `yaml:"credential_env" json:"credential_env,omitempty"`
}

// URL builds the endpoint URL. The port is omitted when zero.
func (d Driver) URL() string {
	scheme := d.Scheme
	if scheme == "" {
		scheme = "https"
	}
	path := d.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if d.Port == 0 {
		return fmt.Sprintf("%s://%s%s", scheme, d.Host, path)
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, d.Host, d.Port, path)
}

// AuthorizationHeader returns the Authorization header value for credential.
func (d Driver) AuthorizationHeader(credential string) string {
	if strings.EqualFold(d.Auth, "basic") {
		return "Basic " + credential
	}
	return "Bearer " + credential
}

// ResponsePaths locate fields in the upstream response body (gjson syntax).
type ResponsePaths struct {
	ContentPath      string   `yaml:"content_path" json:"content_path"`
	FinishReasonPath string   `yaml:"finish_reason_path" json:"finish_reason_path,omitempty"`
	OKFinishReasons  []string `yaml:"ok_finish_reasons" json:"ok_finish_reasons,omitempty"`
	CostPath         string   `yaml:"cost_path" json:"cost_path,omitempty"`
}

// SplitParams are per-language chunking parameters keyed by ISO 639-1 code,
// with "*" as the fallback entry.
type SplitParams struct {
	ChunkSize  map[string]int      `yaml:"chunk_size" json:"chunk_size,omitempty"`
	Overlap    map[string]int      `yaml:"overlap" json:"overlap,omitempty"`
	Separators map[string][]string `yaml:"separators" json:"separators,omitempty"`
	Joiners    map[string][]string `yaml:"joiners" json:"joiners,omitempty"`
}

// Wildcard is the fallback key for language maps and the any-status retry code.
const Wildcard = "*"

func pickLang[T any](m map[string]T, lang string) (T, bool) {
	if v, ok := m[lang]; ok {
		return v, true
	}
	v, ok := m[Wildcard]
	return v, ok
}

// ChunkSizeFor returns the chunk size for lang, or 0 when none is configured.
func (s SplitParams) ChunkSizeFor(lang string) int {
	v, _ := pickLang(s.ChunkSize, lang)
	return v
}

// OverlapFor returns the chunk overlap for lang.
func (s SplitParams) OverlapFor(lang string) int {
	v, _ := pickLang(s.Overlap, lang)
	return v
}

// SeparatorsFor returns the separators for lang.
func (s SplitParams) SeparatorsFor(lang string) []string {
	v, _ := pickLang(s.Separators, lang)
	return v
}

// JoinerFor returns the first joiner configured for lang, or a single space.
func (s SplitParams) JoinerFor(lang string) string {
	if v, ok := pickLang(s.Joiners, lang); ok && len(v) > 0 {
		return v[0]
	}
	return " "
}

// SampleMode replaces the network call with a canned response.
type SampleMode struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Response is a file name under the responses directory or a
	// "fixture(name), arg1, arg2" directive.
	Response string `yaml:"response" json:"response,omitempty"`
}

// CallRequest is the input to one dispatch.
type CallRequest struct {
	// Data feeds prompt rendering.
	Data map[string]any
	// Prompt is an inline prompt template. PromptFile, when set, wins.
	Prompt     string
	PromptFile string
	Credential string
	// Model is resolved through the catalog with Overrides unless Profile is set.
	Model     string
	Overrides map[string]any
	Profile   *ModelProfile
	// SkipRender sends the prompt text as-is.
	SkipRender    bool
	ForceQuietLog bool
}

// CallResult is the validated content of a successful call.
type CallResult struct {
	Content    string   `json:"content"`
	CostMetric *float64 `json:"cost_metric,omitempty"`
}

// Payload is the structured document sent upstream.
type Payload = map[string]any

// Tokenizer (port) encodes text into token ids.
type Tokenizer interface {
	Encode(text string) []int
}

// LanguageDetector (port) returns an ISO 639-1 code, or "" when unknown.
type LanguageDetector interface {
	Detect(text string) string
}

// Transport (port) performs one physical POST and never returns an error
// value: failures are reported through Outcome.
type Transport interface {
	Send(ctx Context, drv Driver, credential string, body []byte) Outcome
}

// Gate (port) admits fn once the model's throughput budget allows it.
type Gate interface {
	Do(ctx Context, fn func(Context) error) error
}

// Context is an alias so ports read naturally without importing context everywhere.
type Context = context.Context
