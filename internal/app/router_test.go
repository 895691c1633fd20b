package app_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-dispatcher/internal/app"
	"github.com/fairyhunter13/llm-dispatcher/internal/config"
)

const modelTmpl = `
request:
  model: gpt-4o-mini
  max_tokens: 200
  messages:
    - role: user
      content: "${__PROMPT__}"
max_requests_per_second: 100
driver:
  scheme: http
  host: %s
  port: %s
  path: /v1/chat/completions
retry:
  max_retries: 2
  backoff_wait: 1ms
  backoff_exponent: 1
  timeout: 2s
  retry_codes: [500]
response:
  content_path: choices.0.message.content
  finish_reason_path: choices.0.finish_reason
  ok_finish_reasons: [stop]
split:
  chunk_size:
    "*": 1000
`

const sampleModel = `
request:
  model: offline
  messages:
    - role: user
      content: "${__PROMPT__}"
driver:
  host: example.invalid
response:
  content_path: choices.0.message.content
samples:
  enabled: true
  response: fixture(chat), canned answer
`

type upstream struct {
	calls  atomic.Int32
	failN  int32
	server *httptest.Server
}

func newUpstream(t *testing.T, failN int32) *upstream {
	t.Helper()
	u := &upstream{failN: failN}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := u.calls.Add(1)
		if n <= u.failN {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var body struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"choices":[{"message":{"content":%q},"finish_reason":"stop"}]}`, "echo: "+body.Messages[0].Content)
	}))
	t.Cleanup(u.server.Close)
	return u
}

func newConfig(t *testing.T, upstreamURL string) config.Config {
	t.Helper()
	u, err := url.Parse(upstreamURL)
	require.NoError(t, err)

	root := t.TempDir()
	models := filepath.Join(root, "models")
	prompts := filepath.Join(root, "prompts")
	require.NoError(t, os.MkdirAll(models, 0o755))
	require.NoError(t, os.MkdirAll(prompts, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(models, "chat.yaml"), []byte(fmt.Sprintf(modelTmpl, u.Hostname(), u.Port())), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(models, "offline.yaml"), []byte(sampleModel), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(prompts, "greet.txt"), []byte("Greet {{name}}"), 0o600))

	return config.Config{
		AppEnv:                   "test",
		ModelsDir:                models,
		PromptsDir:               prompts,
		ResponsesDir:             filepath.Join(root, "responses"),
		LogTruncate:              250,
		ProfileCacheSize:         16,
		DefaultRequestsPerSecond: 50,
		DefaultTokenizer:         "internal",
		DefaultTokenUplift:       1.05,
		RephraseMaxParallel:      4,
		CORSAllowOrigins:         "*",
		RateLimitPerMin:          1000,
		MaxRequestBodyKB:         64,
		RequestTimeout:           10 * time.Second,
		RetryMaxRetries:          5,
		RetryBackoffWait:         time.Millisecond,
		RetryBackoffExponent:     1,
		RetryCallTimeout:         2 * time.Second,
	}
}

func newRouter(t *testing.T, cfg config.Config) http.Handler {
	t.Helper()
	c, err := app.Build(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return app.BuildRouter(cfg, c.Server())
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter_HealthAndReadiness(t *testing.T) {
	up := newUpstream(t, 0)
	h := newRouter(t, newConfig(t, up.server.URL))

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = get(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_CallRetriesThenSucceeds(t *testing.T) {
	up := newUpstream(t, 2)
	h := newRouter(t, newConfig(t, up.server.URL))

	rec := post(t, h, "/v1/calls", `{"model":"chat","prompt":"Hello {{who}}","data":{"who":"world"}}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"content":"echo: Hello world"}`, rec.Body.String())
	assert.Equal(t, int32(3), up.calls.Load())
}

func TestRouter_CallExhaustsRetries(t *testing.T) {
	up := newUpstream(t, 100)
	h := newRouter(t, newConfig(t, up.server.URL))

	rec := post(t, h, "/v1/calls", `{"model":"chat","prompt":"Hello"}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "RETRIES_EXHAUSTED")
	assert.Equal(t, int32(3), up.calls.Load())
}

func TestRouter_PromptFileAndOversize(t *testing.T) {
	up := newUpstream(t, 0)
	h := newRouter(t, newConfig(t, up.server.URL))

	rec := post(t, h, "/v1/calls", `{"model":"chat","prompt_file":"greet.txt","data":{"name":"Ann"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"content":"echo: Greet Ann"}`, rec.Body.String())

	rec = post(t, h, "/v1/calls", fmt.Sprintf(`{"model":"chat","prompt":%q}`, strings.Repeat("word ", 400)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, int32(1), up.calls.Load())
}

func TestRouter_SampleModeNeverCallsUpstream(t *testing.T) {
	up := newUpstream(t, 0)
	h := newRouter(t, newConfig(t, up.server.URL))

	rec := post(t, h, "/v1/calls", `{"model":"offline","prompt":"anything"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"content":"canned answer"}`, rec.Body.String())
	assert.Zero(t, up.calls.Load())
}

func TestRouter_RephraseAndEstimate(t *testing.T) {
	up := newUpstream(t, 0)
	h := newRouter(t, newConfig(t, up.server.URL))

	rec := post(t, h, "/v1/rephrase", `{"document":"The quick brown fox jumps over the lazy dog.","chat_model":"chat","prompt":"{{fragment}}"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "echo: The quick brown fox jumps over the lazy dog.", out["content"])
	assert.Equal(t, float64(1), out["fragments"])

	rec = post(t, h, "/v1/estimate", `{"model":"chat","prompt":"short"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"fits":true`)
}

func TestRouter_Models(t *testing.T) {
	up := newUpstream(t, 0)
	h := newRouter(t, newConfig(t, up.server.URL))

	rec := get(t, h, "/v1/models")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"models":["chat","offline"]}`, rec.Body.String())

	rec = get(t, h, "/v1/models/chat")
	require.Equal(t, http.StatusOK, rec.Code)
	b, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(b), `"max_tokens":200`)
}

func TestRouter_RedisGates(t *testing.T) {
	up := newUpstream(t, 0)
	mr := miniredis.RunT(t)
	cfg := newConfig(t, up.server.URL)
	cfg.RedisURL = "redis://" + mr.Addr()
	h := newRouter(t, cfg)

	rec := post(t, h, "/v1/calls", `{"model":"chat","prompt":"via redis"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = get(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis"`)

	mr.Close()
	rec = get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
