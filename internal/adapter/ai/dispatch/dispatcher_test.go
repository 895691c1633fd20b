package dispatch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/ai/fixture"
	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/ai/gate"
	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/ai/real"
	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
)

type staticProfiles map[string]domain.ModelProfile

func (s staticProfiles) Resolve(name string, _ map[string]any) (domain.ModelProfile, error) {
	p, ok := s[name]
	if !ok {
		return domain.ModelProfile{}, domain.ErrNotFound
	}
	return p, nil
}

func (staticProfiles) Normalize(*domain.ModelProfile) {}

type fixedEstimate int

func (f fixedEstimate) Estimate(string, string, float64, string) int { return int(f) }

type panicEstimator struct{}

func (panicEstimator) Estimate(string, string, float64, string) int { panic("estimator exploded") }

type mapPrompts map[string]string

func (m mapPrompts) Load(name string) (string, error) {
	p, ok := m[name]
	if !ok {
		return "", domain.ErrNotFound
	}
	return p, nil
}

// scriptedTransport returns the scripted outcomes in order and repeats the
// last one once the script runs out.
type scriptedTransport struct {
	calls    atomic.Int32
	outcomes []domain.Outcome
	bodies   [][]byte
}

func (s *scriptedTransport) Send(_ domain.Context, _ domain.Driver, _ string, body []byte) domain.Outcome {
	n := int(s.calls.Add(1)) - 1
	s.bodies = append(s.bodies, body)
	if n >= len(s.outcomes) {
		n = len(s.outcomes) - 1
	}
	return s.outcomes[n]
}

type blockingTransport struct{ calls atomic.Int32 }

func (b *blockingTransport) Send(ctx domain.Context, _ domain.Driver, _ string, _ []byte) domain.Outcome {
	b.calls.Add(1)
	<-ctx.Done()
	return domain.Outcome{Status: domain.StatusUnknown, Err: ctx.Err()}
}

type panicTransport struct{}

func (panicTransport) Send(domain.Context, domain.Driver, string, []byte) domain.Outcome {
	panic("transport exploded")
}

const okBody = `{"choices":[{"message":{"content":"hello"},"finish_reason":"stop"}],"usage":{"cost":"0.5"}}`

func chatProfile() domain.ModelProfile {
	return domain.ModelProfile{
		Name: "test-chat",
		Request: map[string]any{
			"model":      "test-model",
			"max_tokens": 100,
			"messages": []any{
				map[string]any{"role": "user", "content": domain.PromptMarker},
			},
		},
		MaxTokens:            100,
		MaxRequestsPerSecond: 1000,
		Retry: domain.RetryPolicy{
			MaxRetries:      5,
			BackoffWait:     time.Millisecond,
			BackoffExponent: 1,
			Timeout:         time.Second,
			RetryCodes:      domain.RetryCodes{"*"},
		},
		Response: domain.ResponsePaths{
			ContentPath:      "choices[0].message.content",
			FinishReasonPath: "choices[0].finish_reason",
			OKFinishReasons:  []string{"stop"},
			CostPath:         "usage.cost",
		},
	}
}

func newDispatcher(p domain.ModelProfile, est TokenEstimator, tr domain.Transport, opts ...Option) *Dispatcher {
	opts = append([]Option{WithJitter(func() float64 { return 0 })}, opts...)
	return New(staticProfiles{p.Name: p}, est, gate.NewRegistry(nil, 0), tr, opts...)
}

func callError(t *testing.T, err error) *domain.CallError {
	t.Helper()
	var ce *domain.CallError
	require.ErrorAs(t, err, &ce)
	return ce
}

func TestProcess_SuccessOverHTTP(t *testing.T) {
	t.Parallel()

	var got []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		assert.Equal(t, "Bearer sk-1", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(okBody))
	}))
	defer ts.Close()

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	p := chatProfile()
	p.Driver = domain.Driver{Scheme: "http", Host: host, Port: port, Path: "/v1/chat"}
	d := newDispatcher(p, fixedEstimate(10), real.NewWithHTTPClient(ts.Client()))

	res, err := d.Process(context.Background(), domain.CallRequest{
		Model:      "test-chat",
		Prompt:     `Say "{{greeting}}" to {{name}}`,
		Data:       map[string]any{"greeting": "hi", "name": "<Ann>"},
		Credential: "sk-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
	require.NotNil(t, res.CostMetric)
	assert.InDelta(t, 0.5, *res.CostMetric, 1e-9)

	assert.Equal(t, `Say "hi" to <Ann>`, gjson.GetBytes(got, "messages.0.content").String())
	assert.False(t, gjson.GetBytes(got, "max_tokens").Exists())
	assert.Equal(t, "test-model", gjson.GetBytes(got, "model").String())
}

func TestProcess_RetriesUpToCeiling(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{outcomes: []domain.Outcome{{Status: 503, Body: []byte("overloaded")}}}
	d := newDispatcher(chatProfile(), fixedEstimate(1), tr)

	res, err := d.Process(context.Background(), domain.CallRequest{Model: "test-chat", Prompt: "x"})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, int32(6), tr.calls.Load())

	ce := callError(t, err)
	assert.ErrorIs(t, err, domain.ErrRetryExhausted)
	assert.Equal(t, domain.Status(503), ce.Status)
	assert.Equal(t, "overloaded", ce.Body)
}

func TestProcess_RetryThenSuccess(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{outcomes: []domain.Outcome{
		{Status: 503},
		{Status: domain.StatusUnknown, Err: errors.New("connection reset")},
		{Status: 200, Body: []byte(okBody)},
	}}
	d := newDispatcher(chatProfile(), fixedEstimate(1), tr)

	res, err := d.Process(context.Background(), domain.CallRequest{Model: "test-chat", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, int32(3), tr.calls.Load())
}

func TestProcess_NonRetryableStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		codes domain.RetryCodes
	}{
		{name: "status not listed", codes: domain.RetryCodes{"503", "unknown"}},
		{name: "no retry codes", codes: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := chatProfile()
			p.Retry.RetryCodes = tt.codes
			tr := &scriptedTransport{outcomes: []domain.Outcome{{Status: 404, Body: []byte(`{"error":"no such model"}`)}}}

			_, err := newDispatcher(p, fixedEstimate(1), tr).Process(context.Background(), domain.CallRequest{Model: "test-chat", Prompt: "x"})
			ce := callError(t, err)
			assert.ErrorIs(t, err, domain.ErrTransport)
			assert.Equal(t, domain.ReasonUpstreamStatus, ce.Reason)
			assert.Equal(t, domain.Status(404), ce.Status)
			assert.Contains(t, ce.Body, "no such model")
			assert.Equal(t, int32(1), tr.calls.Load())
		})
	}
}

func TestProcess_RateLimitedStatusWrapsSentinel(t *testing.T) {
	t.Parallel()

	p := chatProfile()
	p.Retry.MaxRetries = 1
	tr := &scriptedTransport{outcomes: []domain.Outcome{{Status: 429}}}

	_, err := newDispatcher(p, fixedEstimate(1), tr).Process(context.Background(), domain.CallRequest{Model: "test-chat", Prompt: "x"})
	assert.ErrorIs(t, err, domain.ErrRetryExhausted)
	assert.ErrorIs(t, err, domain.ErrUpstreamRateLimit)
	assert.Equal(t, int32(2), tr.calls.Load())
}

func TestProcess_OversizeMakesNoNetworkCall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		estimate int
		wantErr  bool
	}{
		{name: "at limit", estimate: 100, wantErr: true},
		{name: "one below limit", estimate: 99, wantErr: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := &scriptedTransport{outcomes: []domain.Outcome{{Status: 200, Body: []byte(okBody)}}}
			_, err := newDispatcher(chatProfile(), fixedEstimate(tt.estimate), tr).
				Process(context.Background(), domain.CallRequest{Model: "test-chat", Prompt: "x"})
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, int32(1), tr.calls.Load())
				return
			}
			ce := callError(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Equal(t, domain.ReasonTooLarge, ce.Reason)
			assert.Equal(t, int32(0), tr.calls.Load())
		})
	}
}

func TestProcess_HeuristicEstimateRejectsLongPrompt(t *testing.T) {
	t.Parallel()

	p := chatProfile()
	p.MaxTokens = 10
	tr := &scriptedTransport{outcomes: []domain.Outcome{{Status: 200, Body: []byte(okBody)}}}
	long := "The quick brown fox jumps over the lazy dog again and again and again."

	_, err := newDispatcher(p, tokencount.NewEstimator(), tr).
		Process(context.Background(), domain.CallRequest{Model: "test-chat", Prompt: long, SkipRender: true})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, int32(0), tr.calls.Load())
}

func TestProcess_AttemptTimeout(t *testing.T) {
	t.Parallel()

	p := chatProfile()
	p.Retry.Timeout = 20 * time.Millisecond
	p.Retry.MaxRetries = -1
	tr := &blockingTransport{}

	start := time.Now()
	_, err := newDispatcher(p, fixedEstimate(1), tr).Process(context.Background(), domain.CallRequest{Model: "test-chat", Prompt: "x"})
	assert.Less(t, time.Since(start), time.Second)

	ce := callError(t, err)
	assert.Equal(t, domain.ReasonTimeout, ce.Reason)
	assert.Equal(t, domain.StatusUnknown, ce.Status)
	assert.ErrorIs(t, err, domain.ErrUpstreamTimeout)
	assert.Equal(t, int32(1), tr.calls.Load())
}

func TestProcess_TimeoutIsRetriedAsUnknown(t *testing.T) {
	t.Parallel()

	p := chatProfile()
	p.Retry.Timeout = 10 * time.Millisecond
	p.Retry.MaxRetries = 2
	p.Retry.RetryCodes = domain.RetryCodes{"unknown"}
	tr := &blockingTransport{}

	_, err := newDispatcher(p, fixedEstimate(1), tr).Process(context.Background(), domain.CallRequest{Model: "test-chat", Prompt: "x"})
	assert.ErrorIs(t, err, domain.ErrRetryExhausted)
	assert.Equal(t, int32(3), tr.calls.Load())
}

func TestProcess_CallerCancellation(t *testing.T) {
	t.Parallel()

	p := chatProfile()
	p.Retry.BackoffWait = time.Hour
	tr := &scriptedTransport{outcomes: []domain.Outcome{{Status: 503}}}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := newDispatcher(p, fixedEstimate(1), tr).Process(ctx, domain.CallRequest{Model: "test-chat", Prompt: "x"})
	ce := callError(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, domain.ReasonCancelled, ce.Reason)
	assert.Equal(t, int32(1), tr.calls.Load())
}

func TestProcess_SampleModeSkipsNetwork(t *testing.T) {
	t.Parallel()

	p := chatProfile()
	p.Samples = domain.SampleMode{Enabled: true, Response: "fixture(chat), canned answer, stop"}
	tr := &scriptedTransport{outcomes: []domain.Outcome{{Status: 500}}}

	res, err := newDispatcher(p, fixedEstimate(1), tr, WithFixtures(fixture.New(""))).
		Process(context.Background(), domain.CallRequest{Model: "test-chat", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "canned answer", res.Content)
	assert.Nil(t, res.CostMetric)
	assert.Equal(t, int32(0), tr.calls.Load())
}

func TestProcess_SampleModeFailures(t *testing.T) {
	t.Parallel()

	p := chatProfile()
	p.Samples = domain.SampleMode{Enabled: true, Response: "missing.json"}
	tr := &scriptedTransport{outcomes: []domain.Outcome{{Status: 200, Body: []byte(okBody)}}}

	_, err := newDispatcher(p, fixedEstimate(1), tr, WithFixtures(fixture.New(t.TempDir()))).
		Process(context.Background(), domain.CallRequest{Model: "test-chat", Prompt: "x"})
	ce := callError(t, err)
	assert.Equal(t, domain.ReasonFixture, ce.Reason)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = newDispatcher(p, fixedEstimate(1), tr).
		Process(context.Background(), domain.CallRequest{Model: "test-chat", Prompt: "x"})
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, int32(0), tr.calls.Load())
}

func TestProcess_TemplateErrors(t *testing.T) {
	t.Parallel()

	noMarker := chatProfile()
	noMarker.Request = map[string]any{"model": "m", "input": "static"}

	jsonPath := chatProfile()
	jsonPath.RequestContentPath = "contents"

	tests := []struct {
		name    string
		profile domain.ModelProfile
		req     domain.CallRequest
		reason  string
	}{
		{name: "no marker", profile: noMarker, req: domain.CallRequest{Prompt: "x"}, reason: domain.ReasonBadTemplate},
		{name: "prompt not json for content path", profile: jsonPath, req: domain.CallRequest{Prompt: "not json"}, reason: domain.ReasonBadPrompt},
		{name: "unparseable mustache", profile: chatProfile(), req: domain.CallRequest{Prompt: "{{#open}}"}, reason: domain.ReasonRender},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := &scriptedTransport{outcomes: []domain.Outcome{{Status: 200, Body: []byte(okBody)}}}
			req := tt.req
			req.Model = tt.profile.Name
			_, err := newDispatcher(tt.profile, fixedEstimate(1), tr).Process(context.Background(), req)
			ce := callError(t, err)
			assert.ErrorIs(t, err, domain.ErrTemplate)
			assert.Equal(t, tt.reason, ce.Reason)
			assert.Equal(t, "test-chat", ce.Model)
			assert.Equal(t, int32(0), tr.calls.Load())
		})
	}
}

func TestProcess_ContentPathInjection(t *testing.T) {
	t.Parallel()

	p := chatProfile()
	p.Request = map[string]any{"model": "m", "contents": []any{}, "temperature": 0.2}
	p.RequestContentPath = "contents"
	tr := &scriptedTransport{outcomes: []domain.Outcome{{Status: 200, Body: []byte(okBody)}}}

	_, err := newDispatcher(p, fixedEstimate(1), tr).Process(context.Background(), domain.CallRequest{
		Model:      "test-chat",
		Prompt:     `[{"role":"user","parts":[{"text":"hi"}]}]`,
		SkipRender: true,
	})
	require.NoError(t, err)
	require.Len(t, tr.bodies, 1)
	assert.Equal(t, "hi", gjson.GetBytes(tr.bodies[0], "contents.0.parts.0.text").String())
	assert.Equal(t, 0.2, gjson.GetBytes(tr.bodies[0], "temperature").Float())
}

func TestProcess_PromptFile(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{outcomes: []domain.Outcome{{Status: 200, Body: []byte(okBody)}}}
	d := newDispatcher(chatProfile(), fixedEstimate(1), tr, WithPrompts(mapPrompts{"greet.md": "Hello {{who}}\r\n"}))

	_, err := d.Process(context.Background(), domain.CallRequest{Model: "test-chat", PromptFile: "greet.md", Data: map[string]any{"who": "team"}})
	require.NoError(t, err)
	assert.Equal(t, "Hello team\n", gjson.GetBytes(tr.bodies[0], "messages.0.content").String())

	_, err = d.Process(context.Background(), domain.CallRequest{Model: "test-chat", PromptFile: "absent.md"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProcess_ResponseShapeFailure(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{outcomes: []domain.Outcome{{Status: 200, Body: []byte(`{"choices":[{"message":{"content":"cut"},"finish_reason":"length"}]}`)}}}
	_, err := newDispatcher(chatProfile(), fixedEstimate(1), tr).Process(context.Background(), domain.CallRequest{Model: "test-chat", Prompt: "x"})

	ce := callError(t, err)
	assert.ErrorIs(t, err, domain.ErrResponseShape)
	assert.Equal(t, domain.ReasonDidNotStopProperly, ce.Reason)
	assert.Equal(t, int32(1), tr.calls.Load())
}

func TestProcess_ProfileLookup(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{outcomes: []domain.Outcome{{Status: 200, Body: []byte(okBody)}}}
	d := newDispatcher(chatProfile(), fixedEstimate(1), tr)

	_, err := d.Process(context.Background(), domain.CallRequest{Prompt: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = d.Process(context.Background(), domain.CallRequest{Model: "unknown", Prompt: "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	inline := chatProfile()
	inline.Name = ""
	res, err := d.Process(context.Background(), domain.CallRequest{Model: "inline", Profile: &inline, Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
}

func TestProcess_PanicsBecomeInternalErrors(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{outcomes: []domain.Outcome{{Status: 200, Body: []byte(okBody)}}}
	_, err := newDispatcher(chatProfile(), panicEstimator{}, tr).Process(context.Background(), domain.CallRequest{Model: "test-chat", Prompt: "x"})
	ce := callError(t, err)
	assert.ErrorIs(t, err, domain.ErrInternal)
	assert.Equal(t, domain.ReasonPanic, ce.Reason)

	p := chatProfile()
	p.Retry.RetryCodes = nil
	_, err = newDispatcher(p, fixedEstimate(1), panicTransport{}).Process(context.Background(), domain.CallRequest{Model: "test-chat", Prompt: "x"})
	assert.ErrorIs(t, err, domain.ErrInternal)
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestProcess_ConcurrentCallsShareOneGate(t *testing.T) {
	t.Parallel()

	var created atomic.Int32
	reg := gate.NewRegistry(func(model string, rps float64) domain.Gate {
		created.Add(1)
		return gate.NewRateGate(model, rps)
	}, 0)
	p := chatProfile()
	tr := &countingOK{}
	d := New(staticProfiles{p.Name: p}, fixedEstimate(1), reg, tr)

	errs := make(chan error, 16)
	for i := 0; i < cap(errs); i++ {
		go func() {
			_, err := d.Process(context.Background(), domain.CallRequest{Model: "test-chat", Prompt: "x"})
			errs <- err
		}()
	}
	for i := 0; i < cap(errs); i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(16), tr.calls.Load())
}

type countingOK struct{ calls atomic.Int32 }

func (c *countingOK) Send(domain.Context, domain.Driver, string, []byte) domain.Outcome {
	c.calls.Add(1)
	return domain.Outcome{Status: 200, Body: []byte(okBody)}
}

func TestOutcomeLabel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ok", outcomeLabel(nil))
	assert.Equal(t, "too_large", outcomeLabel(domain.NewCallError(domain.ErrValidation, "", "", nil)))
	assert.Equal(t, "retries_exhausted", outcomeLabel(domain.NewCallError(domain.ErrRetryExhausted, "", "", nil)))
	assert.Equal(t, "error", outcomeLabel(errors.New("other")))
}

func TestClip_KeepsWholeCharacters(t *testing.T) {
	t.Parallel()

	d := New(nil, nil, nil, nil, WithVerboseLog(false, 4))

	tests := []struct {
		in, want string
	}{
		{in: "abcdef", want: "abcd"},
		{in: "東京タワーに", want: "東京タワ"},
		{in: "ab語", want: "ab語"},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		got := d.clip(tt.in, false)
		assert.Equal(t, tt.want, got)
		assert.True(t, utf8.ValidString(got))
	}
	assert.Equal(t, "東京タワーに", d.clip("東京タワーに", true))
	assert.Equal(t, "", clipRunes("abc", 0))
}

func TestCredentialFor(t *testing.T) {
	t.Setenv("LLM_TEST_KEY", "from-env")

	p := chatProfile()
	p.Driver.CredentialEnv = "LLM_TEST_KEY"

	assert.Equal(t, "explicit", credentialFor(domain.CallRequest{Credential: "explicit"}, p))
	assert.Equal(t, "from-env", credentialFor(domain.CallRequest{}, p))
	assert.Equal(t, "", credentialFor(domain.CallRequest{}, chatProfile()))
}
