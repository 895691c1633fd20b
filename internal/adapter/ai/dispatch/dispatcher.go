// Package dispatch runs a single LLM call end to end: profile resolution,
// prompt rendering, size estimation, payload assembly, admission, retries and
// response validation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/ai"
	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/ai/prompt"
	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/observability"
	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
	obsctx "github.com/fairyhunter13/llm-dispatcher/internal/observability"
)

const (
	defaultLogTruncate = 250
	bodySnippetLimit   = 512
)

// ProfileResolver turns a model name plus overrides into a profile.
type ProfileResolver interface {
	Resolve(name string, overrides map[string]any) (domain.ModelProfile, error)
	Normalize(p *domain.ModelProfile)
}

// PromptLoader reads prompt templates by file name.
type PromptLoader interface {
	Load(name string) (string, error)
}

// FixtureLoader returns canned response bodies for sample mode.
type FixtureLoader interface {
	Load(directive string) ([]byte, error)
}

// TokenEstimator estimates the token count of a prompt.
type TokenEstimator interface {
	Estimate(text, modelID string, uplift float64, tokenizer string) int
}

// GateProvider hands out the admission gate of a model.
type GateProvider interface {
	Get(model string, rps float64) domain.Gate
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPrompts sets the store used for CallRequest.PromptFile.
func WithPrompts(p PromptLoader) Option { return func(d *Dispatcher) { d.prompts = p } }

// WithFixtures sets the source used by models in sample mode.
func WithFixtures(f FixtureLoader) Option { return func(d *Dispatcher) { d.fixtures = f } }

// WithVerboseLog logs full prompts, payloads and responses. When off they are
// cut to truncate characters.
func WithVerboseLog(verbose bool, truncate int) Option {
	return func(d *Dispatcher) {
		d.verbose = verbose
		if truncate > 0 {
			d.truncate = truncate
		}
	}
}

// WithJitter replaces the random source of the backoff jitter.
func WithJitter(fn func() float64) Option { return func(d *Dispatcher) { d.jitter = fn } }

// Dispatcher executes calls. It is safe for concurrent use; attempts within
// one call are strictly sequential.
type Dispatcher struct {
	profiles  ProfileResolver
	estimator TokenEstimator
	gates     GateProvider
	transport domain.Transport
	prompts   PromptLoader
	fixtures  FixtureLoader
	assembler *prompt.Assembler
	validator *ai.ResponseValidator
	verbose   bool
	truncate  int
	jitter    func() float64
}

// New builds a Dispatcher.
func New(profiles ProfileResolver, estimator TokenEstimator, gates GateProvider, transport domain.Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		profiles:  profiles,
		estimator: estimator,
		gates:     gates,
		transport: transport,
		assembler: prompt.NewAssembler(),
		validator: ai.NewResponseValidator(),
		truncate:  defaultLogTruncate,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Process runs one call. Every failure comes back as a *domain.CallError
// (or a wrapped domain sentinel for lookup failures); panics are recovered
// and reported as domain.ErrInternal.
func (d *Dispatcher) Process(ctx context.Context, req domain.CallRequest) (res *domain.CallResult, err error) {
	ctx, callID := obsctx.StartCall(ctx)
	lg := obsctx.LoggerFromContext(ctx)
	ctx, span := otel.Tracer("llm.dispatch").Start(ctx, "Dispatcher.Process")
	defer span.End()
	span.SetAttributes(attribute.String("llm.call_id", callID))

	model := req.Model
	defer func() {
		if r := recover(); r != nil {
			lg.Error("panic in dispatcher", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			res = nil
			err = domain.NewCallError(domain.ErrInternal, domain.ReasonPanic, model, fmt.Errorf("%v", r))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			lg.Error("llm call failed", slog.String("model", model), slog.Any("error", err))
		}
		observability.RecordCall(model, outcomeLabel(err))
	}()

	profile, err := d.resolve(req)
	if err != nil {
		return nil, err
	}
	model = profile.Name
	span.SetAttributes(attribute.String("llm.model", model))
	verbose := d.verbose && !req.ForceQuietLog

	text, err := d.promptText(req)
	if err != nil {
		var ce *domain.CallError
		if errors.As(err, &ce) {
			ce.Model = model
		}
		return nil, err
	}

	modelID, _ := profile.Request["model"].(string)
	tokens := d.estimator.Estimate(text, modelID, profile.TokenUplift, profile.Tokenizer)
	observability.ObserveEstimate(model, tokens)
	span.SetAttributes(attribute.Int("llm.estimated_tokens", tokens))
	if profile.MaxTokens > 0 && tokens > profile.MaxTokens-1 {
		lg.Error("request too large for the model context",
			slog.String("model", model),
			slog.Int("estimated_tokens", tokens),
			slog.Int("max_tokens", profile.MaxTokens),
			slog.String("prompt", d.clip(text, verbose)))
		return nil, domain.NewCallError(domain.ErrValidation, domain.ReasonTooLarge, model,
			fmt.Errorf("estimated %d tokens, model allows %d", tokens, profile.MaxTokens))
	}

	payload, err := d.assembler.Assemble(profile, text)
	if err != nil {
		lg.Error("bad prompt or template", slog.String("model", model), slog.String("prompt", d.clip(text, verbose)), slog.Any("error", err))
		return nil, err
	}
	body, err := prompt.Encode(payload)
	if err != nil {
		var ce *domain.CallError
		if errors.As(err, &ce) {
			ce.Model = model
		}
		return nil, err
	}

	lg.Info("calling llm",
		slog.String("model", model),
		slog.Int("estimated_tokens", tokens),
		slog.String("data", d.clipAny(req.Data, verbose)),
		slog.String("prompt", d.clip(text, verbose)))
	if verbose {
		lg.Info("llm payload", slog.String("model", model), slog.String("payload", string(body)))
	}

	var outcome domain.Outcome
	if profile.Samples.Enabled {
		outcome, err = d.sample(ctx, profile)
	} else {
		outcome, err = d.send(ctx, profile, credentialFor(req, profile), body)
	}
	if err != nil {
		return nil, err
	}

	lg.Info("llm response", slog.String("model", model), slog.String("status", outcome.Status.String()), slog.String("body", d.clip(string(outcome.Body), verbose)))

	result, err := d.validator.Validate(outcome, profile)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (d *Dispatcher) resolve(req domain.CallRequest) (domain.ModelProfile, error) {
	if req.Profile != nil {
		p := *req.Profile
		if p.Name == "" {
			p.Name = req.Model
		}
		d.profiles.Normalize(&p)
		return p, nil
	}
	if req.Model == "" {
		return domain.ModelProfile{}, fmt.Errorf("op=dispatch.resolve: %w: model is required", domain.ErrInvalidArgument)
	}
	p, err := d.profiles.Resolve(req.Model, req.Overrides)
	if err != nil {
		return domain.ModelProfile{}, fmt.Errorf("op=dispatch.resolve: %w", err)
	}
	return p, nil
}

// credentialFor prefers the request credential and falls back to the
// environment variable named by the driver.
func credentialFor(req domain.CallRequest, profile domain.ModelProfile) string {
	if req.Credential != "" || profile.Driver.CredentialEnv == "" {
		return req.Credential
	}
	return os.Getenv(profile.Driver.CredentialEnv)
}

func (d *Dispatcher) promptText(req domain.CallRequest) (string, error) {
	tmpl := req.Prompt
	if req.PromptFile != "" {
		if d.prompts == nil {
			return "", fmt.Errorf("op=dispatch.promptText: %w: no prompt store configured", domain.ErrInvalidArgument)
		}
		loaded, err := d.prompts.Load(req.PromptFile)
		if err != nil {
			return "", fmt.Errorf("op=dispatch.promptText: %w", err)
		}
		tmpl = loaded
	}
	if req.SkipRender {
		return tmpl, nil
	}
	return prompt.Render(tmpl, req.Data)
}

func (d *Dispatcher) sample(ctx context.Context, profile domain.ModelProfile) (domain.Outcome, error) {
	obsctx.LoggerFromContext(ctx).Info("reading sample response", slog.String("model", profile.Name), slog.String("directive", profile.Samples.Response))
	if d.fixtures == nil {
		return domain.Outcome{}, domain.NewCallError(domain.ErrTransport, domain.ReasonFixture, profile.Name, errors.New("no fixture source configured"))
	}
	b, err := d.fixtures.Load(profile.Samples.Response)
	if err != nil {
		return domain.Outcome{}, domain.NewCallError(domain.ErrTransport, domain.ReasonFixture, profile.Name, err)
	}
	return domain.Outcome{Status: 200, Body: b}, nil
}

// send runs the retry loop and returns the last successful outcome. A
// terminal non-success becomes a CallError carrying the status and body.
func (d *Dispatcher) send(ctx context.Context, profile domain.ModelProfile, credential string, body []byte) (domain.Outcome, error) {
	lg := obsctx.LoggerFromContext(ctx)
	policy := profile.Retry.WithDefaults()
	g := d.gates.Get(profile.Name, profile.MaxRequestsPerSecond)

	var (
		attempts int
		last     domain.Outcome
	)
	op := func() error {
		attempts++
		start := time.Now()
		var out domain.Outcome
		if err := g.Do(ctx, func(gctx context.Context) error {
			out = d.attempt(gctx, profile.Driver, credential, body, policy.Timeout)
			return nil
		}); err != nil {
			// only the caller's context ends a gate wait
			last = domain.Outcome{Status: domain.StatusUnknown, Err: err}
			return backoff.Permanent(err)
		}
		last = out
		observability.ObserveAttempt(profile.Name, out.Status.String(), time.Since(start))
		if out.Status.IsSuccess() {
			return nil
		}
		err := fmt.Errorf("attempt %d: status %s", attempts, out.Status)
		if !policy.ShouldRetry(out.Status, attempts) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		observability.RecordRetry(profile.Name)
		lg.Warn("retrying llm call",
			slog.String("model", profile.Name),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", wait),
			slog.String("status", last.Status.String()),
			slog.Any("error", err))
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(newPolicyBackOff(policy, d.jitter), uint64(policy.Retries())), ctx)
	_ = backoff.RetryNotify(op, bo, notify)

	if last.Status.IsSuccess() {
		return last, nil
	}
	return domain.Outcome{}, d.terminal(ctx, profile, policy, last, attempts)
}

// attempt performs one timed send. The send runs in its own goroutine and
// writes only to a buffered channel, so an abandoned attempt never blocks.
func (d *Dispatcher) attempt(ctx context.Context, drv domain.Driver, credential string, body []byte, timeout time.Duration) domain.Outcome {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan domain.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- domain.Outcome{Status: domain.StatusUnknown, Err: fmt.Errorf("%w: transport panic: %v", domain.ErrInternal, r)}
			}
		}()
		results <- d.transport.Send(actx, drv, credential, body)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-results:
		if out.Status == domain.StatusUnknown && errors.Is(out.Err, context.DeadlineExceeded) && ctx.Err() == nil {
			out.Err = fmt.Errorf("%w: attempt exceeded %s: %w", domain.ErrUpstreamTimeout, timeout, out.Err)
		}
		return out
	case <-timer.C:
		return domain.Outcome{Status: domain.StatusUnknown, Err: fmt.Errorf("%w: attempt exceeded %s", domain.ErrUpstreamTimeout, timeout)}
	case <-ctx.Done():
		return domain.Outcome{Status: domain.StatusUnknown, Err: ctx.Err()}
	}
}

func (d *Dispatcher) terminal(ctx context.Context, profile domain.ModelProfile, policy domain.RetryPolicy, last domain.Outcome, attempts int) error {
	ce := &domain.CallError{
		Kind:   domain.ErrTransport,
		Reason: domain.ReasonUpstreamStatus,
		Model:  profile.Name,
		Status: last.Status,
		Body:   ai.Snippet(last.Body, bodySnippetLimit),
		Err:    last.Err,
	}
	switch {
	case ctx.Err() != nil:
		ce.Reason = domain.ReasonCancelled
		ce.Err = ctx.Err()
	case last.Status == domain.StatusUnknown && errors.Is(last.Err, domain.ErrUpstreamTimeout):
		ce.Reason = domain.ReasonTimeout
	case last.Status == domain.StatusUnknown:
		ce.Reason = domain.ReasonNetwork
	case last.Status == 429:
		ce.Err = fmt.Errorf("%w: status %s", domain.ErrUpstreamRateLimit, last.Status)
	default:
		ce.Err = fmt.Errorf("status %s", last.Status)
	}
	if ctx.Err() == nil && attempts >= policy.MaxAttempts() && policy.RetryCodes.Contains(last.Status) {
		ce.Kind = domain.ErrRetryExhausted
	}
	obsctx.LoggerFromContext(ctx).Error("llm call did not succeed",
		slog.String("model", profile.Name),
		slog.Int("attempts", attempts),
		slog.String("status", last.Status.String()),
		slog.String("body", ce.Body))
	return ce
}

func (d *Dispatcher) clip(s string, verbose bool) string {
	if verbose {
		return s
	}
	return clipRunes(s, d.truncate)
}

// clipRunes keeps the first n characters of s.
func clipRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	for i := range s {
		if n == 0 {
			return s[:i]
		}
		n--
	}
	return s
}

func (d *Dispatcher) clipAny(v any, verbose bool) string {
	if v == nil {
		return ""
	}
	return d.clip(fmt.Sprintf("%v", v), verbose)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrValidation):
		return "too_large"
	case errors.Is(err, domain.ErrTemplate):
		return "template"
	case errors.Is(err, domain.ErrRetryExhausted):
		return "retries_exhausted"
	case errors.Is(err, domain.ErrTransport):
		return "transport"
	case errors.Is(err, domain.ErrResponseShape):
		return "bad_response"
	default:
		return "error"
	}
}
