package domain

import (
	"fmt"
	"strings"
)

// Reason codes carried by CallError.
const (
	ReasonTooLarge           = "request_too_large"
	ReasonBadTemplate        = "bad_template"
	ReasonBadPrompt          = "bad_prompt"
	ReasonRender             = "render_failed"
	ReasonUpstreamStatus     = "upstream_status"
	ReasonTimeout            = "timeout"
	ReasonNetwork            = "network"
	ReasonEmptyResponse      = "empty_response"
	ReasonMissingContent     = "missing_content"
	ReasonDidNotStopProperly = "did_not_stop_properly"
	ReasonFixture            = "fixture_failed"
	ReasonCancelled          = "cancelled"
	ReasonPanic              = "panic"
)

// CallError describes a failed dispatch. Kind is one of the call failure
// sentinels and is matched by errors.Is.
type CallError struct {
	Kind   error
	Reason string
	Model  string
	Status Status
	// Body is a truncated copy of the last response body, if any.
	Body string
	Err  error
}

func (e *CallError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%s", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause.
func (e *CallError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewCallError builds a CallError with no status.
func NewCallError(kind error, reason, model string, cause error) *CallError {
	return &CallError{Kind: kind, Reason: reason, Model: model, Err: cause}
}
