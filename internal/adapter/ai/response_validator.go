// Package ai validates upstream LLM responses and post-processes their content.
package ai

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/ai/prompt"
	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
)

// bodySnippetLimit caps response bodies copied into errors.
const bodySnippetLimit = 512

// ResponseValidator extracts content, finish reason and cost from a
// successful upstream response using the profile's response paths.
type ResponseValidator struct{}

// NewResponseValidator creates a new response validator.
func NewResponseValidator() *ResponseValidator {
	return &ResponseValidator{}
}

// Validate checks, in order: a body exists and no error was reported; content
// is present and non-empty; the finish reason is accepted when a finish
// reason path is declared. The cost metric is optional.
func (rv *ResponseValidator) Validate(outcome domain.Outcome, profile domain.ModelProfile) (domain.CallResult, error) {
	fail := func(reason string, cause error) (domain.CallResult, error) {
		return domain.CallResult{}, &domain.CallError{
			Kind:   domain.ErrResponseShape,
			Reason: reason,
			Model:  profile.Name,
			Status: outcome.Status,
			Body:   Snippet(outcome.Body, bodySnippetLimit),
			Err:    cause,
		}
	}

	if len(outcome.Body) == 0 || outcome.Err != nil {
		cause := outcome.Err
		if cause == nil {
			cause = errors.New("empty response body")
		}
		return fail(domain.ReasonEmptyResponse, cause)
	}
	if !gjson.ValidBytes(outcome.Body) {
		return fail(domain.ReasonMissingContent, errors.New("response body is not JSON"))
	}

	content, ok := extractContent(outcome.Body, profile.Response.ContentPath)
	if !ok {
		return fail(domain.ReasonMissingContent, fmt.Errorf("nothing at %q", profile.Response.ContentPath))
	}

	if path := profile.Response.FinishReasonPath; path != "" {
		reason := gjson.GetBytes(outcome.Body, prompt.NormalizePath(path)).String()
		if !accepted(reason, profile.Response.OKFinishReasons) {
			return fail(domain.ReasonDidNotStopProperly, fmt.Errorf("finish reason %q", reason))
		}
	}

	result := domain.CallResult{Content: content}
	if path := profile.Response.CostPath; path != "" {
		result.CostMetric = extractNumber(outcome.Body, path)
	}
	return result, nil
}

func extractContent(body []byte, path string) (string, bool) {
	if strings.TrimSpace(path) == "" {
		return "", false
	}
	res := gjson.GetBytes(body, prompt.NormalizePath(path))
	switch res.Type {
	case gjson.Null, gjson.False:
		return "", false
	case gjson.Number:
		// zero is falsy content, like an empty string
		return res.Raw, res.Float() != 0
	case gjson.String:
		return res.String(), res.String() != ""
	default:
		// structured content is handed back as raw JSON text
		return res.Raw, res.Raw != ""
	}
}

func extractNumber(body []byte, path string) *float64 {
	res := gjson.GetBytes(body, prompt.NormalizePath(path))
	switch res.Type {
	case gjson.Number:
		v := res.Float()
		return &v
	case gjson.String:
		v, err := strconv.ParseFloat(strings.TrimSpace(res.String()), 64)
		if err != nil {
			return nil
		}
		return &v
	default:
		return nil
	}
}

func accepted(reason string, ok []string) bool {
	for _, r := range ok {
		if r == reason {
			return true
		}
	}
	return false
}

// Snippet returns at most n bytes of b as a string.
func Snippet(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
