// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the dispatcher over a small JSON API: single calls, document
// rephrasing, prompt estimation and model catalog listing, plus health and
// readiness probes.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels to status codes. Call failures are
// checked before the generic sentinels they may also wrap.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrValidation):
		code = http.StatusUnprocessableEntity
		codeStr = "REQUEST_TOO_LARGE"
	case errors.Is(err, domain.ErrTemplate):
		code = http.StatusBadRequest
		codeStr = "TEMPLATE_ERROR"
	case errors.Is(err, domain.ErrRetryExhausted):
		code = http.StatusServiceUnavailable
		codeStr = "RETRIES_EXHAUSTED"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		code = http.StatusGatewayTimeout
		codeStr = "UPSTREAM_TIMEOUT"
	case errors.Is(err, domain.ErrUpstreamRateLimit):
		code = http.StatusServiceUnavailable
		codeStr = "UPSTREAM_RATE_LIMIT"
	case errors.Is(err, domain.ErrTransport):
		code = http.StatusBadGateway
		codeStr = "UPSTREAM_ERROR"
	case errors.Is(err, domain.ErrResponseShape):
		code = http.StatusBadGateway
		codeStr = "BAD_RESPONSE"
	case errors.Is(err, domain.ErrInternal):
		code = http.StatusInternalServerError
		codeStr = "INTERNAL"
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	}
	if details == nil {
		details = callDetails(err)
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}

// callDetails surfaces the CallError fields clients branch on.
func callDetails(err error) interface{} {
	var ce *domain.CallError
	if !errors.As(err, &ce) {
		return nil
	}
	d := map[string]any{"reason": ce.Reason, "model": ce.Model}
	if ce.Status != 0 {
		d["status"] = int(ce.Status)
	}
	if ce.Body != "" {
		d["body"] = ce.Body
	}
	return d
}
