// Package real sends assembled payloads to upstream LLM endpoints over HTTP.
package real

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
	obsctx "github.com/fairyhunter13/llm-dispatcher/internal/observability"
)

const (
	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 8 << 20
	snippetBytes     = 512
)

// Client implements domain.Transport with a single POST per Send. Retries and
// per-attempt deadlines belong to the caller.
type Client struct {
	hc *http.Client
}

// New constructs a client with an otelhttp transport.
func New() *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("LLM %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Client{hc: &http.Client{Transport: transport}}
}

// NewWithHTTPClient wraps an existing http.Client.
func NewWithHTTPClient(hc *http.Client) *Client {
	if hc == nil {
		return New()
	}
	return &Client{hc: hc}
}

// Send posts body to the driver URL. Any HTTP status is returned as-is;
// failures without a status (DNS, refused connection, cancelled context)
// come back as domain.StatusUnknown with Err set.
func (c *Client) Send(ctx domain.Context, drv domain.Driver, credential string, body []byte) domain.Outcome {
	lg := obsctx.LoggerFromContext(ctx)
	endpoint := drv.URL()

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Outcome{Status: domain.StatusUnknown, Err: fmt.Errorf("op=transport.Send: %w", err)}
	}
	r.Header.Set("Content-Type", "application/json")
	if credential != "" {
		r.Header.Set("Authorization", drv.AuthorizationHeader(credential))
		if drv.APIKeyHeader != "" {
			r.Header.Set(drv.APIKeyHeader, credential)
		}
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		lg.Warn("llm transport error", slog.String("endpoint", endpoint), slog.Any("error", err))
		return domain.Outcome{Status: domain.StatusUnknown, Err: fmt.Errorf("op=transport.Send: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	status := domain.Status(resp.StatusCode)
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		lg.Error("failed to read response body", slog.String("endpoint", endpoint), slog.Int("status", resp.StatusCode), slog.Any("error", err))
		return domain.Outcome{Status: status, Body: b, Err: fmt.Errorf("op=transport.Read: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		lg.Warn("llm provider rate limited", slog.String("endpoint", endpoint), slog.Int("status", resp.StatusCode), slog.String("x_request_id", resp.Header.Get("X-Request-Id")))
	case !status.IsSuccess():
		lg.Warn("llm provider non-2xx", slog.String("endpoint", endpoint), slog.Int("status", resp.StatusCode), slog.String("x_request_id", resp.Header.Get("X-Request-Id")), slog.String("body", snippet(b)))
	}
	return domain.Outcome{Status: status, Body: b}
}

func snippet(b []byte) string {
	if len(b) > snippetBytes {
		b = b[:snippetBytes]
	}
	return string(b)
}
