package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "llm_dispatcher"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "code"})
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
	}, []string{"route", "method"})

	// One sample per physical upstream attempt.
	UpstreamAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_attempts_total",
		Help:      "Upstream LLM attempts by model and status.",
	}, []string{"model", "status"})
	UpstreamAttemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_attempt_duration_seconds",
		Help:      "Upstream LLM attempt latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"model"})

	CallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Dispatched calls by model and outcome.",
	}, []string{"model", "outcome"})
	RetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Attempts after the first, by model.",
	}, []string{"model"})
	EstimatedTokens = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "estimated_tokens",
		Help:      "Estimated input tokens per call.",
		Buckets:   prometheus.ExponentialBuckets(16, 2, 14),
	}, []string{"model"})
	GateWaitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gate_wait_seconds",
		Help:      "Time spent waiting for admission.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"model"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestsTotal, HTTPRequestDuration,
		UpstreamAttemptsTotal, UpstreamAttemptDuration,
		CallsTotal, RetriesTotal, EstimatedTokens, GateWaitDuration,
	}
}

// Register adds every dispatcher metric to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

var initOnce sync.Once

// InitMetrics registers the metrics with the default registry. Repeated calls
// are no-ops.
func InitMetrics() {
	initOnce.Do(func() {
		if err := Register(prometheus.DefaultRegisterer); err != nil {
			panic(err)
		}
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

func ObserveAttempt(model, status string, d time.Duration) {
	UpstreamAttemptsTotal.WithLabelValues(model, status).Inc()
	UpstreamAttemptDuration.WithLabelValues(model).Observe(d.Seconds())
}

func RecordCall(model, outcome string) {
	CallsTotal.WithLabelValues(model, outcome).Inc()
}

func RecordRetry(model string) {
	RetriesTotal.WithLabelValues(model).Inc()
}

func ObserveEstimate(model string, tokens int) {
	EstimatedTokens.WithLabelValues(model).Observe(float64(tokens))
}

func ObserveGateWait(model string, d time.Duration) {
	GateWaitDuration.WithLabelValues(model).Observe(d.Seconds())
}
