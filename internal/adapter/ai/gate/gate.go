// Package gate admits outbound calls under per-model throughput limits.
package gate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/observability"
	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
)

// DefaultRequestsPerSecond applies when a profile sets no limit.
const DefaultRequestsPerSecond = 50

// Factory creates the gate for a model. It runs at most once per model.
type Factory func(model string, rps float64) domain.Gate

// Registry owns one gate per model name.
type Registry struct {
	mu         sync.Mutex
	gates      map[string]domain.Gate
	factory    Factory
	defaultRPS float64
}

// NewRegistry builds a registry. A nil factory creates in-process gates.
func NewRegistry(factory Factory, defaultRPS float64) *Registry {
	if factory == nil {
		factory = LocalFactory()
	}
	if defaultRPS <= 0 {
		defaultRPS = DefaultRequestsPerSecond
	}
	return &Registry{gates: map[string]domain.Gate{}, factory: factory, defaultRPS: defaultRPS}
}

// Get returns the model's gate, creating it on first use. The limit of the
// first caller wins; later calls with another rps reuse the existing gate.
func (r *Registry) Get(model string, rps float64) domain.Gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gates[model]; ok {
		return g
	}
	if rps <= 0 {
		rps = r.defaultRPS
	}
	g := r.factory(model, rps)
	r.gates[model] = g
	return g
}

// Len reports how many gates exist.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gates)
}

// LocalFactory creates RateGates.
func LocalFactory() Factory {
	return func(model string, rps float64) domain.Gate { return NewRateGate(model, rps) }
}

// RateGate is an in-process token bucket allowing rps calls per second with
// a burst of ceil(rps).
type RateGate struct {
	model   string
	limiter *rate.Limiter
}

// NewRateGate returns a gate for model.
func NewRateGate(model string, rps float64) *RateGate {
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	burst := int(math.Ceil(rps))
	return &RateGate{model: model, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Do waits for a token, then runs fn.
func (g *RateGate) Do(ctx context.Context, fn func(context.Context) error) error {
	start := time.Now()
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("op=gate.Wait model=%s: %w", g.model, err)
	}
	observability.ObserveGateWait(g.model, time.Since(start))
	return fn(ctx)
}
