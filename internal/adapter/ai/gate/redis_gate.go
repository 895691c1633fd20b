package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/observability"
	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
	"github.com/fairyhunter13/llm-dispatcher/internal/service/ratelimiter"
)

const minRedisPoll = 5 * time.Millisecond

// RedisFactory creates gates that share their bucket through Redis.
func RedisFactory(l *ratelimiter.Redis) Factory {
	return func(model string, rps float64) domain.Gate {
		l.Configure(model, ratelimiter.PerSecond(rps))
		return &RedisGate{model: model, limiter: l}
	}
}

// RedisGate polls a Redis token bucket until a token is granted. Redis
// failures fail open.
type RedisGate struct {
	model   string
	limiter ratelimiter.Taker
}

// Do waits for a token, then runs fn.
func (g *RedisGate) Do(ctx context.Context, fn func(context.Context) error) error {
	start := time.Now()
	for {
		d, err := g.limiter.Take(ctx, g.model, 1)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("op=gate.Wait model=%s: %w", g.model, ctx.Err())
			}
			slog.Warn("redis gate unavailable; admitting call", slog.String("model", g.model), slog.Any("error", err))
			break
		}
		if d.Allowed {
			break
		}
		t := time.NewTimer(max(d.RetryAfter, minRedisPoll))
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("op=gate.Wait model=%s: %w", g.model, ctx.Err())
		case <-t.C:
		}
	}
	observability.ObserveGateWait(g.model, time.Since(start))
	return fn(ctx)
}
