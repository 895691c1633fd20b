package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/ai/dispatch"
	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/ai/fixture"
	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/ai/gate"
	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/ai/langdetect"
	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/ai/real"
	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/ai/tokencount"
	httpserver "github.com/fairyhunter13/llm-dispatcher/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-dispatcher/internal/config"
	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
	"github.com/fairyhunter13/llm-dispatcher/internal/service/ratelimiter"
	"github.com/fairyhunter13/llm-dispatcher/internal/usecase"
)

// Components is the wired object graph shared by the HTTP server and the CLI.
type Components struct {
	Config     config.Config
	Catalog    *config.Catalog
	Prompts    *config.PromptStore
	Fixtures   *fixture.Source
	Gates      *gate.Registry
	Dispatcher *dispatch.Dispatcher
	Calls      usecase.CallService
	Estimates  usecase.EstimateService
	Rephraser  usecase.RephraseService
	// Redis is set only when admission gates are shared through Redis.
	Redis *redis.Client
}

// Option customises Build, mainly for tests.
type Option func(*buildOptions)

type buildOptions struct {
	transport domain.Transport
	redis     *redis.Client
}

// WithTransport replaces the HTTP transport used for upstream calls.
func WithTransport(t domain.Transport) Option {
	return func(o *buildOptions) { o.transport = t }
}

// WithRedisClient uses an existing Redis client for shared gates instead of
// dialing cfg.RedisURL.
func WithRedisClient(c *redis.Client) Option {
	return func(o *buildOptions) { o.redis = c }
}

// Build wires every component from cfg.
func Build(cfg config.Config, opts ...Option) (*Components, error) {
	var bo buildOptions
	for _, o := range opts {
		o(&bo)
	}

	catalog, err := config.NewCatalog(cfg)
	if err != nil {
		return nil, err
	}
	prompts, err := config.NewPromptStore(cfg.PromptsDir)
	if err != nil {
		return nil, err
	}

	c := &Components{
		Config:   cfg,
		Catalog:  catalog,
		Prompts:  prompts,
		Fixtures: fixture.New(cfg.ResponsesDir),
		Redis:    bo.redis,
	}

	factory := gate.LocalFactory()
	if c.Redis == nil && cfg.RedisEnabled() {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("op=app.Build: %w: redis url: %v", domain.ErrInvalidArgument, err)
		}
		c.Redis = redis.NewClient(ropts)
	}
	if c.Redis != nil {
		factory = gate.RedisFactory(ratelimiter.NewRedis(c.Redis, ratelimiter.DefaultPrefix))
		slog.Info("admission gates shared through redis")
	}
	c.Gates = gate.NewRegistry(factory, cfg.DefaultRequestsPerSecond)

	transport := bo.transport
	if transport == nil {
		transport = real.New()
	}
	detector := langdetect.New()
	estimator := tokencount.NewDefaultEstimator(tokencount.WithDetector(detector))

	c.Dispatcher = dispatch.New(catalog, estimator, c.Gates, transport,
		dispatch.WithPrompts(prompts),
		dispatch.WithFixtures(c.Fixtures),
		dispatch.WithVerboseLog(cfg.VerboseLog, cfg.LogTruncate),
	)
	c.Calls = usecase.NewCallService(c.Dispatcher)
	c.Estimates = usecase.NewEstimateService(catalog, estimator)
	c.Rephraser = usecase.NewRephraseService(c.Dispatcher, catalog, detector, cfg.RephraseMaxParallel)
	return c, nil
}

// Server builds the HTTP handlers over the components.
func (c *Components) Server() *httpserver.Server {
	var redisCheck func(context.Context) error
	if c.Redis != nil {
		redisCheck = BuildRedisCheck(RedisPinger(c.Redis))
	}
	return httpserver.NewServer(c.Config, c.Calls, c.Rephraser, c.Estimates, c.Catalog, redisCheck)
}

// Close releases network resources.
func (c *Components) Close() error {
	if c.Redis != nil {
		return c.Redis.Close()
	}
	return nil
}

type statusAdapter struct{ s *redis.StatusCmd }

func (s statusAdapter) Err() error { return s.s.Err() }

type clientAdapter struct{ c *redis.Client }

func (c clientAdapter) Ping(ctx context.Context) RedisPingResult {
	return statusAdapter{c.c.Ping(ctx)}
}

// RedisPinger adapts *redis.Client to RedisClient.
func RedisPinger(c *redis.Client) RedisClient { return clientAdapter{c} }
