// Package ratelimiter implements a token bucket kept in Redis so every
// dispatcher replica draws from the same per-model budget.
package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces bucket keys.
const DefaultPrefix = "llmgate:"

// Bucket sizes a token bucket. A zero Bucket never limits.
type Bucket struct {
	Capacity     int64
	RefillPerSec float64
}

// PerSecond sizes a bucket for rps requests per second with a burst of
// ceil(rps).
func PerSecond(rps float64) Bucket {
	if rps <= 0 {
		return Bucket{}
	}
	return Bucket{Capacity: int64(math.Ceil(rps)), RefillPerSec: rps}
}

func (b Bucket) unlimited() bool { return b.Capacity <= 0 || b.RefillPerSec <= 0 }

// Decision is the outcome of one Take.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until enough tokens accrue. Zero when allowed.
	RetryAfter time.Duration
	Remaining  float64
}

// Taker hands out tokens for a key.
type Taker interface {
	Take(ctx context.Context, key string, cost int64) (Decision, error)
}

// Redis is a Taker backed by one hash per key.
type Redis struct {
	rdb    redis.Cmdable
	prefix string
	script *redis.Script
	now    func() time.Time

	mu      sync.RWMutex
	buckets map[string]Bucket
}

// NewRedis returns a limiter storing buckets under prefix. An empty prefix
// means DefaultPrefix.
func NewRedis(rdb redis.Cmdable, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{
		rdb:     rdb,
		prefix:  prefix,
		script:  redis.NewScript(takeScript),
		now:     time.Now,
		buckets: map[string]Bucket{},
	}
}

// Timestamps are integer milliseconds. Fractional values come back as strings
// because Redis truncates Lua numbers in replies.
const takeScript = `
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2]) / 1000
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

local elapsed = math.max(0, now - ts)
tokens = math.min(capacity, tokens + elapsed * rate)

local wait = 0
local granted = 0
if tokens >= cost then
  tokens = tokens - cost
  granted = 1
else
  wait = math.ceil((cost - tokens) / rate)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], math.ceil(capacity / rate) + 60000)
return { granted, tostring(tokens), wait }
`

// Configure sets the bucket for key. Safe for concurrent use.
func (r *Redis) Configure(key string, b Bucket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets[key] = b
}

func (r *Redis) bucket(key string) Bucket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buckets[key]
}

// Take removes cost tokens (at least one) from key's bucket if available.
// Keys without a configured bucket are always allowed.
func (r *Redis) Take(ctx context.Context, key string, cost int64) (Decision, error) {
	b := r.bucket(key)
	if b.unlimited() {
		return Decision{Allowed: true}, nil
	}
	cost = max(cost, 1)

	res, err := r.script.Run(ctx, r.rdb, []string{r.prefix + key},
		b.Capacity, b.RefillPerSec, r.now().UnixMilli(), cost).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("op=ratelimiter.Take key=%s: %w", key, err)
	}
	return parseDecision(res)
}

var errReply = errors.New("ratelimiter: malformed script reply")

func parseDecision(res []any) (Decision, error) {
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("%w: %d values", errReply, len(res))
	}
	granted, ok1 := res[0].(int64)
	tokens, ok2 := res[1].(string)
	wait, ok3 := res[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return Decision{}, fmt.Errorf("%w: %v", errReply, res)
	}
	remaining, err := strconv.ParseFloat(tokens, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: tokens %q", errReply, tokens)
	}
	return Decision{
		Allowed:    granted == 1,
		RetryAfter: time.Duration(wait) * time.Millisecond,
		Remaining:  remaining,
	}, nil
}

// Ping reports whether Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
