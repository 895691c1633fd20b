package dispatch

import (
	"math"
	"math/rand/v2"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
)

// BackoffWait is the sleep before attempt n (1-based). The first attempt
// never waits; attempt n >= 2 waits exp^(n-2) * base * (1 + jitter) with
// jitter drawn from [0, 1).
func BackoffWait(attempt int, base time.Duration, exp, jitter float64) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return time.Duration(math.Pow(exp, float64(attempt-2)) * float64(base) * (1 + jitter))
}

// policyBackOff feeds BackoffWait into backoff.RetryNotify. Attempt
// counting and the retry ceiling are left to WithMaxRetries.
type policyBackOff struct {
	base    time.Duration
	exp     float64
	retries int
	jitter  func() float64
}

var _ backoff.BackOff = (*policyBackOff)(nil)

func newPolicyBackOff(p domain.RetryPolicy, jitter func() float64) *policyBackOff {
	if jitter == nil {
		jitter = rand.Float64
	}
	return &policyBackOff{base: p.BackoffWait, exp: p.BackoffExponent, jitter: jitter}
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.retries++
	return BackoffWait(b.retries+1, b.base, b.exp, b.jitter())
}

func (b *policyBackOff) Reset() { b.retries = 0 }
