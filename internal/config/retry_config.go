// Package config defines retry defaults.
package config

import (
	"time"

	"github.com/fairyhunter13/llm-dispatcher/internal/domain"
)

// GetRetryDefaults returns the retry policy applied to fields a profile leaves unset.
// In test environments the waits are much shorter for fast test execution.
func (c Config) GetRetryDefaults() domain.RetryPolicy {
	p := domain.RetryPolicy{
		MaxRetries:      c.RetryMaxRetries,
		BackoffWait:     c.RetryBackoffWait,
		BackoffExponent: c.RetryBackoffExponent,
		Timeout:         c.RetryCallTimeout,
	}
	if c.IsTest() {
		p.BackoffWait = time.Millisecond
		p.Timeout = 5 * time.Second
	}
	return p
}

// applyRetryDefaults fills zero fields of p from defaults. Retry codes are
// never defaulted: an empty set means "do not retry".
func applyRetryDefaults(p, defaults domain.RetryPolicy) domain.RetryPolicy {
	if p.MaxRetries == 0 {
		p.MaxRetries = defaults.MaxRetries
	}
	if p.BackoffWait <= 0 {
		p.BackoffWait = defaults.BackoffWait
	}
	if p.BackoffExponent <= 0 {
		p.BackoffExponent = defaults.BackoffExponent
	}
	if p.Timeout <= 0 {
		p.Timeout = defaults.Timeout
	}
	return p
}
