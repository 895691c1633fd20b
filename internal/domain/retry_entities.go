// Package domain defines the dispatcher's entities, error taxonomy and ports.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Retry defaults applied to zero-valued policy fields.
const (
	DefaultMaxRetries      = 5
	DefaultBackoffWait     = 150 * time.Millisecond
	DefaultBackoffExponent = 2.0
	DefaultCallTimeout     = 60 * time.Second
)

// Status is an upstream HTTP status, or StatusUnknown when no status exists
// (network failure, timeout).
type Status int

// StatusUnknown marks an attempt that produced no HTTP status.
const StatusUnknown Status = -1

// IsSuccess reports status/200 == 1 && status%200 < 100 using integer math.
// This accepts 200-299 and rejects everything else, StatusUnknown included.
func (s Status) IsSuccess() bool {
	n := int(s)
	return n/200 == 1 && n%200 < 100
}

func (s Status) String() string {
	if s == StatusUnknown {
		return "unknown"
	}
	return strconv.Itoa(int(s))
}

// Outcome is the result of one physical attempt.
type Outcome struct {
	Status Status
	Body   []byte
	Err    error
}

// RetryCodes is the set of statuses that trigger another attempt. Entries are
// status numbers, "unknown", or Wildcard for any non-success.
type RetryCodes []string

// Contains reports whether s is retryable under this set.
func (rc RetryCodes) Contains(s Status) bool {
	want := s.String()
	for _, c := range rc {
		c = strings.TrimSpace(c)
		if c == Wildcard || strings.EqualFold(c, want) {
			return true
		}
	}
	return false
}

// UnmarshalYAML accepts a list mixing integers and strings.
func (rc *RetryCodes) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("retry_codes: expected a list, got %s", node.Tag)
	}
	out := make(RetryCodes, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.ScalarNode {
			return fmt.Errorf("retry_codes: unexpected entry %q", item.Value)
		}
		out = append(out, strings.TrimSpace(item.Value))
	}
	*rc = out
	return nil
}

// RetryPolicy bounds the dispatch loop for a model.
type RetryPolicy struct {
	// MaxRetries counts retries after the first attempt. Zero selects the
	// default; a negative value disables retries.
	MaxRetries      int           `yaml:"max_retries" json:"max_retries,omitempty"`
	BackoffWait     time.Duration `yaml:"backoff_wait" json:"backoff_wait,omitempty"`
	BackoffExponent float64       `yaml:"backoff_exponent" json:"backoff_exponent,omitempty"`
	// Timeout applies to each attempt.
	Timeout    time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	RetryCodes RetryCodes    `yaml:"retry_codes" json:"retry_codes,omitempty"`
}

// WithDefaults returns a copy with zero fields replaced by defaults. It is
// idempotent; a negative MaxRetries is kept.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BackoffWait <= 0 {
		p.BackoffWait = DefaultBackoffWait
	}
	if p.BackoffExponent <= 0 {
		p.BackoffExponent = DefaultBackoffExponent
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultCallTimeout
	}
	return p
}

// Retries is the number of retries after the first attempt, with defaults
// applied and negative values clamped to zero.
func (p RetryPolicy) Retries() int {
	return max(p.WithDefaults().MaxRetries, 0)
}

// MaxAttempts is Retries() + 1.
func (p RetryPolicy) MaxAttempts() int { return p.Retries() + 1 }

// ShouldRetry reports whether another attempt follows an attempt numbered
// attempt (1-based) that ended with status.
func (p RetryPolicy) ShouldRetry(status Status, attempt int) bool {
	if status.IsSuccess() || len(p.RetryCodes) == 0 || !p.RetryCodes.Contains(status) {
		return false
	}
	return attempt+1 <= p.MaxAttempts()
}
