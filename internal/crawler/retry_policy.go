package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"
)

// BackoffConfig tunes a BackoffPolicy. Zero values select the defaults.
type BackoffConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      time.Duration
	Factor      float64
	MaxDelay    time.Duration
}

// Backoff defaults.
const (
	DefaultMaxAttempts   = 8
	MaxAttemptsCeiling   = 10
	DefaultBaseDelay     = 5 * time.Second
	DefaultJitter        = 10 * time.Second
	DefaultBackoffFactor = 8.0
	DefaultMaxDelay      = 2 * time.Minute
)

// BackoffPolicy bounds retries and computes randomized, multiplicatively
// growing delays between attempts.
type BackoffPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	jitter      time.Duration
	factor      float64
	maxDelay    time.Duration
}

// NewBackoffPolicy builds a policy, filling unset fields with defaults.
func NewBackoffPolicy(cfg BackoffConfig) *BackoffPolicy {
	p := &BackoffPolicy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		jitter:      cfg.Jitter,
		factor:      cfg.Factor,
		maxDelay:    cfg.MaxDelay,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = DefaultMaxAttempts
	}
	if p.maxAttempts > MaxAttemptsCeiling {
		p.maxAttempts = MaxAttemptsCeiling
	}
	if p.baseDelay < 0 {
		p.baseDelay = 0
	}
	if p.jitter < 0 {
		p.jitter = 0
	}
	if p.factor < 1 {
		p.factor = DefaultBackoffFactor
	}
	if p.maxDelay <= 0 {
		p.maxDelay = DefaultMaxDelay
	}
	return p
}

// MaxAttempts returns the attempt budget.
func (p *BackoffPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// WithAttempts returns a copy of the policy with a different attempt budget.
func (p *BackoffPolicy) WithAttempts(n int) *BackoffPolicy {
	cp := *p
	if n > 0 {
		cp.maxAttempts = min(n, MaxAttemptsCeiling)
	}
	return &cp
}

// ShouldRetry decides whether the error is retryable after attempt tries.
func (p *BackoffPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	return Retryable(err)
}

// Retryable reports whether err is worth another attempt at all: transient
// fetch errors and network timeouts, but never context cancellation.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsTransient(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Backoff returns the wait before retry number attempt (1-based).
func (p *BackoffPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.baseDelay + p.randomJitter(p.jitter)
	delay := float64(base) * math.Pow(p.factor, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		return p.maxDelay
	}
	return time.Duration(delay)
}

func (p *BackoffPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit) + 1)
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// RandomBetween returns a uniformly random duration in [lo, hi].
func RandomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(hi-lo)+1))
	if err != nil {
		return lo + (hi-lo)/2
	}
	return lo + time.Duration(n.Int64())
}
