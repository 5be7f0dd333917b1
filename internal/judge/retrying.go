package judge

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

// Retrying retries transient judge failures with the shared backoff policy.
type Retrying struct {
	inner  crawler.Judge
	policy *crawler.BackoffPolicy
	pauser crawler.Pauser
	logger *zap.Logger
}

var _ crawler.Judge = (*Retrying)(nil)

// NewRetrying wraps inner.
func NewRetrying(inner crawler.Judge, policy *crawler.BackoffPolicy, pauser crawler.Pauser, logger *zap.Logger) *Retrying {
	if policy == nil {
		policy = crawler.NewBackoffPolicy(crawler.BackoffConfig{MaxAttempts: 3})
	}
	if pauser == nil {
		pauser = crawler.TimerPauser{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{inner: inner, policy: policy, pauser: pauser, logger: logger}
}

// Judge calls the wrapped judge until it succeeds, fails permanently, or the
// attempt budget is spent. Malformed replies count as transient.
func (r *Retrying) Judge(ctx context.Context, title, abstract string) (bool, string, error) {
	for attempt := 1; ; attempt++ {
		relevant, rationale, err := r.inner.Judge(ctx, title, abstract)
		if err == nil {
			return relevant, rationale, nil
		}
		if !r.retryable(err, attempt) {
			return false, "", err
		}
		delay := r.policy.Backoff(attempt)
		r.logger.Debug("judge call retry",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		r.pauser.Pause(ctx, delay)
		if ctx.Err() != nil {
			return false, "", ctx.Err()
		}
	}
}

func (r *Retrying) retryable(err error, attempt int) bool {
	if attempt >= r.policy.MaxAttempts() {
		return false
	}
	return errors.Is(err, ErrMalformedReply) || r.policy.ShouldRetry(err, attempt)
}
