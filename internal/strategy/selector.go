// Package strategy decides how a page is fetched: directly first, then through
// a controlled browser when the direct attempt is blocked or exhausted.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/journal-crawler/internal/antibot"
	"github.com/JakeFAU/journal-crawler/internal/crawler"
	"github.com/JakeFAU/journal-crawler/internal/metrics"
	"github.com/JakeFAU/journal-crawler/internal/policy/ratelimit"
)

// DefaultBrowserAttempts bounds browser sessions per logical fetch.
const DefaultBrowserAttempts = 3

// DefaultBrowserBudget is how long a session may sit on a challenge page.
const DefaultBrowserBudget = 60 * time.Second

// Config tunes the selector.
type Config struct {
	DirectBackoff  crawler.BackoffConfig
	BrowserBackoff crawler.BackoffConfig
	// BrowserBudget is handed to the awaiter for every browser session.
	BrowserBudget time.Duration
	Timeout       time.Duration
	RespectRobots bool
}

// Selector runs one logical fetch across the direct and browser backends.
type Selector struct {
	direct        crawler.Backend
	browser       crawler.Browser
	awaiter       *antibot.Awaiter
	limiter       *ratelimit.Limiter
	agents        *crawler.UserAgentPool
	pauser        crawler.Pauser
	directPolicy  *crawler.BackoffPolicy
	browserPolicy *crawler.BackoffPolicy
	cfg           Config
	logger        *zap.Logger
}

// NewSelector wires the backends. browser and limiter may be nil.
func NewSelector(
	direct crawler.Backend,
	browser crawler.Browser,
	awaiter *antibot.Awaiter,
	limiter *ratelimit.Limiter,
	agents *crawler.UserAgentPool,
	pauser crawler.Pauser,
	cfg Config,
	logger *zap.Logger,
) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pauser == nil {
		pauser = crawler.TimerPauser{}
	}
	if agents == nil {
		agents = crawler.NewUserAgentPool(nil)
	}
	if cfg.BrowserBudget <= 0 {
		cfg.BrowserBudget = DefaultBrowserBudget
	}
	if cfg.BrowserBackoff.MaxAttempts <= 0 {
		cfg.BrowserBackoff.MaxAttempts = DefaultBrowserAttempts
	}
	return &Selector{
		direct:        direct,
		browser:       browser,
		awaiter:       awaiter,
		limiter:       limiter,
		agents:        agents,
		pauser:        pauser,
		directPolicy:  crawler.NewBackoffPolicy(cfg.DirectBackoff),
		browserPolicy: crawler.NewBackoffPolicy(cfg.BrowserBackoff),
		cfg:           cfg,
		logger:        logger,
	}
}

// Fetch resolves target to content, a block, or a failure. The tracker
// belongs to the calling stream pass and is updated with failures and
// blocked URLs.
func (s *Selector) Fetch(ctx context.Context, tracker *Tracker, target crawler.FetchTarget) crawler.FetchOutcome {
	if tracker == nil {
		tracker = NewTracker()
	}
	detector := s.awaiter.Detector().WithKeywords(target.Keywords)
	logger := s.logger.With(zap.String("url", target.URL))

	attempts := 0
	if s.startDirect(tracker, target) {
		outcome, escalate := s.fetchDirect(ctx, target, detector)
		if outcome.OK() {
			return outcome
		}
		if outcome.Kind == crawler.OutcomeBlocked {
			tracker.MarkBlocked(target.URL)
		}
		if !escalate || !s.canEscalate(target) {
			logger.Warn("direct fetch gave up",
				zap.String("kind", string(outcome.Kind)),
				zap.String("reason", outcome.Reason),
				zap.Int("attempts", outcome.Attempts),
			)
			tracker.recordFailure()
			return outcome
		}
		attempts = outcome.Attempts
		metrics.ObserveEscalation()
		logger.Info("escalating to browser",
			zap.String("kind", string(outcome.Kind)),
			zap.String("reason", outcome.Reason),
		)
	} else if s.browser == nil {
		tracker.recordFailure()
		return crawler.FetchOutcome{
			Kind:   crawler.OutcomeFailed,
			Reason: "browser required but not configured",
			Err:    errors.New("no browser backend configured"),
		}
	}

	outcome := s.fetchBrowser(ctx, target, detector)
	outcome.Attempts += attempts
	if !outcome.OK() {
		tracker.recordFailure()
		if outcome.Kind == crawler.OutcomeBlocked {
			tracker.MarkBlocked(target.URL)
		}
		logger.Warn("browser fetch gave up",
			zap.String("kind", string(outcome.Kind)),
			zap.String("reason", outcome.Reason),
			zap.Int("attempts", outcome.Attempts),
		)
	}
	return outcome
}

// startDirect picks the first backend for target.
func (s *Selector) startDirect(tracker *Tracker, target crawler.FetchTarget) bool {
	switch {
	case target.Hint == crawler.HintDirect:
		return true
	case target.Hint == crawler.HintBrowser:
		return false
	case s.browser != nil && tracker.WasBlocked(target.URL):
		return false
	default:
		return true
	}
}

func (s *Selector) canEscalate(target crawler.FetchTarget) bool {
	return s.browser != nil && target.Hint != crawler.HintDirect
}

// fetchDirect retries transient errors with backoff. It reports whether the
// outcome warrants escalation to the browser.
func (s *Selector) fetchDirect(
	ctx context.Context,
	target crawler.FetchTarget,
	detector *antibot.Detector,
) (crawler.FetchOutcome, bool) {
	policy := s.directPolicy.WithAttempts(target.MaxAttempts)
	for attempt := 1; ; attempt++ {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx, target.URL); err != nil {
				return failed(crawler.HintDirect, attempt-1, err), false
			}
		}

		request := crawler.FetchRequest{
			URL:           target.URL,
			UserAgent:     s.agents.Next(),
			Headers:       crawler.BrowserHeaders(),
			Timeout:       s.timeout(target),
			RespectRobots: s.cfg.RespectRobots,
		}
		start := time.Now()
		resp, err := s.direct.Fetch(ctx, request)
		if err != nil {
			if reason, ok := challengeOnError(err, detector); ok {
				metrics.ObserveFetch(s.direct.Name(), "blocked", time.Since(start))
				return blocked(target, s.direct.Name(), attempt, reason), true
			}
			metrics.ObserveFetch(s.direct.Name(), "error", time.Since(start))
			if policy.ShouldRetry(err, attempt) {
				delay := policy.Backoff(attempt)
				s.logger.Debug("direct fetch retry",
					zap.String("url", target.URL),
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay),
					zap.Error(err),
				)
				s.pauser.Pause(ctx, delay)
				if ctx.Err() != nil {
					return failed(crawler.HintDirect, attempt, ctx.Err()), false
				}
				continue
			}
			// Budget spent on a retryable error escalates; anything else is final.
			return failed(crawler.HintDirect, attempt, err), crawler.Retryable(err)
		}

		page := crawler.Page{URL: resp.URL, Status: resp.StatusCode, Body: resp.Body}
		signal, reason := detector.Classify(page)
		if signal == antibot.SignalContent {
			metrics.ObserveFetch(s.direct.Name(), "content", time.Since(start))
			return crawler.FetchOutcome{
				Kind:     crawler.OutcomeContent,
				Body:     resp.Body,
				FinalURL: finalURL(resp.URL, target.URL),
				Backend:  s.direct.Name(),
				Attempts: attempt,
			}, false
		}
		metrics.ObserveFetch(s.direct.Name(), "blocked", time.Since(start))
		if signal == antibot.SignalChallenge {
			reason = "challenge marker " + reason
		}
		outcome := blocked(target, s.direct.Name(), attempt, reason)
		outcome.FinalURL = finalURL(resp.URL, target.URL)
		return outcome, true
	}
}

// challengeOnError inspects the body of a 403 or 429 reply. Challenge
// interstitials are usually served with those statuses.
func challengeOnError(err error, detector *antibot.Detector) (string, bool) {
	var transient *crawler.TransientFetchError
	if !errors.As(err, &transient) || len(transient.Body) == 0 {
		return "", false
	}
	if transient.StatusCode != http.StatusForbidden && transient.StatusCode != http.StatusTooManyRequests {
		return "", false
	}
	signal, marker := detector.Classify(crawler.Page{URL: transient.URL, Body: transient.Body})
	if signal != antibot.SignalChallenge {
		return "", false
	}
	return fmt.Sprintf("challenge marker %s (status %d)", marker, transient.StatusCode), true
}

func blocked(target crawler.FetchTarget, backend string, attempts int, reason string) crawler.FetchOutcome {
	return crawler.FetchOutcome{
		Kind:     crawler.OutcomeBlocked,
		FinalURL: target.URL,
		Reason:   reason,
		Err:      &crawler.BlockedError{URL: target.URL, Reason: reason},
		Backend:  backend,
		Attempts: attempts,
	}
}

// fetchBrowser opens a fresh session per attempt and waits out challenges.
func (s *Selector) fetchBrowser(
	ctx context.Context,
	target crawler.FetchTarget,
	detector *antibot.Detector,
) crawler.FetchOutcome {
	awaiter := s.awaiter.WithDetector(detector)
	policy := s.browserPolicy
	var last crawler.FetchOutcome
	for attempt := 1; ; attempt++ {
		start := time.Now()
		session, err := s.browser.Open(ctx, crawler.FetchRequest{
			URL:       target.URL,
			UserAgent: s.agents.Next(),
			Timeout:   s.timeout(target),
		})
		if err != nil {
			metrics.ObserveFetch(s.browser.Name(), "error", time.Since(start))
			last = failed(crawler.HintBrowser, attempt, err)
			if !policy.ShouldRetry(err, attempt) {
				return last
			}
		} else {
			page, ok := awaiter.AwaitPage(ctx, session, s.cfg.BrowserBudget)
			session.Close()
			if ok {
				metrics.ObserveFetch(s.browser.Name(), "content", time.Since(start))
				return crawler.FetchOutcome{
					Kind:     crawler.OutcomeContent,
					Body:     page.Body,
					FinalURL: finalURL(page.URL, target.URL),
					Backend:  s.browser.Name(),
					Attempts: attempt,
				}
			}
			metrics.ObserveFetch(s.browser.Name(), "blocked", time.Since(start))
			reason := "challenge not cleared within " + s.cfg.BrowserBudget.String()
			last = crawler.FetchOutcome{
				Kind:     crawler.OutcomeBlocked,
				FinalURL: target.URL,
				Reason:   reason,
				Err:      &crawler.BlockedError{URL: target.URL, Reason: reason},
				Backend:  s.browser.Name(),
				Attempts: attempt,
			}
			if attempt >= policy.MaxAttempts() || ctx.Err() != nil {
				return last
			}
		}

		s.pauser.Pause(ctx, policy.Backoff(attempt))
		if ctx.Err() != nil {
			return failed(crawler.HintBrowser, attempt, ctx.Err())
		}
	}
}

func (s *Selector) timeout(target crawler.FetchTarget) time.Duration {
	if target.Timeout > 0 {
		return target.Timeout
	}
	return s.cfg.Timeout
}

func failed(backend crawler.Hint, attempts int, err error) crawler.FetchOutcome {
	return crawler.FetchOutcome{
		Kind:     crawler.OutcomeFailed,
		Reason:   err.Error(),
		Err:      fmt.Errorf("%s fetch: %w", backend, err),
		Backend:  string(backend),
		Attempts: attempts,
	}
}

func finalURL(got, requested string) string {
	if got != "" {
		return got
	}
	return requested
}
