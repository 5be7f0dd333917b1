package antibot

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
	"github.com/JakeFAU/journal-crawler/internal/metrics"
)

// AwaitConfig shapes the polling staircase. Zero values select the defaults.
type AwaitConfig struct {
	PollInterval time.Duration
	ShortWait    time.Duration
	MediumWait   time.Duration
	LongWait     time.Duration
	ErrorWait    time.Duration
	// InteractPause separates the steps of a synthetic interaction.
	InteractPause time.Duration
	// MediumAfter is the consecutive challenge count after which waits grow
	// from short to medium.
	MediumAfter int
	// InteractAfter is the consecutive challenge count after which waits are
	// long and each poll starts with a synthetic interaction.
	InteractAfter  int
	ClickSelectors []string
}

func (c AwaitConfig) withDefaults() AwaitConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ShortWait <= 0 {
		c.ShortWait = 3 * time.Second
	}
	if c.MediumWait <= 0 {
		c.MediumWait = 5 * time.Second
	}
	if c.LongWait <= 0 {
		c.LongWait = 8 * time.Second
	}
	if c.ErrorWait <= 0 {
		c.ErrorWait = 3 * time.Second
	}
	if c.InteractPause <= 0 {
		c.InteractPause = time.Second
	}
	if c.MediumAfter <= 0 {
		c.MediumAfter = 3
	}
	if c.InteractAfter <= 0 {
		c.InteractAfter = 5
	}
	if c.InteractAfter < c.MediumAfter {
		c.InteractAfter = c.MediumAfter
	}
	if len(c.ClickSelectors) == 0 {
		c.ClickSelectors = []string{"button", "a"}
	}
	return c
}

// Awaiter polls a browser session until real content replaces a challenge.
type Awaiter struct {
	detector *Detector
	cfg      AwaitConfig
	clock    crawler.Clock
	pauser   crawler.Pauser
	logger   *zap.Logger
}

// NewAwaiter wires a detector to the polling policy.
func NewAwaiter(
	detector *Detector,
	cfg AwaitConfig,
	clock crawler.Clock,
	pauser crawler.Pauser,
	logger *zap.Logger,
) *Awaiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pauser == nil {
		pauser = crawler.TimerPauser{}
	}
	return &Awaiter{
		detector: detector,
		cfg:      cfg.withDefaults(),
		clock:    clock,
		pauser:   pauser,
		logger:   logger,
	}
}

// WithDetector returns a copy of a that classifies with d.
func (a *Awaiter) WithDetector(d *Detector) *Awaiter {
	cp := *a
	cp.detector = d
	return &cp
}

// Detector returns the detector in use.
func (a *Awaiter) Detector() *Detector {
	return a.detector
}

// AwaitRealContent reports whether real content showed up within budget.
func (a *Awaiter) AwaitRealContent(ctx context.Context, session crawler.Session, budget time.Duration) bool {
	_, ok := a.AwaitPage(ctx, session, budget)
	return ok
}

// AwaitPage polls session until the detector accepts a snapshot, returning
// that snapshot. It returns false once budget elapses or ctx is done.
func (a *Awaiter) AwaitPage(ctx context.Context, session crawler.Session, budget time.Duration) (crawler.Page, bool) {
	deadline := a.clock.Now().Add(budget)
	consecutive := 0
	polls := 0

	for {
		if ctx.Err() != nil {
			return crawler.Page{}, false
		}
		polls++
		var wait time.Duration

		page, err := session.Snapshot(ctx)
		switch {
		case err != nil:
			a.logger.Debug("snapshot failed", zap.Int("poll", polls), zap.Error(err))
			wait = a.cfg.ErrorWait
		default:
			signal, reason := a.detector.Classify(page)
			switch signal {
			case SignalContent:
				a.logger.Debug("real content detected", zap.Int("poll", polls), zap.String("url", page.URL))
				return page, true
			case SignalChallenge:
				consecutive++
				metrics.ObserveChallenge(page.URL)
				a.logger.Info("challenge page detected",
					zap.String("url", page.URL),
					zap.String("marker", reason),
					zap.Int("consecutive", consecutive),
				)
				if consecutive > a.cfg.InteractAfter {
					a.interact(ctx, session, deadline)
				}
				wait = a.challengeWait(consecutive)
			default:
				consecutive = 0
				wait = a.cfg.PollInterval
			}
		}

		if !a.pauseUntil(ctx, wait, deadline) {
			a.logger.Warn("challenge wait budget exhausted",
				zap.Duration("budget", budget),
				zap.Int("polls", polls),
				zap.Int("consecutive_challenges", consecutive),
			)
			return crawler.Page{}, false
		}
	}
}

// challengeWait implements the short, medium, long staircase.
func (a *Awaiter) challengeWait(consecutive int) time.Duration {
	switch {
	case consecutive <= a.cfg.MediumAfter:
		return a.cfg.ShortWait
	case consecutive <= a.cfg.InteractAfter:
		return a.cfg.MediumWait
	default:
		return a.cfg.LongWait
	}
}

// interact scrolls to the bottom, back to the top, then clicks one element.
// Failures are logged and otherwise ignored.
func (a *Awaiter) interact(ctx context.Context, session crawler.Session, deadline time.Time) {
	if err := session.ScrollToBottom(ctx); err != nil {
		a.logger.Debug("scroll to bottom failed", zap.Error(err))
	}
	if !a.pauseUntil(ctx, a.cfg.InteractPause, deadline) {
		return
	}
	if err := session.ScrollToTop(ctx); err != nil {
		a.logger.Debug("scroll to top failed", zap.Error(err))
	}
	if !a.pauseUntil(ctx, a.cfg.InteractPause, deadline) {
		return
	}
	clicked, err := session.ClickFirst(ctx, a.cfg.ClickSelectors...)
	if err != nil {
		a.logger.Debug("click failed", zap.Error(err))
		return
	}
	a.logger.Debug("synthetic interaction done", zap.Bool("clicked", clicked))
}

// pauseUntil waits for delay clipped to the deadline. It returns false when
// no budget remains or ctx is done.
func (a *Awaiter) pauseUntil(ctx context.Context, delay time.Duration, deadline time.Time) bool {
	remaining := deadline.Sub(a.clock.Now())
	if remaining <= 0 {
		return false
	}
	a.pauser.Pause(ctx, min(delay, remaining))
	return ctx.Err() == nil
}
