package strategy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/journal-crawler/internal/antibot"
	"github.com/JakeFAU/journal-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/journal-crawler/internal/fetcher/colly"
)

const tocURL = "https://www.cell.com/immunity/issue?pii=S1074-7613(25)00001-1"

var (
	contentBody   = []byte("<html><body>" + strings.Repeat("research article ", 80) + "</body></html>")
	challengeBody = []byte("<html><head><title>Just a moment...</title></head><body>Checking your browser</body></html>")
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	pauses []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Pause(_ context.Context, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauses = append(c.pauses, d)
	c.now = c.now.Add(d)
}

type directStep struct {
	body []byte
	err  error
}

type fakeDirect struct {
	mu     sync.Mutex
	steps  []directStep
	calls  int
	agents []string
}

func (f *fakeDirect) Name() string { return "direct" }

func (f *fakeDirect) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	step := f.steps[min(f.calls, len(f.steps)-1)]
	f.calls++
	f.agents = append(f.agents, req.UserAgent)
	if step.err != nil {
		return crawler.FetchResponse{}, step.err
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: step.body}, nil
}

type fakeSession struct {
	page crawler.Page
}

func (s *fakeSession) Snapshot(context.Context) (crawler.Page, error) { return s.page, nil }
func (s *fakeSession) ScrollToBottom(context.Context) error { return nil }
func (s *fakeSession) ScrollToTop(context.Context) error { return nil }
func (s *fakeSession) ClickFirst(context.Context, ...string) (bool, error) { return false, nil }
func (s *fakeSession) Close() {}

type fakeBrowser struct {
	mu      sync.Mutex
	body    []byte
	openErr error
	opens   int
}

func (b *fakeBrowser) Name() string { return "browser" }

func (b *fakeBrowser) Open(_ context.Context, req crawler.FetchRequest) (crawler.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	if b.openErr != nil {
		return nil, b.openErr
	}
	return &fakeSession{page: crawler.Page{URL: req.URL, Body: b.body}}, nil
}

func newSelector(direct crawler.Backend, browser crawler.Browser, clock *fakeClock, cfg Config) *Selector {
	awaiter := antibot.NewAwaiter(antibot.NewDetector(antibot.Config{}), antibot.AwaitConfig{}, clock, clock, nil)
	if cfg.DirectBackoff.BaseDelay == 0 {
		cfg.DirectBackoff = crawler.BackoffConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 2}
	}
	if cfg.BrowserBackoff.BaseDelay == 0 {
		cfg.BrowserBackoff = crawler.BackoffConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, Factor: 2}
	}
	if cfg.BrowserBudget == 0 {
		cfg.BrowserBudget = 10 * time.Second
	}
	return NewSelector(direct, browser, awaiter, nil, nil, clock, cfg, nil)
}

func TestSelectorDirectContent(t *testing.T) {
	t.Parallel()

	direct := &fakeDirect{steps: []directStep{{body: contentBody}}}
	browser := &fakeBrowser{body: contentBody}
	tracker := NewTracker()

	out := newSelector(direct, browser, newFakeClock(), Config{}).Fetch(context.Background(), tracker, crawler.FetchTarget{URL: tocURL})
	require.True(t, out.OK())
	require.Equal(t, "direct", out.Backend)
	require.Equal(t, 1, out.Attempts)
	require.Equal(t, tocURL, out.FinalURL)
	require.Zero(t, browser.opens)
	require.Zero(t, tracker.Failures())
}

func TestSelectorChallengeEscalatesToBrowser(t *testing.T) {
	t.Parallel()

	direct := &fakeDirect{steps: []directStep{{body: challengeBody}}}
	browser := &fakeBrowser{body: contentBody}
	tracker := NewTracker()

	out := newSelector(direct, browser, newFakeClock(), Config{}).Fetch(context.Background(), tracker, crawler.FetchTarget{URL: tocURL})
	require.True(t, out.OK())
	require.Equal(t, "browser", out.Backend)
	require.Equal(t, 2, out.Attempts)
	require.Equal(t, 1, direct.calls, "a challenge escalates without direct retries")
	require.Equal(t, 1, browser.opens)
	require.True(t, tracker.WasBlocked(tocURL))
	require.Zero(t, tracker.Failures())
}

func TestSelectorTransientRetriesThenEscalates(t *testing.T) {
	t.Parallel()

	transient := &crawler.TransientFetchError{URL: tocURL, StatusCode: 503}
	direct := &fakeDirect{steps: []directStep{{err: transient}}}
	browser := &fakeBrowser{body: contentBody}
	clock := newFakeClock()

	out := newSelector(direct, browser, clock, Config{}).Fetch(context.Background(), NewTracker(), crawler.FetchTarget{URL: tocURL})
	require.True(t, out.OK())
	require.Equal(t, 3, direct.calls)
	require.Equal(t, 4, out.Attempts)
	require.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, clock.pauses)
}

func TestSelectorForbiddenChallengeEscalatesAtOnce(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write(challengeBody)
	}))
	defer srv.Close()

	direct := collyfetcher.New(collyfetcher.Config{Timeout: 2 * time.Second})
	browser := &fakeBrowser{body: contentBody}
	clock := newFakeClock()
	tracker := NewTracker()

	out := newSelector(direct, browser, clock, Config{}).Fetch(context.Background(), tracker, crawler.FetchTarget{URL: srv.URL + "/toc"})
	require.True(t, out.OK())
	require.Equal(t, "browser", out.Backend)
	require.Equal(t, 1, browser.opens)
	require.Empty(t, clock.pauses, "no direct backoff before escalating")
	require.True(t, tracker.WasBlocked(srv.URL+"/toc"))
	mu.Lock()
	require.Equal(t, 1, hits)
	mu.Unlock()
}

func TestSelectorForbiddenWithoutMarkersIsRetried(t *testing.T) {
	t.Parallel()

	transient := &crawler.TransientFetchError{URL: tocURL, StatusCode: http.StatusForbidden, Body: []byte("<html><body>Forbidden</body></html>")}
	direct := &fakeDirect{steps: []directStep{{err: transient}}}

	out := newSelector(direct, nil, newFakeClock(), Config{}).Fetch(context.Background(), NewTracker(), crawler.FetchTarget{URL: tocURL})
	require.Equal(t, crawler.OutcomeFailed, out.Kind)
	require.Equal(t, 3, direct.calls)
}

func TestSelectorTargetAttemptsOverrideDirectBudget(t *testing.T) {
	t.Parallel()

	transient := &crawler.TransientFetchError{URL: tocURL, StatusCode: 429}
	direct := &fakeDirect{steps: []directStep{{err: transient}}}

	out := newSelector(direct, nil, newFakeClock(), Config{}).Fetch(
		context.Background(), NewTracker(), crawler.FetchTarget{URL: tocURL, MaxAttempts: 5},
	)
	require.Equal(t, crawler.OutcomeFailed, out.Kind)
	require.Equal(t, 5, direct.calls)
	require.True(t, crawler.IsTransient(out.Err))
}

func TestSelectorPermanentErrorDoesNotEscalate(t *testing.T) {
	t.Parallel()

	direct := &fakeDirect{steps: []directStep{{err: errors.New("status 404")}}}
	browser := &fakeBrowser{body: contentBody}
	tracker := NewTracker()

	out := newSelector(direct, browser, newFakeClock(), Config{}).Fetch(context.Background(), tracker, crawler.FetchTarget{URL: tocURL})
	require.Equal(t, crawler.OutcomeFailed, out.Kind)
	require.Equal(t, 1, direct.calls)
	require.Zero(t, browser.opens)
	require.Equal(t, 1, tracker.Failures())
	require.ErrorContains(t, out.Err, "status 404")
}

func TestSelectorDirectHintNeverEscalates(t *testing.T) {
	t.Parallel()

	direct := &fakeDirect{steps: []directStep{{body: challengeBody}}}
	browser := &fakeBrowser{body: contentBody}

	out := newSelector(direct, browser, newFakeClock(), Config{}).Fetch(
		context.Background(), NewTracker(), crawler.FetchTarget{URL: tocURL, Hint: crawler.HintDirect},
	)
	require.Equal(t, crawler.OutcomeBlocked, out.Kind)
	require.Zero(t, browser.opens)
	var blocked *crawler.BlockedError
	require.ErrorAs(t, out.Err, &blocked)
	require.Contains(t, blocked.Reason, "just a moment")
}

func TestSelectorBrowserHintSkipsDirect(t *testing.T) {
	t.Parallel()

	direct := &fakeDirect{steps: []directStep{{body: contentBody}}}
	browser := &fakeBrowser{body: contentBody}

	out := newSelector(direct, browser, newFakeClock(), Config{}).Fetch(
		context.Background(), NewTracker(), crawler.FetchTarget{URL: tocURL, Hint: crawler.HintBrowser},
	)
	require.True(t, out.OK())
	require.Zero(t, direct.calls)
	require.Equal(t, 1, out.Attempts)
}

func TestSelectorRemembersBlockedURL(t *testing.T) {
	t.Parallel()

	direct := &fakeDirect{steps: []directStep{{body: challengeBody}}}
	browser := &fakeBrowser{body: contentBody}
	tracker := NewTracker()
	selector := newSelector(direct, browser, newFakeClock(), Config{})

	require.True(t, selector.Fetch(context.Background(), tracker, crawler.FetchTarget{URL: tocURL}).OK())
	require.True(t, selector.Fetch(context.Background(), tracker, crawler.FetchTarget{URL: tocURL}).OK())
	require.Equal(t, 1, direct.calls, "second fetch starts in the browser")
	require.Equal(t, 2, browser.opens)

	// A fresh pass starts direct again.
	require.True(t, selector.Fetch(context.Background(), NewTracker(), crawler.FetchTarget{URL: tocURL}).OK())
	require.Equal(t, 2, direct.calls)
}

func TestSelectorBrowserChallengeEndsBlocked(t *testing.T) {
	t.Parallel()

	direct := &fakeDirect{steps: []directStep{{body: challengeBody}}}
	browser := &fakeBrowser{body: challengeBody}
	tracker := NewTracker()

	out := newSelector(direct, browser, newFakeClock(), Config{}).Fetch(context.Background(), tracker, crawler.FetchTarget{URL: tocURL})
	require.Equal(t, crawler.OutcomeBlocked, out.Kind)
	require.Equal(t, "browser", out.Backend)
	require.Equal(t, 2, browser.opens)
	require.Equal(t, 3, out.Attempts)
	require.Equal(t, 1, tracker.Failures())
	var blocked *crawler.BlockedError
	require.ErrorAs(t, out.Err, &blocked)
}

func TestSelectorBrowserOpenErrorsFail(t *testing.T) {
	t.Parallel()

	direct := &fakeDirect{steps: []directStep{{body: challengeBody}}}
	browser := &fakeBrowser{openErr: &crawler.TransientFetchError{URL: tocURL, Err: errors.New("navigate timeout")}}

	out := newSelector(direct, browser, newFakeClock(), Config{}).Fetch(context.Background(), NewTracker(), crawler.FetchTarget{URL: tocURL})
	require.Equal(t, crawler.OutcomeFailed, out.Kind)
	require.Equal(t, 2, browser.opens)
	require.True(t, crawler.IsTransient(out.Err))
}

func TestSelectorWithoutBrowser(t *testing.T) {
	t.Parallel()

	direct := &fakeDirect{steps: []directStep{{body: challengeBody}}}
	selector := newSelector(direct, nil, newFakeClock(), Config{})

	out := selector.Fetch(context.Background(), NewTracker(), crawler.FetchTarget{URL: tocURL})
	require.Equal(t, crawler.OutcomeBlocked, out.Kind)

	out = selector.Fetch(context.Background(), NewTracker(), crawler.FetchTarget{URL: tocURL, Hint: crawler.HintBrowser})
	require.Equal(t, crawler.OutcomeFailed, out.Kind)
	require.Equal(t, 1, direct.calls)
}

func TestSelectorRotatesUserAgents(t *testing.T) {
	t.Parallel()

	transient := &crawler.TransientFetchError{URL: tocURL, StatusCode: 500}
	direct := &fakeDirect{steps: []directStep{{err: transient}, {err: transient}, {body: contentBody}}}
	clock := newFakeClock()
	awaiter := antibot.NewAwaiter(antibot.NewDetector(antibot.Config{}), antibot.AwaitConfig{}, clock, clock, nil)
	agents := crawler.NewUserAgentPool([]string{"ua-a", "ua-b"})
	selector := NewSelector(direct, nil, awaiter, nil, agents, clock, Config{
		DirectBackoff: crawler.BackoffConfig{BaseDelay: time.Millisecond},
	}, nil)

	require.True(t, selector.Fetch(context.Background(), NewTracker(), crawler.FetchTarget{URL: tocURL}).OK())
	require.Equal(t, []string{"ua-a", "ua-b", "ua-a"}, direct.agents)
}

func TestSelectorUsesTargetKeywords(t *testing.T) {
	t.Parallel()

	body := []byte("<html><body>" + strings.Repeat("volume issue ", 100) + "</body></html>")
	direct := &fakeDirect{steps: []directStep{{body: body}}}
	selector := newSelector(direct, nil, newFakeClock(), Config{})

	out := selector.Fetch(context.Background(), NewTracker(), crawler.FetchTarget{URL: tocURL})
	require.Equal(t, crawler.OutcomeBlocked, out.Kind)

	out = selector.Fetch(context.Background(), NewTracker(), crawler.FetchTarget{URL: tocURL, Keywords: []string{"volume"}})
	require.True(t, out.OK())
}

func TestSelectorCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	direct := &fakeDirect{steps: []directStep{{err: context.Canceled}}}
	browser := &fakeBrowser{body: contentBody}

	out := newSelector(direct, browser, newFakeClock(), Config{}).Fetch(ctx, NewTracker(), crawler.FetchTarget{URL: tocURL})
	require.Equal(t, crawler.OutcomeFailed, out.Kind)
	require.Zero(t, browser.opens)
	require.ErrorIs(t, out.Err, context.Canceled)
}

func TestTrackerConcurrentUse(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.recordFailure()
			tracker.MarkBlocked(tocURL)
		}()
	}
	wg.Wait()
	require.Equal(t, 10, tracker.Failures())
	require.True(t, tracker.WasBlocked(tocURL))
	require.False(t, tracker.WasBlocked("https://www.cell.com/other"))
}
