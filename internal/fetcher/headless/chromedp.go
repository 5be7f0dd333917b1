// Package headless contains the browser backend that drives Chrome via chromedp.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

// BackendName identifies this backend in outcomes and metrics.
const BackendName = "browser"

const defaultNavigationTimeout = 45 * time.Second

// Config controls the behavior of the browser backend.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// ActionTimeout bounds each snapshot, scroll or click.
	ActionTimeout time.Duration
}

// Fetcher opens chromedp sessions as tabs of one long-lived browser.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocCancel context.CancelFunc

	// browser owns the Chrome process. Tabs derive from it, so cancelling a
	// tab or its navigation never stops the browser.
	browser       context.Context
	browserCancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// NewChromedp creates a browser backend backed by chromedp. Chrome is
// launched on the first Open.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 900),
	)
	if os.Geteuid() == 0 {
		// Chrome refuses to start its sandbox as root (containers).
		opts = append(opts, chromedp.NoSandbox)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		allocCancel:   allocCancel,
		browser:       browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.browserCancel()
	f.allocCancel()
}

// Name implements crawler.Browser.
func (f *Fetcher) Name() string {
	return BackendName
}

// start launches Chrome under the long-lived browser context. The first Run
// on a context allocates the browser with that context, so it must never
// carry a timeout.
func (f *Fetcher) start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil
	}
	if err := chromedp.Run(f.browser); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	f.started = true
	return nil
}

// Open navigates a fresh tab to the request URL and returns the live session.
// The caller must Close the session to release the tab and its slot.
func (f *Fetcher) Open(ctx context.Context, request crawler.FetchRequest) (crawler.Session, error) {
	if err := f.start(); err != nil {
		return nil, err
	}
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(f.browser)
	stop := context.AfterFunc(ctx, tabCancel)

	meta := &responseMeta{}
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	session := &Session{
		tab:           tabCtx,
		meta:          meta,
		requestURL:    request.URL,
		actionTimeout: f.cfg.ActionTimeout,
		closeFn: func() {
			stop()
			tabCancel()
			f.release()
		},
	}

	// Attach the tab before bounding the navigation; the timeout then only
	// covers loading the page.
	if err := chromedp.Run(tabCtx); err != nil {
		session.Close()
		return nil, &crawler.TransientFetchError{URL: request.URL, Err: fmt.Errorf("chromedp open tab: %w", err)}
	}

	navCtx, navCancel := context.WithTimeout(tabCtx, f.navTimeout(request))
	defer navCancel()
	actions := []chromedp.Action{
		f.networkSetupAction(request),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if err := chromedp.Run(navCtx, actions...); err != nil {
		session.Close()
		return nil, &crawler.TransientFetchError{URL: request.URL, Err: fmt.Errorf("chromedp navigate: %w", err)}
	}
	return session, nil
}

func (f *Fetcher) networkSetupAction(request crawler.FetchRequest) chromedp.Action {
	userAgent := request.UserAgent
	if userAgent == "" {
		userAgent = f.cfg.UserAgent
	}
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if userAgent != "" {
			override := emulation.SetUserAgentOverride(userAgent).WithAcceptLanguage("en-US,en;q=0.9")
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(request.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(request.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

func (f *Fetcher) navTimeout(request crawler.FetchRequest) time.Duration {
	if request.Timeout > 0 {
		return request.Timeout
	}
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

// responseMeta tracks the status and URL of the latest document response.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks returns the document status and URL, preferring the
// captured response, then the browser location, then the requested URL.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
