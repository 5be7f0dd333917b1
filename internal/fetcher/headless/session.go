package headless

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

const (
	scrollBottomJS = `window.scrollTo(0, document.body ? document.body.scrollHeight : 0)`
	scrollTopJS    = `window.scrollTo(0, 0)`
)

// Session is one open browser tab. It satisfies crawler.Session.
type Session struct {
	tab           context.Context
	meta          *responseMeta
	requestURL    string
	actionTimeout time.Duration

	closeOnce sync.Once
	closeFn   func()
}

// Snapshot captures the current title, DOM and location of the tab.
func (s *Session) Snapshot(ctx context.Context) (crawler.Page, error) {
	var (
		title    string
		html     string
		location string
	)
	err := s.run(ctx,
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&location),
	)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("snapshot: %w", err)
	}
	status, url := s.meta.snapshotWithFallbacks(s.requestURL, location)
	return crawler.Page{URL: url, Title: title, Status: status, Body: []byte(html)}, nil
}

// ScrollToBottom scrolls the document to its full height.
func (s *Session) ScrollToBottom(ctx context.Context) error {
	if err := s.run(ctx, chromedp.Evaluate(scrollBottomJS, nil)); err != nil {
		return fmt.Errorf("scroll to bottom: %w", err)
	}
	return nil
}

// ScrollToTop scrolls the document back to the origin.
func (s *Session) ScrollToTop(ctx context.Context) error {
	if err := s.run(ctx, chromedp.Evaluate(scrollTopJS, nil)); err != nil {
		return fmt.Errorf("scroll to top: %w", err)
	}
	return nil
}

// ClickFirst clicks the first element matching one of selectors. It reports
// false when nothing matched.
func (s *Session) ClickFirst(ctx context.Context, selectors ...string) (bool, error) {
	for _, sel := range selectors {
		var clicked bool
		if err := s.run(ctx, chromedp.Evaluate(clickScript(sel), &clicked)); err != nil {
			return false, fmt.Errorf("click %q: %w", sel, err)
		}
		if clicked {
			return true, nil
		}
	}
	return false, nil
}

// Close releases the tab and its concurrency slot. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.closeFn != nil {
			s.closeFn()
		}
	})
}

// run executes actions on the tab, bounded by the action timeout and ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.tab, s.actionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func clickScript(selector string) string {
	return `(() => { const el = document.querySelector(` + strconv.Quote(selector) + `);` +
		` if (!el) { return false; } el.click(); return true; })()`
}
