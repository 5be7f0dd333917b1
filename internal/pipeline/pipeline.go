// Package pipeline runs one crawl pass per stream: window, index, fetch,
// extract, classify, persist and commit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/journal-crawler/internal/archive"
	"github.com/JakeFAU/journal-crawler/internal/checkpoint"
	"github.com/JakeFAU/journal-crawler/internal/crawler"
	"github.com/JakeFAU/journal-crawler/internal/metrics"
	"github.com/JakeFAU/journal-crawler/internal/strategy"
)

// Defaults for Config.
const (
	DefaultPassTimeout  = 30 * time.Minute
	DefaultFetchWorkers = 1
)

// Fetcher resolves one page visit. strategy.Selector implements it.
type Fetcher interface {
	Fetch(ctx context.Context, tracker *strategy.Tracker, target crawler.FetchTarget) crawler.FetchOutcome
}

// Classifier assigns verdicts. consensus.Classifier implements it.
type Classifier interface {
	Classify(ctx context.Context, items []crawler.RawItem) ([]crawler.Verdict, error)
}

// IndexParser reads an archive page. archive.Parser implements it.
type IndexParser interface {
	Parse(body []byte, pageURL string) (archive.Index, error)
}

// Parsers supplies the site-specific readers for a stream. A nil IndexParser
// means the index pages are themselves the listing pages, as for feeds.
type Parsers interface {
	For(stream crawler.Stream) (IndexParser, crawler.Extractor, error)
}

// Config tunes the pipeline.
type Config struct {
	PassTimeout  time.Duration
	FetchWorkers int
}

// Pipeline is the composition root of a crawl run.
type Pipeline struct {
	fetcher     Fetcher
	parsers     Parsers
	resolver    *archive.Resolver
	checkpoints *checkpoint.Manager
	classifier  Classifier
	articles    crawler.ArticleStore
	notifier    crawler.Notifier
	clock       crawler.Clock
	ids         crawler.IDGenerator
	observer    Observer
	cfg         Config
	logger      *zap.Logger
}

// Observer follows a run as it progresses. Calls come from the goroutine
// running the pipeline.
type Observer interface {
	RunStarted(runID string, streams []crawler.Stream)
	StreamFinished(outcome crawler.StreamOutcome)
}

// New wires a pipeline. notifier may be nil.
func New(
	fetcher Fetcher,
	parsers Parsers,
	resolver *archive.Resolver,
	checkpoints *checkpoint.Manager,
	classifier Classifier,
	articles crawler.ArticleStore,
	notifier crawler.Notifier,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = DefaultPassTimeout
	}
	if cfg.FetchWorkers <= 0 {
		cfg.FetchWorkers = DefaultFetchWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = archive.NewResolver(archive.DefaultFallbackLimit, logger)
	}
	return &Pipeline{
		fetcher:     fetcher,
		parsers:     parsers,
		resolver:    resolver,
		checkpoints: checkpoints,
		classifier:  classifier,
		articles:    articles,
		notifier:    notifier,
		clock:       clock,
		ids:         ids,
		cfg:         cfg,
		logger:      logger,
	}
}

// WithObserver returns a copy of p that reports progress to o.
func (p *Pipeline) WithObserver(o Observer) *Pipeline {
	cp := *p
	cp.observer = o
	return &cp
}

// Run processes streams sequentially and returns one outcome per stream. A
// failing stream never stops the run.
func (p *Pipeline) Run(ctx context.Context, streams []crawler.Stream) crawler.RunSummary {
	summary := crawler.RunSummary{StartedAt: p.clock.Now().UTC()}
	if p.ids != nil {
		if id, err := p.ids.NewID(); err == nil {
			summary.RunID = id
		} else {
			p.logger.Warn("run id generation failed", zap.Error(err))
		}
	}
	p.logger.Info("crawl run started", zap.String("run_id", summary.RunID), zap.Int("streams", len(streams)))
	if p.observer != nil {
		p.observer.RunStarted(summary.RunID, streams)
	}

	outcomes := make([]crawler.StreamOutcome, 0, len(streams))
	for _, stream := range streams {
		outcome := p.runStream(ctx, stream)
		if p.observer != nil {
			p.observer.StreamFinished(outcome)
		}
		outcomes = append(outcomes, outcome)
	}
	summary.Outcomes = outcomes
	summary.FinishedAt = p.clock.Now().UTC()

	p.logger.Info("crawl run finished",
		zap.String("run_id", summary.RunID),
		zap.Int("succeeded", summary.Succeeded()),
		zap.Int("failed", len(summary.FailedStreams())),
		zap.Int("items", summary.TotalItems()),
		zap.Int("relevant", summary.TotalRelevant()),
	)
	return summary
}

// fetchedPage is a listing page that produced content.
type fetchedPage struct {
	url  string
	body []byte
}

// pass carries the state of one stream pass.
type pass struct {
	stream  crawler.Stream
	window  crawler.Window
	tracker *strategy.Tracker
	logger  *zap.Logger
	out     *crawler.StreamOutcome
}

func (p *Pipeline) runStream(parent context.Context, stream crawler.Stream) (out crawler.StreamOutcome) {
	started := p.clock.Now()
	key := stream.Key()
	logger := p.logger.With(zap.String("stream", key))
	out = crawler.StreamOutcome{StreamKey: key, Name: stream.Name}

	defer func() {
		out.Duration = p.clock.Now().Sub(started)
		metrics.ObserveStreamPass(key, out.Failed)
		if out.Failed {
			logger.Error("stream pass failed",
				zap.String("reason", out.FailureReason),
				zap.Int("fetch_failures", out.FetchFailures),
			)
			return
		}
		logger.Info("stream pass complete",
			zap.Int("found", out.ItemsFound),
			zap.Int("accepted", out.ItemsAccepted),
			zap.Int("relevant", out.ItemsRelevant),
			zap.Bool("fallback", out.Fallback),
		)
	}()

	if err := parent.Err(); err != nil {
		return fail(out, fmt.Errorf("run canceled: %w", err))
	}
	ctx, cancel := context.WithTimeout(parent, p.cfg.PassTimeout)
	defer cancel()

	start, end, err := p.checkpoints.NextWindow(ctx, stream)
	if err != nil {
		return fail(out, err)
	}
	out.Window = crawler.Window{Start: start, End: end}
	logger.Info("stream pass started", zap.Time("window_start", start), zap.Time("window_end", end))

	indexParser, extractor, err := p.parsers.For(stream)
	if err != nil {
		return fail(out, fmt.Errorf("stream parsers: %w", err))
	}

	ps := &pass{
		stream:  stream,
		window:  out.Window,
		tracker: strategy.NewTracker(),
		logger:  logger,
		out:     &out,
	}
	defer func() { out.FetchFailures = ps.tracker.Failures() }()

	pages, subdivisions, fetchErr := p.collectPages(ctx, ps, indexParser)
	if fetchErr != nil && len(pages) == 0 {
		return fail(out, fetchErr)
	}

	items := p.extract(ps, extractor, pages)
	out.ItemsFound = len(items)
	if len(items) == 0 && fetchErr != nil {
		return fail(out, fetchErr)
	}
	if len(items) == 0 && subdivisions == 0 {
		logger.Info("no content in window")
	}

	fresh, err := p.unseen(ctx, items)
	if err != nil {
		return fail(out, err)
	}
	verdicts, err := p.classifier.Classify(ctx, fresh)
	if err != nil {
		return fail(out, err)
	}
	if err := p.persist(ctx, ps, fresh, verdicts); err != nil {
		return fail(out, err)
	}

	if err := ctx.Err(); err != nil {
		return fail(out, fmt.Errorf("pass interrupted: %w", err))
	}
	if fetchErr != nil {
		// Items from pages that loaded stay persisted. The checkpoint is held so
		// the pages that failed fall inside the next window.
		return fail(out, fmt.Errorf("checkpoint held after fetch failure: %w", fetchErr))
	}
	if err := p.checkpoints.Commit(ctx, stream, maxPublished(items)); err != nil {
		return fail(out, err)
	}
	return out
}

// collectPages fetches the listing pages of a pass. The returned error is
// set when any fetch failed; pages holds whatever succeeded.
func (p *Pipeline) collectPages(ctx context.Context, ps *pass, indexParser IndexParser) ([]fetchedPage, int, error) {
	indexURLs := indexPages(ps.stream, ps.window)
	if len(indexURLs) == 0 {
		return nil, 0, fmt.Errorf("stream %s has no index url", ps.stream.Key())
	}

	indexes, indexErr := p.fetchIndexes(ctx, ps, indexURLs)
	if indexParser == nil {
		return indexes, len(indexes), indexErr
	}

	var merged archive.Index
	parsed := 0
	for _, page := range indexes {
		index, err := indexParser.Parse(page.body, page.url)
		if err != nil {
			ps.logger.Warn("index page not parsed", zap.String("url", page.url), zap.Error(err))
			if indexErr == nil {
				indexErr = err
			}
			continue
		}
		parsed++
		merged = merged.Merge(index)
	}
	if parsed == 0 {
		if indexErr == nil {
			indexErr = errors.New("no index page could be read")
		}
		return nil, 0, fmt.Errorf("index unavailable: %w", indexErr)
	}

	resolved := p.resolver.Resolve(merged, ps.window.Start, ps.window.End)
	ps.out.Fallback = resolved.Fallback
	if resolved.Fallback {
		ps.logger.Warn("low-confidence window from nearest-match fallback",
			zap.Bool("fallback", true),
			zap.Int("subdivisions", len(resolved.Subdivisions)),
		)
	}
	if len(resolved.Subdivisions) == 0 {
		return nil, 0, indexErr
	}

	pages, err := p.fetchSubdivisions(ctx, ps, resolved.Subdivisions)
	if err == nil {
		err = indexErr
	}
	return pages, len(resolved.Subdivisions), err
}

func (p *Pipeline) fetchIndexes(ctx context.Context, ps *pass, urls []string) ([]fetchedPage, error) {
	var (
		pages    []fetchedPage
		firstErr error
	)
	for _, pageURL := range urls {
		outcome := p.fetcher.Fetch(ctx, ps.tracker, p.target(ps.stream, pageURL))
		if !outcome.OK() && ps.stream.IndexFallbackQuery != "" {
			retryURL := withQuery(pageURL, ps.stream.IndexFallbackQuery)
			ps.logger.Info("retrying index with fallback query", zap.String("url", retryURL))
			outcome = p.fetcher.Fetch(ctx, ps.tracker, p.target(ps.stream, retryURL))
		}
		if !outcome.OK() {
			err := outcomeError(pageURL, outcome)
			ps.logger.Warn("index fetch failed", zap.String("url", pageURL), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		pages = append(pages, fetchedPage{url: pageURL, body: outcome.Body})
	}
	return pages, firstErr
}

// fetchSubdivisions fetches every subdivision, up to FetchWorkers at a time.
// A failed page is counted and the others are still attempted.
func (p *Pipeline) fetchSubdivisions(ctx context.Context, ps *pass, subs []crawler.Subdivision) ([]fetchedPage, error) {
	results := make([]crawler.FetchOutcome, len(subs))
	var g errgroup.Group
	g.SetLimit(p.cfg.FetchWorkers)
	for i, sub := range subs {
		g.Go(func() error {
			results[i] = p.fetcher.Fetch(ctx, ps.tracker, p.target(ps.stream, sub.Ref))
			return nil
		})
	}
	_ = g.Wait()

	var (
		pages    []fetchedPage
		failures int
		firstErr error
	)
	for i, outcome := range results {
		if !outcome.OK() {
			failures++
			err := outcomeError(subs[i].Ref, outcome)
			ps.logger.Warn("subdivision fetch failed",
				zap.String("url", subs[i].Ref),
				zap.String("label", subs[i].Label),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		pages = append(pages, fetchedPage{url: subs[i].Ref, body: outcome.Body})
	}
	if failures == len(subs) {
		return nil, fmt.Errorf("all %d subdivision fetches failed: %w", failures, firstErr)
	}
	return pages, firstErr
}

// extract turns pages into unique, in-window items in page order.
func (p *Pipeline) extract(ps *pass, extractor crawler.Extractor, pages []fetchedPage) []crawler.RawItem {
	seen := make(map[string]struct{})
	var items []crawler.RawItem
	for _, page := range pages {
		extracted, err := extractor.Extract(page.body, page.url)
		if err != nil {
			ps.logger.Warn("page skipped", zap.String("url", page.url), zap.Error(err))
			continue
		}
		for _, item := range extracted {
			if item.Identifier == "" {
				item.Identifier = item.URL
			}
			if item.Identifier == "" {
				ps.logger.Warn("item without identifier skipped", zap.String("title", item.Title))
				continue
			}
			if !item.Published.IsZero() && !ps.window.Contains(item.Published) {
				continue
			}
			if _, dup := seen[item.Identifier]; dup {
				continue
			}
			seen[item.Identifier] = struct{}{}
			item.StreamKey = ps.stream.Key()
			items = append(items, item)
		}
	}
	return items
}

func (p *Pipeline) unseen(ctx context.Context, items []crawler.RawItem) ([]crawler.RawItem, error) {
	fresh := make([]crawler.RawItem, 0, len(items))
	for _, item := range items {
		exists, err := p.articles.Exists(ctx, item.Identifier)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", item.Identifier, err)
		}
		if !exists {
			fresh = append(fresh, item)
		}
	}
	return fresh, nil
}

func (p *Pipeline) persist(ctx context.Context, ps *pass, items []crawler.RawItem, verdicts []crawler.Verdict) error {
	byID := make(map[string]crawler.Verdict, len(verdicts))
	for _, v := range verdicts {
		byID[v.ItemID] = v
	}
	key := ps.stream.Key()
	for _, item := range items {
		verdict, ok := byID[item.Identifier]
		if !ok {
			return fmt.Errorf("no verdict for %s", item.Identifier)
		}
		inserted, err := p.articles.Insert(ctx, key, item, verdict)
		if err != nil {
			return fmt.Errorf("insert %s: %w", item.Identifier, err)
		}
		if !inserted {
			continue
		}
		metrics.ObserveItemAccepted(key, verdict.Relevant)
		classified := crawler.ClassifiedItem{Item: item, Verdict: verdict}
		ps.out.ItemsAccepted++
		ps.out.Classified = append(ps.out.Classified, classified)
		if !verdict.Relevant {
			continue
		}
		ps.out.ItemsRelevant++
		if p.notifier != nil {
			if err := p.notifier.Notify(ctx, classified); err != nil {
				ps.logger.Warn("notify failed", zap.String("item", item.Identifier), zap.Error(err))
			}
		}
	}
	return nil
}

func (p *Pipeline) target(stream crawler.Stream, pageURL string) crawler.FetchTarget {
	return crawler.FetchTarget{
		URL:      pageURL,
		Hint:     stream.Hint,
		Keywords: stream.Keywords,
	}
}

func indexPages(stream crawler.Stream, window crawler.Window) []string {
	if stream.IndexPattern != "" {
		return archive.YearPages(window.Start, window.End, stream.IndexPattern)
	}
	if stream.IndexURL != "" {
		return []string{stream.IndexURL}
	}
	return nil
}

// withQuery appends query to rawURL, keeping any query already present.
func withQuery(rawURL, query string) string {
	query = strings.TrimPrefix(query, "?")
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.RawQuery == "" {
		u.RawQuery = query
	} else {
		u.RawQuery += "&" + query
	}
	return u.String()
}

func outcomeError(pageURL string, outcome crawler.FetchOutcome) error {
	if outcome.Err != nil {
		return outcome.Err
	}
	if outcome.Kind == crawler.OutcomeBlocked {
		return &crawler.BlockedError{URL: pageURL, Reason: outcome.Reason}
	}
	return fmt.Errorf("fetch %s: %s", pageURL, outcome.Reason)
}

func maxPublished(items []crawler.RawItem) time.Time {
	var latest time.Time
	for _, item := range items {
		if item.Published.After(latest) {
			latest = item.Published
		}
	}
	return latest
}

func fail(out crawler.StreamOutcome, err error) crawler.StreamOutcome {
	out.Failed = true
	out.FailureReason = err.Error()
	return out
}
