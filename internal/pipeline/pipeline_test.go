package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/journal-crawler/internal/archive"
	"github.com/JakeFAU/journal-crawler/internal/checkpoint"
	"github.com/JakeFAU/journal-crawler/internal/crawler"
	"github.com/JakeFAU/journal-crawler/internal/storage/memory"
	"github.com/JakeFAU/journal-crawler/internal/strategy"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type staticIDs struct{}

func (staticIDs) NewID() (string, error) { return "run-1", nil }

var testNow = time.Date(2025, 9, 20, 8, 0, 0, 0, time.UTC)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// fakeFetcher serves canned outcomes per URL; unknown URLs fail.
type fakeFetcher struct {
	mu       sync.Mutex
	outcomes map[string]crawler.FetchOutcome
	calls    []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{outcomes: make(map[string]crawler.FetchOutcome)}
}

func (f *fakeFetcher) serve(url, body string) {
	f.outcomes[url] = crawler.FetchOutcome{Kind: crawler.OutcomeContent, Body: []byte(body), FinalURL: url}
}

func (f *fakeFetcher) Fetch(_ context.Context, _ *strategy.Tracker, target crawler.FetchTarget) crawler.FetchOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, target.URL)
	if out, ok := f.outcomes[target.URL]; ok {
		return out
	}
	return crawler.FetchOutcome{
		Kind: crawler.OutcomeFailed,
		Err:  &crawler.TransientFetchError{URL: target.URL, StatusCode: 503},
	}
}

// pageExtractor returns canned items per page URL.
type pageExtractor map[string][]crawler.RawItem

func (e pageExtractor) Extract(_ []byte, pageURL string) ([]crawler.RawItem, error) {
	items, ok := e[pageURL]
	if !ok {
		return nil, &crawler.ParseError{URL: pageURL, Field: "items"}
	}
	return items, nil
}

type staticParsers struct {
	index     IndexParser
	extractor crawler.Extractor
}

func (s staticParsers) For(crawler.Stream) (IndexParser, crawler.Extractor, error) {
	return s.index, s.extractor, nil
}

// fakeClassifier marks items relevant when their title is listed.
type fakeClassifier struct {
	relevant map[string]bool
	err      error
	seen     [][]crawler.RawItem
}

func (c *fakeClassifier) Classify(_ context.Context, items []crawler.RawItem) ([]crawler.Verdict, error) {
	c.seen = append(c.seen, items)
	if c.err != nil {
		return nil, c.err
	}
	verdicts := make([]crawler.Verdict, len(items))
	for i, item := range items {
		verdicts[i] = crawler.Verdict{ItemID: item.Identifier, Relevant: c.relevant[item.Title], Agreed: 2}
	}
	return verdicts, nil
}

type recordingNotifier struct{ items []crawler.ClassifiedItem }

func (n *recordingNotifier) Notify(_ context.Context, item crawler.ClassifiedItem) error {
	n.items = append(n.items, item)
	return nil
}

const archivePage = `<html><body>
<div class="issue"><a href="/toc/2025/09/12">September 12, 2025</a></div>
<div class="issue"><a href="/toc/2025/09/19">September 19, 2025</a></div>
<div class="issue"><a href="/toc/2025/08/01">August 1, 2025</a></div>
</body></html>`

const (
	indexURL = "https://journal.test/loi"
	issueA   = "https://journal.test/toc/2025/09/12"
	issueB   = "https://journal.test/toc/2025/09/19"
)

var immunity = crawler.Stream{ID: "immunity", Family: "cell", Name: "Immunity", IndexURL: indexURL}

type harness struct {
	store      *memory.Store
	fetcher    *fakeFetcher
	extractor  pageExtractor
	classifier *fakeClassifier
	notifier   *recordingNotifier
	logs       *observer.ObservedLogs
	pipeline   *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	parser, err := archive.NewParser(archive.Selectors{Link: "div.issue a"})
	require.NoError(t, err)

	h := &harness{
		store:   memory.NewStore(),
		fetcher: newFakeFetcher(),
		extractor: pageExtractor{
			issueA: {
				{Identifier: "10.1016/j.immuni.1", Title: "Neural nets for B cells", Published: date("2025-09-12")},
				{Identifier: "10.1016/j.immuni.2", Title: "Thymus anatomy", Published: date("2025-09-12")},
				{Identifier: "10.1016/j.immuni.1", Title: "Neural nets for B cells", Published: date("2025-09-12")},
			},
			issueB: {
				{Title: "Corrigendum", URL: "https://journal.test/corrigendum", Published: date("2025-09-19")},
				{Title: "No identity"},
				{Identifier: "10.1016/j.immuni.old", Title: "Old news", Published: date("2025-06-01")},
			},
		},
		classifier: &fakeClassifier{relevant: map[string]bool{"Neural nets for B cells": true}},
		notifier:   &recordingNotifier{},
	}
	h.fetcher.serve(indexURL, archivePage)
	h.fetcher.serve(issueA, "issue a")
	h.fetcher.serve(issueB, "issue b")

	core, logs := observer.New(zap.InfoLevel)
	h.logs = logs
	logger := zap.New(core)
	clock := fixedClock{testNow}
	h.pipeline = New(
		h.fetcher,
		staticParsers{index: parser, extractor: h.extractor},
		archive.NewResolver(2, logger),
		checkpoint.NewManager(h.store, h.store, clock, 0, logger),
		h.classifier,
		h.store,
		h.notifier,
		clock,
		staticIDs{},
		Config{FetchWorkers: 2},
		logger,
	)
	return h
}

func TestRunIngestsWindowAndCommits(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.AdvanceCheckpoint(ctx, immunity.Key(), date("2025-09-10")))

	summary := h.pipeline.Run(ctx, []crawler.Stream{immunity})
	require.Equal(t, "run-1", summary.RunID)
	require.Len(t, summary.Outcomes, 1)

	out := summary.Outcomes[0]
	require.False(t, out.Failed, out.FailureReason)
	require.False(t, out.Fallback)
	require.Equal(t, 3, out.ItemsFound, "duplicates, out-of-window and unidentified items are dropped")
	require.Equal(t, 3, out.ItemsAccepted)
	require.Equal(t, 1, out.ItemsRelevant)
	require.Equal(t, date("2025-09-10"), out.Window.Start)
	require.Equal(t, testNow, out.Window.End)
	require.NotContains(t, h.fetcher.calls, "https://journal.test/toc/2025/08/01")

	records := h.store.Records()
	require.Len(t, records, 3)
	require.Equal(t, "https://journal.test/corrigendum", records[2].Item.Identifier)
	require.Equal(t, "cell/immunity", records[0].StreamKey)

	require.Len(t, h.notifier.items, 1)
	require.Equal(t, "10.1016/j.immuni.1", h.notifier.items[0].Item.Identifier)

	at, err := h.store.Checkpoint(ctx, immunity.Key())
	require.NoError(t, err)
	require.Equal(t, date("2025-09-19"), at)
}

func TestRunIsIdempotentAcrossRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	stream := immunity
	stream.Window = &crawler.Window{Start: date("2025-09-10"), End: date("2025-09-20")}

	first := h.pipeline.Run(ctx, []crawler.Stream{stream})
	require.Equal(t, 3, first.TotalItems())

	second := h.pipeline.Run(ctx, []crawler.Stream{stream})
	require.False(t, second.Outcomes[0].Failed)
	require.Zero(t, second.TotalItems())
	require.Len(t, h.store.Records(), 3)
	require.Empty(t, h.classifier.seen[1], "known items are not classified again")
}

func TestRunClassificationFailureKeepsCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.AdvanceCheckpoint(ctx, immunity.Key(), date("2025-09-10")))
	h.classifier.err = &crawler.ClassificationError{ItemID: "10.1016/j.immuni.2", Pass: 1, Err: errors.New("judge down")}

	summary := h.pipeline.Run(ctx, []crawler.Stream{immunity})
	out := summary.Outcomes[0]
	require.True(t, out.Failed)
	require.Contains(t, out.FailureReason, "judge down")
	require.Empty(t, h.store.Records())

	at, err := h.store.Checkpoint(ctx, immunity.Key())
	require.NoError(t, err)
	require.Equal(t, date("2025-09-10"), at)
	require.Len(t, summary.FailedStreams(), 1)
}

func TestRunAllSubdivisionFetchesFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	delete(h.fetcher.outcomes, issueA)
	delete(h.fetcher.outcomes, issueB)
	stream := immunity
	stream.Window = &crawler.Window{Start: date("2025-09-10"), End: date("2025-09-20")}

	out := h.pipeline.Run(context.Background(), []crawler.Stream{stream}).Outcomes[0]
	require.True(t, out.Failed)
	require.Contains(t, out.FailureReason, "all 2 subdivision fetches failed")
	require.Empty(t, h.classifier.seen, "nothing to classify")
}

func TestRunPartialFetchFailureHoldsCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.AdvanceCheckpoint(ctx, immunity.Key(), date("2025-09-10")))
	served := h.fetcher.outcomes[issueA]
	h.fetcher.outcomes[issueA] = crawler.FetchOutcome{
		Kind:   crawler.OutcomeBlocked,
		Reason: "challenge not cleared",
		Err:    &crawler.BlockedError{URL: issueA, Reason: "challenge not cleared"},
	}

	first := h.pipeline.Run(ctx, []crawler.Stream{immunity}).Outcomes[0]
	require.True(t, first.Failed)
	require.Contains(t, first.FailureReason, "checkpoint held")
	require.Equal(t, 1, first.ItemsAccepted, "items from the issue that loaded are kept")

	at, err := h.store.Checkpoint(ctx, immunity.Key())
	require.NoError(t, err)
	require.Equal(t, date("2025-09-10"), at)

	h.fetcher.outcomes[issueA] = served
	second := h.pipeline.Run(ctx, []crawler.Stream{immunity}).Outcomes[0]
	require.False(t, second.Failed, second.FailureReason)
	require.Equal(t, 2, second.ItemsAccepted, "the recovered issue is ingested")
	require.Len(t, h.store.Records(), 3)

	at, err = h.store.Checkpoint(ctx, immunity.Key())
	require.NoError(t, err)
	require.Equal(t, date("2025-09-19"), at)
}

func TestRunEmptyWindowIsSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.extractor[issueA] = nil
	h.extractor[issueB] = nil
	stream := immunity
	stream.Window = &crawler.Window{Start: date("2025-09-10"), End: date("2025-09-20")}

	out := h.pipeline.Run(context.Background(), []crawler.Stream{stream}).Outcomes[0]
	require.False(t, out.Failed)
	require.Zero(t, out.ItemsFound)

	_, err := h.store.Checkpoint(context.Background(), stream.Key())
	require.ErrorIs(t, err, crawler.ErrNoCheckpoint, "nothing seen, nothing committed")
}

func TestRunFallbackWindowIsFlagged(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.extractor[issueA] = nil
	stream := immunity
	stream.Window = &crawler.Window{Start: date("2025-09-14"), End: date("2025-09-15")}

	out := h.pipeline.Run(context.Background(), []crawler.Stream{stream}).Outcomes[0]
	require.False(t, out.Failed)
	require.True(t, out.Fallback)
	require.NotEmpty(t, h.logs.FilterMessage("low-confidence window from nearest-match fallback").All())
}

func TestRunIndexFallbackQuery(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	delete(h.fetcher.outcomes, indexURL)
	h.fetcher.serve(indexURL+"?isCoverWidget=true", archivePage)
	stream := immunity
	stream.IndexFallbackQuery = "isCoverWidget=true"
	stream.Window = &crawler.Window{Start: date("2025-09-10"), End: date("2025-09-20")}

	out := h.pipeline.Run(context.Background(), []crawler.Stream{stream}).Outcomes[0]
	require.False(t, out.Failed, out.FailureReason)
	require.Equal(t, []string{indexURL, indexURL + "?isCoverWidget=true"}, h.fetcher.calls[:2])
}

func TestRunIndexFailureFailsOnlyThatStream(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	broken := crawler.Stream{ID: "broken", Family: "cell", IndexURL: "https://journal.test/missing"}
	window := &crawler.Window{Start: date("2025-09-10"), End: date("2025-09-20")}
	broken.Window = window
	stream := immunity
	stream.Window = window

	summary := h.pipeline.Run(context.Background(), []crawler.Stream{broken, stream})
	require.Len(t, summary.Outcomes, 2)
	require.True(t, summary.Outcomes[0].Failed)
	require.Contains(t, summary.Outcomes[0].FailureReason, "index unavailable")
	require.False(t, summary.Outcomes[1].Failed)
	require.Equal(t, 1, summary.Succeeded())
}

func TestRunFeedStreamUsesIndexAsListing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	feedURL := "https://journal.test/current.rss"
	h.fetcher.serve(feedURL, "<rss/>")
	h.extractor[feedURL] = []crawler.RawItem{
		{Identifier: "10.1/feed.1", Title: "Feed item", Published: date("2025-09-18")},
		{Identifier: "10.1/feed.2", Title: "Undated item"},
	}
	h.pipeline.parsers = staticParsers{extractor: h.extractor}
	stream := crawler.Stream{ID: "feed", Family: "cell", IndexURL: feedURL}

	out := h.pipeline.Run(context.Background(), []crawler.Stream{stream}).Outcomes[0]
	require.False(t, out.Failed, out.FailureReason)
	require.Equal(t, 2, out.ItemsAccepted)
	require.Equal(t, []string{feedURL}, h.fetcher.calls)
}

func TestRunCanceledContextFailsStreams(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := h.pipeline.Run(ctx, []crawler.Stream{immunity, immunity})
	require.Len(t, summary.FailedStreams(), 2)
	require.Contains(t, summary.Outcomes[0].FailureReason, "run canceled")
	require.Empty(t, h.fetcher.calls)
}

type recordingObserver struct {
	runID    string
	streams  int
	finished []string
}

func (o *recordingObserver) RunStarted(runID string, streams []crawler.Stream) {
	o.runID = runID
	o.streams = len(streams)
}

func (o *recordingObserver) StreamFinished(outcome crawler.StreamOutcome) {
	o.finished = append(o.finished, outcome.StreamKey)
}

func TestRunReportsProgressToObserver(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	obs := &recordingObserver{}
	broken := crawler.Stream{ID: "broken", Family: "cell", IndexURL: "https://journal.test/missing"}
	stream := immunity
	stream.Window = &crawler.Window{Start: date("2025-09-10"), End: date("2025-09-20")}

	h.pipeline.WithObserver(obs).Run(context.Background(), []crawler.Stream{broken, stream})
	require.Equal(t, "run-1", obs.runID)
	require.Equal(t, 2, obs.streams)
	require.Equal(t, []string{"cell/broken", "cell/immunity"}, obs.finished)
}

func TestWithQuery(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://a.test/loi?isCoverWidget=true", withQuery("https://a.test/loi", "?isCoverWidget=true"))
	require.Equal(t, "https://a.test/loi?year=2025&isCoverWidget=true", withQuery("https://a.test/loi?year=2025", "isCoverWidget=true"))
}

func TestRecordFailuresAndOnlyFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	at := date("2025-09-20")
	require.NoError(t, store.RecordFailure(ctx, "cell/immunity", "blocked", at.Add(-24*time.Hour)))

	summary := crawler.RunSummary{Outcomes: []crawler.StreamOutcome{
		{StreamKey: "cell/immunity"},
		{StreamKey: "science/robotics", Failed: true, FailureReason: "all 2 subdivision fetches failed"},
	}}
	require.NoError(t, RecordFailures(ctx, store, summary, at))

	records, err := store.ListFailures(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "science/robotics", records[0].StreamKey)

	streams := []crawler.Stream{
		{Family: "cell", ID: "immunity"},
		{Family: "science", ID: "robotics"},
	}
	kept, err := OnlyFailed(ctx, store, streams)
	require.NoError(t, err)
	require.Equal(t, []crawler.Stream{{Family: "science", ID: "robotics"}}, kept)
}
