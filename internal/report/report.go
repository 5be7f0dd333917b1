// Package report renders a run summary and its classified items, then
// exports them to a blob store.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/markdown"
	"go.uber.org/zap"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

// Artifact names written for every run.
const (
	SummaryMarkdown = "summary.md"
	SummaryJSON     = "summary.json"
	RelevantJSON    = "relevant.json"
	NotRelevantJSON = "not_relevant.json"
)

// Exporter writes run artifacts under "<run id>/" in a blob store.
type Exporter struct {
	store  crawler.BlobStore
	logger *zap.Logger
}

// NewExporter builds an Exporter.
func NewExporter(store crawler.BlobStore, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: store, logger: logger.Named("report")}
}

// Export writes all artifacts and returns their URIs keyed by artifact name.
// It stops at the first failed upload.
func (e *Exporter) Export(ctx context.Context, summary crawler.RunSummary) (map[string]string, error) {
	if summary.RunID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	relevant, notRelevant := Split(summary.Classified())

	var md bytes.Buffer
	if err := WriteMarkdown(&md, summary); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	artifacts := []struct {
		name        string
		contentType string
		body        func() ([]byte, error)
	}{
		{SummaryMarkdown, "text/markdown; charset=utf-8", func() ([]byte, error) { return md.Bytes(), nil }},
		{SummaryJSON, "application/json", func() ([]byte, error) { return marshal(summary) }},
		{RelevantJSON, "application/json", func() ([]byte, error) { return marshal(relevant) }},
		{NotRelevantJSON, "application/json", func() ([]byte, error) { return marshal(notRelevant) }},
	}

	uris := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		data, err := a.body()
		if err != nil {
			return uris, fmt.Errorf("encode %s: %w", a.name, err)
		}
		uri, err := e.store.PutObject(ctx, path.Join(summary.RunID, a.name), a.contentType, bytes.NewReader(data))
		if err != nil {
			return uris, fmt.Errorf("upload %s: %w", a.name, err)
		}
		uris[a.name] = uri
	}
	e.logger.Info("exported run report",
		zap.String("run_id", summary.RunID),
		zap.Int("relevant", len(relevant)),
		zap.Int("not_relevant", len(notRelevant)),
	)
	return uris, nil
}

// Split partitions items by verdict. Relevant items are ordered newest
// first with undated items last; the rest keep their input order.
func Split(items []crawler.ClassifiedItem) (relevant, notRelevant []crawler.ClassifiedItem) {
	relevant = []crawler.ClassifiedItem{}
	notRelevant = []crawler.ClassifiedItem{}
	for _, item := range items {
		if item.Verdict.Relevant {
			relevant = append(relevant, item)
		} else {
			notRelevant = append(notRelevant, item)
		}
	}
	slices.SortStableFunc(relevant, func(a, b crawler.ClassifiedItem) int {
		ta, tb := a.Item.Published, b.Item.Published
		switch {
		case ta.IsZero() && tb.IsZero():
			return 0
		case ta.IsZero():
			return 1
		case tb.IsZero():
			return -1
		}
		return tb.Compare(ta)
	})
	return relevant, notRelevant
}

// WriteMarkdown renders the human-readable run summary.
func WriteMarkdown(w io.Writer, summary crawler.RunSummary) error {
	md := markdown.NewMarkdown(w)

	md.H1("Journal Crawl Report")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Run", "`" + summary.RunID + "`"},
			{"Started", formatTime(summary.StartedAt)},
			{"Finished", formatTime(summary.FinishedAt)},
			{"Streams", strconv.Itoa(len(summary.Outcomes))},
			{"Succeeded", strconv.Itoa(summary.Succeeded())},
			{"New items", strconv.Itoa(summary.TotalItems())},
			{"Relevant", strconv.Itoa(summary.TotalRelevant())},
		},
	})
	md.PlainText("")

	failed := summary.FailedStreams()
	if len(failed) > 0 {
		md.Warningf("%d of %d stream(s) failed and will be retried on the next run.", len(failed), len(summary.Outcomes))
	} else {
		md.Tip("All streams completed.")
	}
	md.PlainText("")

	md.H2("Streams")
	md.PlainText("")
	rows := make([][]string, 0, len(summary.Outcomes))
	for _, o := range summary.Outcomes {
		rows = append(rows, []string{
			o.StreamKey,
			status(o),
			windowText(o),
			strconv.Itoa(o.ItemsFound),
			strconv.Itoa(o.ItemsAccepted),
			strconv.Itoa(o.ItemsRelevant),
			strconv.Itoa(o.FetchFailures),
			o.Duration.Round(time.Millisecond).String(),
		})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Stream", "Status", "Window", "Found", "Accepted", "Relevant", "Fetch failures", "Duration"},
		Rows:   rows,
	})
	md.PlainText("")

	if len(failed) > 0 {
		md.H2("Failures")
		md.PlainText("")
		lines := make([]string, 0, len(failed))
		for _, o := range failed {
			lines = append(lines, fmt.Sprintf("`%s`: %s", o.StreamKey, o.FailureReason))
		}
		md.BulletList(lines...)
		md.PlainText("")
	}

	relevant, _ := Split(summary.Classified())
	md.H2("Relevant Articles")
	md.PlainText("")
	if len(relevant) == 0 {
		md.PlainText("No relevant articles in this run.")
	} else {
		rows := make([][]string, 0, len(relevant))
		for _, c := range relevant {
			rows = append(rows, []string{
				dateText(c.Item.Published),
				c.Item.StreamKey,
				link(c.Item),
				c.Verdict.Rationale,
			})
		}
		md.Table(markdown.TableSet{
			Header: []string{"Date", "Stream", "Title", "Rationale"},
			Rows:   rows,
		})
	}
	md.PlainText("")

	return md.Build()
}

func status(o crawler.StreamOutcome) string {
	switch {
	case o.Failed:
		return "failed"
	case o.Fallback:
		return "ok (fallback)"
	default:
		return "ok"
	}
}

func windowText(o crawler.StreamOutcome) string {
	if o.Window.Start.IsZero() && o.Window.End.IsZero() {
		return "-"
	}
	return dateText(o.Window.Start) + " .. " + dateText(o.Window.End)
}

func dateText(t time.Time) string {
	if t.IsZero() {
		return "undated"
	}
	return t.UTC().Format(time.DateOnly)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func link(item crawler.RawItem) string {
	title := strings.ReplaceAll(item.Title, "|", `\|`)
	if item.URL == "" {
		return title
	}
	return "[" + title + "](" + item.URL + ")"
}

func marshal(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
