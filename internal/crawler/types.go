// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// Hint selects which fetch backend a target should start with.
type Hint string

// Supported fetch hints.
const (
	HintAuto    Hint = "auto"
	HintDirect  Hint = "direct"
	HintBrowser Hint = "browser"
)

// Window is an inclusive date range.
type Window struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// Contains reports whether t falls inside the window at day granularity.
func (w Window) Contains(t time.Time) bool {
	day := Day(t)
	return !day.Before(Day(w.Start)) && !day.After(Day(w.End))
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Stream is one independently checkpointed content source (a sub-journal).
type Stream struct {
	ID       string `json:"id"`
	Family   string `json:"family"`
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
	IndexURL string `json:"index_url"`
	// IndexPattern expands to one index page per year ({year}, {decade}).
	IndexPattern string `json:"index_pattern,omitempty"`
	// IndexFallbackQuery is appended to an index URL whose fetch failed.
	IndexFallbackQuery string   `json:"index_fallback_query,omitempty"`
	Keywords           []string `json:"keywords,omitempty"`
	Hint               Hint     `json:"hint,omitempty"`
	Extractor          string   `json:"extractor"`
	// Window overrides the checkpoint-derived crawl window when set.
	Window *Window `json:"window,omitempty"`
}

// Key returns the identifier used for checkpoints and failure tracking.
func (s Stream) Key() string {
	if s.Family == "" {
		return s.ID
	}
	return s.Family + "/" + s.ID
}

// FetchTarget is a single page visit.
type FetchTarget struct {
	URL         string
	Hint        Hint
	Timeout     time.Duration
	MaxAttempts int
	Keywords    []string
}

// OutcomeKind tags a FetchOutcome.
type OutcomeKind string

// Fetch outcome kinds.
const (
	OutcomeContent OutcomeKind = "content"
	OutcomeBlocked OutcomeKind = "blocked"
	OutcomeFailed  OutcomeKind = "failed"
)

// FetchOutcome is the tagged result of a fetch. Body is only set for content.
type FetchOutcome struct {
	Kind     OutcomeKind
	Body     []byte
	FinalURL string
	Reason   string
	Err      error
	Backend  string
	Attempts int
}

// OK reports whether the outcome carries real content.
func (o FetchOutcome) OK() bool {
	return o.Kind == OutcomeContent
}

// FetchRequest captures everything a backend needs to fetch a URL.
type FetchRequest struct {
	URL           string
	UserAgent     string
	Headers       http.Header
	Timeout       time.Duration
	RespectRobots bool
}

// FetchResponse is the result returned by a Backend implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Page is a snapshot of a rendered browser page.
type Page struct {
	URL   string
	Title string
	// Status is the HTTP status of the document, zero when unknown.
	Status int
	Body   []byte
}

// Subdivision is one archival unit (issue, volume page) of a stream.
type Subdivision struct {
	Ref   string    `json:"ref"`
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	// End is zero for single-day subdivisions.
	End time.Time `json:"end,omitempty"`
	Seq int       `json:"seq"`
}

// Dated reports whether the subdivision carries an inferred date.
func (s Subdivision) Dated() bool {
	return !s.Start.IsZero()
}

// Last returns the final day covered by the subdivision.
func (s Subdivision) Last() time.Time {
	if s.End.IsZero() || s.End.Before(s.Start) {
		return Day(s.Start)
	}
	return Day(s.End)
}

// ArchiveWindow is the resolved set of subdivisions for a date range.
type ArchiveWindow struct {
	Window       Window
	Subdivisions []Subdivision
	// Fallback is set when the nearest-match heuristic produced the result.
	Fallback bool
	Undated  int
}

// RawItem is an extracted candidate article.
type RawItem struct {
	Identifier string    `json:"identifier"`
	Title      string    `json:"title"`
	Abstract   string    `json:"abstract,omitempty"`
	Authors    []string  `json:"authors,omitempty"`
	URL        string    `json:"url"`
	Published  time.Time `json:"published,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	StreamKey  string    `json:"stream,omitempty"`
}

// Verdict is the final relevance judgment for one item.
type Verdict struct {
	ItemID    string `json:"item_id"`
	Relevant  bool   `json:"relevant"`
	Rationale string `json:"rationale"`
	// Agreed counts the passes that produced the accepted answer.
	Agreed   int  `json:"agreed"`
	TieBreak bool `json:"tie_break"`
}

// ClassifiedItem pairs an item with its verdict.
type ClassifiedItem struct {
	Item    RawItem `json:"item"`
	Verdict Verdict `json:"verdict"`
}

// FailureRecord is a persisted entry of the failed-stream registry.
type FailureRecord struct {
	StreamKey  string    `json:"stream"`
	Reason     string    `json:"reason"`
	FailedAt   time.Time `json:"failed_at"`
	RetryCount int       `json:"retry_count"`
	LastRetry  time.Time `json:"last_retry,omitempty"`
}
