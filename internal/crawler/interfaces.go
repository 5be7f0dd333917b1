package crawler

import (
	"context"
	"io"
	"time"
)

// Backend fetches a URL and returns the body plus metadata.
type Backend interface {
	Name() string
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Session is a live browser page that can be polled and nudged.
type Session interface {
	Snapshot(ctx context.Context) (Page, error)
	ScrollToBottom(ctx context.Context) error
	ScrollToTop(ctx context.Context) error
	// ClickFirst clicks the first element matching any selector, in order.
	ClickFirst(ctx context.Context, selectors ...string) (bool, error)
	Close()
}

// Browser opens controlled browser sessions.
type Browser interface {
	Name() string
	Open(ctx context.Context, request FetchRequest) (Session, error)
}

// Extractor turns a fetched page into candidate items. Implementations are
// site specific and must not have side effects.
type Extractor interface {
	Extract(body []byte, pageURL string) ([]RawItem, error)
}

// Judge is the remote relevance classifier.
type Judge interface {
	Judge(ctx context.Context, title, abstract string) (relevant bool, rationale string, err error)
}

// ArticleStore persists classified items and enforces identifier uniqueness.
type ArticleStore interface {
	Exists(ctx context.Context, identifier string) (bool, error)
	// Insert ignores items whose identifier is already stored and reports
	// whether a row was written.
	Insert(ctx context.Context, streamKey string, item RawItem, verdict Verdict) (bool, error)
	// MaxDate returns ErrNoCheckpoint when the stream has no stored items.
	MaxDate(ctx context.Context, streamKey string) (time.Time, error)
}

// CheckpointStore persists the per-stream checkpoint.
type CheckpointStore interface {
	// Checkpoint returns ErrNoCheckpoint when nothing is stored.
	Checkpoint(ctx context.Context, streamKey string) (time.Time, error)
	// AdvanceCheckpoint stores at if it is later than the current value.
	AdvanceCheckpoint(ctx context.Context, streamKey string, at time.Time) error
}

// FailureRegistry records streams whose last pass failed.
type FailureRegistry interface {
	RecordFailure(ctx context.Context, streamKey, reason string, at time.Time) error
	ClearFailure(ctx context.Context, streamKey string) error
	ListFailures(ctx context.Context) ([]FailureRecord, error)
}

// BlobStore writes report artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Notifier announces newly accepted relevant items.
type Notifier interface {
	Notify(ctx context.Context, item ClassifiedItem) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Pauser suspends the caller for delay or until ctx is done.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
