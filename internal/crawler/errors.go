package crawler

import (
	"errors"
	"fmt"
)

// ErrNoCheckpoint is returned by checkpoint stores when a stream has no history.
var ErrNoCheckpoint = errors.New("no checkpoint recorded")

// TransientFetchError marks timeouts, rate limits and server errors.
type TransientFetchError struct {
	URL        string
	StatusCode int
	// Body is the response body when the server sent one with the error status.
	Body []byte
	Err  error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient fetch error for %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transient fetch error for %s: %v", e.URL, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// BlockedError marks a challenge page that did not clear within budget.
type BlockedError struct {
	URL    string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked at %s: %s", e.URL, e.Reason)
}

// ParseError marks an item or page whose expected fields could not be found.
type ParseError struct {
	URL   string
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("parse %s: missing %s", e.URL, e.Field)
	}
	return fmt.Sprintf("parse %s: %s: %v", e.URL, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ClassificationError marks a judge call that failed after its retries.
type ClassificationError struct {
	ItemID string
	Pass   int
	Err    error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s (pass %d): %v", e.ItemID, e.Pass, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientFetchError.
func IsTransient(err error) bool {
	var t *TransientFetchError
	return errors.As(err, &t)
}
