package crawler

import "time"

// StreamOutcome reports the result of one stream pass.
type StreamOutcome struct {
	StreamKey     string        `json:"stream"`
	Name          string        `json:"name"`
	ItemsFound    int           `json:"items_found"`
	ItemsAccepted int           `json:"items_accepted"`
	ItemsRelevant int           `json:"items_relevant"`
	Failed        bool          `json:"failed"`
	FailureReason string        `json:"failure_reason,omitempty"`
	Fallback      bool          `json:"fallback"`
	Window        Window        `json:"window"`
	FetchFailures int           `json:"fetch_failures"`
	Duration      time.Duration `json:"duration"`
	// Classified holds the items accepted in this pass.
	Classified []ClassifiedItem `json:"-"`
}

// RunSummary aggregates stream outcomes for one run. It is built once and not
// mutated after the pipeline returns it.
type RunSummary struct {
	RunID      string          `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Outcomes   []StreamOutcome `json:"outcomes"`
}

// Succeeded returns the number of streams that completed their pass.
func (s RunSummary) Succeeded() int {
	n := 0
	for _, o := range s.Outcomes {
		if !o.Failed {
			n++
		}
	}
	return n
}

// TotalItems returns the number of newly accepted items across streams.
func (s RunSummary) TotalItems() int {
	n := 0
	for _, o := range s.Outcomes {
		n += o.ItemsAccepted
	}
	return n
}

// TotalRelevant returns the number of accepted items classified relevant.
func (s RunSummary) TotalRelevant() int {
	n := 0
	for _, o := range s.Outcomes {
		n += o.ItemsRelevant
	}
	return n
}

// FailedStreams returns the outcomes of streams whose pass failed.
func (s RunSummary) FailedStreams() []StreamOutcome {
	var failed []StreamOutcome
	for _, o := range s.Outcomes {
		if o.Failed {
			failed = append(failed, o)
		}
	}
	return failed
}

// Classified flattens the accepted items of every stream.
func (s RunSummary) Classified() []ClassifiedItem {
	var items []ClassifiedItem
	for _, o := range s.Outcomes {
		items = append(items, o.Classified...)
	}
	return items
}
