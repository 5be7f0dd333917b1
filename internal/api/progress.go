package api

import (
	"sync"
	"time"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
	"github.com/JakeFAU/journal-crawler/internal/pipeline"
)

// RunStatus is the JSON view of a run in progress.
type RunStatus struct {
	RunID     string                  `json:"run_id"`
	StartedAt time.Time               `json:"started_at"`
	Total     int                     `json:"total"`
	Done      int                     `json:"done"`
	Failed    int                     `json:"failed"`
	Pending   []string                `json:"pending"`
	Outcomes  []crawler.StreamOutcome `json:"outcomes"`
}

// Progress records pipeline progress for the status endpoint. It implements
// pipeline.Observer.
type Progress struct {
	mu       sync.RWMutex
	clock    crawler.Clock
	runID    string
	started  time.Time
	pending  []string
	outcomes []crawler.StreamOutcome
}

var _ pipeline.Observer = (*Progress)(nil)

// NewProgress builds an empty Progress.
func NewProgress(clock crawler.Clock) *Progress {
	return &Progress{clock: clock}
}

// RunStarted implements pipeline.Observer.
func (p *Progress) RunStarted(runID string, streams []crawler.Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runID = runID
	p.started = p.clock.Now()
	p.outcomes = nil
	p.pending = make([]string, 0, len(streams))
	for _, s := range streams {
		p.pending = append(p.pending, s.Key())
	}
}

// StreamFinished implements pipeline.Observer.
func (p *Progress) StreamFinished(outcome crawler.StreamOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, outcome)
	for i, key := range p.pending {
		if key == outcome.StreamKey {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			break
		}
	}
}

// Snapshot returns a copy of the current status.
func (p *Progress) Snapshot() RunStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	status := RunStatus{
		RunID:     p.runID,
		StartedAt: p.started,
		Total:     len(p.outcomes) + len(p.pending),
		Done:      len(p.outcomes),
		Pending:   append([]string{}, p.pending...),
		Outcomes:  append([]crawler.StreamOutcome{}, p.outcomes...),
	}
	for _, o := range p.outcomes {
		if o.Failed {
			status.Failed++
		}
	}
	return status
}
