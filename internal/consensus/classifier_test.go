package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

// scriptedJudge answers per title; the nth call for a title gets answers[n],
// repeating the last entry. Titles without a script are judged not relevant.
type scriptedJudge struct {
	mu       sync.Mutex
	answers  map[string][]bool
	calls    map[string]int
	failOn   string
	total    atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64
	delay    time.Duration
}

func newScriptedJudge(answers map[string][]bool) *scriptedJudge {
	return &scriptedJudge{answers: answers, calls: make(map[string]int)}
}

func (j *scriptedJudge) Judge(ctx context.Context, title, _ string) (bool, string, error) {
	j.total.Add(1)
	n := j.inFlight.Add(1)
	defer j.inFlight.Add(-1)
	for {
		peak := j.peak.Load()
		if n <= peak || j.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if j.delay > 0 {
		select {
		case <-time.After(j.delay):
		case <-ctx.Done():
			return false, "", ctx.Err()
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if title == j.failOn {
		return false, "", errors.New("judge unavailable")
	}
	call := j.calls[title]
	j.calls[title]++
	script := j.answers[title]
	if len(script) == 0 {
		return false, "no script", nil
	}
	relevant := script[min(call, len(script)-1)]
	return relevant, fmt.Sprintf("%s call %d", title, call+1), nil
}

type noPause struct{ pauses int }

func (p *noPause) Pause(context.Context, time.Duration) { p.pauses++ }

func makeItems(n int) []crawler.RawItem {
	items := make([]crawler.RawItem, n)
	for i := range items {
		items[i] = crawler.RawItem{
			Identifier: fmt.Sprintf("10.1126/science.%04d", i),
			Title:      fmt.Sprintf("title-%d", i),
		}
	}
	return items
}

func TestClassifyAgreementUsesTwoCallsPerItem(t *testing.T) {
	t.Parallel()

	items := makeItems(23)
	answers := map[string][]bool{}
	for i, item := range items {
		answers[item.Title] = []bool{i%2 == 0}
	}
	judge := newScriptedJudge(answers)
	pauser := &noPause{}

	verdicts, err := NewClassifier(judge, DefaultConfig(), pauser, nil).Classify(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, verdicts, len(items))
	require.EqualValues(t, 2*len(items), judge.total.Load())
	require.Equal(t, 1, pauser.pauses)

	for i, v := range verdicts {
		require.Equal(t, items[i].Identifier, v.ItemID, "verdicts follow input order")
		require.Equal(t, i%2 == 0, v.Relevant)
		require.Equal(t, 2, v.Agreed)
		require.False(t, v.TieBreak)
		require.Equal(t, items[i].Title+" call 1", v.Rationale, "agreement keeps the first pass rationale")
	}
}

func TestClassifyTieBreakWins(t *testing.T) {
	t.Parallel()

	items := makeItems(6)
	judge := newScriptedJudge(map[string][]bool{
		"title-1": {true, false, true},
		"title-3": {false, true, false},
		"title-4": {true, true},
	})

	verdicts, err := NewClassifier(judge, Config{BatchSize: 2, Workers: 3}, &noPause{}, nil).Classify(context.Background(), items)
	require.NoError(t, err)
	require.EqualValues(t, 2*len(items)+2, judge.total.Load())

	require.True(t, verdicts[1].Relevant)
	require.True(t, verdicts[1].TieBreak)
	require.Equal(t, "title-1 call 3", verdicts[1].Rationale)
	require.False(t, verdicts[3].Relevant)
	require.True(t, verdicts[3].TieBreak)
	require.True(t, verdicts[4].Relevant)
	require.False(t, verdicts[4].TieBreak)
	require.False(t, verdicts[0].Relevant)
}

func TestClassifyRespectsWorkerLimit(t *testing.T) {
	t.Parallel()

	judge := newScriptedJudge(nil)
	judge.delay = 5 * time.Millisecond

	_, err := NewClassifier(judge, Config{BatchSize: 1, Workers: 3}, &noPause{}, nil).Classify(context.Background(), makeItems(12))
	require.NoError(t, err)
	require.LessOrEqual(t, judge.peak.Load(), int64(3))
	require.Greater(t, judge.peak.Load(), int64(1), "batches should run concurrently")
}

func TestClassifyJudgeErrorAborts(t *testing.T) {
	t.Parallel()

	judge := newScriptedJudge(nil)
	judge.failOn = "title-7"

	verdicts, err := NewClassifier(judge, DefaultConfig(), &noPause{}, nil).Classify(context.Background(), makeItems(15))
	require.Nil(t, verdicts)
	var classErr *crawler.ClassificationError
	require.ErrorAs(t, err, &classErr)
	require.Equal(t, "10.1126/science.0007", classErr.ItemID)
	require.Equal(t, 1, classErr.Pass)
}

func TestClassifyRejectsBadIdentifiers(t *testing.T) {
	t.Parallel()

	c := NewClassifier(newScriptedJudge(nil), DefaultConfig(), &noPause{}, nil)

	items := makeItems(3)
	items[2].Identifier = items[0].Identifier
	_, err := c.Classify(context.Background(), items)
	require.ErrorContains(t, err, "duplicate item identifier")

	items = makeItems(2)
	items[1].Identifier = ""
	_, err = c.Classify(context.Background(), items)
	require.ErrorContains(t, err, "no identifier")
}

func TestClassifyEmptyInput(t *testing.T) {
	t.Parallel()

	judge := newScriptedJudge(nil)
	verdicts, err := NewClassifier(judge, DefaultConfig(), &noPause{}, nil).Classify(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, verdicts)
	require.Zero(t, judge.total.Load())
}

func TestClassifyCanceledBetweenPasses(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	pauser := cancelingPauser{cancel: cancel}
	judge := newScriptedJudge(nil)

	_, err := NewClassifier(judge, DefaultConfig(), pauser, nil).Classify(ctx, makeItems(4))
	require.ErrorIs(t, err, context.Canceled)
	require.EqualValues(t, 4, judge.total.Load(), "second pass never starts")
}

type cancelingPauser struct{ cancel context.CancelFunc }

func (p cancelingPauser) Pause(context.Context, time.Duration) { p.cancel() }
