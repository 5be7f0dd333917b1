// Package consensus classifies items with two independent judge passes and a
// tie-break call for every disagreement.
package consensus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
	"github.com/JakeFAU/journal-crawler/internal/metrics"
)

// Defaults for Config.
const (
	DefaultBatchSize    = 10
	DefaultWorkers      = 5
	DefaultPassDelayMin = time.Second
	DefaultPassDelayMax = 3 * time.Second
)

// tieBreakPass labels the tie-break call in errors and metrics.
const tieBreakPass = 3

// Config tunes the classifier.
type Config struct {
	BatchSize int
	Workers   int
	// PassDelayMin and PassDelayMax bound the random pause between passes.
	// A zero max disables the pause.
	PassDelayMin time.Duration
	PassDelayMax time.Duration
}

// DefaultConfig returns the stock batch and worker sizes with a 1-3s pause.
func DefaultConfig() Config {
	return Config{
		BatchSize:    DefaultBatchSize,
		Workers:      DefaultWorkers,
		PassDelayMin: DefaultPassDelayMin,
		PassDelayMax: DefaultPassDelayMax,
	}
}

type answer struct {
	relevant  bool
	rationale string
}

// Classifier runs the two-pass consensus protocol against a Judge.
type Classifier struct {
	judge  crawler.Judge
	cfg    Config
	pauser crawler.Pauser
	logger *zap.Logger
}

// NewClassifier builds a Classifier. Non-positive sizes select the defaults.
func NewClassifier(judge crawler.Judge, cfg Config, pauser crawler.Pauser, logger *zap.Logger) *Classifier {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PassDelayMax < cfg.PassDelayMin {
		cfg.PassDelayMax = cfg.PassDelayMin
	}
	if pauser == nil {
		pauser = crawler.TimerPauser{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{judge: judge, cfg: cfg, pauser: pauser, logger: logger}
}

// Classify returns one verdict per item, in input order. Identifiers must be
// unique and non-empty. Any judge failure aborts with a ClassificationError.
func (c *Classifier) Classify(ctx context.Context, items []crawler.RawItem) ([]crawler.Verdict, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if err := checkIdentifiers(items); err != nil {
		return nil, err
	}

	first, err := c.runPass(ctx, items, 1)
	if err != nil {
		return nil, err
	}
	if c.cfg.PassDelayMax > 0 {
		c.pauser.Pause(ctx, crawler.RandomBetween(c.cfg.PassDelayMin, c.cfg.PassDelayMax))
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("between passes: %w", err)
		}
	}
	second, err := c.runPass(ctx, items, 2)
	if err != nil {
		return nil, err
	}

	verdicts := make([]crawler.Verdict, 0, len(items))
	disagreements := 0
	for _, item := range items {
		a, b := first[item.Identifier], second[item.Identifier]
		if a.relevant == b.relevant {
			verdicts = append(verdicts, crawler.Verdict{
				ItemID:    item.Identifier,
				Relevant:  a.relevant,
				Rationale: a.rationale,
				Agreed:    2,
			})
			continue
		}

		disagreements++
		metrics.ObserveTieBreak()
		tie, err := c.call(ctx, item, tieBreakPass)
		if err != nil {
			return nil, err
		}
		c.logger.Debug("tie-break resolved disagreement",
			zap.String("item", item.Identifier),
			zap.Bool("first", a.relevant),
			zap.Bool("second", b.relevant),
			zap.Bool("final", tie.relevant),
		)
		verdicts = append(verdicts, crawler.Verdict{
			ItemID:    item.Identifier,
			Relevant:  tie.relevant,
			Rationale: tie.rationale,
			Agreed:    2,
			TieBreak:  true,
		})
	}

	c.logger.Info("consensus classification complete",
		zap.Int("items", len(items)),
		zap.Int("disagreements", disagreements),
		zap.Int("judge_calls", 2*len(items)+disagreements),
	)
	return verdicts, nil
}

// runPass classifies every item once. Batches are dispatched to a bounded
// worker group; results are keyed by identifier.
func (c *Classifier) runPass(ctx context.Context, items []crawler.RawItem, pass int) (map[string]answer, error) {
	results := make([]answer, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for lo := 0; lo < len(items); lo += c.cfg.BatchSize {
		hi := min(lo+c.cfg.BatchSize, len(items))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				ans, err := c.call(gctx, items[i], pass)
				if err != nil {
					return err
				}
				results[i] = ans
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byID := make(map[string]answer, len(items))
	for i, item := range items {
		byID[item.Identifier] = results[i]
	}
	return byID, nil
}

func (c *Classifier) call(ctx context.Context, item crawler.RawItem, pass int) (answer, error) {
	label := strconv.Itoa(pass)
	if pass == tieBreakPass {
		label = "tiebreak"
	}
	metrics.ObserveClassificationCall(label)
	relevant, rationale, err := c.judge.Judge(ctx, item.Title, item.Abstract)
	if err != nil {
		return answer{}, &crawler.ClassificationError{ItemID: item.Identifier, Pass: pass, Err: err}
	}
	return answer{relevant: relevant, rationale: rationale}, nil
}

func checkIdentifiers(items []crawler.RawItem) error {
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		if item.Identifier == "" {
			return fmt.Errorf("item %d has no identifier", i)
		}
		if _, dup := seen[item.Identifier]; dup {
			return fmt.Errorf("duplicate item identifier %q", item.Identifier)
		}
		seen[item.Identifier] = struct{}{}
	}
	return nil
}
