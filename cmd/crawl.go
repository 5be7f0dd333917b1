package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/journal-crawler/internal/catalog"
	"github.com/JakeFAU/journal-crawler/internal/crawler"
	"github.com/JakeFAU/journal-crawler/internal/pipeline"
	"github.com/JakeFAU/journal-crawler/internal/report"
	"github.com/JakeFAU/journal-crawler/internal/server"
)

type crawlOptions struct {
	streams    []string
	start      string
	end        string
	failedOnly bool
}

// window parses the --start/--end pair. Both or neither must be given.
func (o crawlOptions) window() (*crawler.Window, error) {
	if o.start == "" && o.end == "" {
		return nil, nil
	}
	if o.start == "" || o.end == "" {
		return nil, errors.New("--start and --end must be given together")
	}
	return catalog.ParseWindow(&catalog.WindowSpec{Start: o.start, End: o.end})
}

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd(root *rootOptions) *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl over the catalog",
		Long: `Crawls every selected stream from its checkpoint to today, classifies the
new articles and stores them. The run summary is printed as markdown and
exported to the configured report store. Exits non-zero when any stream
failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, root, *opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.streams, "stream", nil, "stream or family id to crawl (repeatable; default all)")
	cmd.Flags().StringVar(&opts.start, "start", "", "window start YYYY-MM-DD, overrides checkpoints")
	cmd.Flags().StringVar(&opts.end, "end", "", "window end YYYY-MM-DD, overrides checkpoints")
	cmd.Flags().BoolVar(&opts.failedOnly, "failed-only", false, "only crawl streams in the failed-stream registry")
	return cmd
}

func runCrawl(cmd *cobra.Command, root *rootOptions, opts crawlOptions) error {
	window, err := opts.window()
	if err != nil {
		return err
	}
	cfg, logger, err := root.load()
	if err != nil {
		return err
	}
	defer syncLogger(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, cfg, logger, server.Options{Window: window})
	if err != nil {
		return err
	}
	defer app.Close()

	streams, err := app.Catalog().Select(opts.streams)
	if err != nil {
		return err
	}
	if opts.failedOnly {
		streams, err = pipeline.OnlyFailed(ctx, app.Failures(), streams)
		if err != nil {
			return err
		}
		if len(streams) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No failed streams to retry.")
			return nil
		}
	}

	res, runErr := app.Crawl(ctx, streams)
	if err := report.WriteMarkdown(cmd.OutOrStdout(), res.Summary); err != nil {
		return fmt.Errorf("print summary: %w", err)
	}
	names := make([]string, 0, len(res.Exports))
	for name := range res.Exports {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		logger.Info("report written", zap.String("artifact", name), zap.String("uri", res.Exports[name]))
	}
	if runErr != nil {
		return fmt.Errorf("finish run: %w", runErr)
	}
	if failed := len(res.Summary.FailedStreams()); failed > 0 {
		return fmt.Errorf("%d of %d stream(s) failed", failed, len(res.Summary.Outcomes))
	}
	return nil
}
