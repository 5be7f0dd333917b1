package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/journal-crawler/internal/config"
	"github.com/JakeFAU/journal-crawler/internal/logging"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	catalog    string
}

// load reads, overrides and validates the configuration and builds the
// logger. Logs go to stderr so stdout stays free for reports.
func (o *rootOptions) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if o.catalog != "" {
		cfg.Catalog.Path = o.catalog
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

// newRootCmd creates the command tree.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "journal-crawler",
		Short: "Crawls journal tables of contents and keeps the articles relevant to a topic.",
		Long: `journal-crawler walks a catalog of journal streams, collects the articles
published since each stream's last checkpoint, classifies them with a
two-pass LLM consensus and stores the result.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.catalog, "catalog", "", "stream catalog file (overrides catalog.path)")

	cmd.AddCommand(newCrawlCmd(opts))
	cmd.AddCommand(newStreamsCmd(opts))
	cmd.AddCommand(newFailedCmd(opts))

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func syncLogger(logger *zap.Logger) {
	// Sync on a terminal stderr reports EINVAL; nothing useful can be done with it.
	_ = logger.Sync()
}
