package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
	"github.com/JakeFAU/journal-crawler/internal/server"
)

// newFailedCmd creates the 'failed' command group for the failed-stream
// registry.
func newFailedCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspects the failed-stream registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Lists streams whose last pass failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(cmd, root, func(registry crawler.FailureRegistry) error {
				records, err := registry.ListFailures(cmd.Context())
				if err != nil {
					return err
				}
				return writeFailures(cmd.OutOrStdout(), records)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear STREAM...",
		Short: "Removes streams from the registry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, root, func(registry crawler.FailureRegistry) error {
				for _, key := range args {
					if err := registry.ClearFailure(cmd.Context(), key); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", key)
				}
				return nil
			})
		},
	})
	return cmd
}

func withRegistry(cmd *cobra.Command, root *rootOptions, fn func(crawler.FailureRegistry) error) error {
	cfg, logger, err := root.load()
	if err != nil {
		return err
	}
	defer syncLogger(logger)

	store, closeStore, err := server.OpenStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeStore(); cerr != nil {
			logger.Warn("store close failed", zap.Error(cerr))
		}
	}()
	return fn(store)
}

func writeFailures(w io.Writer, records []crawler.FailureRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No failed streams.")
		return err
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		lastRetry := "-"
		if !r.LastRetry.IsZero() {
			lastRetry = r.LastRetry.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{
			r.StreamKey,
			r.Reason,
			r.FailedAt.UTC().Format(time.RFC3339),
			strconv.Itoa(r.RetryCount),
			lastRetry,
		})
	}
	return markdown.NewMarkdown(w).
		Table(markdown.TableSet{
			Header: []string{"Stream", "Reason", "Failed at", "Retries", "Last retry"},
			Rows:   rows,
		}).
		Build()
}
