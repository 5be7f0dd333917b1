package cmd

import (
	"io"
	"time"

	"github.com/nao1215/markdown"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/journal-crawler/internal/catalog"
	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

// newStreamsCmd creates the 'streams' subcommand.
func newStreamsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "streams",
		Short: "Lists the streams in the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer syncLogger(logger)

			cat, err := catalog.Load(cfg.Catalog.Path)
			if err != nil {
				return err
			}
			return writeStreams(cmd.OutOrStdout(), cat.Streams())
		},
	}
}

func writeStreams(w io.Writer, streams []crawler.Stream) error {
	rows := make([][]string, 0, len(streams))
	for _, s := range streams {
		index := s.IndexURL
		if index == "" {
			index = s.IndexPattern
		}
		window := "checkpoint"
		if s.Window != nil {
			window = s.Window.Start.Format(time.DateOnly) + " .. " + s.Window.End.Format(time.DateOnly)
		}
		rows = append(rows, []string{s.Key(), s.Name, string(s.Hint), s.Extractor, window, index})
	}
	return markdown.NewMarkdown(w).
		Table(markdown.TableSet{
			Header: []string{"Stream", "Name", "Hint", "Extractor", "Window", "Index"},
			Rows:   rows,
		}).
		Build()
}
