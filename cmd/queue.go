package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlindex/internal/queue"
)

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue url...",
		Short: "Adds seed URLs to the crawl queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return queueURLs(cmd, a.Queue(), args)
		},
	}
}

func newRecrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recrawl url",
		Short: "Makes a document due for crawling now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			doc, err := a.Queue().Recrawl(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s id=%d status=%s\n", doc.URL, doc.ID, doc.Status)
			return nil
		},
	}
}

// queueURLs seeds urls and prints one line per input. Rejected URLs are
// reported but do not fail the command.
func queueURLs(cmd *cobra.Command, q *queue.Service, urls []string) error {
	results, err := q.Seed(cmd.Context(), urls)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, r := range results {
		if r.Document == nil {
			fmt.Fprintf(out, "rejected %s: %s\n", r.Input, r.Error)
			continue
		}
		fmt.Fprintf(out, "queued %s id=%d\n", r.Document.URL, r.Document.ID)
	}
	return nil
}
