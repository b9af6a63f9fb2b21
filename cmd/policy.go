package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlindex/internal/policy"
	"github.com/JakeFAU/crawlindex/internal/urlnorm"
)

// newPolicyCmd groups offline policy tools. They need no database, so the
// root pre-run is replaced with a no-op.
func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "policy",
		Short:              "Inspects policy rule files",
		PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
		PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
	}
	cmd.AddCommand(newPolicyCheckCmd())
	return cmd
}

func newPolicyCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check rules.yaml [url...]",
		Short: "Validates a rule file and shows which rule each URL resolves to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := policy.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			rules := resolver.Rules()
			fmt.Fprintf(out, "%d rules ok\n", len(rules))
			if !resolver.HasCatchAll() {
				fmt.Fprintln(out, "warning: last rule is not a catch-all")
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, raw := range args[1:] {
				canonical, err := urlnorm.Normalize(raw, urlnorm.Options{KeepParams: true})
				if err != nil {
					fmt.Fprintf(tw, "%s\tinvalid\t%v\n", raw, err)
					continue
				}
				p, err := resolver.Resolve(canonical)
				if err != nil {
					fmt.Fprintf(tw, "%s\tno match\t\n", canonical)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\tbrowse=%s depth=%d recrawl=%s\n",
					canonical, p.URLRegex, p.BrowseMode, p.CrawlDepth, p.Recrawl.Mode)
			}
			return tw.Flush()
		},
	}
}
