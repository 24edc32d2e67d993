package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ani-regulations/internal/pipeline"
)

// newRunCmd creates the 'run' subcommand, one synchronous scrape.
func newRunCmd() *cobra.Command {
	var (
		pages int
		force bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one scrape and prints its outcome as JSON",
		Long: `Probes the listing for new content, scrapes pages 0..pages-1, validates the
records and inserts the unseen ones. --force skips the probe.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			numPages, err := pagesFlag(cmd, pages)
			if err != nil {
				return err
			}
			req := pipeline.Request{NumPages: numPages, Force: force}.Normalize()
			out := appInstance.Runner().Run(cmd.Context(), req)
			if err := printJSON(cmd, out); err != nil {
				return err
			}
			if !out.Success {
				return fmt.Errorf("run failed: %s", out.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 0, "number of listing pages to scrape (default source.num_pages)")
	cmd.Flags().BoolVar(&force, "force", false, "scrape even when the probe finds nothing new")
	return cmd
}

// pagesFlag resolves --pages against source.num_pages when the flag is unset.
func pagesFlag(cmd *cobra.Command, pages int) (int, error) {
	cfg, _, err := resolveConfig(cmd.Context())
	if err != nil {
		return 0, err
	}
	var requested *int
	if cmd.Flags().Changed("pages") {
		requested = &pages
	}
	return pipeline.PageCount(requested, cfg.Source.NumPages), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
