package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ani-regulations/internal/pipeline"
)

// newProbeCmd creates the 'probe' subcommand.
func newProbeCmd() *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Reports whether the listing has regulations newer than the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			numPages, err := pagesFlag(cmd, pages)
			if err != nil {
				return err
			}
			req := pipeline.Request{NumPages: numPages}.Normalize()
			check, err := appInstance.Runner().CheckContent(cmd.Context(), req)
			if err != nil && !errors.Is(err, pipeline.ErrSkipped) {
				return err
			}
			return printJSON(cmd, map[string]any{
				"new_content":   check == pipeline.ContentNew,
				"content_check": check,
			})
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 0, "upper bound on the pages probed (default source.num_pages)")
	return cmd
}
