package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/ani-regulations/internal/storage/postgres"
)

// migrateFunc applies the schema. Tests replace it.
var migrateFunc = postgres.Migrate

// newMigrateCmd creates the 'migrate' subcommand. It runs without the
// application container since the tables may not exist yet.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "migrate",
		Short:       "Applies the embedded database migrations",
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			return migrateFunc(cfg.DB.MigrateURL(), logger)
		},
	}
}
