// cmd/circctl/commands/migrate.go
package commands

import (
	"libracirc/internal/storage/postgres"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), func(db *postgres.Store, logger *zap.SugaredLogger) error {
				if err := db.Migrate(cmd.Context()); err != nil {
					return err
				}
				logger.Infow("schema is up to date")
				return nil
			})
		},
	}
}
