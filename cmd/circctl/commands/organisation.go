// cmd/circctl/commands/organisation.go
package commands

import (
	"libracirc/internal/policy"
	"libracirc/internal/storage/postgres"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newOrganisationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "organisation",
		Short: "Manage organisations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <pid> <name>",
		Short: "Register an organisation so policies can be created for it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), func(db *postgres.Store, logger *zap.SugaredLogger) error {
				if err := db.AddOrganisation(cmd.Context(), policy.Organisation{PID: args[0], Name: args[1]}); err != nil {
					return err
				}
				logger.Infow("organisation registered", "organisation_pid", args[0])
				return nil
			})
		},
	})
	return cmd
}
