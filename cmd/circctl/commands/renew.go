// cmd/circctl/commands/renew.go
package commands

import (
	"fmt"
	"time"

	"libracirc/internal/app"

	"github.com/spf13/cobra"
)

func newRenewCommand() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Run one automatic renewal pass",
		Long: `Extend every loan due at the given time that its policy still allows
to renew. Loans with pending requests or no renewals left are ignored.`,
		Example: `  # Renew loans due now
  circctl renew

  # Renew loans due at a given instant
  circctl renew --at 2024-03-15T00:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = t
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Renewer.Run(cmd.Context(), now)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "renewal time (RFC3339), defaults to now")
	return cmd
}
