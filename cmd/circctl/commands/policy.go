// cmd/circctl/commands/policy.go
package commands

import (
	"libracirc/internal/app"
	"libracirc/internal/policy"

	"github.com/spf13/cobra"
)

func newResolvePolicyCommand() *cobra.Command {
	var q policy.Query

	cmd := &cobra.Command{
		Use:     "resolve-policy",
		Short:   "Show the circulation policy that applies to a transaction",
		Example: `  circctl resolve-policy --organisation org-1 --library lib-a --patron-type adult --item-type book`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				p, err := a.Policies.Resolve(cmd.Context(), q)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}

	cmd.Flags().StringVar(&q.OrganisationPID, "organisation", "", "organisation pid")
	cmd.Flags().StringVar(&q.LibraryPID, "library", "", "library pid")
	cmd.Flags().StringVar(&q.PatronTypePID, "patron-type", "", "patron type pid")
	cmd.Flags().StringVar(&q.ItemTypePID, "item-type", "", "effective item type pid")
	cmd.MarkFlagRequired("organisation")
	return cmd
}
