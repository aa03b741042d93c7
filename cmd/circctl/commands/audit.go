// cmd/circctl/commands/audit.go
package commands

import (
	"libracirc/internal/storage/postgres"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newAuditCommand() *cobra.Command {
	var (
		fromID    int64
		batchSize int
		itemPID   string
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Export the circulation audit trail as JSON lines",
		Example: `  # Every event after id 1000
  circctl audit --from 1000

  # One item's history
  circctl audit --item item-1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), func(db *postgres.Store, _ *zap.SugaredLogger) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				if itemPID != "" {
					events, err := db.History(cmd.Context(), itemPID)
					if err != nil {
						return err
					}
					for _, e := range events {
						if err := enc.Encode(e); err != nil {
							return err
						}
					}
					return nil
				}

				cursor := fromID
				for {
					events, err := db.Events().StreamEvents(cmd.Context(), cursor, batchSize)
					if err != nil {
						return err
					}
					if len(events) == 0 {
						return nil
					}
					for _, e := range events {
						if err := enc.Encode(e); err != nil {
							return err
						}
						cursor = e.ID
					}
				}
			})
		},
	}

	cmd.Flags().Int64Var(&fromID, "from", 0, "export events with an id greater than this")
	cmd.Flags().IntVar(&batchSize, "batch", 500, "events fetched per query")
	cmd.Flags().StringVar(&itemPID, "item", "", "export a single item's history")
	return cmd
}
