// cmd/circctl/commands/root.go
package commands

import (
	"context"
	"fmt"
	"io"

	"libracirc/internal/app"
	"libracirc/internal/config"
	"libracirc/internal/storage/postgres"
	"libracirc/internal/telemetry"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Global flags
var (
	configPath string
	verbose    bool
)

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return newRootCommand().ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "circctl",
		Short: "Administer the libracirc circulation service",
		Long: `circctl runs maintenance tasks against the circulation service's
configured storage: schema migrations, automatic renewals, policy
resolution checks and audit trail export.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newRenewCommand())
	rootCmd.AddCommand(newResolvePolicyCommand())
	rootCmd.AddCommand(newOrganisationCommand())
	rootCmd.AddCommand(newAuditCommand())
	return rootCmd
}

func setup() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	logger, err := telemetry.NewLogger(level, cfg.Log.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// withApp wires the full service for the duration of fn.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// withDatabase opens the configured Postgres database for fn.
func withDatabase(ctx context.Context, fn func(db *postgres.Store, logger *zap.SugaredLogger) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Database.Driver == "memory" {
		return fmt.Errorf("database.driver is memory; this command needs postgres or pgx")
	}
	db, err := postgres.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db, logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
