package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/faceid/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Apply the embedded schema migrations of the configured backend.

Migrations also run at server start unless database.auto_migrate is false.
Running this command repeatedly is safe.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	// Open without auto-migrate so failures are reported by Migrate itself.
	dbCfg := cfg.Database
	dbCfg.AutoMigrate = false
	store, err := database.Open(ctx, &dbCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating %s: %w", dbCfg.Driver, err)
	}
	logger.Info("migrations applied", "driver", dbCfg.Driver)
	return nil
}
