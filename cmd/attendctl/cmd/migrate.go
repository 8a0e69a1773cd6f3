package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"campusattend/internal/bootstrap"
	"campusattend/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := load()
		if err != nil {
			return err
		}
		db, err := bootstrap.OpenDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := store.Migrate(cmd.Context(), db.DB); err != nil {
			return err
		}
		version, err := store.MigrationVersion(cmd.Context(), db.DB)
		if err != nil {
			return err
		}
		log.Sugar().Infof("schema at version %d", version)
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the state of every migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := load()
		if err != nil {
			return err
		}
		db, err := bootstrap.OpenDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := store.MigrationStatus(cmd.Context(), db.DB); err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}
