/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/usermgmt/server/internal/db"
	"github.com/usermgmt/server/internal/server"
	"go.uber.org/zap"
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Prepare the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply PostgreSQL migrations or create MongoDB indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		if cfg.Database.IsPostgres() {
			if err := db.MigrateUp(cfg.Database.URL); err != nil {
				return err
			}
			logger.Info("postgres migrations applied")
			return nil
		}

		conn, err := db.Open(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() { _ = conn.Close(cmd.Context()) }()

		if _, err := server.NewUserRepository(cmd.Context(), conn); err != nil {
			return err
		}
		logger.Info("mongodb indexes ensured", zap.String("database", cfg.Database.Name))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
}
