/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/usermgmt/server/config"
	"github.com/usermgmt/server/internal/logging"
	"go.uber.org/zap"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "usermgmt",
	Short: "User record management web application",
	Long: `usermgmt serves HTML forms to create, list, edit and delete user
records with an optional profile picture. Records live in MongoDB or
PostgreSQL depending on DATABASE_URL.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration and builds the process logger.
func setup() (config.Config, *zap.Logger, error) {
	cfg := config.LoadConfig()
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return cfg, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}
