/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/playlog/apiserver/config"
	"github.com/playlog/apiserver/internal/db"
	"github.com/playlog/apiserver/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "playlog",
	Short: "Playlog backend: accounts, sessions and housekeeping",
	Long: `Playlog backend. Serves the auth API and runs maintenance tasks
against the same database. Configuration is read from the environment;
ENV=dev also loads a .env file.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "override LOG_LEVEL")
}

// setup loads configuration and builds the process logger.
func setup(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfg := config.LoadConfig()
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	conn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return conn, nil
}
