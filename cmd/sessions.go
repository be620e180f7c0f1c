/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/playlog/apiserver/internal/services"
	"github.com/playlog/apiserver/internal/store"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Session housekeeping",
}

var sessionsReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Deactivate active sessions whose lifetime has passed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		conn, err := openDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer conn.Close()

		// Reaping only touches session rows; no codec or hasher is needed.
		auth := services.NewAuthService(
			store.NewUserRepository(conn),
			store.NewSessionRepository(conn),
			nil, nil, 0,
			services.WithLogger(log),
		)
		n, err := auth.ReapExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deactivated %d expired sessions\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsReapCmd)
}
