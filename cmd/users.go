/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"strconv"

	"github.com/playlog/apiserver/internal/services"
	"github.com/playlog/apiserver/internal/store"
	"github.com/playlog/apiserver/types"
	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage user access",
}

var usersSetRoleCmd = &cobra.Command{
	Use:   "set-role <username|email> <user|admin>",
	Short: "Change the role of a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := types.Role(args[1])
		if !role.Valid() {
			return fmt.Errorf("unknown role %q", args[1])
		}
		return updateUser(cmd, args[0], services.UpdateUserInput{Role: &role})
	},
}

var usersSetActiveCmd = &cobra.Command{
	Use:   "set-active <username|email> <true|false>",
	Short: "Enable or disable an account; disabling ends its sessions",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		active, err := strconv.ParseBool(args[1])
		if err != nil {
			return fmt.Errorf("invalid active flag %q", args[1])
		}
		return updateUser(cmd, args[0], services.UpdateUserInput{Active: &active})
	},
}

func init() {
	rootCmd.AddCommand(usersCmd)
	usersCmd.AddCommand(usersSetRoleCmd, usersSetActiveCmd)
}

func updateUser(cmd *cobra.Command, login string, in services.UpdateUserInput) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	conn, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	users := services.NewUserService(store.NewUserRepository(conn), store.NewSessionRepository(conn), nil, log)
	user, err := users.GetByLogin(ctx, login)
	if err != nil {
		return fmt.Errorf("find user %q: %w", login, err)
	}
	updated, err := users.Update(ctx, user.ID, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "user %s (id %d): role=%s active=%t\n",
		updated.Username, updated.ID, updated.Role, updated.Active)
	return nil
}
