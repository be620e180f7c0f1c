/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/playlog/apiserver/internal/events"
	"github.com/playlog/apiserver/internal/mq"
	"github.com/playlog/apiserver/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Auth event tooling",
}

var eventsArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Consume auth events and store them in object storage",
	Long: `Consumes EVENTS_CHANNEL on the MQ_BACKEND broker and writes every event
to auth-events/YYYY/MM/DD/<id>.json in the STORAGE_BACKEND bucket. Runs
until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		bus, err := mq.Open(ctx, cfg)
		if errors.Is(err, mq.ErrDisabled) {
			return errors.New("MQ_BACKEND is not set")
		}
		if err != nil {
			return err
		}
		defer bus.Close()

		objects, err := storage.Open(ctx, cfg)
		if err != nil {
			return err
		}

		log.Info("event archiver starting",
			zap.String("broker", bus.Name()),
			zap.String("channel", cfg.Events.Channel),
			zap.String("bucket", objects.Bucket()),
		)
		err = events.NewArchiver(bus, objects, cfg.Events.Channel, log).Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsArchiveCmd)
}
