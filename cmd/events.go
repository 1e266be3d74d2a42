/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/usermgmt/server/internal/mq"
	"go.uber.org/zap"
)

// eventsCmd represents the events command.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect user change events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Log every event published to the events channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		events, err := mq.Open(ctx, cfg.Events)
		if err != nil {
			return err
		}
		if events == nil {
			return errors.New("events are disabled; set EVENTS_BACKEND")
		}
		defer func() { _ = events.Close() }()

		logger.Info("tailing events", zap.String("channel", events.Channel()))
		err = events.SubscribeUserEvents(ctx, func(_ context.Context, evt mq.UserEvent) error {
			logger.Info("user event",
				zap.String("type", string(evt.Type)),
				zap.String("user_id", evt.UserID),
				zap.String("email", evt.Email),
				zap.Time("at", evt.At))
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)
}
