package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/minutes/internal/config"
	"github.com/MikeSquared-Agency/minutes/internal/events"
	"github.com/MikeSquared-Agency/minutes/internal/notify"
)

func newEventsCmd(load func() (config.Config, error)) *cobra.Command {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect session and pipeline events on NATS",
	}

	var consumer string
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print new events as JSON lines until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.NatsURL == "" {
				return errors.New("NATS_URL is required")
			}
			setupLogging(cfg.LogLevel, "text")

			pub, err := notify.NewPublisher(cfg.NatsURL)
			if err != nil {
				return err
			}
			defer pub.Close()
			if err := pub.EnsureStream(cmd.Context()); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			err = pub.Tail(cmd.Context(), consumer, func(e events.Event) {
				if err := enc.Encode(e); err != nil {
					slog.Warn("failed to print event", "event_id", e.EventID, "error", err)
				}
			})
			if err != nil {
				return fmt.Errorf("tail events: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}
	tailCmd.Flags().StringVar(&consumer, "consumer", "minutes-tail", "durable consumer name")

	eventsCmd.AddCommand(tailCmd)
	return eventsCmd
}
