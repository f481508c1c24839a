package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"convoagent/internal/domain"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the configured chat channels until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, opts.configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, log, cleanup, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	channels, err := a.buildChannels()
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return errors.New("no channels configured")
	}

	var started []domain.Channel
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, ch := range started {
			if err := ch.Stop(shutdownCtx); err != nil {
				log.Error("channel stop failed", "channel", ch.Name(), "error", err)
			}
		}
	}()

	for _, ch := range channels {
		if err := ch.Start(ctx, a.handler.Handle); err != nil {
			return fmt.Errorf("channel %s: %w", ch.Name(), err)
		}
		started = append(started, ch)
	}

	log.Info("serving", "channels", len(started))
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
