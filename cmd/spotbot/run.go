package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/newthinker/spotbot/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Trade the bound symbols live",
	Long: `Trade every symbol pinned in the config file or listed in the selection
file, evaluating each one when its bar closes. SIGINT or SIGTERM lets the
running ticks finish before the state is flushed.`,
	RunE: runLive,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runLive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateLive(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	a, err := app.New(cfg, log, app.WithConfigPath(cfgFile))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Error("live loop failed", zap.Error(err))
		return err
	}
	return nil
}
