package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/newthinker/spotbot/internal/breaker"
	"github.com/newthinker/spotbot/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or repair the persisted bot state",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the state blob as JSON",
	RunE:  runStateShow,
}

var stateClearAlertCmd = &cobra.Command{
	Use:   "clear-alert",
	Short: "Return the circuit breaker to RUNNING",
	Long: `Clear ALERT or PAUSED mode in the state blob. Stop the live loop first;
a running bot overwrites the blob, use POST /api/breaker/clear instead.`,
	RunE: runStateClearAlert,
}

func init() {
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateClearAlertCmd)
	rootCmd.AddCommand(stateCmd)
}

func runStateShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	snap, err := state.Load(cfg.Paths.StatePath())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func runStateClearAlert(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := state.Open(cfg.Paths.StatePath(), log)
	if err != nil {
		return err
	}
	brk := breaker.New(cfg.Breaker, log)
	brk.Restore(store.Breaker())
	prev := brk.Snapshot()
	if prev.Mode == breaker.ModeRunning {
		fmt.Println("breaker already RUNNING")
		return nil
	}

	var saveErr error
	brk.OnChange(func(from, to breaker.Mode, reason string) {
		saveErr = store.PutBreaker(brk.Snapshot())
	})
	brk.Clear()
	if saveErr != nil {
		return saveErr
	}
	log.Warn("breaker cleared",
		zap.String("from", string(prev.Mode)),
		zap.String("alert_reason", prev.AlertReason),
	)
	fmt.Printf("breaker %s -> RUNNING\n", prev.Mode)
	return nil
}
