package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/app"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/config"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/shutdown"
)

var watchConfig bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll all configured instances until interrupted",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().BoolVar(&watchConfig, "watch", true, "reload instances when the configuration file changes")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	logger.Info().Str("version", version).Msg("Starting eventpoller")

	a, err := app.New(context.Background(), cfg, logger, app.Options{})
	if err != nil {
		return err
	}

	m := shutdown.New(shutdown.Config{Timeout: cfg.Shutdown.Timeout, Logger: logger})
	if err := a.Start(m); err != nil {
		a.Close(context.Background())
		return err
	}

	if watchConfig {
		w, err := config.NewWatcher(cfgFile, a.Reload, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Configuration reload disabled")
		} else {
			m.RegisterFunc("config-watcher", func(context.Context) error { return w.Close() })
		}
	}

	go func() {
		defer m.HandlePanic()
		if err := a.Run(m.Context()); err != nil {
			logger.Error().Err(err).Msg("Runner stopped")
			m.Shutdown()
		}
	}()

	return m.WaitForSignal()
}
