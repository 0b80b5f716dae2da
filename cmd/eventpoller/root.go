package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/config"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
)

var version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "eventpoller",
	Short: "Windows Event Log poller",
	Long: `eventpoller reads new Windows Event Log entries over WMI on a fixed
interval, normalizes them and ships them to the configured outputs.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "eventpoller.yaml", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

// loadConfig reads the configuration file. When the file is absent and
// allowDefault is set, a local-machine default is used instead.
func loadConfig(allowDefault bool) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		if allowDefault && errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	logging.SetGlobal(logger)
	return logger
}
