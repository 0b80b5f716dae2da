package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/eventlog"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and print each instance's query",
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration %s is valid\n", cfgFile)
	fmt.Fprintf(out, "querier: %s, cursor store: %s, outputs: %d, interval: %s\n",
		cfg.Query.Querier, cfg.Cursor.Store, len(cfg.Outputs), cfg.InitConfig.MinCollectionInterval.Duration())

	now := time.Now()
	for i, t := range cfg.Targets() {
		filter := eventlog.BuildFilter(now, t.Criteria)
		wql, err := filter.WQL(t.Class, eventlog.Properties)
		if err != nil {
			return fmt.Errorf("instance %d: %w", i, err)
		}
		conn := "remote"
		if t.Conn().IsLocal() {
			conn = "local"
		}
		fmt.Fprintf(out, "\n[%d] %s (%s)\n  %s\n", i, t.Key(), conn, wql)
	}
	return nil
}
