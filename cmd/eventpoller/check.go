package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/app"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/output"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/poller"
)

var (
	checkWait       time.Duration
	checkUseOutputs bool
	checkInstance   int
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Poll each instance twice and print what would be sent",
	Long: `check takes a baseline of every instance, waits, then polls again and
prints the resulting payloads. The first poll of a target never emits
anything, so the second poll shows the events generated in between.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().DurationVar(&checkWait, "wait", 5*time.Second, "delay between the baseline and the second poll")
	checkCmd.Flags().BoolVar(&checkUseOutputs, "use-outputs", false, "send to the configured outputs instead of stdout")
	checkCmd.Flags().IntVar(&checkInstance, "instance", -1, "only check the instance with this index")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	if !checkUseOutputs {
		sc := output.DefaultStreamConfig()
		sc.Pretty = true
		cfg.Outputs = []output.Config{{Type: "stdout", Stream: &sc}}
	}
	// a check run must not rely on state left by a daemon
	cfg.Cursor.Store = "memory"
	cfg.DeadLetter = nil

	targets := cfg.Targets()
	if checkInstance >= 0 {
		if checkInstance >= len(targets) {
			return fmt.Errorf("instance %d out of range (%d configured)", checkInstance, len(targets))
		}
		targets = []*poller.Target{targets[checkInstance]}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.New(ctx, cfg, logger, app.Options{NoServer: true})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	for _, t := range targets {
		if _, err := a.Poller.Poll(ctx, t); err != nil {
			return fmt.Errorf("baseline of %s: %w", t.Key(), err)
		}
	}

	select {
	case <-time.After(checkWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	results := make(map[string]poller.Result, len(targets))
	var failed error
	for _, t := range targets {
		res, err := a.Poller.Poll(ctx, t)
		if err != nil && failed == nil {
			failed = fmt.Errorf("poll of %s: %w", t.Key(), err)
		}
		results[t.Key()] = res
	}

	enc := json.NewEncoder(os.Stderr)
	enc.SetIndent("", "  ")
	enc.Encode(results)
	return failed
}
