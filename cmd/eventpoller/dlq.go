package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/config"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/dlq"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/output"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay the dead letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print dead letter entries as JSON lines",
	Args:  cobra.NoArgs,
	RunE:  runDLQList,
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove dead letter entries, optionally of one kind only",
	Args:  cobra.NoArgs,
	RunE:  runDLQPurge,
}

var purgeKind string

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-send undeliverable payloads to the configured outputs",
	Args:  cobra.NoArgs,
	RunE:  runDLQReplay,
}

func init() {
	dlqPurgeCmd.Flags().StringVar(&purgeKind, "kind", "", "only purge entries of this kind (malformed_record or undeliverable)")
	dlqCmd.AddCommand(dlqListCmd, dlqPurgeCmd, dlqReplayCmd)
	rootCmd.AddCommand(dlqCmd)
}

func openDLQ(cfg *config.Config) (*dlq.DeadLetterQueue, error) {
	dc := cfg.DeadLetter
	if dc == nil || !dc.Enabled {
		return nil, fmt.Errorf("dead letter queue is not enabled in %s", cfgFile)
	}
	return dlq.NewDeadLetterQueue(dlq.DLQConfig{
		Dir:           dc.Dir,
		MaxSize:       dc.MaxSize,
		MaxAge:        dc.MaxAge,
		FlushInterval: dc.FlushInterval,
	})
}

func runDLQList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	q, err := openDLQ(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	entries, err := q.GetAll()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func runDLQPurge(cmd *cobra.Command, args []string) error {
	kind := dlq.Kind(purgeKind)
	switch kind {
	case "", dlq.KindMalformedRecord, dlq.KindUndeliverable:
	default:
		return fmt.Errorf("unknown entry kind %q", purgeKind)
	}

	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	q, err := openDLQ(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	n, err := q.Purge(kind)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
	return nil
}

func runDLQReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	q, err := openDLQ(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	outputs := make([]output.Output, 0, len(cfg.Outputs))
	for _, oc := range cfg.Outputs {
		out, err := output.New(ctx, oc)
		if err != nil {
			for _, o := range outputs {
				o.Close()
			}
			return fmt.Errorf("failed to create %s output: %w", oc.Type, err)
		}
		outputs = append(outputs, out)
	}
	router, err := output.NewRouter(*cfg.Router, outputs, output.WithRouterLogger(logger))
	if err != nil {
		return err
	}
	defer router.Close()

	stats := replayEntries(ctx, q, router, logger)
	logger.Info().
		Int("sent", stats.sent).
		Int("failed", stats.failed).
		Int("kept", stats.kept).
		Int("lost", stats.lost).
		Msg("Dead letter replay finished")

	if err := q.Flush(); err != nil {
		return err
	}
	if stats.lost > 0 {
		return fmt.Errorf("%d entries could not be put back into the queue", stats.lost)
	}
	if stats.failed > 0 {
		return fmt.Errorf("%d payloads could not be delivered", stats.failed)
	}
	return nil
}

// replayQueue is the part of the dead letter queue a replay walks
type replayQueue interface {
	Size() int
	Dequeue() (*dlq.DLQEntry, error)
	Enqueue(entry *dlq.DLQEntry) error
	Retry(entry *dlq.DLQEntry, cause error) error
}

type replayStats struct {
	sent, failed, kept, lost int
}

// replayEntries walks the queue once. Delivered payloads are removed,
// failed ones go back with an incremented retry count and malformed
// records are kept untouched for inspection. An entry that cannot be
// put back is logged in full and counted as lost.
func replayEntries(ctx context.Context, q replayQueue, sink output.Output, logger *logging.Logger) replayStats {
	var stats replayStats
	lose := func(entry *dlq.DLQEntry, err error) {
		stats.lost++
		logger.Error().
			Err(err).
			Str("id", entry.ID).
			Str("kind", string(entry.Kind)).
			Interface("entry", entry).
			Msg("Failed to return entry to dead letter queue")
	}

	for n := q.Size(); n > 0; n-- {
		entry, err := q.Dequeue()
		if err != nil || entry == nil {
			break
		}

		if entry.Kind != dlq.KindUndeliverable || entry.Payload == nil {
			if err := q.Enqueue(entry); err != nil {
				lose(entry, err)
				continue
			}
			stats.kept++
			continue
		}

		if sendErr := sink.Send(ctx, entry.Payload); sendErr != nil {
			stats.failed++
			if err := q.Retry(entry, sendErr); err != nil {
				lose(entry, err)
			}
			continue
		}
		stats.sent++
	}
	return stats
}
