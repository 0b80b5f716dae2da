package wmi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

const maxReplayLine = 1024 * 1024

// ReplayQuerier answers queries from a JSON-lines file of records. The
// file is re-read on every query so it can be appended to between polls.
type ReplayQuerier struct {
	path   string
	logger *logging.Logger
}

// NewReplayQuerier creates a querier reading records from path
func NewReplayQuerier(path string, logger *logging.Logger) (*ReplayQuerier, error) {
	if path == "" {
		return nil, fmt.Errorf("replay path is required")
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &ReplayQuerier{
		path:   path,
		logger: logger.WithComponent("wmi-replay"),
	}, nil
}

// Query returns the records matching the request's filter, projected
// to the requested properties, in file order.
func (q *ReplayQuerier) Query(ctx context.Context, req Request) ([]types.RawRecord, error) {
	query, err := req.WQL()
	if err != nil {
		return nil, err
	}

	file, err := os.Open(q.path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	defer file.Close()

	q.logger.WithTarget(req.TargetKey).Debug().
		Str("wql", query).
		Msg("Replaying WMI query")

	var records []types.RawRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxReplayLine)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var rec types.RawRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("replay file %s line %d: %w", q.path, line, err)
		}

		if !req.Filter.Matches(rec) {
			continue
		}
		records = append(records, project(rec, req.Properties))
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read replay file: %w", err)
	}

	return records, nil
}

// Name returns the querier name
func (q *ReplayQuerier) Name() string {
	return "replay"
}

// project keeps only the selected properties, matched case-insensitively
// and keyed by the requested spelling. No properties selects everything.
func project(rec types.RawRecord, properties []string) types.RawRecord {
	if len(properties) == 0 {
		return rec
	}
	out := make(types.RawRecord, len(properties))
	for _, p := range properties {
		if k, ok := lookup(rec, p); ok {
			out[p] = rec[k]
		}
	}
	return out
}
