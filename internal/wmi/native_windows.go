//go:build windows

package wmi

import (
	"context"
	"fmt"
	"strings"

	"github.com/yusufpapurcu/wmi"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

// ntLogEvent mirrors the Win32_NTLogEvent properties we select. The
// datetime stays a string so the offset marker survives untouched.
type ntLogEvent struct {
	Logfile          string
	SourceName       string
	TimeGenerated    string
	Type             string
	User             string
	Message          string
	InsertionStrings []string
	EventCode        uint16
}

// NativeQuerier runs WQL through the SWbemLocator COM interface
type NativeQuerier struct {
	client *wmi.Client
	logger *logging.Logger
}

// NewNativeQuerier creates a querier backed by the local WMI service
func NewNativeQuerier(logger *logging.Logger) (*NativeQuerier, error) {
	if logger == nil {
		logger = logging.Global()
	}
	return &NativeQuerier{
		// rows only carry the selected subset of properties
		client: &wmi.Client{AllowMissingFields: true},
		logger: logger.WithComponent("wmi-native"),
	}, nil
}

// Query runs the request. COM calls cannot be interrupted, so on
// cancellation the call is abandoned and finishes in the background.
func (q *NativeQuerier) Query(ctx context.Context, req Request) ([]types.RawRecord, error) {
	if !strings.EqualFold(req.Class, "Win32_NTLogEvent") {
		return nil, fmt.Errorf("%w: unsupported class %q", ErrInvalidQuery, req.Class)
	}

	query, err := req.WQL()
	if err != nil {
		return nil, err
	}

	namespace := req.Conn.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}

	args := []interface{}{nil, namespace}
	if !req.Conn.IsLocal() {
		args = []interface{}{req.Conn.Host, namespace}
		if req.Conn.Username != "" {
			args = append(args, req.Conn.Username, req.Conn.Password)
		}
	}

	q.logger.WithTarget(req.TargetKey).WithHost(req.Conn.Host).Debug().
		Str("wql", query).
		Msg("Running WMI query")

	type result struct {
		rows []ntLogEvent
		err  error
	}
	done := make(chan result, 1)

	go func() {
		var rows []ntLogEvent
		err := q.client.Query(query, &rows, args...)
		done <- result{rows: rows, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("query %s on %s: %w", req.Class, req.Conn.Host, res.err)
		}
		records := make([]types.RawRecord, 0, len(res.rows))
		for _, row := range res.rows {
			records = append(records, toRecord(row, req.Properties))
		}
		return records, nil
	}
}

// Name returns the querier name
func (q *NativeQuerier) Name() string {
	return "native"
}

func toRecord(row ntLogEvent, properties []string) types.RawRecord {
	all := types.RawRecord{
		"Logfile":       row.Logfile,
		"SourceName":    row.SourceName,
		"TimeGenerated": row.TimeGenerated,
		"Type":          row.Type,
		"User":          row.User,
		"EventCode":     row.EventCode,
	}
	// null properties come back as zero values
	if row.Message != "" {
		all["Message"] = row.Message
	}
	if row.InsertionStrings != nil {
		all["InsertionStrings"] = row.InsertionStrings
	}
	return project(all, properties)
}
