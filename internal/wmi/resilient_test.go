package wmi

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/reliability"
	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

type stubQuerier struct {
	calls   int
	errs    []error
	records []types.RawRecord
}

func (s *stubQuerier) Query(ctx context.Context, req Request) ([]types.RawRecord, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return s.records, nil
}

func (s *stubQuerier) Name() string { return "stub" }

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Output: os.Stderr})
}

func fastRetry(n int) reliability.RetryConfig {
	return reliability.RetryConfig{MaxRetries: n, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestResilientQuerier_RetriesTransientErrors(t *testing.T) {
	stub := &stubQuerier{
		errs:    []error{errors.New("rpc unavailable"), nil},
		records: []types.RawRecord{{"SourceName": "App"}},
	}
	var retries int
	retry := fastRetry(3)
	retry.OnRetry = func(attempt int, backoff time.Duration, err error) { retries++ }

	q := NewResilientQuerier(stub, retry, reliability.CircuitBreakerConfig{}, testLogger())

	records, err := q.Query(context.Background(), Request{Class: "Win32_NTLogEvent", Conn: ConnectionParams{Host: "dc01"}})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(records) != 1 {
		t.Errorf("len(records) = %d, want 1", len(records))
	}
	if stub.calls != 2 {
		t.Errorf("calls = %d, want 2", stub.calls)
	}
	if retries != 1 {
		t.Errorf("retries = %d, want 1", retries)
	}
	if q.Name() != "stub" {
		t.Errorf("Name() = %q, want stub", q.Name())
	}
}

func TestResilientQuerier_InvalidQueryNotRetried(t *testing.T) {
	stub := &stubQuerier{errs: []error{ErrInvalidQuery, ErrInvalidQuery, ErrInvalidQuery}}
	q := NewResilientQuerier(stub, fastRetry(3), reliability.CircuitBreakerConfig{
		ReadyToTrip: func(c reliability.Counts) bool { return c.ConsecutiveFailures >= 1 },
	}, testLogger())

	for i := 0; i < 2; i++ {
		_, err := q.Query(context.Background(), Request{Class: "Win32_NTLogEvent"})
		if !errors.Is(err, ErrInvalidQuery) {
			t.Fatalf("Query() error = %v, want ErrInvalidQuery", err)
		}
	}
	if stub.calls != 2 {
		t.Errorf("calls = %d, want 2", stub.calls)
	}
	if state := q.BreakerStates()["localhost"]; state != reliability.StateClosed {
		t.Errorf("breaker state = %v, want closed", state)
	}
}

func TestResilientQuerier_BreakerOpensPerHost(t *testing.T) {
	failing := errors.New("access denied")
	stub := &stubQuerier{errs: []error{failing, failing}}
	q := NewResilientQuerier(stub, fastRetry(0), reliability.CircuitBreakerConfig{
		Timeout:     time.Minute,
		ReadyToTrip: func(c reliability.Counts) bool { return c.ConsecutiveFailures >= 2 },
	}, testLogger())

	req := Request{Class: "Win32_NTLogEvent", Conn: ConnectionParams{Host: "DC01"}}
	for i := 0; i < 2; i++ {
		if _, err := q.Query(context.Background(), req); !errors.Is(err, failing) {
			t.Fatalf("Query() error = %v, want %v", err, failing)
		}
	}

	if _, err := q.Query(context.Background(), req); !errors.Is(err, reliability.ErrCircuitOpen) {
		t.Errorf("Query() error = %v, want ErrCircuitOpen", err)
	}
	if stub.calls != 2 {
		t.Errorf("calls = %d, want 2", stub.calls)
	}

	other := Request{Class: "Win32_NTLogEvent", Conn: ConnectionParams{Host: "dc02"}}
	if _, err := q.Query(context.Background(), other); err != nil {
		t.Errorf("Query(dc02) error = %v", err)
	}

	if state := q.BreakerStates()["dc01"]; state != reliability.StateOpen {
		t.Errorf("dc01 breaker = %v, want open", state)
	}
}

func TestResilientQuerier_PruneHosts(t *testing.T) {
	stub := &stubQuerier{}
	q := NewResilientQuerier(stub, fastRetry(0), reliability.CircuitBreakerConfig{}, testLogger())

	for _, host := range []string{"", "DC01", "web01"} {
		req := Request{Class: "Win32_NTLogEvent", Conn: ConnectionParams{Host: host}}
		if _, err := q.Query(context.Background(), req); err != nil {
			t.Fatalf("Query(%q) error = %v", host, err)
		}
	}

	removed := q.PruneHosts([]ConnectionParams{{Host: "localhost"}, {Host: "dc01"}})
	if len(removed) != 1 || removed[0] != "web01" {
		t.Errorf("PruneHosts() = %v, want [web01]", removed)
	}

	states := q.BreakerStates()
	if _, ok := states["web01"]; ok {
		t.Error("web01 breaker still tracked")
	}
	for _, host := range []string{"localhost", "dc01"} {
		if _, ok := states[host]; !ok {
			t.Errorf("%s breaker dropped", host)
		}
	}
}
