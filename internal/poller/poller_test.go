package poller

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/therealutkarshpriyadarshi/eventpoller/internal/cursor"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/eventlog"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/health"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/logging"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/metrics"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/tracing"
	"github.com/therealutkarshpriyadarshi/eventpoller/internal/wmi"
	"github.com/therealutkarshpriyadarshi/eventpoller/pkg/types"
)

type stubQuerier struct {
	mu       sync.Mutex
	records  []types.RawRecord
	err      error
	requests []wmi.Request
}

func (q *stubQuerier) Query(ctx context.Context, req wmi.Request) ([]types.RawRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)
	if q.err != nil {
		return nil, q.err
	}
	return q.records, nil
}

func (q *stubQuerier) Name() string { return "stub" }

type captureSink struct {
	mu       sync.Mutex
	payloads []*types.EventPayload
	failOn   map[string]bool
}

func (s *captureSink) Send(ctx context.Context, p *types.EventPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[p.MsgText] {
		return errors.New("sink rejected")
	}
	s.payloads = append(s.payloads, p)
	return nil
}

type recordingDLQ struct {
	mu       sync.Mutex
	records  []types.RawRecord
	payloads []*types.EventPayload
}

func (d *recordingDLQ) EnqueueRecord(target string, rec types.RawRecord, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, rec)
	return nil
}

func (d *recordingDLQ) EnqueuePayload(target string, p *types.EventPayload, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, p)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func record(ts time.Time, msg string) types.RawRecord {
	return types.RawRecord{
		"Logfile":       "Application",
		"SourceName":    "MSSQLSERVER",
		"TimeGenerated": wmi.FormatDateTime(ts),
		"Type":          "Error",
		"EventCode":     uint16(6005),
		"Message":       msg,
	}
}

type fixture struct {
	poller  *Poller
	querier *stubQuerier
	sink    *captureSink
	dlq     *recordingDLQ
	clock   *fakeClock
	tracker *cursor.Tracker
	target  *Target
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		querier: &stubQuerier{},
		sink:    &captureSink{failOn: map[string]bool{}},
		dlq:     &recordingDLQ{},
		clock:   &fakeClock{now: t0},
		tracker: cursor.NewTracker(cursor.NewMemoryStore()),
		target:  &Target{Host: "localhost", Tags: []string{"env:test"}},
	}
	f.target.Normalize()

	if cfg.Hostname == "" {
		cfg.Hostname = "agent-host"
	}

	logger := logging.New(logging.Config{Level: "error", Output: os.Stderr})
	opts = append([]Option{
		WithDeadLetters(f.dlq),
		WithClock(f.clock.Now),
		WithLogger(logger),
	}, opts...)

	p, err := New(cfg, f.querier, f.tracker, f.sink, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.poller = p
	return f
}

// baseline runs the first poll at t0
func (f *fixture) baseline(t *testing.T) {
	t.Helper()
	res, err := f.poller.Poll(context.Background(), f.target)
	if err != nil {
		t.Fatalf("baseline Poll() error = %v", err)
	}
	if !res.Baseline {
		t.Fatal("first poll should be a baseline")
	}
}

func (f *fixture) lastSeen(t *testing.T) time.Time {
	t.Helper()
	ts, ok, err := f.tracker.Store().Get(context.Background(), f.target.Key())
	if err != nil || !ok {
		t.Fatalf("cursor missing: ok=%v err=%v", ok, err)
	}
	return ts
}

func TestNew_RequiresCollaborators(t *testing.T) {
	tracker := cursor.NewTracker(cursor.NewMemoryStore())
	sink := &captureSink{}
	q := &stubQuerier{}

	if _, err := New(Config{}, nil, tracker, sink); err == nil {
		t.Error("expected error for nil querier")
	}
	if _, err := New(Config{}, q, nil, sink); err == nil {
		t.Error("expected error for nil tracker")
	}
	if _, err := New(Config{}, q, tracker, nil); err == nil {
		t.Error("expected error for nil sink")
	}
}

func TestPoll_FirstPollEmitsNothing(t *testing.T) {
	f := newFixture(t, Config{})
	f.querier.records = []types.RawRecord{record(t0.Add(-time.Hour), "old")}

	res, err := f.poller.Poll(context.Background(), f.target)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if !res.Baseline {
		t.Error("expected baseline result")
	}
	if len(f.querier.requests) != 0 {
		t.Errorf("baseline poll queried %d times, want 0", len(f.querier.requests))
	}
	if len(f.sink.payloads) != 0 {
		t.Errorf("baseline poll emitted %d events", len(f.sink.payloads))
	}
	if got := f.lastSeen(t); !got.Equal(t0) {
		t.Errorf("cursor = %v, want %v", got, t0)
	}
}

func TestPoll_EmitsNewEventsAndAdvances(t *testing.T) {
	f := newFixture(t, Config{APIKey: "k"})
	f.baseline(t)

	f.clock.Set(t0.Add(time.Minute))
	f.querier.records = []types.RawRecord{
		record(t0.Add(10*time.Second), "first"),
		record(t0.Add(20*time.Second), "second"),
	}

	res, err := f.poller.Poll(context.Background(), f.target)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.Received != 2 || res.Emitted != 2 {
		t.Errorf("result = %+v, want 2 received and emitted", res)
	}
	if len(f.sink.payloads) != 2 {
		t.Fatalf("emitted %d payloads, want 2", len(f.sink.payloads))
	}

	p := f.sink.payloads[0]
	if p.MsgText != "first" || f.sink.payloads[1].MsgText != "second" {
		t.Error("events emitted out of order")
	}
	if p.APIKey != "k" {
		t.Errorf("APIKey = %q, want k", p.APIKey)
	}
	if p.Host != "agent-host" {
		t.Errorf("Host = %q, want agent-host", p.Host)
	}
	if p.EventType != types.EventType || p.SourceTypeName != types.SourceTypeName {
		t.Errorf("unexpected payload constants: %+v", p)
	}
	if p.AlertType != "error" {
		t.Errorf("AlertType = %q, want error", p.AlertType)
	}
	if p.MsgTitle != "Application/MSSQLSERVER" {
		t.Errorf("MsgTitle = %q", p.MsgTitle)
	}
	if len(p.Tags) != 1 || p.Tags[0] != "env:test" {
		t.Errorf("Tags = %v, want [env:test]", p.Tags)
	}

	if got := f.lastSeen(t); !got.Equal(t0.Add(time.Minute)) {
		t.Errorf("cursor = %v, want %v", got, t0.Add(time.Minute))
	}
	if !res.LastSeen.Equal(t0.Add(time.Minute)) {
		t.Errorf("res.LastSeen = %v", res.LastSeen)
	}
}

func TestPoll_QueryUsesCursorFilter(t *testing.T) {
	f := newFixture(t, Config{})
	f.target.Criteria = eventlog.Criteria{Types: []string{"Error", "Warning"}}
	f.baseline(t)

	f.clock.Set(t0.Add(time.Minute))
	if _, err := f.poller.Poll(context.Background(), f.target); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	if len(f.querier.requests) != 1 {
		t.Fatalf("queried %d times, want 1", len(f.querier.requests))
	}
	req := f.querier.requests[0]
	want, err := eventlog.BuildFilter(t0, f.target.Criteria).Where()
	if err != nil {
		t.Fatalf("Where() error = %v", err)
	}
	got, err := req.Filter.Where()
	if err != nil {
		t.Fatalf("Where() error = %v", err)
	}
	if got != want {
		t.Errorf("filter = %q, want %q", got, want)
	}
	if req.Class != eventlog.Class {
		t.Errorf("class = %q", req.Class)
	}
	if req.TargetKey != f.target.Key() {
		t.Errorf("target key = %q", req.TargetKey)
	}
}

func TestPoll_DropsEventsBeforeCursor(t *testing.T) {
	f := newFixture(t, Config{})
	f.baseline(t)

	f.clock.Set(t0.Add(time.Minute))
	// same date, earlier time: passes the date-only query filter
	f.querier.records = []types.RawRecord{
		record(t0.Add(-time.Hour), "stale"),
		record(t0, "boundary"),
		record(t0.Add(time.Second), "fresh"),
	}

	res, err := f.poller.Poll(context.Background(), f.target)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.Stale != 1 {
		t.Errorf("Stale = %d, want 1", res.Stale)
	}
	if res.Emitted != 2 {
		t.Errorf("Emitted = %d, want 2", res.Emitted)
	}
	for _, p := range f.sink.payloads {
		if p.MsgText == "stale" {
			t.Error("stale event was emitted")
		}
	}
}

func TestPoll_QueryFailureKeepsCursor(t *testing.T) {
	f := newFixture(t, Config{})
	f.baseline(t)

	f.clock.Set(t0.Add(time.Minute))
	f.querier.err = errors.New("access denied")

	_, err := f.poller.Poll(context.Background(), f.target)
	if !errors.Is(err, ErrQueryFailure) {
		t.Fatalf("Poll() error = %v, want ErrQueryFailure", err)
	}
	if got := f.lastSeen(t); !got.Equal(t0) {
		t.Errorf("cursor moved to %v after failed query", got)
	}

	statuses := f.poller.Statuses()
	if len(statuses) != 1 || statuses[0].ConsecutiveFailures != 1 {
		t.Fatalf("statuses = %+v, want one failure", statuses)
	}

	// recovery re-covers the failed window
	f.querier.err = nil
	f.querier.records = []types.RawRecord{record(t0.Add(30*time.Second), "late")}
	f.clock.Set(t0.Add(2 * time.Minute))

	res, err := f.poller.Poll(context.Background(), f.target)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.Emitted != 1 {
		t.Errorf("Emitted = %d, want 1", res.Emitted)
	}
	if got := f.poller.Statuses()[0]; got.ConsecutiveFailures != 0 || got.LastError != "" {
		t.Errorf("status not reset after success: %+v", got)
	}
}

func TestPoll_MalformedRecords(t *testing.T) {
	malformed := types.RawRecord{"Logfile": "Application", "SourceName": "X", "TimeGenerated": "garbage"}

	t.Run("skipped", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.baseline(t)
		f.clock.Set(t0.Add(time.Minute))
		f.querier.records = []types.RawRecord{malformed, record(t0.Add(time.Second), "ok")}

		res, err := f.poller.Poll(context.Background(), f.target)
		if err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
		if res.Malformed != 1 || res.Emitted != 1 {
			t.Errorf("result = %+v", res)
		}
		if len(f.dlq.records) != 1 {
			t.Errorf("DLQ records = %d, want 1", len(f.dlq.records))
		}
		if got := f.lastSeen(t); !got.Equal(t0.Add(time.Minute)) {
			t.Errorf("cursor = %v, want advanced", got)
		}
	})

	t.Run("fatal", func(t *testing.T) {
		f := newFixture(t, Config{FailOnMalformed: true})
		f.baseline(t)
		f.clock.Set(t0.Add(time.Minute))
		f.querier.records = []types.RawRecord{record(t0.Add(time.Second), "ok"), malformed}

		_, err := f.poller.Poll(context.Background(), f.target)
		if !errors.Is(err, eventlog.ErrMalformedRecord) {
			t.Fatalf("Poll() error = %v, want ErrMalformedRecord", err)
		}
		if len(f.sink.payloads) != 0 {
			t.Error("events emitted despite malformed batch")
		}
		if got := f.lastSeen(t); !got.Equal(t0) {
			t.Errorf("cursor moved to %v", got)
		}
	})
}

func TestPoll_EmitFailureGoesToDLQ(t *testing.T) {
	f := newFixture(t, Config{})
	f.baseline(t)
	f.clock.Set(t0.Add(time.Minute))
	f.sink.failOn["bad"] = true
	f.querier.records = []types.RawRecord{
		record(t0.Add(time.Second), "good"),
		record(t0.Add(2*time.Second), "bad"),
		record(t0.Add(3*time.Second), "also good"),
	}

	res, err := f.poller.Poll(context.Background(), f.target)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.Emitted != 2 || res.EmitFailed != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(f.dlq.payloads) != 1 || f.dlq.payloads[0].MsgText != "bad" {
		t.Errorf("DLQ payloads = %v", f.dlq.payloads)
	}
	if got := f.lastSeen(t); !got.Equal(t0.Add(time.Minute)) {
		t.Errorf("cursor = %v, want advanced", got)
	}
}

func TestPoll_CancelledDuringRateLimitKeepsCursor(t *testing.T) {
	f := newFixture(t, Config{EventsPerSecond: 0.001, Burst: 1})
	f.baseline(t)
	f.clock.Set(t0.Add(time.Minute))
	f.querier.records = []types.RawRecord{
		record(t0.Add(time.Second), "one"),
		record(t0.Add(2*time.Second), "two"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.poller.Poll(ctx, f.target)
	if err == nil {
		t.Fatal("expected error when emission is interrupted")
	}
	if len(f.sink.payloads) != 1 {
		t.Errorf("emitted %d, want 1 before the limiter blocked", len(f.sink.payloads))
	}
	if got := f.lastSeen(t); !got.Equal(t0) {
		t.Errorf("cursor moved to %v", got)
	}
}

func TestPoll_ConcurrentTargets(t *testing.T) {
	f := newFixture(t, Config{})
	targets := []*Target{{Host: "a"}, {Host: "b"}, {Host: "c"}}

	var wg sync.WaitGroup
	for _, tgt := range targets {
		tgt.Normalize()
		wg.Add(1)
		go func(tgt *Target) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if _, err := f.poller.Poll(context.Background(), tgt); err != nil {
					t.Errorf("Poll(%s) error = %v", tgt.Key(), err)
				}
			}
		}(tgt)
	}
	wg.Wait()

	if got := len(f.poller.Statuses()); got != len(targets) {
		t.Errorf("statuses = %d, want %d", got, len(targets))
	}
}

func TestPoll_RecordsMetrics(t *testing.T) {
	c := metrics.NewCollector()
	f := newFixture(t, Config{}, WithMetrics(c))
	f.baseline(t)
	f.clock.Set(t0.Add(time.Minute))
	f.querier.records = []types.RawRecord{
		record(t0.Add(-time.Hour), "stale"),
		record(t0.Add(time.Second), "ok"),
	}

	if _, err := f.poller.Poll(context.Background(), f.target); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	key := f.target.Key()
	checks := []struct {
		name string
		c    prometheus.Counter
		want float64
	}{
		{"baseline polls", c.PollsTotal.WithLabelValues(key, "baseline"), 1},
		{"successful polls", c.PollsTotal.WithLabelValues(key, "success"), 1},
		{"received", c.RecordsReceived.WithLabelValues(key), 2},
		{"stale", c.EventsStale.WithLabelValues(key), 1},
		{"emitted", c.EventsEmitted.WithLabelValues(key, "error"), 1},
	}
	for _, tt := range checks {
		m := &dto.Metric{}
		if err := tt.c.Write(m); err != nil {
			t.Fatalf("%s: write: %v", tt.name, err)
		}
		if got := m.Counter.GetValue(); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestForget(t *testing.T) {
	f := newFixture(t, Config{})
	f.baseline(t)

	f.poller.Forget(f.target)
	if len(f.poller.Statuses()) != 0 {
		t.Error("status kept after Forget")
	}
	// cursor survives so a re-added target resumes
	if got := f.lastSeen(t); !got.Equal(t0) {
		t.Errorf("cursor = %v, want %v", got, t0)
	}
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, Config{})
	check := f.poller.HealthCheck(2)

	if got := check(context.Background()); got.Status != health.StatusHealthy {
		t.Errorf("no polls: status = %s, want healthy", got.Status)
	}

	f.baseline(t)
	f.querier.err = errors.New("rpc unavailable")
	for i := 0; i < 2; i++ {
		f.poller.Poll(context.Background(), f.target)
	}
	if got := check(context.Background()); got.Status != health.StatusUnhealthy {
		t.Errorf("all failing: status = %s, want unhealthy", got.Status)
	}

	other := &Target{Host: "other"}
	other.Normalize()
	if _, err := f.poller.Poll(context.Background(), other); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if got := check(context.Background()); got.Status != health.StatusDegraded {
		t.Errorf("one failing: status = %s, want degraded", got.Status)
	}
}

func TestPoll_SpanRecordsSkippedRecords(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	f := newFixture(t, Config{}, WithTracer(tp.Tracer("test")))
	f.baseline(t)

	f.clock.Set(t0.Add(time.Minute))
	malformed := record(t0, "no source")
	delete(malformed, "SourceName")
	f.querier.records = []types.RawRecord{
		record(t0.Add(-time.Hour), "stale"),
		malformed,
		record(t0.Add(time.Second), "fresh"),
	}

	if _, err := f.poller.Poll(context.Background(), f.target); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	var reasons []string
	for _, s := range rec.Ended() {
		if s.Name() != "poll" {
			continue
		}
		for _, ev := range s.Events() {
			if ev.Name != "record.skipped" {
				continue
			}
			for _, a := range ev.Attributes {
				if a.Key == "skip.reason" {
					reasons = append(reasons, a.Value.AsString())
				}
			}
		}
	}
	want := []string{tracing.SkipStale, tracing.SkipMalformed}
	if len(reasons) != len(want) || reasons[0] != want[0] || reasons[1] != want[1] {
		t.Errorf("skip reasons = %v, want %v", reasons, want)
	}
}

func TestPoll_QueryFailureMarksSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	f := newFixture(t, Config{}, WithTracer(tp.Tracer("test")))
	f.baseline(t)

	f.clock.Set(t0.Add(time.Minute))
	f.querier.err = errors.New("access denied")
	if _, err := f.poller.Poll(context.Background(), f.target); err == nil {
		t.Fatal("expected query failure")
	}

	failed := map[string]bool{}
	for _, s := range rec.Ended() {
		if s.Status().Code == codes.Error {
			failed[s.Name()] = true
		}
	}
	if !failed["poll"] || !failed["wmi.query"] {
		t.Errorf("failed spans = %v, want poll and wmi.query", failed)
	}
}
