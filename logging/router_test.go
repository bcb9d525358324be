package logging_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"netsim/server/logging"
	"netsim/server/logging/sinks"
)

func closeRouter(t *testing.T, router *logging.Router) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("close router: %v", err)
	}
}

func TestRouterDeliversToSinksAndAppliesFields(t *testing.T) {
	memory := sinks.NewMemory(0)
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = logging.SeverityDebug
	cfg.Fields = map[string]any{"service": "netsim"}
	fixed := time.Unix(100, 0)
	router, err := logging.NewRouter(logging.ClockFunc(func() time.Time { return fixed }), cfg, []logging.NamedSink{{Name: "memory", Sink: memory}})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	router.Publish(context.Background(), logging.Event{Type: "network.connection_opened", Frame: 3, Severity: logging.SeverityInfo, Category: logging.CategoryNetwork})
	router.Publish(context.Background(), logging.Event{Type: "", Frame: 4})
	closeRouter(t, router)

	events := memory.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Frame != 3 {
		t.Fatalf("expected frame 3, got %d", events[0].Frame)
	}
	if !events[0].Time.Equal(fixed) {
		t.Fatalf("expected router clock to stamp time, got %v", events[0].Time)
	}
	if events[0].Extra["service"] != "netsim" {
		t.Fatalf("expected router fields to be applied, got %+v", events[0].Extra)
	}
	stats := router.Stats()
	if stats.Routed != 1 || stats.ByCategory[logging.CategoryNetwork] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if !memory.Closed() {
		t.Fatalf("expected sink closed with the router")
	}
	if router.Sink("memory") != memory || router.Sink("json") != nil {
		t.Fatalf("unexpected sink lookup")
	}
}

func TestRouterFiltersBelowMinimumSeverity(t *testing.T) {
	memory := sinks.NewMemory(0)
	metrics := &logging.Metrics{}
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = logging.SeverityWarn
	cfg.Metrics = metrics
	router, err := logging.NewRouter(nil, cfg, []logging.NamedSink{{Name: "memory", Sink: memory}})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	router.Publish(context.Background(), logging.Event{Type: "network.saturated", Severity: logging.SeverityDebug})
	router.Publish(context.Background(), logging.Event{Type: "network.connection_failed", Severity: logging.SeverityWarn})
	closeRouter(t, router)

	events := memory.OfType("network.connection_failed")
	if len(memory.Events()) != 1 || len(events) != 1 {
		t.Fatalf("expected only the warning to pass, got %+v", memory.Events())
	}
	snap := metrics.Snapshot()
	if snap["logging_events_routed_total"] != 1 || snap["logging_events_filtered_total"] != 1 {
		t.Fatalf("unexpected mirrored counters %+v", snap)
	}
	if snap["logging_events_routed_total_system"] != 1 {
		t.Fatalf("expected uncategorised events counted as system, got %+v", snap)
	}
}

type flakySink struct {
	failures atomic.Int32
	writes   atomic.Int32
}

func (s *flakySink) Write(logging.Event) error {
	s.writes.Add(1)
	if s.failures.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return nil
}

func (s *flakySink) Close(context.Context) error { return nil }

func TestFailingSinkDoesNotBlockClose(t *testing.T) {
	flaky := &flakySink{}
	flaky.failures.Store(1)
	memory := sinks.NewMemory(0)
	router, err := logging.NewRouter(nil, logging.DefaultConfig(), []logging.NamedSink{
		{Name: "flaky", Sink: flaky},
		{Name: "memory", Sink: memory},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	for i := 0; i < 3; i++ {
		router.Publish(context.Background(), logging.Event{Type: "demo.frame_recorded", Severity: logging.SeverityInfo})
	}

	start := time.Now()
	closeRouter(t, router)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("close waited out the sink backoff: %s", elapsed)
	}
	if flaky.writes.Load() != 3 || len(memory.Events()) != 3 {
		t.Fatalf("expected every event delivered, flaky=%d memory=%d", flaky.writes.Load(), len(memory.Events()))
	}
}

func TestMemorySinkKeepsMostRecent(t *testing.T) {
	memory := sinks.NewMemory(2)
	for frame := uint64(1); frame <= 3; frame++ {
		memory.Write(logging.Event{Type: "x", Frame: frame})
	}
	events := memory.Events()
	if len(events) != 2 || events[0].Frame != 2 || events[1].Frame != 3 {
		t.Fatalf("unexpected retained events %+v", events)
	}
	memory.Reset()
	if len(memory.Events()) != 0 {
		t.Fatalf("expected reset to clear events")
	}
}

func TestWithFieldsDoesNotOverrideEventExtra(t *testing.T) {
	var got logging.Event
	pub := logging.WithFields(logging.PublisherFunc(func(_ context.Context, e logging.Event) { got = e }), map[string]any{"driver": "ws"})
	pub.Publish(context.Background(), logging.Event{Type: "x", Extra: map[string]any{"driver": "demo"}})
	if got.Extra["driver"] != "demo" {
		t.Fatalf("expected event extra to win, got %v", got.Extra["driver"])
	}
}
