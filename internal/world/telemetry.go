package world

import (
	"os"
	"sync/atomic"
	"time"

	"netsim/server/internal/replication"
	"netsim/server/internal/telemetry"
)

// Telemetry holds counters written by the simulation goroutine and read by
// diagnostics.
type Telemetry struct {
	bytesSent          atomic.Uint64
	channelsReplicated atomic.Uint64
	saturations        atomic.Uint64
	deferred           atomic.Uint64
	frames             atomic.Uint64
	entities           atomic.Uint64
	tickDurationMillis atomic.Int64
	lastFrameBytes     atomic.Uint64
	lastReplicated     atomic.Uint64
	demoFrames         atomic.Int64
	debug              bool
	logger             telemetry.Logger
}

// TelemetrySnapshot is the diagnostics view of Telemetry.
type TelemetrySnapshot struct {
	BytesSent          uint64 `json:"bytesSent"`
	ChannelsReplicated uint64 `json:"channelsReplicated"`
	Saturations        uint64 `json:"saturations"`
	Deferred           uint64 `json:"deferred"`
	Frames             uint64 `json:"frames"`
	Entities           uint64 `json:"entities"`
	TickDuration       int64  `json:"tickDurationMillis"`
	DemoFrames         int64  `json:"demoFrames"`
}

func newTelemetry(logger telemetry.Logger) *Telemetry {
	t := &Telemetry{logger: logger}
	if os.Getenv("DEBUG_TELEMETRY") == "1" {
		t.debug = true
	}
	return t
}

// RecordFrame accounts one completed frame.
func (t *Telemetry) RecordFrame(bytes int, repl replication.Stats, entities int) {
	if bytes < 0 {
		bytes = 0
	}
	t.frames.Add(1)
	t.bytesSent.Add(uint64(bytes))
	t.lastFrameBytes.Store(uint64(bytes))
	t.channelsReplicated.Add(uint64(repl.Replicated))
	t.lastReplicated.Store(uint64(repl.Replicated))
	t.entities.Store(uint64(max(entities, 0)))
}

// RecordSaturation accounts one saturated connection.
func (t *Telemetry) RecordSaturation(deferred int) {
	t.saturations.Add(1)
	if deferred > 0 {
		t.deferred.Add(uint64(deferred))
	}
}

// RecordDemoFrame stores the recorder's frame counter.
func (t *Telemetry) RecordDemoFrame(frame int32) {
	t.demoFrames.Store(int64(frame))
}

// RecordTickDuration stores the last frame's wall time.
func (t *Telemetry) RecordTickDuration(duration time.Duration) {
	millis := duration.Milliseconds()
	if millis < 0 {
		millis = 0
	}
	t.tickDurationMillis.Store(millis)
	if t.debug && t.logger != nil {
		t.logger.Printf(
			"[telemetry] tick=%dms bytes=%d totalBytes=%d replicated=%d totalReplicated=%d saturations=%d",
			millis,
			t.lastFrameBytes.Load(),
			t.bytesSent.Load(),
			t.lastReplicated.Load(),
			t.channelsReplicated.Load(),
			t.saturations.Load(),
		)
	}
}

func (t *Telemetry) Snapshot() TelemetrySnapshot {
	return TelemetrySnapshot{
		BytesSent:          t.bytesSent.Load(),
		ChannelsReplicated: t.channelsReplicated.Load(),
		Saturations:        t.saturations.Load(),
		Deferred:           t.deferred.Load(),
		Frames:             t.frames.Load(),
		Entities:           t.entities.Load(),
		TickDuration:       t.tickDurationMillis.Load(),
		DemoFrames:         t.demoFrames.Load(),
	}
}
