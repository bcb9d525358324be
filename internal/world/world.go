// Package world owns the entity table, the frame scheduler and the drivers,
// and runs frames in the fixed order: demo time, dispatch, tick groups,
// replication, flush.
package world

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"netsim/server/internal/demo"
	"netsim/server/internal/entity"
	"netsim/server/internal/net"
	"netsim/server/internal/replication"
	"netsim/server/internal/telemetry"
	"netsim/server/internal/tick"
	"netsim/server/logging"
)

var (
	// ErrNoRecording indicates StopRecording was called while not recording.
	ErrNoRecording = errors.New("world: not recording")
	// ErrDriverRegistered indicates a driver was added twice.
	ErrDriverRegistered = errors.New("world: driver already registered")
)

// Config tunes the world.
type Config struct {
	TickRate        int
	CatchupMaxTicks int
	Capacity        int
	Scheduler       tick.Config
	Replication     replication.Config
	Demo            demo.Config
}

func DefaultConfig() Config {
	return Config{
		TickRate:        30,
		CatchupMaxTicks: 3,
		Capacity:        256,
		Scheduler:       tick.DefaultConfig(),
		Replication:     replication.DefaultConfig(),
		Demo:            demo.DefaultConfig(),
	}
}

// Option configures a World.
type Option interface {
	apply(*World)
}

type optionFunc func(*World)

func (f optionFunc) apply(w *World) {
	if f != nil {
		f(w)
	}
}

func WithLogger(logger telemetry.Logger) Option {
	return optionFunc(func(w *World) { w.logger = logger })
}

func WithPublisher(publisher logging.Publisher) Option {
	return optionFunc(func(w *World) { w.publisher = publisher })
}

func WithMetrics(metrics telemetry.Metrics) Option {
	return optionFunc(func(w *World) { w.metrics = metrics })
}

func WithClock(clock logging.Clock) Option {
	return optionFunc(func(w *World) { w.clock = clock })
}

func WithTracer(tracer trace.Tracer) Option {
	return optionFunc(func(w *World) { w.tracer = tracer })
}

// WithAsyncTask sets the physics job run between PreAsync and PostAsync.
func WithAsyncTask(task tick.AsyncTask) Option {
	return optionFunc(func(w *World) { w.task = task })
}

// WithPolicy sets the replication relevancy predicate.
func WithPolicy(policy replication.Policy) Option {
	return optionFunc(func(w *World) { w.policy = policy })
}

// WithPriority sets the replication priority function.
func WithPriority(fn replication.PriorityFunc) Option {
	return optionFunc(func(w *World) { w.priority = fn })
}

// WithNotify adds a receiver for connection, saturation and demo events.
func WithNotify(notify net.Notify) Option {
	return optionFunc(func(w *World) { w.notify = notify })
}

// configurable is satisfied by drivers embedding net.BaseDriver.
type configurable interface {
	SetPacketHandler(net.PacketHandler)
	SetNotify(net.Notify)
	SetPublisher(logging.Publisher)
	SetLogger(telemetry.Logger)
	SetFrame(uint64)
}

// World is driven from a single simulation goroutine. Only the diagnostics
// accessors are safe to call from elsewhere.
type World struct {
	cfg       Config
	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   telemetry.Metrics
	clock     logging.Clock
	tracer    trace.Tracer
	task      tick.AsyncTask
	policy    replication.Policy
	priority  replication.PriorityFunc
	notify    net.Notify

	entities   *entity.Table
	scheduler  *tick.Scheduler
	replicator *replication.Replicator
	replicas   *replicaSet
	drivers    []net.Driver
	recorder   *demo.Driver
	player     *demo.Driver

	frame     uint64
	now       float64
	lastFrame tick.FrameStats
	lastRepl  replication.Stats

	telemetry   *Telemetry
	diagnostics atomic.Pointer[[]net.ConnectionSnapshot]
}

// New constructs a world with no drivers.
func New(cfg Config, opts ...Option) *World {
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultConfig().TickRate
	}
	if cfg.CatchupMaxTicks <= 0 {
		cfg.CatchupMaxTicks = 1
	}
	w := &World{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt.apply(w)
		}
	}
	if w.publisher == nil {
		w.publisher = logging.NopPublisher()
	}
	if w.clock == nil {
		w.clock = logging.SystemClock{}
	}

	w.entities = entity.NewTable(cfg.Capacity)
	w.telemetry = newTelemetry(w.logger)
	w.replicas = newReplicaSet(w)

	flowNotify := net.NotifyFuncs{
		OnConnectionClosed: w.replicas.dropConnection,
		OnSaturated: func(_ *net.Connection, deferred int) {
			w.telemetry.RecordSaturation(deferred)
		},
	}
	w.notify = net.MultiNotify{flowNotify, w.notify}

	schedOpts := []tick.Option{
		tick.WithAsyncTask(w.task),
		tick.WithLogger(w.logger),
		tick.WithMetrics(w.metrics),
		tick.WithClock(w.clock),
		tick.WithHooks(tick.Hooks{AfterFrame: w.replicate}),
	}
	if w.tracer != nil {
		schedOpts = append(schedOpts, tick.WithTracer(w.tracer))
	}
	w.scheduler = tick.NewScheduler(cfg.Scheduler, schedOpts...)

	w.replicator = replication.New(cfg.Replication,
		replication.WithPolicy(w.policy),
		replication.WithPriority(w.priority),
		replication.WithNotify(w.notify),
		replication.WithLogger(w.logger),
		replication.WithMetrics(w.metrics),
	)

	w.entities.OnDestroy(func(e *entity.Entity) {
		replication.CloseEntity(w.drivers, e.ID)
	})
	w.publishDiagnostics()
	return w
}

// Entities exposes the entity table.
func (w *World) Entities() *entity.Table {
	return w.entities
}

// Frame is the number of the last frame run.
func (w *World) Frame() uint64 {
	return w.frame
}

// Time is the simulated time in seconds.
func (w *World) Time() float64 {
	return w.now
}

// Spawn creates an entity. Entities spawned during a frame are scheduled
// into the current frame.
func (w *World) Spawn(spec entity.Spec) *entity.Entity {
	w.entities.SetFrame(w.frame)
	e := w.entities.Spawn(spec)
	w.scheduler.NotifySpawned(e)
	return e
}

// Destroy removes the entity and begins closing its channels on every
// connection. Destroying a stale handle returns false.
func (w *World) Destroy(id entity.ID) bool {
	return w.entities.Destroy(id)
}

// Entity resolves id.
func (w *World) Entity(id entity.ID) (*entity.Entity, bool) {
	return w.entities.Get(id)
}

// SetDriver registers d and wires it to the world's handlers.
func (w *World) SetDriver(d net.Driver) error {
	if d == nil {
		return nil
	}
	if slices.Contains(w.drivers, d) {
		return ErrDriverRegistered
	}
	if c, ok := d.(configurable); ok {
		c.SetPacketHandler(w.replicas)
		c.SetNotify(w.notify)
		c.SetPublisher(w.publisher)
		c.SetLogger(w.logger)
		c.SetFrame(w.frame)
	}
	w.drivers = append(w.drivers, d)
	return nil
}

// RemoveDriver unregisters d without closing it.
func (w *World) RemoveDriver(d net.Driver) {
	w.drivers = slices.DeleteFunc(w.drivers, func(candidate net.Driver) bool {
		return candidate == d
	})
	if w.recorder != nil && net.Driver(w.recorder) == d {
		w.recorder = nil
	}
	if w.player != nil && net.Driver(w.player) == d {
		w.player = nil
	}
}

// Drivers returns the registered drivers.
func (w *World) Drivers() []net.Driver {
	return slices.Clone(w.drivers)
}

// StartRecording records the replication stream to path.
func (w *World) StartRecording(ctx context.Context, path string) error {
	if w.recorder != nil {
		return demo.ErrBusy
	}
	d := demo.New(w.cfg.Demo)
	if err := w.SetDriver(d); err != nil {
		return err
	}
	if err := d.InitListen(ctx, path); err != nil {
		w.RemoveDriver(d)
		return err
	}
	w.recorder = d
	w.logf("[demo] recording to %s", path)
	return nil
}

// StopRecording finishes the recording started by StartRecording.
func (w *World) StopRecording() error {
	if w.recorder == nil {
		return ErrNoRecording
	}
	d := w.recorder
	err := d.StopRecording()
	w.RemoveDriver(d)
	return err
}

// Recorder is the active recording driver, if any.
func (w *World) Recorder() *demo.Driver {
	return w.recorder
}

// PlayDemo plays path back into this world.
func (w *World) PlayDemo(ctx context.Context, path string, opts demo.Options) error {
	if w.player != nil && w.player.State() == demo.StatePlaying {
		return demo.ErrBusy
	}
	if w.player != nil {
		w.RemoveDriver(w.player)
	}
	d := demo.New(w.cfg.Demo)
	d.SetOptions(opts)
	if err := w.SetDriver(d); err != nil {
		return err
	}
	if err := d.InitConnect(ctx, path); err != nil {
		w.RemoveDriver(d)
		return err
	}
	w.player = d
	w.logf("[demo] playing %s", path)
	return nil
}

// Player is the active playback driver, if any.
func (w *World) Player() *demo.Driver {
	return w.player
}

// Finished reports whether a demo playback ended and asked to terminate.
func (w *World) Finished() bool {
	return w.player != nil && w.player.Terminate()
}

// Replica resolves the local proxy for remote entity id received on conn.
func (w *World) Replica(conn *net.Connection, id entity.ID) (*entity.Entity, bool) {
	return w.replicas.lookup(conn, id)
}

// Close closes every driver.
func (w *World) Close() error {
	var errs []error
	for _, d := range w.drivers {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.drivers = nil
	w.recorder = nil
	w.player = nil
	return errors.Join(errs...)
}

// LastFrameStats reports the scheduler statistics of the last frame.
func (w *World) LastFrameStats() tick.FrameStats {
	return w.lastFrame
}

// LastReplicationStats reports the replication statistics of the last frame.
func (w *World) LastReplicationStats() replication.Stats {
	return w.lastRepl
}

// DiagnosticsSnapshot implements net.DiagnosticsProvider.
func (w *World) DiagnosticsSnapshot() []net.ConnectionSnapshot {
	if snap := w.diagnostics.Load(); snap != nil {
		return *snap
	}
	return nil
}

// TelemetrySnapshot implements net.DiagnosticsProvider.
func (w *World) TelemetrySnapshot() any {
	return w.telemetry.Snapshot()
}

// TickRate implements net.DiagnosticsProvider.
func (w *World) TickRate() int {
	return w.cfg.TickRate
}

// Telemetry exposes the frame counters.
func (w *World) Telemetry() *Telemetry {
	return w.telemetry
}

func (w *World) publishDiagnostics() {
	snap := make([]net.ConnectionSnapshot, 0)
	for _, d := range w.drivers {
		for _, conn := range d.Connections() {
			snap = append(snap, net.Snapshot(conn))
		}
		if server := d.ServerConnection(); server != nil && server.State != net.ConnectionClosed {
			snap = append(snap, net.Snapshot(server))
		}
	}
	w.diagnostics.Store(&snap)
}

func (w *World) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}

var _ net.DiagnosticsProvider = (*World)(nil)
