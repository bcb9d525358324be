// Package tick runs one simulation frame in tick-group order around an
// externally owned async task.
package tick

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"netsim/server/internal/entity"
	"netsim/server/internal/telemetry"
	"netsim/server/logging"
	"netsim/server/logging/simulation"
)

var (
	// ErrAsyncJoinTimeout indicates the async task did not finish within
	// Config.AsyncJoinTimeout. It is a configuration error and ends the frame.
	ErrAsyncJoinTimeout = errors.New("tick: async task did not join before timeout")
	// ErrAsyncTaskFailed wraps an error returned by the async task.
	ErrAsyncTaskFailed = errors.New("tick: async task failed")
	// ErrFrameInProgress indicates RunFrame was re-entered.
	ErrFrameInProgress = errors.New("tick: frame already in progress")
	// ErrMissingEntities indicates RunFrame was called without an entity table.
	ErrMissingEntities = errors.New("tick: context has no entity table")
)

const (
	metricEntityTickFailures = "tick_entity_failures_total"
	metricFrames             = "tick_frames_total"
	metricAsyncMillis        = "tick_async_join_millis"
)

// AsyncTask is the opaque concurrent job (physics) kicked off after the
// PreAsync group and joined before PostAsync.
type AsyncTask interface {
	Run(ctx context.Context, dt float64) error
}

// AsyncTaskFunc adapts a function into an AsyncTask.
type AsyncTaskFunc func(ctx context.Context, dt float64) error

func (f AsyncTaskFunc) Run(ctx context.Context, dt float64) error {
	if f == nil {
		return nil
	}
	return f(ctx, dt)
}

// Config tunes the scheduler.
type Config struct {
	// AsyncJoinTimeout bounds the join wait. Zero waits forever.
	AsyncJoinTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{AsyncJoinTimeout: 2 * time.Second}
}

// Hooks are invoked at fixed points of every frame.
type Hooks struct {
	BeforeFrame func(*Context)
	// AfterFrame runs once all groups completed. Replication is driven from
	// here. An error is fatal to the frame.
	AfterFrame func(*Context) error
}

// FrameStats summarises one frame.
type FrameStats struct {
	Frame             uint64
	Ticked            int
	ComponentsTicked  int
	Deferred          [entity.NumTickGroups]int
	NewlySpawned      int
	PendingTransforms int
	Failures          int
	AsyncDuration     time.Duration
}

// Option configures a Scheduler.
type Option interface {
	apply(*Scheduler)
}

type optionFunc func(*Scheduler)

func (f optionFunc) apply(s *Scheduler) {
	if f != nil {
		f(s)
	}
}

// WithAsyncTask sets the job kicked between PreAsync and DuringAsync.
func WithAsyncTask(task AsyncTask) Option {
	return optionFunc(func(s *Scheduler) { s.task = task })
}

// WithHooks installs frame hooks.
func WithHooks(hooks Hooks) Option {
	return optionFunc(func(s *Scheduler) { s.hooks = hooks })
}

// WithLogger sets the operational logger.
func WithLogger(logger telemetry.Logger) Option {
	return optionFunc(func(s *Scheduler) { s.logger = logger })
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics telemetry.Metrics) Option {
	return optionFunc(func(s *Scheduler) { s.metrics = metrics })
}

// WithTracer overrides the tracer used for frame spans.
func WithTracer(tracer trace.Tracer) Option {
	return optionFunc(func(s *Scheduler) { s.tracer = tracer })
}

// WithClock overrides the clock used to time the async join.
func WithClock(clock logging.Clock) Option {
	return optionFunc(func(s *Scheduler) { s.clock = clock })
}

// Scheduler executes frames. It is driven from the simulation thread only.
type Scheduler struct {
	cfg      Config
	task     AsyncTask
	hooks    Hooks
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	tracer   trace.Tracer
	clock    logging.Clock
	deferred *DeferredList

	current *Context
	spawned []entity.ID
	failed  map[entity.ID]struct{}
	stats   FrameStats
}

// NewScheduler constructs a scheduler.
func NewScheduler(cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		deferred: NewDeferredList(),
		spawned:  make([]entity.ID, 0, 16),
		failed:   make(map[entity.ID]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.apply(s)
		}
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("netsim/server/internal/tick")
	}
	if s.clock == nil {
		s.clock = logging.SystemClock{}
	}
	return s
}

// SetHooks replaces the frame hooks.
func (s *Scheduler) SetHooks(hooks Hooks) {
	s.hooks = hooks
}

// SetAsyncTask replaces the async task; nil disables it.
func (s *Scheduler) SetAsyncTask(task AsyncTask) {
	s.task = task
}

// Current reports the group currently executing, and false outside a frame.
func (s *Scheduler) Current() (entity.TickGroup, bool) {
	if s.current == nil {
		return entity.PreAsync, false
	}
	return s.current.Group, true
}

// NotifySpawned must be called for every entity created while a frame runs.
// Entities spawned during DuringAsync wait for PostAsync so they do not touch
// state owned by the async task; others run now or in their own group.
func (s *Scheduler) NotifySpawned(e *entity.Entity) {
	sc := s.current
	if sc == nil || e == nil {
		return
	}
	if sc.Group == entity.DuringAsync {
		s.spawned = append(s.spawned, e.ID)
		return
	}
	if s.deferred.ConditionalDefer(sc.Group, e) {
		return
	}
	s.tickEntity(sc, e)
}

// RunFrame executes every group for sc.Frame in order.
func (s *Scheduler) RunFrame(sc *Context) (FrameStats, error) {
	if s.current != nil {
		return FrameStats{}, ErrFrameInProgress
	}
	if sc == nil || sc.Entities == nil {
		return FrameStats{}, ErrMissingEntities
	}
	s.current = sc
	defer func() { s.current = nil }()

	ctx, span := s.tracer.Start(sc.Context(), "tick.frame", trace.WithAttributes(
		attribute.Int64("frame", int64(sc.Frame)),
		attribute.Float64("delta", sc.Delta),
	))
	defer span.End()

	s.stats = FrameStats{Frame: sc.Frame}
	s.deferred.Reset()
	s.spawned = s.spawned[:0]
	clear(s.failed)
	sc.Entities.SetFrame(sc.Frame)

	if s.hooks.BeforeFrame != nil {
		s.hooks.BeforeFrame(sc)
	}

	s.enter(sc, span, entity.PreAsync)
	slots := sc.Entities.Slots()
	for i := 0; i < slots; i++ {
		e, ok := sc.Entities.At(i)
		if !ok || e.TickedIn(sc.Frame) {
			continue
		}
		if s.deferred.ConditionalDefer(entity.PreAsync, e) {
			continue
		}
		s.tickEntity(sc, e)
	}

	join := s.kick(ctx, sc)

	s.enter(sc, span, entity.DuringAsync)
	s.drain(sc, entity.DuringAsync)

	if err := join(); err != nil {
		s.recordStats(sc)
		simulation.AsyncJoinFailed(sc.Context(), sc.Publisher, sc.Frame, simulation.AsyncJoinFailedPayload{
			TimeoutMillis: s.cfg.AsyncJoinTimeout.Milliseconds(),
			Error:         err.Error(),
		}, nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, "async join failed")
		return s.stats, err
	}

	s.enter(sc, span, entity.PostAsync)
	s.drain(sc, entity.PostAsync)
	s.stats.NewlySpawned = len(s.spawned)
	for i := 0; i < len(s.spawned); i++ {
		e, ok := sc.Entities.Get(s.spawned[i])
		if !ok {
			continue
		}
		if s.deferred.ConditionalDefer(entity.PostAsync, e) {
			continue
		}
		s.tickEntity(sc, e)
	}

	s.updateComponents(sc)

	s.enter(sc, span, entity.PostUpdate)
	s.drain(sc, entity.PostUpdate)

	s.recordStats(sc)
	if s.hooks.AfterFrame != nil {
		if err := s.hooks.AfterFrame(sc); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "after frame hook failed")
			return s.stats, err
		}
	}
	return s.stats, nil
}

func (s *Scheduler) enter(sc *Context, span trace.Span, group entity.TickGroup) {
	sc.Group = group
	span.AddEvent("group", trace.WithAttributes(attribute.String("group", group.String())))
}

func (s *Scheduler) drain(sc *Context, group entity.TickGroup) {
	for item := range s.deferred.Drain(group) {
		e, ok := sc.Entities.Get(item.Entity)
		if !ok {
			continue
		}
		if item.Component != nil {
			s.tickComponent(sc, e, item.Component)
			continue
		}
		s.tickEntity(sc, e)
	}
}

// kick starts the async task and returns the join function.
func (s *Scheduler) kick(ctx context.Context, sc *Context) func() error {
	if s.task == nil {
		return func() error { return nil }
	}
	task := s.task
	dt := sc.Delta
	start := s.clock.Now()

	var group errgroup.Group
	group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return task.Run(ctx, dt)
	})
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	return func() error {
		var expired <-chan time.Time
		if timeout := s.cfg.AsyncJoinTimeout; timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case err := <-done:
			s.stats.AsyncDuration = s.clock.Now().Sub(start)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrAsyncTaskFailed, err)
			}
			return nil
		case <-expired:
			return fmt.Errorf("%w (%s)", ErrAsyncJoinTimeout, s.cfg.AsyncJoinTimeout)
		}
	}
}

func (s *Scheduler) tickEntity(sc *Context, e *entity.Entity) {
	if !e.MarkTicked(sc.Frame) {
		return
	}
	s.stats.Ticked++
	if e.Behavior != nil {
		if panicked, err := call(func() error { return e.Behavior.TickEntity(e, sc.Delta) }); err != nil {
			s.fail(sc, e, "", err, panicked)
			return
		}
	}
	for _, c := range e.Components {
		if c == nil {
			continue
		}
		if s.deferred.ConditionalDeferComponent(sc.Group, e, c) {
			continue
		}
		if !s.tickComponent(sc, e, c) {
			return
		}
	}
}

func (s *Scheduler) tickComponent(sc *Context, e *entity.Entity, c *entity.Component) bool {
	if _, failed := s.failed[e.ID]; failed {
		return false
	}
	if c.Update == nil {
		return true
	}
	s.stats.ComponentsTicked++
	if panicked, err := call(func() error { return c.Update(e, sc.Delta) }); err != nil {
		s.fail(sc, e, c.Name, err, panicked)
		return false
	}
	return true
}

// updateComponents commits staged transforms for every live entity.
func (s *Scheduler) updateComponents(sc *Context) {
	sc.Entities.Each(func(e *entity.Entity) bool {
		if e.ApplyPendingTransform() {
			s.stats.PendingTransforms++
		}
		return true
	})
}

func (s *Scheduler) fail(sc *Context, e *entity.Entity, component string, err error, panicked bool) {
	s.failed[e.ID] = struct{}{}
	s.stats.Failures++
	if s.metrics != nil {
		s.metrics.Add(metricEntityTickFailures, 1)
	}
	if s.logger != nil {
		s.logger.Printf("[tick] entity %s (%s) failed in %s: %v", e.ID, e.Name, sc.Group, err)
	}
	simulation.EntityTickFailed(sc.Context(), sc.Publisher, sc.Frame, logging.EntityRef{ID: e.ID.String(), Kind: logging.EntityKindEntity}, simulation.EntityTickFailedPayload{
		Group:     sc.Group.String(),
		Component: component,
		Error:     err.Error(),
		Panicked:  panicked,
	}, nil)
}

func (s *Scheduler) recordStats(sc *Context) {
	for g := 0; g < entity.NumTickGroups; g++ {
		s.stats.Deferred[g] = s.deferred.Queued(entity.TickGroup(g))
	}
	if s.metrics != nil {
		s.metrics.Add(metricFrames, 1)
		if s.stats.AsyncDuration > 0 {
			s.metrics.Store(metricAsyncMillis, uint64(s.stats.AsyncDuration.Milliseconds()))
		}
	}
}

// call runs fn, converting a panic into an error.
func call(fn func() error) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return false, fn()
}
