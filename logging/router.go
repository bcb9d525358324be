package logging

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

const (
	metricRouted   = "logging_events_routed_total"
	metricDropped  = "logging_events_dropped_total"
	metricFiltered = "logging_events_filtered_total"
	maxSinkBackoff = 32 * time.Second
)

// Router fans published events out to named sinks. Publish never blocks the
// simulation thread: a full queue drops the event and counts it.
type Router struct {
	queue       chan Event
	sinks       []*sinkQueue
	clock       Clock
	fallback    *log.Logger
	minSeverity Severity
	fields      map[string]any
	dropWarn    time.Duration
	metrics     *Metrics

	stop   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup

	routed      atomic.Uint64
	dropped     atomic.Uint64
	filtered    atomic.Uint64
	lastDropLog atomic.Int64

	mu         sync.Mutex
	byCategory map[string]uint64
}

// RouterStats counts events by outcome. Dropped covers the shared queue,
// SinkDrops the per-sink backlogs.
type RouterStats struct {
	Routed     uint64
	Dropped    uint64
	Filtered   uint64
	ByCategory map[string]uint64
	SinkDrops  map[string]uint64
}

// NewRouter starts the dispatch goroutine and one queue per sink.
func NewRouter(clock Clock, cfg Config, namedSinks []NamedSink) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 512
	}
	r := &Router{
		queue:       make(chan Event, bufferSize),
		clock:       clock,
		fallback:    log.New(os.Stderr, "[logging] ", log.LstdFlags),
		minSeverity: cfg.MinimumSeverity,
		fields:      cfg.CloneFields(),
		dropWarn:    cfg.DropWarnInterval,
		metrics:     cfg.Metrics,
		stop:        make(chan struct{}),
		byCategory:  make(map[string]uint64),
	}
	if r.dropWarn <= 0 {
		r.dropWarn = 5 * time.Second
	}

	backlog := min(max(bufferSize, 32), 1024)
	for _, named := range namedSinks {
		if named.Sink == nil {
			continue
		}
		r.sinks = append(r.sinks, &sinkQueue{
			name:     named.Name,
			sink:     named.Sink,
			events:   make(chan Event, backlog),
			fallback: r.fallback,
			stop:     r.stop,
		})
	}

	r.wg.Add(1 + len(r.sinks))
	go r.dispatch()
	for _, q := range r.sinks {
		go func(q *sinkQueue) {
			defer r.wg.Done()
			q.run()
		}(q)
	}
	return r, nil
}

func (r *Router) dispatch() {
	defer func() {
		for _, q := range r.sinks {
			close(q.events)
		}
		r.wg.Done()
	}()
	for {
		select {
		case <-r.stop:
			for {
				select {
				case event := <-r.queue:
					r.forward(event)
				default:
					return
				}
			}
		case event := <-r.queue:
			r.forward(event)
		}
	}
}

func (r *Router) forward(event Event) {
	if event.Severity < r.minSeverity {
		r.filtered.Add(1)
		r.metrics.TelemetryAdd(metricFiltered, 1)
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	event = mergeFields(event, r.fields)
	category := event.Category
	if category == "" {
		category = CategorySystem
	}
	r.mu.Lock()
	r.byCategory[category]++
	r.mu.Unlock()
	r.routed.Add(1)
	r.metrics.TelemetryAdd(metricRouted, 1)
	r.metrics.TelemetryAdd(metricRouted+"_"+category, 1)

	for _, q := range r.sinks {
		q.enqueue(cloneForFields(event))
	}
}

// Publish enqueues event for delivery.
func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.dropped.Add(1)
		r.metrics.TelemetryAdd(metricDropped, 1)
		r.warnDrop(event)
	}
}

// warnDrop logs at most once per drop-warn interval.
func (r *Router) warnDrop(event Event) {
	now := time.Now().UnixNano()
	next := r.lastDropLog.Load()
	if next != 0 && now < next {
		return
	}
	if r.lastDropLog.CompareAndSwap(next, now+r.dropWarn.Nanoseconds()) {
		r.fallback.Printf("queue full, dropping %s (frame %d, %d dropped so far)", event.Type, event.Frame, r.dropped.Load())
	}
}

// Close stops dispatch, drains the queue and closes every sink.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stop)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var firstErr error
	for _, q := range r.sinks {
		if err := q.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		Routed:     r.routed.Load(),
		Dropped:    r.dropped.Load(),
		Filtered:   r.filtered.Load(),
		ByCategory: make(map[string]uint64),
		SinkDrops:  make(map[string]uint64, len(r.sinks)),
	}
	r.mu.Lock()
	for k, v := range r.byCategory {
		stats.ByCategory[k] = v
	}
	r.mu.Unlock()
	for _, q := range r.sinks {
		stats.SinkDrops[q.name] = q.dropped.Load()
	}
	return stats
}

// Sink returns the sink registered under name.
func (r *Router) Sink(name string) Sink {
	for _, q := range r.sinks {
		if q.name == name {
			return q.sink
		}
	}
	return nil
}

// sinkQueue serialises writes to one sink and backs off after failures.
type sinkQueue struct {
	name     string
	sink     Sink
	events   chan Event
	fallback *log.Logger
	stop     <-chan struct{}
	dropped  atomic.Uint64
	backoff  time.Duration
}

func (q *sinkQueue) enqueue(event Event) {
	select {
	case q.events <- event:
	default:
		if q.dropped.Add(1) == 1 {
			q.fallback.Printf("sink %s backlog full, dropping %s", q.name, event.Type)
		}
	}
}

func (q *sinkQueue) run() {
	for event := range q.events {
		q.wait()
		if err := q.sink.Write(event); err != nil {
			q.backoff = min(max(2*q.backoff, time.Second), maxSinkBackoff)
			q.fallback.Printf("sink %s failed: %v (retry in %s)", q.name, err, q.backoff)
			continue
		}
		q.backoff = 0
	}
}

// wait sleeps out the current backoff. Shutdown cuts it short so the backlog
// drains.
func (q *sinkQueue) wait() {
	if q.backoff == 0 {
		return
	}
	timer := time.NewTimer(q.backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-q.stop:
	}
}

var _ Publisher = (*Router)(nil)
