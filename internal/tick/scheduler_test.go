package tick

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"netsim/server/internal/entity"
	"netsim/server/logging"
)

type recorder struct {
	order []string
}

func (r *recorder) behavior(name string) entity.Behavior {
	return entity.BehaviorFunc(func(*entity.Entity, float64) error {
		r.order = append(r.order, name)
		return nil
	})
}

type capturePublisher struct {
	events []logging.Event
}

func (p *capturePublisher) Publish(_ context.Context, event logging.Event) {
	p.events = append(p.events, event)
}

func newFrame(table *entity.Table, frame uint64) *Context {
	return &Context{Ctx: context.Background(), Frame: frame, Delta: 1.0 / 60.0, Entities: table}
}

func indexOf(order []string, name string) int {
	for i, v := range order {
		if v == name {
			return i
		}
	}
	return -1
}

func TestRunFrameOrdersGroups(t *testing.T) {
	table := entity.NewTable(8)
	rec := &recorder{}
	// Spawned in reverse group order so slot order alone would be wrong.
	table.Spawn(entity.Spec{Name: "post_update", TickGroup: entity.PostUpdate, Behavior: rec.behavior("post_update")})
	table.Spawn(entity.Spec{Name: "post_async", TickGroup: entity.PostAsync, Behavior: rec.behavior("post_async")})
	table.Spawn(entity.Spec{Name: "pre", TickGroup: entity.PreAsync, Behavior: rec.behavior("pre")})

	sched := NewScheduler(DefaultConfig(), WithAsyncTask(AsyncTaskFunc(func(context.Context, float64) error {
		rec.order = append(rec.order, "async")
		return nil
	})))

	stats, err := sched.RunFrame(newFrame(table, 1))
	if err != nil {
		t.Fatalf("RunFrame returned error: %v", err)
	}
	if stats.Ticked != 3 {
		t.Fatalf("expected 3 entities ticked, got %d", stats.Ticked)
	}
	pre, async, post, update := indexOf(rec.order, "pre"), indexOf(rec.order, "async"), indexOf(rec.order, "post_async"), indexOf(rec.order, "post_update")
	if pre < 0 || async < 0 || post < 0 || update < 0 {
		t.Fatalf("missing ticks: %v", rec.order)
	}
	if !(pre < async && async < post && post < update) {
		t.Fatalf("unexpected order: %v", rec.order)
	}
}

func TestDuringAsyncRunsConcurrentlyWithTask(t *testing.T) {
	table := entity.NewTable(4)
	release := make(chan struct{})
	var duringRan atomic.Bool
	table.Spawn(entity.Spec{
		Name:      "during",
		TickGroup: entity.DuringAsync,
		Behavior: entity.BehaviorFunc(func(*entity.Entity, float64) error {
			duringRan.Store(true)
			close(release)
			return nil
		}),
	})
	sched := NewScheduler(DefaultConfig(), WithAsyncTask(AsyncTaskFunc(func(ctx context.Context, _ float64) error {
		select {
		case <-release:
			return nil
		case <-time.After(time.Second):
			return errors.New("during group never ran")
		}
	})))
	if _, err := sched.RunFrame(newFrame(table, 1)); err != nil {
		t.Fatalf("RunFrame returned error: %v", err)
	}
	if !duringRan.Load() {
		t.Fatalf("expected DuringAsync entity to tick")
	}
}

func TestSpawnDuringAsyncDeferredToPostAsync(t *testing.T) {
	table := entity.NewTable(4)
	var sched *Scheduler
	var childGroupSeen entity.TickGroup
	childTicked := false
	table.Spawn(entity.Spec{
		Name:      "spawner",
		TickGroup: entity.DuringAsync,
		Behavior: entity.BehaviorFunc(func(*entity.Entity, float64) error {
			child := table.Spawn(entity.Spec{
				Name:      "child",
				TickGroup: entity.PreAsync,
				Behavior: entity.BehaviorFunc(func(*entity.Entity, float64) error {
					childTicked = true
					childGroupSeen, _ = sched.Current()
					return nil
				}),
			})
			sched.NotifySpawned(child)
			if childTicked {
				t.Fatalf("expected child spawned during async not to tick immediately")
			}
			return nil
		}),
	})
	sched = NewScheduler(DefaultConfig())
	stats, err := sched.RunFrame(newFrame(table, 1))
	if err != nil {
		t.Fatalf("RunFrame returned error: %v", err)
	}
	if !childTicked {
		t.Fatalf("expected child to tick later in the frame")
	}
	if childGroupSeen != entity.PostAsync {
		t.Fatalf("expected child to tick in PostAsync, got %s", childGroupSeen)
	}
	if stats.NewlySpawned != 1 {
		t.Fatalf("expected 1 newly spawned entity, got %d", stats.NewlySpawned)
	}
}

func TestSpawnInEarlierGroupTicksImmediately(t *testing.T) {
	table := entity.NewTable(4)
	var sched *Scheduler
	ticks := 0
	table.Spawn(entity.Spec{
		Name:      "spawner",
		TickGroup: entity.PostAsync,
		Behavior: entity.BehaviorFunc(func(*entity.Entity, float64) error {
			child := table.Spawn(entity.Spec{
				Name:      "child",
				TickGroup: entity.PreAsync,
				Behavior:  entity.BehaviorFunc(func(*entity.Entity, float64) error { ticks++; return nil }),
			})
			sched.NotifySpawned(child)
			if ticks != 1 {
				t.Fatalf("expected immediate tick, got %d", ticks)
			}
			return nil
		}),
	})
	sched = NewScheduler(DefaultConfig())
	if _, err := sched.RunFrame(newFrame(table, 1)); err != nil {
		t.Fatalf("RunFrame returned error: %v", err)
	}
	if ticks != 1 {
		t.Fatalf("expected child to tick exactly once, got %d", ticks)
	}
}

func TestComponentInLaterGroupDeferred(t *testing.T) {
	table := entity.NewTable(4)
	var sched *Scheduler
	var groups []entity.TickGroup
	record := func(*entity.Entity, float64) error {
		g, _ := sched.Current()
		groups = append(groups, g)
		return nil
	}
	table.Spawn(entity.Spec{
		Name:      "owner",
		TickGroup: entity.PreAsync,
		Components: []*entity.Component{
			{Name: "now", TickGroup: entity.PreAsync, Update: record},
			{Name: "later", TickGroup: entity.PostUpdate, Update: record},
		},
	})
	sched = NewScheduler(DefaultConfig())
	stats, err := sched.RunFrame(newFrame(table, 1))
	if err != nil {
		t.Fatalf("RunFrame returned error: %v", err)
	}
	if len(groups) != 2 || groups[0] != entity.PreAsync || groups[1] != entity.PostUpdate {
		t.Fatalf("unexpected component groups: %v", groups)
	}
	if stats.Deferred[entity.PostUpdate] != 1 {
		t.Fatalf("expected one deferred component, got %d", stats.Deferred[entity.PostUpdate])
	}
}

func TestEntityFailureIsolated(t *testing.T) {
	table := entity.NewTable(4)
	laterRan := false
	otherRan := false
	bad := table.Spawn(entity.Spec{
		Name:      "bad",
		TickGroup: entity.PreAsync,
		Components: []*entity.Component{
			{Name: "boom", TickGroup: entity.PreAsync, Update: func(*entity.Entity, float64) error { panic("boom") }},
			{Name: "later", TickGroup: entity.PostUpdate, Update: func(*entity.Entity, float64) error { laterRan = true; return nil }},
		},
	})
	table.Spawn(entity.Spec{
		Name:     "good",
		Behavior: entity.BehaviorFunc(func(*entity.Entity, float64) error { otherRan = true; return nil }),
	})
	pub := &capturePublisher{}
	sched := NewScheduler(DefaultConfig())
	frame := newFrame(table, 1)
	frame.Publisher = pub
	stats, err := sched.RunFrame(frame)
	if err != nil {
		t.Fatalf("expected frame to continue after entity failure, got %v", err)
	}
	if laterRan {
		t.Fatalf("expected remaining components of the failed entity to be skipped")
	}
	if !otherRan {
		t.Fatalf("expected other entities to keep ticking")
	}
	if stats.Failures != 1 {
		t.Fatalf("expected 1 failure, got %d", stats.Failures)
	}
	if len(pub.events) != 1 || pub.events[0].Actor.ID != bad.ID.String() {
		t.Fatalf("expected failure event for %s, got %+v", bad.ID, pub.events)
	}
}

func TestPendingTransformAppliedBeforePostUpdate(t *testing.T) {
	table := entity.NewTable(4)
	target := entity.Vec3{X: 10}
	var seen entity.Vec3
	mover := table.Spawn(entity.Spec{
		Name: "mover",
		Behavior: entity.BehaviorFunc(func(e *entity.Entity, _ float64) error {
			e.SetPendingTransform(entity.Transform{Location: target})
			return nil
		}),
	})
	table.Spawn(entity.Spec{
		Name:      "observer",
		TickGroup: entity.PostUpdate,
		Behavior: entity.BehaviorFunc(func(*entity.Entity, float64) error {
			seen = mover.Transform.Location
			return nil
		}),
	})
	sched := NewScheduler(DefaultConfig())
	stats, err := sched.RunFrame(newFrame(table, 1))
	if err != nil {
		t.Fatalf("RunFrame returned error: %v", err)
	}
	if seen != target {
		t.Fatalf("expected PostUpdate to observe committed transform %+v, got %+v", target, seen)
	}
	if stats.PendingTransforms != 1 {
		t.Fatalf("expected 1 pending transform applied, got %d", stats.PendingTransforms)
	}
}

func TestAsyncJoinTimeout(t *testing.T) {
	table := entity.NewTable(1)
	release := make(chan struct{})
	defer close(release)
	sched := NewScheduler(Config{AsyncJoinTimeout: 10 * time.Millisecond}, WithAsyncTask(AsyncTaskFunc(func(context.Context, float64) error {
		<-release
		return nil
	})))
	pub := &capturePublisher{}
	frame := newFrame(table, 1)
	frame.Publisher = pub
	if _, err := sched.RunFrame(frame); !errors.Is(err, ErrAsyncJoinTimeout) {
		t.Fatalf("expected ErrAsyncJoinTimeout, got %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected async join failure event, got %d events", len(pub.events))
	}
	if _, ok := sched.Current(); ok {
		t.Fatalf("expected scheduler to leave the frame after failure")
	}
}

func TestAsyncTaskErrorWrapped(t *testing.T) {
	table := entity.NewTable(1)
	cause := errors.New("solver diverged")
	sched := NewScheduler(DefaultConfig(), WithAsyncTask(AsyncTaskFunc(func(context.Context, float64) error { return cause })))
	_, err := sched.RunFrame(newFrame(table, 1))
	if !errors.Is(err, ErrAsyncTaskFailed) || !errors.Is(err, cause) {
		t.Fatalf("expected wrapped async failure, got %v", err)
	}
}

func TestRunFrameRejectsReentry(t *testing.T) {
	table := entity.NewTable(2)
	var sched *Scheduler
	var nested error
	table.Spawn(entity.Spec{
		Name: "reenter",
		Behavior: entity.BehaviorFunc(func(*entity.Entity, float64) error {
			_, nested = sched.RunFrame(newFrame(table, 2))
			return nil
		}),
	})
	sched = NewScheduler(DefaultConfig())
	if _, err := sched.RunFrame(newFrame(table, 1)); err != nil {
		t.Fatalf("RunFrame returned error: %v", err)
	}
	if !errors.Is(nested, ErrFrameInProgress) {
		t.Fatalf("expected ErrFrameInProgress, got %v", nested)
	}
}

func TestAfterFrameHookRunsLast(t *testing.T) {
	table := entity.NewTable(2)
	rec := &recorder{}
	table.Spawn(entity.Spec{Name: "late", TickGroup: entity.PostUpdate, Behavior: rec.behavior("late")})
	sched := NewScheduler(DefaultConfig(), WithHooks(Hooks{
		BeforeFrame: func(*Context) { rec.order = append(rec.order, "before") },
		AfterFrame: func(*Context) error {
			rec.order = append(rec.order, "after")
			return nil
		},
	}))
	if _, err := sched.RunFrame(newFrame(table, 1)); err != nil {
		t.Fatalf("RunFrame returned error: %v", err)
	}
	if len(rec.order) != 3 || rec.order[0] != "before" || rec.order[1] != "late" || rec.order[2] != "after" {
		t.Fatalf("unexpected hook order: %v", rec.order)
	}
}
