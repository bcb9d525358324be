package world

import (
	"context"
	"fmt"
	"time"

	"netsim/server/internal/tick"
	"netsim/server/logging/simulation"
)

// Tick runs one frame of dt seconds. An error means the frame was aborted
// by the scheduler and is fatal to the world.
func (w *World) Tick(ctx context.Context, dt float64) error {
	if dt < 0 {
		dt = 0
	}
	w.frame++
	frame := w.frame

	if w.recorder != nil {
		w.recorder.UpdateDemoTime(dt)
	}
	for _, d := range w.drivers {
		if c, ok := d.(configurable); ok {
			c.SetFrame(frame)
		}
		d.TickDispatch(dt)
	}
	if w.player != nil {
		if recorded, ok := w.player.PlaybackDelta(); ok {
			dt = recorded
		}
	}
	w.now += dt
	w.entities.SetFrame(frame)

	sc := &tick.Context{
		Ctx:       ctx,
		Frame:     frame,
		Delta:     dt,
		Time:      w.now,
		Entities:  w.entities,
		Drivers:   w.drivers,
		Publisher: w.publisher,
	}
	stats, err := w.scheduler.RunFrame(sc)
	w.lastFrame = stats
	if err != nil {
		return fmt.Errorf("world: frame %d: %w", frame, err)
	}

	queued := 0
	for _, d := range w.drivers {
		for _, conn := range d.Connections() {
			queued += conn.Queued()
		}
		if server := d.ServerConnection(); server != nil {
			queued += server.Queued()
		}
	}
	for _, d := range w.drivers {
		d.TickFlush()
	}

	w.telemetry.RecordFrame(queued, w.lastRepl, w.entities.Len())
	if w.recorder != nil {
		w.telemetry.RecordDemoFrame(w.recorder.FrameNumber())
	}
	w.publishDiagnostics()
	return nil
}

// replicate is the scheduler's AfterFrame hook.
func (w *World) replicate(sc *tick.Context) error {
	w.lastRepl = w.replicator.Replicate(sc)
	return nil
}

// Run drives Tick at the configured rate until ctx is done, a frame fails,
// or a demo playback asks to terminate.
func (w *World) Run(ctx context.Context) error {
	tickRate := w.cfg.TickRate
	interval := time.Second / time.Duration(tickRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := w.clock.Now()
	budgetSeconds := 1.0 / float64(tickRate)
	maxDt := budgetSeconds * float64(w.cfg.CatchupMaxTicks)
	var streak uint64

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := w.clock.Now()
			dt := now.Sub(last).Seconds()
			if dt <= 0 {
				dt = budgetSeconds
			} else if dt > maxDt {
				dt = maxDt
			}
			last = now

			start := w.clock.Now()
			if err := w.Tick(ctx, dt); err != nil {
				return err
			}
			duration := w.clock.Now().Sub(start)
			w.telemetry.RecordTickDuration(duration)

			if duration > interval {
				streak++
				simulation.TickBudgetOverrun(ctx, w.publisher, w.frame, simulation.TickBudgetOverrunPayload{
					DurationMillis: duration.Milliseconds(),
					BudgetMillis:   interval.Milliseconds(),
					Ratio:          float64(duration) / float64(interval),
					Streak:         streak,
				}, nil)
			} else {
				streak = 0
			}

			if w.Finished() {
				w.logf("[demo] playback finished, stopping")
				return nil
			}
		}
	}
}

// Shutdown flushes what each driver has queued, then closes every
// connection with reason.
func (w *World) Shutdown(reason string) {
	for _, d := range w.drivers {
		d.TickFlush()
		if base, ok := d.(interface{ CloseAll(string) }); ok {
			base.CloseAll(reason)
		}
	}
	w.publishDiagnostics()
}
