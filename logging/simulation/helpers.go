package simulation

import (
	"context"

	"netsim/server/logging"
)

const (
	// EventTickBudgetOverrun is emitted when a frame exceeds the allotted tick budget.
	EventTickBudgetOverrun logging.EventType = "simulation.tick_budget_overrun"
	// EventEntityTickFailed is emitted when an entity or component tick fails and the
	// rest of that entity's work is skipped for the frame.
	EventEntityTickFailed logging.EventType = "simulation.entity_tick_failed"
	// EventAsyncJoinFailed is emitted when the async task fails or does not join in time.
	EventAsyncJoinFailed logging.EventType = "simulation.async_join_failed"
)

// TickBudgetOverrunPayload captures timing details for a tick budget breach.
type TickBudgetOverrunPayload struct {
	DurationMillis int64   `json:"durationMillis"`
	BudgetMillis   int64   `json:"budgetMillis"`
	Ratio          float64 `json:"ratio"`
	Streak         uint64  `json:"streak"`
}

// EntityTickFailedPayload describes the failed entity tick.
type EntityTickFailedPayload struct {
	Group     string `json:"group"`
	Component string `json:"component,omitempty"`
	Error     string `json:"error"`
	Panicked  bool   `json:"panicked,omitempty"`
}

// AsyncJoinFailedPayload describes an async join failure.
type AsyncJoinFailedPayload struct {
	TimeoutMillis int64  `json:"timeoutMillis"`
	Error         string `json:"error"`
}

// TickBudgetOverrun publishes a warning when a frame exceeds the configured tick budget.
func TickBudgetOverrun(ctx context.Context, pub logging.Publisher, frame uint64, payload TickBudgetOverrunPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTickBudgetOverrun,
		Frame:    frame,
		Severity: logging.SeverityWarn,
		Category: logging.CategorySimulation,
		Payload:  payload,
		Extra:    extra,
	})
}

// EntityTickFailed publishes an error for a single entity; the frame continues.
func EntityTickFailed(ctx context.Context, pub logging.Publisher, frame uint64, actor logging.EntityRef, payload EntityTickFailedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventEntityTickFailed,
		Frame:    frame,
		Actor:    actor,
		Severity: logging.SeverityError,
		Category: logging.CategorySimulation,
		Payload:  payload,
		Extra:    extra,
	})
}

// AsyncJoinFailed publishes an error when the frame is aborted at the async join.
func AsyncJoinFailed(ctx context.Context, pub logging.Publisher, frame uint64, payload AsyncJoinFailedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventAsyncJoinFailed,
		Frame:    frame,
		Severity: logging.SeverityError,
		Category: logging.CategorySimulation,
		Payload:  payload,
		Extra:    extra,
	})
}
