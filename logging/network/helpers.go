package network

import (
	"context"

	"netsim/server/logging"
)

const (
	// EventConnectionOpened is emitted when a connection completes its handshake.
	EventConnectionOpened logging.EventType = "network.connection_opened"
	// EventConnectionClosed is emitted when a connection is closed for any reason.
	EventConnectionClosed logging.EventType = "network.connection_closed"
	// EventConnectionFailed is emitted when a transport or protocol error closes a connection.
	EventConnectionFailed logging.EventType = "network.connection_failed"
	// EventChannelOpened is emitted when replication opens a channel for an entity.
	EventChannelOpened logging.EventType = "network.channel_opened"
	// EventChannelClosed is emitted when a channel starts closing.
	EventChannelClosed logging.EventType = "network.channel_closed"
	// EventSaturated is emitted when a connection runs out of outbound budget mid-walk.
	EventSaturated logging.EventType = "network.saturated"
)

// ConnectionPayload describes a connection lifecycle change.
type ConnectionPayload struct {
	Driver string `json:"driver"`
	Remote string `json:"remote,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ChannelPayload describes a channel lifecycle change.
type ChannelPayload struct {
	Entity string `json:"entity"`
	Handle uint32 `json:"handle"`
	Reason string `json:"reason,omitempty"`
}

// SaturationPayload captures the flow-control outcome for one connection.
type SaturationPayload struct {
	Replicated int `json:"replicated"`
	Deferred   int `json:"deferred"`
	Budget     int `json:"budget"`
	Queued     int `json:"queued"`
}

// ConnectionOpened publishes an info event when a handshake completes.
func ConnectionOpened(ctx context.Context, pub logging.Publisher, frame uint64, actor logging.EntityRef, payload ConnectionPayload, extra map[string]any) {
	publish(ctx, pub, EventConnectionOpened, logging.SeverityInfo, frame, actor, payload, extra)
}

// ConnectionClosed publishes an info event when a connection closes.
func ConnectionClosed(ctx context.Context, pub logging.Publisher, frame uint64, actor logging.EntityRef, payload ConnectionPayload, extra map[string]any) {
	publish(ctx, pub, EventConnectionClosed, logging.SeverityInfo, frame, actor, payload, extra)
}

// ConnectionFailed publishes a warning when an error tears a connection down.
func ConnectionFailed(ctx context.Context, pub logging.Publisher, frame uint64, actor logging.EntityRef, payload ConnectionPayload, extra map[string]any) {
	publish(ctx, pub, EventConnectionFailed, logging.SeverityWarn, frame, actor, payload, extra)
}

// ChannelOpened publishes a debug event for a new channel.
func ChannelOpened(ctx context.Context, pub logging.Publisher, frame uint64, actor logging.EntityRef, payload ChannelPayload, extra map[string]any) {
	publish(ctx, pub, EventChannelOpened, logging.SeverityDebug, frame, actor, payload, extra)
}

// ChannelClosed publishes a debug event for a closing channel.
func ChannelClosed(ctx context.Context, pub logging.Publisher, frame uint64, actor logging.EntityRef, payload ChannelPayload, extra map[string]any) {
	publish(ctx, pub, EventChannelClosed, logging.SeverityDebug, frame, actor, payload, extra)
}

// Saturated publishes a debug event; saturation is normal flow control.
func Saturated(ctx context.Context, pub logging.Publisher, frame uint64, actor logging.EntityRef, payload SaturationPayload, extra map[string]any) {
	publish(ctx, pub, EventSaturated, logging.SeverityDebug, frame, actor, payload, extra)
}

func publish(ctx context.Context, pub logging.Publisher, kind logging.EventType, severity logging.Severity, frame uint64, actor logging.EntityRef, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     kind,
		Frame:    frame,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}
