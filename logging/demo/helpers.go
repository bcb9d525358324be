package demo

import (
	"context"

	"netsim/server/logging"
)

const (
	// EventRecordingStarted is emitted when a demo file is opened for writing.
	EventRecordingStarted logging.EventType = "demo.recording_started"
	// EventRecordingStopped is emitted when recording stops.
	EventRecordingStopped logging.EventType = "demo.recording_stopped"
	// EventPlaybackStarted is emitted when a demo file is opened for reading.
	EventPlaybackStarted logging.EventType = "demo.playback_started"
	// EventPlaybackEnded is emitted once per playback pass at end of stream.
	EventPlaybackEnded logging.EventType = "demo.playback_ended"
)

// FilePayload identifies the demo file.
type FilePayload struct {
	Path string `json:"path"`
}

// RecordingStoppedPayload summarises a finished recording.
type RecordingStoppedPayload struct {
	Path   string `json:"path"`
	Frames int32  `json:"frames"`
}

// PlaybackEndedPayload summarises a finished playback pass.
type PlaybackEndedPayload struct {
	Path          string  `json:"path"`
	Frames        int32   `json:"frames"`
	Seconds       float64 `json:"seconds"`
	FPS           float64 `json:"fps,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	PlaysLeft     int     `json:"playsLeft"`
	WillTerminate bool    `json:"willTerminate"`
}

// RecordingStarted publishes an info event for a new recording.
func RecordingStarted(ctx context.Context, pub logging.Publisher, frame uint64, payload FilePayload) {
	publish(ctx, pub, EventRecordingStarted, logging.SeverityInfo, frame, payload)
}

// RecordingStopped publishes an info event for a finished recording.
func RecordingStopped(ctx context.Context, pub logging.Publisher, frame uint64, payload RecordingStoppedPayload) {
	publish(ctx, pub, EventRecordingStopped, logging.SeverityInfo, frame, payload)
}

// PlaybackStarted publishes an info event when playback begins.
func PlaybackStarted(ctx context.Context, pub logging.Publisher, frame uint64, payload FilePayload) {
	publish(ctx, pub, EventPlaybackStarted, logging.SeverityInfo, frame, payload)
}

// PlaybackEnded publishes an info event when playback reaches the end of the stream.
func PlaybackEnded(ctx context.Context, pub logging.Publisher, frame uint64, payload PlaybackEndedPayload) {
	publish(ctx, pub, EventPlaybackEnded, logging.SeverityInfo, frame, payload)
}

func publish(ctx context.Context, pub logging.Publisher, kind logging.EventType, severity logging.Severity, frame uint64, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     kind,
		Frame:    frame,
		Actor:    logging.EntityRef{Kind: logging.EntityKindDriver, ID: "demo"},
		Severity: severity,
		Category: logging.CategoryDemo,
		Payload:  payload,
	})
}
