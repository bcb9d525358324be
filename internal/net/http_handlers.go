package net

import (
	"encoding/json"
	"log"
	nethttp "net/http"
	"time"

	"netsim/server/internal/observability"
	"netsim/server/logging"
)

// ConnectionSnapshot is the diagnostics view of a connection.
type ConnectionSnapshot struct {
	ID       ConnectionID    `json:"id"`
	Session  string          `json:"session"`
	Driver   string          `json:"driver"`
	Remote   string          `json:"remote,omitempty"`
	State    string          `json:"state"`
	Viewer   string          `json:"viewer"`
	Channels int             `json:"channels"`
	Pending  int             `json:"pending"`
	Budget   int             `json:"budget"`
	Stats    ConnectionStats `json:"stats"`
}

// Snapshot captures conn for diagnostics. Call it on the simulation thread.
func Snapshot(conn *Connection) ConnectionSnapshot {
	return ConnectionSnapshot{
		ID:       conn.ID,
		Session:  conn.Session.String(),
		Driver:   conn.Driver,
		Remote:   conn.RemoteAddr(),
		State:    conn.State.String(),
		Viewer:   conn.Viewer.String(),
		Channels: conn.ChannelCount(),
		Pending:  conn.PendingLen(),
		Budget:   conn.Budget,
		Stats:    conn.Stats(),
	}
}

// DiagnosticsProvider supplies the data served by the diagnostics endpoint.
// Implementations must be safe to call from HTTP goroutines.
type DiagnosticsProvider interface {
	DiagnosticsSnapshot() []ConnectionSnapshot
	TelemetrySnapshot() any
	TickRate() int
}

type HTTPHandlerConfig struct {
	Logger *log.Logger
	// Socket serves the websocket endpoint when set.
	Socket        nethttp.Handler
	Observability observability.Config
	// Metrics is served as JSON at /metrics when set.
	Metrics *logging.Metrics
}

func NewHTTPHandler(provider DiagnosticsProvider, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		connections := provider.DiagnosticsSnapshot()
		if connections == nil {
			connections = []ConnectionSnapshot{}
		}
		payload := struct {
			Status      string               `json:"status"`
			ServerTime  int64                `json:"serverTime"`
			Connections []ConnectionSnapshot `json:"connections"`
			TickRate    int                  `json:"tickRate"`
			Telemetry   any                  `json:"telemetry"`
		}{
			Status:      "ok",
			ServerTime:  time.Now().UnixMilli(),
			Connections: connections,
			TickRate:    provider.TickRate(),
			Telemetry:   provider.TelemetrySnapshot(),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			logger.Printf("failed to encode diagnostics: %v", err)
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	if cfg.Metrics != nil {
		mux.HandleFunc("/metrics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
			data, err := json.Marshal(cfg.Metrics.Snapshot())
			if err != nil {
				httpError(w, "failed to encode", nethttp.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write(data)
		})
	}

	if cfg.Socket != nil {
		mux.Handle("/ws", cfg.Socket)
	}
	if cfg.Observability.MountPprof(mux) {
		logger.Printf("pprof endpoints enabled at /debug/pprof/")
	}

	return mux
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
