// Package telemetry defines the logging and counter surfaces handed to the
// scheduler, the replicator and the drivers.
package telemetry

import (
	"log"
	"strings"

	"netsim/server/logging"
)

// Logger is the operational log line sink.
type Logger interface {
	Printf(format string, args ...any)
}

type LoggerFunc func(format string, args ...any)

func (f LoggerFunc) Printf(format string, args ...any) {
	if f != nil {
		f(format, args...)
	}
}

// Discard drops every line.
var Discard Logger = LoggerFunc(nil)

// WrapLogger adapts a standard library logger. A nil logger discards.
func WrapLogger(logger *log.Logger) Logger {
	if logger == nil {
		return Discard
	}
	return logger
}

// Metrics receives named counters and gauges.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

// WrapMetrics feeds a logging.Metrics registry. A nil registry discards.
func WrapMetrics(metrics *logging.Metrics) Metrics {
	return registry{metrics: metrics}
}

type registry struct {
	metrics *logging.Metrics
}

func (r registry) Add(key string, delta uint64)   { r.metrics.TelemetryAdd(key, delta) }
func (r registry) Store(key string, value uint64) { r.metrics.TelemetryStore(key, value) }

// Namespace prefixes every key with prefix and an underscore.
func Namespace(metrics Metrics, prefix string) Metrics {
	prefix = strings.TrimSuffix(prefix, "_")
	if metrics == nil || prefix == "" {
		return metrics
	}
	return namespaced{next: metrics, prefix: prefix + "_"}
}

type namespaced struct {
	next   Metrics
	prefix string
}

func (n namespaced) Add(key string, delta uint64)   { n.next.Add(n.prefix+key, delta) }
func (n namespaced) Store(key string, value uint64) { n.next.Store(n.prefix+key, value) }
