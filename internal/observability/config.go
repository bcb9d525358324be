package observability

import (
	"net/http"
	"net/http/pprof"
)

// Config captures opt-in observability toggles that wire into the server.
type Config struct {
	EnablePprofTrace bool
	// OTelEndpoint is the OTLP/HTTP collector URL. Empty disables tracing.
	OTelEndpoint string
	OTelEnabled  bool
}

// TracingEnabled reports whether Setup will install a tracer provider.
func (c Config) TracingEnabled() bool {
	return c.OTelEnabled && c.OTelEndpoint != ""
}

// MountPprof registers the runtime profiling endpoints under /debug/pprof/
// when EnablePprofTrace is set.
func (c Config) MountPprof(mux *http.ServeMux) bool {
	if !c.EnablePprofTrace || mux == nil {
		return false
	}
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return true
}
