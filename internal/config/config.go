// Package config reads server settings from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/invopop/jsonschema"

	"netsim/server/internal/demo"
	"netsim/server/internal/net/ws"
	"netsim/server/internal/observability"
	"netsim/server/internal/world"
	"netsim/server/logging"
)

// Config is the flattened set of NETSIM_* variables.
type Config struct {
	Addr string `env:"NETSIM_ADDR" envDefault:":8080" json:"addr" jsonschema:"description=HTTP listen address"`

	TickRate         int           `env:"NETSIM_TICK_RATE" envDefault:"30" json:"tickRate" jsonschema:"minimum=1"`
	CatchupMaxTicks  int           `env:"NETSIM_CATCHUP_MAX_TICKS" envDefault:"3" json:"catchupMaxTicks" jsonschema:"minimum=1"`
	EntityCapacity   int           `env:"NETSIM_ENTITY_CAPACITY" envDefault:"256" json:"entityCapacity"`
	AsyncJoinTimeout time.Duration `env:"NETSIM_ASYNC_JOIN_TIMEOUT" envDefault:"2s" json:"asyncJoinTimeout" jsonschema:"description=Zero waits forever"`

	MaxClientsPerFrame int     `env:"NETSIM_MAX_CLIENTS_PER_FRAME" envDefault:"0" json:"maxClientsPerFrame" jsonschema:"description=Zero services every connection"`
	RelevancyGrace     float64 `env:"NETSIM_RELEVANCY_GRACE" envDefault:"5" json:"relevancyGrace"`
	MaxUpdateAge       float64 `env:"NETSIM_MAX_UPDATE_AGE" envDefault:"1" json:"maxUpdateAge"`
	RelevancyRadius    float64 `env:"NETSIM_RELEVANCY_RADIUS" envDefault:"0" json:"relevancyRadius" jsonschema:"description=Zero makes every entity relevant"`

	ConnectionBudget int `env:"NETSIM_CONNECTION_BUDGET" envDefault:"16384" json:"connectionBudget" jsonschema:"description=Outbound bytes per connection per frame"`
	SendQueue        int `env:"NETSIM_SEND_QUEUE" envDefault:"32" json:"sendQueue"`

	DemoTickRate float64  `env:"NETSIM_DEMO_TICK_RATE" envDefault:"30" json:"demoTickRate" jsonschema:"description=Zero records every frame"`
	DemoRecord   string   `env:"NETSIM_DEMO_RECORD" json:"demoRecord,omitempty"`
	DemoPlay     string   `env:"NETSIM_DEMO_PLAY" json:"demoPlay,omitempty"`
	DemoOptions  []string `env:"NETSIM_DEMO_OPTIONS" envSeparator:"," json:"demoOptions,omitempty" jsonschema:"description=Playback flags such as timedemo or exitafterplayback"`

	LogSinks    []string `env:"NETSIM_LOG_SINKS" envDefault:"console" envSeparator:"," json:"logSinks"`
	LogSeverity string   `env:"NETSIM_LOG_LEVEL" envDefault:"info" json:"logSeverity" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	LogJSONPath string   `env:"NETSIM_LOG_JSON_PATH" json:"logJSONPath,omitempty"`

	EnablePprofTrace bool   `env:"ENABLE_PPROF_TRACE" json:"enablePprofTrace"`
	OTelEndpoint     string `env:"NETSIM_OTEL_ENDPOINT" json:"otelEndpoint,omitempty"`
	OTelEnabled      bool   `env:"NETSIM_OTEL_ENABLED" envDefault:"true" json:"otelEnabled"`
}

// ParseEnv parses environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads the process environment and normalizes the result.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg.Normalized(), nil
}

// DefaultConfig returns the envDefault values, ignoring the environment.
func DefaultConfig() Config {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Normalized clamps out-of-range values to usable ones.
func (c Config) Normalized() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = def.Addr
	}
	if c.TickRate <= 0 {
		c.TickRate = def.TickRate
	}
	if c.CatchupMaxTicks <= 0 {
		c.CatchupMaxTicks = 1
	}
	if c.EntityCapacity < 0 {
		c.EntityCapacity = 0
	}
	if c.AsyncJoinTimeout < 0 {
		c.AsyncJoinTimeout = 0
	}
	if c.MaxClientsPerFrame < 0 {
		c.MaxClientsPerFrame = 0
	}
	if c.RelevancyGrace < 0 {
		c.RelevancyGrace = 0
	}
	if c.MaxUpdateAge <= 0 {
		c.MaxUpdateAge = def.MaxUpdateAge
	}
	if c.RelevancyRadius < 0 {
		c.RelevancyRadius = 0
	}
	if c.ConnectionBudget <= 0 {
		c.ConnectionBudget = def.ConnectionBudget
	}
	if c.SendQueue <= 0 {
		c.SendQueue = def.SendQueue
	}
	if c.DemoTickRate < 0 {
		c.DemoTickRate = 0
	}
	if len(c.LogSinks) == 0 {
		c.LogSinks = def.LogSinks
	}
	c.LogSeverity = strings.ToLower(strings.TrimSpace(c.LogSeverity))
	return c
}

// World maps the settings onto the world configuration.
func (c Config) World() world.Config {
	cfg := world.DefaultConfig()
	cfg.TickRate = c.TickRate
	cfg.CatchupMaxTicks = c.CatchupMaxTicks
	cfg.Capacity = c.EntityCapacity
	cfg.Scheduler.AsyncJoinTimeout = c.AsyncJoinTimeout
	cfg.Replication.MaxClientsPerFrame = c.MaxClientsPerFrame
	cfg.Replication.RelevancyGrace = c.RelevancyGrace
	cfg.Replication.MaxUpdateAge = c.MaxUpdateAge
	cfg.Demo.TickRate = c.DemoTickRate
	return cfg
}

// Socket maps the settings onto the websocket driver configuration.
func (c Config) Socket() ws.Config {
	cfg := ws.DefaultConfig()
	cfg.Budget = c.ConnectionBudget
	cfg.SendQueue = c.SendQueue
	return cfg
}

// Playback parses DemoOptions.
func (c Config) Playback() (demo.Options, error) {
	return demo.ParseOptions(c.DemoOptions)
}

// Logging maps the settings onto the logging router configuration.
func (c Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = append([]string(nil), c.LogSinks...)
	cfg.MinimumSeverity = logging.ParseSeverity(c.LogSeverity)
	cfg.JSON.FilePath = c.LogJSONPath
	return cfg
}

// Observability maps the settings onto the tracing and profiling toggles.
func (c Config) Observability() observability.Config {
	return observability.Config{
		EnablePprofTrace: c.EnablePprofTrace,
		OTelEndpoint:     c.OTelEndpoint,
		OTelEnabled:      c.OTelEnabled,
	}
}

// Schema reflects Config into a JSON schema document.
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{AllowAdditionalProperties: true}
	schema := reflector.Reflect(&Config{})
	schema.Title = "Server configuration"
	schema.Description = "Environment settings read by the simulation server."
	return schema
}
