package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	stdnet "net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"netsim/server/internal/config"
	servernet "netsim/server/internal/net"
	"netsim/server/internal/net/ws"
	"netsim/server/internal/observability"
	"netsim/server/internal/replication"
	"netsim/server/internal/telemetry"
	"netsim/server/internal/world"
	"netsim/server/logging"
	loggingSinks "netsim/server/logging/sinks"
)

const serviceName = "netsim-server"

type Config struct {
	Logger   telemetry.Logger
	Settings config.Config
	// Populate spawns the initial entities once the world exists.
	Populate func(*world.World)
	// Ready receives the bound HTTP address once the server accepts peers.
	Ready func(addr string)
}

func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}
	settings := cfg.Settings.Normalized()

	shutdownTracing, err := observability.Setup(ctx, settings.Observability(), serviceName)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := shutdownTracing(flushCtx); serr != nil {
			telemetryLogger.Printf("failed to flush traces: %v", serr)
		}
	}()

	metrics := &logging.Metrics{}
	logConfig := settings.Logging()
	logConfig.Metrics = metrics
	sinks, closeSinks, err := buildSinks(logConfig)
	if err != nil {
		return err
	}
	defer closeSinks()

	router, err := logging.NewRouter(logging.SystemClock{}, logConfig, sinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	w := world.New(settings.World(),
		world.WithLogger(telemetryLogger),
		world.WithPublisher(router),
		world.WithMetrics(telemetry.Namespace(telemetry.WrapMetrics(metrics), "netsim")),
		world.WithPolicy(replication.DistancePolicy{Radius: settings.RelevancyRadius}),
	)
	defer func() {
		if cerr := w.Close(); cerr != nil {
			telemetryLogger.Printf("failed to close drivers: %v", cerr)
		}
	}()

	socket := ws.New(settings.Socket())
	if err := w.SetDriver(socket); err != nil {
		return err
	}
	if err := socket.InitListen(ctx, ""); err != nil {
		return fmt.Errorf("failed to start socket driver: %w", err)
	}

	if settings.DemoRecord != "" {
		if err := w.StartRecording(ctx, settings.DemoRecord); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		defer func() {
			if serr := w.StopRecording(); serr != nil && !errors.Is(serr, world.ErrNoRecording) {
				telemetryLogger.Printf("failed to finish recording: %v", serr)
			}
		}()
	}
	if settings.DemoPlay != "" {
		opts, err := settings.Playback()
		if err != nil {
			return err
		}
		if err := w.PlayDemo(ctx, settings.DemoPlay, opts); err != nil {
			return fmt.Errorf("failed to play demo: %w", err)
		}
	}
	if cfg.Populate != nil {
		cfg.Populate(w)
	}

	handler := servernet.NewHTTPHandler(w, servernet.HTTPHandlerConfig{
		Logger:        log.Default(),
		Socket:        socket.Handler(),
		Observability: settings.Observability(),
		Metrics:       metrics,
	})

	var lc stdnet.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", settings.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", settings.Addr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	telemetryLogger.Printf("server listening on %s", listener.Addr())
	if cfg.Ready != nil {
		cfg.Ready(listener.Addr().String())
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	simCtx, stopSim := context.WithCancel(ctx)
	defer stopSim()
	go func() {
		if err, ok := <-serveErr; ok {
			telemetryLogger.Printf("server failed: %v", err)
			stopSim()
		}
	}()

	runErr := w.Run(simCtx)
	w.Shutdown("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetryLogger.Printf("failed to stop http server: %v", err)
	}
	if runErr != nil {
		return fmt.Errorf("simulation failed: %w", runErr)
	}
	return nil
}

// buildSinks opens the sinks named in cfg.EnabledSinks.
func buildSinks(cfg logging.Config) ([]logging.NamedSink, func(), error) {
	var (
		named   []logging.NamedSink
		closers []io.Closer
	)
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}
	for _, name := range cfg.EnabledSinks {
		switch name {
		case "console":
			named = append(named, logging.NamedSink{Name: name, Sink: loggingSinks.NewConsoleSink(os.Stdout, cfg.Console)})
		case "json":
			var out io.Writer = os.Stdout
			if cfg.JSON.FilePath != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.JSON.FilePath), 0o755); err != nil {
					closeAll()
					return nil, nil, fmt.Errorf("create log directory: %w", err)
				}
				f, err := os.OpenFile(cfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					closeAll()
					return nil, nil, fmt.Errorf("open json log: %w", err)
				}
				closers = append(closers, f)
				out = f
			}
			named = append(named, logging.NamedSink{Name: name, Sink: loggingSinks.NewJSON(out, cfg.JSON.FlushInterval)})
		default:
			closeAll()
			return nil, nil, fmt.Errorf("unknown log sink %q", name)
		}
	}
	return named, closeAll, nil
}
