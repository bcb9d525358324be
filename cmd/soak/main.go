// Soak runs a headless server world against in-process socket clients and
// reports replication throughput.
//
// Profiling:
// go build ./cmd/soak
// ./soak -profile cpu && go tool pprof -http=":8000" ./soak cpu.pprof
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"time"

	"github.com/pkg/profile"

	"netsim/server/internal/config"
	"netsim/server/internal/entity"
	"netsim/server/internal/net/ws"
	"netsim/server/internal/replication"
	"netsim/server/internal/telemetry"
	"netsim/server/internal/world"
)

type options struct {
	entities int
	clients  int
	frames   int
	radius   float64
	record   string
	profile  string
	out      io.Writer
}

func main() {
	opts := options{out: os.Stdout}
	flag.IntVar(&opts.entities, "entities", 200, "number of wandering entities")
	flag.IntVar(&opts.clients, "clients", 4, "number of socket clients")
	flag.IntVar(&opts.frames, "frames", 900, "frames to simulate")
	flag.Float64Var(&opts.radius, "radius", 0, "relevancy radius, zero for everything")
	flag.StringVar(&opts.record, "record", "", "record the session to this demo file")
	flag.StringVar(&opts.profile, "profile", "", "cpu, mem or trace")
	flag.Parse()

	if p := startProfile(opts.profile); p != nil {
		defer p.Stop()
	}
	if err := run(context.Background(), opts); err != nil {
		log.Fatalf("soak: %v", err)
	}
}

func startProfile(mode string) interface{ Stop() } {
	switch mode {
	case "cpu":
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	case "mem":
		return profile.Start(profile.MemProfileAllocs, profile.ProfilePath("."), profile.NoShutdownHook)
	case "trace":
		return profile.Start(profile.TraceProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	default:
		return nil
	}
}

// wander moves an entity on a circle whose phase depends on its index.
func wander(phase float64) entity.Behavior {
	t := 0.0
	return entity.BehaviorFunc(func(e *entity.Entity, dt float64) error {
		t += dt
		e.SetLocation(entity.Vec3{
			X: 500 * math.Cos(t+phase),
			Y: 500 * math.Sin(t+phase),
		})
		return nil
	})
}

func run(ctx context.Context, opts options) error {
	settings := config.DefaultConfig()
	logger := telemetry.Discard
	dt := 1.0 / float64(settings.TickRate)

	server := world.New(settings.World(),
		world.WithLogger(logger),
		world.WithPolicy(replication.DistancePolicy{Radius: opts.radius}),
	)
	defer server.Close()
	listener := ws.New(settings.Socket())
	if err := server.SetDriver(listener); err != nil {
		return err
	}
	if err := listener.InitListen(ctx, "127.0.0.1:0"); err != nil {
		return err
	}
	if opts.record != "" {
		if err := server.StartRecording(ctx, opts.record); err != nil {
			return err
		}
	}
	for i := 0; i < opts.entities; i++ {
		server.Spawn(entity.Spec{
			Name:     fmt.Sprintf("wanderer-%d", i),
			Role:     entity.RoleAuthority,
			Behavior: wander(float64(i)),
		})
	}

	clients := make([]*world.World, 0, opts.clients)
	for i := 0; i < opts.clients; i++ {
		client := world.New(settings.World(), world.WithLogger(logger))
		defer client.Close()
		dialer := ws.New(settings.Socket())
		if err := client.SetDriver(dialer); err != nil {
			return err
		}
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := dialer.InitConnect(dialCtx, "ws://"+listener.Addr()+"/ws")
		cancel()
		if err != nil {
			return err
		}
		clients = append(clients, client)
	}

	start := time.Now()
	for frame := 0; frame < opts.frames; frame++ {
		if err := server.Tick(ctx, dt); err != nil {
			return err
		}
		for _, client := range clients {
			if err := client.Tick(ctx, dt); err != nil {
				return err
			}
		}
	}
	elapsed := time.Since(start)

	if opts.record != "" {
		if err := server.StopRecording(); err != nil {
			return err
		}
	}

	snap := server.Telemetry().Snapshot()
	fmt.Fprintf(opts.out, "frames=%d elapsed=%s fps=%.1f\n", snap.Frames, elapsed.Round(time.Millisecond), float64(snap.Frames)/elapsed.Seconds())
	fmt.Fprintf(opts.out, "bytes=%d replicated=%d saturations=%d deferred=%d\n", snap.BytesSent, snap.ChannelsReplicated, snap.Saturations, snap.Deferred)
	for i, client := range clients {
		fmt.Fprintf(opts.out, "client %d: replicas=%d\n", i, client.Entities().Len())
	}
	return nil
}
