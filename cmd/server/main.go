package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"netsim/server/internal/app"
	"netsim/server/internal/config"
	"netsim/server/internal/telemetry"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Config{
		Logger:   telemetry.WrapLogger(log.Default()),
		Settings: settings,
	}); err != nil {
		log.Fatalf("%v", err)
	}
}
