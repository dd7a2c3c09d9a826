package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/mindcreek/non-messenger/internal/clock"
	"github.com/mindcreek/non-messenger/internal/config"
	"github.com/mindcreek/non-messenger/internal/logging"
	"github.com/mindcreek/non-messenger/internal/server"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Basic logger for startup, before the structured logger exists.
	startupLog := log.New(os.Stdout, "[broker] ", log.LstdFlags)

	// automaxprocs sets GOMAXPROCS from container CPU limits as an import
	// side effect.
	startupLog.Printf("GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(nil)
	if err != nil {
		startupLog.Fatalf("Failed to load configuration: %v", err)
	}

	if *debug {
		cfg.LogLevel = "debug"
		startupLog.Printf("Debug mode enabled via flag")
	}

	cfg.Print()

	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	logging.Init(logger)
	cfg.LogConfig(logger)

	srv := server.New(cfg, clock.System{}, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start broker")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("termination signal received, shutting down")
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
		os.Exit(1)
	}
}
