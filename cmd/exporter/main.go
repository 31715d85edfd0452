package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/dashflow-ai/telemetry/internal/exporter"
	"github.com/dashflow-ai/telemetry/internal/logging"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	_ = godotenv.Load()

	var cfg exporter.Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Failed to parse configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Configuration invalid")
	}

	exp, err := exporter.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create exporter")
	}
	if err := exp.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start exporter")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := exp.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
	}
}
