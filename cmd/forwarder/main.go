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
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"

	"github.com/dashflow-ai/telemetry/internal/baseline"
	"github.com/dashflow-ai/telemetry/internal/forwarder"
	"github.com/dashflow-ai/telemetry/internal/logging"
	"github.com/dashflow-ai/telemetry/internal/replay"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	// .env is a development convenience; production uses real env vars.
	_ = godotenv.Load()

	var cfg forwarder.Config
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
	cfg.LogConfig(logger)

	var replayCfg replay.Config
	if err := env.Parse(&replayCfg); err != nil {
		logger.Fatal().Err(err).Msg("Failed to parse replay configuration")
	}

	var rdb redis.UniversalClient
	if replayCfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: replayCfg.RedisAddr})
		logger.Info().Str("redis_addr", replayCfg.RedisAddr).Msg("Replay buffer external tier enabled")
	}
	namespace := replay.Namespace(cfg.Topic, cfg.ClusterID, cfg.ConsumerGroup)
	buffer, err := replay.New(replayCfg, namespace, rdb, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build replay buffer")
	}

	baselines, err := baseline.NewStore(cfg.BaselineDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open baseline store")
	}

	server, err := forwarder.NewServer(cfg, buffer, baselines, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create forwarder")
	}
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start forwarder")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
	}
}
