package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-lifecycle/internal/config"
	kafkax "github.com/ariefcatur/go-order-lifecycle/internal/kafka"
	"github.com/ariefcatur/go-order-lifecycle/internal/logging"
	"github.com/ariefcatur/go-order-lifecycle/internal/projection"
	"github.com/ariefcatur/go-order-lifecycle/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel, cfg.ServiceName+"-projector")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	p := &projection.Projector{
		Cache:  redisx.NewStatusCache(rdb, redisx.TTLStatusCache),
		Dedup:  redisx.NewDedup(rdb, cfg.ProjectorGroup),
		Logger: log,
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ProjectorGroup, cfg.KafkaTopic, cfg.ProjectorWorkers, log)

	log.Info("projector started",
		zap.String("group", cfg.ProjectorGroup),
		zap.String("topic", cfg.KafkaTopic),
		zap.Int("workers", cfg.ProjectorWorkers))
	if err := cons.Start(ctx, p.Handle); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consumer exit", zap.Error(err))
	}
	log.Info("projector stopped")
}
