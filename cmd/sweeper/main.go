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
	"github.com/ariefcatur/go-order-lifecycle/internal/inventory"
	"github.com/ariefcatur/go-order-lifecycle/internal/logging"
	"github.com/ariefcatur/go-order-lifecycle/internal/postgres"
	"github.com/ariefcatur/go-order-lifecycle/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel, cfg.ServiceName+"-sweeper")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	ledger, err := inventory.NewLedger(inventory.LedgerDeps{
		Store:             &postgres.InventoryRepo{DB: db},
		ReservationTTL:    cfg.ReservationTTL,
		LowStockThreshold: cfg.LowStockThreshold,
		SweepBatch:        cfg.SweepBatch,
		Logger:            log,
	})
	if err != nil {
		log.Fatal("ledger", zap.Error(err))
	}

	sw := &inventory.Sweeper{
		Ledger:   ledger,
		Interval: cfg.SweepInterval,
		Locker:   redisx.NewLocker(rdb),
		Logger:   log,
	}
	log.Info("sweeper started", zap.Duration("interval", cfg.SweepInterval), zap.Int("batch", cfg.SweepBatch))
	if err := sw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("sweeper exit", zap.Error(err))
	}
	log.Info("sweeper stopped")
}
