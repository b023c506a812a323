package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-order-lifecycle/internal/config"
	"github.com/ariefcatur/go-order-lifecycle/internal/httpx"
	"github.com/ariefcatur/go-order-lifecycle/internal/inventory"
	kafkax "github.com/ariefcatur/go-order-lifecycle/internal/kafka"
	"github.com/ariefcatur/go-order-lifecycle/internal/lifecycle"
	"github.com/ariefcatur/go-order-lifecycle/internal/logging"
	"github.com/ariefcatur/go-order-lifecycle/internal/payments"
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
	log, err := logging.New(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := postgres.Migrate(cfg.PostgresDSN, log); err != nil {
		return err
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// The producer outlives ctx so events emitted during shutdown still flush.
	prodCtx, stopProducer := context.WithCancel(context.Background())
	prod := kafkax.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, 1024, log)
	prod.Start(prodCtx)

	gateway, err := payments.NewStripeGateway(payments.StripeConfig{
		APIKey:   cfg.StripeAPIKey,
		Currency: cfg.StripeCurrency,
		Logger:   log,
	})
	if err != nil {
		stopProducer()
		return err
	}

	ledger, err := inventory.NewLedger(inventory.LedgerDeps{
		Store:             &postgres.InventoryRepo{DB: db},
		ReservationTTL:    cfg.ReservationTTL,
		LowStockThreshold: cfg.LowStockThreshold,
		SweepBatch:        cfg.SweepBatch,
		Logger:            log,
	})
	if err != nil {
		stopProducer()
		return err
	}
	coord, err := payments.NewCoordinator(payments.CoordinatorDeps{
		Store:   &postgres.PaymentRepo{DB: db},
		Gateway: gateway,
		Logger:  log,
	})
	if err != nil {
		stopProducer()
		return err
	}
	svc, err := lifecycle.NewService(lifecycle.Deps{
		Orders:    &postgres.OrderRepo{DB: db},
		Inventory: ledger,
		Payments:  coord,
		Notifier:  kafkax.NewPublisher(prod),
		Policy: lifecycle.Policy{
			RefundOnCancel: cfg.RefundOnCancel,
			FailOnDecline:  cfg.FailOrderOnDecline,
			LeaseTTL:       cfg.OperationLeaseTTL,
		},
		Logger:      log,
		ServiceName: cfg.ServiceName,
	})
	if err != nil {
		stopProducer()
		return err
	}

	router := httpx.NewRouter(log)
	oh := &httpx.OrdersHandler{
		Engine:   svc,
		Stock:    ledger,
		Payments: coord,
		Cache:    redisx.NewStatusCache(rdb, redisx.TTLStatusCache),
		Log:      log,
	}
	oh.Register(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	prod.Close()
	stopProducer()
	prod.WaitClosed()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
