package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"contractflow/config"
	"contractflow/db"
	"contractflow/logger"
	"contractflow/notify"
	"contractflow/payment"
	"contractflow/telemetry"
)

// The worker process runs the two background loops: the settlement worker that
// finishes delayed escrow releases, and the outbox dispatcher that publishes
// notifications.
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zl := logger.New()
	defer zl.Sync()

	telemetry.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DB.DSN)
	if err != nil {
		zl.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	queue := payment.NewSettlementQueue(rdb)
	outbox := notify.NewOutbox()
	payments := payment.NewService(pool, nil, queue, outbox, zl,
		cfg.Settlement.DelayMin, cfg.Settlement.DelayMax, cfg.Settlement.FailureRate)
	settler := payment.NewWorker(payments, queue, zl, cfg.Settlement.PollInterval, cfg.Settlement.BatchSize)

	var port notify.Port
	if cfg.AMQP.URL != "" {
		amqpPort, err := notify.NewAMQPPort(cfg.AMQP.URL)
		if err != nil {
			zl.Fatal("connect amqp", zap.Error(err))
		}
		defer amqpPort.Close()
		port = amqpPort
	} else {
		zl.Warn("no amqp url configured, logging notifications instead")
		port = notify.NewLogPort(zl)
	}
	dispatcher := notify.NewDispatcher(pool, port, zl, cfg.Outbox.PollInterval, cfg.Outbox.MaxAttempts)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return settler.Run(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })

	zl.Info("worker running")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		zl.Fatal("worker stopped", zap.Error(err))
	}
	zl.Info("worker stopped")
}
