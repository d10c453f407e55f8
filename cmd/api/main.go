package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"contractflow/application"
	"contractflow/config"
	"contractflow/contract"
	"contractflow/db"
	"contractflow/httpapi"
	"contractflow/job"
	"contractflow/logger"
	"contractflow/milestone"
	"contractflow/notify"
	"contractflow/payment"
	"contractflow/telemetry"
)

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

	jobs := job.NewService(pool, nil, zl)
	apps := application.NewService(pool, nil, job.NewRepository(), outbox, zl)
	milestones := milestone.NewService(pool, nil, outbox, zl)
	payments := payment.NewService(pool, nil, queue, outbox, zl,
		cfg.Settlement.DelayMin, cfg.Settlement.DelayMax, cfg.Settlement.FailureRate)
	coordinator := contract.NewCoordinator(contract.Deps{
		Pool:   pool,
		Reader: pool,
		Outbox: outbox,
		Sched:  queue,
		Logger: zl,
	})

	server := httpapi.NewServer(pool, jobs, apps, milestones, payments, coordinator, zl)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zl.Warn("http shutdown", zap.Error(err))
		}
	}()

	zl.Info("api listening", zap.String("port", cfg.Server.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zl.Fatal("http server", zap.Error(err))
	}
}
