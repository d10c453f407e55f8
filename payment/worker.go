package payment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"contractflow/fault"
	"contractflow/telemetry"
)

// DueQueue is the worker's view of the settlement schedule.
type DueQueue interface {
	PopDue(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Depth(ctx context.Context) (int64, error)
}

// Worker polls the settlement queue and settles due payments.
type Worker struct {
	svc          *Service
	queue        DueQueue
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int64
}

func NewWorker(svc *Service, queue DueQueue, logger *zap.Logger, pollInterval time.Duration, batchSize int64) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Worker{
		svc:          svc,
		queue:        queue,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// Run loops until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				w.logger.Warn("settlement tick failed", zap.Error(err))
			}
		}
	}
}

// Tick settles every payment that is currently due.
func (w *Worker) Tick(ctx context.Context) error {
	ids, err := w.queue.PopDue(ctx, time.Now(), w.batchSize)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := w.svc.Settle(ctx, id); err != nil {
			// Simulated rail declines are expected; anything else is logged
			// for operators.
			if errors.Is(err, fault.ErrSettlementFailure) {
				continue
			}
			w.logger.Error("settlement error",
				zap.String("payment_id", id),
				zap.Error(err),
			)
		}
	}

	if depth, err := w.queue.Depth(ctx); err == nil {
		telemetry.SettlementQueueDepth.Set(float64(depth))
	}
	return nil
}
