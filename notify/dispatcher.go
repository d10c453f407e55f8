package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"contractflow/telemetry"
)

// Dispatcher drains pending outbox rows and delivers them through the Port.
// Claims use FOR UPDATE SKIP LOCKED so multiple dispatchers never double-send.
type Dispatcher struct {
	pool         *pgxpool.Pool
	port         Port
	logger       *zap.Logger
	pollInterval time.Duration
	maxAttempts  int
	batchSize    int
}

func NewDispatcher(pool *pgxpool.Pool, port Port, logger *zap.Logger, pollInterval time.Duration, maxAttempts int) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Dispatcher{
		pool:         pool,
		port:         port,
		logger:       logger,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
		batchSize:    20,
	}
}

// Run loops until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil {
				d.logger.Warn("outbox drain failed", zap.Error(err))
			}
		}
	}
}

// DrainOnce claims one batch of pending rows, publishes each, and marks the
// result. It returns how many rows it handled.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin drain tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
SELECT id, contract_id, event_kind, human_text, payload, attempts
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
FOR UPDATE SKIP LOCKED
LIMIT $1
`, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("notify: claim outbox batch: %w", err)
	}

	var batch []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var kind string
		if err := rows.Scan(&m.ID, &m.ContractID, &kind, &m.HumanText, &m.Payload, &m.Attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("notify: scan outbox row: %w", err)
		}
		m.Kind = EventKind(kind)
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("notify: read outbox batch: %w", err)
	}

	for _, m := range batch {
		ev := Event{ContractID: m.ContractID, Kind: m.Kind, HumanText: m.HumanText}
		if len(m.Payload) > 0 {
			_ = json.Unmarshal(m.Payload, &ev.Payload)
		}

		if err := d.port.Notify(ctx, ev); err != nil {
			d.logger.Warn("notification delivery failed",
				zap.Int64("outbox_id", m.ID),
				zap.String("kind", string(m.Kind)),
				zap.Error(err),
			)
			status := "pending"
			if m.Attempts+1 >= d.maxAttempts {
				status = "dead"
				telemetry.NotificationsDead.Inc()
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET status=$1, attempts=attempts+1, last_attempt=NOW() WHERE id=$2`, status, m.ID); err != nil {
				return 0, fmt.Errorf("notify: record failed attempt: %w", err)
			}
			continue
		}

		if _, err := tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, m.ID); err != nil {
			return 0, fmt.Errorf("notify: mark processed: %w", err)
		}
		telemetry.NotificationsPublished.Inc()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("notify: commit drain tx: %w", err)
	}
	return len(batch), nil
}
