package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const settlementKey = "settlement:due"

// SettlementQueue schedules simulated payment-rail settlements as a Redis
// sorted set keyed by payment id and scored by due time. Keying by payment id
// makes a scheduled settlement cancellable when the contract is cancelled
// mid-flight.
type SettlementQueue struct {
	client *redis.Client
}

func NewSettlementQueue(client *redis.Client) *SettlementQueue {
	return &SettlementQueue{client: client}
}

// Schedule registers (or reschedules) the payment's settlement time.
func (q *SettlementQueue) Schedule(ctx context.Context, paymentID string, dueAt time.Time) error {
	err := q.client.ZAdd(ctx, settlementKey, redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: paymentID,
	}).Err()
	if err != nil {
		return fmt.Errorf("payment: schedule settlement: %w", err)
	}
	return nil
}

// Cancel drops the payment's pending settlement, if any.
func (q *SettlementQueue) Cancel(ctx context.Context, paymentID string) error {
	if err := q.client.ZRem(ctx, settlementKey, paymentID).Err(); err != nil {
		return fmt.Errorf("payment: cancel settlement: %w", err)
	}
	return nil
}

// PopDue claims payments whose settlement time has arrived. Claimed ids are
// removed in the same pipeline so concurrent workers do not double-settle.
func (q *SettlementQueue) PopDue(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, settlementKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("payment: scan due settlements: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, settlementKey, id).Result()
		if err != nil {
			return claimed, fmt.Errorf("payment: claim settlement %s: %w", id, err)
		}
		if removed > 0 {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}

// Depth reports how many settlements are waiting.
func (q *SettlementQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, settlementKey).Result()
}
