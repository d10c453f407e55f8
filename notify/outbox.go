package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// OutboxMessage mirrors an outbox row awaiting delivery.
type OutboxMessage struct {
	ID          int64
	ContractID  string
	Kind        EventKind
	HumanText   string
	Payload     []byte
	Status      string
	Attempts    int
	LastAttempt *time.Time
	CreatedAt   time.Time
}

// Outbox writes notification events inside the caller's transaction.
type Outbox struct{}

func NewOutbox() *Outbox {
	return &Outbox{}
}

// Enqueue appends one event to the outbox. It must run inside the same
// transaction as the state change it describes.
func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, contractID string, kind EventKind, humanText string, payload map[string]any) error {
	if contractID == "" {
		return fmt.Errorf("notify: missing contract id")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal outbox payload: %w", err)
	}

	const q = `
INSERT INTO outbox (contract_id, event_kind, human_text, payload)
VALUES ($1, $2, $3, $4::jsonb)
`
	if _, err := tx.Exec(ctx, q, contractID, string(kind), humanText, body); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	return nil
}
