package contract

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"contractflow/fault"
)

// Repository is the coordinator's own data access surface.
type Repository interface {
	InsertTx(ctx context.Context, tx pgx.Tx, c Contract) error
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Contract, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, id string, status Status, cancelReason *string) (Contract, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const contractColumns = `id, job_id, application_id, client_id, worker_id, total_amount, currency, status, cancel_reason, version, created_at, updated_at`

func scanContract(row pgx.Row) (Contract, error) {
	var (
		c      Contract
		status string
	)
	err := row.Scan(&c.ID, &c.JobID, &c.ApplicationID, &c.ClientID, &c.WorkerID, &c.TotalAmount, &c.Currency, &status, &c.CancelReason, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, fmt.Errorf("contract: %w", fault.ErrNotFound)
		}
		return Contract{}, fmt.Errorf("contract: scan: %w", err)
	}
	c.Status = Status(status)
	return c, nil
}

func (r *PGRepository) InsertTx(ctx context.Context, tx pgx.Tx, c Contract) error {
	const q = `
INSERT INTO contracts (id, job_id, application_id, client_id, worker_id, total_amount, currency, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	_, err := tx.Exec(ctx, q, c.ID, c.JobID, c.ApplicationID, c.ClientID, c.WorkerID, c.TotalAmount, c.Currency, string(c.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Partial unique index: one live contract per job.
			return fmt.Errorf("contract: job %s already has a contract: %w", c.JobID, fault.ErrInvalidContractState)
		}
		return fmt.Errorf("contract: insert: %w", err)
	}
	return nil
}

func (r *PGRepository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Contract, error) {
	return scanContract(tx.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1 FOR UPDATE`, id))
}

func (r *PGRepository) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id string, status Status, cancelReason *string) (Contract, error) {
	const q = `
UPDATE contracts
SET status = $1,
    cancel_reason = COALESCE($2, cancel_reason),
    version = version + 1,
    updated_at = NOW()
WHERE id = $3
RETURNING ` + contractColumns
	return scanContract(tx.QueryRow(ctx, q, string(status), cancelReason, id))
}

// Get loads a contract outside any transaction.
func Get(ctx context.Context, pool *pgxpool.Pool, id string) (Contract, error) {
	return scanContract(pool.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
}
