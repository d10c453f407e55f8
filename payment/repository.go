package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"contractflow/fault"
)

// Repository is the processor's data access surface. The contract coordinator
// reuses it to seed the payment schedule and to fail in-flight payments on
// cancellation.
type Repository interface {
	ContractForUpdateTx(ctx context.Context, tx pgx.Tx, contractID string) (ContractRow, error)
	GetTx(ctx context.Context, tx pgx.Tx, id string) (Payment, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Payment, error)
	GetByMilestoneTx(ctx context.Context, tx pgx.Tx, milestoneID string) (Payment, error)
	MilestoneTx(ctx context.Context, tx pgx.Tx, milestoneID string) (MilestoneRow, error)
	InsertTx(ctx context.Context, tx pgx.Tx, p Payment) error
	UpdateTx(ctx context.Context, tx pgx.Tx, p Payment, expectedVersion int) (Payment, error)
	ReleasedSumTx(ctx context.Context, tx pgx.Tx, contractID string) (int64, error)
	ListByContractTx(ctx context.Context, tx pgx.Tx, contractID string) ([]Payment, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const paymentColumns = `id, contract_id, milestone_id, amount, currency, status, escrow_status, failure_reason, version, created_at, updated_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p      Payment
		status string
		escrow string
	)
	err := row.Scan(&p.ID, &p.ContractID, &p.MilestoneID, &p.Amount, &p.Currency, &status, &escrow, &p.FailureReason, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, fmt.Errorf("payment: %w", fault.ErrNotFound)
		}
		return Payment{}, fmt.Errorf("payment: scan: %w", err)
	}
	p.Status = Status(status)
	p.EscrowStatus = EscrowStatus(escrow)
	return p, nil
}

func (r *PGRepository) ContractForUpdateTx(ctx context.Context, tx pgx.Tx, contractID string) (ContractRow, error) {
	var c ContractRow
	err := tx.QueryRow(ctx, `
SELECT id, client_id, worker_id, status, total_amount
FROM contracts
WHERE id = $1
FOR UPDATE
`, contractID).Scan(&c.ID, &c.ClientID, &c.WorkerID, &c.Status, &c.TotalAmount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ContractRow{}, fmt.Errorf("payment: contract %s: %w", contractID, fault.ErrNotFound)
		}
		return ContractRow{}, fmt.Errorf("payment: lock contract: %w", err)
	}
	return c, nil
}

func (r *PGRepository) GetTx(ctx context.Context, tx pgx.Tx, id string) (Payment, error) {
	return scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (r *PGRepository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Payment, error) {
	return scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

func (r *PGRepository) GetByMilestoneTx(ctx context.Context, tx pgx.Tx, milestoneID string) (Payment, error) {
	return scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE milestone_id = $1 FOR UPDATE`, milestoneID))
}

func (r *PGRepository) MilestoneTx(ctx context.Context, tx pgx.Tx, milestoneID string) (MilestoneRow, error) {
	var m MilestoneRow
	err := tx.QueryRow(ctx, `
SELECT id, contract_id, seq, status, approved_at
FROM milestones
WHERE id = $1
`, milestoneID).Scan(&m.ID, &m.ContractID, &m.Seq, &m.Status, &m.ApprovedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MilestoneRow{}, fmt.Errorf("payment: milestone %s: %w", milestoneID, fault.ErrNotFound)
		}
		return MilestoneRow{}, fmt.Errorf("payment: load milestone: %w", err)
	}
	return m, nil
}

func (r *PGRepository) InsertTx(ctx context.Context, tx pgx.Tx, p Payment) error {
	const q = `
INSERT INTO payments (id, contract_id, milestone_id, amount, currency, status, escrow_status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	if _, err := tx.Exec(ctx, q, p.ID, p.ContractID, p.MilestoneID, p.Amount, p.Currency, string(p.Status), string(p.EscrowStatus)); err != nil {
		return fmt.Errorf("payment: insert: %w", err)
	}
	return nil
}

func (r *PGRepository) UpdateTx(ctx context.Context, tx pgx.Tx, p Payment, expectedVersion int) (Payment, error) {
	const q = `
UPDATE payments
SET status = $1,
    escrow_status = $2,
    failure_reason = $3,
    version = version + 1,
    updated_at = NOW()
WHERE id = $4 AND version = $5
RETURNING ` + paymentColumns
	updated, err := scanPayment(tx.QueryRow(ctx, q, string(p.Status), string(p.EscrowStatus), p.FailureReason, p.ID, expectedVersion))
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return Payment{}, fmt.Errorf("payment: version check on %s: %w", p.ID, fault.ErrConcurrentModification)
		}
		return Payment{}, err
	}
	return updated, nil
}

func (r *PGRepository) ReleasedSumTx(ctx context.Context, tx pgx.Tx, contractID string) (int64, error) {
	var sum int64
	err := tx.QueryRow(ctx, `
SELECT COALESCE(SUM(amount), 0)
FROM payments
WHERE contract_id = $1 AND escrow_status = 'released'
`, contractID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("payment: released sum: %w", err)
	}
	return sum, nil
}

func (r *PGRepository) ListByContractTx(ctx context.Context, tx pgx.Tx, contractID string) ([]Payment, error) {
	rows, err := tx.Query(ctx, `
SELECT `+paymentColumns+`
FROM payments p
WHERE contract_id = $1
ORDER BY (SELECT seq FROM milestones m WHERE m.id = p.milestone_id)
`, contractID)
	if err != nil {
		return nil, fmt.Errorf("payment: list by contract: %w", err)
	}
	defer rows.Close()

	var ps []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	return ps, rows.Err()
}

// Get reads one payment outside any transaction.
func Get(ctx context.Context, pool *pgxpool.Pool, id string) (Payment, error) {
	return scanPayment(pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// ListByContract reads the contract's payments outside any transaction.
func ListByContract(ctx context.Context, pool *pgxpool.Pool, contractID string) ([]Payment, error) {
	rows, err := pool.Query(ctx, `
SELECT `+paymentColumns+`
FROM payments p
WHERE contract_id = $1
ORDER BY (SELECT seq FROM milestones m WHERE m.id = p.milestone_id)
`, contractID)
	if err != nil {
		return nil, fmt.Errorf("payment: list by contract: %w", err)
	}
	defer rows.Close()

	var ps []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	return ps, rows.Err()
}
