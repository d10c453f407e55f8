package milestone

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"contractflow/fault"
)

// Repository is the engine's data access surface. The contract coordinator
// reuses it to seed milestone schedules inside its own transaction.
type Repository interface {
	ContractForUpdateTx(ctx context.Context, tx pgx.Tx, contractID string) (ContractRow, error)
	GetTx(ctx context.Context, tx pgx.Tx, id string) (Milestone, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Milestone, error)
	ListByContractTx(ctx context.Context, tx pgx.Tx, contractID string) ([]Milestone, error)
	InsertTx(ctx context.Context, tx pgx.Tx, m Milestone) error
	UpdateTx(ctx context.Context, tx pgx.Tx, m Milestone, expectedVersion int) (Milestone, error)
	InsertDeliverableTx(ctx context.Context, tx pgx.Tx, d Deliverable) error
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const milestoneColumns = `id, contract_id, seq, title, description, amount, status, started_at, completed_at, approved_at, feedback, rating, version, created_at, updated_at`

func scanMilestone(row pgx.Row) (Milestone, error) {
	var (
		m      Milestone
		status string
	)
	err := row.Scan(&m.ID, &m.ContractID, &m.Seq, &m.Title, &m.Description, &m.Amount, &status,
		&m.StartedAt, &m.CompletedAt, &m.ApprovedAt, &m.Feedback, &m.Rating, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, fmt.Errorf("milestone: %w", fault.ErrNotFound)
		}
		return Milestone{}, fmt.Errorf("milestone: scan: %w", err)
	}
	m.Status = Status(status)
	return m, nil
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
			return ContractRow{}, fmt.Errorf("milestone: contract %s: %w", contractID, fault.ErrNotFound)
		}
		return ContractRow{}, fmt.Errorf("milestone: lock contract: %w", err)
	}
	return c, nil
}

func (r *PGRepository) GetTx(ctx context.Context, tx pgx.Tx, id string) (Milestone, error) {
	return scanMilestone(tx.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id))
}

func (r *PGRepository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Milestone, error) {
	return scanMilestone(tx.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1 FOR UPDATE`, id))
}

func (r *PGRepository) ListByContractTx(ctx context.Context, tx pgx.Tx, contractID string) ([]Milestone, error) {
	rows, err := tx.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE contract_id = $1 ORDER BY seq`, contractID)
	if err != nil {
		return nil, fmt.Errorf("milestone: list by contract: %w", err)
	}
	defer rows.Close()

	var ms []Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return ms, rows.Err()
}

func (r *PGRepository) InsertTx(ctx context.Context, tx pgx.Tx, m Milestone) error {
	const q = `
INSERT INTO milestones (id, contract_id, seq, title, description, amount, status, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	if _, err := tx.Exec(ctx, q, m.ID, m.ContractID, m.Seq, m.Title, m.Description, m.Amount, string(m.Status), m.StartedAt); err != nil {
		return fmt.Errorf("milestone: insert: %w", err)
	}
	return nil
}

// UpdateTx writes the milestone's mutable fields guarded by a version check.
func (r *PGRepository) UpdateTx(ctx context.Context, tx pgx.Tx, m Milestone, expectedVersion int) (Milestone, error) {
	const q = `
UPDATE milestones
SET status = $1,
    started_at = $2,
    completed_at = $3,
    approved_at = $4,
    feedback = $5,
    rating = $6,
    version = version + 1,
    updated_at = NOW()
WHERE id = $7 AND version = $8
RETURNING ` + milestoneColumns
	updated, err := scanMilestone(tx.QueryRow(ctx, q,
		string(m.Status), m.StartedAt, m.CompletedAt, m.ApprovedAt, m.Feedback, m.Rating, m.ID, expectedVersion))
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return Milestone{}, fmt.Errorf("milestone: version check on %s: %w", m.ID, fault.ErrConcurrentModification)
		}
		return Milestone{}, err
	}
	return updated, nil
}

func (r *PGRepository) InsertDeliverableTx(ctx context.Context, tx pgx.Tx, d Deliverable) error {
	const q = `
INSERT INTO deliverables (id, milestone_id, name, storage_ref, uploader_id, uploaded_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
	if _, err := tx.Exec(ctx, q, d.ID, d.MilestoneID, d.Name, d.StorageRef, d.UploaderID, d.UploadedAt); err != nil {
		return fmt.Errorf("milestone: insert deliverable: %w", err)
	}
	return nil
}

// ListByContract reads the contract's milestones outside any transaction.
func ListByContract(ctx context.Context, pool *pgxpool.Pool, contractID string) ([]Milestone, error) {
	rows, err := pool.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE contract_id = $1 ORDER BY seq`, contractID)
	if err != nil {
		return nil, fmt.Errorf("milestone: list by contract: %w", err)
	}
	defer rows.Close()

	var ms []Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return ms, rows.Err()
}

// ListDeliverables reads a milestone's deliverables, oldest first.
func ListDeliverables(ctx context.Context, pool *pgxpool.Pool, milestoneID string) ([]Deliverable, error) {
	rows, err := pool.Query(ctx, `
SELECT id, milestone_id, name, storage_ref, uploader_id, uploaded_at
FROM deliverables
WHERE milestone_id = $1
ORDER BY uploaded_at
`, milestoneID)
	if err != nil {
		return nil, fmt.Errorf("milestone: list deliverables: %w", err)
	}
	defer rows.Close()

	var ds []Deliverable
	for rows.Next() {
		var d Deliverable
		if err := rows.Scan(&d.ID, &d.MilestoneID, &d.Name, &d.StorageRef, &d.UploaderID, &d.UploadedAt); err != nil {
			return nil, fmt.Errorf("milestone: scan deliverable: %w", err)
		}
		ds = append(ds, d)
	}
	return ds, rows.Err()
}
