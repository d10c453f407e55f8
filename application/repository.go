package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"contractflow/fault"
)

// Repository is the ledger's data access surface. The contract coordinator
// reuses it to flip an application to accepted inside its own transaction.
type Repository interface {
	InsertTx(ctx context.Context, tx pgx.Tx, a Application) error
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Application, error)
	SetStatusTx(ctx context.Context, tx pgx.Tx, id string, status Status, responseText *string, expectedVersion int) (Application, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const applicationColumns = `id, job_id, applicant_id, amount, duration_days, cover_text, status, response_text, version, created_at, updated_at`

func scanApplication(row pgx.Row) (Application, error) {
	var (
		a      Application
		status string
	)
	err := row.Scan(&a.ID, &a.JobID, &a.ApplicantID, &a.Amount, &a.DurationDays, &a.CoverText, &status, &a.ResponseText, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, fmt.Errorf("application: %w", fault.ErrNotFound)
		}
		return Application{}, fmt.Errorf("application: scan: %w", err)
	}
	a.Status = Status(status)
	return a, nil
}

func (r *PGRepository) InsertTx(ctx context.Context, tx pgx.Tx, a Application) error {
	const q = `
INSERT INTO applications (id, job_id, applicant_id, amount, duration_days, cover_text, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := tx.Exec(ctx, q, a.ID, a.JobID, a.ApplicantID, a.Amount, a.DurationDays, a.CoverText, string(a.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("application: applicant %s on job %s: %w", a.ApplicantID, a.JobID, fault.ErrDuplicateApplication)
		}
		return fmt.Errorf("application: insert: %w", err)
	}
	return nil
}

func (r *PGRepository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Application, error) {
	return scanApplication(tx.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1 FOR UPDATE`, id))
}

// SetStatusTx flips the application status with an optimistic version check.
// expectedVersion 0 skips the check.
func (r *PGRepository) SetStatusTx(ctx context.Context, tx pgx.Tx, id string, status Status, responseText *string, expectedVersion int) (Application, error) {
	const q = `
UPDATE applications
SET status = $1,
    response_text = COALESCE($2, response_text),
    version = version + 1,
    updated_at = NOW()
WHERE id = $3 AND ($4 = 0 OR version = $4)
RETURNING ` + applicationColumns
	a, err := scanApplication(tx.QueryRow(ctx, q, string(status), responseText, id, expectedVersion))
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) && expectedVersion != 0 {
			return Application{}, fmt.Errorf("application: version check: %w", fault.ErrConcurrentModification)
		}
		return Application{}, err
	}
	return a, nil
}

// ListByJob returns all applications on a job, newest first.
func ListByJob(ctx context.Context, pool *pgxpool.Pool, jobID string) ([]Application, error) {
	rows, err := pool.Query(ctx, `SELECT `+applicationColumns+` FROM applications WHERE job_id = $1 ORDER BY created_at DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("application: list by job: %w", err)
	}
	defer rows.Close()

	apps := []Application{}
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}
