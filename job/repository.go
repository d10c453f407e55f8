package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"contractflow/fault"
)

// Repository is the data access surface consumed by this package's service and
// by the contract coordinator.
type Repository interface {
	InsertTx(ctx context.Context, tx pgx.Tx, p Posting) error
	GetTx(ctx context.Context, tx pgx.Tx, id string) (Posting, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Posting, error)
	SetStatusTx(ctx context.Context, tx pgx.Tx, id string, status Status) error
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const postingColumns = `id, client_id, title, description, budget_min, budget_max, skill_tags, status, version, created_at, updated_at`

func scanPosting(row pgx.Row) (Posting, error) {
	var (
		p      Posting
		status string
	)
	err := row.Scan(&p.ID, &p.ClientID, &p.Title, &p.Description, &p.BudgetMin, &p.BudgetMax, &p.SkillTags, &status, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Posting{}, fmt.Errorf("job: %w", fault.ErrNotFound)
		}
		return Posting{}, fmt.Errorf("job: scan posting: %w", err)
	}
	p.Status = Status(status)
	return p, nil
}

func (r *PGRepository) InsertTx(ctx context.Context, tx pgx.Tx, p Posting) error {
	const q = `
INSERT INTO jobs (id, client_id, title, description, budget_min, budget_max, skill_tags, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	if _, err := tx.Exec(ctx, q, p.ID, p.ClientID, p.Title, p.Description, p.BudgetMin, p.BudgetMax, p.SkillTags, string(p.Status)); err != nil {
		return fmt.Errorf("job: insert posting: %w", err)
	}
	return nil
}

func (r *PGRepository) GetTx(ctx context.Context, tx pgx.Tx, id string) (Posting, error) {
	return scanPosting(tx.QueryRow(ctx, `SELECT `+postingColumns+` FROM jobs WHERE id = $1`, id))
}

func (r *PGRepository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Posting, error) {
	return scanPosting(tx.QueryRow(ctx, `SELECT `+postingColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
}

func (r *PGRepository) SetStatusTx(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	tag, err := tx.Exec(ctx, `UPDATE jobs SET status = $1, version = version + 1, updated_at = NOW() WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("job: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job: set status: %w", fault.ErrNotFound)
	}
	return nil
}

// Get loads a posting outside any transaction.
func Get(ctx context.Context, pool *pgxpool.Pool, id string) (Posting, error) {
	return scanPosting(pool.QueryRow(ctx, `SELECT `+postingColumns+` FROM jobs WHERE id = $1`, id))
}

// ListByClient returns the client's postings, newest first.
func ListByClient(ctx context.Context, pool *pgxpool.Pool, clientID string) ([]Posting, error) {
	rows, err := pool.Query(ctx, `SELECT `+postingColumns+` FROM jobs WHERE client_id = $1 ORDER BY created_at DESC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("job: list postings: %w", err)
	}
	defer rows.Close()

	postings := []Posting{}
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		postings = append(postings, p)
	}
	return postings, rows.Err()
}
