package db

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool so services can be exercised with fakes.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
