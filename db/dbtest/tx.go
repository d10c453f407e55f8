// Package dbtest provides fake transaction plumbing for service unit tests.
// Repositories are faked per package; these fakes only track begin/commit/
// rollback ordering.
package dbtest

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// FakePool implements db.TxBeginner and records the transactions it hands out.
type FakePool struct {
	Txs []*FakeTx
}

func (f *FakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	tx := &FakeTx{}
	f.Txs = append(f.Txs, tx)
	return tx, nil
}

// LastTx returns the most recently started transaction, or nil.
func (f *FakePool) LastTx() *FakeTx {
	if len(f.Txs) == 0 {
		return nil
	}
	return f.Txs[len(f.Txs)-1]
}

// Committed reports whether any handed-out transaction committed.
func (f *FakePool) Committed() bool {
	for _, tx := range f.Txs {
		if tx.CommitCalled {
			return true
		}
	}
	return false
}

// FakeTx satisfies pgx.Tx for services that only Begin/Commit/Rollback; query
// methods panic because repository fakes intercept all data access.
type FakeTx struct {
	CommitCalled   bool
	RollbackCalled bool
	CommitErr      error
}

func (f *FakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("dbtest: nested transactions unsupported")
}

func (f *FakeTx) Commit(context.Context) error {
	if f.CommitErr != nil {
		return f.CommitErr
	}
	f.CommitCalled = true
	return nil
}

func (f *FakeTx) Rollback(context.Context) error {
	f.RollbackCalled = true
	return nil
}

func (f *FakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("dbtest: not implemented")
}

func (f *FakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("dbtest: not implemented")
}

func (f *FakeTx) LargeObjects() pgx.LargeObjects {
	panic("dbtest: not implemented")
}

func (f *FakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("dbtest: not implemented")
}

func (f *FakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("dbtest: not implemented")
}

func (f *FakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("dbtest: not implemented")
}

func (f *FakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("dbtest: not implemented")
}

func (f *FakeTx) Conn() *pgx.Conn {
	return nil
}
