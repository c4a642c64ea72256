package sqlgraph

import (
	"context"
	"fmt"

	"github.com/syssam/tombstone"
	"github.com/syssam/tombstone/dialect"
)

// WithTx runs fn on a transaction of drv and commits it when fn succeeds.
// Any error or panic rolls the transaction back. When drv is already bound
// to a transaction, fn joins it through the Tx of drv: a savepoint for
// client transactions, or the transaction itself. The outer caller keeps
// control of the final commit and rollback.
func WithTx(ctx context.Context, drv dialect.Driver, fn func(tx dialect.Driver) error) (err error) {
	tx, err := drv.Tx(ctx)
	if err != nil {
		return fmt.Errorf("sqlgraph: starting transaction: %w", err)
	}
	defer func() {
		if v := recover(); v != nil {
			_ = tx.Rollback()
			panic(v)
		}
	}()
	if err := fn(dialect.NewTxDriver(tx, drv.Dialect())); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return &tombstone.RollbackError{Err: fmt.Errorf("%w: rolling back transaction: %v", err, rerr)}
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlgraph: committing transaction: %w", err)
	}
	return nil
}
