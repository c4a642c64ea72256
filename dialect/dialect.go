package dialect

import (
	"context"
	"database/sql/driver"
)

// Dialect names for external usage.
const (
	MySQL    = "mysql"
	SQLite   = "sqlite"
	Postgres = "postgres"
)

// ExecQuerier wraps the 2 database operations.
type ExecQuerier interface {
	// Exec executes a query that does not return records. For example, in SQL, INSERT or UPDATE.
	// It scans the result into the pointer v. For SQL drivers, it is dialect/sql.Result.
	Exec(ctx context.Context, query string, args, v any) error
	// Query executes a query that returns rows, typically a SELECT in SQL.
	// It scans the result into the pointer v. For SQL drivers, it is *dialect/sql.Rows.
	Query(ctx context.Context, query string, args, v any) error
}

// Driver is the interface that wraps all necessary operations for storage clients.
type Driver interface {
	ExecQuerier
	// Tx starts and returns a new transaction.
	// The provided context is used until the transaction is committed or rolled back.
	Tx(context.Context) (Tx, error)
	// Close closes the underlying connection.
	Close() error
	// Dialect returns the dialect name of the driver.
	Dialect() string
}

// Tx wraps the Exec and Query operations in transaction.
type Tx interface {
	ExecQuerier
	driver.Tx
}

type nopTx struct {
	Driver
}

func (nopTx) Commit() error   { return nil }
func (nopTx) Rollback() error { return nil }

// NopTx returns a Tx with a no-op Commit / Rollback methods wrapping
// the given Driver. Operations that open their own transaction use it to
// join a transaction that is already in progress.
func NopTx(d Driver) Tx {
	return nopTx{d}
}

// Savepoint sets a savepoint named name in the transaction drv is bound
// to. Committing the returned Tx releases the savepoint; rolling it back
// undoes the statements executed since it was set and keeps the enclosing
// transaction usable.
func Savepoint(ctx context.Context, drv Driver, name string) (Tx, error) {
	if err := drv.Exec(ctx, "SAVEPOINT "+name, []any{}, nil); err != nil {
		return nil, err
	}
	return &savepoint{Driver: drv, ctx: ctx, name: name}, nil
}

type savepoint struct {
	Driver
	ctx  context.Context
	name string
}

func (s *savepoint) Commit() error {
	return s.Exec(s.ctx, "RELEASE SAVEPOINT "+s.name, []any{}, nil)
}

func (s *savepoint) Rollback() error {
	if err := s.Exec(s.ctx, "ROLLBACK TO SAVEPOINT "+s.name, []any{}, nil); err != nil {
		return err
	}
	return s.Exec(s.ctx, "RELEASE SAVEPOINT "+s.name, []any{}, nil)
}

// TxDriver is a Driver bound to a single transaction. Its Tx method joins
// the bound transaction and Close is a no-op; Commit and Rollback end it.
type TxDriver struct {
	tx      Tx
	dialect string
}

// NewTxDriver binds tx to a Driver of the given dialect.
func NewTxDriver(tx Tx, dialect string) *TxDriver {
	return &TxDriver{tx: tx, dialect: dialect}
}

// Exec calls Exec on the bound transaction.
func (d *TxDriver) Exec(ctx context.Context, query string, args, v any) error {
	return d.tx.Exec(ctx, query, args, v)
}

// Query calls Query on the bound transaction.
func (d *TxDriver) Query(ctx context.Context, query string, args, v any) error {
	return d.tx.Query(ctx, query, args, v)
}

// Tx returns a no-op Tx over the bound transaction.
func (d *TxDriver) Tx(context.Context) (Tx, error) { return NopTx(d), nil }

// Close is a no-op. Use Commit or Rollback to end the transaction.
func (*TxDriver) Close() error { return nil }

// Dialect returns the dialect name of the driver.
func (d *TxDriver) Dialect() string { return d.dialect }

// Commit commits the bound transaction.
func (d *TxDriver) Commit() error { return d.tx.Commit() }

// Rollback rolls back the bound transaction.
func (d *TxDriver) Rollback() error { return d.tx.Rollback() }

var _ Driver = (*TxDriver)(nil)
