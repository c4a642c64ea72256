// Package dialect defines the storage abstraction the soft-delete engine
// runs on.
//
// The engine never talks to database/sql directly. Every read and write goes
// through the ExecQuerier interface, and every top-level operation runs on a
// Tx obtained from a Driver:
//
//	type Driver interface {
//	    Exec(ctx context.Context, query string, args, v any) error
//	    Query(ctx context.Context, query string, args, v any) error
//	    Tx(ctx context.Context) (Tx, error)
//	    Close() error
//	    Dialect() string
//	}
//
// # Supported Dialects
//
//	dialect.Postgres = "postgres"
//	dialect.MySQL    = "mysql"
//	dialect.SQLite   = "sqlite"
//
// # Nested Transactions
//
// A Driver that is already bound to a transaction returns NopTx from its Tx
// method, so a cascade started inside a transaction-scoped client joins the
// outer transaction instead of opening a new one.
//
// # Sub-packages
//
//   - dialect/sql: database/sql driver, SQL statement builder and row scanning
//   - dialect/sql/sqlgraph: CRUD specs executed against an ExecQuerier and
//     driver error classification
package dialect
