// Package sql provides the SQL statement builders, predicates and
// database/sql driver the soft-delete engine runs on.
//
// # Builder Types
//
//   - Builder: low-level SQL string builder with identifier quoting
//   - Selector: SELECT builder with aggregates, grouping, ordering and paging
//   - InsertBuilder: INSERT builder with RETURNING support
//   - UpdateBuilder: UPDATE builder with SET and WHERE clauses
//   - DeleteBuilder: DELETE builder with WHERE predicates
//
// # Dialect Support
//
// Identifier quoting and placeholders follow the dialect:
//
//	// PostgreSQL: SELECT "id" FROM "users" WHERE "deleted_at" IS NULL AND "id" = $1
//	sql.Dialect(dialect.Postgres).Select("id").From("users").
//	    Where(sql.And(sql.IsNull("deleted_at"), sql.EQ("id", 1)))
//
//	// MySQL: UPDATE `posts` SET `deleted_at` = ? WHERE `author_id` IN (?, ?)
//	sql.Dialect(dialect.MySQL).Update("posts").
//	    Set("deleted_at", marker).
//	    Where(sql.In("author_id", 1, 2))
//
// # Predicates
//
// Predicates are dialect-independent until rendered:
//
//	sql.EQ("email", "a@x.com")              // "email" = $1
//	sql.FieldsEQ([]string{"a", "b"}, vals)  // "a" = $1 AND "b" = $2
//	sql.IsNull("deleted_at")                // "deleted_at" IS NULL
//	sql.In("id", 1, 2, 3)                   // "id" IN ($1, $2, $3)
//	sql.False()                             // FALSE
//
// And and Or combine predicates and drop nil operands, so optional
// filters compose without special cases.
//
// # Records
//
// Rows are read and written as Record values, maps from column name to
// value. ScanRecords reads a result set into records.
//
// # Drivers
//
// Driver wraps a *sql.DB. DebugDriver logs every statement and
// StatsDriver counts statements and logs slow ones, both through zap.
package sql
