// Package sqlgraph executes row-level CRUD specs against a dialect.Driver.
// It is the storage collaborator used by the cascade executor, the audit
// writer and the client: every statement the engine issues is built here.
package sqlgraph

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/syssam/tombstone"
	"github.com/syssam/tombstone/dialect"
	"github.com/syssam/tombstone/dialect/sql"
)

// QuerySpec holds the information for querying rows of a table.
type QuerySpec struct {
	Table      string
	Columns    []string
	Predicate  *sql.Predicate
	Order      []sql.OrderTerm
	Limit      int
	Offset     int
	ForUpdate  bool
	GroupBy    []string
	Aggregates []sql.AggregateFunc
}

func (q *QuerySpec) selector(d string) *sql.Selector {
	s := sql.Dialect(d).Select(q.Columns...).
		From(q.Table).
		Where(q.Predicate).
		OrderBy(q.Order...).
		Limit(q.Limit).
		Offset(q.Offset)
	if len(q.GroupBy) > 0 {
		s.GroupBy(q.GroupBy...)
	}
	if len(q.Aggregates) > 0 {
		s.Aggregate(q.Aggregates...)
	}
	if q.ForUpdate {
		s.ForUpdate()
	}
	return s
}

// QueryNodes returns the rows matching the spec.
func QueryNodes(ctx context.Context, drv dialect.Driver, spec *QuerySpec) ([]sql.Record, error) {
	query, args := spec.selector(drv.Dialect()).Query()
	return queryRecords(ctx, drv, query, args)
}

// CountNodes returns the number of rows matching the spec predicate.
func CountNodes(ctx context.Context, drv dialect.Driver, spec *QuerySpec) (int, error) {
	count := &QuerySpec{
		Table:      spec.Table,
		Predicate:  spec.Predicate,
		Aggregates: []sql.AggregateFunc{sql.Count()},
	}
	records, err := QueryNodes(ctx, drv, count)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return ToInt(records[0]["count"])
}

// CreateSpec holds the information for inserting rows into a table.
type CreateSpec struct {
	Table string
	// Key lists the primary key columns. On MySQL a missing single-column
	// key is filled from LastInsertId before the row is read back.
	Key  []string
	Rows []sql.Record
}

// CreateNodes inserts the rows of the spec and returns them as stored,
// including storage-assigned defaults.
func CreateNodes(ctx context.Context, drv dialect.Driver, spec *CreateSpec) ([]sql.Record, error) {
	created := make([]sql.Record, 0, len(spec.Rows))
	for _, row := range spec.Rows {
		r, err := createNode(ctx, drv, spec, row)
		if err != nil {
			return nil, err
		}
		created = append(created, r)
	}
	return created, nil
}

func createNode(ctx context.Context, drv dialect.Driver, spec *CreateSpec, row sql.Record) (sql.Record, error) {
	columns := sortedKeys(row)
	insert := sql.Dialect(drv.Dialect()).Insert(spec.Table).
		Columns(columns...).
		Returning()
	if len(columns) > 0 {
		insert.Values(row.Values(columns)...)
	}
	query, args := insert.Query()
	if drv.Dialect() != dialect.MySQL {
		records, err := queryRecords(ctx, drv, query, args)
		if err != nil {
			return nil, wrapConstraint(err)
		}
		if len(records) != 1 {
			return nil, fmt.Errorf("sqlgraph: insert into %s returned %d rows", spec.Table, len(records))
		}
		return records[0], nil
	}
	var res sql.Result
	if err := drv.Exec(ctx, query, args, &res); err != nil {
		return nil, wrapConstraint(err)
	}
	key := row.Clone()
	if len(spec.Key) == 1 && key[spec.Key[0]] == nil {
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("sqlgraph: last insert id: %w", err)
		}
		key[spec.Key[0]] = id
	}
	records, err := QueryNodes(ctx, drv, &QuerySpec{
		Table:     spec.Table,
		Predicate: sql.FieldsEQ(spec.Key, key.Values(spec.Key)),
	})
	if err != nil {
		return nil, err
	}
	if len(records) != 1 {
		return nil, fmt.Errorf("sqlgraph: read back %s: %d rows", spec.Table, len(records))
	}
	return records[0], nil
}

// InsertNode inserts one row without reading it back.
func InsertNode(ctx context.Context, drv dialect.Driver, table string, row sql.Record) error {
	columns := sortedKeys(row)
	query, args := sql.Dialect(drv.Dialect()).Insert(table).
		Columns(columns...).
		Values(row.Values(columns)...).
		Query()
	return wrapConstraint(drv.Exec(ctx, query, args, nil))
}

// UpdateSpec holds the information for updating rows of a table.
type UpdateSpec struct {
	Table     string
	Set       sql.Record
	Predicate *sql.Predicate
}

// UpdateNodes applies the spec and returns the number of affected rows.
func UpdateNodes(ctx context.Context, drv dialect.Driver, spec *UpdateSpec) (int, error) {
	if len(spec.Set) == 0 {
		return 0, nil
	}
	update := sql.Dialect(drv.Dialect()).Update(spec.Table).Where(spec.Predicate)
	for _, c := range sortedKeys(spec.Set) {
		update.Set(c, spec.Set[c])
	}
	query, args := update.Query()
	return execAffected(ctx, drv, query, args)
}

// DeleteSpec holds the information for deleting rows of a table.
type DeleteSpec struct {
	Table     string
	Predicate *sql.Predicate
}

// DeleteNodes physically deletes the matching rows and returns their number.
func DeleteNodes(ctx context.Context, drv dialect.Driver, spec *DeleteSpec) (int, error) {
	query, args := sql.Dialect(drv.Dialect()).Delete(spec.Table).Where(spec.Predicate).Query()
	return execAffected(ctx, drv, query, args)
}

func execAffected(ctx context.Context, drv dialect.Driver, query string, args []any) (int, error) {
	var res sql.Result
	if err := drv.Exec(ctx, query, args, &res); err != nil {
		return 0, wrapConstraint(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlgraph: rows affected: %w", err)
	}
	return int(n), nil
}

func queryRecords(ctx context.Context, drv dialect.Driver, query string, args []any) ([]sql.Record, error) {
	rows := &sql.Rows{}
	if err := drv.Query(ctx, query, args, rows); err != nil {
		return nil, err
	}
	return sql.ScanRecords(rows)
}

// KeyPredicate returns a predicate matching the given rows by key columns:
// IN for a single column and an OR of conjunctions otherwise.
func KeyPredicate(key []string, rows []sql.Record) *sql.Predicate {
	if len(rows) == 0 {
		return sql.False()
	}
	if len(key) == 1 {
		vs := make([]any, len(rows))
		for i, r := range rows {
			vs[i] = r[key[0]]
		}
		return sql.In(key[0], vs...)
	}
	ps := make([]*sql.Predicate, len(rows))
	for i, r := range rows {
		ps[i] = sql.FieldsEQ(key, r.Values(key))
	}
	return sql.Or(ps...)
}

// ToInt converts a scanned numeric value to int.
func ToInt(v any) (int, error) {
	switch v := v.(type) {
	case int64:
		return int(v), nil
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		return strconv.Atoi(v)
	case []byte:
		return strconv.Atoi(string(v))
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("sqlgraph: unexpected numeric type %T", v)
}

func sortedKeys(r sql.Record) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// NotFound returns a tombstone.NotFoundError for the given table and key.
func NotFound(label string, key any) error {
	if key == nil {
		return tombstone.NewNotFoundError(label)
	}
	return tombstone.NewNotFoundErrorWithID(label, key)
}
