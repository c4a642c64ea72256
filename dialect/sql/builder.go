package sql

import (
	"strconv"
	"strings"

	"github.com/syssam/tombstone/dialect"
)

// Builder is the base query builder. It holds the statement text, its
// arguments and the dialect used for quoting and placeholders.
type Builder struct {
	sb      strings.Builder
	args    []any
	dialect string
}

// NewBuilder returns a Builder for the given dialect.
func NewBuilder(dialect string) *Builder {
	return &Builder{dialect: dialect}
}

// Dialect returns the dialect of the builder.
func (b *Builder) Dialect() string { return b.dialect }

// WriteString appends raw SQL text.
func (b *Builder) WriteString(s string) *Builder {
	b.sb.WriteString(s)
	return b
}

// Ident appends a quoted identifier.
func (b *Builder) Ident(s string) *Builder {
	b.sb.WriteString(b.Quote(s))
	return b
}

// Quote quotes an identifier for the builder dialect. Identifiers that are
// already quoted or contain a star are returned as is.
func (b *Builder) Quote(ident string) string {
	if ident == "*" || strings.ContainsAny(ident, "`\"(") {
		return ident
	}
	if b.dialect == dialect.MySQL {
		return "`" + ident + "`"
	}
	return strconv.Quote(ident)
}

// Arg appends an argument placeholder and records its value.
func (b *Builder) Arg(v any) *Builder {
	b.args = append(b.args, v)
	if b.dialect == dialect.Postgres {
		b.sb.WriteString("$" + strconv.Itoa(len(b.args)))
	} else {
		b.sb.WriteByte('?')
	}
	return b
}

// Args appends a comma-separated list of placeholders.
func (b *Builder) Args(vs ...any) *Builder {
	for i, v := range vs {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		b.Arg(v)
	}
	return b
}

// Query returns the statement text and its arguments.
func (b *Builder) Query() (string, []any) {
	return b.sb.String(), b.args
}

// DialectBuilder prefixes all root builders with a dialect.
type DialectBuilder struct {
	dialect string
}

// Dialect creates a new DialectBuilder with the given dialect name.
func Dialect(name string) *DialectBuilder {
	return &DialectBuilder{dialect: name}
}

// Select returns a Selector for the given columns.
func (d *DialectBuilder) Select(columns ...string) *Selector {
	return &Selector{dialect: d.dialect, columns: columns}
}

// Update returns an UpdateBuilder for the given table.
func (d *DialectBuilder) Update(table string) *UpdateBuilder {
	return &UpdateBuilder{dialect: d.dialect, table: table}
}

// Insert returns an InsertBuilder for the given table.
func (d *DialectBuilder) Insert(table string) *InsertBuilder {
	return &InsertBuilder{dialect: d.dialect, table: table}
}

// Delete returns a DeleteBuilder for the given table.
func (d *DialectBuilder) Delete(table string) *DeleteBuilder {
	return &DeleteBuilder{dialect: d.dialect, table: table}
}

// OrderTerm is a single ORDER BY term.
type OrderTerm struct {
	Column string
	Desc   bool
}

// Asc returns an ascending order term.
func Asc(column string) OrderTerm { return OrderTerm{Column: column} }

// Desc returns a descending order term.
func Desc(column string) OrderTerm { return OrderTerm{Column: column, Desc: true} }

// AggregateFunc is an aggregate expression in a SELECT list.
type AggregateFunc struct {
	// Fn is the SQL function name: COUNT, SUM, AVG, MIN or MAX.
	Fn string
	// Column is the aggregated column. Empty means "*" and is only valid for COUNT.
	Column string
	// As is the result column name.
	As string
}

// Count returns a COUNT(*) aggregate named "count".
func Count() AggregateFunc { return AggregateFunc{Fn: "COUNT", As: "count"} }

// Sum returns a SUM aggregate named "sum_<column>".
func Sum(column string) AggregateFunc {
	return AggregateFunc{Fn: "SUM", Column: column, As: "sum_" + column}
}

// Avg returns an AVG aggregate named "avg_<column>".
func Avg(column string) AggregateFunc {
	return AggregateFunc{Fn: "AVG", Column: column, As: "avg_" + column}
}

// Min returns a MIN aggregate named "min_<column>".
func Min(column string) AggregateFunc {
	return AggregateFunc{Fn: "MIN", Column: column, As: "min_" + column}
}

// Max returns a MAX aggregate named "max_<column>".
func Max(column string) AggregateFunc {
	return AggregateFunc{Fn: "MAX", Column: column, As: "max_" + column}
}

// Selector is a builder for the SELECT statement.
type Selector struct {
	dialect    string
	table      string
	columns    []string
	aggregates []AggregateFunc
	where      *Predicate
	groupBy    []string
	order      []OrderTerm
	limit      int
	offset     int
	forUpdate  bool
}

// From sets the source table of the selector.
func (s *Selector) From(table string) *Selector {
	s.table = table
	return s
}

// Table returns the source table.
func (s *Selector) Table() string { return s.table }

// Where appends a predicate. Multiple predicates are joined with AND.
func (s *Selector) Where(p *Predicate) *Selector {
	s.where = And(s.where, p)
	return s
}

// Aggregate adds aggregate expressions to the SELECT list.
func (s *Selector) Aggregate(fns ...AggregateFunc) *Selector {
	s.aggregates = append(s.aggregates, fns...)
	return s
}

// GroupBy adds GROUP BY columns. Grouped columns are also selected.
func (s *Selector) GroupBy(columns ...string) *Selector {
	s.groupBy = append(s.groupBy, columns...)
	return s
}

// OrderBy appends ORDER BY terms.
func (s *Selector) OrderBy(terms ...OrderTerm) *Selector {
	s.order = append(s.order, terms...)
	return s
}

// Limit sets the LIMIT clause. Zero means no limit.
func (s *Selector) Limit(n int) *Selector {
	s.limit = n
	return s
}

// Offset sets the OFFSET clause.
func (s *Selector) Offset(n int) *Selector {
	s.offset = n
	return s
}

// ForUpdate locks the selected rows for the rest of the transaction.
// It is a no-op on SQLite, which locks the whole database on write.
func (s *Selector) ForUpdate() *Selector {
	s.forUpdate = true
	return s
}

// Query returns the statement text and its arguments.
func (s *Selector) Query() (string, []any) {
	b := NewBuilder(s.dialect)
	b.WriteString("SELECT ")
	var n int
	sep := func() {
		if n > 0 {
			b.WriteString(", ")
		}
		n++
	}
	for _, c := range s.groupBy {
		sep()
		b.Ident(c)
	}
	for _, c := range s.columns {
		sep()
		b.Ident(c)
	}
	for _, fn := range s.aggregates {
		sep()
		b.WriteString(fn.Fn + "(")
		if fn.Column == "" {
			b.WriteString("*")
		} else {
			b.Ident(fn.Column)
		}
		b.WriteString(") AS ").Ident(fn.As)
	}
	if n == 0 {
		b.WriteString("*")
	}
	b.WriteString(" FROM ").Ident(s.table)
	if s.where != nil {
		b.WriteString(" WHERE ")
		s.where.build(b)
	}
	if len(s.groupBy) > 0 {
		b.WriteString(" GROUP BY ")
		for i, c := range s.groupBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.Ident(c)
		}
	}
	if len(s.order) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range s.order {
			if i > 0 {
				b.WriteString(", ")
			}
			b.Ident(o.Column)
			if o.Desc {
				b.WriteString(" DESC")
			}
		}
	}
	switch {
	case s.limit > 0:
		b.WriteString(" LIMIT " + strconv.Itoa(s.limit))
	case s.offset > 0 && s.dialect == dialect.MySQL:
		// MySQL and SQLite do not accept OFFSET without LIMIT.
		b.WriteString(" LIMIT 18446744073709551615")
	case s.offset > 0 && s.dialect == dialect.SQLite:
		b.WriteString(" LIMIT -1")
	}
	if s.offset > 0 {
		b.WriteString(" OFFSET " + strconv.Itoa(s.offset))
	}
	if s.forUpdate && s.dialect != dialect.SQLite {
		b.WriteString(" FOR UPDATE")
	}
	return b.Query()
}

// UpdateBuilder is a builder for the UPDATE statement.
type UpdateBuilder struct {
	dialect string
	table   string
	columns []string
	values  []any
	where   *Predicate
}

// Set sets a column to a value. Setting the same column twice keeps the last value.
func (u *UpdateBuilder) Set(column string, v any) *UpdateBuilder {
	for i, c := range u.columns {
		if c == column {
			u.values[i] = v
			return u
		}
	}
	u.columns = append(u.columns, column)
	u.values = append(u.values, v)
	return u
}

// Where appends a predicate. Multiple predicates are joined with AND.
func (u *UpdateBuilder) Where(p *Predicate) *UpdateBuilder {
	u.where = And(u.where, p)
	return u
}

// Empty reports whether the update has no columns to set.
func (u *UpdateBuilder) Empty() bool { return len(u.columns) == 0 }

// Query returns the statement text and its arguments.
func (u *UpdateBuilder) Query() (string, []any) {
	b := NewBuilder(u.dialect)
	b.WriteString("UPDATE ").Ident(u.table).WriteString(" SET ")
	for i, c := range u.columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Ident(c).WriteString(" = ").Arg(u.values[i])
	}
	if u.where != nil {
		b.WriteString(" WHERE ")
		u.where.build(b)
	}
	return b.Query()
}

// InsertBuilder is a builder for the INSERT statement.
type InsertBuilder struct {
	dialect   string
	table     string
	columns   []string
	values    [][]any
	returning bool
}

// Columns sets the inserted columns.
func (i *InsertBuilder) Columns(columns ...string) *InsertBuilder {
	i.columns = append(i.columns, columns...)
	return i
}

// Values appends a row of values. The values must follow the column order.
func (i *InsertBuilder) Values(values ...any) *InsertBuilder {
	i.values = append(i.values, values)
	return i
}

// Returning requests the inserted rows back (RETURNING *). It is ignored
// on MySQL, which has no RETURNING clause.
func (i *InsertBuilder) Returning() *InsertBuilder {
	i.returning = i.dialect != dialect.MySQL
	return i
}

// Query returns the statement text and its arguments.
func (i *InsertBuilder) Query() (string, []any) {
	b := NewBuilder(i.dialect)
	b.WriteString("INSERT INTO ").Ident(i.table)
	if len(i.columns) == 0 {
		if i.dialect == dialect.MySQL {
			b.WriteString(" () VALUES ()")
		} else {
			b.WriteString(" DEFAULT VALUES")
		}
	} else {
		b.WriteString(" (")
		for j, c := range i.columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.Ident(c)
		}
		b.WriteString(") VALUES ")
		for j, row := range i.values {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(").Args(row...).WriteString(")")
		}
	}
	if i.returning {
		b.WriteString(" RETURNING *")
	}
	return b.Query()
}

// DeleteBuilder is a builder for the DELETE statement.
type DeleteBuilder struct {
	dialect string
	table   string
	where   *Predicate
}

// Where appends a predicate. Multiple predicates are joined with AND.
func (d *DeleteBuilder) Where(p *Predicate) *DeleteBuilder {
	d.where = And(d.where, p)
	return d
}

// Query returns the statement text and its arguments.
func (d *DeleteBuilder) Query() (string, []any) {
	b := NewBuilder(d.dialect)
	b.WriteString("DELETE FROM ").Ident(d.table)
	if d.where != nil {
		b.WriteString(" WHERE ")
		d.where.build(b)
	}
	return b.Query()
}
