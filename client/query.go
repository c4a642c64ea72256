package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/syssam/tombstone"
	"github.com/syssam/tombstone/dialect/sql"
	"github.com/syssam/tombstone/dialect/sql/sqlgraph"
	"github.com/syssam/tombstone/privacy"
)

// Query is the builder for reading rows of an entity through the view of
// its client.
type Query struct {
	client *EntityClient
	preds  []*sql.Predicate
	order  []sql.OrderTerm
	limit  int
	offset int
	withs  []*with
}

type with struct {
	relation  string
	configure []func(*Query)
}

// Where adds predicates to the query. They are joined with AND.
func (q *Query) Where(ps ...*sql.Predicate) *Query {
	q.preds = append(q.preds, ps...)
	return q
}

// Order adds order terms to the query.
func (q *Query) Order(terms ...sql.OrderTerm) *Query {
	q.order = append(q.order, terms...)
	return q
}

// Limit limits the number of rows returned.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Offset skips the first n rows.
func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// With loads the rows related through the named relation of the entity
// into each result row, under the relation name: a record (or nil) for a
// relation to one row and a slice of records for a Many relation. Related
// rows are read through the same view as the query and can be further
// configured, including nested With calls.
func (q *Query) With(relation string, configure ...func(*Query)) *Query {
	q.withs = append(q.withs, &with{relation: relation, configure: configure})
	return q
}

func (q *Query) spec() *sqlgraph.QuerySpec {
	return &sqlgraph.QuerySpec{
		Table:     q.client.entity.Table,
		Predicate: q.client.where(sql.And(q.preds...)),
		Order:     q.order,
		Limit:     q.limit,
		Offset:    q.offset,
	}
}

// All returns the rows matching the query.
func (q *Query) All(ctx context.Context) ([]sql.Record, error) {
	if err := q.client.eval(ctx, privacy.OpQuery, nil); err != nil {
		return nil, err
	}
	rows, err := sqlgraph.QueryNodes(ctx, q.client.client.driver, q.spec())
	if err != nil {
		return nil, err
	}
	for _, w := range q.withs {
		if err := q.load(ctx, rows, w); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// First returns the first row matching the query, or a NotFoundError.
func (q *Query) First(ctx context.Context) (sql.Record, error) {
	rows, err := q.Limit(1).All(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, tombstone.NewNotFoundError(q.client.entity.Name)
	}
	return rows[0], nil
}

// Exist reports if any row matches the query.
func (q *Query) Exist(ctx context.Context) (bool, error) {
	n, err := q.Count(ctx)
	return n > 0, err
}

// Count returns the number of rows matching the query.
func (q *Query) Count(ctx context.Context) (int, error) {
	if err := q.client.eval(ctx, privacy.OpQuery, nil); err != nil {
		return 0, err
	}
	return sqlgraph.CountNodes(ctx, q.client.client.driver, q.spec())
}

// Aggregate computes the aggregates over the rows matching the query and
// returns them keyed by their names.
func (q *Query) Aggregate(ctx context.Context, fns ...sql.AggregateFunc) (sql.Record, error) {
	if err := q.client.eval(ctx, privacy.OpQuery, nil); err != nil {
		return nil, err
	}
	spec := q.spec()
	spec.Aggregates = fns
	spec.Order, spec.Limit, spec.Offset = nil, 0, 0
	rows, err := sqlgraph.QueryNodes(ctx, q.client.client.driver, spec)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return sql.Record{}, nil
	}
	return rows[0], nil
}

// GroupBy groups the rows matching the query by fields and computes the
// aggregates of each group. Each returned record holds the group fields
// and the aggregates.
func (q *Query) GroupBy(ctx context.Context, fields []string, fns ...sql.AggregateFunc) ([]sql.Record, error) {
	if len(fields) == 0 {
		return nil, tombstone.NewValidationErrorf(q.client.entity.Name, "group by: no fields")
	}
	if err := q.client.eval(ctx, privacy.OpQuery, nil); err != nil {
		return nil, err
	}
	spec := q.spec()
	spec.GroupBy = fields
	spec.Aggregates = fns
	return sqlgraph.QueryNodes(ctx, q.client.client.driver, spec)
}

// load reads the rows related to rows through w and attaches them.
func (q *Query) load(ctx context.Context, rows []sql.Record, w *with) error {
	e := q.client.entity
	rel, ok := e.Def.Relation(w.relation)
	if !ok {
		return tombstone.NewValidationErrorf(e.Name, "unknown relation %q", w.relation)
	}
	target, ok := q.client.client.graph.Lookup(rel.Target)
	if !ok {
		return tombstone.NewValidationErrorf(e.Name, "relation %q: unknown target %q", rel.Name, rel.Target)
	}
	// local fields are read from rows and matched against remote fields of
	// the target rows.
	local, remote := rel.Fields, rel.References
	if rel.Many {
		inv, ok := target.Def.Relation(rel.Inverse)
		if !ok {
			return tombstone.NewValidationErrorf(e.Name, "relation %q: %s has no relation back to %s", rel.Name, target.Name, e.Name)
		}
		local, remote = inv.References, inv.Fields
	}
	refs := make([]sql.Record, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		ref := make(sql.Record, len(remote))
		complete := true
		for i, f := range local {
			if r[f] == nil {
				complete = false
				break
			}
			ref[remote[i]] = r[f]
		}
		if !complete {
			continue
		}
		k := tuple(remote, ref)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		refs = append(refs, ref)
	}
	groups := make(map[string][]sql.Record)
	if len(refs) > 0 {
		tq := q.client.client.entities[target.ID].withView(q.client.view).Query()
		for _, fn := range w.configure {
			fn(tq)
		}
		tq.Where(sqlgraph.KeyPredicate(remote, refs))
		related, err := tq.All(ctx)
		if err != nil {
			return fmt.Errorf("tombstone: loading %s.%s: %w", e.Name, rel.Name, err)
		}
		for _, r := range related {
			k := tuple(remote, r)
			groups[k] = append(groups[k], r)
		}
	}
	for _, r := range rows {
		group := groups[tuple(local, r)]
		if rel.Many {
			if group == nil {
				group = []sql.Record{}
			}
			r[rel.Name] = group
			continue
		}
		if len(group) > 0 {
			r[rel.Name] = group[0]
		} else {
			r[rel.Name] = nil
		}
	}
	return nil
}

// tuple renders the values of fields in their given order.
func tuple(fields []string, r sql.Record) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprint(r[f])
	}
	return strings.Join(parts, "\x00")
}
