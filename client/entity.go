package client

import (
	"context"
	"slices"

	"github.com/syssam/tombstone"
	"github.com/syssam/tombstone/cascade"
	"github.com/syssam/tombstone/dialect/sql"
	"github.com/syssam/tombstone/graph"
	"github.com/syssam/tombstone/privacy"
	"github.com/syssam/tombstone/unique"
)

// View selects the rows of a soft-deletable entity visible to reads.
type View int

// Read views.
const (
	// ViewActive shows rows that are not soft-deleted.
	ViewActive View = iota
	// ViewDeleted shows soft-deleted rows only.
	ViewDeleted
	// ViewAll shows every row.
	ViewAll
)

func (v View) String() string {
	switch v {
	case ViewDeleted:
		return "deleted"
	case ViewAll:
		return "unfiltered"
	}
	return "active"
}

// EntityClient runs the operations of one entity.
type EntityClient struct {
	client *Client
	entity *graph.Entity
	view   View
}

// Entity returns the graph entity of the client.
func (c *EntityClient) Entity() *graph.Entity { return c.entity }

// View returns the read view of the client.
func (c *EntityClient) View() View { return c.view }

// Deleted returns a client reading soft-deleted rows only.
func (c *EntityClient) Deleted() *EntityClient { return c.withView(ViewDeleted) }

// Unfiltered returns a client reading every row.
func (c *EntityClient) Unfiltered() *EntityClient { return c.withView(ViewAll) }

func (c *EntityClient) withView(v View) *EntityClient {
	if c.view == v {
		return c
	}
	cc := *c
	cc.view = v
	return &cc
}

// filter returns the predicate of the client view, or nil when it shows
// every row. Rows of entities that are not soft-deletable are all active.
func (c *EntityClient) filter() *sql.Predicate {
	switch c.view {
	case ViewActive:
		return cascade.Active(c.entity, c.client.strategy)
	case ViewDeleted:
		return cascade.Deleted(c.entity, c.client.strategy)
	}
	return nil
}

func (c *EntityClient) where(p *sql.Predicate) *sql.Predicate {
	return sql.And(p, c.filter())
}

// eval evaluates the client policy on an operation of the entity.
func (c *EntityClient) eval(ctx context.Context, op privacy.Op, values sql.Record) error {
	if len(c.client.policy) == 0 {
		return nil
	}
	return c.client.policy.Eval(ctx, &privacy.Operation{Op: op, Entity: c.entity, Values: values})
}

// Query returns a query over the rows of the client view.
func (c *EntityClient) Query() *Query {
	return &Query{client: c}
}

// Get returns the row identified by keys, a set of field values that
// identify at most one row. Under the sentinel strategy an active lookup
// by the fields of a compound unique constraint with the deletion field
// gets the active constant added.
func (c *EntityClient) Get(ctx context.Context, keys sql.Record) (sql.Record, error) {
	if len(keys) == 0 {
		return nil, tombstone.NewValidationErrorf(c.entity.Name, "get: no keys")
	}
	if c.view == ViewActive {
		keys = c.entity.Unique.CompleteLookup(keys)
	}
	rows, err := c.Query().Where(recordPredicate(keys)).Limit(1).All(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, tombstone.NewNotFoundErrorWithID(c.entity.Name, map[string]any(keys))
	}
	return rows[0], nil
}

// Count returns the number of rows of the client view matching the
// predicates.
func (c *EntityClient) Count(ctx context.Context, ps ...*sql.Predicate) (int, error) {
	return c.Query().Where(ps...).Count(ctx)
}

// Create inserts a row and returns it as stored.
func (c *EntityClient) Create(ctx context.Context, row sql.Record) (sql.Record, error) {
	rows, err := c.CreateMany(ctx, row)
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

// CreateMany inserts rows in one transaction and returns them as stored.
// Under the sentinel strategy a row without a deletion value is created
// active.
func (c *EntityClient) CreateMany(ctx context.Context, rows ...sql.Record) ([]sql.Record, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	rows = slices.Clone(rows)
	for i, r := range rows {
		if err := c.eval(ctx, privacy.OpCreate, r); err != nil {
			return nil, err
		}
		rows[i] = c.withActive(r)
	}
	return c.client.audit.Create(ctx, c.client.driver, c.entity, rows...)
}

// withActive returns row with the active sentinel when the strategy
// stores one and row carries no deletion value.
func (c *EntityClient) withActive(row sql.Record) sql.Record {
	e := c.entity
	if !e.SoftDeletable() || c.client.strategy != unique.Sentinel {
		return row
	}
	if v, ok := row[e.SoftDelete.Field]; ok && v != nil {
		return row
	}
	r := row.Clone()
	r[e.SoftDelete.Field] = unique.ActiveSentinel
	return r
}

// Update applies set to the first row of the client view matching pred
// and returns the updated row.
func (c *EntityClient) Update(ctx context.Context, set sql.Record, pred *sql.Predicate) (sql.Record, error) {
	if err := c.eval(ctx, privacy.OpUpdate, set); err != nil {
		return nil, err
	}
	return c.client.audit.Update(ctx, c.client.driver, c.entity, set, c.where(pred))
}

// UpdateMany applies set to the rows of the client view matching pred and
// returns their number.
func (c *EntityClient) UpdateMany(ctx context.Context, set sql.Record, pred *sql.Predicate) (int, error) {
	if err := c.eval(ctx, privacy.OpUpdate, set); err != nil {
		return 0, err
	}
	return c.client.audit.UpdateMany(ctx, c.client.driver, c.entity, set, c.where(pred))
}

// Upsert updates the row of the client view identified by keys with
// update, or creates it from keys and create when it does not exist.
func (c *EntityClient) Upsert(ctx context.Context, keys, create, update sql.Record) (sql.Record, error) {
	lookup := keys
	if c.view == ViewActive {
		lookup = c.entity.Unique.CompleteLookup(keys)
	}
	row := create.Clone()
	if row == nil {
		row = sql.Record{}
	}
	for k, v := range keys {
		row[k] = v
	}
	if err := c.eval(ctx, privacy.OpCreate|privacy.OpUpdate, row); err != nil {
		return nil, err
	}
	return c.client.audit.Upsert(ctx, c.client.driver, c.entity, c.where(recordPredicate(lookup)), c.withActive(row), update)
}

// Delete deletes the first row of the client view matching pred. Rows of
// soft-deletable entities are soft deleted together with their live
// descendants, other rows are removed.
func (c *EntityClient) Delete(ctx context.Context, pred *sql.Predicate) (sql.Record, tombstone.CascadeResult, error) {
	if c.entity.SoftDeletable() {
		return c.SoftDelete(ctx, pred)
	}
	if err := c.eval(ctx, privacy.OpHardDelete, nil); err != nil {
		return nil, nil, err
	}
	row, err := c.client.audit.Delete(ctx, c.client.driver, c.entity, c.where(pred))
	if err != nil {
		return nil, nil, err
	}
	return row, tombstone.CascadeResult{}, nil
}

// DeleteMany deletes the rows of the client view matching pred, the same
// way as Delete, and returns their number.
func (c *EntityClient) DeleteMany(ctx context.Context, pred *sql.Predicate) (int, tombstone.CascadeResult, error) {
	if c.entity.SoftDeletable() {
		return c.SoftDeleteMany(ctx, pred)
	}
	if err := c.eval(ctx, privacy.OpHardDelete, nil); err != nil {
		return 0, nil, err
	}
	n, err := c.client.audit.DeleteMany(ctx, c.client.driver, c.entity, c.where(pred))
	if err != nil {
		return 0, nil, err
	}
	return n, tombstone.CascadeResult{}, nil
}

// SoftDelete soft deletes the first active row matching pred with its
// live descendants.
func (c *EntityClient) SoftDelete(ctx context.Context, pred *sql.Predicate) (sql.Record, tombstone.CascadeResult, error) {
	if err := c.eval(ctx, privacy.OpSoftDelete, nil); err != nil {
		return nil, nil, err
	}
	return c.client.executor.SoftDelete(ctx, c.entity, c.where(pred))
}

// SoftDeleteMany soft deletes the active rows matching pred with their
// live descendants.
func (c *EntityClient) SoftDeleteMany(ctx context.Context, pred *sql.Predicate) (int, tombstone.CascadeResult, error) {
	if err := c.eval(ctx, privacy.OpSoftDelete, nil); err != nil {
		return 0, nil, err
	}
	return c.client.executor.SoftDeleteMany(ctx, c.entity, c.where(pred))
}

// RestoreCascade restores the first row matching pred and the descendants
// deleted with it. It looks at every row regardless of the client view.
func (c *EntityClient) RestoreCascade(ctx context.Context, pred *sql.Predicate) (sql.Record, tombstone.CascadeResult, error) {
	if err := c.eval(ctx, privacy.OpRestore, nil); err != nil {
		return nil, nil, err
	}
	return c.client.executor.RestoreCascade(ctx, c.entity, pred)
}

// HardDelete physically removes the first row of the client view matching
// pred.
func (c *EntityClient) HardDelete(ctx context.Context, pred *sql.Predicate) (sql.Record, error) {
	if err := c.eval(ctx, privacy.OpHardDelete, nil); err != nil {
		return nil, err
	}
	if !c.entity.SoftDeletable() {
		return c.client.audit.Delete(ctx, c.client.driver, c.entity, c.where(pred))
	}
	return c.client.executor.HardDelete(ctx, c.entity, c.where(pred))
}

// HardDeleteMany physically removes the rows of the client view matching
// pred and returns their number.
func (c *EntityClient) HardDeleteMany(ctx context.Context, pred *sql.Predicate) (int, error) {
	if err := c.eval(ctx, privacy.OpHardDelete, nil); err != nil {
		return 0, err
	}
	if !c.entity.SoftDeletable() {
		return c.client.audit.DeleteMany(ctx, c.client.driver, c.entity, c.where(pred))
	}
	return c.client.executor.HardDeleteMany(ctx, c.entity, c.where(pred))
}

// Purge physically removes the rows of the client view matching pred and
// every row depending on them through cascading relations.
func (c *EntityClient) Purge(ctx context.Context, pred *sql.Predicate) (int, tombstone.CascadeResult, error) {
	if err := c.eval(ctx, privacy.OpPurge, nil); err != nil {
		return 0, nil, err
	}
	return c.client.executor.Purge(ctx, c.entity, c.where(pred))
}

// recordPredicate matches the fields of r, in sorted order.
func recordPredicate(r sql.Record) *sql.Predicate {
	fields := make([]string, 0, len(r))
	for f := range r {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	return sql.FieldsEQ(fields, r.Values(fields))
}
