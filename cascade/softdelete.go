package cascade

import (
	"context"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/syssam/tombstone"
	"github.com/syssam/tombstone/audit"
	"github.com/syssam/tombstone/dialect"
	"github.com/syssam/tombstone/dialect/sql"
	"github.com/syssam/tombstone/dialect/sql/sqlgraph"
	"github.com/syssam/tombstone/graph"
	"github.com/syssam/tombstone/unique"
)

// SoftDelete soft deletes the first active row of e matching pred and
// every live descendant of it. It returns the deleted row and the number
// of descendant rows deleted per entity. It fails with a NotFoundError when
// no active row matches.
func (x *Executor) SoftDelete(ctx context.Context, e *graph.Entity, pred *sql.Predicate) (sql.Record, tombstone.CascadeResult, error) {
	if err := softDeletable(e, "soft delete"); err != nil {
		return nil, nil, err
	}
	var (
		row sql.Record
		res = tombstone.CascadeResult{}
	)
	err := sqlgraph.WithTx(ctx, x.drv, func(tx dialect.Driver) error {
		rows, err := sqlgraph.QueryNodes(ctx, tx, &sqlgraph.QuerySpec{
			Table:     e.Table,
			Predicate: sql.And(pred, x.active(e)),
			Limit:     1,
			ForUpdate: true,
		})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return sqlgraph.NotFound(e.Name, nil)
		}
		deleted, err := x.softDeleteRows(ctx, tx, e, rows, x.marker(), nil, res)
		if err != nil {
			return err
		}
		row = deleted[0]
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return row, res, nil
}

// SoftDeleteMany soft deletes the active rows of e matching pred and every
// live descendant of them with one shared Deletion Marker. It returns the
// number of root rows deleted.
func (x *Executor) SoftDeleteMany(ctx context.Context, e *graph.Entity, pred *sql.Predicate) (int, tombstone.CascadeResult, error) {
	if err := softDeletable(e, "soft delete"); err != nil {
		return 0, nil, err
	}
	res := tombstone.CascadeResult{}
	if x.fastPath(e) {
		n, err := sqlgraph.UpdateNodes(ctx, x.drv, &sqlgraph.UpdateSpec{
			Table:     e.Table,
			Set:       x.deleteSet(ctx, e, x.marker()),
			Predicate: sql.And(pred, x.active(e)),
		})
		if err != nil {
			return 0, nil, err
		}
		x.logger.Debug("soft delete", zap.String("entity", e.Name), zap.Int("rows", n), zap.Bool("fast_path", true))
		return n, res, nil
	}
	var n int
	err := sqlgraph.WithTx(ctx, x.drv, func(tx dialect.Driver) error {
		rows, err := sqlgraph.QueryNodes(ctx, tx, &sqlgraph.QuerySpec{
			Table:     e.Table,
			Predicate: sql.And(pred, x.active(e)),
			ForUpdate: true,
		})
		if err != nil || len(rows) == 0 {
			return err
		}
		if _, err := x.softDeleteRows(ctx, tx, e, rows, x.marker(), nil, res); err != nil {
			return err
		}
		n = len(rows)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return n, res, nil
}

// fastPath reports if soft deletes of e reduce to a single UPDATE: nothing
// to propagate, no per-row values and no snapshots to audit.
func (x *Executor) fastPath(e *graph.Entity) bool {
	return (!x.cascade || len(x.graph.Children(e.ID)) == 0) &&
		!e.Unique.NeedsTransform() &&
		!x.audit.Enabled(e, audit.ActionDelete)
}

// deleteSet returns the values shared by every row deleted with marker.
func (x *Executor) deleteSet(ctx context.Context, e *graph.Entity, marker time.Time) sql.Record {
	set := sql.Record{e.SoftDelete.Field: marker}
	if actor, ok := tombstone.ActorFromContext(ctx); ok && e.SoftDelete.ByField != "" {
		set[e.SoftDelete.ByField] = actor
	}
	return set
}

// softDeleteRows deletes the captured active rows of e, writes their
// events and propagates to their children. parents holds the parent event
// of each row, or is nil for root rows. The deleted rows are returned.
func (x *Executor) softDeleteRows(ctx context.Context, tx dialect.Driver, e *graph.Entity, rows []sql.Record, marker time.Time, parents []string, res tombstone.CascadeResult) ([]sql.Record, error) {
	shared := x.deleteSet(ctx, e, marker)
	// Every mangled value is checked before the first row is written.
	sets := make([]sql.Record, len(rows))
	for i, row := range rows {
		sets[i] = shared
		if !e.Unique.NeedsTransform() {
			continue
		}
		mangled, err := e.Unique.DeleteValues(row, unique.KeyString(e.PrimaryKey, row))
		if err != nil {
			return nil, err
		}
		sets[i] = merge(shared, mangled)
	}
	// Children are captured while they still reference the unmangled values
	// of their parents. A foreign key declared ON UPDATE CASCADE follows the
	// mangled value once the parents are written.
	var captured []childRows
	if x.cascade {
		for _, edge := range x.graph.Children(e.ID) {
			child := x.graph.Entity(edge.Child)
			if !child.SoftDeletable() {
				continue
			}
			children, err := sqlgraph.QueryNodes(ctx, tx, &sqlgraph.QuerySpec{
				Table:     child.Table,
				Predicate: sql.And(childPredicate(edge, rows), x.active(child)),
				ForUpdate: true,
			})
			if err != nil {
				return nil, err
			}
			if len(children) > 0 {
				captured = append(captured, childRows{edge: edge, entity: child, rows: children})
			}
		}
	}
	deleted := make([]sql.Record, len(rows))
	if e.Unique.NeedsTransform() {
		for i, row := range rows {
			if err := x.updateRows(ctx, tx, e, sets[i], rows[i:i+1]); err != nil {
				return nil, err
			}
			deleted[i] = merge(row, sets[i])
		}
	} else {
		if err := x.updateRows(ctx, tx, e, shared, rows); err != nil {
			return nil, err
		}
		for i, row := range rows {
			deleted[i] = merge(row, shared)
		}
	}
	events, err := x.writeEvents(ctx, tx, e, audit.ActionDelete, rows, nil, parents)
	if err != nil {
		return nil, err
	}
	x.logger.Debug("soft delete",
		zap.String("entity", e.Name),
		zap.Int("rows", len(rows)),
		zap.Time("marker", marker),
	)
	for _, c := range captured {
		links := linkEvents(c.edge, parentEvents(c.edge, rows, events), c.rows)
		if _, err := x.softDeleteRows(ctx, tx, c.entity, c.rows, marker, links, res); err != nil {
			return nil, err
		}
		res.Add(c.entity.Name, len(c.rows))
	}
	return deleted, nil
}

// childRows are the live rows of a child entity linked to deleted parents.
type childRows struct {
	edge   *graph.Edge
	entity *graph.Entity
	rows   []sql.Record
}

// updateRows applies set to the captured rows of e by primary key.
func (x *Executor) updateRows(ctx context.Context, tx dialect.Driver, e *graph.Entity, set sql.Record, rows []sql.Record) error {
	n, err := sqlgraph.UpdateNodes(ctx, tx, &sqlgraph.UpdateSpec{
		Table:     e.Table,
		Set:       set,
		Predicate: sqlgraph.KeyPredicate(e.PrimaryKey, rows),
	})
	if err != nil {
		return err
	}
	if n < len(rows) && tx.Dialect() != dialect.MySQL {
		return &tombstone.ConcurrencyError{Entity: e.Name, Missing: keys(e, rows)}
	}
	return nil
}

// writeEvents writes one event per row when e is audited for action. after
// is nil for delete events. The identifiers of the events are returned,
// or nil when nothing was written.
func (x *Executor) writeEvents(ctx context.Context, tx dialect.Driver, e *graph.Entity, action audit.Action, before, after []sql.Record, parents []string) ([]string, error) {
	if !x.audit.Enabled(e, action) {
		return nil, nil
	}
	ids := make([]string, len(before))
	for i, b := range before {
		var payload map[string]any
		if after == nil {
			payload = audit.DeletePayload(b)
		} else {
			payload = audit.UpdatePayload(b, after[i])
		}
		ev := audit.NewEvent(e, action, b, payload)
		ev.ParentEventID = at(parents, i)
		id, err := x.audit.Write(ctx, tx, ev)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func merge(row, set sql.Record) sql.Record {
	r := row.Clone()
	maps.Copy(r, set)
	return r
}

func keys(e *graph.Entity, rows []sql.Record) []string {
	ks := make([]string, len(rows))
	for i, r := range rows {
		ks[i] = unique.KeyString(e.PrimaryKey, r)
	}
	return ks
}
