package cascade

import (
	"context"

	"go.uber.org/zap"

	"github.com/syssam/tombstone"
	"github.com/syssam/tombstone/audit"
	"github.com/syssam/tombstone/dialect"
	"github.com/syssam/tombstone/dialect/sql"
	"github.com/syssam/tombstone/dialect/sql/sqlgraph"
	"github.com/syssam/tombstone/graph"
	"github.com/syssam/tombstone/unique"
)

// RestoreCascade restores the first row of e matching pred, active or not,
// and the descendants deleted together with it: a descendant is restored
// only when its Deletion Marker equals the marker of the row. Mangled
// unique values are restored to their original form.
//
// The row is returned unchanged with an empty result when it is already
// active, and a nil row is returned when nothing matches.
func (x *Executor) RestoreCascade(ctx context.Context, e *graph.Entity, pred *sql.Predicate) (sql.Record, tombstone.CascadeResult, error) {
	if err := softDeletable(e, "restore"); err != nil {
		return nil, nil, err
	}
	var (
		row sql.Record
		res = tombstone.CascadeResult{}
	)
	err := sqlgraph.WithTx(ctx, x.drv, func(tx dialect.Driver) error {
		rows, err := sqlgraph.QueryNodes(ctx, tx, &sqlgraph.QuerySpec{
			Table:     e.Table,
			Predicate: pred,
			Limit:     1,
			ForUpdate: true,
		})
		if err != nil || len(rows) == 0 {
			return err
		}
		if IsActive(e, x.graph.Strategy, rows[0]) {
			row = rows[0]
			return nil
		}
		restored, err := x.restoreRows(ctx, tx, e, rows, rows[0][e.SoftDelete.Field], nil, res)
		if err != nil {
			return err
		}
		row = restored[0]
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return row, res, nil
}

// restoreRows restores the captured rows of e, all deleted with marker,
// and propagates to the children carrying the same marker.
func (x *Executor) restoreRows(ctx context.Context, tx dialect.Driver, e *graph.Entity, rows []sql.Record, marker any, parents []string, res tombstone.CascadeResult) ([]sql.Record, error) {
	shared := sql.Record{e.SoftDelete.Field: ActiveValue(x.graph.Strategy)}
	if e.SoftDelete.ByField != "" {
		shared[e.SoftDelete.ByField] = nil
	}
	restored := make([]sql.Record, len(rows))
	if e.Unique.NeedsTransform() {
		for i, row := range rows {
			set := merge(shared, e.Unique.RestoreValues(row, unique.KeyString(e.PrimaryKey, row)))
			if err := x.updateRows(ctx, tx, e, set, rows[i:i+1]); err != nil {
				return nil, err
			}
			restored[i] = merge(row, set)
		}
	} else {
		if err := x.updateRows(ctx, tx, e, shared, rows); err != nil {
			return nil, err
		}
		for i, row := range rows {
			restored[i] = merge(row, shared)
		}
	}
	events, err := x.writeEvents(ctx, tx, e, audit.ActionUpdate, rows, restored, parents)
	if err != nil {
		return nil, err
	}
	x.logger.Debug("restore", zap.String("entity", e.Name), zap.Int("rows", len(rows)))
	if !x.cascade {
		return restored, nil
	}
	for _, edge := range x.graph.Children(e.ID) {
		child := x.graph.Entity(edge.Child)
		if !child.SoftDeletable() {
			continue
		}
		// Children reference the restored, unmangled values.
		children, err := sqlgraph.QueryNodes(ctx, tx, &sqlgraph.QuerySpec{
			Table:     child.Table,
			Predicate: sql.And(childPredicate(edge, restored), sql.EQ(child.SoftDelete.Field, marker)),
			ForUpdate: true,
		})
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			continue
		}
		links := linkEvents(edge, parentEvents(edge, restored, events), children)
		if _, err := x.restoreRows(ctx, tx, child, children, marker, links, res); err != nil {
			return nil, err
		}
		res.Add(child.Name, len(children))
	}
	return restored, nil
}
