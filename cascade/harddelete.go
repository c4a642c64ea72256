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

// HardDelete physically removes the first row of e matching pred and
// returns it. Entities audited for delete get a hard_delete event with the
// row snapshot, written before the row is removed.
func (x *Executor) HardDelete(ctx context.Context, e *graph.Entity, pred *sql.Predicate) (sql.Record, error) {
	row, err := x.audit.HardDelete(ctx, x.drv, e, pred)
	if err != nil {
		return nil, err
	}
	x.logger.Debug("hard delete", zap.String("entity", e.Name), zap.Int("rows", 1))
	return row, nil
}

// HardDeleteMany physically removes the rows of e matching pred and
// returns their number.
func (x *Executor) HardDeleteMany(ctx context.Context, e *graph.Entity, pred *sql.Predicate) (int, error) {
	n, err := x.audit.HardDeleteMany(ctx, x.drv, e, pred)
	if err != nil {
		return 0, err
	}
	x.logger.Debug("hard delete", zap.String("entity", e.Name), zap.Int("rows", n))
	return n, nil
}

// Purge physically removes the rows of e matching pred together with every
// row depending on them through cascade edges, deleted or not. Rows are
// removed in cascade order, children before their parents. It returns the
// number of root rows removed.
func (x *Executor) Purge(ctx context.Context, e *graph.Entity, pred *sql.Predicate) (int, tombstone.CascadeResult, error) {
	var (
		n   int
		res = tombstone.CascadeResult{}
	)
	err := sqlgraph.WithTx(ctx, x.drv, func(tx dialect.Driver) error {
		rows, err := sqlgraph.QueryNodes(ctx, tx, &sqlgraph.QuerySpec{Table: e.Table, Predicate: pred, ForUpdate: true})
		if err != nil || len(rows) == 0 {
			return err
		}
		collected := make([][]sql.Record, len(x.graph.Entities()))
		seen := make([]map[string]struct{}, len(x.graph.Entities()))
		if err := x.collect(ctx, tx, e, rows, collected, seen); err != nil {
			return err
		}
		order := []graph.EntityID{e.ID}
		if x.cascade {
			order = x.graph.CascadeOrder(e.ID)
		}
		for _, id := range order {
			target := x.graph.Entity(id)
			rows := collected[id]
			if len(rows) == 0 {
				continue
			}
			action := audit.ActionHardDelete
			if !target.SoftDeletable() {
				action = audit.ActionDelete
			}
			removed, err := x.audit.RemoveRows(ctx, tx, target, rows, sqlgraph.KeyPredicate(target.PrimaryKey, rows), action)
			if err != nil {
				return err
			}
			if id == e.ID {
				n = removed
			} else {
				res.Add(target.Name, removed)
			}
		}
		x.logger.Debug("purge", zap.String("entity", e.Name), zap.Int("rows", n), zap.Stringer("cascade", res))
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return n, res, nil
}

// collect records rows as rows of e to purge and walks their dependents.
// Rows reached through several paths are recorded once.
func (x *Executor) collect(ctx context.Context, tx dialect.Driver, e *graph.Entity, rows []sql.Record, collected [][]sql.Record, seen []map[string]struct{}) error {
	if seen[e.ID] == nil {
		seen[e.ID] = make(map[string]struct{}, len(rows))
	}
	fresh := make([]sql.Record, 0, len(rows))
	for _, r := range rows {
		k := unique.KeyString(e.PrimaryKey, r)
		if _, ok := seen[e.ID][k]; ok {
			continue
		}
		seen[e.ID][k] = struct{}{}
		fresh = append(fresh, r)
	}
	if len(fresh) == 0 {
		return nil
	}
	collected[e.ID] = append(collected[e.ID], fresh...)
	if !x.cascade {
		return nil
	}
	for _, edge := range x.graph.Children(e.ID) {
		child := x.graph.Entity(edge.Child)
		children, err := sqlgraph.QueryNodes(ctx, tx, &sqlgraph.QuerySpec{
			Table:     child.Table,
			Predicate: childPredicate(edge, fresh),
			ForUpdate: true,
		})
		if err != nil {
			return err
		}
		if err := x.collect(ctx, tx, child, children, collected, seen); err != nil {
			return err
		}
	}
	return nil
}
