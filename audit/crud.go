package audit

import (
	"context"
	"fmt"

	"github.com/syssam/tombstone"
	"github.com/syssam/tombstone/dialect"
	"github.com/syssam/tombstone/dialect/sql"
	"github.com/syssam/tombstone/dialect/sql/sqlgraph"
	"github.com/syssam/tombstone/graph"
	"github.com/syssam/tombstone/unique"
)

// The helpers below wrap one CRUD primitive with the capture pattern of its
// action and write one event per affected row. Each runs in a transaction
// of drv, or joins the transaction drv is bound to.

// Create inserts rows into e and writes a create event per row.
func (w *Writer) Create(ctx context.Context, drv dialect.Driver, e *graph.Entity, rows ...sql.Record) ([]sql.Record, error) {
	spec := &sqlgraph.CreateSpec{Table: e.Table, Key: e.PrimaryKey, Rows: rows}
	if !w.Enabled(e, ActionCreate) {
		return sqlgraph.CreateNodes(ctx, drv, spec)
	}
	var created []sql.Record
	err := sqlgraph.WithTx(ctx, drv, func(tx dialect.Driver) error {
		var err error
		if created, err = sqlgraph.CreateNodes(ctx, tx, spec); err != nil {
			return err
		}
		for _, row := range created {
			if _, err := w.Write(ctx, tx, NewEvent(e, ActionCreate, row, CreatePayload(row))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Update applies set to the first row of e matching pred and returns the
// updated row. It fails with a NotFoundError when no row matches.
func (w *Writer) Update(ctx context.Context, drv dialect.Driver, e *graph.Entity, set sql.Record, pred *sql.Predicate) (sql.Record, error) {
	var updated sql.Record
	err := sqlgraph.WithTx(ctx, drv, func(tx dialect.Driver) error {
		before, err := sqlgraph.QueryNodes(ctx, tx, &sqlgraph.QuerySpec{Table: e.Table, Predicate: pred, Limit: 1, ForUpdate: true})
		if err != nil {
			return err
		}
		if len(before) == 0 {
			return sqlgraph.NotFound(e.Name, nil)
		}
		pairs, err := w.update(ctx, tx, e, set, before, sqlgraph.KeyPredicate(e.PrimaryKey, before))
		if err != nil {
			return err
		}
		updated = pairs[0].after
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateMany applies set to the rows of e matching pred and returns their
// number. Audited updates pair every row captured before the mutation with
// its state afterwards and fail with a ConcurrencyError when the pairing
// does not hold.
func (w *Writer) UpdateMany(ctx context.Context, drv dialect.Driver, e *graph.Entity, set sql.Record, pred *sql.Predicate) (int, error) {
	if !w.Enabled(e, ActionUpdate) {
		return sqlgraph.UpdateNodes(ctx, drv, &sqlgraph.UpdateSpec{Table: e.Table, Set: set, Predicate: pred})
	}
	var n int
	err := sqlgraph.WithTx(ctx, drv, func(tx dialect.Driver) error {
		before, err := sqlgraph.QueryNodes(ctx, tx, &sqlgraph.QuerySpec{Table: e.Table, Predicate: pred, ForUpdate: true})
		if err != nil || len(before) == 0 {
			return err
		}
		pairs, err := w.update(ctx, tx, e, set, before, pred)
		n = len(pairs)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

type pair struct{ before, after sql.Record }

// update mutates the rows matching pred, re-reads the before rows by key
// and writes their update events.
func (w *Writer) update(ctx context.Context, tx dialect.Driver, e *graph.Entity, set sql.Record, before []sql.Record, pred *sql.Predicate) ([]pair, error) {
	affected, err := sqlgraph.UpdateNodes(ctx, tx, &sqlgraph.UpdateSpec{Table: e.Table, Set: set, Predicate: pred})
	if err != nil {
		return nil, err
	}
	keys := make([]sql.Record, len(before))
	for i, b := range before {
		keys[i] = applyKey(e.PrimaryKey, b, set)
	}
	after, err := sqlgraph.QueryNodes(ctx, tx, &sqlgraph.QuerySpec{Table: e.Table, Predicate: sqlgraph.KeyPredicate(e.PrimaryKey, keys)})
	if err != nil {
		return nil, err
	}
	pairs, err := pairRows(e, before, after, set, affected)
	if err != nil {
		return nil, err
	}
	if w.Enabled(e, ActionUpdate) {
		for _, p := range pairs {
			if _, err := w.Write(ctx, tx, NewEvent(e, ActionUpdate, p.after, UpdatePayload(p.before, p.after))); err != nil {
				return nil, err
			}
		}
	}
	return pairs, nil
}

// pairRows matches before rows to after rows by primary key. Keys changed
// by set are followed. affected is the row count reported by the update;
// rows it counts beyond the before-set were not captured.
func pairRows(e *graph.Entity, before, after []sql.Record, set sql.Record, affected int) ([]pair, error) {
	byKey := make(map[string]sql.Record, len(after))
	for _, a := range after {
		byKey[unique.KeyString(e.PrimaryKey, a)] = a
	}
	cerr := &tombstone.ConcurrencyError{Entity: e.Name}
	pairs := make([]pair, 0, len(before))
	for _, b := range before {
		k := unique.KeyString(e.PrimaryKey, applyKey(e.PrimaryKey, b, set))
		a, ok := byKey[k]
		if !ok {
			cerr.Missing = append(cerr.Missing, unique.KeyString(e.PrimaryKey, b))
			continue
		}
		delete(byKey, k)
		pairs = append(pairs, pair{before: b, after: a})
	}
	for k := range byKey {
		cerr.Unexpected = append(cerr.Unexpected, k)
	}
	if extra := affected - len(before); extra > 0 {
		cerr.Unexpected = append(cerr.Unexpected, fmt.Sprintf("%d uncaptured rows", extra))
	}
	if len(cerr.Missing) > 0 || len(cerr.Unexpected) > 0 {
		return nil, cerr
	}
	return pairs, nil
}

// applyKey returns the key fields of row after set is applied.
func applyKey(pk []string, row, set sql.Record) sql.Record {
	key := make(sql.Record, len(pk))
	for _, f := range pk {
		key[f] = row[f]
		if v, ok := set[f]; ok {
			key[f] = v
		}
	}
	return key
}

// Upsert updates the first row of e matching where with update, or creates
// a row from create when none matches.
func (w *Writer) Upsert(ctx context.Context, drv dialect.Driver, e *graph.Entity, where *sql.Predicate, create, update sql.Record) (sql.Record, error) {
	var row sql.Record
	err := sqlgraph.WithTx(ctx, drv, func(tx dialect.Driver) error {
		existing, err := sqlgraph.QueryNodes(ctx, tx, &sqlgraph.QuerySpec{Table: e.Table, Predicate: where, Limit: 1, ForUpdate: true})
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			created, err := w.Create(ctx, tx, e, create)
			if err != nil {
				return err
			}
			row = created[0]
			return nil
		}
		if len(update) == 0 {
			row = existing[0]
			return nil
		}
		pairs, err := w.update(ctx, tx, e, update, existing, sqlgraph.KeyPredicate(e.PrimaryKey, existing))
		if err != nil {
			return err
		}
		row = pairs[0].after
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Delete physically removes the first row of e matching pred and returns
// it, writing a delete event first.
func (w *Writer) Delete(ctx context.Context, drv dialect.Driver, e *graph.Entity, pred *sql.Predicate) (sql.Record, error) {
	return w.remove(ctx, drv, e, pred, ActionDelete)
}

// DeleteMany physically removes the rows of e matching pred, writing a
// delete event per row first.
func (w *Writer) DeleteMany(ctx context.Context, drv dialect.Driver, e *graph.Entity, pred *sql.Predicate) (int, error) {
	return w.removeMany(ctx, drv, e, pred, ActionDelete)
}

// HardDelete is Delete for rows of soft-deletable entities. Its events
// carry the hard_delete action.
func (w *Writer) HardDelete(ctx context.Context, drv dialect.Driver, e *graph.Entity, pred *sql.Predicate) (sql.Record, error) {
	return w.remove(ctx, drv, e, pred, ActionHardDelete)
}

// HardDeleteMany is DeleteMany for rows of soft-deletable entities.
func (w *Writer) HardDeleteMany(ctx context.Context, drv dialect.Driver, e *graph.Entity, pred *sql.Predicate) (int, error) {
	return w.removeMany(ctx, drv, e, pred, ActionHardDelete)
}

func (w *Writer) remove(ctx context.Context, drv dialect.Driver, e *graph.Entity, pred *sql.Predicate, action Action) (sql.Record, error) {
	var removed sql.Record
	err := sqlgraph.WithTx(ctx, drv, func(tx dialect.Driver) error {
		before, err := sqlgraph.QueryNodes(ctx, tx, &sqlgraph.QuerySpec{Table: e.Table, Predicate: pred, Limit: 1, ForUpdate: true})
		if err != nil {
			return err
		}
		if len(before) == 0 {
			return sqlgraph.NotFound(e.Name, nil)
		}
		if _, err := w.RemoveRows(ctx, tx, e, before, sqlgraph.KeyPredicate(e.PrimaryKey, before), action); err != nil {
			return err
		}
		removed = before[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (w *Writer) removeMany(ctx context.Context, drv dialect.Driver, e *graph.Entity, pred *sql.Predicate, action Action) (int, error) {
	if !w.Enabled(e, action) {
		return sqlgraph.DeleteNodes(ctx, drv, &sqlgraph.DeleteSpec{Table: e.Table, Predicate: pred})
	}
	var n int
	err := sqlgraph.WithTx(ctx, drv, func(tx dialect.Driver) error {
		before, err := sqlgraph.QueryNodes(ctx, tx, &sqlgraph.QuerySpec{Table: e.Table, Predicate: pred, ForUpdate: true})
		if err != nil || len(before) == 0 {
			return err
		}
		n, err = w.RemoveRows(ctx, tx, e, before, pred, action)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RemoveRows writes the events of the captured rows and then deletes the
// rows matching pred. The number of deleted rows must match the captured
// set. Callers run it inside a transaction.
func (w *Writer) RemoveRows(ctx context.Context, tx dialect.Driver, e *graph.Entity, before []sql.Record, pred *sql.Predicate, action Action) (int, error) {
	if w.Enabled(e, action) {
		for _, b := range before {
			if _, err := w.Write(ctx, tx, NewEvent(e, action, b, DeletePayload(b))); err != nil {
				return 0, err
			}
		}
	}
	n, err := sqlgraph.DeleteNodes(ctx, tx, &sqlgraph.DeleteSpec{Table: e.Table, Predicate: pred})
	if err != nil {
		return 0, err
	}
	if n != len(before) {
		cerr := &tombstone.ConcurrencyError{Entity: e.Name}
		if n < len(before) {
			cerr.Missing = []string{fmt.Sprintf("%d captured rows", len(before)-n)}
		} else {
			cerr.Unexpected = []string{fmt.Sprintf("%d uncaptured rows", n-len(before))}
		}
		return 0, cerr
	}
	return n, nil
}

// NewEvent returns the event of action on row of e with the given payload.
func NewEvent(e *graph.Entity, action Action, row sql.Record, payload any) *Event {
	return &Event{
		EntityType: e.Name,
		EntityID:   EntityID(e.PrimaryKey, row),
		Action:     action,
		Payload:    payload,
	}
}
