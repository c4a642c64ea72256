package unique

import (
	"errors"
	"fmt"

	"ariga.io/atlas/sql/postgres"
	atlas "ariga.io/atlas/sql/schema"
	"ariga.io/atlas/sql/sqlite"

	"github.com/syssam/tombstone/dialect"
	"github.com/syssam/tombstone/dialect/sql"
)

// ErrPartialIndexUnsupported is returned for dialects without filtered indexes.
var ErrPartialIndexUnsupported = errors.New("unique: dialect does not support partial indexes")

// PartialIndex describes the unique index over active rows that replaces
// the constraint con of the classified entity. The returned index belongs
// to a table holding only the indexed columns.
func (c *Classification) PartialIndex(con *Constraint, dialectName string) (*atlas.Index, error) {
	pred, err := c.activePredicate(dialectName)
	if err != nil {
		return nil, err
	}
	t := atlas.NewTable(c.Table)
	cols := make([]*atlas.Column, len(con.Fields))
	for i, f := range con.Fields {
		cols[i] = atlas.NewColumn(f)
	}
	t.AddColumns(cols...)
	idx := atlas.NewUniqueIndex(con.Name + "_active").AddColumns(cols...)
	switch dialectName {
	case dialect.Postgres:
		idx.AddAttrs(&postgres.IndexPredicate{P: pred})
	case dialect.SQLite:
		idx.AddAttrs(&sqlite.IndexPredicate{P: pred})
	}
	t.AddIndexes(idx)
	return idx, nil
}

func (c *Classification) activePredicate(dialectName string) (string, error) {
	if dialectName != dialect.Postgres && dialectName != dialect.SQLite {
		return "", fmt.Errorf("%w: %s", ErrPartialIndexUnsupported, dialectName)
	}
	b := sql.NewBuilder(dialectName)
	if c.Strategy.Nullable() {
		b.Ident(c.DeletionField).WriteString(" IS NULL")
	} else {
		b.Ident(c.DeletionField).WriteString(" = '" + ActiveSentinel.Format("2006-01-02 15:04:05") + "'")
	}
	q, _ := b.Query()
	return q, nil
}

// IndexDDL renders the CREATE statement of a partial index returned by
// PartialIndex.
func IndexDDL(idx *atlas.Index, dialectName string) string {
	b := sql.NewBuilder(dialectName)
	b.WriteString("CREATE UNIQUE INDEX ").Ident(idx.Name).WriteString(" ON ")
	if idx.Table != nil {
		b.Ident(idx.Table.Name)
	}
	b.WriteString(" (")
	for i, p := range idx.Parts {
		if i > 0 {
			b.WriteString(", ")
		}
		if p.C != nil {
			b.Ident(p.C.Name)
		}
	}
	b.WriteString(")")
	for _, a := range idx.Attrs {
		switch a := a.(type) {
		case *postgres.IndexPredicate:
			b.WriteString(" WHERE " + a.P)
		case *sqlite.IndexPredicate:
			b.WriteString(" WHERE " + a.P)
		}
	}
	q, _ := b.Query()
	return q
}
