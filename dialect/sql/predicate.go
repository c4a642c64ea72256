package sql

import "strings"

// Predicate is a boolean SQL expression. A nil *Predicate means "no
// condition" and is dropped by And and Or, so caller filters and the
// engine's own predicates can always be merged without special cases.
type Predicate struct {
	fn func(*Builder)
}

// P creates a predicate from a build function.
func P(fn func(*Builder)) *Predicate {
	return &Predicate{fn: fn}
}

func (p *Predicate) build(b *Builder) { p.fn(b) }

// String renders the predicate with "?" placeholders. Used for logging.
func (p *Predicate) String() string {
	if p == nil {
		return ""
	}
	b := NewBuilder("")
	p.build(b)
	q, _ := b.Query()
	return q
}

// EQ returns a "column = value" predicate. A nil value yields IS NULL.
func EQ(column string, v any) *Predicate {
	if v == nil {
		return IsNull(column)
	}
	return binary(column, "=", v)
}

// NEQ returns a "column <> value" predicate. A nil value yields IS NOT NULL.
func NEQ(column string, v any) *Predicate {
	if v == nil {
		return NotNull(column)
	}
	return binary(column, "<>", v)
}

// GT returns a "column > value" predicate.
func GT(column string, v any) *Predicate { return binary(column, ">", v) }

// GTE returns a "column >= value" predicate.
func GTE(column string, v any) *Predicate { return binary(column, ">=", v) }

// LT returns a "column < value" predicate.
func LT(column string, v any) *Predicate { return binary(column, "<", v) }

// LTE returns a "column <= value" predicate.
func LTE(column string, v any) *Predicate { return binary(column, "<=", v) }

// Like returns a "column LIKE pattern" predicate.
func Like(column, pattern string) *Predicate { return binary(column, "LIKE", pattern) }

// HasPrefix returns a predicate matching values starting with prefix.
func HasPrefix(column, prefix string) *Predicate {
	return Like(column, escapeLike(prefix)+"%")
}

// Contains returns a predicate matching values containing sub.
func Contains(column, sub string) *Predicate {
	return Like(column, "%"+escapeLike(sub)+"%")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`%`, `\%`, `_`, `\_`).Replace(s)
}

func binary(column, op string, v any) *Predicate {
	return P(func(b *Builder) {
		b.Ident(column).WriteString(" " + op + " ").Arg(v)
	})
}

// IsNull returns a "column IS NULL" predicate.
func IsNull(column string) *Predicate {
	return P(func(b *Builder) {
		b.Ident(column).WriteString(" IS NULL")
	})
}

// NotNull returns a "column IS NOT NULL" predicate.
func NotNull(column string) *Predicate {
	return P(func(b *Builder) {
		b.Ident(column).WriteString(" IS NOT NULL")
	})
}

// In returns a "column IN (...)" predicate. An empty list matches nothing.
func In(column string, vs ...any) *Predicate {
	if len(vs) == 0 {
		return False()
	}
	return P(func(b *Builder) {
		b.Ident(column).WriteString(" IN (").Args(vs...).WriteString(")")
	})
}

// NotIn returns a "column NOT IN (...)" predicate. An empty list matches everything.
func NotIn(column string, vs ...any) *Predicate {
	if len(vs) == 0 {
		return nil
	}
	return P(func(b *Builder) {
		b.Ident(column).WriteString(" NOT IN (").Args(vs...).WriteString(")")
	})
}

// False returns a predicate that matches no rows.
func False() *Predicate {
	return P(func(b *Builder) { b.WriteString("1 = 0") })
}

// And joins the non-nil predicates with AND.
func And(ps ...*Predicate) *Predicate {
	return join(" AND ", ps)
}

// Or joins the non-nil predicates with OR. A nil operand is dropped, it
// does not turn the disjunction into "always true".
func Or(ps ...*Predicate) *Predicate {
	return join(" OR ", ps)
}

// Not negates the predicate.
func Not(p *Predicate) *Predicate {
	if p == nil {
		return False()
	}
	return P(func(b *Builder) {
		b.WriteString("NOT (")
		p.build(b)
		b.WriteString(")")
	})
}

// FieldsEQ returns a conjunction of equality predicates, one per column.
// Columns and values must have the same length.
func FieldsEQ(columns []string, values []any) *Predicate {
	ps := make([]*Predicate, len(columns))
	for i, c := range columns {
		ps[i] = EQ(c, values[i])
	}
	return And(ps...)
}

func join(op string, ps []*Predicate) *Predicate {
	nonNil := make([]*Predicate, 0, len(ps))
	for _, p := range ps {
		if p != nil {
			nonNil = append(nonNil, p)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	}
	return P(func(b *Builder) {
		b.WriteString("(")
		for i, p := range nonNil {
			if i > 0 {
				b.WriteString(op)
			}
			p.build(b)
		}
		b.WriteString(")")
	})
}
