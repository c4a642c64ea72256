// Package unique resolves conflicts between unique constraints and soft
// deleted rows. It classifies the unique constraints of an entity under a
// strategy once, at schema build time, and computes the value transforms
// the cascade executor applies on delete, restore and create.
package unique

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/syssam/tombstone"
	"github.com/syssam/tombstone/dialect/sql"
	"github.com/syssam/tombstone/schema"
)

// Strategy selects how uniqueness is reclaimed from soft deleted rows.
type Strategy string

// Unique strategies.
const (
	// Mangle rewrites unique string values of deleted rows with a
	// deterministic suffix.
	Mangle Strategy = "mangle"
	// Sentinel stores a far-future constant in the deletion field of
	// active rows and relies on compound constraints with that field.
	Sentinel Strategy = "sentinel"
	// None applies no transform and only reports unprotected constraints.
	None Strategy = "none"
)

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(s)); st {
	case Mangle, Sentinel, None:
		return st, nil
	}
	return "", fmt.Errorf("unique: unknown strategy %q", s)
}

// Nullable reports if the strategy represents active rows with a NULL
// deletion field.
func (s Strategy) Nullable() bool { return s != Sentinel }

// ActiveSentinel is the deletion field value of active rows under the
// sentinel strategy.
var ActiveSentinel = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// SuffixMarker separates a mangled value from the key of its row.
const SuffixMarker = "__deleted_"

// Kind is the classification of a unique constraint.
type Kind int

// Constraint kinds.
const (
	// Mangleable constraints have string fields that are rewritten on delete.
	Mangleable Kind = iota
	// NeedsPartialIndex constraints cannot be mangled (numeric or
	// fixed-format identifier fields) and need a filtered index over
	// active rows instead.
	NeedsPartialIndex
	// CompoundWithMarker constraints include the deletion field and are
	// safe under the sentinel strategy.
	CompoundWithMarker
	// Unprotected constraints keep blocking reuse of values held by
	// deleted rows under the chosen strategy.
	Unprotected
)

func (k Kind) String() string {
	switch k {
	case Mangleable:
		return "mangleable"
	case NeedsPartialIndex:
		return "needs-partial-index"
	case CompoundWithMarker:
		return "compound-with-marker"
	case Unprotected:
		return "unprotected"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Safe reports if the constraint needs no manual attention.
func (k Kind) Safe() bool { return k == Mangleable || k == CompoundWithMarker }

// Constraint is a classified unique constraint.
type Constraint struct {
	Name     string
	Fields   []string
	Compound bool
	Kind     Kind
	// Reason explains a NeedsPartialIndex or Unprotected classification.
	Reason string
}

// Classification holds the classified unique constraints of one
// soft-deletable entity under one strategy.
type Classification struct {
	Entity        string
	Table         string
	Strategy      Strategy
	DeletionField string
	Constraints   []*Constraint

	mangle []mangleField
}

type mangleField struct {
	name string
	size int
}

// Classify classifies the unique constraints of e. deletionField is the
// name of the entity's deletion field; an empty name means the entity is
// not soft-deletable and its constraints need no protection.
func Classify(e *schema.Entity, deletionField string, s Strategy) *Classification {
	c := &Classification{Entity: e.Name, Table: e.Table, Strategy: s, DeletionField: deletionField}
	if deletionField == "" {
		return c
	}
	for _, u := range e.UniqueSets() {
		con := &Constraint{Name: u.Name, Fields: slices.Clone(u.Fields), Compound: len(u.Fields) > 1}
		withMarker := slices.Contains(u.Fields, deletionField)
		switch {
		case s == Sentinel && withMarker:
			con.Kind = CompoundWithMarker
		case s == Sentinel:
			con.Kind = Unprotected
			con.Reason = fmt.Sprintf("declare it as a compound unique constraint with %q", deletionField)
		case withMarker:
			con.Kind = Unprotected
			con.Reason = fmt.Sprintf("NULL values of %q never collide, so the constraint does not protect active rows", deletionField)
		case s == None:
			con.Kind = Unprotected
			con.Reason = "values of deleted rows keep blocking new rows"
		default:
			var fields []mangleField
			for _, name := range u.Fields {
				if f, ok := e.Field(name); ok && f.Type.Textual() && !f.FixedFormat() {
					fields = append(fields, mangleField{name: f.Name, size: f.Size})
				}
			}
			if len(fields) == 0 {
				con.Kind = NeedsPartialIndex
				con.Reason = "no string field to mangle"
				break
			}
			con.Kind = Mangleable
			for _, f := range fields {
				if !slices.ContainsFunc(c.mangle, func(m mangleField) bool { return m.name == f.name }) {
					c.mangle = append(c.mangle, f)
				}
			}
		}
		c.Constraints = append(c.Constraints, con)
	}
	return c
}

// MangleFields returns the fields rewritten on delete.
func (c *Classification) MangleFields() []string {
	names := make([]string, len(c.mangle))
	for i, f := range c.mangle {
		names[i] = f.name
	}
	return names
}

// NeedsTransform reports if soft deletes must transform row values.
func (c *Classification) NeedsTransform() bool {
	return c != nil && len(c.mangle) > 0
}

// Unsafe returns the constraints that need manual attention.
func (c *Classification) Unsafe() []*Constraint {
	var cs []*Constraint
	for _, con := range c.Constraints {
		if !con.Kind.Safe() {
			cs = append(cs, con)
		}
	}
	return cs
}

// DeleteValues returns the mangled values to write when the row with the
// given key is soft deleted. NULL values and values already mangled with
// the same key are left out.
func (c *Classification) DeleteValues(row sql.Record, key string) (sql.Record, error) {
	if !c.NeedsTransform() {
		return nil, nil
	}
	set := make(sql.Record, len(c.mangle))
	for _, f := range c.mangle {
		v, ok := row[f.name].(string)
		if !ok {
			continue
		}
		m, err := MangleValue(v, key, f.size)
		if err != nil {
			return nil, tombstone.NewValidationError(c.Entity+"."+f.name, err)
		}
		if m != v {
			set[f.name] = m
		}
	}
	return set, nil
}

// RestoreValues returns the original values of the mangled fields of a
// row being restored.
func (c *Classification) RestoreValues(row sql.Record, key string) sql.Record {
	if !c.NeedsTransform() {
		return nil
	}
	set := make(sql.Record, len(c.mangle))
	for _, f := range c.mangle {
		v, ok := row[f.name].(string)
		if !ok {
			continue
		}
		if u := Unmangle(v, key); u != v {
			set[f.name] = u
		}
	}
	return set
}

// CompleteLookup rewrites a point lookup into the compound form under the
// sentinel strategy: when keys cover every other field of a compound
// constraint with the deletion field, the active constant is added.
// The keys are returned unchanged otherwise.
func (c *Classification) CompleteLookup(keys sql.Record) sql.Record {
	if c == nil || c.Strategy != Sentinel {
		return keys
	}
	if _, ok := keys[c.DeletionField]; ok {
		return keys
	}
	for _, con := range c.Constraints {
		if con.Kind != CompoundWithMarker {
			continue
		}
		covered := true
		for _, f := range con.Fields {
			if _, ok := keys[f]; !ok && f != c.DeletionField {
				covered = false
				break
			}
		}
		if covered {
			keys = keys.Clone()
			keys[c.DeletionField] = ActiveSentinel
			return keys
		}
	}
	return keys
}

// Suffix returns the mangle suffix for a row key.
func Suffix(key string) string {
	return SuffixMarker + key
}

// MangleValue appends the suffix of key to value. A value already ending with
// that exact suffix is returned unchanged. maxLen is the capacity of the
// field in characters; zero means unbounded.
func MangleValue(value, key string, maxLen int) (string, error) {
	suffix := Suffix(key)
	if strings.HasSuffix(value, suffix) {
		return value, nil
	}
	m := value + suffix
	if n := utf8.RuneCountInString(m); maxLen > 0 && n > maxLen {
		return "", fmt.Errorf("mangled value needs %d characters, field holds %d", n, maxLen)
	}
	return m, nil
}

// Unmangle removes the suffix of key from value.
func Unmangle(value, key string) string {
	return strings.TrimSuffix(value, Suffix(key))
}

// KeyString renders the primary key of a row for use in suffixes. Composite
// keys are rendered in alphabetical field order joined by "_".
func KeyString(pk []string, row sql.Record) string {
	fields := slices.Sorted(slices.Values(pk))
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprint(row[f])
	}
	return strings.Join(parts, "_")
}
