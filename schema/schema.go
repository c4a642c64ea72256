// Package schema describes the entity types the soft-delete engine operates
// on: their tables, fields, unique constraints, relations and audit
// configuration. A description is usually loaded from YAML (or JSON) with
// Load or Parse and then compiled into a cascade graph by package graph.
package schema

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/go-openapi/inflect"
	"gopkg.in/yaml.v3"

	"github.com/syssam/tombstone"
)

// Type is the logical type of a field.
type Type string

// Field types.
const (
	TypeString Type = "string"
	TypeText   Type = "text"
	TypeInt    Type = "int"
	TypeInt64  Type = "int64"
	TypeFloat  Type = "float"
	TypeBool   Type = "bool"
	TypeTime   Type = "time"
	TypeUUID   Type = "uuid"
	TypeBytes  Type = "bytes"
	TypeJSON   Type = "json"
)

var types = []Type{TypeString, TypeText, TypeInt, TypeInt64, TypeFloat, TypeBool, TypeTime, TypeUUID, TypeBytes, TypeJSON}

// Valid reports if the type is known.
func (t Type) Valid() bool { return slices.Contains(types, t) }

// Textual reports if values of the type are stored as text.
func (t Type) Textual() bool { return t == TypeString || t == TypeText }

// Schema is a parsed schema description.
type Schema struct {
	Entities []*Entity `yaml:"entities" json:"entities"`
}

// Entity describes one entity type.
type Entity struct {
	Name string `yaml:"name" json:"name"`
	// Table defaults to the snake_case plural of Name.
	Table string `yaml:"table,omitempty" json:"table,omitempty"`
	// PrimaryKey defaults to ["id"].
	PrimaryKey []string    `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`
	Fields     []*Field    `yaml:"fields" json:"fields"`
	Uniques    []*Unique   `yaml:"uniques,omitempty" json:"uniques,omitempty"`
	Relations  []*Relation `yaml:"relations,omitempty" json:"relations,omitempty"`
	Audit      *Audit      `yaml:"audit,omitempty" json:"audit,omitempty"`
	// AuditLog marks the entity as the audit event table.
	AuditLog bool `yaml:"audit_log,omitempty" json:"audit_log,omitempty"`
}

// Field describes a column of an entity.
type Field struct {
	Name     string `yaml:"name" json:"name"`
	Type     Type   `yaml:"type" json:"type"`
	Nullable bool   `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	// Unique declares a single-field unique constraint.
	Unique bool `yaml:"unique,omitempty" json:"unique,omitempty"`
	// Size is the maximum length of textual values. Zero means unbounded.
	Size int `yaml:"size,omitempty" json:"size,omitempty"`
	// Native is the native storage format, e.g. "uuid" or "binary(16)".
	Native string `yaml:"native,omitempty" json:"native,omitempty"`
}

// FixedFormat reports if the field stores a fixed-format identifier that
// cannot hold a suffixed value.
func (f *Field) FixedFormat() bool {
	if f.Type == TypeUUID || f.Type == TypeBytes {
		return true
	}
	n := strings.ToLower(f.Native)
	return strings.Contains(n, "uuid") || strings.Contains(n, "binary") || strings.Contains(n, "bytea")
}

// Unique describes a compound unique constraint.
type Unique struct {
	// Name defaults to "<table>_<fields>_key".
	Name   string   `yaml:"name,omitempty" json:"name,omitempty"`
	Fields []string `yaml:"fields" json:"fields"`
}

// Relation describes a reference from this entity to a target entity.
// Relations with Many set are the inverse (one-to-many) side and hold no
// foreign key; the others own the foreign key columns listed in Fields.
type Relation struct {
	Name   string `yaml:"name" json:"name"`
	Target string `yaml:"target" json:"target"`
	// Fields are the foreign key columns on this entity.
	Fields []string `yaml:"fields,omitempty" json:"fields,omitempty"`
	// References are the referenced columns on the target. Defaults to
	// the target primary key.
	References []string `yaml:"references,omitempty" json:"references,omitempty"`
	// Cascade propagates soft deletes from the target to this entity.
	Cascade bool `yaml:"cascade,omitempty" json:"cascade,omitempty"`
	Many    bool `yaml:"many,omitempty" json:"many,omitempty"`
	// Inverse names the relation of the target holding the foreign key of
	// a Many relation. It may be omitted when the target has exactly one
	// relation back to this entity.
	Inverse string `yaml:"inverse,omitempty" json:"inverse,omitempty"`
}

// Audit lists the audited actions of an entity: create, update, delete.
type Audit struct {
	Actions []string `yaml:"actions" json:"actions"`
}

// Has reports if the action is audited.
func (a *Audit) Has(action string) bool {
	return a != nil && slices.Contains(a.Actions, action)
}

// Load reads and parses the schema description at path.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("schema: %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a YAML or JSON schema description, fills in defaults and
// checks that every reference resolves.
func Parse(data []byte) (*Schema, error) {
	s := &Schema{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("schema: decode: %w", err)
	}
	if err := s.Normalize(); err != nil {
		return nil, err
	}
	return s, nil
}

// Normalize fills in default table names, primary keys, relation
// references and constraint names, and validates the description.
// It is idempotent.
func (s *Schema) Normalize() error {
	var errs []error
	seen := make(map[string]bool, len(s.Entities))
	for _, e := range s.Entities {
		if e.Name == "" {
			errs = append(errs, tombstone.NewValidationError("entity", errors.New("missing name")))
			continue
		}
		if seen[e.Name] {
			errs = append(errs, tombstone.NewValidationErrorf(e.Name, "duplicate entity"))
		}
		seen[e.Name] = true
		if e.Table == "" {
			e.Table = TableName(e.Name)
		}
		if len(e.PrimaryKey) == 0 {
			e.PrimaryKey = []string{"id"}
		}
		errs = append(errs, e.validate()...)
	}
	for _, e := range s.Entities {
		for _, r := range e.Relations {
			t, ok := s.Entity(r.Target)
			if !ok {
				errs = append(errs, tombstone.NewValidationErrorf(e.Name, "relation %q: unknown target %q", r.Name, r.Target))
				continue
			}
			if r.Many {
				if err := r.resolveInverse(e, t); err != nil {
					errs = append(errs, err)
				}
				continue
			}
			if len(r.References) == 0 {
				r.References = slices.Clone(t.PrimaryKey)
			}
			if len(r.Fields) != len(r.References) {
				errs = append(errs, tombstone.NewValidationErrorf(e.Name, "relation %q: %d fields for %d references", r.Name, len(r.Fields), len(r.References)))
			}
			for _, f := range r.Fields {
				if _, ok := e.Field(f); !ok {
					errs = append(errs, tombstone.NewValidationErrorf(e.Name, "relation %q: unknown field %q", r.Name, f))
				}
			}
			for _, f := range r.References {
				if _, ok := t.Field(f); !ok {
					errs = append(errs, tombstone.NewValidationErrorf(e.Name, "relation %q: unknown reference %s.%s", r.Name, t.Name, f))
				}
			}
		}
	}
	return tombstone.NewAggregateError(errs...)
}

// resolveInverse checks the inverse of the Many relation r from e to t,
// and names it when t has a single relation back to e. A missing inverse
// is reported when the relation is loaded.
func (r *Relation) resolveInverse(e, t *Entity) error {
	if r.Inverse != "" {
		inv, ok := t.Relation(r.Inverse)
		if !ok || inv.Many || inv.Target != e.Name {
			return tombstone.NewValidationErrorf(e.Name, "relation %q: %s has no relation %q back to %s", r.Name, t.Name, r.Inverse, e.Name)
		}
		return nil
	}
	var names []string
	for _, c := range t.Relations {
		if c.Target == e.Name && !c.Many {
			names = append(names, c.Name)
		}
	}
	switch len(names) {
	case 0:
	case 1:
		r.Inverse = names[0]
	default:
		return tombstone.NewValidationErrorf(e.Name, "relation %q: ambiguous inverse, set inverse to one of %s", r.Name, strings.Join(names, ", "))
	}
	return nil
}

func (e *Entity) validate() []error {
	var errs []error
	names := make(map[string]bool, len(e.Fields))
	for _, f := range e.Fields {
		if names[f.Name] {
			errs = append(errs, tombstone.NewValidationErrorf(e.Name, "duplicate field %q", f.Name))
		}
		names[f.Name] = true
		if !f.Type.Valid() {
			errs = append(errs, tombstone.NewValidationErrorf(e.Name, "field %q: unknown type %q", f.Name, f.Type))
		}
	}
	for _, k := range e.PrimaryKey {
		if !names[k] {
			errs = append(errs, tombstone.NewValidationErrorf(e.Name, "unknown primary key field %q", k))
		}
	}
	for _, u := range e.Uniques {
		if len(u.Fields) == 0 {
			errs = append(errs, tombstone.NewValidationErrorf(e.Name, "unique %q has no fields", u.Name))
		}
		for _, f := range u.Fields {
			if !names[f] {
				errs = append(errs, tombstone.NewValidationErrorf(e.Name, "unique %q: unknown field %q", u.Name, f))
			}
		}
		if u.Name == "" {
			u.Name = ConstraintName(e.Table, u.Fields)
		}
	}
	if e.Audit != nil {
		for _, a := range e.Audit.Actions {
			switch a {
			case "create", "update", "delete":
			default:
				errs = append(errs, tombstone.NewValidationErrorf(e.Name, "unknown audit action %q", a))
			}
		}
	}
	return errs
}

// Entity returns the entity with the given name.
func (s *Schema) Entity(name string) (*Entity, bool) {
	for _, e := range s.Entities {
		if e.Name == name {
			return e, true
		}
	}
	return nil, false
}

// Field returns the field with the given name.
func (e *Entity) Field(name string) (*Field, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Relation returns the relation with the given name.
func (e *Entity) Relation(name string) (*Relation, bool) {
	for _, r := range e.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// UniqueSets returns every unique constraint of the entity, single-field
// constraints declared on fields first, then the compound ones.
func (e *Entity) UniqueSets() []*Unique {
	var us []*Unique
	for _, f := range e.Fields {
		if f.Unique {
			us = append(us, &Unique{Name: ConstraintName(e.Table, []string{f.Name}), Fields: []string{f.Name}})
		}
	}
	return append(us, e.Uniques...)
}

// TableName returns the default table name of an entity.
func TableName(entity string) string {
	return inflect.Underscore(inflect.Pluralize(entity))
}

// ConstraintName returns the default name of a unique constraint.
func ConstraintName(table string, fields []string) string {
	return table + "_" + strings.Join(fields, "_") + "_key"
}
