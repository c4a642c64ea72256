// Package schema checks a live database against a compiled cascade graph:
// the tables and columns the engine reads and writes must exist, deletion
// fields must have the nullability of the unique strategy, and unique
// constraints the strategy cannot protect should be backed by a partial
// unique index over active rows.
package schema

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"ariga.io/atlas/sql/migrate"
	"ariga.io/atlas/sql/mysql"
	"ariga.io/atlas/sql/postgres"
	atlas "ariga.io/atlas/sql/schema"
	"ariga.io/atlas/sql/sqlite"

	"github.com/syssam/tombstone/dialect"
	"github.com/syssam/tombstone/graph"
	"github.com/syssam/tombstone/unique"
)

// ValidationError is a finding of a database check.
type ValidationError struct {
	Table   string
	Column  string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("%s.%s: %s", e.Table, e.Column, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Table, e.Message)
}

// ValidationResult holds the results of a database check.
type ValidationResult struct {
	Errors   []*ValidationError
	Warnings []*ValidationError
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings.
func (r *ValidationResult) HasWarnings() bool {
	return len(r.Warnings) > 0
}

// String returns a human-readable summary of the validation result.
func (r *ValidationResult) String() string {
	var sb strings.Builder
	if len(r.Errors) > 0 {
		sb.WriteString("Errors:\n")
		for _, e := range r.Errors {
			sb.WriteString("  - ")
			sb.WriteString(e.Error())
			sb.WriteString("\n")
		}
	}
	if len(r.Warnings) > 0 {
		sb.WriteString("Warnings:\n")
		for _, w := range r.Warnings {
			sb.WriteString("  - ")
			sb.WriteString(w.Error())
			sb.WriteString("\n")
		}
	}
	if !r.HasErrors() && !r.HasWarnings() {
		sb.WriteString("No issues found")
	}
	return sb.String()
}

func (r *ValidationResult) errorf(table, column, format string, args ...any) {
	r.Errors = append(r.Errors, &ValidationError{Table: table, Column: column, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) warnf(table, column, format string, args ...any) {
	r.Warnings = append(r.Warnings, &ValidationError{Table: table, Column: column, Message: fmt.Sprintf(format, args...)})
}

// CheckOption configures a database check.
type CheckOption func(*checkConfig)

type checkConfig struct {
	schemaName string
}

// WithSchemaName sets the database schema to inspect. By default the
// current schema of the connection is inspected, or "main" on SQLite.
func WithSchemaName(name string) CheckOption {
	return func(c *checkConfig) {
		c.schemaName = name
	}
}

// Inspect returns the live schema of the database behind db.
func Inspect(ctx context.Context, db atlas.ExecQuerier, dialectName string, opts ...CheckOption) (*atlas.Schema, error) {
	cfg := &checkConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	var (
		drv migrate.Driver
		err error
	)
	switch dialectName {
	case dialect.Postgres:
		drv, err = postgres.Open(db)
	case dialect.MySQL:
		drv, err = mysql.Open(db)
	case dialect.SQLite:
		drv, err = sqlite.Open(db)
		if cfg.schemaName == "" {
			cfg.schemaName = "main"
		}
	default:
		return nil, fmt.Errorf("schema: unsupported dialect %q", dialectName)
	}
	if err != nil {
		return nil, fmt.Errorf("schema: opening %s inspector: %w", dialectName, err)
	}
	s, err := drv.InspectSchema(ctx, cfg.schemaName, nil)
	if err != nil {
		return nil, fmt.Errorf("schema: inspecting database: %w", err)
	}
	return s, nil
}

// Check inspects the database behind db and reports where it does not
// match the graph g.
//
// Example:
//
//	result, err := schema.Check(ctx, drv.DB(), drv.Dialect(), g)
//	if err != nil {
//	    return err
//	}
//	if result.HasErrors() {
//	    log.Fatal(result)
//	}
func Check(ctx context.Context, db atlas.ExecQuerier, dialectName string, g *graph.Graph, opts ...CheckOption) (*ValidationResult, error) {
	live, err := Inspect(ctx, db, dialectName, opts...)
	if err != nil {
		return nil, err
	}
	return CheckSchema(live, dialectName, g), nil
}

// CheckSchema compares the inspected schema live with the graph g.
func CheckSchema(live *atlas.Schema, dialectName string, g *graph.Graph) *ValidationResult {
	result := &ValidationResult{}
	for _, e := range g.Entities() {
		t, ok := live.Table(e.Table)
		if !ok {
			result.errorf(e.Table, "", "table of entity %s does not exist", e.Name)
			continue
		}
		for _, f := range e.Def.Fields {
			if _, ok := t.Column(f.Name); !ok {
				result.errorf(e.Table, f.Name, "column does not exist")
			}
		}
		if e.SoftDeletable() {
			checkDeletion(t, e, g.Strategy, result)
			checkUniques(t, e, dialectName, result)
		}
	}
	return result
}

func checkDeletion(t *atlas.Table, e *graph.Entity, s unique.Strategy, result *ValidationResult) {
	c, ok := t.Column(e.SoftDelete.Field)
	if !ok {
		return
	}
	switch {
	case s.Nullable() && !nullable(c):
		result.errorf(t.Name, c.Name, "deletion field is NOT NULL, the %s strategy stores NULL for active rows", s)
	case !s.Nullable() && nullable(c):
		result.warnf(t.Name, c.Name, "deletion field is nullable, the %s strategy expects NOT NULL", s)
	}
	if e.SoftDelete.ByField == "" {
		return
	}
	if by, ok := t.Column(e.SoftDelete.ByField); ok && !nullable(by) {
		result.errorf(t.Name, by.Name, "deleted-by field is NOT NULL, active rows have no deleter")
	}
}

// checkUniques warns about unique constraints the strategy cannot protect
// and that no partial unique index over the same fields replaces.
func checkUniques(t *atlas.Table, e *graph.Entity, dialectName string, result *ValidationResult) {
	for _, con := range e.Unique.Unsafe() {
		if slices.ContainsFunc(t.Indexes, func(idx *atlas.Index) bool {
			return idx.Unique && partial(idx) && slices.Equal(indexColumns(idx), con.Fields)
		}) {
			continue
		}
		idx, err := e.Unique.PartialIndex(con, dialectName)
		if err != nil {
			result.warnf(t.Name, strings.Join(con.Fields, ", "), "%s: %s", con.Kind, con.Reason)
			continue
		}
		result.warnf(t.Name, strings.Join(con.Fields, ", "), "%s: %s; create %s", con.Kind, con.Reason, unique.IndexDDL(idx, dialectName))
	}
}

func nullable(c *atlas.Column) bool {
	return c.Type != nil && c.Type.Null
}

func partial(idx *atlas.Index) bool {
	for _, a := range idx.Attrs {
		switch a.(type) {
		case *postgres.IndexPredicate, *sqlite.IndexPredicate:
			return true
		}
	}
	return false
}

func indexColumns(idx *atlas.Index) []string {
	cols := make([]string, 0, len(idx.Parts))
	for _, p := range idx.Parts {
		if p.C != nil {
			cols = append(cols, p.C.Name)
		}
	}
	return cols
}
