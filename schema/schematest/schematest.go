// Package schematest provides schema fixtures and an in-memory SQLite
// database builder for tests of the packages built on the schema
// description.
package schematest

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/syssam/tombstone/dialect"
	"github.com/syssam/tombstone/dialect/sql"
	"github.com/syssam/tombstone/schema"
)

// Blog returns the User → Post → Comment fixture with cascading relations,
// a plain Tag entity and an AuditEvent table. User audits every action,
// Post audits deletes only.
func Blog() *schema.Schema {
	s := &schema.Schema{
		Entities: []*schema.Entity{
			{
				Name: "User",
				Fields: []*schema.Field{
					{Name: "id", Type: schema.TypeInt64},
					{Name: "email", Type: schema.TypeString, Unique: true, Size: 64},
					{Name: "name", Type: schema.TypeString, Nullable: true},
					{Name: "deleted_at", Type: schema.TypeTime, Nullable: true},
					{Name: "deleted_by", Type: schema.TypeString, Nullable: true},
				},
				Relations: []*schema.Relation{
					{Name: "posts", Target: "Post", Many: true},
				},
				Audit: &schema.Audit{Actions: []string{"create", "update", "delete"}},
			},
			{
				Name: "Post",
				Fields: []*schema.Field{
					{Name: "id", Type: schema.TypeInt64},
					{Name: "title", Type: schema.TypeString},
					{Name: "author_id", Type: schema.TypeInt64},
					{Name: "deleted_at", Type: schema.TypeTime, Nullable: true},
					{Name: "deleted_by", Type: schema.TypeString, Nullable: true},
				},
				Relations: []*schema.Relation{
					{Name: "author", Target: "User", Fields: []string{"author_id"}, Cascade: true},
					{Name: "comments", Target: "Comment", Many: true},
				},
				Audit: &schema.Audit{Actions: []string{"delete"}},
			},
			{
				Name: "Comment",
				Fields: []*schema.Field{
					{Name: "id", Type: schema.TypeInt64},
					{Name: "body", Type: schema.TypeText},
					{Name: "post_id", Type: schema.TypeInt64},
					{Name: "deleted_at", Type: schema.TypeTime, Nullable: true},
				},
				Relations: []*schema.Relation{
					{Name: "post", Target: "Post", Fields: []string{"post_id"}, Cascade: true},
				},
			},
			{
				Name: "Tag",
				Fields: []*schema.Field{
					{Name: "id", Type: schema.TypeInt64},
					{Name: "name", Type: schema.TypeString, Unique: true},
				},
			},
			AuditEvent(),
		},
	}
	if err := s.Normalize(); err != nil {
		panic(err)
	}
	return s
}

// SentinelBlog returns the Blog fixture adapted to the sentinel strategy:
// deletion fields are not nullable and User.email is protected by a
// compound unique constraint with the deletion field.
func SentinelBlog() *schema.Schema {
	s := Blog()
	for _, e := range s.Entities {
		if f, ok := e.Field("deleted_at"); ok {
			f.Nullable = false
		}
	}
	u, _ := s.Entity("User")
	email, _ := u.Field("email")
	email.Unique = false
	u.Uniques = []*schema.Unique{{Name: "users_email_deleted_at_key", Fields: []string{"email", "deleted_at"}}}
	return s
}

// AuditEvent returns the audit log entity with an extra "ip" context column.
func AuditEvent() *schema.Entity {
	return &schema.Entity{
		Name:     "AuditEvent",
		AuditLog: true,
		Fields: []*schema.Field{
			{Name: "id", Type: schema.TypeUUID},
			{Name: "entity_type", Type: schema.TypeString},
			{Name: "entity_id", Type: schema.TypeString},
			{Name: "action", Type: schema.TypeString},
			{Name: "actor_id", Type: schema.TypeString, Nullable: true},
			{Name: "payload", Type: schema.TypeJSON},
			{Name: "parent_event_id", Type: schema.TypeUUID, Nullable: true},
			{Name: "created_at", Type: schema.TypeTime, Nullable: true},
			{Name: "ip", Type: schema.TypeString, Nullable: true},
		},
	}
}

// SQLiteDDL returns the CREATE TABLE statements for the schema.
func SQLiteDDL(s *schema.Schema) []string {
	stmts := make([]string, 0, len(s.Entities))
	for _, e := range s.Entities {
		stmts = append(stmts, createTable(e))
	}
	return stmts
}

func createTable(e *schema.Entity) string {
	var (
		b       strings.Builder
		autoinc = len(e.PrimaryKey) == 1 && isInt(e, e.PrimaryKey[0])
		defs    []string
	)
	for _, f := range e.Fields {
		def := fmt.Sprintf("%q %s", f.Name, sqliteType(f))
		switch {
		case autoinc && f.Name == e.PrimaryKey[0]:
			def += " PRIMARY KEY AUTOINCREMENT"
		case f.Name == "created_at" && f.Type == schema.TypeTime:
			def += " DEFAULT CURRENT_TIMESTAMP"
		case !f.Nullable:
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if !autoinc {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", quoteAll(e.PrimaryKey)))
	}
	for _, u := range e.UniqueSets() {
		defs = append(defs, fmt.Sprintf("CONSTRAINT %q UNIQUE (%s)", u.Name, quoteAll(u.Fields)))
	}
	fmt.Fprintf(&b, "CREATE TABLE %q (%s)", e.Table, strings.Join(defs, ", "))
	return b.String()
}

func isInt(e *schema.Entity, name string) bool {
	f, ok := e.Field(name)
	return ok && (f.Type == schema.TypeInt || f.Type == schema.TypeInt64)
}

func sqliteType(f *schema.Field) string {
	switch f.Type {
	case schema.TypeInt, schema.TypeInt64:
		return "INTEGER"
	case schema.TypeFloat:
		return "REAL"
	case schema.TypeBool:
		return "BOOLEAN"
	case schema.TypeTime:
		return "DATETIME"
	case schema.TypeBytes:
		return "BLOB"
	case schema.TypeJSON:
		return "JSON"
	}
	return "TEXT"
}

func quoteAll(names []string) string {
	qs := slices.Clone(names)
	for i, n := range qs {
		qs[i] = fmt.Sprintf("%q", n)
	}
	return strings.Join(qs, ", ")
}

// OpenSQLite opens a private in-memory SQLite database, creates the tables
// of the schema and returns a driver for it. The database is closed when
// the test ends.
func OpenSQLite(t testing.TB, s *schema.Schema) *sql.Driver {
	t.Helper()
	db, err := stdsql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A single connection keeps every statement on the same in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	for _, stmt := range SQLiteDDL(s) {
		_, err := db.ExecContext(context.Background(), stmt)
		require.NoError(t, err, stmt)
	}
	return sql.OpenDB(dialect.SQLite, db)
}
