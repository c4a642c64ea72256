package cascade_test

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/tombstone"
	"github.com/syssam/tombstone/cascade"
	"github.com/syssam/tombstone/dialect"
	"github.com/syssam/tombstone/dialect/sql"
	"github.com/syssam/tombstone/graph"
	"github.com/syssam/tombstone/schema"
	"github.com/syssam/tombstone/unique"
)

// authorsByEmail links posts to the unique email of their author.
func authorsByEmail() *schema.Schema {
	return &schema.Schema{Entities: []*schema.Entity{
		{
			Name: "User",
			Fields: []*schema.Field{
				{Name: "id", Type: schema.TypeInt64},
				{Name: "email", Type: schema.TypeString, Unique: true, Size: 64},
				{Name: "deleted_at", Type: schema.TypeTime, Nullable: true},
			},
		},
		{
			Name: "Post",
			Fields: []*schema.Field{
				{Name: "id", Type: schema.TypeInt64},
				{Name: "author_email", Type: schema.TypeString},
				{Name: "deleted_at", Type: schema.TypeTime, Nullable: true},
			},
			Relations: []*schema.Relation{
				{Name: "author", Target: "User", Fields: []string{"author_email"}, References: []string{"email"}, Cascade: true},
			},
		},
	}}
}

func TestSoftDelete_ReferencedUniqueField(t *testing.T) {
	g, report, err := graph.Build(authorsByEmail())
	require.NoError(t, err)
	assert.Contains(t, report.String(), "ON UPDATE CASCADE")

	db, err := stdsql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	for _, stmt := range []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE "users" ("id" INTEGER PRIMARY KEY AUTOINCREMENT, "email" TEXT NOT NULL UNIQUE, "deleted_at" DATETIME)`,
		`CREATE TABLE "posts" ("id" INTEGER PRIMARY KEY AUTOINCREMENT, "author_email" TEXT NOT NULL REFERENCES "users" ("email") ON UPDATE CASCADE, "deleted_at" DATETIME)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	drv := sql.OpenDB(dialect.SQLite, db)
	f := &fixture{t: t, g: g, drv: drv, x: cascade.New(g, drv, cascade.WithClock(func() time.Time { return clock }))}
	f.user, _ = g.Lookup("User")

	ctx := context.Background()
	u := f.create("users", sql.Record{"email": "a@x.com"})
	p := f.create("posts", sql.Record{"author_email": "a@x.com"})
	mangled := "a@x.com" + unique.Suffix(fmt.Sprint(u["id"]))

	row, res, err := f.x.SoftDelete(ctx, f.user, sql.EQ("id", u["id"]))
	require.NoError(t, err)
	assert.Equal(t, mangled, row["email"])
	assert.Equal(t, tombstone.CascadeResult{"Post": 1}, res)
	post := f.get("posts", p["id"])
	assert.True(t, marker.Equal(deletedAt(t, post)))
	assert.Equal(t, mangled, post["author_email"], "the foreign key follows the mangled email")

	row, res, err = f.x.RestoreCascade(ctx, f.user, sql.EQ("id", u["id"]))
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", row["email"])
	assert.Equal(t, tombstone.CascadeResult{"Post": 1}, res)
	post = f.get("posts", p["id"])
	assert.Nil(t, post["deleted_at"])
	assert.Equal(t, "a@x.com", post["author_email"])
}
