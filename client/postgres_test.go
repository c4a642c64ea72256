//go:build integration

package client_test

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/syssam/tombstone"
	"github.com/syssam/tombstone/client"
	"github.com/syssam/tombstone/dialect"
	"github.com/syssam/tombstone/dialect/sql"
	dbschema "github.com/syssam/tombstone/dialect/sql/schema"
	"github.com/syssam/tombstone/dialect/sql/sqlgraph"
	"github.com/syssam/tombstone/schema/schematest"
)

var blogPostgres = []string{
	`CREATE TABLE users (id BIGSERIAL PRIMARY KEY, email VARCHAR(64) NOT NULL CONSTRAINT users_email_key UNIQUE, name TEXT, deleted_at TIMESTAMPTZ, deleted_by TEXT)`,
	`CREATE TABLE posts (id BIGSERIAL PRIMARY KEY, title TEXT NOT NULL, author_id BIGINT NOT NULL, deleted_at TIMESTAMPTZ, deleted_by TEXT)`,
	`CREATE TABLE comments (id BIGSERIAL PRIMARY KEY, body TEXT NOT NULL, post_id BIGINT NOT NULL, deleted_at TIMESTAMPTZ)`,
	`CREATE TABLE tags (id BIGSERIAL PRIMARY KEY, name TEXT NOT NULL CONSTRAINT tags_name_key UNIQUE)`,
	`CREATE TABLE audit_events (id UUID PRIMARY KEY, entity_type TEXT NOT NULL, entity_id TEXT NOT NULL, action TEXT NOT NULL, actor_id TEXT, payload JSONB NOT NULL, parent_event_id UUID, created_at TIMESTAMPTZ DEFAULT now(), ip TEXT)`,
}

// openPostgres starts a PostgreSQL container with the tables of the Blog
// fixture and returns a connection to it.
func openPostgres(t *testing.T) *stdsql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "tombstone",
				"POSTGRES_USER":     "tombstone",
				"POSTGRES_PASSWORD": "test_password",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	db, err := stdsql.Open("pgx", fmt.Sprintf("postgres://tombstone:test_password@%s:%s/tombstone?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	for _, stmt := range blogPostgres {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err, stmt)
	}
	return db
}

func TestPostgres(t *testing.T) {
	db := openPostgres(t)
	ctx := context.Background()
	s := schematest.Blog()
	c, _, err := client.Open(sql.OpenDB(dialect.Postgres, db), s, client.WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	f := &fixture{t: t, c: c}
	f.users = f.entity("User")
	f.posts = f.entity("Post")
	f.comments = f.entity("Comment")
	f.events = f.entity("AuditEvent")

	result, err := dbschema.Check(ctx, db, dialect.Postgres, c.Graph())
	require.NoError(t, err)
	assert.False(t, result.HasErrors(), result.String())

	u, p, cm := f.chain("a@x.com")

	actx := tombstone.WithActor(ctx, "admin")
	row, res, err := f.users.Delete(actx, sql.EQ("id", u["id"]))
	require.NoError(t, err)
	assert.Equal(t, tombstone.CascadeResult{"Post": 1, "Comment": 1}, res)
	assert.Equal(t, fmt.Sprintf("a@x.com__deleted_%v", u["id"]), row["email"])
	assert.Equal(t, 0, f.count(f.users))
	assert.Equal(t, 1, f.count(f.comments.Deleted(), sql.EQ("id", cm["id"])))

	// The unique email is free again.
	again := f.create(f.users, sql.Record{"email": "a@x.com"})

	// Restoring would collide with the new row.
	_, _, err = f.users.RestoreCascade(ctx, sql.EQ("id", u["id"]))
	require.Error(t, err)
	assert.True(t, sqlgraph.IsUniqueConstraintError(err), "%T: %v", err, err)

	_, _, err = f.users.Delete(ctx, sql.EQ("id", again["id"]))
	require.NoError(t, err)
	row, res, err = f.users.RestoreCascade(ctx, sql.EQ("id", u["id"]))
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", row["email"])
	assert.Equal(t, tombstone.CascadeResult{"Post": 1, "Comment": 1}, res)
	assert.Equal(t, 1, f.count(f.posts, sql.EQ("id", p["id"])))

	n := f.count(f.events, sql.EQ("entity_type", "User"), sql.EQ("action", "delete"))
	assert.Equal(t, 2, n)

	t.Run("Rollback", func(t *testing.T) {
		err := c.WithTx(ctx, func(tx *client.Tx) error {
			users, err := tx.Entity("User")
			if err != nil {
				return err
			}
			if _, _, err := users.Delete(ctx, sql.EQ("id", u["id"])); err != nil {
				return err
			}
			return fmt.Errorf("abort")
		})
		require.EqualError(t, err, "abort")
		assert.Equal(t, 1, f.count(f.users, sql.EQ("id", u["id"])))
		assert.Equal(t, 1, f.count(f.comments, sql.EQ("id", cm["id"])))
	})
}
