package sql

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/syssam/tombstone/dialect"
)

func TestBuilderQuote(t *testing.T) {
	assert.Equal(t, "`users`", NewBuilder(dialect.MySQL).Quote("users"))
	assert.Equal(t, `"users"`, NewBuilder(dialect.Postgres).Quote("users"))
	assert.Equal(t, `"users"`, NewBuilder(dialect.SQLite).Quote("users"))
	assert.Equal(t, "*", NewBuilder(dialect.Postgres).Quote("*"))
	assert.Equal(t, `"already"`, NewBuilder(dialect.Postgres).Quote(`"already"`))
}

func TestSelector(t *testing.T) {
	tests := []struct {
		name      string
		input     *Selector
		wantQuery string
		wantArgs  []any
	}{
		{
			name:      "star",
			input:     Dialect(dialect.Postgres).Select().From("users"),
			wantQuery: `SELECT * FROM "users"`,
		},
		{
			name: "postgres where and order",
			input: Dialect(dialect.Postgres).Select("id", "email").From("users").
				Where(EQ("email", "a@x.io")).
				Where(IsNull("deleted_at")).
				OrderBy(Desc("id"), Asc("email")).
				Limit(5).
				Offset(10),
			wantQuery: `SELECT "id", "email" FROM "users" WHERE ("email" = $1 AND "deleted_at" IS NULL) ORDER BY "id" DESC, "email" LIMIT 5 OFFSET 10`,
			wantArgs:  []any{"a@x.io"},
		},
		{
			name: "mysql in and for update",
			input: Dialect(dialect.MySQL).Select("id").From("posts").
				Where(In("author_id", 1, 2)).
				ForUpdate(),
			wantQuery: "SELECT `id` FROM `posts` WHERE `author_id` IN (?, ?) FOR UPDATE",
			wantArgs:  []any{1, 2},
		},
		{
			name:      "sqlite ignores for update",
			input:     Dialect(dialect.SQLite).Select("id").From("posts").ForUpdate(),
			wantQuery: `SELECT "id" FROM "posts"`,
		},
		{
			name:      "sqlite offset without limit",
			input:     Dialect(dialect.SQLite).Select("id").From("posts").Offset(3),
			wantQuery: `SELECT "id" FROM "posts" LIMIT -1 OFFSET 3`,
		},
		{
			name:      "mysql offset without limit",
			input:     Dialect(dialect.MySQL).Select("id").From("posts").Offset(3),
			wantQuery: "SELECT `id` FROM `posts` LIMIT 18446744073709551615 OFFSET 3",
		},
		{
			name: "aggregate group by",
			input: Dialect(dialect.Postgres).Select().From("posts").
				GroupBy("author_id").
				Aggregate(Count(), Sum("score")),
			wantQuery: `SELECT "author_id", COUNT(*) AS "count", SUM("score") AS "sum_score" FROM "posts" GROUP BY "author_id"`,
		},
		{
			name:      "empty in matches nothing",
			input:     Dialect(dialect.Postgres).Select("id").From("posts").Where(In("id")),
			wantQuery: `SELECT "id" FROM "posts" WHERE 1 = 0`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := tt.input.Query()
			assert.Equal(t, tt.wantQuery, query)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestUpdateBuilder(t *testing.T) {
	u := Dialect(dialect.Postgres).Update("users").
		Set("email", "a").
		Set("deleted_at", "t").
		Set("email", "b").
		Where(EQ("id", 1))
	query, args := u.Query()
	assert.Equal(t, `UPDATE "users" SET "email" = $1, "deleted_at" = $2 WHERE "id" = $3`, query)
	assert.Equal(t, []any{"b", "t", 1}, args)
	assert.True(t, Dialect(dialect.Postgres).Update("users").Empty())
}

func TestInsertBuilder(t *testing.T) {
	query, args := Dialect(dialect.Postgres).Insert("users").
		Columns("email", "name").
		Values("a@x.io", "A").
		Values("b@x.io", "B").
		Returning().
		Query()
	assert.Equal(t, `INSERT INTO "users" ("email", "name") VALUES ($1, $2), ($3, $4) RETURNING *`, query)
	assert.Equal(t, []any{"a@x.io", "A", "b@x.io", "B"}, args)

	query, _ = Dialect(dialect.MySQL).Insert("users").Returning().Query()
	assert.Equal(t, "INSERT INTO `users` () VALUES ()", query)

	query, _ = Dialect(dialect.SQLite).Insert("users").Query()
	assert.Equal(t, `INSERT INTO "users" DEFAULT VALUES`, query)
}

func TestDeleteBuilder(t *testing.T) {
	query, args := Dialect(dialect.SQLite).Delete("comments").
		Where(Or(EQ("post_id", 1), EQ("post_id", 2))).
		Query()
	assert.Equal(t, `DELETE FROM "comments" WHERE ("post_id" = ? OR "post_id" = ?)`, query)
	assert.Equal(t, []any{1, 2}, args)
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name string
		p    *Predicate
		want string
	}{
		{"eq nil", EQ("a", nil), `"a" IS NULL`},
		{"neq nil", NEQ("a", nil), `"a" IS NOT NULL`},
		{"neq", NEQ("a", 1), `"a" <> ?`},
		{"gt", GT("a", 1), `"a" > ?`},
		{"gte", GTE("a", 1), `"a" >= ?`},
		{"lt", LT("a", 1), `"a" < ?`},
		{"lte", LTE("a", 1), `"a" <= ?`},
		{"not in", NotIn("a", 1), `"a" NOT IN (?)`},
		{"not", Not(EQ("a", 1)), `NOT ("a" = ?)`},
		{"has prefix", HasPrefix("a", "x_"), `"a" LIKE ?`},
		{"and single", And(nil, EQ("a", 1), nil), `"a" = ?`},
		{"fields", FieldsEQ([]string{"a", "b"}, []any{1, 2}), `("a" = ? AND "b" = ?)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.String())
		})
	}
	assert.Nil(t, And())
	assert.Nil(t, Or(nil, nil))
	assert.Nil(t, NotIn("a"))
	assert.Equal(t, "", (*Predicate)(nil).String())
}
