package sqlgraph

import (
	"context"
	stdsql "database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/syssam/tombstone"
	"github.com/syssam/tombstone/dialect"
	"github.com/syssam/tombstone/dialect/sql"
)

func TestQueryNodes_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	drv := sql.OpenDB(dialect.Postgres, db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id", "email" FROM "users" WHERE ("email" = $1 AND "deleted_at" IS NULL) ORDER BY "id" LIMIT 2`)).
		WithArgs("a@x.io").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).AddRow(int64(1), "a@x.io"))

	records, err := QueryNodes(context.Background(), drv, &QuerySpec{
		Table:     "users",
		Columns:   []string{"id", "email"},
		Predicate: sql.And(sql.EQ("email", "a@x.io"), sql.IsNull("deleted_at")),
		Order:     []sql.OrderTerm{sql.Asc("id")},
		Limit:     2,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0]["id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateNodes_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	drv := sql.OpenDB(dialect.Postgres, db)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "posts" SET "deleted_at" = $1, "deleted_by" = $2 WHERE ("author_id" IN ($3, $4) AND "deleted_at" IS NULL)`)).
		WithArgs("t", "admin", 1, 2).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := UpdateNodes(context.Background(), drv, &UpdateSpec{
		Table:     "posts",
		Set:       sql.Record{"deleted_at": "t", "deleted_by": "admin"},
		Predicate: sql.And(sql.In("author_id", 1, 2), sql.IsNull("deleted_at")),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())

	n, err = UpdateNodes(context.Background(), drv, &UpdateSpec{Table: "posts"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateNodes_MySQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	drv := sql.OpenDB(dialect.MySQL, db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `users` (`email`) VALUES (?)")).
		WithArgs("a@x.io").
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `users` WHERE `id` = ?")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "deleted_at"}).AddRow(int64(7), "a@x.io", nil))

	records, err := CreateNodes(context.Background(), drv, &CreateSpec{
		Table: "users",
		Key:   []string{"id"},
		Rows:  []sql.Record{{"email": "a@x.io"}},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(7), records[0]["id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyPredicate(t *testing.T) {
	rows := []sql.Record{{"a": 1, "b": 2}, {"a": 3, "b": 4}}
	assert.Equal(t, `"a" IN (?, ?)`, KeyPredicate([]string{"a"}, rows).String())
	assert.Equal(t, `(("a" = ? AND "b" = ?) OR ("a" = ? AND "b" = ?))`, KeyPredicate([]string{"a", "b"}, rows).String())
	assert.Equal(t, "1 = 0", KeyPredicate([]string{"a"}, nil).String())
}

func TestToInt(t *testing.T) {
	for _, v := range []any{int64(3), 3, int32(3), uint64(3), float64(3), "3", []byte("3")} {
		n, err := ToInt(v)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	}
	_, err := ToInt(struct{}{})
	assert.Error(t, err)
}

func TestSQLite_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := stdsql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, email TEXT NOT NULL UNIQUE, score INTEGER NOT NULL DEFAULT 0, deleted_at DATETIME)`)
	require.NoError(t, err)
	drv := sql.OpenDB(dialect.SQLite, db)

	created, err := CreateNodes(ctx, drv, &CreateSpec{
		Table: "users",
		Key:   []string{"id"},
		Rows:  []sql.Record{{"email": "a@x.io", "score": 2}, {"email": "b@x.io", "score": 5}},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, "a@x.io", created[0]["email"])
	assert.NotNil(t, created[0]["id"])

	_, err = CreateNodes(ctx, drv, &CreateSpec{
		Table: "users",
		Key:   []string{"id"},
		Rows:  []sql.Record{{"email": "a@x.io"}},
	})
	require.Error(t, err)
	assert.True(t, tombstone.IsConstraintError(err))
	assert.True(t, IsUniqueConstraintError(err))

	n, err := CountNodes(ctx, drv, &QuerySpec{Table: "users"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	aggs, err := QueryNodes(ctx, drv, &QuerySpec{
		Table:      "users",
		Aggregates: []sql.AggregateFunc{sql.Sum("score"), sql.Max("score")},
	})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	sum, err := ToInt(aggs[0]["sum_score"])
	require.NoError(t, err)
	assert.Equal(t, 7, sum)

	n, err = DeleteNodes(ctx, drv, &DeleteSpec{Table: "users", Predicate: sql.EQ("email", "b@x.io")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = CountNodes(ctx, drv, &QuerySpec{Table: "users"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
