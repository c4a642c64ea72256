package dialect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTx struct {
	queries   []string
	committed bool
	rolled    bool
}

func (r *recordingTx) Exec(_ context.Context, query string, _, _ any) error {
	r.queries = append(r.queries, query)
	return nil
}

func (r *recordingTx) Query(_ context.Context, query string, _, _ any) error {
	r.queries = append(r.queries, query)
	return nil
}

func (r *recordingTx) Commit() error   { r.committed = true; return nil }
func (r *recordingTx) Rollback() error { r.rolled = true; return nil }

func TestTxDriver(t *testing.T) {
	ctx := context.Background()
	rt := &recordingTx{}
	drv := NewTxDriver(rt, Postgres)
	assert.Equal(t, Postgres, drv.Dialect())

	nested, err := drv.Tx(ctx)
	require.NoError(t, err)
	require.NoError(t, nested.Exec(ctx, "UPDATE a", []any{}, nil))
	require.NoError(t, nested.Commit())
	require.NoError(t, nested.Rollback())
	assert.False(t, rt.committed, "nested commit must not end the outer transaction")
	assert.False(t, rt.rolled)
	assert.Equal(t, []string{"UPDATE a"}, rt.queries)

	require.NoError(t, drv.Close())
	require.NoError(t, drv.Commit())
	assert.True(t, rt.committed)
}

func TestSavepoint(t *testing.T) {
	ctx := context.Background()
	rt := &recordingTx{}
	drv := NewTxDriver(rt, SQLite)

	sp, err := Savepoint(ctx, drv, "sp_1")
	require.NoError(t, err)
	require.NoError(t, sp.Exec(ctx, "UPDATE a", []any{}, nil))
	require.NoError(t, sp.Commit())
	assert.Equal(t, []string{"SAVEPOINT sp_1", "UPDATE a", "RELEASE SAVEPOINT sp_1"}, rt.queries)

	rt.queries = nil
	sp, err = Savepoint(ctx, drv, "sp_2")
	require.NoError(t, err)
	require.NoError(t, sp.Exec(ctx, "UPDATE b", []any{}, nil))
	require.NoError(t, sp.Rollback())
	assert.Equal(t, []string{"SAVEPOINT sp_2", "UPDATE b", "ROLLBACK TO SAVEPOINT sp_2", "RELEASE SAVEPOINT sp_2"}, rt.queries)
	assert.False(t, rt.committed)
	assert.False(t, rt.rolled, "the enclosing transaction stays open")
}
