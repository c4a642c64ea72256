package unique

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/tombstone"
	"github.com/syssam/tombstone/dialect"
	"github.com/syssam/tombstone/dialect/sql"
	"github.com/syssam/tombstone/schema"
)

func account() *schema.Entity {
	e := &schema.Entity{
		Name:  "Account",
		Table: "accounts",
		Fields: []*schema.Field{
			{Name: "id", Type: schema.TypeInt64},
			{Name: "email", Type: schema.TypeString, Unique: true, Size: 24},
			{Name: "external_id", Type: schema.TypeUUID, Unique: true},
			{Name: "seq", Type: schema.TypeInt, Unique: true},
			{Name: "org", Type: schema.TypeString},
			{Name: "handle", Type: schema.TypeString},
			{Name: "deleted_at", Type: schema.TypeTime, Nullable: true},
		},
		Uniques: []*schema.Unique{
			{Name: "accounts_org_handle_key", Fields: []string{"org", "handle"}},
			{Name: "accounts_handle_deleted_at_key", Fields: []string{"handle", "deleted_at"}},
		},
	}
	return e
}

func kinds(c *Classification) map[string]Kind {
	m := make(map[string]Kind, len(c.Constraints))
	for _, con := range c.Constraints {
		m[con.Name] = con.Kind
	}
	return m
}

func TestClassify(t *testing.T) {
	tests := []struct {
		strategy Strategy
		want     map[string]Kind
	}{
		{
			strategy: Mangle,
			want: map[string]Kind{
				"accounts_email_key":             Mangleable,
				"accounts_external_id_key":       NeedsPartialIndex,
				"accounts_seq_key":               NeedsPartialIndex,
				"accounts_org_handle_key":        Mangleable,
				"accounts_handle_deleted_at_key": Unprotected,
			},
		},
		{
			strategy: Sentinel,
			want: map[string]Kind{
				"accounts_email_key":             Unprotected,
				"accounts_external_id_key":       Unprotected,
				"accounts_seq_key":               Unprotected,
				"accounts_org_handle_key":        Unprotected,
				"accounts_handle_deleted_at_key": CompoundWithMarker,
			},
		},
		{
			strategy: None,
			want: map[string]Kind{
				"accounts_email_key":             Unprotected,
				"accounts_external_id_key":       Unprotected,
				"accounts_seq_key":               Unprotected,
				"accounts_org_handle_key":        Unprotected,
				"accounts_handle_deleted_at_key": Unprotected,
			},
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			c := Classify(account(), "deleted_at", tt.strategy)
			assert.Equal(t, tt.want, kinds(c))
		})
	}

	c := Classify(account(), "deleted_at", Mangle)
	assert.Equal(t, []string{"email", "org", "handle"}, c.MangleFields())
	assert.True(t, c.NeedsTransform())
	assert.Len(t, c.Unsafe(), 3)

	assert.False(t, Classify(account(), "deleted_at", None).NeedsTransform())
	assert.Empty(t, Classify(account(), "", Mangle).Constraints, "entities without deletion field are not classified")
}

func TestMangleValue(t *testing.T) {
	m, err := MangleValue("a@x.com", "1", 0)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com__deleted_1", m)

	again, err := MangleValue(m, "1", 0)
	require.NoError(t, err)
	assert.Equal(t, m, again, "mangling twice keeps one suffix")
	assert.Equal(t, 1, strings.Count(again, SuffixMarker))

	other, err := MangleValue(m, "2", 0)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com__deleted_1__deleted_2", other, "only the row's own suffix counts as mangled")

	_, err = MangleValue("a@x.com", "1", 10)
	assert.Error(t, err)

	fits, err := MangleValue("ab", "1", 13)
	require.NoError(t, err)
	assert.Equal(t, "ab__deleted_1", fits)

	assert.Equal(t, "a@x.com", Unmangle(m, "1"))
	assert.Equal(t, "a@x.com", Unmangle("a@x.com", "1"))
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "7", KeyString([]string{"id"}, sql.Record{"id": int64(7)}))
	assert.Equal(t, "acme_42", KeyString([]string{"user_id", "org"}, sql.Record{"user_id": 42, "org": "acme"}))
}

func TestDeleteRestoreValues(t *testing.T) {
	c := Classify(account(), "deleted_at", Mangle)
	row := sql.Record{"id": int64(1), "email": "a@x.io", "org": "acme", "handle": nil}

	set, err := c.DeleteValues(row, "1")
	require.NoError(t, err)
	assert.Equal(t, sql.Record{"email": "a@x.io__deleted_1", "org": "acme__deleted_1"}, set)

	restored := c.RestoreValues(sql.Record{"email": "a@x.io__deleted_1", "org": "acme__deleted_1"}, "1")
	assert.Equal(t, sql.Record{"email": "a@x.io", "org": "acme"}, restored)

	_, err = c.DeleteValues(sql.Record{"email": "very-long-address@example.com"}, "12345")
	require.Error(t, err)
	assert.True(t, tombstone.IsValidationError(err))

	set, err = Classify(account(), "deleted_at", None).DeleteValues(row, "1")
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestCompleteLookup(t *testing.T) {
	c := Classify(account(), "deleted_at", Sentinel)
	got := c.CompleteLookup(sql.Record{"handle": "neo"})
	assert.Equal(t, sql.Record{"handle": "neo", "deleted_at": ActiveSentinel}, got)

	keys := sql.Record{"email": "a@x.io"}
	assert.Equal(t, keys, c.CompleteLookup(keys), "fields outside compound constraints are untouched")

	explicit := sql.Record{"handle": "neo", "deleted_at": "x"}
	assert.Equal(t, explicit, c.CompleteLookup(explicit))

	m := Classify(account(), "deleted_at", Mangle)
	assert.Equal(t, sql.Record{"handle": "neo"}, m.CompleteLookup(sql.Record{"handle": "neo"}))
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []string{"mangle", "Sentinel", "NONE"} {
		_, err := ParseStrategy(s)
		assert.NoError(t, err)
	}
	_, err := ParseStrategy("rename")
	assert.Error(t, err)
	assert.True(t, Mangle.Nullable())
	assert.False(t, Sentinel.Nullable())
}

func TestPartialIndex(t *testing.T) {
	c := Classify(account(), "deleted_at", Mangle)
	var con *Constraint
	for _, x := range c.Constraints {
		if x.Name == "accounts_external_id_key" {
			con = x
		}
	}
	require.NotNil(t, con)

	idx, err := c.PartialIndex(con, dialect.Postgres)
	require.NoError(t, err)
	assert.True(t, idx.Unique)
	assert.Equal(t, "accounts", idx.Table.Name)
	assert.Equal(t, `CREATE UNIQUE INDEX "accounts_external_id_key_active" ON "accounts" ("external_id") WHERE "deleted_at" IS NULL`, IndexDDL(idx, dialect.Postgres))

	idx, err = c.PartialIndex(con, dialect.SQLite)
	require.NoError(t, err)
	assert.Contains(t, IndexDDL(idx, dialect.SQLite), `WHERE "deleted_at" IS NULL`)

	_, err = c.PartialIndex(con, dialect.MySQL)
	assert.True(t, errors.Is(err, ErrPartialIndexUnsupported))
}
