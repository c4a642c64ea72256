package main

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syssam/tombstone/schema"
	"github.com/syssam/tombstone/schema/schematest"
)

const blogSchema = "../../schema/testdata/blog.yaml"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// config writes a configuration file and clears the environment
// variables that would override it.
func config(t *testing.T, content string) string {
	t.Helper()
	for _, env := range []string{"TOMBSTONE_DSN", "TOMBSTONE_STRATEGY", "TOMBSTONE_STRICT", "TOMBSTONE_DIALECT", "TOMBSTONE_SCHEMAS"} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
	return writeFile(t, t.TempDir(), "tombstone.yaml", content)
}

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestLoadConfig(t *testing.T) {
	path := config(t, `
schemas: [a.yaml, b.yaml]
strategy: sentinel
workers: 2
database:
  dialect: sqlite
  schema: main
log:
  level: debug
`)
	t.Setenv("TOMBSTONE_STRICT", "true")
	t.Setenv("TOMBSTONE_DSN", "file:test.db")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.Schemas)
	assert.Equal(t, "sentinel", cfg.Strategy)
	assert.True(t, cfg.Strict)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "sqlite", cfg.Database.DriverName())
	assert.Equal(t, "file:test.db", cfg.Database.DSN)
	assert.Equal(t, "main", cfg.Database.Schema)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Len(t, cfg.GraphOptions(), 4)
}

func TestLoadConfig_Environment(t *testing.T) {
	config(t, "")
	t.Chdir(t.TempDir())
	t.Setenv("TOMBSTONE_SCHEMAS", "x.yaml,y.yaml")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, []string{"x.yaml", "y.yaml"}, cfg.Schemas)
	assert.Equal(t, "mangle", cfg.Strategy)
	assert.Equal(t, "postgres", cfg.Database.Dialect)
	assert.Equal(t, "pgx", cfg.Database.DriverName())
	assert.Equal(t, 4, cfg.Workers)

	cfg.Database.Driver = "postgres"
	assert.Equal(t, "postgres", cfg.Database.DriverName(), "lib/pq")
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	for _, content := range []string{"", "\n", "# nothing configured yet\n"} {
		path := config(t, content)
		t.Setenv("TOMBSTONE_STRATEGY", "sentinel")

		cfg, err := LoadConfig(path)
		require.NoError(t, err, "%q", content)
		assert.Equal(t, "sentinel", cfg.Strategy)
		assert.Equal(t, "postgres", cfg.Database.Dialect)
		assert.Equal(t, 4, cfg.Workers)
		assert.Equal(t, "info", cfg.Log.Level)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "missing.yaml")

	_, err = LoadConfig(config(t, "strategy: [mangle\n"))
	assert.ErrorContains(t, err, "failed to read")

	_, err = LoadConfig(config(t, "strategy: shred\n"))
	assert.ErrorContains(t, err, `unknown strategy "shred"`)

	_, err = LoadConfig(config(t, "database: {dialect: oracle}\n"))
	assert.ErrorContains(t, err, `unsupported dialect "oracle"`)
}

func TestUsage(t *testing.T) {
	assert.Contains(t, Usage(), "TOMBSTONE_DSN")

	code, _, stderr := execute(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "usage: tombstone")

	code, _, stderr = execute(t, "-config", config(t, ""), "shred")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, `unknown command "shred"`)

	code, _, stderr = execute(t, "-config", config(t, ""), "validate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "no schema files")
}

func TestValidate(t *testing.T) {
	cfg := config(t, "")

	code, stdout, _ := execute(t, "-config", cfg, "validate", blogSchema)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, blogSchema+": ok, 3 entities")

	broken := writeFile(t, t.TempDir(), "broken.yaml", "entities:\n  - name: Post\n    relations:\n      - {name: author, target: Nobody}\n")
	code, stdout, _ = execute(t, "-config", cfg, "validate", blogSchema, broken)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, blogSchema+": ok")
	assert.Contains(t, stdout, broken+": ")

	t.Run("Strict", func(t *testing.T) {
		code, stdout, _ := execute(t, "-config", cfg, "validate", "-strategy", "none", blogSchema)
		assert.Equal(t, 0, code)
		assert.Contains(t, stdout, "warning: User(email)")

		code, stdout, _ = execute(t, "-config", cfg, "validate", "-strategy", "none", "-strict", blogSchema)
		assert.Equal(t, 1, code)
		assert.Contains(t, stdout, "strict")
	})

	t.Run("Schemas", func(t *testing.T) {
		cfg := config(t, "schemas: ["+blogSchema+"]\n")
		code, stdout, _ := execute(t, "-config", cfg, "validate")
		assert.Equal(t, 0, code)
		assert.Contains(t, stdout, blogSchema+": ok")
	})
}

func TestIndexes(t *testing.T) {
	cfg := config(t, "")

	code, stdout, _ := execute(t, "-config", cfg, "indexes", "-strategy", "none", "-dialect", "sqlite", blogSchema)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, `CREATE UNIQUE INDEX "users_email_key_active" ON "users" ("email") WHERE "deleted_at" IS NULL;`)
	assert.Contains(t, stdout, `CREATE UNIQUE INDEX "blog_posts_slug_author_email_key_active" ON "blog_posts" ("slug", "author_email")`)

	code, stdout, _ = execute(t, "-config", cfg, "indexes", "-strategy", "none", "-dialect", "mysql", blogSchema)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "-- User(email): values of deleted rows keep blocking new rows")
	assert.NotContains(t, stdout, "CREATE")

	code, stdout, _ = execute(t, "-config", cfg, "indexes", "-dialect", "sqlite", blogSchema)
	assert.Equal(t, 0, code)
	assert.NotContains(t, stdout, "CREATE", "mangle protects every constraint")
}

func TestCheck(t *testing.T) {
	s, err := schema.Load(blogSchema)
	require.NoError(t, err)
	open := func(t *testing.T, stmts []string) string {
		path := filepath.Join(t.TempDir(), "blog.db")
		db, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer db.Close()
		for _, stmt := range stmts {
			_, err := db.Exec(stmt)
			require.NoError(t, err, stmt)
		}
		return path
	}
	cfg := config(t, "database: {dialect: sqlite}\n")

	t.Run("Match", func(t *testing.T) {
		t.Setenv("TOMBSTONE_DSN", open(t, schematest.SQLiteDDL(s)))
		code, stdout, stderr := execute(t, "-config", cfg, "check", blogSchema)
		assert.Equal(t, 0, code, stderr)
		assert.Contains(t, stdout, "No issues found")
	})

	t.Run("Mismatch", func(t *testing.T) {
		ddl := schematest.SQLiteDDL(s)
		t.Setenv("TOMBSTONE_DSN", open(t, ddl[:len(ddl)-1]))
		code, stdout, _ := execute(t, "-config", cfg, "check", blogSchema)
		assert.Equal(t, 1, code)
		assert.Contains(t, stdout, "audit_events: table of entity AuditEvent does not exist")
	})

	t.Run("NoDSN", func(t *testing.T) {
		code, _, stderr := execute(t, "-config", cfg, "check", blogSchema)
		assert.Equal(t, 1, code)
		assert.Contains(t, stderr, "no database DSN")
	})
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatch(t *testing.T) {
	settle = 10 * time.Millisecond
	content, err := os.ReadFile(blogSchema)
	require.NoError(t, err)
	path := writeFile(t, t.TempDir(), "blog.yaml", string(content))

	cfg, err := LoadConfig(config(t, ""))
	require.NoError(t, err)
	out := &syncBuffer{}
	a := &app{cfg: cfg, logger: zap.NewNop(), out: out}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.watch(ctx, []string{path}) }()

	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte(path+": ok, 3 entities"))
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("entities: [{name: Post, relations: [{name: a, target: Nobody}]}]\n"), 0o600))
	assert.Eventually(t, func() bool {
		return bytes.Count([]byte(out.String()), []byte(path+": ")) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "Nobody")

	cancel()
	require.NoError(t, <-done)
}
