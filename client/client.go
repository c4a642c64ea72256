// Package client is the application-facing runtime of tombstone. A Client
// compiles a schema description once and hands out one EntityClient per
// entity. Reads are filtered to active rows by default, deletes of
// soft-deletable entities become cascading soft deletes and every write is
// audited according to the schema.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/syssam/tombstone"
	"github.com/syssam/tombstone/audit"
	"github.com/syssam/tombstone/cascade"
	"github.com/syssam/tombstone/dialect"
	"github.com/syssam/tombstone/dialect/sql"
	"github.com/syssam/tombstone/graph"
	"github.com/syssam/tombstone/privacy"
	"github.com/syssam/tombstone/schema"
	"github.com/syssam/tombstone/unique"
)

// config is the configuration shared by a Client and its transactions.
type config struct {
	driver         dialect.Driver
	strategy       unique.Strategy
	cascade        bool
	strict         bool
	deletionField  string
	deletedByField string
	provider       audit.ContextProvider
	codec          audit.Codec
	policy         privacy.Policy
	logger         *zap.Logger
	now            func() time.Time
	debug          bool
	slowThreshold  time.Duration
}

// Option configures the client.
type Option func(*config)

// WithStrategy sets the unique strategy. Default is unique.Mangle.
func WithStrategy(s unique.Strategy) Option {
	return func(c *config) { c.strategy = s }
}

// WithCascade enables or disables propagation of soft deletes and
// restores to descendants. Cascading is enabled by default.
func WithCascade(enabled bool) Option {
	return func(c *config) { c.cascade = enabled }
}

// WithStrict makes Open fail on schema warnings instead of reporting them.
func WithStrict(strict bool) Option {
	return func(c *config) { c.strict = strict }
}

// WithDeletionField overrides the name of the deletion field.
func WithDeletionField(name string) Option {
	return func(c *config) { c.deletionField = name }
}

// WithDeletedByField overrides the name of the deleted-by field.
func WithDeletedByField(name string) Option {
	return func(c *config) { c.deletedByField = name }
}

// WithAuditContext sets the provider of the global audit context, merged
// into every event before the per-call context.
func WithAuditContext(p audit.ContextProvider) Option {
	return func(c *config) { c.provider = p }
}

// WithAuditCodec sets the encoder of audit payloads. Default is JSON.
func WithAuditCodec(codec audit.Codec) Option {
	return func(c *config) { c.codec = codec }
}

// WithPolicy appends rules to the policy evaluated before every operation.
// Cascades are decided on by the rules of the entity they start from.
func WithPolicy(rules ...privacy.Rule) Option {
	return func(c *config) { c.policy = append(c.policy, rules...) }
}

// WithLogger sets the logger of the client.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithClock sets the source of Deletion Markers.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// Debug enables statement logging at debug level.
func Debug() Option {
	return func(c *config) { c.debug = true }
}

// WithStats collects statement statistics, logging statements slower than
// threshold. See Client.Stats.
func WithStats(threshold time.Duration) Option {
	return func(c *config) { c.slowThreshold = threshold }
}

// Client is the entry point for all operations on the entities of a schema.
type Client struct {
	config
	graph    *graph.Graph
	audit    *audit.Writer
	executor *cascade.Executor
	stats    *sql.QueryStats
	entities []*EntityClient
}

// Open compiles the schema description and returns a client running on
// drv. The build report is returned even when Open fails; its warnings are
// logged.
func Open(drv dialect.Driver, s *schema.Schema, opts ...Option) (*Client, *graph.Report, error) {
	cfg := config{
		driver:   drv,
		strategy: unique.Mangle,
		cascade:  true,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	g, report, err := graph.Build(s,
		graph.WithStrategy(cfg.strategy),
		graph.WithDeletionField(cfg.deletionField),
		graph.WithDeletedByField(cfg.deletedByField),
		graph.WithStrict(cfg.strict),
	)
	if err != nil {
		return nil, report, err
	}
	for _, f := range report.Warnings() {
		cfg.logger.Warn("schema warning",
			zap.String("entity", f.Entity),
			zap.Strings("fields", f.Fields),
			zap.String("message", f.Message),
		)
	}
	c := &Client{config: cfg, graph: g}
	if cfg.debug {
		c.driver = sql.NewDebugDriver(c.driver, cfg.logger)
	}
	if cfg.slowThreshold > 0 {
		stats := sql.NewStatsDriver(c.driver, sql.WithSlowThreshold(cfg.slowThreshold), sql.WithStatsLogger(cfg.logger))
		c.driver, c.stats = stats, stats.QueryStats()
	}
	aopts := []audit.Option{audit.WithLogger(cfg.logger)}
	if cfg.provider != nil {
		aopts = append(aopts, audit.WithContextProvider(cfg.provider))
	}
	if cfg.codec != nil {
		aopts = append(aopts, audit.WithCodec(cfg.codec))
	}
	c.audit = audit.NewWriter(g, aopts...)
	c.executor = cascade.New(g, c.driver,
		cascade.WithCascade(cfg.cascade),
		cascade.WithAudit(c.audit),
		cascade.WithLogger(cfg.logger),
		cascade.WithClock(cfg.now),
	)
	c.init()
	return c, report, nil
}

func (c *Client) init() {
	c.entities = make([]*EntityClient, len(c.graph.Entities()))
	for _, e := range c.graph.Entities() {
		c.entities[e.ID] = &EntityClient{client: c, entity: e, view: ViewActive}
	}
}

// Graph returns the compiled schema graph.
func (c *Client) Graph() *graph.Graph { return c.graph }

// Stats returns the statement statistics, or nil when the client was
// opened without WithStats.
func (c *Client) Stats() *sql.QueryStats { return c.stats }

// Entity returns the client of the named entity.
func (c *Client) Entity(name string) (*EntityClient, error) {
	e, ok := c.graph.Lookup(name)
	if !ok {
		return nil, tombstone.NewValidationErrorf(name, "unknown entity")
	}
	return c.entities[e.ID], nil
}

// EntityOf returns the client of the entity with the given id.
func (c *Client) EntityOf(id graph.EntityID) *EntityClient {
	return c.entities[id]
}

// Close closes the underlying driver.
func (c *Client) Close() error {
	return c.driver.Close()
}

// Tx returns a new transactional client. Every operation of the returned
// Tx, cascades and audit events included, runs in that transaction.
func (c *Client) Tx(ctx context.Context) (*Tx, error) {
	if _, ok := c.driver.(*txDriver); ok {
		return nil, tombstone.ErrTxStarted
	}
	tx, err := c.driver.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("tombstone: starting a transaction: %w", err)
	}
	cfg := c.config
	drv := &txDriver{tx: tx, drv: c.driver}
	cfg.driver = drv
	tc := &Client{
		config:   cfg,
		graph:    c.graph,
		audit:    c.audit,
		executor: c.executor.WithDriver(drv),
		stats:    c.stats,
	}
	tc.init()
	return &Tx{Client: tc, ctx: ctx, drv: drv}, nil
}

// WithTx runs fn within a transaction. The transaction is rolled back if
// fn returns an error or panics, and committed otherwise.
func (c *Client) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := c.Tx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if v := recover(); v != nil {
			_ = tx.Rollback()
			panic(v)
		}
	}()
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return &tombstone.RollbackError{Err: fmt.Errorf("%w: rolling back transaction: %v", err, rerr)}
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tombstone: committing transaction: %w", err)
	}
	return nil
}

// Committer is the interface that wraps the Commit method.
type Committer interface {
	Commit(context.Context, *Tx) error
}

// CommitFunc is an adapter to allow the use of ordinary function as Committer.
type CommitFunc func(context.Context, *Tx) error

// Commit calls f(ctx, tx).
func (f CommitFunc) Commit(ctx context.Context, tx *Tx) error { return f(ctx, tx) }

// CommitHook defines the "commit middleware". A function that gets a
// Committer and returns a Committer.
type CommitHook func(Committer) Committer

// Rollbacker is the interface that wraps the Rollback method.
type Rollbacker interface {
	Rollback(context.Context, *Tx) error
}

// RollbackFunc is an adapter to allow the use of ordinary function as Rollbacker.
type RollbackFunc func(context.Context, *Tx) error

// Rollback calls f(ctx, tx).
func (f RollbackFunc) Rollback(ctx context.Context, tx *Tx) error { return f(ctx, tx) }

// RollbackHook defines the "rollback middleware".
type RollbackHook func(Rollbacker) Rollbacker

// Tx is a transactional client. It exposes the operations of Client on
// one transaction.
type Tx struct {
	*Client
	ctx context.Context
	drv *txDriver
}

// Commit commits the transaction.
func (tx *Tx) Commit() error {
	var fn Committer = CommitFunc(func(context.Context, *Tx) error {
		return tx.drv.tx.Commit()
	})
	tx.drv.mu.Lock()
	hooks := append([]CommitHook(nil), tx.drv.onCommit...)
	tx.drv.mu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		fn = hooks[i](fn)
	}
	return fn.Commit(tx.ctx, tx)
}

// Rollback rolls back the transaction.
func (tx *Tx) Rollback() error {
	var fn Rollbacker = RollbackFunc(func(context.Context, *Tx) error {
		return tx.drv.tx.Rollback()
	})
	tx.drv.mu.Lock()
	hooks := append([]RollbackHook(nil), tx.drv.onRollback...)
	tx.drv.mu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		fn = hooks[i](fn)
	}
	return fn.Rollback(tx.ctx, tx)
}

// OnCommit adds a hook to call on commit.
func (tx *Tx) OnCommit(f CommitHook) {
	tx.drv.mu.Lock()
	tx.drv.onCommit = append(tx.drv.onCommit, f)
	tx.drv.mu.Unlock()
}

// OnRollback adds a hook to call on rollback.
func (tx *Tx) OnRollback(f RollbackHook) {
	tx.drv.mu.Lock()
	tx.drv.onRollback = append(tx.drv.onRollback, f)
	tx.drv.mu.Unlock()
}

// Context returns the transaction context.
func (tx *Tx) Context() context.Context { return tx.ctx }

// txDriver binds the operations of a transactional client to its
// transaction. Operations that open their own transaction run under a
// savepoint of it, so a failed cascade leaves nothing behind in the
// transaction. Only Tx.Commit and Tx.Rollback end it.
type txDriver struct {
	tx         dialect.Tx
	drv        dialect.Driver
	mu         sync.Mutex
	onCommit   []CommitHook
	onRollback []RollbackHook
	savepoints atomic.Int64
}

func (d *txDriver) Exec(ctx context.Context, query string, args, v any) error {
	return d.tx.Exec(ctx, query, args, v)
}

func (d *txDriver) Query(ctx context.Context, query string, args, v any) error {
	return d.tx.Query(ctx, query, args, v)
}

func (d *txDriver) Tx(ctx context.Context) (dialect.Tx, error) {
	return dialect.Savepoint(ctx, d, fmt.Sprintf("tombstone_%d", d.savepoints.Add(1)))
}

func (*txDriver) Close() error { return nil }

func (d *txDriver) Dialect() string { return d.drv.Dialect() }

var _ dialect.Driver = (*txDriver)(nil)
