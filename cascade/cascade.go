// Package cascade executes soft deletes, restores and hard deletes over the
// cascade graph of a schema.
//
// Every top-level call runs in one transaction: the root rows, every live
// descendant reached through cascade edges and the audit events of all of
// them are committed or rolled back together. A soft delete stamps the
// root rows and their descendants with one Deletion Marker, and a restore
// only brings back descendants that carry the marker of their parent.
package cascade

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/syssam/tombstone"
	"github.com/syssam/tombstone/audit"
	"github.com/syssam/tombstone/dialect"
	"github.com/syssam/tombstone/dialect/sql"
	"github.com/syssam/tombstone/dialect/sql/sqlgraph"
	"github.com/syssam/tombstone/graph"
	"github.com/syssam/tombstone/unique"
)

// Executor runs cascading operations against a driver.
type Executor struct {
	graph   *graph.Graph
	drv     dialect.Driver
	audit   *audit.Writer
	cascade bool
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithCascade enables or disables propagation to descendants. Cascading is
// enabled by default.
func WithCascade(enabled bool) Option {
	return func(x *Executor) { x.cascade = enabled }
}

// WithAudit sets the audit writer. Without it, an Executor writes events
// with a default writer of the graph.
func WithAudit(w *audit.Writer) Option {
	return func(x *Executor) { x.audit = w }
}

// WithLogger sets the logger of the executor.
func WithLogger(l *zap.Logger) Option {
	return func(x *Executor) { x.logger = l }
}

// WithClock sets the source of Deletion Markers.
func WithClock(now func() time.Time) Option {
	return func(x *Executor) { x.now = now }
}

// New returns an Executor for g running on drv.
func New(g *graph.Graph, drv dialect.Driver, opts ...Option) *Executor {
	x := &Executor{
		graph:   g,
		drv:     drv,
		cascade: true,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.audit == nil {
		x.audit = audit.NewWriter(g, audit.WithLogger(x.logger))
	}
	return x
}

// WithDriver returns a copy of the executor running on drv.
func (x *Executor) WithDriver(drv dialect.Driver) *Executor {
	c := *x
	c.drv = drv
	return &c
}

// Graph returns the graph of the executor.
func (x *Executor) Graph() *graph.Graph { return x.graph }

// Active returns the predicate matching the active rows of e under the
// strategy s, or nil if e is not soft-deletable.
func Active(e *graph.Entity, s unique.Strategy) *sql.Predicate {
	if !e.SoftDeletable() {
		return nil
	}
	if s.Nullable() {
		return sql.IsNull(e.SoftDelete.Field)
	}
	return sql.EQ(e.SoftDelete.Field, unique.ActiveSentinel)
}

// Deleted returns the predicate matching the soft-deleted rows of e under
// the strategy s. It matches nothing if e is not soft-deletable.
func Deleted(e *graph.Entity, s unique.Strategy) *sql.Predicate {
	if !e.SoftDeletable() {
		return sql.False()
	}
	if s.Nullable() {
		return sql.NotNull(e.SoftDelete.Field)
	}
	return sql.NEQ(e.SoftDelete.Field, unique.ActiveSentinel)
}

// ActiveValue returns the value of the deletion field of active rows.
func ActiveValue(s unique.Strategy) any {
	if s.Nullable() {
		return nil
	}
	return unique.ActiveSentinel
}

// IsActive reports if row is active.
func IsActive(e *graph.Entity, s unique.Strategy, row sql.Record) bool {
	if !e.SoftDeletable() {
		return true
	}
	v := row[e.SoftDelete.Field]
	if s.Nullable() {
		return v == nil
	}
	t, ok := v.(time.Time)
	return ok && t.Equal(unique.ActiveSentinel)
}

func (x *Executor) marker() time.Time {
	return x.now().UTC().Truncate(time.Microsecond)
}

func (x *Executor) active(e *graph.Entity) *sql.Predicate {
	return Active(e, x.graph.Strategy)
}

func softDeletable(e *graph.Entity, op string) error {
	if e.SoftDeletable() {
		return nil
	}
	return tombstone.NewMutationError(e.Name, op, fmt.Errorf("%s is not soft-deletable", e.Name))
}

// childPredicate matches the rows of the edge child that reference one of
// the parent rows. Parents with a NULL referenced value are skipped.
func childPredicate(edge *graph.Edge, parents []sql.Record) *sql.Predicate {
	refs := make([]sql.Record, 0, len(parents))
	seen := make(map[string]struct{}, len(parents))
	for _, p := range parents {
		ref := make(sql.Record, len(edge.FKFields))
		for i, f := range edge.FKFields {
			ref[f] = p[edge.ParentFields[i]]
		}
		if hasNil(ref) {
			continue
		}
		k := refKey(edge.FKFields, ref)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		refs = append(refs, ref)
	}
	return sqlgraph.KeyPredicate(edge.FKFields, refs)
}

// refKey renders the values of fields in their given order.
func refKey(fields []string, row sql.Record) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprint(row[f])
	}
	return strings.Join(parts, "\x00")
}

func hasNil(r sql.Record) bool {
	for _, v := range r {
		if v == nil {
			return true
		}
	}
	return false
}

// parentEvents maps the referenced values of each parent row to the
// identifier of its audit event.
func parentEvents(edge *graph.Edge, parents []sql.Record, events []string) map[string]string {
	if events == nil {
		return nil
	}
	m := make(map[string]string, len(parents))
	for i, p := range parents {
		if events[i] != "" {
			m[refKey(edge.ParentFields, p)] = events[i]
		}
	}
	return m
}

// linkEvents returns the parent event of each child row.
func linkEvents(edge *graph.Edge, byRef map[string]string, children []sql.Record) []string {
	if byRef == nil {
		return nil
	}
	links := make([]string, len(children))
	for i, c := range children {
		links[i] = byRef[refKey(edge.FKFields, c)]
	}
	return links
}

func at(events []string, i int) string {
	if events == nil {
		return ""
	}
	return events[i]
}
