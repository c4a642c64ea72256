// Package tombstone implements soft deletion with cascading propagation over
// a graph of relational entity types.
//
// A schema description (package schema) is compiled once into a cascade
// graph (package graph). The cascade executor (package cascade) runs
// soft-delete, restore and hard-delete operations inside a single
// transaction, propagating the same deletion marker to every live
// descendant, while the audit writer (package audit) records one event per
// mutated row in that same transaction. Package client exposes the
// application-facing API with read filtering and strategy-aware writes.
//
// Usage:
//
//	sch, err := schema.Load("schema.yaml")
//	if err != nil {
//	    return err
//	}
//	drv, err := sql.Open(dialect.Postgres, dsn)
//	if err != nil {
//	    return err
//	}
//	c, report, err := client.Open(drv, sch, client.WithStrategy(unique.Mangle))
//	if err != nil {
//	    return err
//	}
//	users, err := c.Entity("User")
//	if err != nil {
//	    return err
//	}
//	row, res, err := users.SoftDelete(ctx, sql.EQ("id", 1))
package tombstone

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// CascadeResult maps an entity name to the number of its rows affected by a
// cascading operation. The root entity of the operation is not included.
type CascadeResult map[string]int

// Add records n affected rows for the given entity.
func (r CascadeResult) Add(entity string, n int) {
	if n > 0 {
		r[entity] += n
	}
}

// Merge folds the counts of other into r.
func (r CascadeResult) Merge(other CascadeResult) {
	for k, v := range other {
		r.Add(k, v)
	}
}

// Total returns the number of rows affected across all entities.
func (r CascadeResult) Total() int {
	var n int
	for _, v := range r {
		n += v
	}
	return n
}

// String returns the result in a stable, sorted form, e.g. "{Comment:1, Post:1}".
func (r CascadeResult) String() string {
	keys := slices.Sorted(maps.Keys(r))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, r[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

type (
	actorCtxKey        struct{}
	auditContextCtxKey struct{}
)

// WithActor returns a new context carrying the identifier of the actor
// performing mutations. The actor is written to the deleted-by field of
// soft-deleted rows and to the actor column of audit events.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, actor)
}

// ActorFromContext returns the actor attached to the context, if any.
func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorCtxKey{}).(string)
	return actor, ok && actor != ""
}

// WithAuditContext returns a new context carrying per-call audit context
// values. Values attached by nested calls are merged, with the innermost
// call taking precedence on key collision.
func WithAuditContext(ctx context.Context, values map[string]any) context.Context {
	merged := maps.Clone(AuditContextFromContext(ctx))
	if merged == nil {
		merged = make(map[string]any, len(values))
	}
	maps.Copy(merged, values)
	return context.WithValue(ctx, auditContextCtxKey{}, merged)
}

// AuditContextFromContext returns the per-call audit context values.
func AuditContextFromContext(ctx context.Context) map[string]any {
	v, _ := ctx.Value(auditContextCtxKey{}).(map[string]any)
	return v
}
