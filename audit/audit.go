// Package audit writes audit events for mutations on audited entities.
//
// Every event is inserted through the driver it is given, which callers
// bind to the transaction of the mutation it describes: an event is
// committed or rolled back together with the rows it records. Events are
// never updated or deleted, and their creation time is left to the storage
// layer.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/syssam/tombstone"
	"github.com/syssam/tombstone/dialect"
	"github.com/syssam/tombstone/dialect/sql"
	"github.com/syssam/tombstone/dialect/sql/sqlgraph"
	"github.com/syssam/tombstone/graph"
)

// Action is the kind of mutation an event records.
type Action string

// Event actions.
const (
	ActionCreate     Action = graph.ActionCreate
	ActionUpdate     Action = graph.ActionUpdate
	ActionDelete     Action = graph.ActionDelete
	ActionHardDelete Action = "hard_delete"
)

// ErrNoAuditTable is returned by Write when the graph has no audit table.
var ErrNoAuditTable = errors.New("audit: schema declares no audit table")

// Event is an audit event to be written.
type Event struct {
	EntityType string
	EntityID   string
	Action     Action
	// ActorID overrides the actor attached to the context. Events without
	// an actor store NULL.
	ActorID string
	Payload any
	// ParentEventID links the event to the event of the row that caused
	// it. It is dropped when the audit table has no parent_event_id column.
	ParentEventID string
	// Context holds per-call context values. They take precedence over the
	// values attached with tombstone.WithAuditContext.
	Context map[string]any
}

// ContextProvider returns the global context values of a Writer.
type ContextProvider func(ctx context.Context) map[string]any

// Codec encodes event payloads into the value stored in the payload column.
type Codec interface {
	Encode(v any) (any, error)
}

// CodecFunc adapts a function to Codec.
type CodecFunc func(v any) (any, error)

// Encode calls f(v).
func (f CodecFunc) Encode(v any) (any, error) { return f(v) }

var (
	// JSONCodec stores payloads as JSON text.
	JSONCodec Codec = CodecFunc(func(v any) (any, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	})
	// MsgpackCodec stores payloads as MessagePack bytes, for binary
	// payload columns.
	MsgpackCodec Codec = CodecFunc(func(v any) (any, error) {
		return msgpack.Marshal(v)
	})
)

// Writer writes audit events into the audit table of a graph.
type Writer struct {
	graph    *graph.Graph
	provider ContextProvider
	codec    Codec
	logger   *zap.Logger
	newID    func() string
}

// Option configures a Writer.
type Option func(*Writer)

// WithContextProvider sets the provider of global context values.
func WithContextProvider(p ContextProvider) Option {
	return func(w *Writer) { w.provider = p }
}

// WithCodec sets the payload codec. JSONCodec is the default.
func WithCodec(c Codec) Option {
	return func(w *Writer) { w.codec = c }
}

// WithLogger sets the logger of the writer.
func WithLogger(l *zap.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// NewWriter returns a Writer for the audit table of g.
func NewWriter(g *graph.Graph, opts ...Option) *Writer {
	w := &Writer{
		graph:  g,
		codec:  JSONCodec,
		logger: zap.NewNop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enabled reports if e is audited for the action. Hard deletes are audited
// only for entities audited for delete.
func (w *Writer) Enabled(e *graph.Entity, action Action) bool {
	if w == nil || w.graph.Audit == nil {
		return false
	}
	if action == ActionHardDelete {
		action = ActionDelete
	}
	return e.Audits(string(action))
}

// Write inserts ev through drv and returns the identifier of the event.
func (w *Writer) Write(ctx context.Context, drv dialect.Driver, ev *Event) (string, error) {
	table := w.graph.Audit
	if table == nil {
		return "", ErrNoAuditTable
	}
	payload, err := w.codec.Encode(ev.Payload)
	if err != nil {
		return "", fmt.Errorf("audit: encoding %s payload of %s: %w", ev.Action, ev.EntityType, err)
	}
	id := w.newID()
	row := sql.Record{
		graph.AuditColumnID:         id,
		graph.AuditColumnEntityType: ev.EntityType,
		graph.AuditColumnEntityID:   ev.EntityID,
		graph.AuditColumnAction:     string(ev.Action),
		graph.AuditColumnActorID:    nil,
		graph.AuditColumnPayload:    payload,
	}
	actor := ev.ActorID
	if actor == "" {
		actor, _ = tombstone.ActorFromContext(ctx)
	}
	if actor != "" {
		row[graph.AuditColumnActorID] = actor
	}
	if table.ParentEvent && ev.ParentEventID != "" {
		row[graph.AuditColumnParentEventID] = ev.ParentEventID
	}
	var global map[string]any
	if w.provider != nil {
		global = w.provider(ctx)
	}
	call := maps.Clone(tombstone.AuditContextFromContext(ctx))
	if call == nil {
		call = make(map[string]any, len(ev.Context))
	}
	maps.Copy(call, ev.Context)
	maps.Copy(row, MergeContext(global, call, table.Context))
	if err := sqlgraph.InsertNode(ctx, drv, table.Table, row); err != nil {
		return "", fmt.Errorf("audit: writing %s event of %s %s: %w", ev.Action, ev.EntityType, ev.EntityID, err)
	}
	w.logger.Debug("audit event written",
		zap.String("event_id", id),
		zap.String("entity", ev.EntityType),
		zap.String("entity_id", ev.EntityID),
		zap.String("action", string(ev.Action)),
	)
	return id, nil
}

// MergeContext merges the global and per-call context values. Keys are
// applied in order: global values first, then per-call values, so a
// per-call value replaces a global one with the same key. Keys missing
// from the whitelist are dropped.
func MergeContext(global, call map[string]any, whitelist []string) map[string]any {
	merged := make(map[string]any, len(whitelist))
	for _, src := range []map[string]any{global, call} {
		for k, v := range src {
			if slices.Contains(whitelist, k) {
				merged[k] = v
			}
		}
	}
	return merged
}

// EntityID renders the identifier of a row. Single keys are rendered as
// their value and composite keys as a JSON object of the key fields.
func EntityID(pk []string, row sql.Record) string {
	if len(pk) == 1 {
		return fmt.Sprint(row[pk[0]])
	}
	key := make(map[string]any, len(pk))
	for _, f := range pk {
		key[f] = row[f]
	}
	b, err := json.Marshal(key)
	if err != nil {
		return fmt.Sprint(key)
	}
	return string(b)
}

// CreatePayload returns the payload of a create event.
func CreatePayload(after sql.Record) map[string]any {
	return map[string]any{"after": map[string]any(after)}
}

// UpdatePayload returns the payload of an update event.
func UpdatePayload(before, after sql.Record) map[string]any {
	return map[string]any{"before": map[string]any(before), "after": map[string]any(after)}
}

// DeletePayload returns the payload of a delete or hard_delete event.
func DeletePayload(before sql.Record) map[string]any {
	return map[string]any{"before": map[string]any(before)}
}
