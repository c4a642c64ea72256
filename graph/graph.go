// Package graph compiles a schema description into the runtime metadata of
// the soft-delete engine: per-entity soft-delete and audit capabilities,
// unique constraint classification, and the cascade graph.
//
// Entities are identified by a dense EntityID assigned in declaration
// order. Every per-entity table in the engine is a slice indexed by
// EntityID, so Lookup is the only name-keyed entry point.
//
//	g, report, err := graph.Build(sch, graph.WithStrategy(unique.Mangle))
//	if err != nil {
//	    return err
//	}
//	for _, f := range report.Warnings() {
//	    log.Println(f)
//	}
//	user, _ := g.Lookup("User")
//	for _, id := range g.CascadeOrder(user.ID) {
//	    ...
//	}
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/syssam/tombstone"
	"github.com/syssam/tombstone/schema"
	"github.com/syssam/tombstone/unique"
)

// EntityID identifies an entity of a Graph.
type EntityID int

// Audit actions an entity can be configured for.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// SoftDelete describes the soft-delete capability of an entity.
type SoftDelete struct {
	// Field is the deletion field holding the Deletion Marker.
	Field string
	// ByField is the optional deleted-by field. Empty if absent.
	ByField string
	// Nullable reports if the deletion field accepts NULL.
	Nullable bool
}

// Entity is the compiled metadata of one entity.
type Entity struct {
	ID         EntityID
	Name       string
	Table      string
	PrimaryKey []string
	// SoftDelete is nil for entities that are not soft-deletable.
	SoftDelete *SoftDelete
	// Unique is the classification of the entity unique constraints.
	Unique *unique.Classification
	// Def is the schema description the entity was built from.
	Def *schema.Entity

	audit []string
}

// SoftDeletable reports if the entity supports soft deletion.
func (e *Entity) SoftDeletable() bool { return e.SoftDelete != nil }

// Audits reports if the entity is audited for the action.
func (e *Entity) Audits(action string) bool { return slices.Contains(e.audit, action) }

// Columns returns the names of all entity columns.
func (e *Entity) Columns() []string {
	cols := make([]string, len(e.Def.Fields))
	for i, f := range e.Def.Fields {
		cols[i] = f.Name
	}
	return cols
}

// Edge is a cascade edge from a parent entity to a child entity that owns
// the foreign key.
type Edge struct {
	Parent   EntityID
	Child    EntityID
	Relation string
	// FKFields are the foreign key columns on the child.
	FKFields []string
	// ParentFields are the referenced columns on the parent.
	ParentFields []string
}

// Audit event table columns.
const (
	AuditColumnID            = "id"
	AuditColumnEntityType    = "entity_type"
	AuditColumnEntityID      = "entity_id"
	AuditColumnAction        = "action"
	AuditColumnActorID       = "actor_id"
	AuditColumnPayload       = "payload"
	AuditColumnParentEventID = "parent_event_id"
	AuditColumnCreatedAt     = "created_at"
)

var (
	requiredAuditColumns = []string{AuditColumnID, AuditColumnEntityType, AuditColumnEntityID, AuditColumnAction, AuditColumnActorID, AuditColumnPayload}
	optionalAuditColumns = []string{AuditColumnParentEventID, AuditColumnCreatedAt}
)

// AuditTable describes the audit event table.
type AuditTable struct {
	Entity EntityID
	Table  string
	// ParentEvent reports if the table has a parent_event_id column.
	ParentEvent bool
	// Context lists the extra columns persisted from the audit context.
	Context []string
}

// Graph is the compiled schema.
type Graph struct {
	Strategy unique.Strategy
	// Audit is nil when the schema declares no audit table.
	Audit *AuditTable

	entities []*Entity
	children [][]*Edge
	byName   map[string]EntityID
}

// Entities returns all entities in declaration order.
func (g *Graph) Entities() []*Entity { return g.entities }

// Entity returns the entity with the given identifier.
func (g *Graph) Entity(id EntityID) *Entity { return g.entities[id] }

// Lookup returns the entity with the given name.
func (g *Graph) Lookup(name string) (*Entity, bool) {
	id, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return g.entities[id], true
}

// Children returns the direct cascade edges of an entity.
func (g *Graph) Children(id EntityID) []*Edge { return g.children[id] }

// CascadeOrder returns root and every entity reachable from it through
// cascade edges in depth-first post-order: children before their parent,
// root last.
func (g *Graph) CascadeOrder(root EntityID) []EntityID {
	var (
		order   []EntityID
		visited = make([]bool, len(g.entities))
		visit   func(EntityID)
	)
	visit = func(id EntityID) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, e := range g.children[id] {
			visit(e.Child)
		}
		order = append(order, id)
	}
	visit(root)
	return order
}

// Descendants returns the soft-deletable entities of CascadeOrder(root),
// excluding root.
func (g *Graph) Descendants(root EntityID) []EntityID {
	var ids []EntityID
	for _, id := range g.CascadeOrder(root) {
		if id != root && g.entities[id].SoftDeletable() {
			ids = append(ids, id)
		}
	}
	return ids
}

type config struct {
	strategy       unique.Strategy
	deletionField  string
	deletedByField string
	strict         bool
}

// Option configures Build.
type Option func(*config)

// WithStrategy sets the unique strategy. Default is unique.Mangle.
func WithStrategy(s unique.Strategy) Option {
	return func(c *config) { c.strategy = s }
}

// WithDeletionField overrides the name of the deletion field.
func WithDeletionField(name string) Option {
	return func(c *config) { c.deletionField = name }
}

// WithDeletedByField overrides the name of the deleted-by field.
func WithDeletedByField(name string) Option {
	return func(c *config) { c.deletedByField = name }
}

// WithStrict escalates warnings to a build error.
func WithStrict(strict bool) Option {
	return func(c *config) { c.strict = strict }
}

// Build compiles the schema description. The report is returned even when
// Build fails.
func Build(s *schema.Schema, opts ...Option) (*Graph, *Report, error) {
	cfg := &config{strategy: unique.Mangle}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := s.Normalize(); err != nil {
		return nil, &Report{}, err
	}
	b := &builder{
		cfg:    cfg,
		report: &Report{},
		g: &Graph{
			Strategy: cfg.strategy,
			entities: make([]*Entity, len(s.Entities)),
			children: make([][]*Edge, len(s.Entities)),
			byName:   make(map[string]EntityID, len(s.Entities)),
		},
	}
	for i, def := range s.Entities {
		b.g.byName[def.Name] = EntityID(i)
	}
	for i, def := range s.Entities {
		b.g.entities[i] = b.entity(EntityID(i), def)
	}
	b.edges()
	b.auditTable()
	b.cycles()
	if len(b.errs) == 0 && cfg.strict {
		for _, f := range b.report.Warnings() {
			b.errs = append(b.errs, tombstone.NewValidationErrorf(f.Entity, "strict: %s", f.Message))
		}
	}
	if err := tombstone.NewAggregateError(b.errs...); err != nil {
		return nil, b.report, err
	}
	return b.g, b.report, nil
}

type builder struct {
	cfg    *config
	g      *Graph
	report *Report
	errs   []error
}

func (b *builder) entity(id EntityID, def *schema.Entity) *Entity {
	e := &Entity{
		ID:         id,
		Name:       def.Name,
		Table:      def.Table,
		PrimaryKey: slices.Clone(def.PrimaryKey),
		Def:        def,
	}
	if def.Audit != nil {
		e.audit = slices.Clone(def.Audit.Actions)
	}
	if !def.AuditLog {
		e.SoftDelete = b.softDelete(def)
	}
	field := ""
	if e.SoftDelete != nil {
		field = e.SoftDelete.Field
	}
	e.Unique = unique.Classify(def, field, b.cfg.strategy)
	for _, c := range e.Unique.Unsafe() {
		b.report.add(Warning, def.Name, c.Fields, fmt.Sprintf("unique constraint %s is %s under %s strategy: %s", c.Name, c.Kind, b.cfg.strategy, c.Reason))
	}
	return e
}

func (b *builder) softDelete(def *schema.Entity) *SoftDelete {
	f := findField(def, b.cfg.deletionField, "deleted_at", "deletedAt")
	if f == nil || f.Type != schema.TypeTime {
		return nil
	}
	sd := &SoftDelete{Field: f.Name, Nullable: f.Nullable}
	if b.cfg.strategy.Nullable() && !f.Nullable {
		b.report.add(Warning, def.Name, []string{f.Name}, fmt.Sprintf("deletion field %s is not nullable, %s strategy stores NULL for active rows", f.Name, b.cfg.strategy))
	}
	if by := findField(def, b.cfg.deletedByField, "deleted_by", "deletedBy"); by != nil {
		if by.Nullable {
			sd.ByField = by.Name
		} else {
			b.report.add(Info, def.Name, []string{by.Name}, "deleted-by field ignored: not nullable")
		}
	}
	return sd
}

func findField(def *schema.Entity, override string, names ...string) *schema.Field {
	if override != "" {
		names = []string{override}
	}
	for _, n := range names {
		if f, ok := def.Field(n); ok {
			return f
		}
	}
	return nil
}

func (b *builder) edges() {
	for _, child := range b.g.entities {
		for _, r := range child.Def.Relations {
			if !r.Cascade {
				continue
			}
			if r.Many {
				b.report.add(Info, child.Name, nil, fmt.Sprintf("relation %s: cascade on the many side is ignored", r.Name))
				continue
			}
			parent, ok := b.g.Lookup(r.Target)
			if !ok {
				continue
			}
			if !child.SoftDeletable() && parent.SoftDeletable() {
				b.report.add(Info, child.Name, r.Fields, fmt.Sprintf("relation %s: %s is not soft-deletable, cascades from %s skip it", r.Name, child.Name, parent.Name))
			}
			if parent.Unique.NeedsTransform() {
				if mangled := intersect(r.References, parent.Unique.MangleFields()); len(mangled) > 0 {
					b.report.add(Info, child.Name, r.Fields, fmt.Sprintf("relation %s references %s.%s, which is mangled on delete: declare the foreign key ON UPDATE CASCADE", r.Name, parent.Name, strings.Join(mangled, ", ")))
				}
			}
			b.g.children[parent.ID] = append(b.g.children[parent.ID], &Edge{
				Parent:       parent.ID,
				Child:        child.ID,
				Relation:     r.Name,
				FKFields:     slices.Clone(r.Fields),
				ParentFields: slices.Clone(r.References),
			})
		}
	}
}

func intersect(a, b []string) []string {
	var out []string
	for _, v := range a {
		if slices.Contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}

func (b *builder) auditTable() {
	var tables []*Entity
	for _, e := range b.g.entities {
		if e.Def.AuditLog {
			tables = append(tables, e)
		}
	}
	switch len(tables) {
	case 0:
		for _, e := range b.g.entities {
			if len(e.audit) > 0 {
				b.errs = append(b.errs, tombstone.NewValidationErrorf(e.Name, "audit is configured but the schema has no audit table"))
			}
		}
		return
	case 1:
	default:
		names := make([]string, len(tables))
		for i, t := range tables {
			names[i] = t.Name
		}
		b.errs = append(b.errs, tombstone.NewValidationErrorf(names[0], "multiple audit tables: %s", strings.Join(names, ", ")))
		return
	}
	t := tables[0]
	if len(t.audit) > 0 {
		b.errs = append(b.errs, tombstone.NewValidationErrorf(t.Name, "the audit table cannot be audited"))
	}
	for _, c := range requiredAuditColumns {
		if _, ok := t.Def.Field(c); !ok {
			b.errs = append(b.errs, tombstone.NewValidationErrorf(t.Name, "audit table is missing column %q", c))
		}
	}
	at := &AuditTable{Entity: t.ID, Table: t.Table}
	for _, f := range t.Def.Fields {
		switch {
		case f.Name == AuditColumnParentEventID:
			at.ParentEvent = true
		case slices.Contains(requiredAuditColumns, f.Name), slices.Contains(optionalAuditColumns, f.Name):
		default:
			at.Context = append(at.Context, f.Name)
		}
	}
	b.g.Audit = at
}

// cycles rejects cascade cycles, including self references.
func (b *builder) cycles() {
	const (
		white = iota
		grey
		black
	)
	var (
		color = make([]int, len(b.g.entities))
		path  []EntityID
		visit func(EntityID) bool
	)
	visit = func(id EntityID) bool {
		color[id] = grey
		path = append(path, id)
		for _, e := range b.g.children[id] {
			switch color[e.Child] {
			case grey:
				start := slices.Index(path, e.Child)
				names := make([]string, 0, len(path)-start+1)
				for _, p := range path[start:] {
					names = append(names, b.g.entities[p].Name)
				}
				names = append(names, b.g.entities[e.Child].Name)
				b.errs = append(b.errs, tombstone.NewValidationErrorf(b.g.entities[e.Child].Name, "cascade cycle: %s", strings.Join(names, " -> ")))
				return true
			case white:
				if visit(e.Child) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}
	for id := range b.g.entities {
		if color[id] == white && visit(EntityID(id)) {
			return
		}
	}
}
