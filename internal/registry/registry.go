package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/jinzhu/inflection"
	"github.com/smallbiznis/chronicle/internal/temporal"
	gormschema "gorm.io/gorm/schema"
)

// ErrNoPrimaryKey is returned for types without a stable identity.
var ErrNoPrimaryKey = errors.New("type has no primary key")

// Registry knows which model types are versioned and how: their live and
// history tables, key columns, soft-delete marker and, for polymorphic
// hierarchies, the discriminator and subtype set. It is the schema provider
// for every other component.
type Registry struct {
	mu      sync.RWMutex
	byType  map[reflect.Type]*Meta
	byTable map[string]*Meta

	cache *sync.Map
	namer gormschema.Namer
}

// Meta describes one versioned type (or hierarchy base).
type Meta struct {
	Type   reflect.Type
	Schema *gormschema.Schema
	Info   temporal.TableInfo

	PKColumn         string
	SoftDeleteColumn string

	// Mode and ActorPolicy are registration-time overrides; empty means
	// defer to the mode configuration.
	Mode        string
	ActorPolicy string

	// subtypes maps discriminator values to concrete live types for
	// polymorphic hierarchies.
	subtypes map[string]reflect.Type

	reg *Registry
}

func New() *Registry {
	return &Registry{
		byType:  make(map[reflect.Type]*Meta),
		byTable: make(map[string]*Meta),
		cache:   &sync.Map{},
		namer:   gormschema.NamingStrategy{IdentifierMaxLength: 64},
	}
}

type registerOptions struct {
	softDeleteColumn string
	discriminator    string
	mode             string
	actorPolicy      string
	baseProto        any
}

type Option func(*registerOptions)

// WithSoftDelete declares the column set on soft deletion (e.g. "deleted_at").
func WithSoftDelete(column string) Option {
	return func(o *registerOptions) { o.softDeleteColumn = column }
}

// WithDiscriminator declares the type a polymorphic hierarchy base whose
// concrete subtype is identified by the given column.
func WithDiscriminator(column string) Option {
	return func(o *registerOptions) { o.discriminator = column }
}

// AsSubtypeOf registers the type as a subtype of an already-registered
// polymorphic base. The subtype shares the base's live table, history table
// and foreign-key convention.
func AsSubtypeOf(baseProto any) Option {
	return func(o *registerOptions) { o.baseProto = baseProto }
}

// WithMode overrides the operating mode for this type.
func WithMode(mode string) Option {
	return func(o *registerOptions) { o.mode = mode }
}

// WithActorPolicy overrides the actor-presence policy for this type.
func WithActorPolicy(policy string) Option {
	return func(o *registerOptions) { o.actorPolicy = policy }
}

// Register makes a model type versioned. Prototype must be a struct pointer.
func (r *Registry) Register(prototype any, opts ...Option) (*Meta, error) {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	t := structType(prototype)
	if t == nil {
		return nil, fmt.Errorf("prototype %T is not a struct pointer", prototype)
	}

	sch, err := gormschema.Parse(prototype, r.cache, r.namer)
	if err != nil {
		return nil, fmt.Errorf("parse schema for %s: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if o.baseProto != nil {
		baseType := structType(o.baseProto)
		base, ok := r.byType[baseType]
		if !ok {
			return nil, fmt.Errorf("base type %s is not registered", baseType.Name())
		}
		if base.Info.Discriminator == "" {
			return nil, fmt.Errorf("base type %s has no discriminator column", baseType.Name())
		}
		if sch.Table != base.Info.LiveTable {
			return nil, fmt.Errorf("subtype %s maps to table %q, base uses %q", t.Name(), sch.Table, base.Info.LiveTable)
		}
		base.subtypes[t.Name()] = t
		r.byType[t] = base
		return base, nil
	}

	if sch.PrioritizedPrimaryField == nil {
		return nil, fmt.Errorf("type %s has no primary key; only identified types can be versioned", t.Name())
	}

	singular := inflection.Singular(sch.Table)
	meta := &Meta{
		Type:   t,
		Schema: sch,
		Info: temporal.TableInfo{
			LiveTable:     sch.Table,
			HistoryTable:  singular + "_histories",
			ForeignKey:    singular + "_id",
			Discriminator: o.discriminator,
		},
		PKColumn:         sch.PrioritizedPrimaryField.DBName,
		SoftDeleteColumn: o.softDeleteColumn,
		Mode:             o.mode,
		ActorPolicy:      o.actorPolicy,
		subtypes:         map[string]reflect.Type{t.Name(): t},
		reg:              r,
	}

	r.byType[t] = meta
	r.byTable[sch.Table] = meta
	return meta, nil
}

// Lookup resolves the meta for a record or prototype. Subtypes resolve to
// their hierarchy base.
func (r *Registry) Lookup(record any) (*Meta, bool) {
	t := structType(record)
	if t == nil {
		return nil, false
	}
	return r.LookupType(t)
}

func (r *Registry) LookupType(t reflect.Type) (*Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.byType[t]
	return meta, ok
}

// LookupTable resolves a meta by live table name. The HTTP surface routes
// on this.
func (r *Registry) LookupTable(table string) (*Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.byTable[table]
	return meta, ok
}

// Tables lists every registered live table.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTable))
	for table := range r.byTable {
		out = append(out, table)
	}
	return out
}

// IsVersioned reports whether the type has a history counterpart.
func (r *Registry) IsVersioned(t reflect.Type) bool {
	_, ok := r.LookupType(t)
	return ok
}

// SchemaOf parses (or serves from cache) the gorm schema of the record's
// concrete type.
func (r *Registry) SchemaOf(record any) (*gormschema.Schema, error) {
	return gormschema.Parse(record, r.cache, r.namer)
}

// SubtypeFor resolves a discriminator value to the concrete live type.
func (m *Meta) SubtypeFor(kind string) (reflect.Type, bool) {
	m.reg.mu.RLock()
	defer m.reg.mu.RUnlock()
	t, ok := m.subtypes[kind]
	return t, ok
}

// KindOf derives the discriminator value from the record's concrete type,
// not the static type the caller declared.
func (m *Meta) KindOf(record any) string {
	if m.Info.Discriminator == "" {
		return ""
	}
	t := structType(record)
	if t == nil {
		return ""
	}
	return t.Name()
}

// PrimaryKeyOf resolves the record's identity. ok is false when the record
// has no stable identity (unset or no primary key at all).
func (m *Meta) PrimaryKeyOf(record any) (snowflake.ID, bool) {
	sch, err := m.schemaOf(record)
	if err != nil || sch.PrioritizedPrimaryField == nil {
		return 0, false
	}
	rv := reflect.ValueOf(record)
	v, isZero := sch.PrioritizedPrimaryField.ValueOf(context.Background(), rv)
	if isZero {
		return 0, false
	}
	return toID(v)
}

// Snapshot captures the record's business columns as of now, keyed by column
// name. The live primary key is excluded (it becomes the history row's
// foreign id); for polymorphic types the discriminator column reflects the
// record's concrete subtype.
func (m *Meta) Snapshot(record any) (map[string]any, string, error) {
	sch, err := m.schemaOf(record)
	if err != nil {
		return nil, "", err
	}

	rv := reflect.ValueOf(record)
	attrs := make(map[string]any, len(sch.Fields))
	for _, field := range sch.Fields {
		if field.DBName == "" || field.DBName == m.PKColumn {
			continue
		}
		v, isZero := field.ValueOf(context.Background(), rv)
		if isZero && v == nil {
			attrs[field.DBName] = nil
			continue
		}
		attrs[field.DBName] = v
	}

	kind := m.KindOf(record)
	if kind != "" {
		attrs[m.Info.Discriminator] = kind
	}
	return attrs, kind, nil
}

// ApplyChanges sets column-keyed changes onto the record's struct fields so
// in-memory state matches a set-level UPDATE already applied to the table.
func (m *Meta) ApplyChanges(record any, changes map[string]any) error {
	sch, err := m.schemaOf(record)
	if err != nil {
		return err
	}
	rv := reflect.ValueOf(record)
	for col, val := range changes {
		field, ok := sch.FieldsByDBName[col]
		if !ok {
			return fmt.Errorf("column %q not found on %s", col, sch.Name)
		}
		if err := field.Set(context.Background(), rv, val); err != nil {
			return fmt.Errorf("set %s.%s: %w", sch.Name, col, err)
		}
	}
	return nil
}

// Populate fills the record from a column-keyed row. Columns the concrete
// type does not map are skipped, so a hierarchy base can be populated from a
// row carrying subtype columns and vice versa.
func (m *Meta) Populate(record any, row map[string]any) error {
	sch, err := m.schemaOf(record)
	if err != nil {
		return err
	}
	rv := reflect.ValueOf(record)
	for col, val := range row {
		field, ok := sch.FieldsByDBName[col]
		if !ok || val == nil {
			continue
		}
		if err := field.Set(context.Background(), rv, val); err != nil {
			return fmt.Errorf("set %s.%s: %w", sch.Name, col, err)
		}
	}
	return nil
}

// SetPrimaryKey writes the live identity onto the record.
func (m *Meta) SetPrimaryKey(record any, id snowflake.ID) error {
	sch, err := m.schemaOf(record)
	if err != nil {
		return err
	}
	if sch.PrioritizedPrimaryField == nil {
		return ErrNoPrimaryKey
	}
	return sch.PrioritizedPrimaryField.Set(context.Background(), reflect.ValueOf(record), int64(id))
}

// NewInstance returns a fresh pointer to the concrete subtype for the given
// discriminator value, falling back to the base type.
func (m *Meta) NewInstance(kind string) any {
	if kind != "" {
		if t, ok := m.SubtypeFor(kind); ok {
			return reflect.New(t).Interface()
		}
	}
	return reflect.New(m.Type).Interface()
}

func (m *Meta) schemaOf(record any) (*gormschema.Schema, error) {
	t := structType(record)
	if t == nil {
		return nil, fmt.Errorf("record %T is not a struct pointer", record)
	}
	if t == m.Type {
		return m.Schema, nil
	}
	return gormschema.Parse(record, m.reg.cache, m.reg.namer)
}

func structType(v any) reflect.Type {
	if v == nil {
		return nil
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return t
}

func toID(v any) (snowflake.ID, bool) {
	switch n := v.(type) {
	case snowflake.ID:
		return n, true
	case int64:
		return snowflake.ID(n), true
	case int:
		return snowflake.ID(n), true
	case uint:
		return snowflake.ID(n), true
	case uint64:
		return snowflake.ID(n), true
	case int32:
		return snowflake.ID(n), true
	default:
		return 0, false
	}
}
