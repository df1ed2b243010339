// Package registry collects handler registrations and resolves them into
// per-table descriptors at startup. Discovery runs once; the result is
// read-only afterwards.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"unicode"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jaishankar101/pgpubsub/internal/change"
)

// Registration associates a handler with a database table.
type Registration struct {
	// Table is the database table name. Required.
	Table string
	// Schema overrides the configured default trigger schema.
	Schema string
	// Events restricts which row events the table's trigger captures. Empty
	// means all. Masks of registrations for the same table are unioned, and
	// every handler of that table receives the events of the union.
	Events []change.Event
	// PayloadFields restricts the trigger payload to these property names.
	// Empty means the whole row.
	PayloadFields []string
	// Entity is an optional pointer to a prototype struct. Its `db` tags (or
	// snake_cased field names) become column names and its `json` tags (or
	// lowerCamel field names) become property names. When nil, columns are
	// introspected from the database and properties equal column names.
	Entity any
	// Handler receives grouped changes for the table. Required.
	Handler change.Handler
}

// Descriptor is the resolved metadata for one table.
type Descriptor struct {
	Table        string
	Schema       string
	Columns      []string          // ordered column list
	ColumnToProp map[string]string // column name -> property name
	PropToColumn map[string]string // property name -> column name
	// New constructs an empty entity value, or nil when no prototype was
	// registered.
	New func() any
}

// Listener is the merged registration record for one table.
type Listener struct {
	Table         string
	Schema        string
	Events        change.Mask
	PayloadFields []string // property names, set-unioned across registrations
	Handlers      []change.Handler
}

// PayloadColumns maps the listener's payload fields to database column names
// using d. Unknown properties map to themselves so typos surface in the
// generated trigger rather than silently vanishing.
func (l *Listener) PayloadColumns(d *Descriptor) []string {
	if len(l.PayloadFields) == 0 {
		return nil
	}
	cols := make([]string, 0, len(l.PayloadFields))
	for _, p := range l.PayloadFields {
		if col, ok := d.PropToColumn[p]; ok {
			cols = append(cols, col)
			continue
		}
		cols = append(cols, p)
	}
	return cols
}

// Registry accumulates registrations until Discover resolves them.
type Registry struct {
	regs []Registration
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Register queues a handler registration. Multiple registrations for the
// same table are merged at discovery time.
func (r *Registry) Register(reg Registration) error {
	if reg.Table == "" {
		return fmt.Errorf("registration requires a table name")
	}
	if reg.Handler == nil {
		return fmt.Errorf("registration for table %q requires a handler", reg.Table)
	}
	for _, e := range reg.Events {
		if !e.Valid() {
			return fmt.Errorf("registration for table %q has unknown event %q", reg.Table, e)
		}
	}
	r.regs = append(r.regs, reg)
	return nil
}

// Discovery is the read-only result of resolving all registrations.
type Discovery struct {
	// Tables maps table name to its descriptor.
	Tables map[string]*Descriptor
	// Listeners maps table name to its merged registration record.
	Listeners map[string]*Listener
	// Order lists table names in first-registration order.
	Order []string
}

// HandlersFor returns the fan-out list for a table, in discovery order.
func (d *Discovery) HandlersFor(table string) []change.Handler {
	l, ok := d.Listeners[table]
	if !ok {
		return nil
	}
	return l.Handlers
}

// Discover resolves all registrations against the database. Every target
// table must exist in its schema; a missing table fails discovery with an
// error naming the target.
func (r *Registry) Discover(ctx context.Context, pool *pgxpool.Pool, defaultSchema string, logger *slog.Logger) (*Discovery, error) {
	if defaultSchema == "" {
		defaultSchema = "public"
	}

	d := r.merge(defaultSchema)

	for _, name := range d.Order {
		l := d.Listeners[name]
		entity := r.entityFor(name)
		desc, err := buildDescriptor(ctx, pool, l.Schema, name, entity)
		if err != nil {
			return nil, err
		}
		d.Tables[name] = desc
	}

	for _, name := range d.Order {
		l := d.Listeners[name]
		logger.Debug("discovered listener",
			"table", name,
			"schema", l.Schema,
			"events", l.Events.Events(),
			"handlers", len(l.Handlers),
			"payloadFields", l.PayloadFields,
		)
	}

	return d, nil
}

// merge folds registrations into per-table listener records: schemas default,
// event masks union, payload fields union, handlers append in registration
// order.
func (r *Registry) merge(defaultSchema string) *Discovery {
	d := &Discovery{
		Tables:    make(map[string]*Descriptor),
		Listeners: make(map[string]*Listener),
	}
	for _, reg := range r.regs {
		schema := reg.Schema
		if schema == "" {
			schema = defaultSchema
		}
		l, seen := d.Listeners[reg.Table]
		if !seen {
			l = &Listener{Table: reg.Table, Schema: schema}
			d.Listeners[reg.Table] = l
			d.Order = append(d.Order, reg.Table)
		}
		l.Events = l.Events.Union(change.NewMask(reg.Events...))
		l.PayloadFields = unionFields(l.PayloadFields, reg.PayloadFields)
		l.Handlers = append(l.Handlers, reg.Handler)
	}
	return d
}

// entityFor returns the first non-nil prototype registered for table.
func (r *Registry) entityFor(table string) any {
	for _, reg := range r.regs {
		if reg.Table == table && reg.Entity != nil {
			return reg.Entity
		}
	}
	return nil
}

func unionFields(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a))
	for _, f := range a {
		seen[f] = true
	}
	for _, f := range b {
		if !seen[f] {
			seen[f] = true
			a = append(a, f)
		}
	}
	return a
}

// buildDescriptor resolves table metadata either from a prototype struct or
// from information_schema.
func buildDescriptor(ctx context.Context, pool *pgxpool.Pool, schema, table string, entity any) (*Descriptor, error) {
	exists, err := tableExists(ctx, pool, schema, table)
	if err != nil {
		return nil, fmt.Errorf("checking table %s.%s: %w", schema, table, err)
	}
	if !exists {
		return nil, fmt.Errorf("no table metadata found for target %s.%s", schema, table)
	}

	if entity != nil {
		return descriptorFromEntity(schema, table, entity)
	}

	cols, err := introspectColumns(ctx, pool, schema, table)
	if err != nil {
		return nil, fmt.Errorf("introspecting columns of %s.%s: %w", schema, table, err)
	}

	desc := &Descriptor{
		Table:        table,
		Schema:       schema,
		Columns:      cols,
		ColumnToProp: make(map[string]string, len(cols)),
		PropToColumn: make(map[string]string, len(cols)),
	}
	for _, c := range cols {
		desc.ColumnToProp[c] = c
		desc.PropToColumn[c] = c
	}
	return desc, nil
}

func tableExists(ctx context.Context, pool *pgxpool.Pool, schema, table string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)`, schema, table).Scan(&exists)
	return exists, err
}

func introspectColumns(ctx context.Context, pool *pgxpool.Pool, schema, table string) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// descriptorFromEntity derives columns and properties from struct tags.
func descriptorFromEntity(schema, table string, entity any) (*Descriptor, error) {
	t := reflect.TypeOf(entity)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("entity for table %s.%s must be a struct, got %s", schema, table, t.Kind())
	}

	desc := &Descriptor{
		Table:        table,
		Schema:       schema,
		ColumnToProp: make(map[string]string),
		PropToColumn: make(map[string]string),
		New: func() any {
			return reflect.New(t).Interface()
		},
	}

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		col := tagName(f.Tag.Get("db"))
		if col == "-" {
			continue
		}
		if col == "" {
			col = snakeCase(f.Name)
		}
		prop := tagName(f.Tag.Get("json"))
		if prop == "-" || prop == "" {
			prop = lowerCamel(f.Name)
		}
		desc.Columns = append(desc.Columns, col)
		desc.ColumnToProp[col] = prop
		desc.PropToColumn[prop] = col
	}

	if len(desc.Columns) == 0 {
		return nil, fmt.Errorf("entity for table %s.%s declares no columns", schema, table)
	}
	return desc, nil
}

// tagName strips tag options like ",omitempty".
func tagName(tag string) string {
	if i := strings.IndexByte(tag, ','); i >= 0 {
		return tag[:i]
	}
	return tag
}

func snakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			// Break before the first upper of a run ("UserID" -> user_id).
			if i > 0 && (!unicode.IsUpper(runes[i-1]) || (i+1 < len(runes) && !unicode.IsUpper(runes[i+1]))) {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func lowerCamel(name string) string {
	if name == "" {
		return name
	}
	r := []rune(name)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

// RemapColumns converts a raw row keyed by column names into one keyed by
// property names. Unknown columns pass through under their own name.
func (d *Descriptor) RemapColumns(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	out := make(map[string]any, len(row))
	for col, v := range row {
		if prop, ok := d.ColumnToProp[col]; ok {
			out[prop] = v
			continue
		}
		out[col] = v
	}
	return out
}
