package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// FieldKind distinguishes plain columns from relations.
type FieldKind int

const (
	// KindScalar is a plain column on the entity's table.
	KindScalar FieldKind = iota
	// KindToOne is a foreign key column pointing at another entity.
	KindToOne
	// KindToMany is the reverse side of a KindToOne on the target entity.
	KindToMany
)

// String returns the schema spelling of the kind.
func (k FieldKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindToOne:
		return "to-one"
	case KindToMany:
		return "to-many"
	default:
		return fmt.Sprintf("FieldKind(%d)", int(k))
	}
}

// ValueType is the scalar type of a column.
type ValueType string

const (
	TypeString ValueType = "string"
	TypeInt    ValueType = "int"
	TypeFloat  ValueType = "float"
	TypeBool   ValueType = "bool"
	TypeTime   ValueType = "time"
)

// Valid reports whether t is one of the known scalar types.
func (t ValueType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeTime:
		return true
	}
	return false
}

// Field describes one queryable attribute of an entity.
//
// For KindToOne fields Column holds the foreign key column (default
// "<name>_id") and Type is TypeInt. For KindToMany fields Via names the
// KindToOne field on Target that points back at the owning entity; the
// field has no column of its own.
type Field struct {
	Name   string
	Kind   FieldKind
	Type   ValueType
	Column string
	Target string
	Via    string
}

// IsRelation reports whether the field traverses to another entity.
func (f Field) IsRelation() bool {
	return f.Kind == KindToOne || f.Kind == KindToMany
}

// String declares a string column.
func String(name string) Field { return Field{Name: name, Kind: KindScalar, Type: TypeString} }

// Int declares an integer column.
func Int(name string) Field { return Field{Name: name, Kind: KindScalar, Type: TypeInt} }

// Float declares a floating point column.
func Float(name string) Field { return Field{Name: name, Kind: KindScalar, Type: TypeFloat} }

// Bool declares a boolean column.
func Bool(name string) Field { return Field{Name: name, Kind: KindScalar, Type: TypeBool} }

// Time declares a timestamp column.
func Time(name string) Field { return Field{Name: name, Kind: KindScalar, Type: TypeTime} }

// ToOne declares a foreign key to target.
func ToOne(name, target string) Field {
	return Field{Name: name, Kind: KindToOne, Type: TypeInt, Target: target}
}

// ToMany declares the reverse side of target's via field.
func ToMany(name, target, via string) Field {
	return Field{Name: name, Kind: KindToMany, Target: target, Via: via}
}

// EntityType is a queryable table. Every entity has an implicit integer
// primary key named "id".
type EntityType struct {
	Name   string
	Table  string
	Fields []Field

	index map[string]int
}

// Label is the default render-context key for rows of this entity.
func (e *EntityType) Label() string {
	return strings.ToLower(e.Name)
}

// Field returns the named field or an *UnknownFieldError.
func (e *EntityType) Field(name string) (Field, error) {
	if name == "id" {
		return Field{Name: "id", Kind: KindScalar, Type: TypeInt, Column: "id"}, nil
	}
	i, ok := e.index[name]
	if !ok {
		return Field{}, &UnknownFieldError{Entity: e.Name, Field: name}
	}
	return e.Fields[i], nil
}

// ScalarFields returns the fields backed by a column on the entity's own
// table, including foreign keys, in declaration order.
func (e *EntityType) ScalarFields() []Field {
	out := make([]Field, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Kind != KindToMany {
			out = append(out, f)
		}
	}
	return out
}

// Registry is an immutable snapshot of entities, functions and enums.
// It is built once by Builder.Build and safe for concurrent use.
type Registry struct {
	entities  map[string]*EntityType
	enums     map[string]Enum
	functions map[string]Function
	recipient string
	address   string
	version   string
}

// LookupEntity returns the entity registered under name.
func (r *Registry) LookupEntity(name string) (*EntityType, error) {
	e, ok := r.entities[name]
	if !ok {
		return nil, &UnknownEntityError{Name: name, Available: r.Entities()}
	}
	return e, nil
}

// LookupEnum returns the enum registered under its "Namespace.Name".
func (r *Registry) LookupEnum(name string) (Enum, error) {
	e, ok := r.enums[name]
	if !ok {
		return nil, &UnknownEnumError{Name: name, Available: r.Enums()}
	}
	return e, nil
}

// LookupFunction returns the function registered under name.
func (r *Registry) LookupFunction(name string) (Function, error) {
	f, ok := r.functions[name]
	if !ok {
		return Function{}, &UnknownFunctionError{Name: name}
	}
	return f, nil
}

// Entities returns the sorted entity names.
func (r *Registry) Entities() []string { return sortedKeys(r.entities) }

// Enums returns the sorted enum names.
func (r *Registry) Enums() []string { return sortedKeys(r.enums) }

// Functions returns the sorted function names.
func (r *Registry) Functions() []string { return sortedKeys(r.functions) }

// Recipient returns the entity that owns deliverable addresses.
func (r *Registry) Recipient() *EntityType { return r.entities[r.recipient] }

// AddressField is the recipient field holding the delivery address.
func (r *Registry) AddressField() string { return r.address }

// Version is a content fingerprint of the snapshot. Two registries with
// the same entities, functions and enums have the same version.
func (r *Registry) Version() string { return r.version }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Builder assembles a Registry. It is not safe for concurrent use.
type Builder struct {
	entities  []*EntityType
	enums     []Enum
	functions []Function
	recipient string
	address   string
}

// NewBuilder returns a builder preloaded with DefaultFunctions.
func NewBuilder() *Builder {
	return &Builder{functions: DefaultFunctions(), address: "email"}
}

// Entity registers an entity type.
func (b *Builder) Entity(name, table string, fields ...Field) *Builder {
	b.entities = append(b.entities, &EntityType{Name: name, Table: table, Fields: fields})
	return b
}

// Enum registers an enumeration.
func (b *Builder) Enum(e Enum) *Builder {
	b.enums = append(b.enums, e)
	return b
}

// Function registers a function, replacing any earlier one with the same name.
func (b *Builder) Function(f Function) *Builder {
	b.functions = append(b.functions, f)
	return b
}

// Recipient designates the entity that owns addresses and its address field.
func (b *Builder) Recipient(entity, addressField string) *Builder {
	b.recipient = entity
	if addressField != "" {
		b.address = addressField
	}
	return b
}

// Build validates the registrations and freezes them into a Registry.
func (b *Builder) Build() (*Registry, error) {
	r := &Registry{
		entities:  make(map[string]*EntityType, len(b.entities)),
		enums:     make(map[string]Enum, len(b.enums)),
		functions: make(map[string]Function, len(b.functions)),
		recipient: b.recipient,
		address:   b.address,
	}

	for _, src := range b.entities {
		e := &EntityType{Name: src.Name, Table: src.Table}
		if !isModelName(e.Name) {
			return nil, fmt.Errorf("entity %q: name must be PascalCase", e.Name)
		}
		if _, dup := r.entities[e.Name]; dup {
			return nil, fmt.Errorf("entity %q registered twice", e.Name)
		}
		if e.Table == "" {
			e.Table = strings.ToLower(e.Name)
		}
		e.Fields = make([]Field, len(src.Fields))
		copy(e.Fields, src.Fields)
		e.index = make(map[string]int, len(e.Fields))
		for i := range e.Fields {
			f := &e.Fields[i]
			if f.Name == "" || f.Name == "id" {
				return nil, fmt.Errorf("entity %s: invalid field name %q", e.Name, f.Name)
			}
			if _, dup := e.index[f.Name]; dup {
				return nil, fmt.Errorf("entity %s: field %q declared twice", e.Name, f.Name)
			}
			switch f.Kind {
			case KindScalar:
				if !f.Type.Valid() {
					return nil, fmt.Errorf("entity %s: field %s has unknown type %q", e.Name, f.Name, f.Type)
				}
				if f.Column == "" {
					f.Column = f.Name
				}
			case KindToOne:
				f.Type = TypeInt
				if f.Column == "" {
					f.Column = f.Name + "_id"
				}
			case KindToMany:
				f.Column = ""
			}
			e.index[f.Name] = i
		}
		r.entities[e.Name] = e
	}

	// Relations are checked once every entity is known.
	for _, e := range r.entities {
		for _, f := range e.Fields {
			if !f.IsRelation() {
				continue
			}
			target, ok := r.entities[f.Target]
			if !ok {
				return nil, fmt.Errorf("entity %s: field %s targets unknown entity %q", e.Name, f.Name, f.Target)
			}
			if f.Kind == KindToMany {
				back, err := target.Field(f.Via)
				if err != nil {
					return nil, fmt.Errorf("entity %s: field %s: %w", e.Name, f.Name, err)
				}
				if back.Kind != KindToOne || back.Target != e.Name {
					return nil, fmt.Errorf("entity %s: field %s: %s.%s is not a relation to %s",
						e.Name, f.Name, target.Name, f.Via, e.Name)
				}
			}
		}
	}

	if b.recipient == "" {
		return nil, fmt.Errorf("no recipient entity designated")
	}
	recipient, ok := r.entities[b.recipient]
	if !ok {
		return nil, fmt.Errorf("recipient entity %q is not registered", b.recipient)
	}
	addr, err := recipient.Field(b.address)
	if err != nil {
		return nil, fmt.Errorf("recipient address: %w", err)
	}
	if addr.Kind != KindScalar || addr.Type != TypeString {
		return nil, fmt.Errorf("recipient address %s.%s must be a string column", recipient.Name, b.address)
	}

	for _, e := range b.enums {
		if _, dup := r.enums[e.Name()]; dup {
			return nil, fmt.Errorf("enum %q registered twice", e.Name())
		}
		r.enums[e.Name()] = e
	}

	for _, f := range b.functions {
		if f.SQL == "" {
			return nil, fmt.Errorf("function %q has no SQL name", f.Name)
		}
		r.functions[f.Name] = f
	}

	r.version = r.fingerprint()
	return r, nil
}

// fingerprint hashes a sorted textual rendering of the snapshot.
func (r *Registry) fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "recipient %s %s\n", r.recipient, r.address)
	for _, name := range r.Entities() {
		e := r.entities[name]
		fmt.Fprintf(h, "entity %s %s\n", e.Name, e.Table)
		for _, f := range e.Fields {
			fmt.Fprintf(h, "\tfield %s %s %s %s %s %s\n", f.Name, f.Kind, f.Type, f.Column, f.Target, f.Via)
		}
	}
	for _, name := range r.Enums() {
		fmt.Fprintf(h, "enum %s\n", name)
		for _, m := range r.enums[name].Members() {
			fmt.Fprintf(h, "\tmember %s %T %v\n", m.Name, m.Value, m.Value)
		}
	}
	for _, name := range r.Functions() {
		f := r.functions[name]
		fmt.Fprintf(h, "function %s %s %t %d %d\n", f.Name, f.SQL, f.Aggregate, f.MinArgs, f.MaxArgs)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func isModelName(s string) bool {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
