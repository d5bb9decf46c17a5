// Package schema implements the process-wide type registry: node and edge
// type definitions with stable numeric ids, payload validation, a
// protobuf-style compatibility model, and a deterministic fingerprint.
//
// Ids are canonical, names are labels. Once a (type_id, field_id) pair has
// been used it is never removed and never reassigned. Enum value lists are
// append-only. Field kinds never change.
package schema

import "fmt"

// FieldKind is the data type of a payload field.
type FieldKind string

const (
	KindString      FieldKind = "string"
	KindInt64       FieldKind = "int64"
	KindFloat64     FieldKind = "float64"
	KindBool        FieldKind = "bool"
	KindTimestampMs FieldKind = "timestamp_ms"
	KindEnum        FieldKind = "enum"
	KindListString  FieldKind = "list<string>"
	KindListInt64   FieldKind = "list<int64>"
	KindRef         FieldKind = "ref"
)

// Valid reports whether k is a known kind.
func (k FieldKind) Valid() bool {
	switch k {
	case KindString, KindInt64, KindFloat64, KindBool, KindTimestampMs,
		KindEnum, KindListString, KindListInt64, KindRef:
		return true
	}
	return false
}

// FieldDef defines a single field within a node type.
type FieldDef struct {
	FieldID    uint32    `json:"field_id" yaml:"field_id"`
	Name       string    `json:"name" yaml:"name"`
	Kind       FieldKind `json:"kind" yaml:"kind"`
	Required   bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Default    any       `json:"default,omitempty" yaml:"default,omitempty"`
	EnumValues []string  `json:"enum_values,omitempty" yaml:"enum_values,omitempty"`
	RefTypeID  uint32    `json:"ref_type_id,omitempty" yaml:"ref_type_id,omitempty"`
	Searchable bool      `json:"searchable,omitempty" yaml:"searchable,omitempty"`
	Deprecated bool      `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
}

func (f FieldDef) validate() error {
	if f.FieldID == 0 {
		return fmt.Errorf("field %q: field_id must be positive", f.Name)
	}
	if f.Name == "" {
		return fmt.Errorf("field %d: name cannot be empty", f.FieldID)
	}
	if !f.Kind.Valid() {
		return fmt.Errorf("field %q: unknown kind %q", f.Name, f.Kind)
	}
	if f.Kind == KindEnum && len(f.EnumValues) == 0 {
		return fmt.Errorf("field %q: enum_values required for enum fields", f.Name)
	}
	if f.Kind == KindRef && f.RefTypeID == 0 {
		return fmt.Errorf("field %q: ref_type_id required for ref fields", f.Name)
	}
	return nil
}

// NodeTypeDef defines a node type.
type NodeTypeDef struct {
	TypeID     uint32     `json:"type_id" yaml:"type_id"`
	Name       string     `json:"name" yaml:"name"`
	Fields     []FieldDef `json:"fields" yaml:"fields"`
	Deprecated bool       `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
	DefaultACL []string   `json:"default_acl,omitempty" yaml:"default_acl,omitempty"`
}

// Field returns the field with the given name, or nil.
func (t *NodeTypeDef) Field(name string) *FieldDef {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i]
		}
	}
	return nil
}

// FieldByID returns the field with the given id, or nil.
func (t *NodeTypeDef) FieldByID(id uint32) *FieldDef {
	for i := range t.Fields {
		if t.Fields[i].FieldID == id {
			return &t.Fields[i]
		}
	}
	return nil
}

// EdgeTypeDef defines a directed edge type between two node types.
type EdgeTypeDef struct {
	EdgeID     uint32 `json:"edge_id" yaml:"edge_id"`
	Name       string `json:"name" yaml:"name"`
	FromTypeID uint32 `json:"from_type_id" yaml:"from_type_id"`
	ToTypeID   uint32 `json:"to_type_id" yaml:"to_type_id"`
	Deprecated bool   `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
}

// Ref is the payload representation of a reference field value.
type Ref struct {
	TypeID uint32 `json:"type_id"`
	ID     string `json:"id"`
}
