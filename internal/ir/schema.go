package ir

import (
	"fmt"
	"strings"
)

// FieldTransform is a transform attached to a field in its schema
// definition. The field itself is the output.
type FieldTransform struct {
	Inputs []string `json:"inputs"`
	Logic  string   `json:"logic"`
}

// FieldDef describes one schema field.
//
// RefAtomUUID is set if and only if the named reference exists in the
// store. Only the schema binding layer writes it.
type FieldDef struct {
	Name        string          `json:"name"`
	Shape       RefKind         `json:"shape"`
	RefAtomUUID string          `json:"ref_atom_uuid,omitempty"`
	Transform   *FieldTransform `json:"transform,omitempty"`
}

// SchemaDef is a named, ordered set of fields.
type SchemaDef struct {
	Name   string     `json:"name"`
	Fields []FieldDef `json:"fields"`
}

// Field returns a pointer into s.Fields for name.
func (s *SchemaDef) Field(name string) (*FieldDef, bool) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy.
func (s SchemaDef) Clone() SchemaDef {
	c := SchemaDef{Name: s.Name, Fields: make([]FieldDef, len(s.Fields))}
	for i, f := range s.Fields {
		c.Fields[i] = f
		if f.Transform != nil {
			t := *f.Transform
			t.Inputs = append([]string(nil), f.Transform.Inputs...)
			c.Fields[i].Transform = &t
		}
	}
	return c
}

// FieldKey names a field as schema.field.
type FieldKey struct {
	Schema string
	Field  string
}

func (k FieldKey) String() string {
	return k.Schema + "." + k.Field
}

// ParseFieldKey splits "Schema.field". Both halves must be non-empty and the
// field part may not contain another dot.
func ParseFieldKey(s string) (FieldKey, error) {
	schema, field, ok := strings.Cut(s, ".")
	if !ok || schema == "" || field == "" || strings.Contains(field, ".") {
		return FieldKey{}, fmt.Errorf("invalid field key %q: want schema.field", s)
	}
	return FieldKey{Schema: schema, Field: field}, nil
}
