package publisher

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// SchemaType is the primitive or structural type of a schema
type SchemaType string

// Schema types used by change records
const (
	TypeStruct  SchemaType = "struct"
	TypeString  SchemaType = "string"
	TypeInt32   SchemaType = "int32"
	TypeInt64   SchemaType = "int64"
	TypeBoolean SchemaType = "boolean"
)

// JSONSchemaName is the logical type name of a string field carrying JSON text
const JSONSchemaName = "io.debezium.data.Json"

// Schema describes a record key, value, or field. Schemas are built once and
// never modified afterwards, so they are shared freely between goroutines.
type Schema struct {
	Type     SchemaType
	Name     string
	Optional bool
	Version  int
	Fields   []Field
}

// Field is a named member of a struct schema
type Field struct {
	Name   string
	Index  int
	Schema *Schema
}

// Shared primitive schemas
var (
	StringSchema          = &Schema{Type: TypeString}
	OptionalStringSchema  = &Schema{Type: TypeString, Optional: true}
	Int32Schema           = &Schema{Type: TypeInt32}
	OptionalInt64Schema   = &Schema{Type: TypeInt64, Optional: true}
	OptionalBooleanSchema = &Schema{Type: TypeBoolean, Optional: true}
	OptionalJSONSchema    = &Schema{Type: TypeString, Name: JSONSchemaName, Version: 1, Optional: true}
)

// FieldDef is a name/schema pair used to build struct schemas
type FieldDef struct {
	Name   string
	Schema *Schema
}

// NewStructSchema builds a required struct schema with the given fields in order
func NewStructSchema(name string, fields ...FieldDef) *Schema {
	s := &Schema{
		Type:   TypeStruct,
		Name:   name,
		Fields: make([]Field, len(fields)),
	}
	for i, f := range fields {
		s.Fields[i] = Field{Name: f.Name, Index: i, Schema: f.Schema}
	}
	return s
}

// Field returns the named field of a struct schema
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Struct is a value conforming to a struct schema
type Struct struct {
	schema *Schema
	values []interface{}
}

// NewStruct creates an empty value for a struct schema
func NewStruct(schema *Schema) *Struct {
	return &Struct{
		schema: schema,
		values: make([]interface{}, len(schema.Fields)),
	}
}

// Schema returns the struct's schema
func (s *Struct) Schema() *Schema {
	return s.schema
}

// Put sets a field after checking the value against the field's schema.
// A nil value clears the field.
func (s *Struct) Put(name string, value interface{}) error {
	field, ok := s.schema.Field(name)
	if !ok {
		return fmt.Errorf("%s has no field %q", s.schema.Name, name)
	}
	if value != nil {
		if err := checkValue(field.Schema, value); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	s.values[field.Index] = value
	return nil
}

// Get returns the value of a field, or nil if the field is unset or unknown
func (s *Struct) Get(name string) interface{} {
	field, ok := s.schema.Field(name)
	if !ok {
		return nil
	}
	return s.values[field.Index]
}

// Validate checks that every required field is set
func (s *Struct) Validate() error {
	for _, f := range s.schema.Fields {
		if !f.Schema.Optional && s.values[f.Index] == nil {
			return fmt.Errorf("%s: required field %q is missing", s.schema.Name, f.Name)
		}
	}
	return nil
}

func checkValue(schema *Schema, value interface{}) error {
	var ok bool
	switch schema.Type {
	case TypeString:
		_, ok = value.(string)
	case TypeInt32:
		_, ok = value.(int32)
	case TypeInt64:
		_, ok = value.(int64)
	case TypeBoolean:
		_, ok = value.(bool)
	case TypeStruct:
		var st *Struct
		st, ok = value.(*Struct)
		if ok && st.schema.Name != schema.Name {
			return fmt.Errorf("struct schema mismatch: want %q, got %q", schema.Name, st.schema.Name)
		}
	}
	if !ok {
		return fmt.Errorf("value of type %T is not a %s", value, schema.Type)
	}
	return nil
}

// SchemaNameValidator turns candidate names into legal schema names
type SchemaNameValidator interface {
	Validate(name string) (string, error)
}

// AvroValidator enforces Avro full-name rules: dot-separated segments of
// [A-Za-z_][A-Za-z0-9_]*. Offending characters are replaced with '_' and a
// segment starting with a digit gets a '_' prefix. Names that are empty or
// contain empty segments cannot be repaired.
type AvroValidator struct{}

// Validate returns the sanitized name or ErrInvalidSchemaName
func (AvroValidator) Validate(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidSchemaName)
	}

	segments := strings.Split(name, ".")
	for i, seg := range segments {
		if seg == "" {
			return "", fmt.Errorf("%w: %q has an empty segment", ErrInvalidSchemaName, name)
		}
		segments[i] = sanitizeSegment(seg)
	}

	sanitized := strings.Join(segments, ".")
	if sanitized != name {
		log.Warn().
			Str("name", name).
			Str("sanitized", sanitized).
			Msg("Schema name contains invalid characters, replaced")
	}
	return sanitized, nil
}

func sanitizeSegment(seg string) string {
	var b strings.Builder
	b.Grow(len(seg) + 1)
	for i, r := range seg {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
