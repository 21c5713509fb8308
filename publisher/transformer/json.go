// Package transformer provides publisher.Converter implementations that
// render change records for transports.
package transformer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/maxpert/oplogcdc/publisher"
)

func init() {
	publisher.RegisterConverter("json", func() publisher.Converter {
		return NewJSONConverter(true)
	})
	publisher.RegisterConverter("json-schemaless", func() publisher.Converter {
		return NewJSONConverter(false)
	})
}

// JSONConverter renders keys and values as JSON. With schemas enabled each
// message is a {"schema": ..., "payload": ...} envelope, otherwise only the
// payload is written. Tombstones have a nil value.
type JSONConverter struct {
	schemasEnabled bool
	schemaCache    sync.Map // schema name -> json.RawMessage
}

// NewJSONConverter creates a JSON converter
func NewJSONConverter(schemasEnabled bool) *JSONConverter {
	return &JSONConverter{schemasEnabled: schemasEnabled}
}

type jsonSchema struct {
	Type     string       `json:"type"`
	Fields   []jsonSchema `json:"fields,omitempty"`
	Optional bool         `json:"optional"`
	Name     string       `json:"name,omitempty"`
	Version  int          `json:"version,omitempty"`
	Field    string       `json:"field,omitempty"`
}

type envelope struct {
	Schema  json.RawMessage `json:"schema"`
	Payload json.RawMessage `json:"payload"`
}

// Convert implements publisher.Converter
func (c *JSONConverter) Convert(record publisher.SourceRecord) ([]byte, []byte, error) {
	if record.Key == nil || record.KeySchema == nil {
		return nil, nil, fmt.Errorf("record for %s has no key", record.Topic)
	}

	key, err := c.encode(record.KeySchema, record.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode key: %w", err)
	}
	if record.IsTombstone() {
		return key, nil, nil
	}

	value, err := c.encode(record.ValueSchema, record.Value)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return key, value, nil
}

func (c *JSONConverter) encode(schema *publisher.Schema, value *publisher.Struct) ([]byte, error) {
	if err := value.Validate(); err != nil {
		return nil, err
	}

	var payload bytes.Buffer
	if err := writeStruct(&payload, value); err != nil {
		return nil, err
	}
	if !c.schemasEnabled {
		return payload.Bytes(), nil
	}

	schemaJSON, err := c.schemaJSON(schema)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Schema: schemaJSON, Payload: payload.Bytes()})
}

// schemaJSON returns the cached JSON form of a schema. Schemas are
// immutable so a name identifies the same structure for its lifetime.
func (c *JSONConverter) schemaJSON(schema *publisher.Schema) (json.RawMessage, error) {
	if schema.Name != "" {
		if cached, ok := c.schemaCache.Load(schema.Name); ok {
			return cached.(json.RawMessage), nil
		}
	}

	data, err := json.Marshal(toJSONSchema(schema, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema %s: %w", schema.Name, err)
	}
	if schema.Name != "" {
		c.schemaCache.Store(schema.Name, json.RawMessage(data))
	}
	return data, nil
}

func toJSONSchema(schema *publisher.Schema, field string) jsonSchema {
	js := jsonSchema{
		Type:     string(schema.Type),
		Optional: schema.Optional,
		Name:     schema.Name,
		Version:  schema.Version,
		Field:    field,
	}
	for _, f := range schema.Fields {
		js.Fields = append(js.Fields, toJSONSchema(f.Schema, f.Name))
	}
	return js
}

// writeStruct writes the struct as a JSON object in schema field order
func writeStruct(buf *bytes.Buffer, value *publisher.Struct) error {
	buf.WriteByte('{')
	for i, f := range value.Schema().Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return err
		}
		buf.Write(name)
		buf.WriteByte(':')

		switch v := value.Get(f.Name).(type) {
		case nil:
			buf.WriteString("null")
		case *publisher.Struct:
			if err := writeStruct(buf, v); err != nil {
				return err
			}
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
			buf.Write(data)
		}
	}
	buf.WriteByte('}')
	return nil
}
