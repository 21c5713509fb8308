package document

import (
	"errors"
	"fmt"

	"github.com/juju/mgo/v3/bson"
)

// IDField is the name of the identifier field of every document.
const IDField = "_id"

// maxIdentifierDepth bounds unwrapping of embedded {_id: ...} documents.
const maxIdentifierDepth = 16

var (
	// ErrMissingIdentifier is returned when no identifier value is present.
	ErrMissingIdentifier = errors.New("document identifier is missing")
	// ErrIdentifierTooDeep is returned when embedded identifiers nest beyond maxIdentifierDepth.
	ErrIdentifierTooDeep = errors.New("embedded identifier nesting too deep")
)

// Lookup returns the value of the named field of an ordered document.
func Lookup(doc bson.D, name string) (interface{}, bool) {
	for _, elem := range doc {
		if elem.Name == name {
			return elem.Value, true
		}
	}
	return nil, false
}

// IDLiteralFrom resolves the _id field of doc into its string literal.
func IDLiteralFrom(doc bson.D) (string, error) {
	if doc == nil {
		return "", ErrMissingIdentifier
	}
	id, _ := Lookup(doc, IDField)
	return IDLiteral(id)
}

// IDLiteral flattens an identifier value into a string:
//   - ObjectIds render as their 24 character hex form
//   - strings are used verbatim
//   - a document whose only field is _id is unwrapped and resolved again
//   - any other document and binary data are serialized with Serialize
//   - doubles use the serializer's number form, so 1.0 stays "1.0"
//   - everything else uses its default string formatting
//
// A nil identifier yields ErrMissingIdentifier.
func IDLiteral(id interface{}) (string, error) {
	return idLiteral(id, 0)
}

func idLiteral(id interface{}, depth int) (string, error) {
	if depth > maxIdentifierDepth {
		return "", ErrIdentifierTooDeep
	}

	switch v := id.(type) {
	case nil:
		return "", ErrMissingIdentifier
	case bson.ObjectId:
		return v.Hex(), nil
	case string:
		return v, nil
	case bson.D:
		if len(v) == 1 && v[0].Name == IDField {
			return idLiteral(v[0].Value, depth+1)
		}
		return serializeID(v)
	case bson.M:
		if inner, ok := v[IDField]; ok && len(v) == 1 {
			return idLiteral(inner, depth+1)
		}
		return serializeID(v)
	case map[string]interface{}:
		if inner, ok := v[IDField]; ok && len(v) == 1 {
			return idLiteral(inner, depth+1)
		}
		return serializeID(v)
	case float64:
		return formatDouble(v, 64), nil
	case float32:
		return formatDouble(float64(v), 32), nil
	case bson.Binary, []byte:
		return serializeID(v)
	default:
		return fmt.Sprint(v), nil
	}
}

func serializeID(doc interface{}) (string, error) {
	s, err := Serialize(doc)
	if err != nil {
		return "", fmt.Errorf("serialize identifier document: %w", err)
	}
	return s, nil
}
