// Package document renders BSON documents into the compact strict-mode JSON
// text carried in change record payloads, and resolves document identifiers
// into the flat string literals used as record keys.
//
// Serialization keeps the field order of ordered documents (bson.D) and emits
// no whitespace. Extended BSON types use the strict extended JSON convention:
//
//	ObjectId        {"$oid":"<24 hex digits>"}
//	int64           {"$numberLong":"<digits>"}
//	float64         1.5, 2.0 (always with a fraction or exponent)
//	NaN/Inf         {"$numberDouble":"NaN"}, {"$numberDouble":"Infinity"}
//	Decimal128      {"$numberDecimal":"<string>"}
//	time.Time       {"$date":<unix milliseconds>}
//	[]byte, Binary  {"$binary":"<base64>","$type":"<2 hex digits>"}
//	MongoTimestamp  {"$timestamp":{"t":<seconds>,"i":<increment>}}
//	RegEx           {"$regex":"<pattern>","$options":"<options>"}
//	JavaScript      {"$code":"<code>"} or {"$code":"<code>","$scope":{...}}
//	Symbol          {"$symbol":"<name>"}
//	DBPointer       {"$ref":"<namespace>","$id":{"$oid":"<hex>"}}
//	MinKey, MaxKey  {"$minKey":1}, {"$maxKey":1}
//	Undefined       {"$undefined":true}
//
// Unordered maps (bson.M and other string-keyed maps) are written with their
// keys sorted so that equal documents always produce identical text.
package document

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/juju/mgo/v3/bson"
)

// maxNestingDepth bounds recursion through nested documents and arrays.
const maxNestingDepth = 100

var (
	// ErrUnsupportedType is returned when a value has no JSON rendering.
	ErrUnsupportedType = errors.New("unsupported document value type")
	// ErrNestingTooDeep is returned when a document nests deeper than maxNestingDepth.
	ErrNestingTooDeep = errors.New("document nesting too deep")
)

const hexDigits = "0123456789abcdef"

// Serialize renders a document (or any value a document may hold) as compact
// strict-mode JSON.
func Serialize(doc interface{}) (string, error) {
	var b strings.Builder
	if err := appendValue(&b, doc, 0); err != nil {
		return "", err
	}
	return b.String(), nil
}

func appendValue(b *strings.Builder, v interface{}, depth int) error {
	if depth > maxNestingDepth {
		return ErrNestingTooDeep
	}

	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case string:
		appendString(b, val)
	case int:
		b.WriteString(strconv.Itoa(val))
	case int8:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int16:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		appendNumberLong(b, strconv.FormatInt(val, 10))
	case uint8:
		b.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint16:
		b.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint32:
		b.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint:
		appendNumberLong(b, strconv.FormatUint(uint64(val), 10))
	case uint64:
		appendNumberLong(b, strconv.FormatUint(val, 10))
	case float32:
		appendFloat(b, float64(val), 32)
	case float64:
		appendFloat(b, val, 64)
	case bson.ObjectId:
		appendObjectID(b, val)
	case bson.Decimal128:
		b.WriteString(`{"$numberDecimal":`)
		appendString(b, val.String())
		b.WriteByte('}')
	case time.Time:
		b.WriteString(`{"$date":`)
		b.WriteString(strconv.FormatInt(val.UnixMilli(), 10))
		b.WriteByte('}')
	case []byte:
		appendBinary(b, 0x00, val)
	case bson.Binary:
		appendBinary(b, val.Kind, val.Data)
	case bson.MongoTimestamp:
		b.WriteString(`{"$timestamp":{"t":`)
		b.WriteString(strconv.FormatUint(uint64(val)>>32, 10))
		b.WriteString(`,"i":`)
		b.WriteString(strconv.FormatUint(uint64(uint32(val)), 10))
		b.WriteString("}}")
	case bson.RegEx:
		b.WriteString(`{"$regex":`)
		appendString(b, val.Pattern)
		b.WriteString(`,"$options":`)
		appendString(b, val.Options)
		b.WriteByte('}')
	case bson.JavaScript:
		b.WriteString(`{"$code":`)
		appendString(b, val.Code)
		if val.Scope != nil {
			b.WriteString(`,"$scope":`)
			if err := appendValue(b, val.Scope, depth+1); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case bson.Symbol:
		b.WriteString(`{"$symbol":`)
		appendString(b, string(val))
		b.WriteByte('}')
	case bson.DBPointer:
		b.WriteString(`{"$ref":`)
		appendString(b, val.Namespace)
		b.WriteString(`,"$id":`)
		appendObjectID(b, val.Id)
		b.WriteByte('}')
	case bson.D:
		return appendOrdered(b, val, depth)
	case bson.RawD:
		doc := make(bson.D, 0, len(val))
		for _, elem := range val {
			var inner interface{}
			if err := elem.Value.Unmarshal(&inner); err != nil {
				return fmt.Errorf("decode raw field %q: %w", elem.Name, err)
			}
			doc = append(doc, bson.DocElem{Name: elem.Name, Value: inner})
		}
		return appendOrdered(b, doc, depth)
	case bson.Raw:
		var doc bson.D
		if err := val.Unmarshal(&doc); err != nil {
			return fmt.Errorf("decode raw document: %w", err)
		}
		return appendOrdered(b, doc, depth)
	case bson.M:
		return appendMap(b, val, depth)
	case map[string]interface{}:
		return appendMap(b, val, depth)
	case []interface{}:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := appendValue(b, item, depth+1); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		return appendSpecial(b, v, depth)
	}
	return nil
}

// appendSpecial covers the unexported marker values of the bson package and
// falls back to reflection for pointers, typed slices, maps and structs.
func appendSpecial(b *strings.Builder, v interface{}, depth int) error {
	switch v {
	case interface{}(bson.MinKey):
		b.WriteString(`{"$minKey":1}`)
		return nil
	case interface{}(bson.MaxKey):
		b.WriteString(`{"$maxKey":1}`)
		return nil
	case interface{}(bson.Undefined):
		b.WriteString(`{"$undefined":true}`)
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			b.WriteString("null")
			return nil
		}
		return appendValue(b, rv.Elem().Interface(), depth+1)
	case reflect.Slice, reflect.Array:
		b.WriteByte('[')
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := appendValue(b, rv.Index(i).Interface(), depth+1); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%w: map key %s", ErrUnsupportedType, rv.Type().Key())
		}
		m := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return appendMap(b, m, depth)
	case reflect.Struct:
		// Structs go through the bson codec so field tags are honored.
		raw, err := bson.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: %T: %v", ErrUnsupportedType, v, err)
		}
		var doc bson.D
		if err := bson.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("decode %T: %w", v, err)
		}
		return appendOrdered(b, doc, depth)
	case reflect.String:
		appendString(b, rv.String())
		return nil
	}
	return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

func appendOrdered(b *strings.Builder, doc bson.D, depth int) error {
	b.WriteByte('{')
	for i, elem := range doc {
		if i > 0 {
			b.WriteByte(',')
		}
		appendString(b, elem.Name)
		b.WriteByte(':')
		if err := appendValue(b, elem.Value, depth+1); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func appendMap(b *strings.Builder, m map[string]interface{}, depth int) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		appendString(b, k)
		b.WriteByte(':')
		if err := appendValue(b, m[k], depth+1); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func appendNumberLong(b *strings.Builder, digits string) {
	b.WriteString(`{"$numberLong":"`)
	b.WriteString(digits)
	b.WriteString(`"}`)
}

func appendFloat(b *strings.Builder, f float64, bitSize int) {
	switch {
	case math.IsNaN(f):
		b.WriteString(`{"$numberDouble":"NaN"}`)
		return
	case math.IsInf(f, 1):
		b.WriteString(`{"$numberDouble":"Infinity"}`)
		return
	case math.IsInf(f, -1):
		b.WriteString(`{"$numberDouble":"-Infinity"}`)
		return
	}

	b.WriteString(formatDouble(f, bitSize))
}

// formatDouble renders a finite double in shortest form. Integral values
// keep a ".0" so they stay distinguishable from integers.
func formatDouble(f float64, bitSize int) string {
	s := strconv.FormatFloat(f, 'g', -1, bitSize)
	if !strings.ContainsAny(s, ".eIN") {
		s += ".0"
	}
	return s
}

func appendObjectID(b *strings.Builder, id bson.ObjectId) {
	b.WriteString(`{"$oid":"`)
	b.WriteString(id.Hex())
	b.WriteString(`"}`)
}

func appendBinary(b *strings.Builder, kind byte, data []byte) {
	b.WriteString(`{"$binary":"`)
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	b.WriteString(`","$type":"`)
	b.WriteByte(hexDigits[kind>>4])
	b.WriteByte(hexDigits[kind&0x0f])
	b.WriteString(`"}`)
}

// appendString writes s as a JSON string literal. Only the characters JSON
// requires are escaped; invalid UTF-8 is replaced with U+FFFD.
func appendString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"':
				b.WriteString(`\"`)
			case '\\':
				b.WriteString(`\\`)
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			case '\t':
				b.WriteString(`\t`)
			case '\b':
				b.WriteString(`\b`)
			case '\f':
				b.WriteString(`\f`)
			default:
				if c < 0x20 {
					b.WriteString(`\u00`)
					b.WriteByte(hexDigits[c>>4])
					b.WriteByte(hexDigits[c&0x0f])
				} else {
					b.WriteByte(c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			b.WriteString(`�`)
		} else {
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	b.WriteByte('"')
}
