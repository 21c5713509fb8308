package document

import (
	"math"
	"testing"
	"time"

	"github.com/juju/mgo/v3/bson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOID = "5f1a2b3c4d5e6f7081920a1b"

func TestSerialize_Scalars(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected string
	}{
		{"null", nil, `null`},
		{"true", true, `true`},
		{"string", "hello", `"hello"`},
		{"int", 42, `42`},
		{"int32", int32(-7), `-7`},
		{"int64", int64(9876543210), `{"$numberLong":"9876543210"}`},
		{"uint64", uint64(3), `{"$numberLong":"3"}`},
		{"whole double", 1.0, `1.0`},
		{"fractional double", 1.5, `1.5`},
		{"large double", 1e21, `1e+21`},
		{"NaN", math.NaN(), `{"$numberDouble":"NaN"}`},
		{"+Inf", math.Inf(1), `{"$numberDouble":"Infinity"}`},
		{"-Inf", math.Inf(-1), `{"$numberDouble":"-Infinity"}`},
		{"object id", bson.ObjectIdHex(testOID), `{"$oid":"` + testOID + `"}`},
		{"date", time.Unix(1, 500_000_000), `{"$date":1500}`},
		{"bytes", []byte{1, 2, 3}, `{"$binary":"AQID","$type":"00"}`},
		{"binary", bson.Binary{Kind: 0x04, Data: []byte{0xff}}, `{"$binary":"/w==","$type":"04"}`},
		{"timestamp", bson.MongoTimestamp(int64(5)<<32 | 7), `{"$timestamp":{"t":5,"i":7}}`},
		{"regex", bson.RegEx{Pattern: "^a", Options: "i"}, `{"$regex":"^a","$options":"i"}`},
		{"code", bson.JavaScript{Code: "f()"}, `{"$code":"f()"}`},
		{"code with scope", bson.JavaScript{Code: "f()", Scope: bson.D{{Name: "x", Value: 1}}}, `{"$code":"f()","$scope":{"x":1}}`},
		{"symbol", bson.Symbol("sym"), `{"$symbol":"sym"}`},
		{"min key", bson.MinKey, `{"$minKey":1}`},
		{"max key", bson.MaxKey, `{"$maxKey":1}`},
		{"undefined", bson.Undefined, `{"$undefined":true}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := Serialize(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, out)
		})
	}
}

func TestSerialize_Decimal128(t *testing.T) {
	dec, err := bson.ParseDecimal128("1.5")
	require.NoError(t, err)

	out, err := Serialize(bson.D{{Name: "price", Value: dec}})
	require.NoError(t, err)
	assert.Equal(t, `{"price":{"$numberDecimal":"1.5"}}`, out)
}

func TestSerialize_DocumentKeepsFieldOrder(t *testing.T) {
	doc := bson.D{
		{Name: "_id", Value: bson.ObjectIdHex(testOID)},
		{Name: "name", Value: "a"},
		{Name: "age", Value: 30},
	}

	out, err := Serialize(doc)
	require.NoError(t, err)
	assert.Equal(t, `{"_id":{"$oid":"`+testOID+`"},"name":"a","age":30}`, out)
}

func TestSerialize_MapKeysSorted(t *testing.T) {
	out, err := Serialize(bson.M{"b": 1, "a": 2, "c": bson.M{"z": true, "y": false}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":false,"z":true}}`, out)
}

func TestSerialize_NestedArrays(t *testing.T) {
	doc := bson.D{
		{Name: "tags", Value: []interface{}{"x", 1, nil, true}},
		{Name: "matrix", Value: [][]string{{"a"}, {"b", "c"}}},
		{Name: "items", Value: []interface{}{bson.D{{Name: "k", Value: "v"}}}},
	}

	out, err := Serialize(doc)
	require.NoError(t, err)
	assert.Equal(t, `{"tags":["x",1,null,true],"matrix":[["a"],["b","c"]],"items":[{"k":"v"}]}`, out)
}

func TestSerialize_StringEscaping(t *testing.T) {
	out, err := Serialize("a\"b\\c\n\t\x01<&>é")
	require.NoError(t, err)
	assert.Equal(t, `"a\"b\\c\n\t\u0001<&>é"`, out)
}

func TestSerialize_InvalidUTF8(t *testing.T) {
	out, err := Serialize(string([]byte{'a', 0xff, 'b'}))
	require.NoError(t, err)
	assert.Equal(t, "\"a�b\"", out)
}

func TestSerialize_Struct(t *testing.T) {
	type user struct {
		Name   string `bson:"name"`
		Active bool   `bson:"active"`
	}

	out, err := Serialize(user{Name: "bob", Active: true})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"bob","active":true}`, out)
}

func TestSerialize_Pointer(t *testing.T) {
	s := "x"
	out, err := Serialize(&s)
	require.NoError(t, err)
	assert.Equal(t, `"x"`, out)

	var nilPtr *string
	out, err = Serialize(nilPtr)
	require.NoError(t, err)
	assert.Equal(t, `null`, out)
}

func TestSerialize_RawDocument(t *testing.T) {
	data, err := bson.Marshal(bson.D{{Name: "a", Value: "x"}, {Name: "b", Value: true}})
	require.NoError(t, err)

	out, err := Serialize(bson.Raw{Kind: 0x03, Data: data})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":true}`, out)
}

func TestSerialize_UnsupportedType(t *testing.T) {
	_, err := Serialize(bson.D{{Name: "ch", Value: make(chan int)}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = Serialize(map[int]string{1: "a"})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestSerialize_NestingLimit(t *testing.T) {
	var doc interface{} = "leaf"
	for i := 0; i < maxNestingDepth+5; i++ {
		doc = bson.D{{Name: "n", Value: doc}}
	}

	_, err := Serialize(doc)
	assert.ErrorIs(t, err, ErrNestingTooDeep)
}

func TestSerialize_Deterministic(t *testing.T) {
	doc := bson.D{
		{Name: "_id", Value: bson.ObjectIdHex(testOID)},
		{Name: "meta", Value: bson.M{"z": 1, "a": []interface{}{1.25, "s"}, "m": bson.M{"q": nil}}},
	}

	first, err := Serialize(doc)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Serialize(doc)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
