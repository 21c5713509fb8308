// Package encoding provides msgpack serialization for publish log entries.
// All msgpack encoding in the module goes through this package so entries
// written by one component decode the same way everywhere.
//
// Marshal and Unmarshal are safe for concurrent use.
//
// When decoding into interface{}, msgpack strings and binaries decode as Go
// strings and integers decode as int64 or uint64 regardless of their encoded
// width. Source partitions and offsets stored as map[string]interface{} rely
// on this to come back with predictable types.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
