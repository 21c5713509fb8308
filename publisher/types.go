package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/juju/mgo/v3/bson"
)

// Operation is the kind of change a record describes
type Operation uint8

// Operation types for change records
const (
	OpRead   Operation = iota // Snapshot read of an existing document
	OpCreate                  // Insert
	OpUpdate                  // Idempotent patch
	OpDelete                  // Delete (followed by a tombstone)
)

// Code returns the short literal used in the envelope "op" field
func (o Operation) Code() string {
	switch o {
	case OpRead:
		return "r"
	case OpCreate:
		return "c"
	case OpUpdate:
		return "u"
	case OpDelete:
		return "d"
	}
	return ""
}

func (o Operation) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("operation(%d)", uint8(o))
}

var (
	// ErrUnknownOperation is returned for oplog operation codes outside i/u/d
	ErrUnknownOperation = errors.New("unknown oplog operation")
	// ErrMissingIdentifier is returned when an event or document carries no resolvable _id
	ErrMissingIdentifier = errors.New("unable to resolve document identifier")
	// ErrInvalidSchemaName is returned when a schema name cannot be made valid
	ErrInvalidSchemaName = errors.New("invalid schema name")
)

// oplogOperations maps oplog "op" literals to operations
var oplogOperations = map[string]Operation{
	"i": OpCreate,
	"u": OpUpdate,
	"d": OpDelete,
}

// ParseOplogOperation maps an oplog "op" literal to an Operation
func ParseOplogOperation(code string) (Operation, error) {
	op, ok := oplogOperations[code]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, code)
	}
	return op, nil
}

// CollectionID identifies a collection within a replica set. It is comparable
// and used directly as a map key.
type CollectionID struct {
	ReplicaSet string
	DbName     string
	Name       string
}

// NewCollectionID creates a collection identifier
func NewCollectionID(replicaSet, dbName, name string) CollectionID {
	return CollectionID{ReplicaSet: replicaSet, DbName: dbName, Name: name}
}

// ParseCollectionID splits a "db.collection" namespace. Collection names may
// themselves contain dots, so only the first dot separates the database.
func ParseCollectionID(replicaSet, ns string) (CollectionID, error) {
	dbName, name, ok := strings.Cut(ns, ".")
	if !ok || dbName == "" || name == "" {
		return CollectionID{}, fmt.Errorf("invalid namespace %q", ns)
	}
	return NewCollectionID(replicaSet, dbName, name), nil
}

// Namespace returns the "db.collection" form
func (c CollectionID) Namespace() string {
	return c.DbName + "." + c.Name
}

func (c CollectionID) String() string {
	return c.ReplicaSet + "." + c.Namespace()
}

// RawEvent is an oplog entry as read from the source
type RawEvent struct {
	Ts bson.MongoTimestamp `bson:"ts"`           // Oplog timestamp (seconds << 32 | ordinal)
	H  int64               `bson:"h"`            // Unique operation hash
	Op string              `bson:"op"`           // "i", "u" or "d"
	Ns string              `bson:"ns"`           // "db.collection"
	O  bson.D              `bson:"o"`            // Document, patch, or delete selector
	O2 bson.D              `bson:"o2,omitempty"` // Update selector carrying the _id
}

// DecodeOplogEntry decodes a raw BSON oplog document
func DecodeOplogEntry(data []byte) (RawEvent, error) {
	var event RawEvent
	if err := bson.Unmarshal(data, &event); err != nil {
		return RawEvent{}, fmt.Errorf("failed to decode oplog entry: %w", err)
	}
	return event, nil
}

// SourceRecord is a keyed, schema-attached record handed to a Sink. A record
// with a nil Value and ValueSchema is a tombstone.
type SourceRecord struct {
	SourcePartition map[string]interface{} // Which source state the record belongs to
	SourceOffset    map[string]interface{} // Where in the source stream it came from
	Topic           string
	Partition       *int32 // nil lets the transport choose
	KeySchema       *Schema
	Key             *Struct
	ValueSchema     *Schema
	Value           *Struct
	Collection      CollectionID // Routing metadata for downstream filtering
}

// IsTombstone reports whether the record carries no value
func (r SourceRecord) IsTombstone() bool {
	return r.Value == nil
}

// Sink consumes records in order. Deliver may block under backpressure and
// must return the context's error if ctx is done before the record is accepted.
type Sink interface {
	Deliver(ctx context.Context, record SourceRecord) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, record SourceRecord) error

// Deliver calls f
func (f SinkFunc) Deliver(ctx context.Context, record SourceRecord) error {
	return f(ctx, record)
}

// Transport represents a destination for converted records (e.g., Kafka, NATS, RabbitMQ)
type Transport interface {
	// Publish sends a message; a nil value is a tombstone
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the transport
	Close() error
}

// Converter renders records into key and value bytes for a transport
type Converter interface {
	// Convert returns the key and value bytes; value is nil for tombstones
	Convert(record SourceRecord) (key []byte, value []byte, err error)
}

// Filter determines whether records of a collection should be published
type Filter interface {
	// Match returns true if the records should be published
	Match(database, collection string) bool
}
