package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/mgo/v3/bson"
	"github.com/maxpert/oplogcdc/document"
	"github.com/maxpert/oplogcdc/telemetry"
)

// Envelope and key field names
const (
	FieldID        = "_id"
	FieldAfter     = "after"
	FieldPatch     = "patch"
	FieldSource    = "source"
	FieldOperation = "op"
	FieldTimestamp = "ts"
)

// CollectionProducer turns documents and oplog events of one collection into
// change records and hands them to the sink. Its schemas are fixed at
// construction; all methods are safe for concurrent use.
type CollectionProducer struct {
	id          CollectionID
	source      PositionProvider
	partition   map[string]interface{}
	topic       string
	keySchema   *Schema
	valueSchema *Schema
	sink        Sink
}

func newCollectionProducer(id CollectionID, source PositionProvider, topic string, validator SchemaNameValidator, sink Sink) (*CollectionProducer, error) {
	keyName, err := validator.Validate(topic + ".Key")
	if err != nil {
		return nil, fmt.Errorf("key schema for %s: %w", id, err)
	}
	valueName, err := validator.Validate(topic + ".Envelope")
	if err != nil {
		return nil, fmt.Errorf("value schema for %s: %w", id, err)
	}

	return &CollectionProducer{
		id:        id,
		source:    source,
		partition: source.Partition(id.ReplicaSet),
		topic:     topic,
		keySchema: NewStructSchema(keyName,
			FieldDef{Name: FieldID, Schema: StringSchema},
		),
		valueSchema: NewStructSchema(valueName,
			FieldDef{Name: FieldAfter, Schema: OptionalJSONSchema},
			FieldDef{Name: FieldPatch, Schema: OptionalJSONSchema},
			FieldDef{Name: FieldSource, Schema: source.Schema()},
			FieldDef{Name: FieldOperation, Schema: OptionalStringSchema},
			FieldDef{Name: FieldTimestamp, Schema: OptionalInt64Schema},
		),
		sink: sink,
	}, nil
}

// CollectionID returns the collection this producer serves
func (p *CollectionProducer) CollectionID() CollectionID {
	return p.id
}

// Topic returns the topic records are routed to
func (p *CollectionProducer) Topic() string {
	return p.topic
}

// KeySchema returns the record key schema
func (p *CollectionProducer) KeySchema() *Schema {
	return p.keySchema
}

// ValueSchema returns the envelope schema
func (p *CollectionProducer) ValueSchema() *Schema {
	return p.valueSchema
}

// RecordSnapshot emits a read record for a document copied during a snapshot.
// It returns the number of records delivered, which is always 1 on success.
func (p *CollectionProducer) RecordSnapshot(ctx context.Context, id CollectionID, doc bson.D, timestamp int64) (int, error) {
	objID, err := document.IDLiteralFrom(doc)
	if err != nil {
		telemetry.TranslationErrorsTotal.With("missing_id").Inc()
		return 0, fmt.Errorf("%w: snapshot document in %s: %w", ErrMissingIdentifier, id, err)
	}

	sourceValue, err := p.source.LastOffsetStruct(p.id.ReplicaSet, id)
	if err != nil {
		return 0, fmt.Errorf("failed to build source for %s: %w", id, err)
	}
	offset := p.source.LastOffset(p.id.ReplicaSet)

	return p.createRecords(ctx, sourceValue, offset, OpRead, objID, doc, timestamp)
}

// RecordEvent emits the records for an oplog event: one for inserts and
// updates, a delete record followed by a tombstone for deletes. The _id is
// taken from a non-empty o2 since an update's o may not carry it.
func (p *CollectionProducer) RecordEvent(ctx context.Context, event RawEvent, timestamp int64) (int, error) {
	op, err := ParseOplogOperation(event.Op)
	if err != nil {
		telemetry.TranslationErrorsTotal.With("unknown_op").Inc()
		return 0, fmt.Errorf("event in %s: %w", p.id, err)
	}

	var objID string
	if len(event.O2) > 0 {
		objID, err = document.IDLiteral(event.O2)
	} else {
		objID, err = document.IDLiteralFrom(event.O)
	}
	if err != nil {
		telemetry.TranslationErrorsTotal.With("missing_id").Inc()
		return 0, fmt.Errorf("%w: %s event in %s: %w", ErrMissingIdentifier, op, p.id, err)
	}

	sourceValue, err := p.source.OffsetStructForEvent(p.id.ReplicaSet, event)
	if err != nil {
		return 0, fmt.Errorf("failed to build source for %s: %w", p.id, err)
	}
	offset := p.source.LastOffset(p.id.ReplicaSet)

	return p.createRecords(ctx, sourceValue, offset, op, objID, event.O, timestamp)
}

// createRecords builds and delivers the record(s) for one operation. For a
// delete the tombstone is only sent once the delete record was accepted.
func (p *CollectionProducer) createRecords(ctx context.Context, source *Struct, offset map[string]interface{}, op Operation, objID string, doc bson.D, timestamp int64) (int, error) {
	key, err := p.keyFor(objID)
	if err != nil {
		return 0, err
	}

	value := NewStruct(p.valueSchema)
	switch op {
	case OpRead, OpCreate:
		// The document is the new state
		after, err := serializePayload(doc)
		if err != nil {
			return 0, fmt.Errorf("%s event in %s: %w", op, p.id, err)
		}
		if err := value.Put(FieldAfter, after); err != nil {
			return 0, err
		}
	case OpUpdate:
		// The document is the idempotent patch
		patch, err := serializePayload(doc)
		if err != nil {
			return 0, fmt.Errorf("%s event in %s: %w", op, p.id, err)
		}
		if err := value.Put(FieldPatch, patch); err != nil {
			return 0, err
		}
	case OpDelete:
		// Only the _id is meaningful and it is already in the key
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}

	if err := value.Put(FieldSource, source); err != nil {
		return 0, err
	}
	if err := value.Put(FieldOperation, op.Code()); err != nil {
		return 0, err
	}
	if err := value.Put(FieldTimestamp, timestamp); err != nil {
		return 0, err
	}

	record := SourceRecord{
		SourcePartition: p.partition,
		SourceOffset:    offset,
		Topic:           p.topic,
		KeySchema:       p.keySchema,
		Key:             key,
		ValueSchema:     p.valueSchema,
		Value:           value,
		Collection:      p.id,
	}
	if err := p.deliver(ctx, record); err != nil {
		return 0, err
	}
	telemetry.RecordsTotal.With(op.Code()).Inc()

	if op == OpDelete {
		tombstone := record
		tombstone.ValueSchema = nil
		tombstone.Value = nil
		if err := p.deliver(ctx, tombstone); err != nil {
			return 1, err
		}
		telemetry.TombstonesTotal.Inc()
		return 2, nil
	}
	return 1, nil
}

func (p *CollectionProducer) deliver(ctx context.Context, record SourceRecord) error {
	start := time.Now()
	err := p.sink.Deliver(ctx, record)
	telemetry.SinkDeliverySeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			telemetry.TranslationErrorsTotal.With("cancelled").Inc()
		}
		return fmt.Errorf("failed to deliver record for %s: %w", p.id, err)
	}
	return nil
}

func (p *CollectionProducer) keyFor(objID string) (*Struct, error) {
	key := NewStruct(p.keySchema)
	if err := key.Put(FieldID, objID); err != nil {
		return nil, err
	}
	return key, nil
}

func serializePayload(doc bson.D) (string, error) {
	s, err := document.Serialize(doc)
	if err != nil {
		telemetry.TranslationErrorsTotal.With("serialize").Inc()
		return "", fmt.Errorf("failed to serialize document: %w", err)
	}
	return s, nil
}
