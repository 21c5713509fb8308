package publisher

import (
	"context"
	"fmt"
	"time"
)

// LogSink converts records and appends them to a PublishLog, from which the
// workers publish them to transports. Deliver returns once the record is
// durable.
type LogSink struct {
	log       *PublishLog
	converter Converter
}

// NewLogSink creates a sink writing to pubLog
func NewLogSink(pubLog *PublishLog, converter Converter) (*LogSink, error) {
	if pubLog == nil {
		return nil, fmt.Errorf("publish log is required")
	}
	if converter == nil {
		return nil, fmt.Errorf("converter is required")
	}
	return &LogSink{log: pubLog, converter: converter}, nil
}

// Deliver converts the record and appends it to the log
func (s *LogSink) Deliver(ctx context.Context, record SourceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key, value, err := s.converter.Convert(record)
	if err != nil {
		return fmt.Errorf("failed to convert record for %s: %w", record.Topic, err)
	}

	entries := []LogEntry{{
		ReplicaSet: record.Collection.ReplicaSet,
		Database:   record.Collection.DbName,
		Collection: record.Collection.Name,
		Topic:      record.Topic,
		Key:        key,
		Value:      value,
		Tombstone:  record.IsTombstone(),
		Partition:  record.SourcePartition,
		Offset:     record.SourceOffset,
		CreatedTS:  time.Now().UnixMilli(),
	}}
	return s.log.Append(entries)
}
