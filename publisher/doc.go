// Package publisher turns MongoDB oplog entries and snapshot documents into
// keyed, schema-attached change records and delivers them to transports.
//
// # Architecture
//
// Records flow through four stages:
//
//  1. ProducerRegistry: one CollectionProducer per collection, created on
//     first use and cached until Clear
//  2. CollectionProducer: builds the key and envelope value for each
//     document or oplog event and hands records to a Sink in order
//  3. LogSink: converts records to bytes and appends them to the PublishLog
//  4. Worker: one per transport, tails the PublishLog and publishes
//
// # Records
//
// Every record key is a struct with a single "_id" string field holding the
// document identifier rendered as text. Values are envelopes:
//
//	after   JSON text of the full document (inserts and snapshot reads)
//	patch   JSON text of the update operation (updates)
//	source  server name, replica set, namespace and oplog position
//	op      "r", "c", "u" or "d"
//	ts      wall clock milliseconds when the record was produced
//
// A delete is followed by a tombstone: a record with the same key and a nil
// value so that compacted topics drop the document.
//
// # PublishLog
//
// PublishLog stores converted records in Pebble with monotonically
// increasing sequence numbers. Each sink tracks its progress with a cursor,
// which gives:
//
//   - Crash recovery (cursors persisted to Pebble)
//   - Independent sinks consuming at different rates
//   - Cleanup of entries every sink has published
//
// Key prefixes:
//
//	/publog/{seq:016x}       -> msgpack(LogEntry)
//	/pubcursor/{sinkName}    -> uint64 (cursor)
//	/pubseq                  -> uint64 (last sequence)
//
// Delivery to transports is at least once. A crash between publishing an
// entry and advancing the cursor republishes it.
//
// # Filters
//
// GlobFilter selects collections by database and collection patterns:
//
//	filter, err := NewGlobFilter(
//		[]string{"orders", "order_*"}, // collection patterns
//		[]string{"shop*"},             // database patterns
//	)
package publisher
