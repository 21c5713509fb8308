package publisher

import (
	"fmt"
	"sync"

	"github.com/juju/mgo/v3/bson"
)

// SourceSchemaName is the schema name of the "source" envelope field
const SourceSchemaName = "io.oplogcdc.mongodb.Source"

// Offset and partition keys
const (
	OffsetSeconds     = "sec"
	OffsetOrder       = "ord"
	OffsetHash        = "h"
	OffsetInitialSync = "initsync"
	PartitionRS       = "rs"
	PartitionServerID = "server_id"
)

// PositionProvider supplies the source partition, offset and "source" struct
// attached to every record. Implementations may keep internal state but must
// be safe for concurrent use.
type PositionProvider interface {
	// Schema is the schema of the structs returned by the provider
	Schema() *Schema
	// Partition identifies the source state a replica set's records belong to
	Partition(replicaSet string) map[string]interface{}
	// LastOffset is the replica set's current position
	LastOffset(replicaSet string) map[string]interface{}
	// LastOffsetStruct describes the current position for a snapshot read of id
	LastOffsetStruct(replicaSet string, id CollectionID) (*Struct, error)
	// OffsetStructForEvent records the event's position and describes it
	OffsetStructForEvent(replicaSet string, event RawEvent) (*Struct, error)
}

// position is a replica set's place in its oplog
type position struct {
	ts bson.MongoTimestamp
	h  int64
}

func (p position) seconds() int32 {
	return int32(uint64(p.ts) >> 32)
}

func (p position) order() int32 {
	return int32(uint32(p.ts))
}

// SourceInfo tracks oplog positions per replica set for one logical server
type SourceInfo struct {
	serverName string
	schema     *Schema

	mu          sync.Mutex
	positions   map[string]position
	initialSync map[string]bool
}

// NewSourceInfo creates a position provider for the named logical server
func NewSourceInfo(serverName string) *SourceInfo {
	return &SourceInfo{
		serverName: serverName,
		schema: NewStructSchema(SourceSchemaName,
			FieldDef{Name: "name", Schema: StringSchema},
			FieldDef{Name: "rs", Schema: StringSchema},
			FieldDef{Name: "ns", Schema: StringSchema},
			FieldDef{Name: OffsetSeconds, Schema: Int32Schema},
			FieldDef{Name: OffsetOrder, Schema: Int32Schema},
			FieldDef{Name: OffsetHash, Schema: OptionalInt64Schema},
			FieldDef{Name: OffsetInitialSync, Schema: OptionalBooleanSchema},
		),
		positions:   make(map[string]position),
		initialSync: make(map[string]bool),
	}
}

// ServerName returns the logical server name
func (s *SourceInfo) ServerName() string {
	return s.serverName
}

// Schema returns the schema of the "source" struct
func (s *SourceInfo) Schema() *Schema {
	return s.schema
}

// Partition returns {"rs": replicaSet, "server_id": serverName}
func (s *SourceInfo) Partition(replicaSet string) map[string]interface{} {
	return map[string]interface{}{
		PartitionRS:       replicaSet,
		PartitionServerID: s.serverName,
	}
}

// LastOffset returns the replica set's current position. The initsync flag is
// only present while an initial sync is running.
func (s *SourceInfo) LastOffset(replicaSet string) map[string]interface{} {
	s.mu.Lock()
	pos := s.positions[replicaSet]
	syncing := s.initialSync[replicaSet]
	s.mu.Unlock()

	offset := map[string]interface{}{
		OffsetSeconds: pos.seconds(),
		OffsetOrder:   pos.order(),
		OffsetHash:    pos.h,
	}
	if syncing {
		offset[OffsetInitialSync] = true
	}
	return offset
}

// LastOffsetStruct describes the replica set's current position for a
// document of the given collection
func (s *SourceInfo) LastOffsetStruct(replicaSet string, id CollectionID) (*Struct, error) {
	s.mu.Lock()
	pos := s.positions[replicaSet]
	syncing := s.initialSync[replicaSet]
	s.mu.Unlock()

	return s.offsetStruct(replicaSet, id.Namespace(), pos, syncing)
}

// OffsetStructForEvent advances the replica set's position to the event and
// describes it
func (s *SourceInfo) OffsetStructForEvent(replicaSet string, event RawEvent) (*Struct, error) {
	pos := position{ts: event.Ts, h: event.H}

	s.mu.Lock()
	s.positions[replicaSet] = pos
	syncing := s.initialSync[replicaSet]
	s.mu.Unlock()

	return s.offsetStruct(replicaSet, event.Ns, pos, syncing)
}

// StartInitialSync marks the replica set as performing an initial sync
func (s *SourceInfo) StartInitialSync(replicaSet string) {
	s.mu.Lock()
	s.initialSync[replicaSet] = true
	s.mu.Unlock()
}

// StopInitialSync clears the initial sync mark
func (s *SourceInfo) StopInitialSync(replicaSet string) {
	s.mu.Lock()
	delete(s.initialSync, replicaSet)
	s.mu.Unlock()
}

// IsInitialSyncOngoing reports whether the replica set is in initial sync
func (s *SourceInfo) IsInitialSyncOngoing(replicaSet string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialSync[replicaSet]
}

// RestoreOffset sets the replica set's position from a previously recorded
// offset, e.g. one loaded from a publish log entry
func (s *SourceInfo) RestoreOffset(replicaSet string, offset map[string]interface{}) error {
	if offset == nil {
		return nil
	}
	sec, err := offsetInt(offset, OffsetSeconds)
	if err != nil {
		return err
	}
	ord, err := offsetInt(offset, OffsetOrder)
	if err != nil {
		return err
	}
	h, err := offsetInt(offset, OffsetHash)
	if err != nil {
		return err
	}

	pos := position{
		ts: bson.MongoTimestamp(int64(uint64(uint32(sec))<<32 | uint64(uint32(ord)))),
		h:  h,
	}

	s.mu.Lock()
	s.positions[replicaSet] = pos
	if syncing, _ := offset[OffsetInitialSync].(bool); syncing {
		s.initialSync[replicaSet] = true
	}
	s.mu.Unlock()
	return nil
}

func (s *SourceInfo) offsetStruct(replicaSet, ns string, pos position, syncing bool) (*Struct, error) {
	st := NewStruct(s.schema)
	values := []struct {
		field string
		value interface{}
	}{
		{"name", s.serverName},
		{"rs", replicaSet},
		{"ns", ns},
		{OffsetSeconds, pos.seconds()},
		{OffsetOrder, pos.order()},
		{OffsetHash, pos.h},
	}
	for _, v := range values {
		if err := st.Put(v.field, v.value); err != nil {
			return nil, err
		}
	}
	if syncing {
		if err := st.Put(OffsetInitialSync, true); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// offsetInt reads an integer offset value regardless of how it was decoded
func offsetInt(offset map[string]interface{}, key string) (int64, error) {
	switch v := offset[key].(type) {
	case nil:
		return 0, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("offset %q has unexpected type %T", key, v)
	}
}
