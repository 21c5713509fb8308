package publisher

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(coll string, i int) LogEntry {
	return LogEntry{
		ReplicaSet: "rs0",
		Database:   "db",
		Collection: coll,
		Topic:      "cdc.db." + coll,
		Key:        []byte(fmt.Sprintf(`{"id":"%d"}`, i)),
		Value:      []byte(fmt.Sprintf(`{"after":"{\"_id\":%d}"}`, i)),
		CreatedTS:  int64(1000 + i),
	}
}

func testEntries(coll string, n int) []LogEntry {
	entries := make([]LogEntry, n)
	for i := range entries {
		entries[i] = testEntry(coll, i+1)
	}
	return entries
}

func TestNewPublishLog(t *testing.T) {
	tmpDir := t.TempDir()

	pl, err := NewPublishLog(tmpDir)
	require.NoError(t, err)
	require.NotNil(t, pl)
	defer pl.Close()

	assert.Equal(t, filepath.Join(tmpDir, "publish_log"), pl.path)
	assert.NotNil(t, pl.cursors)
	assert.Equal(t, uint64(0), pl.LastSeq())
}

func TestPublishLogAppendAndRead(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	entries := []LogEntry{
		testEntry("orders", 1),
		{
			ReplicaSet: "rs0",
			Database:   "db",
			Collection: "orders",
			Topic:      "cdc.db.orders",
			Key:        []byte(`{"id":"1"}`),
			Tombstone:  true,
			Partition:  map[string]interface{}{"rs": "rs0", "server_id": "srv"},
			Offset:     map[string]interface{}{"sec": int32(10), "ord": int32(1), "h": int64(7)},
		},
	}

	require.NoError(t, pl.Append(entries))
	assert.Equal(t, uint64(1), entries[0].SeqNum)
	assert.Equal(t, uint64(2), entries[1].SeqNum)
	assert.Equal(t, uint64(2), pl.LastSeq())

	read, err := pl.ReadFrom(0, 10)
	require.NoError(t, err)
	require.Len(t, read, 2)

	assert.Equal(t, uint64(1), read[0].SeqNum)
	assert.Equal(t, "orders", read[0].Collection)
	assert.Equal(t, "cdc.db.orders", read[0].Topic)
	assert.Equal(t, entries[0].Key, read[0].Key)
	assert.Equal(t, entries[0].Value, read[0].Value)
	assert.False(t, read[0].Tombstone)
	assert.Equal(t, int64(1001), read[0].CreatedTS)

	assert.True(t, read[1].Tombstone)
	assert.Empty(t, read[1].Value)
	assert.Equal(t, "srv", read[1].Partition["server_id"])

	// Offsets survive the round trip well enough to restore a position
	source := NewSourceInfo("srv")
	require.NoError(t, source.RestoreOffset("rs0", read[1].Offset))
	offset := source.LastOffset("rs0")
	assert.Equal(t, int32(10), offset[OffsetSeconds])
	assert.Equal(t, int32(1), offset[OffsetOrder])
	assert.Equal(t, int64(7), offset[OffsetHash])
}

func TestPublishLogReadWithLimit(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	require.NoError(t, pl.Append(testEntries("orders", 10)))

	read, err := pl.ReadFrom(0, 5)
	require.NoError(t, err)
	assert.Len(t, read, 5)
	assert.Equal(t, uint64(1), read[0].SeqNum)
	assert.Equal(t, uint64(5), read[4].SeqNum)

	read, err = pl.ReadFrom(5, 3)
	require.NoError(t, err)
	assert.Len(t, read, 3)
	assert.Equal(t, uint64(6), read[0].SeqNum)
	assert.Equal(t, uint64(8), read[2].SeqNum)

	// Non-positive limits fall back to the default
	read, err = pl.ReadFrom(0, 0)
	require.NoError(t, err)
	assert.Len(t, read, 10)
}

func TestPublishLogCursorOperations(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	cursor, err := pl.GetCursor("kafka")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor)

	require.NoError(t, pl.AdvanceCursor("kafka", 10))
	cursor, err = pl.GetCursor("kafka")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cursor)

	require.NoError(t, pl.AdvanceCursor("nats", 5))
	assert.Equal(t, map[string]uint64{"kafka": 10, "nats": 5}, pl.Cursors())

	// Cursors returns a copy
	pl.Cursors()["kafka"] = 99
	cursor, err = pl.GetCursor("kafka")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cursor)
}

func TestPublishLogCursorPersistence(t *testing.T) {
	tmpDir := t.TempDir()

	pl1, err := NewPublishLog(tmpDir)
	require.NoError(t, err)
	require.NoError(t, pl1.AdvanceCursor("kafka", 100))
	require.NoError(t, pl1.AdvanceCursor("nats", 50))
	require.NoError(t, pl1.Close())

	pl2, err := NewPublishLog(tmpDir)
	require.NoError(t, err)
	defer pl2.Close()

	cursor, err := pl2.GetCursor("kafka")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cursor)

	cursor, err = pl2.GetCursor("nats")
	require.NoError(t, err)
	assert.Equal(t, uint64(50), cursor)
}

func TestPublishLogSequenceNumberPersistence(t *testing.T) {
	tmpDir := t.TempDir()

	pl1, err := NewPublishLog(tmpDir)
	require.NoError(t, err)
	entries := testEntries("orders", 3)
	require.NoError(t, pl1.Append(entries))
	assert.Equal(t, uint64(3), entries[2].SeqNum)
	require.NoError(t, pl1.Close())

	pl2, err := NewPublishLog(tmpDir)
	require.NoError(t, err)
	defer pl2.Close()
	assert.Equal(t, uint64(3), pl2.LastSeq())

	more := testEntries("orders", 1)
	require.NoError(t, pl2.Append(more))
	assert.Equal(t, uint64(4), more[0].SeqNum)
}

func TestPublishLogEmptyAppend(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	require.NoError(t, pl.Append(nil))
	require.NoError(t, pl.Append([]LogEntry{}))
	assert.Equal(t, uint64(0), pl.LastSeq())
}

func TestPublishLogReadFromEmptyLog(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	read, err := pl.ReadFrom(0, 10)
	require.NoError(t, err)
	assert.Empty(t, read)
}

func TestPublishLogCleanup(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	require.NoError(t, pl.Append(testEntries("orders", 200)))
	require.NoError(t, pl.AdvanceCursor("kafka", 150))
	require.NoError(t, pl.AdvanceCursor("nats", 128))

	pl.cleanup()

	read, err := pl.ReadFrom(0, 200)
	require.NoError(t, err)
	require.NotEmpty(t, read)
	assert.Equal(t, uint64(128), read[0].SeqNum)
	assert.Equal(t, uint64(200), read[len(read)-1].SeqNum)
}

func TestPublishLogConcurrentAppend(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, pl.Append([]LogEntry{testEntry(fmt.Sprintf("c%d", w), i)}))
			}
		}(w)
	}
	wg.Wait()

	read, err := pl.ReadFrom(0, writers*perWriter+1)
	require.NoError(t, err)
	require.Len(t, read, writers*perWriter)

	for i, e := range read {
		assert.Equal(t, uint64(i+1), e.SeqNum)
	}
	assert.Equal(t, uint64(writers*perWriter), pl.LastSeq())
}

func TestPublishLogConcurrentReads(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	require.NoError(t, pl.Append(testEntries("orders", 100)))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			read, err := pl.ReadFrom(0, 50)
			assert.NoError(t, err)
			assert.Len(t, read, 50)
		}()
	}
	wg.Wait()
}

type recordingNotifier struct {
	mu      sync.Mutex
	signals map[string]uint64
}

func (n *recordingNotifier) Signal(database string, seq uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals[database] = seq
}

func TestPublishLogNotifier(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	n := &recordingNotifier{signals: map[string]uint64{}}
	pl.SetNotifier(n)

	entries := testEntries("orders", 3)
	entries[1].Database = "billing"
	require.NoError(t, pl.Append(entries))

	assert.Equal(t, map[string]uint64{"db": 3, "billing": 2}, n.signals)
}

func TestPublishLogClosed(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, pl.Close())

	assert.Error(t, pl.Close())
	assert.Error(t, pl.Append(testEntries("orders", 1)))
	_, err = pl.ReadFrom(0, 1)
	assert.Error(t, err)
	_, err = pl.GetCursor("kafka")
	assert.Error(t, err)
	assert.Error(t, pl.AdvanceCursor("kafka", 1))
}

func TestPublishLogInvalidPath(t *testing.T) {
	pl, err := NewPublishLog("/proc/oplogcdc/nonexistent")
	assert.Error(t, err)
	assert.Nil(t, pl)
}

func TestFormatPubLogKey(t *testing.T) {
	assert.Equal(t, "/publog/0000000000000000", formatPubLogKey(0))
	assert.Equal(t, "/publog/0000000000000001", formatPubLogKey(1))
	assert.Equal(t, "/publog/00000000000000ff", formatPubLogKey(255))
	assert.Equal(t, "/publog/ffffffffffffffff", formatPubLogKey(^uint64(0)))

	// Keys sort in sequence order
	assert.Less(t, formatPubLogKey(9), formatPubLogKey(10))
	assert.Less(t, formatPubLogKey(255), formatPubLogKey(256))
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		prefix   []byte
		expected []byte
	}{
		{[]byte("/publog/"), []byte("/publog0")},
		{[]byte("/a"), []byte("/b")},
		{[]byte{0x00}, []byte{0x01}},
		{[]byte{0x01, 0xff}, []byte{0x02, 0x00}},
		{[]byte{0xff}, nil},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, prefixUpperBound(tt.prefix), "prefix=%v", tt.prefix)
	}
}

func BenchmarkPublishLogAppend(b *testing.B) {
	pl, err := NewPublishLog(b.TempDir())
	require.NoError(b, err)
	defer pl.Close()

	entry := testEntry("orders", 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pl.Append([]LogEntry{entry})
	}
}

func BenchmarkPublishLogRead(b *testing.B) {
	pl, err := NewPublishLog(b.TempDir())
	require.NoError(b, err)
	defer pl.Close()

	_ = pl.Append(testEntries("orders", 1000))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = pl.ReadFrom(0, 100)
	}
}
