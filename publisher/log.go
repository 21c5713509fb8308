package publisher

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/oplogcdc/encoding"
	"github.com/maxpert/oplogcdc/telemetry"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixPubLog    = "/publog/"    // /publog/{16-digit-hex-seq}
	prefixPubCursor = "/pubcursor/" // /pubcursor/{sinkName}
	prefixPubSeq    = "/pubseq"     // /pubseq -> uint64 (last assigned sequence)
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

const (
	defaultReadLimit    = 100
	cleanupIntervalMask = 0x7F // Cleanup every 128 sequences
)

// LogEntry is a converted change record waiting to be published
type LogEntry struct {
	SeqNum     uint64                 `msgpack:"seq"`
	ReplicaSet string                 `msgpack:"rs"`
	Database   string                 `msgpack:"db"`
	Collection string                 `msgpack:"coll"`
	Topic      string                 `msgpack:"topic"`
	Key        []byte                 `msgpack:"key"`
	Value      []byte                 `msgpack:"value"`
	Tombstone  bool                   `msgpack:"tombstone"`
	Partition  map[string]interface{} `msgpack:"partition"`
	Offset     map[string]interface{} `msgpack:"offset"`
	CreatedTS  int64                  `msgpack:"created_ts"` // Unix millis
}

// PublishLog is a Pebble-backed append-only log of converted records with
// per-sink consumption cursors
type PublishLog struct {
	db   *pebble.DB
	path string

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	appendMu sync.Mutex
	lastSeq  atomic.Uint64
	notifier AppendNotifier // guarded by appendMu

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// NewPublishLog creates or opens the publish log under dataDir
func NewPublishLog(dataDir string) (*PublishLog, error) {
	logPath := filepath.Join(dataDir, "publish_log")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	}

	db, err := pebble.Open(logPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open publish log at %s: %w", logPath, err)
	}

	pl := &PublishLog{
		db:      db,
		path:    logPath,
		cursors: make(map[string]uint64),
	}

	if err := pl.loadLastSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}
	if err := pl.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return pl, nil
}

func (pl *PublishLog) loadLastSeq() error {
	val, closer, err := pl.db.Get([]byte(prefixPubSeq))
	if err == pebble.ErrNotFound {
		pl.lastSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}
	pl.lastSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (pl *PublishLog) loadCursors() error {
	prefix := []byte(prefixPubCursor)
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		sink := string(iter.Key()[len(prefixPubCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor for sink %s: invalid length %d", sink, len(val))
		}
		pl.cursors[sink] = binary.LittleEndian.Uint64(val)
	}
	if err := iter.Error(); err != nil {
		return err
	}

	if len(pl.cursors) > 0 {
		log.Info().Int("cursors", len(pl.cursors)).Msg("Loaded publish log cursors")
	}
	return nil
}

// AppendNotifier is told about appended entries, once per database per batch
type AppendNotifier interface {
	Signal(database string, seq uint64)
}

// SetNotifier installs the notifier signalled after every committed append
func (pl *PublishLog) SetNotifier(n AppendNotifier) {
	pl.appendMu.Lock()
	pl.notifier = n
	pl.appendMu.Unlock()
}

// Append stores entries and assigns their sequence numbers in order.
// The SeqNum of each element of entries is overwritten.
func (pl *PublishLog) Append(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if pl.closed.Load() {
		return fmt.Errorf("publish log is closed")
	}

	pl.appendMu.Lock()
	defer pl.appendMu.Unlock()

	seq := pl.lastSeq.Load()

	batch := pl.db.NewBatch()
	defer batch.Close()

	for i := range entries {
		seq++
		entries[i].SeqNum = seq

		val, err := encoding.Marshal(&entries[i])
		if err != nil {
			return fmt.Errorf("failed to marshal log entry: %w", err)
		}
		if err := batch.Set([]byte(formatPubLogKey(seq)), val, nil); err != nil {
			return fmt.Errorf("failed to write log entry: %w", err)
		}
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set([]byte(prefixPubSeq), seqBuf, nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	pl.lastSeq.Store(seq)
	telemetry.PublishLogAppendsTotal.Add(float64(len(entries)))

	if pl.notifier != nil {
		latest := make(map[string]uint64, 1)
		for _, e := range entries {
			latest[e.Database] = e.SeqNum
		}
		for database, last := range latest {
			pl.notifier.Signal(database, last)
		}
	}
	return nil
}

// ReadFrom returns up to limit entries after cursor
func (pl *PublishLog) ReadFrom(cursor uint64, limit int) ([]LogEntry, error) {
	if pl.closed.Load() {
		return nil, fmt.Errorf("publish log is closed")
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	startKey := []byte(formatPubLogKey(cursor + 1))
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: startKey,
		UpperBound: prefixUpperBound([]byte(prefixPubLog)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	entries := make([]LogEntry, 0, limit)
	for iter.SeekGE(startKey); iter.Valid() && len(entries) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var entry LogEntry
		if err := encoding.Unmarshal(val, &entry); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal log entry")
			continue
		}
		entries = append(entries, entry)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	return entries, nil
}

// LastSeq returns the sequence number of the newest entry, 0 when empty
func (pl *PublishLog) LastSeq() uint64 {
	return pl.lastSeq.Load()
}

// GetCursor returns the last sequence a sink has published, 0 for a new sink
func (pl *PublishLog) GetCursor(sinkName string) (uint64, error) {
	if pl.closed.Load() {
		return 0, fmt.Errorf("publish log is closed")
	}

	pl.cursorsMu.RLock()
	cursor, exists := pl.cursors[sinkName]
	pl.cursorsMu.RUnlock()
	if exists {
		return cursor, nil
	}

	val, closer, err := pl.db.Get([]byte(prefixPubCursor + sinkName))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid cursor value length: %d", len(val))
	}
	cursor = binary.LittleEndian.Uint64(val)

	pl.cursorsMu.Lock()
	defer pl.cursorsMu.Unlock()
	if existing, exists := pl.cursors[sinkName]; exists {
		return existing, nil
	}
	pl.cursors[sinkName] = cursor
	return cursor, nil
}

// Cursors returns a copy of all known sink cursors
func (pl *PublishLog) Cursors() map[string]uint64 {
	pl.cursorsMu.RLock()
	defer pl.cursorsMu.RUnlock()

	out := make(map[string]uint64, len(pl.cursors))
	for k, v := range pl.cursors {
		out[k] = v
	}
	return out
}

// AdvanceCursor records that a sink published everything up to newSeq and
// periodically removes entries every sink has consumed
func (pl *PublishLog) AdvanceCursor(sinkName string, newSeq uint64) error {
	if pl.closed.Load() {
		return fmt.Errorf("publish log is closed")
	}

	pl.cursorsMu.Lock()
	pl.cursors[sinkName] = newSeq
	pl.cursorsMu.Unlock()

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, newSeq)
	if err := pl.db.Set([]byte(prefixPubCursor+sinkName), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	if newSeq&cleanupIntervalMask == 0 && pl.cleanupRunning.CompareAndSwap(false, true) {
		pl.cleanupWg.Add(1)
		go pl.cleanupAsync()
	}
	return nil
}

// cleanup deletes entries below the minimum cursor across all sinks
func (pl *PublishLog) cleanup() {
	pl.cleanupMu.Lock()
	defer pl.cleanupMu.Unlock()

	if pl.closed.Load() {
		return
	}

	pl.cursorsMu.RLock()
	if len(pl.cursors) == 0 {
		pl.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, cursor := range pl.cursors {
		if cursor < minCursor {
			minCursor = cursor
		}
	}
	pl.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	if err := pl.db.DeleteRange([]byte(prefixPubLog), []byte(formatPubLogKey(minCursor)), pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to clean up publish log")
		return
	}
	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up publish log entries")
}

func (pl *PublishLog) cleanupAsync() {
	defer pl.cleanupWg.Done()
	defer pl.cleanupRunning.Store(false)
	pl.cleanup()
}

// Close waits for in-flight cleanup and closes the database
func (pl *PublishLog) Close() error {
	if !pl.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("publish log already closed")
	}

	pl.cleanupWg.Wait()
	if pl.db != nil {
		return pl.db.Close()
	}
	return nil
}

func formatPubLogKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixPubLog, seq)
}

// prefixUpperBound returns the exclusive upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
