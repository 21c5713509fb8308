package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/oplogcdc/notify"
)

type mockTransport struct {
	mu        sync.Mutex
	messages  []mockPublishCall
	failCount atomic.Int32 // Number of times to fail before succeeding
	attempts  atomic.Int32
}

type mockPublishCall struct {
	topic string
	key   string
	value []byte
}

func (m *mockTransport) Publish(topic, key string, value []byte) error {
	m.attempts.Add(1)
	if m.failCount.Load() > 0 {
		m.failCount.Add(-1)
		return fmt.Errorf("mock publish failure")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, mockPublishCall{topic: topic, key: key, value: value})
	return nil
}

func (m *mockTransport) Close() error {
	return nil
}

func (m *mockTransport) published() []mockPublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]mockPublishCall, len(m.messages))
	copy(result, m.messages)
	return result
}

func (m *mockTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

type mockFilter struct {
	allowed map[string]bool
}

func (m *mockFilter) Match(database, collection string) bool {
	if m.allowed == nil {
		return true
	}
	return m.allowed[database+"."+collection]
}

func testWorkerConfig(pubLog *PublishLog, transport Transport) WorkerConfig {
	return WorkerConfig{
		Name:            "test-worker",
		Log:             pubLog,
		Transport:       transport,
		Filter:          &mockFilter{},
		BatchSize:       10,
		PollInterval:    10 * time.Millisecond,
		RetryInitial:    5 * time.Millisecond,
		RetryMax:        20 * time.Millisecond,
		RetryMultiplier: 2.0,
	}
}

func TestNewWorker_Validation(t *testing.T) {
	pubLog, cleanup := createTestPublishLog(t)
	defer cleanup()

	valid := testWorkerConfig(pubLog, &mockTransport{})
	tests := []struct {
		name   string
		mutate func(*WorkerConfig)
	}{
		{"missing name", func(c *WorkerConfig) { c.Name = "" }},
		{"missing log", func(c *WorkerConfig) { c.Log = nil }},
		{"missing transport", func(c *WorkerConfig) { c.Transport = nil }},
		{"missing filter", func(c *WorkerConfig) { c.Filter = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid
			tt.mutate(&config)
			if _, err := NewWorker(config); err == nil {
				t.Error("expected error")
			}
		})
	}

	w, err := NewWorker(WorkerConfig{Name: "defaults", Log: pubLog, Transport: &mockTransport{}, Filter: &mockFilter{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.config.BatchSize != DefaultBatchSize {
		t.Errorf("expected default batch size %d, got %d", DefaultBatchSize, w.config.BatchSize)
	}
	if w.config.RetryMax != DefaultRetryMax {
		t.Errorf("expected default retry max %v, got %v", DefaultRetryMax, w.config.RetryMax)
	}
	if w.config.MaxRetries != DefaultMaxRetries {
		t.Errorf("expected default max retries %d, got %d", DefaultMaxRetries, w.config.MaxRetries)
	}
}

func TestNewWorker_StartsAtStoredCursor(t *testing.T) {
	pubLog, cleanup := createTestPublishLog(t)
	defer cleanup()

	if err := pubLog.Append(testEntries("orders", 5)); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if err := pubLog.AdvanceCursor("test-worker", 3); err != nil {
		t.Fatalf("failed to advance cursor: %v", err)
	}

	w, err := NewWorker(testWorkerConfig(pubLog, &mockTransport{}))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	if w.Cursor() != 3 {
		t.Errorf("expected cursor 3, got %d", w.Cursor())
	}

	// A new sink starts before the oldest retained entry
	fresh := testWorkerConfig(pubLog, &mockTransport{})
	fresh.Name = "fresh"
	w, err = NewWorker(fresh)
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	if w.Cursor() != 0 {
		t.Errorf("expected cursor 0, got %d", w.Cursor())
	}
}

func TestWorker_NormalProcessing(t *testing.T) {
	pubLog, cleanup := createTestPublishLog(t)
	defer cleanup()

	if err := pubLog.Append(testEntries("orders", 3)); err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	transport := &mockTransport{}
	w, err := NewWorker(testWorkerConfig(pubLog, transport))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	w.Start()
	defer w.Stop()

	waitForMessages(t, transport, 3, 2*time.Second)
	waitForCursor(t, w, 3, 2*time.Second)

	published := transport.published()
	for i, msg := range published {
		if msg.topic != "cdc.db.orders" {
			t.Errorf("message %d: expected topic cdc.db.orders, got %s", i, msg.topic)
		}
		if want := fmt.Sprintf(`{"id":"%d"}`, i+1); msg.key != want {
			t.Errorf("message %d: expected key %s, got %s", i, want, msg.key)
		}
		if msg.value == nil {
			t.Errorf("message %d: unexpected nil value", i)
		}
	}

	cursor, err := pubLog.GetCursor("test-worker")
	if err != nil {
		t.Fatalf("failed to get cursor: %v", err)
	}
	if cursor != 3 {
		t.Errorf("expected stored cursor 3, got %d", cursor)
	}
}

func TestWorker_PicksUpNewEntries(t *testing.T) {
	pubLog, cleanup := createTestPublishLog(t)
	defer cleanup()

	transport := &mockTransport{}
	w, err := NewWorker(testWorkerConfig(pubLog, transport))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	w.Start()
	defer w.Stop()

	for i := 1; i <= 3; i++ {
		if err := pubLog.Append([]LogEntry{testEntry("orders", i)}); err != nil {
			t.Fatalf("failed to append: %v", err)
		}
	}
	waitForMessages(t, transport, 3, 2*time.Second)
}

func TestWorker_WakesOnAppend(t *testing.T) {
	pubLog, cleanup := createTestPublishLog(t)
	defer cleanup()

	hub := notify.NewHub()
	pubLog.SetNotifier(hub)
	wake, cancel := hub.Subscribe(notify.Filter{})
	defer cancel()

	transport := &mockTransport{}
	config := testWorkerConfig(pubLog, transport)
	config.PollInterval = time.Minute
	config.Wake = wake
	w, err := NewWorker(config)
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	w.Start()
	defer w.Stop()

	// Let the worker find the log empty and go idle
	time.Sleep(20 * time.Millisecond)
	if err := pubLog.Append(testEntries("orders", 2)); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	waitForMessages(t, transport, 2, 2*time.Second)
}

func TestWorker_FilterSkipping(t *testing.T) {
	pubLog, cleanup := createTestPublishLog(t)
	defer cleanup()

	entries := []LogEntry{testEntry("orders", 1), testEntry("audit", 2), testEntry("orders", 3)}
	if err := pubLog.Append(entries); err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	transport := &mockTransport{}
	config := testWorkerConfig(pubLog, transport)
	config.Filter = &mockFilter{allowed: map[string]bool{"db.orders": true}}
	w, err := NewWorker(config)
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	w.Start()
	defer w.Stop()

	// Skipped entries still advance the cursor
	waitForCursor(t, w, 3, 2*time.Second)

	published := transport.published()
	if len(published) != 2 {
		t.Fatalf("expected 2 published messages, got %d", len(published))
	}
	for _, msg := range published {
		if msg.topic != "cdc.db.orders" {
			t.Errorf("unexpected topic %s", msg.topic)
		}
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	pubLog, cleanup := createTestPublishLog(t)
	defer cleanup()

	if err := pubLog.Append(testEntries("orders", 1)); err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	transport := &mockTransport{}
	transport.failCount.Store(3)
	w, err := NewWorker(testWorkerConfig(pubLog, transport))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	w.Start()
	defer w.Stop()

	waitForMessages(t, transport, 1, 2*time.Second)
	if got := transport.attempts.Load(); got != 4 {
		t.Errorf("expected 4 attempts, got %d", got)
	}
}

func TestWorker_HaltsAfterMaxRetries(t *testing.T) {
	pubLog, cleanup := createTestPublishLog(t)
	defer cleanup()

	if err := pubLog.Append(testEntries("orders", 2)); err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	transport := &mockTransport{}
	transport.failCount.Store(1000)
	config := testWorkerConfig(pubLog, transport)
	config.MaxRetries = 3
	w, err := NewWorker(config)
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	w.Start()

	deadline := time.Now().Add(2 * time.Second)
	for transport.attempts.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	deadline = time.Now().Add(2 * time.Second)
	for w.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if w.Running() {
		t.Error("expected halted worker to report not running")
	}
	w.Stop()

	if got := transport.attempts.Load(); got != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", got)
	}
	// The failed entry is not skipped
	if w.Cursor() != 0 {
		t.Errorf("expected cursor 0, got %d", w.Cursor())
	}

	transport.failCount.Store(0)
	w.Start()
	waitForCursor(t, w, 2, 2*time.Second)
	w.Stop()
}

func TestWorker_TombstoneHasNilValue(t *testing.T) {
	pubLog, cleanup := createTestPublishLog(t)
	defer cleanup()

	deleted := testEntry("orders", 1)
	tombstone := testEntry("orders", 1)
	tombstone.Tombstone = true
	if err := pubLog.Append([]LogEntry{deleted, tombstone}); err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	transport := &mockTransport{}
	w, err := NewWorker(testWorkerConfig(pubLog, transport))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	w.Start()
	defer w.Stop()

	waitForMessages(t, transport, 2, 2*time.Second)

	published := transport.published()
	if published[0].value == nil {
		t.Error("expected delete record to carry a value")
	}
	if published[1].key != published[0].key {
		t.Errorf("expected tombstone key %s, got %s", published[0].key, published[1].key)
	}
	if published[1].value != nil {
		t.Errorf("expected nil tombstone value, got %q", published[1].value)
	}
}

func TestWorker_GracefulShutdown(t *testing.T) {
	pubLog, cleanup := createTestPublishLog(t)
	defer cleanup()

	w, err := NewWorker(testWorkerConfig(pubLog, &mockTransport{}))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}

	w.Start()
	w.Start()
	if !w.Running() {
		t.Error("worker should be running")
	}

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop within timeout")
	}

	if w.Running() {
		t.Error("worker should not be running")
	}
	w.Stop()
}

func TestWorker_StopDuringRetry(t *testing.T) {
	pubLog, cleanup := createTestPublishLog(t)
	defer cleanup()

	if err := pubLog.Append(testEntries("orders", 1)); err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	transport := &mockTransport{}
	transport.failCount.Store(1000)
	config := testWorkerConfig(pubLog, transport)
	config.RetryInitial = time.Minute
	config.RetryMax = time.Minute
	w, err := NewWorker(config)
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	w.Start()

	deadline := time.Now().Add(2 * time.Second)
	for transport.attempts.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop while waiting to retry")
	}
}

func createTestPublishLog(t *testing.T) (*PublishLog, func()) {
	t.Helper()
	pubLog, err := NewPublishLog(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create publish log: %v", err)
	}
	return pubLog, func() {
		pubLog.Close()
	}
}

func waitForMessages(t *testing.T, transport *mockTransport, expected int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if transport.count() >= expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d messages, got %d", expected, transport.count())
}

func waitForCursor(t *testing.T, w *Worker, expected uint64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if w.Cursor() >= expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for cursor %d, got %d", expected, w.Cursor())
}
