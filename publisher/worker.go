package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/oplogcdc/notify"
	"github.com/maxpert/oplogcdc/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultBatchSize is the number of log entries read per poll cycle
	DefaultBatchSize = 100
	// DefaultPollInterval is the wait between polls of an idle log
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultRetryInitial is the first retry delay for a failed publish
	DefaultRetryInitial = 100 * time.Millisecond
	// DefaultRetryMax caps the exponential backoff
	DefaultRetryMax = 30 * time.Second
	// DefaultRetryMultiplier is the exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// DefaultMaxRetries is the number of attempts before a publish is abandoned
	DefaultMaxRetries = 100
)

// WorkerConfig configures a publish worker
type WorkerConfig struct {
	Name            string      // Sink name (for cursor tracking)
	Log             *PublishLog // Publish log to read from
	Transport       Transport   // Destination
	Filter          Filter      // Collection filter
	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int
	Wake            <-chan notify.Signal // Optional, cuts the idle wait short on appends
}

// Worker tails the PublishLog and publishes entries to one transport
type Worker struct {
	config      WorkerConfig
	cursor      atomic.Uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a worker positioned at the sink's stored cursor
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("publish log is required")
	}
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Log.GetCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	// A new sink starts at the oldest entry still retained
	if cursor == 0 {
		cursor, err = findEarliestEntry(config.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest entry: %w", err)
		}
	}

	w := &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.cursor.Store(cursor)
	return w, nil
}

func findEarliestEntry(pubLog *PublishLog) (uint64, error) {
	entries, err := pubLog.ReadFrom(0, 1)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[0].SeqNum - 1, nil
}

// Name returns the sink name
func (w *Worker) Name() string {
	return w.config.Name
}

// Cursor returns the last published sequence
func (w *Worker) Cursor() uint64 {
	return w.cursor.Load()
}

// Running reports whether the poll loop is active
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start starts the poll loop
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.cursor.Load()).
		Msg("Starting publish worker")

	go w.pollLoop()
}

// Stop stops the poll loop and waits for it to exit
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Publish worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		entries, err := w.config.Log.ReadFrom(w.cursor.Load(), w.config.BatchSize)
		if err != nil {
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("cursor", w.cursor.Load()).
				Msg("Failed to read from publish log")
			w.sleep(w.config.PollInterval)
			continue
		}
		if len(entries) == 0 {
			w.idle()
			continue
		}

		for _, entry := range entries {
			if err := w.processEntry(entry); err != nil {
				log.Error().
					Err(err).
					Str("worker", w.config.Name).
					Uint64("seq", entry.SeqNum).
					Msg("Failed to publish log entry, worker halted")
				w.running.Store(false)
				return
			}
			w.cursor.Store(entry.SeqNum)
		}
	}
}

// processEntry publishes one entry and advances the cursor. Delivery is at
// least once: a crash between publish and cursor advance republishes.
func (w *Worker) processEntry(entry LogEntry) error {
	if w.config.Filter.Match(entry.Database, entry.Collection) {
		var value []byte
		if !entry.Tombstone {
			value = entry.Value
		}
		if err := w.publishWithRetry(entry.Topic, string(entry.Key), value); err != nil {
			return err
		}
	}

	if err := w.config.Log.AdvanceCursor(w.config.Name, entry.SeqNum); err != nil {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", entry.SeqNum).
			Msg("Failed to advance cursor, entry may be republished")
	}
	return nil
}

func (w *Worker) publishWithRetry(topic, key string, value []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		start := time.Now()
		err := w.config.Transport.Publish(topic, key, value)
		telemetry.PublishDurationSeconds.With(w.config.Name).Observe(time.Since(start).Seconds())
		if err == nil {
			telemetry.PublishTotal.With(w.config.Name, "success").Inc()
			return nil
		}
		telemetry.PublishTotal.With(w.config.Name, "failed").Inc()

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}
		telemetry.PublishRetriesTotal.With(w.config.Name).Inc()

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// idle waits for the poll interval or an append signal, whichever is first
func (w *Worker) idle() {
	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()

	select {
	case <-w.stopCh:
	case <-timer.C:
	case _, ok := <-w.config.Wake:
		if !ok {
			w.config.Wake = nil
		}
	}
}

// sleep waits for d and returns false if the worker was stopped meanwhile
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
