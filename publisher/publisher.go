package publisher

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/oplogcdc/cfg"
	"github.com/maxpert/oplogcdc/notify"
	"github.com/rs/zerolog/log"
)

// DefaultFormat is the converter used when none is configured
const DefaultFormat = "json"

// Config configures a Publisher
type Config struct {
	DataDir           string // Parent of the publish log directory
	Format            string // Registered converter name
	FilterDatabases   []string
	FilterCollections []string
	Sinks             []cfg.SinkConfiguration
}

// SinkStatus describes one configured sink
type SinkStatus struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Cursor  uint64 `json:"cursor"`
	Lag     uint64 `json:"lag"`
	Running bool   `json:"running"`
}

// Publisher owns the publish log, the Sink writing into it and one worker
// per configured transport
type Publisher struct {
	log     *PublishLog
	sink    *LogSink
	hub     *notify.Hub
	config  Config
	workers []*Worker
	cancels []func()
	types   map[string]string
	running atomic.Bool
	stopped bool
	mu      sync.Mutex
}

// NewPublisher opens the publish log and creates workers for every sink
func NewPublisher(config Config) (*Publisher, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if config.Format == "" {
		config.Format = DefaultFormat
	}

	converter, err := createConverter(config.Format)
	if err != nil {
		return nil, err
	}

	pubLog, err := NewPublishLog(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create publish log: %w", err)
	}

	logSink, err := NewLogSink(pubLog, converter)
	if err != nil {
		pubLog.Close()
		return nil, err
	}

	hub := notify.NewHub()
	pubLog.SetNotifier(hub)

	p := &Publisher{
		log:     pubLog,
		sink:    logSink,
		hub:     hub,
		config:  config,
		workers: make([]*Worker, 0, len(config.Sinks)),
		types:   make(map[string]string, len(config.Sinks)),
	}

	for _, sinkCfg := range config.Sinks {
		if err := p.AddSink(sinkCfg); err != nil {
			for _, w := range p.workers {
				w.config.Transport.Close()
			}
			for _, cancel := range p.cancels {
				cancel()
			}
			pubLog.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("sinks", len(p.workers)).
		Str("format", config.Format).
		Msg("Publisher initialized")

	return p, nil
}

// AddSink creates the transport and worker for a sink configuration. Sinks
// without their own filters use the publisher-wide ones.
func (p *Publisher) AddSink(config cfg.SinkConfiguration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return fmt.Errorf("publisher is stopped")
	}
	if _, exists := p.types[config.Name]; exists {
		return fmt.Errorf("duplicate sink name %q", config.Name)
	}

	transport, err := createTransport(config)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	collections := config.FilterCollections
	if len(collections) == 0 {
		collections = p.config.FilterCollections
	}
	databases := config.FilterDatabases
	if len(databases) == 0 {
		databases = p.config.FilterDatabases
	}
	filter, err := NewGlobFilter(collections, databases)
	if err != nil {
		transport.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	wake, cancel := p.hub.Subscribe(notify.Filter{})
	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Log:             p.log,
		Transport:       transport,
		Filter:          filter,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
		Wake:            wake,
	})
	if err != nil {
		cancel()
		transport.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	p.workers = append(p.workers, worker)
	p.cancels = append(p.cancels, cancel)
	p.types[config.Name] = config.Type
	if p.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Msg("Added sink")
	return nil
}

// Sink returns the Sink record producers deliver into
func (p *Publisher) Sink() Sink {
	return p.sink
}

// Start starts all workers
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return fmt.Errorf("publisher is stopped")
	}
	if p.running.Load() {
		return fmt.Errorf("publisher already running")
	}

	for _, w := range p.workers {
		w.Start()
	}
	p.running.Store(true)
	return nil
}

// Stop stops all workers, closes their transports and the publish log.
// A stopped publisher cannot be restarted.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.stopped = true
	p.running.Store(false)

	for i, w := range p.workers {
		w.Stop()
		p.cancels[i]()
		if err := w.config.Transport.Close(); err != nil {
			log.Warn().Err(err).Str("sink", w.Name()).Msg("Failed to close transport")
		}
	}
	if err := p.log.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close publish log")
	}

	log.Info().Msg("Publisher stopped")
}

// Cursors returns the stored cursor of every sink
func (p *Publisher) Cursors() map[string]uint64 {
	return p.log.Cursors()
}

// LastSeq returns the newest publish log sequence
func (p *Publisher) LastSeq() uint64 {
	return p.log.LastSeq()
}

// Sinks returns the status of every sink sorted by name
func (p *Publisher) Sinks() []SinkStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	last := p.log.LastSeq()
	out := make([]SinkStatus, 0, len(p.workers))
	for _, w := range p.workers {
		cursor := w.Cursor()
		var lag uint64
		if last > cursor {
			lag = last - cursor
		}
		out = append(out, SinkStatus{
			Name:    w.Name(),
			Type:    p.types[w.Name()],
			Cursor:  cursor,
			Lag:     lag,
			Running: w.Running(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TransportFactory creates a Transport from a sink configuration
type TransportFactory func(cfg.SinkConfiguration) (Transport, error)

// ConverterFactory creates a Converter
type ConverterFactory func() Converter

var (
	transportFactories = make(map[string]TransportFactory)
	converterFactories = make(map[string]ConverterFactory)
	factoryMu          sync.RWMutex
)

// RegisterTransport registers a transport factory for a sink type
func RegisterTransport(sinkType string, factory TransportFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transportFactories[sinkType] = factory
}

// RegisterConverter registers a converter factory for a format
func RegisterConverter(format string, factory ConverterFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	converterFactories[format] = factory
}

func createTransport(config cfg.SinkConfiguration) (Transport, error) {
	factoryMu.RLock()
	factory, exists := transportFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

func createConverter(format string) (Converter, error) {
	factoryMu.RLock()
	factory, exists := converterFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	return factory(), nil
}
