package telemetry

import (
	"sync"
	"time"
)

// ProducerCache reports the size of the per-collection producer cache
type ProducerCache interface {
	Len() int
}

// CursorSource reports publish log progress per sink
type CursorSource interface {
	Cursors() map[string]uint64
	LastSeq() uint64
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	producers ProducerCache
	cursors   CursorSource
	interval  time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. Either source may be nil.
func NewMetricsCollector(producers ProducerCache, cursors CursorSource, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		producers: producers,
		cursors:   cursors,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.producers != nil {
		CachedProducers.Set(float64(mc.producers.Len()))
	}

	if mc.cursors == nil {
		return
	}

	last := mc.cursors.LastSeq()
	for sink, cursor := range mc.cursors.Cursors() {
		SinkCursor.With(sink).Set(float64(cursor))
		lag := uint64(0)
		if last > cursor {
			lag = last - cursor
		}
		SinkLag.With(sink).Set(float64(lag))
	}
}
