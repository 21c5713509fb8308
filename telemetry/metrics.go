package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// DeliveryBuckets for handing a record to a sink (in-memory to backpressured)
	DeliveryBuckets = []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

	// PublishBuckets for transport publishes (network round trip)
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Record Production Metrics
var (
	// RecordsTotal counts emitted change records by op code (r, c, u, d)
	RecordsTotal CounterVec = noopCounterVec{}

	// TombstonesTotal counts tombstones emitted after deletes
	TombstonesTotal Counter = NoopStat{}

	// TranslationErrorsTotal counts events that could not be turned into records by reason
	TranslationErrorsTotal CounterVec = noopCounterVec{}

	// SinkDeliverySeconds measures time blocked handing a record to the sink
	SinkDeliverySeconds Histogram = NoopStat{}
)

// Producer Cache Metrics
var (
	// ProducersCreatedTotal counts per-collection producers constructed
	ProducersCreatedTotal Counter = NoopStat{}

	// ProducerCacheClearsTotal counts clears of the producer cache
	ProducerCacheClearsTotal Counter = NoopStat{}

	// CachedProducers tracks the number of cached per-collection producers
	CachedProducers Gauge = NoopStat{}
)

// Publish Pipeline Metrics
var (
	// PublishLogAppendsTotal counts entries appended to the publish log
	PublishLogAppendsTotal Counter = NoopStat{}

	// PublishTotal counts transport publishes by sink and result (success, failed)
	PublishTotal CounterVec = noopCounterVec{}

	// PublishRetriesTotal counts publish retries by sink
	PublishRetriesTotal CounterVec = noopCounterVec{}

	// PublishDurationSeconds measures transport publish latency by sink
	PublishDurationSeconds HistogramVec = noopHistogramVec{}

	// SinkCursor tracks the last published log sequence by sink
	SinkCursor GaugeVec = noopGaugeVec{}

	// SinkLag tracks unpublished log entries by sink
	SinkLag GaugeVec = noopGaugeVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Record Production Metrics
	RecordsTotal = NewCounterVec(
		"records_total",
		"Change records emitted by operation",
		[]string{"op"},
	)
	TombstonesTotal = NewCounter(
		"tombstones_total",
		"Tombstone records emitted after deletes",
	)
	TranslationErrorsTotal = NewCounterVec(
		"translation_errors_total",
		"Events that could not be translated into records by reason",
		[]string{"reason"},
	)
	SinkDeliverySeconds = NewHistogram(
		"sink_delivery_seconds",
		"Time spent handing a record to the sink in seconds",
		DeliveryBuckets,
	)

	// Producer Cache Metrics
	ProducersCreatedTotal = NewCounter(
		"producers_created_total",
		"Per-collection record producers constructed",
	)
	ProducerCacheClearsTotal = NewCounter(
		"producer_cache_clears_total",
		"Clears of the per-collection producer cache",
	)
	CachedProducers = NewGauge(
		"cached_producers",
		"Number of cached per-collection record producers",
	)

	// Publish Pipeline Metrics
	PublishLogAppendsTotal = NewCounter(
		"publish_log_appends_total",
		"Entries appended to the publish log",
	)
	PublishTotal = NewCounterVec(
		"publish_total",
		"Transport publishes by sink and result",
		[]string{"sink", "result"},
	)
	PublishRetriesTotal = NewCounterVec(
		"publish_retries_total",
		"Transport publish retries by sink",
		[]string{"sink"},
	)
	PublishDurationSeconds = NewHistogramVec(
		"publish_duration_seconds",
		"Transport publish duration in seconds",
		[]string{"sink"},
		PublishBuckets,
	)
	SinkCursor = NewGaugeVec(
		"sink_cursor",
		"Last published publish log sequence by sink",
		[]string{"sink"},
	)
	SinkLag = NewGaugeVec(
		"sink_lag",
		"Publish log entries not yet published by sink",
		[]string{"sink"},
	)
}
