package publisher

import (
	"fmt"
	"sort"

	"github.com/maxpert/oplogcdc/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the producer registry
type RegistryConfig struct {
	Source    PositionProvider    // Partition, offset and source struct per record
	Topics    TopicSelector       // Topic per collection
	Validator SchemaNameValidator // Defaults to AvroValidator
	Sink      Sink                // Receives every record
}

// ProducerRegistry lazily creates one CollectionProducer per collection and
// caches it until Clear. Lookups for different collections never contend on
// a shared lock; concurrent first lookups of the same collection construct
// exactly one producer.
type ProducerRegistry struct {
	source    PositionProvider
	topics    TopicSelector
	validator SchemaNameValidator
	sink      Sink
	producers *xsync.MapOf[CollectionID, *CollectionProducer]
}

// NewProducerRegistry creates an empty registry
func NewProducerRegistry(config RegistryConfig) (*ProducerRegistry, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("position provider is required")
	}
	if config.Topics == nil {
		return nil, fmt.Errorf("topic selector is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Validator == nil {
		config.Validator = AvroValidator{}
	}

	return &ProducerRegistry{
		source:    config.Source,
		topics:    config.Topics,
		validator: config.Validator,
		sink:      config.Sink,
		producers: xsync.NewMapOf[CollectionID, *CollectionProducer](),
	}, nil
}

// ForCollection returns the collection's producer, creating it on first use.
// An error means the collection cannot be onboarded (e.g. its schema names
// are invalid); nothing is cached in that case.
func (r *ProducerRegistry) ForCollection(id CollectionID) (*CollectionProducer, error) {
	if p, ok := r.producers.Load(id); ok {
		return p, nil
	}

	var buildErr error
	producer, _ := r.producers.Compute(id, func(existing *CollectionProducer, loaded bool) (*CollectionProducer, bool) {
		if loaded {
			return existing, false
		}
		p, err := newCollectionProducer(id, r.source, r.topics.Topic(id), r.validator, r.sink)
		if err != nil {
			buildErr = err
			return nil, true
		}
		telemetry.ProducersCreatedTotal.Inc()
		log.Debug().
			Str("collection", id.String()).
			Str("topic", p.topic).
			Msg("Created record producer")
		return p, false
	})
	if buildErr != nil {
		return nil, buildErr
	}
	return producer, nil
}

// ForEvent returns the producer for the collection named by an oplog event
func (r *ProducerRegistry) ForEvent(replicaSet string, event RawEvent) (*CollectionProducer, error) {
	id, err := ParseCollectionID(replicaSet, event.Ns)
	if err != nil {
		return nil, err
	}
	return r.ForCollection(id)
}

// Clear drops every cached producer. Call it when the source's numbering of
// collections is reset so that stale producers are never reused.
func (r *ProducerRegistry) Clear() {
	log.Debug().Int("producers", r.producers.Size()).Msg("Clearing record producers")
	r.producers.Clear()
	telemetry.ProducerCacheClearsTotal.Inc()
}

// Len returns the number of cached producers
func (r *ProducerRegistry) Len() int {
	return r.producers.Size()
}

// Collections returns the cached collections in sorted order
func (r *ProducerRegistry) Collections() []CollectionID {
	ids := make([]CollectionID, 0, r.producers.Size())
	r.producers.Range(func(id CollectionID, _ *CollectionProducer) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}
