package sink

import (
	"context"
	"fmt"

	"github.com/maxpert/oplogcdc/cfg"
	"github.com/maxpert/oplogcdc/publisher"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	publisher.RegisterTransport(cfg.SinkKafka, func(config cfg.SinkConfiguration) (publisher.Transport, error) {
		return NewKafkaTransport(KafkaConfig{
			Brokers:          config.Brokers,
			BatchSize:        config.BatchSize,
			BatchBytes:       DefaultKafkaBatchBytes,
			RequiredAcks:     kafka.RequireAll,
			AutoCreateTopics: true,
		})
	})
}

// KafkaConfig holds configuration for KafkaTransport
type KafkaConfig struct {
	Brokers          []string
	BatchSize        int
	BatchBytes       int64
	RequiredAcks     kafka.RequiredAcks
	AutoCreateTopics bool
}

// DefaultKafkaConfig returns a KafkaConfig with durable defaults
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// KafkaTransport publishes to Kafka, partitioning by record key
type KafkaTransport struct {
	writer *kafka.Writer
}

// NewKafkaTransport creates a synchronous Kafka writer
func NewKafkaTransport(config KafkaConfig) (*KafkaTransport, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka transport requires at least one broker address")
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}
	return &KafkaTransport{writer: writer}, nil
}

// Publish writes one message. A nil value is written as a Kafka tombstone
// so compacted topics drop the key.
func (k *KafkaTransport) Publish(topic, key string, value []byte) error {
	return k.writer.WriteMessages(context.Background(), kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
}

// Close flushes and closes the writer
func (k *KafkaTransport) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
