package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maxpert/oplogcdc/cfg"
	"github.com/maxpert/oplogcdc/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const natsPublishTimeout = 5 * time.Second

func init() {
	publisher.RegisterTransport(cfg.SinkNATS, func(config cfg.SinkConfiguration) (publisher.Transport, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats transport requires nats_url")
		}
		return NewNatsTransport(config.NatsURL)
	})
}

// NatsTransport publishes to NATS JetStream, one stream per topic
type NatsTransport struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	streams sync.Map // topic -> struct{}
}

// NewNatsTransport connects to NATS with unlimited reconnects
func NewNatsTransport(url string) (*NatsTransport, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &NatsTransport{nc: nc, js: js}, nil
}

// Publish sends a message with the key in the "key" header. Tombstones
// carry an empty body and a "tombstone" header.
func (n *NatsTransport) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), natsPublishTimeout)
	defer cancel()

	if err := n.ensureStream(ctx, topic); err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  natsHeader(key, value),
	}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (n *NatsTransport) ensureStream(ctx context.Context, topic string) error {
	if _, ok := n.streams.Load(topic); ok {
		return nil
	}

	streamName := sanitizeStreamName(topic)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{topic},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}
	n.streams.Store(topic, struct{}{})
	return nil
}

// Close closes the connection
func (n *NatsTransport) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

func natsHeader(key string, value []byte) nats.Header {
	h := nats.Header{"key": []string{key}}
	if value == nil {
		h.Set("tombstone", "true")
	}
	return h
}

// sanitizeStreamName maps a topic to a valid JetStream stream name, which
// may not contain '.', '*', '>' or whitespace
func sanitizeStreamName(topic string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, topic)
}
