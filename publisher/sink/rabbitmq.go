package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/oplogcdc/cfg"
	"github.com/maxpert/oplogcdc/publisher"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	rabbitDialTimeout    = 10 * time.Second
	rabbitConfirmTimeout = 15 * time.Second
)

func init() {
	publisher.RegisterTransport(cfg.SinkRabbitMQ, func(config cfg.SinkConfiguration) (publisher.Transport, error) {
		if config.AMQPURL == "" {
			return nil, fmt.Errorf("rabbitmq transport requires amqp_url")
		}
		return NewRabbitMQTransport(RabbitMQConfig{
			URL:            config.AMQPURL,
			Exchange:       config.Exchange,
			ConnectionName: config.Name,
		})
	})
}

// RabbitMQConfig holds configuration for RabbitMQTransport
type RabbitMQConfig struct {
	URL            string
	Exchange       string // Empty publishes through the default exchange
	ConnectionName string
}

// RabbitMQTransport publishes persistent messages with publisher confirms.
// The topic is the routing key.
type RabbitMQTransport struct {
	config RabbitMQConfig
	conn   *amqp.Connection
	ch     *amqp.Channel
	mu     sync.Mutex
}

// NewRabbitMQTransport dials the broker and puts the channel in confirm mode
func NewRabbitMQTransport(config RabbitMQConfig) (*RabbitMQTransport, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("rabbitmq transport requires a url")
	}

	t := &RabbitMQTransport{config: config}
	if err := t.connect(); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *RabbitMQTransport) connect() error {
	conn, err := amqp.DialConfig(r.config.URL, amqp.Config{
		Dial: amqp.DefaultDial(rabbitDialTimeout),
		Properties: amqp.Table{
			"connection_name": r.config.ConnectionName,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	r.conn = conn
	r.ch = ch
	return nil
}

// Publish sends a message and waits for the broker to confirm it. A closed
// channel is reopened on the next publish.
func (r *RabbitMQTransport) Publish(topic, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch == nil || r.ch.IsClosed() {
		r.closeLocked()
		if err := r.connect(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), rabbitConfirmTimeout)
	defer cancel()

	confirm, err := r.ch.PublishWithDeferredConfirmWithContext(ctx, r.config.Exchange, topic, false, false, rabbitPublishing(key, value))
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirm on %s: %w", topic, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message on %s (delivery tag %d)", topic, confirm.DeliveryTag)
	}
	return nil
}

func rabbitPublishing(key string, value []byte) amqp.Publishing {
	headers := amqp.Table{"key": key}
	if value == nil {
		headers["tombstone"] = true
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         value,
		MessageId:    key,
		Timestamp:    time.Now(),
	}
}

// Close closes the channel and connection
func (r *RabbitMQTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *RabbitMQTransport) closeLocked() error {
	var err error
	if r.ch != nil {
		r.ch.Close()
		r.ch = nil
	}
	if r.conn != nil {
		err = r.conn.Close()
		r.conn = nil
	}
	return err
}
