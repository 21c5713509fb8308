// Package sink provides record sinks and the transports the publish
// workers write to.
package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/maxpert/oplogcdc/publisher"
)

// ErrSinkClosed is returned by Deliver after Close
var ErrSinkClosed = errors.New("sink closed")

// ChannelSink hands records to an in-process consumer through a bounded
// channel. Deliver blocks while the buffer is full.
type ChannelSink struct {
	records chan publisher.SourceRecord
	closed  chan struct{}
	once    sync.Once
}

// NewChannelSink creates a sink buffering up to capacity records
func NewChannelSink(capacity int) *ChannelSink {
	if capacity < 0 {
		capacity = 0
	}
	return &ChannelSink{
		records: make(chan publisher.SourceRecord, capacity),
		closed:  make(chan struct{}),
	}
}

// Deliver implements publisher.Sink
func (c *ChannelSink) Deliver(ctx context.Context, record publisher.SourceRecord) error {
	select {
	case <-c.closed:
		return ErrSinkClosed
	default:
	}

	select {
	case c.records <- record:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrSinkClosed
	}
}

// Records returns the channel consumers read from
func (c *ChannelSink) Records() <-chan publisher.SourceRecord {
	return c.records
}

// Close unblocks pending and future deliveries. The records channel is left
// open so buffered records can still be drained.
func (c *ChannelSink) Close() {
	c.once.Do(func() { close(c.closed) })
}
