// Package bridge carries messages from the observed page to the relay.
//
// Nothing is shared across it: every message is encoded on Send and decoded
// on Receive, so each side owns its own copy. Messages from one sender arrive
// in the order they were sent.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vincentbai/clicktrace-agent/internal/models"
)

var ErrClosed = errors.New("bridge closed")

const DefaultBufferSize = 256

type Sender interface {
	Send(message models.Message)
}

type Channel struct {
	envelopes chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger

	sent    atomic.Int64
	dropped atomic.Int64
}

func New(bufferSize int, logger *slog.Logger) *Channel {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		envelopes: make(chan []byte, bufferSize),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// Send never blocks: when the buffer is full or the channel is closed the
// message is dropped and logged.
func (c *Channel) Send(message models.Message) {
	envelope, err := json.Marshal(message)
	if err != nil {
		c.dropped.Add(1)
		c.logger.Error("failed to encode message", "type", message.Type, "error", err)
		return
	}

	select {
	case <-c.done:
		c.dropped.Add(1)
		c.logger.Warn("dropping message on closed bridge", "type", message.Type)
		return
	default:
	}

	select {
	case c.envelopes <- envelope:
		c.sent.Add(1)
	default:
		c.dropped.Add(1)
		c.logger.Warn("bridge buffer full, dropping message", "type", message.Type)
	}
}

// Receive returns the next message. Buffered messages are still delivered
// after Close; ErrClosed is returned once the buffer is empty.
func (c *Channel) Receive(ctx context.Context) (models.Message, error) {
	select {
	case envelope := <-c.envelopes:
		return decode(envelope)
	default:
	}

	select {
	case envelope := <-c.envelopes:
		return decode(envelope)
	case <-ctx.Done():
		return models.Message{}, ctx.Err()
	case <-c.done:
		select {
		case envelope := <-c.envelopes:
			return decode(envelope)
		default:
			return models.Message{}, ErrClosed
		}
	}
}

func decode(envelope []byte) (models.Message, error) {
	var message models.Message
	if err := json.Unmarshal(envelope, &message); err != nil {
		return models.Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return message, nil
}

func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Channel) Sent() int64 {
	return c.sent.Load()
}

func (c *Channel) Dropped() int64 {
	return c.dropped.Load()
}
