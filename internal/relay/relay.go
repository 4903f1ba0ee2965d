// Package relay forwards page messages to the collector. It is fire-and-forget:
// nothing about a delivery, successful or not, is ever reported back.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/vincentbai/clicktrace-agent/internal/bridge"
	"github.com/vincentbai/clicktrace-agent/internal/models"
)

type Receiver interface {
	Receive(ctx context.Context) (models.Message, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, path string, body json.RawMessage)
}

// DefaultRoutes maps message types to collector paths. Identity records have
// no route unless one is configured.
func DefaultRoutes() map[models.MessageType]string {
	return map[models.MessageType]string{
		models.MessageTypeClick: "/click",
	}
}

type Relay struct {
	receiver  Receiver
	deliverer Deliverer
	routes    map[models.MessageType]string
	logger    *slog.Logger

	inflight sync.WaitGroup
}

func New(receiver Receiver, deliverer Deliverer, routes map[models.MessageType]string, logger *slog.Logger) *Relay {
	if routes == nil {
		routes = DefaultRoutes()
	}
	if logger == nil {
		logger = slog.Default()
	}
	routesCopy := make(map[models.MessageType]string, len(routes))
	for messageType, path := range routes {
		routesCopy[messageType] = path
	}
	return &Relay{
		receiver:  receiver,
		deliverer: deliverer,
		routes:    routesCopy,
		logger:    logger,
	}
}

// Run receives until the bridge closes or ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	for {
		message, err := r.receiver.Receive(ctx)
		if err != nil {
			if errors.Is(err, bridge.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("failed to receive message", "error", err)
			continue
		}
		r.forward(ctx, message)
	}
}

func (r *Relay) forward(ctx context.Context, message models.Message) {
	path, ok := r.routes[message.Type]
	if !ok || path == "" {
		r.logger.Debug("no route for message", "type", message.Type)
		return
	}
	payload := append(json.RawMessage(nil), message.Payload...)
	deliveryContext := context.WithoutCancel(ctx)

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				r.logger.Error("delivery panicked", "type", message.Type, "panic", recovered, "stack", string(debug.Stack()))
			}
		}()
		r.deliverer.Deliver(deliveryContext, path, payload)
	}()
}

// Wait blocks until every delivery started so far has finished.
func (r *Relay) Wait() {
	r.inflight.Wait()
}
