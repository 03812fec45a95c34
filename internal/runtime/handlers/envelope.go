package handlers

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/darams4863/escape-room-with-ai/internal/runtime/errors"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
	loggingpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
	metadatapkg "github.com/darams4863/escape-room-with-ai/internal/runtime/metadata"
)

// Handler processes one decoded delivery. Returning an error hands the
// message to the worker's redelivery policy; *events.DecodeError is terminal.
type Handler func(ctx context.Context, mc MessageContext) error

// EnvelopeHandler is the shape of the event handlers on Handlers.
type EnvelopeHandler func(ctx context.Context, env events.Envelope) error

// Envelope adapts an EnvelopeHandler to a Handler.
func Envelope(fn EnvelopeHandler) Handler {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, mc MessageContext) error {
		return fn(ctx, mc.Envelope)
	}
}

// BuildHandler converts a Handler into a Watermill handler. The payload is
// decoded as an events.Envelope before the handler runs.
func BuildHandler(queue string, handler Handler, logger loggingpkg.ServiceLogger) (message.HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if queue == "" {
		return nil, errspkg.ErrQueueRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	return func(msg *message.Message) ([]*message.Message, error) {
		env, err := events.Decode(queue, msg.Payload)
		if err != nil {
			return nil, err
		}

		mc := MessageContext{
			Queue:    queue,
			Envelope: env,
			Metadata: metadatapkg.FromWatermill(msg.Metadata),
		}
		mc.Logger = logger.With(mc.LogFields())

		return nil, handler(msg.Context(), mc)
	}, nil
}
