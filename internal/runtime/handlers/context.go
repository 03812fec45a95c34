package handlers

import (
	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
	loggingpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
	metadatapkg "github.com/darams4863/escape-room-with-ai/internal/runtime/metadata"
)

// MessageContext is what a handler sees of one delivery: the decoded
// envelope, the queue it came from and its headers.
type MessageContext struct {
	Queue    string
	Envelope events.Envelope
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// Get retrieves a metadata value by key.
func (c MessageContext) Get(key string) string {
	return c.Metadata[key]
}

// CorrelationID returns the correlation ID from metadata, if present.
func (c MessageContext) CorrelationID() string {
	return c.Metadata[metadatapkg.KeyCorrelationID]
}

// RedeliveryCount returns how often the message has been republished after a failure.
func (c MessageContext) RedeliveryCount() int {
	return c.Metadata.RedeliveryCount()
}

// LogFields returns the fields every handler log line carries.
func (c MessageContext) LogFields() loggingpkg.LogFields {
	fields := loggingpkg.LogFields{
		"queue":   c.Queue,
		"action":  c.Envelope.Action,
		"user_id": c.Envelope.UserID,
	}
	if c.Envelope.SessionID != "" {
		fields["session_id"] = c.Envelope.SessionID
	}
	if id := c.CorrelationID(); id != "" {
		fields["correlation_id"] = id
	}
	return fields
}
