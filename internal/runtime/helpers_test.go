package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/broker"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/broker/brokertest"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
	loggingpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
)

func newTestManager(t *testing.T, b *brokertest.Broker) *broker.Manager {
	t.Helper()
	m, err := broker.NewManager(broker.Options{
		URL:     "amqp://test",
		Dialer:  b.Dial,
		Backoff: func(int) time.Duration { return time.Millisecond },
	}, loggingpkg.NewDiscardServiceLogger())
	require.NoError(t, err)
	t.Cleanup(m.DisconnectAll)
	return m
}

func connectedManager(t *testing.T, b *brokertest.Broker) *broker.Manager {
	t.Helper()
	m := newTestManager(t, b)
	require.True(t, m.Connect(context.Background(), 1))
	return m
}

func testEnvelope(t *testing.T, action string, payload any) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(42, "session-1", action, payload)
	require.NoError(t, err)
	return env
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msgAndArgs...)
}
