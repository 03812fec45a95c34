package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/broker/brokertest"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
	handlerpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/handlers"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/jsoncodec"
	loggingpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/store"
)

// TestPipelineEndToEnd drives events from the publisher through the broker,
// a worker pool and the handlers into the store.
func TestPipelineEndToEnd(t *testing.T) {
	b := brokertest.New()
	m := connectedManager(t, b)
	logger := loggingpkg.NewDiscardServiceLogger()
	publisher := newTestPublisher(t, m, PublisherOptions{})

	mem := store.NewMemory()
	mem.CreateSession(42, "session-1")
	h, err := handlerpkg.New(handlerpkg.Options{Store: mem, Insights: publisher, Logger: logger})
	require.NoError(t, err)

	pool := newTestPool(t, m, h.Routes(), PoolOptions{Size: 2})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := pool.ServeBackground(ctx)
	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	count := 4
	action := testEnvelope(t, "chat_message", events.UserActionData{
		Region:         []string{"홍대"},
		Theme:          []string{"공포"},
		MessageLength:  30,
		ResponseTimeMs: 1200,
		DailyChatCount: &count,
	})
	require.True(t, publisher.PublishUserAction(ctx, action))

	eventually(t, func() bool {
		_, ok := mem.Insight(store.InsightTypeComprehensive, "7days")
		return ok && len(mem.Analytics()) == 1
	}, "user action should produce an analytics row and an insight snapshot")

	row := mem.Analytics()[0]
	assert.Equal(t, int64(42), row.UserID)
	assert.InDelta(t, 0.4, row.EngagementScore, 1e-9)

	snap, _ := mem.Insight(store.InsightTypeComprehensive, "7days")
	var report handlerpkg.InsightReport
	require.NoError(t, jsoncodec.Unmarshal(snap.Data, &report))
	require.NotEmpty(t, report.PopularRegions)
	assert.Equal(t, "홍대", report.PopularRegions[0].Region)

	prefs := testEnvelope(t, events.ActionPreferenceSync, events.PreferenceSyncData{
		Preferences: events.UserPreferences{ExperienceLevel: "beginner", PreferredRegions: []string{"강남"}},
	})
	require.True(t, publisher.PublishDBSync(ctx, prefs))

	history := testEnvelope(t, events.ActionConversationSync, events.ConversationSyncData{
		Messages: []events.ConversationMessage{{Role: "user", Content: "추천해줘"}},
	})
	require.True(t, publisher.PublishDBSync(ctx, history))

	eventually(t, func() bool {
		_, gotPrefs := mem.Preferences(42)
		_, gotHistory := mem.Conversation("session-1")
		return gotPrefs && gotHistory
	})
	eventually(t, func() bool { return b.Unacked() == 0 })
	assert.Equal(t, 0, b.Len(events.QueueDeadLetters))
}
