package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
)

type insightKey struct {
	insightType string
	period      string
}

// RecommendationRow is a recommendation_logs row held by Memory.
type RecommendationRow struct {
	UserID    int64
	SessionID string
	events.Recommendation
}

// Memory is an in-process Store for tests and local runs.
type Memory struct {
	mu              sync.RWMutex
	now             func() time.Time
	analytics       []AnalyticsEvent
	insights        map[insightKey]BusinessInsightSnapshot
	insightWrites   int
	sessions        map[string]memorySession
	preferences     map[int64]events.UserPreferences
	recommendations []RecommendationRow
}

type memorySession struct {
	userID  int64
	history json.RawMessage
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		now:         time.Now,
		insights:    make(map[insightKey]BusinessInsightSnapshot),
		sessions:    make(map[string]memorySession),
		preferences: make(map[int64]events.UserPreferences),
	}
}

// CreateSession registers a chat session so conversation overwrites can find it.
func (m *Memory) CreateSession(userID int64, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = memorySession{userID: userID}
}

func (m *Memory) InsertAnalyticsEvent(_ context.Context, ev AnalyticsEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	m.analytics = append(m.analytics, ev)
	return nil
}

func (m *Memory) InsightAggregates(_ context.Context, since time.Time) (InsightAggregates, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var window []AnalyticsEvent
	for _, ev := range m.analytics {
		if !ev.CreatedAt.Before(since) {
			window = append(window, ev)
		}
	}
	return aggregateRows(window), nil
}

func (m *Memory) UpsertInsight(_ context.Context, snap BusinessInsightSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = m.now()
	}
	m.insights[insightKey{snap.InsightType, snap.Period}] = snap
	m.insightWrites++
	return nil
}

func (m *Memory) ReplaceConversation(_ context.Context, userID int64, sessionID string, history json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.userID != userID {
		return ErrSessionNotFound
	}
	sess.history = append(json.RawMessage(nil), history...)
	m.sessions[sessionID] = sess
	return nil
}

func (m *Memory) UpsertPreferences(_ context.Context, userID int64, prefs events.UserPreferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preferences[userID] = prefs
	return nil
}

func (m *Memory) InsertRecommendations(_ context.Context, userID int64, sessionID string, recs []events.Recommendation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		m.recommendations = append(m.recommendations, RecommendationRow{UserID: userID, SessionID: sessionID, Recommendation: rec})
	}
	return nil
}

// Analytics returns every stored analytics row.
func (m *Memory) Analytics() []AnalyticsEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AnalyticsEvent(nil), m.analytics...)
}

// Insight returns the snapshot stored under the key.
func (m *Memory) Insight(insightType, period string) (BusinessInsightSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.insights[insightKey{insightType, period}]
	return snap, ok
}

// InsightRows counts distinct snapshot rows.
func (m *Memory) InsightRows() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.insights)
}

// InsightWrites counts upserts, including ones that replaced a row.
func (m *Memory) InsightWrites() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.insightWrites
}

// Conversation returns the stored history of a session.
func (m *Memory) Conversation(sessionID string) (json.RawMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess.history, ok
}

// Preferences returns the stored preference row of a user.
func (m *Memory) Preferences(userID int64) (events.UserPreferences, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefs, ok := m.preferences[userID]
	return prefs, ok
}

// Recommendations returns every stored recommendation row.
func (m *Memory) Recommendations() []RecommendationRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecommendationRow(nil), m.recommendations...)
}
