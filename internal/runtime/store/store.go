// Package store holds the durable sinks the event handlers write to.
//
// Every implementation must be safe for concurrent use: all workers share
// one Store and call it from their own goroutines.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
)

// ErrSessionNotFound is returned when a conversation overwrite matches no session.
var ErrSessionNotFound = errors.New("store: chat session not found")

// InsightTypeComprehensive keys the snapshot produced by the insight handler.
const InsightTypeComprehensive = "comprehensive_insights"

// AnalyticsEvent is one row of analytics_events.
type AnalyticsEvent struct {
	UserID          int64
	SessionID       string
	EventType       string
	Region          []string
	Theme           []string
	EngagementScore float64
	// Info holds the raw action payload.
	Info      json.RawMessage
	CreatedAt time.Time
}

// BusinessInsightSnapshot is one row of business_insights, unique on
// (InsightType, Period).
type BusinessInsightSnapshot struct {
	InsightType string
	Period      string
	Data        json.RawMessage
	UpdatedAt   time.Time
}

// Store is the persistence boundary of the pipeline.
type Store interface {
	InsertAnalyticsEvent(ctx context.Context, ev AnalyticsEvent) error
	// InsightAggregates summarizes the analytics rows created at or after since.
	InsightAggregates(ctx context.Context, since time.Time) (InsightAggregates, error)
	// UpsertInsight writes the snapshot, replacing any row with the same key.
	UpsertInsight(ctx context.Context, snap BusinessInsightSnapshot) error
	// ReplaceConversation overwrites a session's stored history. It returns
	// ErrSessionNotFound when no session matches.
	ReplaceConversation(ctx context.Context, userID int64, sessionID string, history json.RawMessage) error
	UpsertPreferences(ctx context.Context, userID int64, prefs events.UserPreferences) error
	InsertRecommendations(ctx context.Context, userID int64, sessionID string, recs []events.Recommendation) error
}
