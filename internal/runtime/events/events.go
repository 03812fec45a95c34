// Package events defines the envelope carried on every pipeline queue, the
// payload shapes riding inside it and the fixed queue topology.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimestampLayout formats envelope timestamps.
const TimestampLayout = time.RFC3339Nano

// Queue names. Every connection declares all of them as durable queues.
const (
	QueueUserActions      = "user_actions"
	QueueBusinessInsights = "business_insights"
	QueueDBSync           = "db_sync"
	// QueuePersonalization is declared for producers but nothing consumes it yet.
	QueuePersonalization = "personalization"
	QueueDeadLetters     = "dead_letters"
)

// Topology lists the queues declared on every broker connection.
var Topology = []string{
	QueueUserActions,
	QueueBusinessInsights,
	QueueDBSync,
	QueuePersonalization,
	QueueDeadLetters,
}

// ConsumedQueues lists the queues a worker drains, in consumer registration order.
var ConsumedQueues = []string{
	QueueUserActions,
	QueueBusinessInsights,
	QueueDBSync,
}

// Actions discriminating db_sync payloads.
const (
	ActionConversationSync  = "conversation_sync"
	ActionPreferenceSync    = "preference_sync"
	ActionRecommendationLog = "recommendation_log"
	ActionBusinessInsight   = "business_insight"
)

// DefaultInsightDays is the window used when a trigger carries no usable day count.
const DefaultInsightDays = 7

// MaxInsightDays is the widest window a recompute accepts, ten years.
const MaxInsightDays = 3650

// ErrInsightWindow reports a business_insight trigger asking for more than
// MaxInsightDays.
var ErrInsightWindow = errors.New("insight window too wide")

// Envelope is the outer JSON document of every event.
type Envelope struct {
	UserID    int64           `json:"user_id"`
	SessionID string          `json:"session_id,omitempty"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	// Timestamp is kept as text: producers emit ISO-8601 with and without offsets.
	Timestamp string `json:"timestamp,omitempty"`
}

// Stamp sets Timestamp to now when the producer left it empty.
func (e *Envelope) Stamp(now time.Time) {
	if e.Timestamp == "" {
		e.Timestamp = now.Format(TimestampLayout)
	}
}

// UserActionData is the payload of user_actions events.
type UserActionData struct {
	Region             []string `json:"region"`
	Theme              []string `json:"theme"`
	MessageLength      int      `json:"message_length"`
	ResponseTimeMs     float64  `json:"response_time_ms"`
	DailyChatCount     *int     `json:"daily_chat_count,omitempty"`
	HasRecommendations bool     `json:"has_recommendations"`
}

// EngagementScore scales the daily chat count into [0, 1]; ten chats a day
// saturates. A missing count is treated as the first chat of the day.
func (d UserActionData) EngagementScore() float64 {
	count := 1
	if d.DailyChatCount != nil {
		count = *d.DailyChatCount
	}
	score := float64(count) / 10.0
	if score > 1.0 {
		return 1.0
	}
	if score < 0 {
		return 0
	}
	return score
}

// ConversationMessage is one turn of a chat session's history.
type ConversationMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ConversationSyncData replaces a session's stored history.
type ConversationSyncData struct {
	Messages []ConversationMessage `json:"messages"`
	SyncType string                `json:"sync_type,omitempty"`
}

// UserPreferences mirrors the user_preferences row.
type UserPreferences struct {
	ExperienceLevel        string   `json:"experience_level,omitempty"`
	PreferredDifficulty    int      `json:"preferred_difficulty,omitempty"`
	PreferredActivityLevel string   `json:"preferred_activity_level,omitempty"`
	PreferredRegions       []string `json:"preferred_regions,omitempty"`
	PreferredGroupSize     int      `json:"preferred_group_size,omitempty"`
	PreferredThemes        []string `json:"preferred_themes,omitempty"`
	ExperienceCount        int      `json:"experience_count,omitempty"`
}

// IsZero reports whether no preference field is set.
func (p UserPreferences) IsZero() bool {
	return p.ExperienceLevel == "" && p.PreferredDifficulty == 0 && p.PreferredActivityLevel == "" &&
		len(p.PreferredRegions) == 0 && p.PreferredGroupSize == 0 && len(p.PreferredThemes) == 0 &&
		p.ExperienceCount == 0
}

// PreferenceSyncData upserts a user's preference row.
type PreferenceSyncData struct {
	Preferences UserPreferences `json:"preferences"`
}

// Recommendation is one ranked room shown to a user.
type Recommendation struct {
	RoomID       int64  `json:"room_id"`
	RankPosition int    `json:"rank_position"`
	RoomName     string `json:"room_name"`
	Theme        string `json:"theme"`
	Region       string `json:"region"`
}

// RecommendationLogData records the rooms recommended in one chat turn.
type RecommendationLogData struct {
	Recommendations []Recommendation `json:"recommendations"`
}

// BusinessInsightData triggers an aggregate recompute over the last Days days.
type BusinessInsightData struct {
	Days int `json:"days"`
}

// Window returns Days, substituting DefaultInsightDays for non-positive
// values. A window wider than MaxInsightDays is a DecodeError.
func (d BusinessInsightData) Window() (int, error) {
	switch {
	case d.Days <= 0:
		return DefaultInsightDays, nil
	case d.Days > MaxInsightDays:
		return 0, &DecodeError{Err: fmt.Errorf("%w: %d days, at most %d", ErrInsightWindow, d.Days, MaxInsightDays)}
	}
	return d.Days, nil
}
