// Package handlers applies the side effects of pipeline events: analytics
// rows, business-insight snapshots and the db_sync mirror writes.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/cache"
	errspkg "github.com/darams4863/escape-room-with-ai/internal/runtime/errors"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/jsoncodec"
	loggingpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/store"
)

// InsightPublisher enqueues insight recompute triggers.
type InsightPublisher interface {
	PublishBusinessInsight(ctx context.Context, env events.Envelope) bool
}

// Options configures Handlers.
type Options struct {
	Store store.Store
	// Cache is refreshed after preference writes. Optional.
	Cache cache.PreferenceCache
	// Insights receives the recompute trigger after each user action. When nil,
	// or when InlineInsights is set, the recompute runs inside the handler.
	Insights       InsightPublisher
	InlineInsights bool
	// InsightDays is the window triggered by user actions.
	InsightDays int
	Logger      loggingpkg.ServiceLogger
	Now         func() time.Time
}

// Handlers holds the event handlers for the consumed queues.
type Handlers struct {
	store          store.Store
	cache          cache.PreferenceCache
	insights       InsightPublisher
	inlineInsights bool
	insightDays    int
	logger         loggingpkg.ServiceLogger
	now            func() time.Time
}

// New validates the options and returns the handler set.
func New(opts Options) (*Handlers, error) {
	if opts.Store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if opts.Logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if opts.InsightDays <= 0 {
		opts.InsightDays = events.DefaultInsightDays
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handlers{
		store:          opts.Store,
		cache:          opts.Cache,
		insights:       opts.Insights,
		inlineInsights: opts.InlineInsights,
		insightDays:    opts.InsightDays,
		logger:         opts.Logger,
		now:            opts.Now,
	}, nil
}

// ForQueue returns the handler consuming the given queue.
func (h *Handlers) ForQueue(queue string) (Handler, error) {
	switch queue {
	case events.QueueUserActions:
		return Envelope(h.HandleUserAction), nil
	case events.QueueBusinessInsights:
		return Envelope(h.HandleBusinessInsight), nil
	case events.QueueDBSync:
		return Envelope(h.HandleDBSync), nil
	default:
		return nil, fmt.Errorf("%w: %s", errspkg.ErrUnknownQueue, queue)
	}
}

// Routes maps every consumed queue to its handler.
func (h *Handlers) Routes() map[string]Handler {
	routes := make(map[string]Handler, len(events.ConsumedQueues))
	for _, queue := range events.ConsumedQueues {
		handler, _ := h.ForQueue(queue)
		routes[queue] = handler
	}
	return routes
}

// HandleUserAction records one analytics row and triggers an insight recompute.
func (h *Handlers) HandleUserAction(ctx context.Context, env events.Envelope) error {
	data, err := events.DecodeData[events.UserActionData](env)
	if err != nil {
		return err
	}

	info := env.Data
	if len(info) == 0 {
		info = []byte("{}")
	}
	row := store.AnalyticsEvent{
		UserID:          env.UserID,
		SessionID:       env.SessionID,
		EventType:       env.Action,
		Region:          data.Region,
		Theme:           data.Theme,
		EngagementScore: data.EngagementScore(),
		Info:            info,
		CreatedAt:       h.now(),
	}
	if err := h.store.InsertAnalyticsEvent(ctx, row); err != nil {
		return fmt.Errorf("record analytics event: %w", err)
	}

	h.triggerInsights(ctx, env)
	return nil
}

// triggerInsights never fails the user action: the analytics row is already
// committed and a retry would duplicate it.
func (h *Handlers) triggerInsights(ctx context.Context, source events.Envelope) {
	logger := h.logger.With(loggingpkg.LogFields{"user_id": source.UserID, "days": h.insightDays})

	if !h.inlineInsights && h.insights != nil {
		trigger, err := events.NewEnvelope(source.UserID, source.SessionID, events.ActionBusinessInsight,
			events.BusinessInsightData{Days: h.insightDays})
		if err == nil && h.insights.PublishBusinessInsight(ctx, trigger) {
			return
		}
		logger.Info("Insight trigger not published, recomputing inline", nil)
	}

	if err := h.RefreshInsights(ctx, h.insightDays); err != nil {
		logger.Error("Inline insight recompute failed", err, nil)
	}
}

// HandleBusinessInsight recomputes the aggregate snapshot for the requested window.
func (h *Handlers) HandleBusinessInsight(ctx context.Context, env events.Envelope) error {
	data, err := events.DecodeData[events.BusinessInsightData](env)
	if err != nil {
		return err
	}
	days, err := data.Window()
	if err != nil {
		return err
	}
	return h.RefreshInsights(ctx, days)
}

// RefreshInsights has the store aggregate the last days days of analytics and
// upserts the comprehensive snapshot for that window. days is clamped to
// [1, events.MaxInsightDays]; non-positive values mean the default.
func (h *Handlers) RefreshInsights(ctx context.Context, days int) error {
	if days <= 0 {
		days = events.DefaultInsightDays
	}
	days = min(days, events.MaxInsightDays)
	now := h.now()
	agg, err := h.store.InsightAggregates(ctx, now.AddDate(0, 0, -days))
	if err != nil {
		return fmt.Errorf("aggregate analytics for %d days: %w", days, err)
	}

	report := ComputeInsights(agg, days, now)
	payload, err := jsoncodec.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode insight snapshot: %w", err)
	}

	snap := store.BusinessInsightSnapshot{
		InsightType: store.InsightTypeComprehensive,
		Period:      PeriodLabel(days),
		Data:        payload,
		UpdatedAt:   now,
	}
	if err := h.store.UpsertInsight(ctx, snap); err != nil {
		return fmt.Errorf("upsert insight snapshot %s: %w", snap.Period, err)
	}

	h.logger.Debug("Business insights refreshed", loggingpkg.LogFields{
		"period": snap.Period,
		"events": agg.Events,
	})
	return nil
}

// conversationHistory is the stored shape of a session's history blob.
type conversationHistory struct {
	Messages []events.ConversationMessage `json:"messages"`
}

// HandleDBSync mirrors request-path state into the relational store.
func (h *Handlers) HandleDBSync(ctx context.Context, env events.Envelope) error {
	switch env.Action {
	case events.ActionConversationSync:
		return h.syncConversation(ctx, env)
	case events.ActionPreferenceSync:
		return h.syncPreferences(ctx, env)
	case events.ActionRecommendationLog:
		return h.logRecommendations(ctx, env)
	default:
		h.logger.Info("Ignoring unknown db_sync action", loggingpkg.LogFields{
			"action":  env.Action,
			"user_id": env.UserID,
		})
		return nil
	}
}

func (h *Handlers) syncConversation(ctx context.Context, env events.Envelope) error {
	data, err := events.DecodeData[events.ConversationSyncData](env)
	if err != nil {
		return err
	}
	if len(data.Messages) == 0 {
		return nil
	}
	if env.SessionID == "" {
		return &events.DecodeError{Err: errors.New("conversation_sync without session_id")}
	}

	history, err := jsoncodec.Marshal(conversationHistory{Messages: data.Messages})
	if err != nil {
		return fmt.Errorf("encode conversation history: %w", err)
	}

	err = h.store.ReplaceConversation(ctx, env.UserID, env.SessionID, history)
	if errors.Is(err, store.ErrSessionNotFound) {
		h.logger.Info("Conversation sync for unknown session", loggingpkg.LogFields{
			"user_id":    env.UserID,
			"session_id": env.SessionID,
		})
		return nil
	}
	if err != nil {
		return fmt.Errorf("replace conversation %s: %w", env.SessionID, err)
	}
	return nil
}

func (h *Handlers) syncPreferences(ctx context.Context, env events.Envelope) error {
	data, err := events.DecodeData[events.PreferenceSyncData](env)
	if err != nil {
		return err
	}
	if data.Preferences.IsZero() {
		return nil
	}

	if err := h.store.UpsertPreferences(ctx, env.UserID, data.Preferences); err != nil {
		return fmt.Errorf("upsert preferences for user %d: %w", env.UserID, err)
	}

	if h.cache != nil {
		if err := h.cache.SetPreferences(ctx, env.UserID, data.Preferences); err != nil {
			h.logger.Error("Preference cache refresh failed", err, loggingpkg.LogFields{"user_id": env.UserID})
		}
	}
	return nil
}

func (h *Handlers) logRecommendations(ctx context.Context, env events.Envelope) error {
	data, err := events.DecodeData[events.RecommendationLogData](env)
	if err != nil {
		return err
	}
	if len(data.Recommendations) == 0 {
		return nil
	}
	if err := h.store.InsertRecommendations(ctx, env.UserID, env.SessionID, data.Recommendations); err != nil {
		return fmt.Errorf("log %d recommendations: %w", len(data.Recommendations), err)
	}
	return nil
}
