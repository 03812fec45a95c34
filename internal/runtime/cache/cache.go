// Package cache keeps the chat backend's Redis preference cache in step
// with preference rows written by the pipeline.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/jsoncodec"
)

// DefaultPreferenceTTL matches the expiry the chat backend uses.
const DefaultPreferenceTTL = time.Hour

// PreferenceCache stores user preferences for the request path to read.
type PreferenceCache interface {
	SetPreferences(ctx context.Context, userID int64, prefs events.UserPreferences) error
	Preferences(ctx context.Context, userID int64) (events.UserPreferences, bool, error)
}

// PreferenceKey is the Redis key holding a user's cached preferences.
func PreferenceKey(userID int64) string {
	return "user_preferences:" + strconv.FormatInt(userID, 10)
}

// Redis implements PreferenceCache on go-redis.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedis wraps a client. A non-positive ttl falls back to DefaultPreferenceTTL.
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultPreferenceTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// DialRedis parses a redis:// URL, connects and pings.
func DialRedis(ctx context.Context, rawURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedis(client, ttl), nil
}

func (r *Redis) SetPreferences(ctx context.Context, userID int64, prefs events.UserPreferences) error {
	data, err := jsoncodec.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	if err := r.client.Set(ctx, PreferenceKey(userID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache preferences for user %d: %w", userID, err)
	}
	return nil
}

func (r *Redis) Preferences(ctx context.Context, userID int64) (events.UserPreferences, bool, error) {
	var prefs events.UserPreferences
	data, err := r.client.Get(ctx, PreferenceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return prefs, false, nil
	}
	if err != nil {
		return prefs, false, fmt.Errorf("read cached preferences for user %d: %w", userID, err)
	}
	if err := jsoncodec.Unmarshal(data, &prefs); err != nil {
		return prefs, false, fmt.Errorf("decode cached preferences for user %d: %w", userID, err)
	}
	return prefs, true, nil
}

// Ping reports whether Redis answers.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
