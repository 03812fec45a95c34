package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
)

// skipIfNoRedis skips the test if Redis is not reachable.
// Set PIPELINE_TEST_REDIS_URL to use a different instance.
func skipIfNoRedis(t *testing.T) *redis.Client {
	t.Helper()
	rawURL := os.Getenv("PIPELINE_TEST_REDIS_URL")
	if rawURL == "" {
		rawURL = "redis://localhost:6379/15"
	}
	opts, err := redis.ParseURL(rawURL)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPreferenceKey(t *testing.T) {
	assert.Equal(t, "user_preferences:42", PreferenceKey(42))
}

func TestNewRedisDefaultsTTL(t *testing.T) {
	r := NewRedis(redis.NewClient(&redis.Options{Addr: "localhost:0"}), 0)
	assert.Equal(t, DefaultPreferenceTTL, r.ttl)
}

func TestDialRedisRejectsBadURL(t *testing.T) {
	_, err := DialRedis(context.Background(), "mysql://nope", time.Minute)
	assert.Error(t, err)
}

func TestRedisPreferencesRoundTrip(t *testing.T) {
	client := skipIfNoRedis(t)
	ctx := context.Background()
	c := NewRedis(client, time.Minute)
	t.Cleanup(func() { client.Del(ctx, PreferenceKey(9001)) })

	_, ok, err := c.Preferences(ctx, 9001)
	require.NoError(t, err)
	assert.False(t, ok)

	prefs := events.UserPreferences{ExperienceLevel: "beginner", PreferredRegions: []string{"강남"}}
	require.NoError(t, c.SetPreferences(ctx, 9001, prefs))

	got, ok, err := c.Preferences(ctx, 9001)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, prefs, got)

	ttl, err := client.TTL(ctx, PreferenceKey(9001)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}
