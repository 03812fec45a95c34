package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertAll(t *testing.T, s Store, rows ...AnalyticsEvent) {
	t.Helper()
	for _, row := range rows {
		require.NoError(t, s.InsertAnalyticsEvent(context.Background(), row))
	}
}

func TestMemoryInsightAggregatesRanksAndAverages(t *testing.T) {
	m := NewMemory()
	insertAll(t, m,
		AnalyticsEvent{Region: []string{"강남", "홍대"}, Theme: []string{"공포"}, EngagementScore: 0.2,
			Info: []byte(`{"message_length":10,"response_time_ms":60000}`)},
		AnalyticsEvent{Region: []string{"강남"}, Theme: []string{"추리", "공포"}, EngagementScore: 0.4,
			Info: []byte(`{"message_length":30,"response_time_ms":120000}`)},
		AnalyticsEvent{Region: []string{"건대", ""}, EngagementScore: 1.0, Info: []byte(`{"message_length":"long"}`)},
		AnalyticsEvent{Region: []string{"홍대"}, EngagementScore: 0.2, Info: []byte(`not json`)},
	)

	agg, err := m.InsightAggregates(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 4, agg.Events)
	assert.Equal(t, []Mention{{"강남", 2}, {"홍대", 2}, {"건대", 1}}, agg.Regions, "ties ordered by name")
	assert.Equal(t, []Mention{{"공포", 2}, {"추리", 1}}, agg.Themes)
	assert.InDelta(t, 45000, agg.AvgResponseTimeMs, 1e-9, "rows without the field count as zero")
	assert.InDelta(t, 10, agg.AvgMessageLength, 1e-9, "non-numeric values count as zero")
	assert.InDelta(t, 0.45, agg.AvgEngagementScore, 1e-9)
}

func TestMemoryInsightAggregatesKeepsTopMentions(t *testing.T) {
	m := NewMemory()
	for i := 0; i < TopMentions+2; i++ {
		insertAll(t, m, AnalyticsEvent{Region: []string{fmt.Sprintf("region-%02d", i)}})
	}
	insertAll(t, m, AnalyticsEvent{Region: []string{"region-11"}})

	agg, err := m.InsightAggregates(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, agg.Regions, TopMentions)
	assert.Equal(t, Mention{Name: "region-11", Count: 2}, agg.Regions[0])
	assert.Equal(t, "region-00", agg.Regions[1].Name)
	assert.NotNil(t, agg.Themes)
	assert.Empty(t, agg.Themes)
}

func TestMemoryInsightAggregatesEmptyWindow(t *testing.T) {
	agg, err := NewMemory().InsightAggregates(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, agg.Events)
	assert.Zero(t, agg.AvgEngagementScore)
	assert.Empty(t, agg.Regions)
}
