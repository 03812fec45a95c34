package handlers

import (
	"fmt"
	"math"
	"time"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/store"
)

const trendStable = "stable"

// InsightReport is the JSON document stored in the comprehensive snapshot.
type InsightReport struct {
	PopularRegions []RegionMention `json:"popular_regions"`
	PopularThemes  []ThemeMention  `json:"popular_themes"`
	UserTrends     []TrendMetric   `json:"user_trends"`
	GeneratedAt    string          `json:"generated_at"`
	PeriodDays     int             `json:"period_days"`
}

type RegionMention struct {
	Region       string  `json:"region"`
	MentionCount int     `json:"mention_count"`
	Percentage   float64 `json:"percentage"`
	Trend        string  `json:"trend"`
}

type ThemeMention struct {
	Theme        string  `json:"theme"`
	MentionCount int     `json:"mention_count"`
	Percentage   float64 `json:"percentage"`
	Trend        string  `json:"trend"`
}

type TrendMetric struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Period string  `json:"period"`
	Trend  string  `json:"trend"`
}

// PeriodLabel renders a window as the snapshot's period key.
func PeriodLabel(days int) string {
	return fmt.Sprintf("%ddays", days)
}

// ComputeInsights renders window aggregates as an InsightReport. Percentages
// are relative to the number of analytics rows in the window.
func ComputeInsights(agg store.InsightAggregates, days int, now time.Time) InsightReport {
	report := InsightReport{
		PopularRegions: make([]RegionMention, 0, len(agg.Regions)),
		PopularThemes:  make([]ThemeMention, 0, len(agg.Themes)),
		GeneratedAt:    now.UTC().Format(events.TimestampLayout),
		PeriodDays:     days,
	}

	for _, m := range agg.Regions {
		report.PopularRegions = append(report.PopularRegions, RegionMention{
			Region:       m.Name,
			MentionCount: m.Count,
			Percentage:   percentage(m.Count, agg.Events),
			Trend:        trendStable,
		})
	}
	for _, m := range agg.Themes {
		report.PopularThemes = append(report.PopularThemes, ThemeMention{
			Theme:        m.Name,
			MentionCount: m.Count,
			Percentage:   percentage(m.Count, agg.Events),
			Trend:        trendStable,
		})
	}

	period := PeriodLabel(days)
	report.UserTrends = []TrendMetric{
		{Metric: "avg_session_length", Value: round2(agg.AvgResponseTimeMs / 1000 / 60), Period: period, Trend: trendStable},
		{Metric: "avg_message_length", Value: round2(agg.AvgMessageLength), Period: period, Trend: trendStable},
		{Metric: "avg_engagement_score", Value: round2(agg.AvgEngagementScore), Period: period, Trend: trendStable},
	}
	return report
}

func percentage(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return round2(float64(count) * 100 / float64(total))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
