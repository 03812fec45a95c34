package store

import (
	"cmp"
	"slices"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/jsoncodec"
)

// TopMentions bounds the ranked region and theme lists.
const TopMentions = 10

// Mention is a region or theme and the number of analytics rows naming it.
type Mention struct {
	Name  string
	Count int
}

// InsightAggregates summarizes the analytics rows of one window.
//
// Averages run over every row in the window. A row whose info lacks a
// numeric response_time_ms or message_length counts as zero for that field.
type InsightAggregates struct {
	Events int
	// Regions and Themes hold at most TopMentions entries, most mentioned
	// first, ties broken by byte order of the name. Empty names are skipped.
	Regions            []Mention
	Themes             []Mention
	AvgResponseTimeMs  float64
	AvgMessageLength   float64
	AvgEngagementScore float64
}

// aggregateRows computes InsightAggregates in process, the same way the
// Postgres queries do.
func aggregateRows(rows []AnalyticsEvent) InsightAggregates {
	agg := InsightAggregates{
		Events:  len(rows),
		Regions: rankMentions(rows, func(ev AnalyticsEvent) []string { return ev.Region }),
		Themes:  rankMentions(rows, func(ev AnalyticsEvent) []string { return ev.Theme }),
	}
	if len(rows) == 0 {
		return agg
	}

	var responseMs, messageLen, engagement float64
	for _, row := range rows {
		engagement += row.EngagementScore
		var info map[string]any
		if len(row.Info) == 0 || jsoncodec.Unmarshal(row.Info, &info) != nil {
			continue
		}
		responseMs += numberField(info, "response_time_ms")
		messageLen += numberField(info, "message_length")
	}

	n := float64(len(rows))
	agg.AvgResponseTimeMs = responseMs / n
	agg.AvgMessageLength = messageLen / n
	agg.AvgEngagementScore = engagement / n
	return agg
}

func numberField(info map[string]any, key string) float64 {
	v, _ := info[key].(float64)
	return v
}

func rankMentions(rows []AnalyticsEvent, names func(AnalyticsEvent) []string) []Mention {
	counts := make(map[string]int)
	for _, row := range rows {
		for _, name := range names(row) {
			if name != "" {
				counts[name]++
			}
		}
	}

	ranked := make([]Mention, 0, len(counts))
	for name, count := range counts {
		ranked = append(ranked, Mention{Name: name, Count: count})
	}
	slices.SortFunc(ranked, func(a, b Mention) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	if len(ranked) > TopMentions {
		ranked = ranked[:TopMentions]
	}
	return ranked
}
