// Package resultcache keeps oversized tool results out of the LLM context by
// swapping them for a compact summary and serving paginated chunks on demand.
package resultcache

import (
	"strings"
	"time"
)

// sampleEventCount caps how many representative events a summary carries.
const sampleEventCount = 5

// Instructions is the fixed guidance embedded in every summary envelope so
// the LLM knows how to page through the cached data.
const Instructions = "The full result was cached because it is too large for context. " +
	"Use fetch_cached_result_chunk with this cache_id to retrieve events in pages " +
	"(offset/limit), optionally with filter_pattern or a time window."

// TimeRange is the event-timestamp span of a cached result, epoch ms.
type TimeRange struct {
	Start  int64 `json:"start"`
	End    int64 `json:"end"`
	SpanMS int64 `json:"span_ms"`
}

// Summary is the compact stand-in for an oversized tool result.
type Summary struct {
	TotalEvents     int                      `json:"total_events"`
	TimeRange       *TimeRange               `json:"time_range,omitempty"`
	SampleEvents    []map[string]interface{} `json:"sample_events,omitempty"`
	EventStatistics map[string]int           `json:"event_statistics"`
}

// Envelope is what replaces the tool result in the conversation.
type Envelope struct {
	CacheID       string                 `json:"cache_id"`
	Summary       Summary                `json:"summary"`
	OriginalQuery map[string]interface{} `json:"original_query,omitempty"`
	CachedAt      time.Time              `json:"cached_at"`
	ExpiresAt     time.Time              `json:"expires_at"`
}

// ToContextDict renders the envelope in the wire shape the LLM sees.
func (e *Envelope) ToContextDict() map[string]interface{} {
	return map[string]interface{}{
		"cached":         true,
		"cache_id":       e.CacheID,
		"summary":        e.Summary,
		"original_query": e.OriginalQuery,
		"cache_info": map[string]interface{}{
			"cached_at":          e.CachedAt.UTC().Format(time.RFC3339),
			"expires_in_seconds": int(time.Until(e.ExpiresAt).Seconds()),
		},
		"instructions": Instructions,
	}
}

// extractEvents pulls the event list out of a tool result, accepting both
// "events" and "logs" keys and both []map and []interface{} shapes.
func extractEvents(result map[string]interface{}) []map[string]interface{} {
	raw, ok := result["events"]
	if !ok {
		raw, ok = result["logs"]
	}
	if !ok {
		return nil
	}

	switch list := raw.(type) {
	case []map[string]interface{}:
		return list
	case []interface{}:
		events := make([]map[string]interface{}, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]interface{}); ok {
				events = append(events, m)
			}
		}
		return events
	default:
		return nil
	}
}

// eventTimestamp reads an event's epoch-ms timestamp, tolerating the numeric
// types JSON decoding produces.
func eventTimestamp(ev map[string]interface{}) (int64, bool) {
	switch ts := ev["timestamp"].(type) {
	case int64:
		return ts, true
	case int:
		return int64(ts), true
	case float64:
		return int64(ts), true
	default:
		return 0, false
	}
}

// Summarize extracts the summary from a tool result in one pass over its
// events.
func Summarize(result map[string]interface{}) Summary {
	events := extractEvents(result)
	s := Summary{
		TotalEvents:     len(events),
		EventStatistics: map[string]int{},
	}
	if len(events) == 0 {
		return s
	}

	var minTS, maxTS int64
	haveTS := false
	for _, ev := range events {
		ts, ok := eventTimestamp(ev)
		if !ok {
			continue
		}
		if !haveTS || ts < minTS {
			minTS = ts
		}
		if !haveTS || ts > maxTS {
			maxTS = ts
		}
		haveTS = true
	}
	if haveTS {
		s.TimeRange = &TimeRange{Start: minTS, End: maxTS, SpanMS: maxTS - minTS}
	}

	s.SampleEvents = sampleEvents(events, sampleEventCount)

	for _, ev := range events {
		msg, _ := ev["message"].(string)
		s.EventStatistics[classifyLevel(msg)]++
	}

	return s
}

// sampleEvents picks the first, last, and evenly spaced middle events.
func sampleEvents(events []map[string]interface{}, n int) []map[string]interface{} {
	if len(events) <= n {
		out := make([]map[string]interface{}, len(events))
		copy(out, events)
		return out
	}

	out := make([]map[string]interface{}, 0, n)
	out = append(out, events[0])
	// n-2 evenly spaced interior picks between first and last.
	interior := n - 2
	for i := 1; i <= interior; i++ {
		idx := i * (len(events) - 1) / (interior + 1)
		out = append(out, events[idx])
	}
	out = append(out, events[len(events)-1])
	return out
}

// classifyLevel buckets a log line by severity keyword, case-insensitive.
func classifyLevel(message string) string {
	upper := strings.ToUpper(message)
	switch {
	case strings.Contains(upper, "ERROR"), strings.Contains(upper, "EXCEPTION"):
		return "ERROR"
	case strings.Contains(upper, "WARN"):
		return "WARN"
	case strings.Contains(upper, "INFO"):
		return "INFO"
	case strings.Contains(upper, "DEBUG"):
		return "DEBUG"
	default:
		return "OTHER"
	}
}
